package catalog

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/FurnitureDate/internal/models"
)

// PromptFile reads the suggested question pool from disk.
//
// The file holds either a JSON array of strings or an object with a "questions" array.
// A missing, malformed or empty file yields the built-in default pool.
type PromptFile struct {
	Path string
}

// NewPromptFile creates a PromptFile for path. An empty path always yields the defaults.
func NewPromptFile(path string) *PromptFile {
	return &PromptFile{Path: path}
}

// FetchPrompts returns the question pool.
func (p *PromptFile) FetchPrompts(ctx context.Context) []string {
	if p == nil || p.Path == "" {
		return defaultPrompts()
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		slog.Warn("PromptFile.FetchPrompts: read failed, using defaults", "path", p.Path, "error", err)
		return defaultPrompts()
	}
	prompts := ParsePrompts(data)
	if len(prompts) == 0 {
		slog.Warn("PromptFile.FetchPrompts: no prompts found, using defaults", "path", p.Path)
		return defaultPrompts()
	}
	slog.Debug("PromptFile.FetchPrompts: loaded prompts", "path", p.Path, "count", len(prompts))
	return prompts
}

// ParsePrompts extracts non-empty strings from a JSON array or a {"questions": [...]} object.
func ParsePrompts(data []byte) []string {
	if !gjson.ValidBytes(data) {
		return nil
	}
	root := gjson.ParseBytes(data)
	list := root
	if root.IsObject() {
		list = root.Get("questions")
	}
	if !list.IsArray() {
		return nil
	}
	var prompts []string
	list.ForEach(func(_, value gjson.Result) bool {
		if value.Type == gjson.String {
			if s := strings.TrimSpace(value.String()); s != "" {
				prompts = append(prompts, s)
			}
		}
		return true
	})
	return prompts
}

func defaultPrompts() []string {
	return append([]string(nil), models.DefaultPrompts...)
}
