package session

import (
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/BTreeMap/FurnitureDate/internal/models"
)

// shuffle permutes s in place with a Fisher-Yates pass.
func shuffle[T any](r *rand.Rand, s []T) {
	r.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

// SelectItems picks the ordered items for a session.
//
// Explicit item ids win over every other preference. Otherwise the catalog is filtered
// by period and topped up with random non-duplicate items until the round count is met.
func SelectItems(r *rand.Rand, items []models.CatalogItem, prefs models.Preferences, defaultRounds int) ([]models.CatalogItem, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCatalog
	}
	unique := dedupeItems(items)
	if len(unique) == 0 {
		return nil, ErrEmptyCatalog
	}

	if len(prefs.ItemIDs) > 0 {
		chosen := pickByID(unique, prefs.ItemIDs)
		if len(chosen) > 0 {
			shuffle(r, chosen)
			slog.Debug("SelectItems: using explicit selection", "requested", len(prefs.ItemIDs), "matched", len(chosen))
			return chosen, nil
		}
		slog.Warn("SelectItems: no explicit item ids matched the catalog, falling back to filter", "requested", prefs.ItemIDs)
	}

	rounds := prefs.Rounds
	if rounds <= 0 {
		rounds = defaultRounds
	}
	if rounds <= 0 || rounds > len(unique) {
		rounds = len(unique)
	}

	var matched, rest []models.CatalogItem
	period := models.NormalizeID(prefs.Period)
	for _, item := range unique {
		if period != "" && models.NormalizeID(item.Period) == period {
			matched = append(matched, item)
		} else {
			rest = append(rest, item)
		}
	}

	shuffle(r, matched)
	selected := matched
	if len(selected) > rounds {
		selected = selected[:rounds]
	}
	if missing := rounds - len(selected); missing > 0 {
		shuffle(r, rest)
		selected = append(selected, rest[:missing]...)
	}
	shuffle(r, selected)

	slog.Debug("SelectItems: selected", "rounds", rounds, "period", prefs.Period, "matched", len(matched), "selected", len(selected))
	return selected, nil
}

func dedupeItems(items []models.CatalogItem) []models.CatalogItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]models.CatalogItem, 0, len(items))
	for _, item := range items {
		if item.Validate() != nil {
			continue
		}
		key := models.NormalizeID(item.Title)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func pickByID(items []models.CatalogItem, ids []string) []models.CatalogItem {
	var chosen []models.CatalogItem
	picked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		key := models.NormalizeID(id)
		if _, dup := picked[key]; dup || key == "" {
			continue
		}
		for _, item := range items {
			if item.MatchesID(key) {
				chosen = append(chosen, item)
				picked[key] = struct{}{}
				break
			}
		}
	}
	return chosen
}

// NormalizePool trims, drops empty entries and removes duplicates. An empty result
// falls back to the built-in default pool.
func NormalizePool(pool []string) []string {
	seen := make(map[string]struct{}, len(pool))
	out := make([]string, 0, len(pool))
	for _, p := range pool {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return append([]string(nil), models.DefaultPrompts...)
	}
	return out
}

// SelectPrompts returns exactly n prompts from a non-empty pool.
//
// Unused prompts come first. When fewer than n are unused, the rest is recycled from
// the full pool, and a pool smaller than n is cycled. The batch order is shuffled.
func SelectPrompts(r *rand.Rand, pool []string, used map[string]struct{}, n int) []string {
	if len(pool) == 0 || n <= 0 {
		return nil
	}

	var unused []string
	for _, p := range pool {
		if _, ok := used[p]; !ok {
			unused = append(unused, p)
		}
	}
	shuffle(r, unused)
	if len(unused) >= n {
		return append([]string(nil), unused[:n]...)
	}

	batch := make([]string, 0, n)
	batch = append(batch, unused...)
	inBatch := make(map[string]struct{}, n)
	for _, p := range batch {
		inBatch[p] = struct{}{}
	}

	recycled := append([]string(nil), pool...)
	shuffle(r, recycled)
	for _, p := range recycled {
		if len(batch) == n {
			break
		}
		if _, dup := inBatch[p]; dup {
			continue
		}
		batch = append(batch, p)
		inBatch[p] = struct{}{}
	}
	for len(batch) < n {
		shuffle(r, recycled)
		for _, p := range recycled {
			if len(batch) == n {
				break
			}
			batch = append(batch, p)
		}
	}

	shuffle(r, batch)
	return batch
}
