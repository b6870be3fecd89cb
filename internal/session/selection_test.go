package session

import (
	"errors"
	"testing"

	"github.com/BTreeMap/FurnitureDate/internal/models"
)

func titles(items []models.CatalogItem) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item.Title] = true
	}
	return out
}

func TestSelectItems_PeriodFilterFillsShortfall(t *testing.T) {
	r := seeded()
	for i := 0; i < 20; i++ {
		got, err := SelectItems(r, testCatalog(), models.Preferences{Rounds: 3, Period: "BAROQUE"}, DefaultRounds)
		if err != nil {
			t.Fatalf("SelectItems: %v", err)
		}
		set := titles(got)
		if len(got) != 3 || len(set) != 3 {
			t.Fatalf("expected 3 distinct items, got %v", got)
		}
		if !set["Louis XV Commode"] || !set["Rococo Mirror"] {
			t.Fatalf("both baroque items must be selected, got %v", got)
		}
	}
}

func TestSelectItems_TruncatesMatches(t *testing.T) {
	got, err := SelectItems(seeded(), testCatalog(), models.Preferences{Rounds: 1, Period: "baroque"}, DefaultRounds)
	if err != nil {
		t.Fatalf("SelectItems: %v", err)
	}
	if len(got) != 1 || got[0].Period == "modern" {
		t.Errorf("expected a single baroque item, got %v", got)
	}
}

func TestSelectItems_RoundsCappedAndDefaulted(t *testing.T) {
	got, err := SelectItems(seeded(), testCatalog(), models.Preferences{Rounds: 12}, DefaultRounds)
	if err != nil || len(got) != 5 {
		t.Errorf("expected whole catalog, got %d items, %v", len(got), err)
	}
	got, err = SelectItems(seeded(), testCatalog(), models.Preferences{}, 2)
	if err != nil || len(got) != 2 {
		t.Errorf("expected default of 2 rounds, got %d items, %v", len(got), err)
	}
}

func TestSelectItems_ExplicitIDs(t *testing.T) {
	prefs := models.Preferences{Rounds: 1, Period: "modern", ItemIDs: []string{" rococo mirror", "Shaker Table", "unknown", "ROCOCO MIRROR"}}
	got, err := SelectItems(seeded(), testCatalog(), prefs, DefaultRounds)
	if err != nil {
		t.Fatalf("SelectItems: %v", err)
	}
	set := titles(got)
	if len(got) != 2 || !set["Rococo Mirror"] || !set["Shaker Table"] {
		t.Errorf("expected exactly the two named items, got %v", got)
	}

	prefs.ItemIDs = []string{"nothing matches"}
	got, err = SelectItems(seeded(), testCatalog(), prefs, DefaultRounds)
	if err != nil || len(got) != 1 || got[0].Title != "Bauhaus Chair" {
		t.Errorf("expected fallback to period filter, got %v, %v", got, err)
	}
}

func TestSelectItems_EmptyAndDuplicates(t *testing.T) {
	if _, err := SelectItems(seeded(), nil, models.Preferences{}, DefaultRounds); !errors.Is(err, ErrEmptyCatalog) {
		t.Errorf("expected ErrEmptyCatalog, got %v", err)
	}
	if _, err := SelectItems(seeded(), []models.CatalogItem{{Title: " "}}, models.Preferences{}, DefaultRounds); !errors.Is(err, ErrEmptyCatalog) {
		t.Errorf("expected ErrEmptyCatalog for untitled items, got %v", err)
	}
	items := []models.CatalogItem{{Title: "Sofa"}, {Title: "sofa "}, {Title: "Bench"}}
	got, err := SelectItems(seeded(), items, models.Preferences{Rounds: 3}, DefaultRounds)
	if err != nil || len(got) != 2 {
		t.Errorf("expected duplicates collapsed to 2 items, got %v, %v", got, err)
	}
}

func TestNormalizePool(t *testing.T) {
	got := NormalizePool([]string{" A ", "", "B", "A"})
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("unexpected pool %v", got)
	}
	if got := NormalizePool(nil); len(got) != len(models.DefaultPrompts) {
		t.Errorf("expected default pool, got %v", got)
	}
}

func TestSelectPrompts_NoStarvation(t *testing.T) {
	r := seeded()
	pool := []string{"A", "B", "C", "D", "E", "F", "G"}
	used := map[string]struct{}{}
	for round := 0; round < 3; round++ {
		for k := 0; k < len(pool); k += 3 {
			batch := SelectPrompts(r, pool, used, 3)
			if len(batch) != 3 {
				t.Fatalf("expected 3 prompts, got %v", batch)
			}
			unusedBefore := 0
			for _, p := range pool {
				if _, ok := used[p]; !ok {
					unusedBefore++
				}
			}
			fresh := 0
			for _, p := range batch {
				if _, ok := used[p]; !ok {
					fresh++
				}
			}
			want := min(3, unusedBefore)
			if fresh != want {
				t.Fatalf("expected %d unused prompts in batch %v, got %d", want, batch, fresh)
			}
			for _, p := range batch {
				used[p] = struct{}{}
			}
		}
		used = map[string]struct{}{}
	}
}

func TestSelectPrompts_SmallPoolCycles(t *testing.T) {
	batch := SelectPrompts(seeded(), []string{"A", "B"}, map[string]struct{}{"A": {}}, 5)
	if len(batch) != 5 {
		t.Fatalf("expected 5 prompts, got %v", batch)
	}
	hasB := false
	for _, p := range batch {
		if p == "B" {
			hasB = true
		}
	}
	if !hasB {
		t.Errorf("unused prompt missing from batch %v", batch)
	}
	if got := SelectPrompts(seeded(), nil, nil, 3); got != nil {
		t.Errorf("expected nil for empty pool, got %v", got)
	}
}
