package app

import (
	"testing"

	"receiptwise/pkg/domain"
)

func TestResolveCategoryEmptyGuess(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.app.resolveCategory("owner-1", "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != nil {
		t.Fatalf("id = %v, want nil for uncategorized", id)
	}
}

func TestResolveCategoryCreatesCanonical(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.app.resolveCategory("owner-1", "", "Travel")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	cat, ok, _ := env.store.GetCategory("owner-1", *id)
	if !ok || cat.Name != "Travel" {
		t.Fatalf("category = ok=%v %+v", ok, cat)
	}
}

func TestResolveCategoryReusesExistingCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	seeded, err := env.store.CreateOrGetCategory(domain.Category{ID: "cat-1", OwnerID: "owner-1", Name: "Groceries"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	id, err := env.app.resolveCategory("owner-1", "", "  gROceries ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *id != seeded.ID {
		t.Fatalf("id = %q, want existing %q", *id, seeded.ID)
	}
	cats, _ := env.store.ListCategoriesByOwner("owner-1")
	if len(cats) != 1 {
		t.Fatalf("category count = %d, want 1", len(cats))
	}
}

func TestResolveCategoryCoercesUnknownToOther(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.app.resolveCategory("owner-1", "", "Coffee Shop")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	cat, ok, _ := env.store.GetCategory("owner-1", *id)
	if !ok || cat.Name != "Other" {
		t.Fatalf("category = ok=%v %+v, want Other", ok, cat)
	}

	// A second unknown guess lands in the same Other row.
	again, err := env.app.resolveCategory("owner-1", "", "Hardware")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *again != *id {
		t.Fatalf("second unknown created a new row: %q vs %q", *again, *id)
	}
}

func TestResolveCategoryScopedPerOwner(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.app.resolveCategory("owner-1", "", "Dining")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := env.app.resolveCategory("owner-2", "", "Dining")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *first == *second {
		t.Fatal("owners must not share category rows")
	}
}

func TestResolveCategoryOverrideWins(t *testing.T) {
	env := newTestEnv(t)
	cat, err := env.store.CreateOrGetCategory(domain.Category{ID: "cat-biz", OwnerID: "owner-1", Name: "Business"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	id, err := env.app.resolveCategory("owner-1", cat.ID, "Dining")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *id != cat.ID {
		t.Fatalf("id = %q, want override %q", *id, cat.ID)
	}
}

func TestResolveCategoryDanglingOverrideFallsBack(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.app.resolveCategory("owner-1", "deleted-category", "Dining")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id == nil {
		t.Fatal("expected fallback to the guess")
	}
	cat, ok, _ := env.store.GetCategory("owner-1", *id)
	if !ok || cat.Name != "Dining" {
		t.Fatalf("category = ok=%v %+v, want Dining from guess", ok, cat)
	}
}
