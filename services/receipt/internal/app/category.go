package app

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"receiptwise/pkg/domain"
	"receiptwise/pkg/store"
)

// canonicalCategories is the fixed taxonomy recognized for
// automatically created categories. Guesses outside the list coerce
// to Other.
var canonicalCategories = []string{
	"Retail",
	"Dining",
	"Travel",
	"Services",
	"Financial",
	"Entertainment",
	"Utilities",
	"Returns",
	"Business",
	"Government",
	"Other",
}

const fallbackCategoryName = "Other"

var canonicalByKey = func() map[string]string {
	m := make(map[string]string, len(canonicalCategories))
	for _, name := range canonicalCategories {
		m[store.NormalizeCategoryName(name)] = name
	}
	return m
}()

// resolveCategory maps the extraction guess (or the user's explicit
// choice) to a stable per-owner category id.
//
// A manual override always wins over the AI guess. Without a guess the
// receipt stays uncategorized. Otherwise an existing category whose
// name matches case-insensitively after trimming is reused; new names
// outside the canonical taxonomy coerce to Other. Creation is
// create-or-get so two jobs racing on the same label end up sharing
// one row.
func (a *App) resolveCategory(ownerID, overrideID, guess string) (*string, error) {
	if id := strings.TrimSpace(overrideID); id != "" {
		cat, ok, err := a.store.GetCategory(ownerID, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return &cat.ID, nil
		}
		// Override points at a category deleted since upload; fall
		// back to the guess.
	}

	guess = strings.TrimSpace(guess)
	if guess == "" {
		return nil, nil
	}

	if existing, ok, err := a.store.FindCategoryByName(ownerID, guess); err != nil {
		return nil, err
	} else if ok {
		return &existing.ID, nil
	}

	name, recognized := canonicalByKey[store.NormalizeCategoryName(guess)]
	if !recognized {
		name = fallbackCategoryName
	}
	cat, err := a.store.CreateOrGetCategory(domain.Category{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        name,
		Description: "Created automatically during receipt import",
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return &cat.ID, nil
}
