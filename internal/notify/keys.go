package notify

import (
	"fmt"
	"strings"
)

// Preference keys are typed strings with two canonical forms:
//
//	item:<id>        one specific item
//	category:<name>  everything in a category
//
// Resolution precedence is fixed: an explicitly set item-level key wins over
// the category-level key, and a recipient with neither key set is not
// eligible at all (opt-in model).
const (
	itemKeyPrefix     = "item:"
	categoryKeyPrefix = "category:"
)

func ItemKey(itemID string) string { return itemKeyPrefix + itemID }

func CategoryKey(category string) string { return categoryKeyPrefix + category }

// Aliases maps legacy or alternate preference keys to canonical ones. The
// table is maintained as configuration data; lookups are exact-string, no
// fuzzy matching.
type Aliases map[string]string

// Canonical resolves one key through the alias table (a single hop) and
// validates the result.
func (a Aliases) Canonical(key string) (string, error) {
	if mapped, ok := a[key]; ok {
		key = mapped
	}
	if err := validateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func validateKey(key string) error {
	switch {
	case strings.HasPrefix(key, itemKeyPrefix):
		if key == itemKeyPrefix {
			return fmt.Errorf("preference key %q: empty item id", key)
		}
	case strings.HasPrefix(key, categoryKeyPrefix):
		if key == categoryKeyPrefix {
			return fmt.Errorf("preference key %q: empty category", key)
		}
	default:
		return fmt.Errorf("preference key %q: unknown form", key)
	}
	return nil
}
