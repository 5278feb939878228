package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aluiziolira/go-catalog-sync/models"
)

// ValidateProduct ensures the remote record carries the fields the
// local store requires.
func ValidateProduct(p *models.RemoteProduct) error {
	if p == nil {
		return fmt.Errorf("remote product is nil")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("remote product missing id")
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("remote product %s missing title", p.ID)
	}
	return nil
}

// NormalizePrice removes currency symbols and surrounding whitespace.
func NormalizePrice(price string) string {
	price = strings.TrimSpace(price)
	for _, symbol := range []string{"$", "£", "€", "Â£"} {
		price = strings.ReplaceAll(price, symbol, "")
	}
	return strings.TrimSpace(price)
}

// NormalizeStatus lowercases the remote status and defaults blanks to
// active.
func NormalizeStatus(status string) string {
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		return "active"
	}
	return status
}

// AttributeNames returns the sorted union of option keys across all
// variants of one remote product.
func AttributeNames(variants []models.RemoteVariant) []string {
	seen := make(map[string]struct{})
	for _, v := range variants {
		for key := range v.Options {
			seen[key] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for key := range seen {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}
