package domain

import (
	"fmt"
	"strings"
)

// Kind names an indexed entity kind. It doubles as the index alias suffix.
type Kind string

const (
	KindProducts   Kind = "products"
	KindCategories Kind = "categories"
	KindBrands     Kind = "brands"
)

// AllKinds returns every searchable kind in response order.
func AllKinds() []Kind {
	return []Kind{KindProducts, KindCategories, KindBrands}
}

// ParseKind accepts a kind name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindProducts, KindCategories, KindBrands:
		return k, nil
	default:
		return "", fmt.Errorf("unknown index %q", s)
	}
}

// ParseKinds parses a comma separated kind list, ignoring empty items and
// duplicates. Names that are not index kinds are returned in unknown.
func ParseKinds(s string) (kinds []Kind, unknown []string) {
	seen := make(map[Kind]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := ParseKind(part)
		if err != nil {
			unknown = append(unknown, part)
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		kinds = append(kinds, k)
	}
	return kinds, unknown
}

// Without returns AllKinds minus excluded, preserving order.
func Without(excluded []Kind) []Kind {
	skip := make(map[Kind]struct{}, len(excluded))
	for _, k := range excluded {
		skip[k] = struct{}{}
	}
	var out []Kind
	for _, k := range AllKinds() {
		if _, ok := skip[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
