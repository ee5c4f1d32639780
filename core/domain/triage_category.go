package domain

import "strings"

// Category is the closed set of labels a message can receive.
type Category string

const (
	CategoryUrgent         Category = "URGENT"
	CategoryAcademic       Category = "ACADEMIC"
	CategoryAdministrative Category = "ADMINISTRATIVE"
	CategorySocial         Category = "SOCIAL"
	CategoryPromotional    Category = "PROMOTIONAL"
	CategoryOther          Category = "OTHER"
)

// AllCategories lists every category in fallback priority order, OTHER last.
var AllCategories = []Category{
	CategoryUrgent,
	CategoryAcademic,
	CategoryAdministrative,
	CategorySocial,
	CategoryPromotional,
	CategoryOther,
}

// ParseCategory matches s case-insensitively against the known categories.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllCategories {
		if c == known {
			return c, true
		}
	}
	return "", false
}

func (c Category) String() string { return string(c) }

// Valid reports whether c is one of the six known categories.
func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}
