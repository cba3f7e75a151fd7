package rbac

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var categoryTitle = cases.Title(language.English)

// categoryDisplayName turns a category slug into a human readable label,
// e.g. "billing" -> "Billing", "admin_tools" -> "Admin Tools".
func categoryDisplayName(category string) string {
	return categoryTitle.String(strings.ReplaceAll(category, "_", " "))
}
