// Package template substitutes named placeholders into review-request
// message content.
package template

import (
	"regexp"
	"strings"

	"github.com/getrevio/revio/internal/db"
)

// placeholder matches {{name}} with optional whitespace inside the
// braces. Names may be dotted, e.g. {{customer.firstName}}.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Render replaces every {{name}} placeholder in content and subject
// with the matching variable. Unknown placeholders render as the empty
// string rather than being left literal. Render never fails and is
// idempotent on output containing no further placeholders.
func Render(content, subject string, vars map[string]string) (string, string) {
	return substitute(content, vars), substitute(subject, vars)
}

func substitute(s string, vars map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		return vars[name]
	})
}

// Vars builds the variable map for a request from its owning business
// and customer. Each value is registered under both its short name and
// its dotted alias so either form works in stored templates.
func Vars(business *db.Business, customer *db.Customer, req *db.ReviewRequest) map[string]string {
	vars := map[string]string{
		"firstName":          customer.FirstName,
		"customer.firstName": customer.FirstName,
		"lastName":           customer.LastName,
		"customer.lastName":  customer.LastName,
		"businessName":       business.Name,
		"business.name":      business.Name,
		"reviewUrl":          req.ReviewURL,
		"reviewURL":          req.ReviewURL,
	}
	return vars
}
