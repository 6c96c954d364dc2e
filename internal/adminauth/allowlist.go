// Package adminauth decides whether a request may perform admin actions.
package adminauth

import (
	"strings"

	"charterbook/pkg/domain"
)

// AllowList is a set of normalized admin emails.
type AllowList map[string]struct{}

// ParseAllowList splits a comma-separated list. Blank entries are dropped;
// an empty input yields an empty list, which admits nobody.
func ParseAllowList(csv string) AllowList {
	list := AllowList{}
	for _, part := range strings.Split(csv, ",") {
		if email := domain.NormalizeEmail(part); email != "" {
			list[email] = struct{}{}
		}
	}
	return list
}

// IsAdminEmail reports allow-list membership, ignoring case and surrounding
// whitespace. An empty email is never an admin.
func IsAdminEmail(email string, list AllowList) bool {
	email = domain.NormalizeEmail(email)
	if email == "" || len(list) == 0 {
		return false
	}
	_, ok := list[email]
	return ok
}

func (l AllowList) Len() int { return len(l) }
