package domain

import (
	"strings"
	"time"
	"unicode"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleCustomer: 1,
	RoleStaff:    2,
	RoleAdmin:    3,
}

// IsValid checks if the role is a known value.
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// HasPermission reports whether r is at least required in the role hierarchy.
func (r Role) HasPermission(required Role) bool {
	return roleRank[r] > 0 && roleRank[r] >= roleRank[required]
}

type User struct {
	ID        string
	ShortID   string
	Name      string
	Email     string
	Phone     string
	Role      Role
	CreatedAt time.Time
}

// KnownUser is an entry of a staff member's list of regular customers.
type KnownUser struct {
	ShortID string    `json:"short_id"`
	Name    string    `json:"name"`
	AddedAt time.Time `json:"added_at"`
}

// NormalizePhone converts a stored phone number to E.164 form.
// Returns empty string when no digits are present.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	var b strings.Builder
	b.WriteByte('+')
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	return b.String()
}
