package user

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/escudos/core"
)

// Roles
const (
	RoleAdmin          = "admin:"
	RoleAdminOwner     = "admin:owner"
	RoleAdminPrincipal = "admin:principal"
	RoleTeacher        = "teacher:"
	RoleStudent        = "student:"
)

var AllRoles = []string{RoleAdmin, RoleAdminOwner, RoleAdminPrincipal, RoleTeacher, RoleStudent}

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Roles     []string  `json:"roles"`
	IsActive  bool      `json:"is_active"`
	Escudos   int       `json:"escudos"`    // cached valid balance, owned by the escudo ledger
	CreatedAt time.Time `json:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at"` // UTC
}

func (u *User) RoleStartsWith(prefix string) bool {
	for _, role := range u.Roles {
		if strings.HasPrefix(role, prefix) {
			return true
		}
	}
	return false
}

func (u *User) IsAdmin() bool {
	return u.RoleStartsWith(RoleAdmin)
}

// NewUser contains information needed to create a new User.
type NewUser struct {
	Name  string   `json:"name" validate:"required,notblank"`
	Email string   `json:"email" validate:"required,email"`
	Roles []string `json:"roles" validate:"omitempty,dive,oneof=admin: admin:owner admin:principal teacher: student:"`
}

func (nu *NewUser) Validate(validate *validator.Validate) error {
	nu.Name = core.CleanString(nu.Name)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	return validate.Struct(nu)
}

// GetFilter selects a single User; the first non-empty field wins.
type GetFilter struct {
	ID    string
	Email string
}
