package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/user"
)

const userColumns = `id, name, email, roles, is_active, escudos, created_at, updated_at`

type userRow struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	Email     null.String    `db:"email"`
	Roles     pq.StringArray `db:"roles"`
	IsActive  bool           `db:"is_active"`
	Escudos   int            `db:"escudos"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r userRow) toUser() user.User {
	roles := []string(r.Roles)
	if roles == nil {
		roles = []string{}
	}
	return user.User{
		ID:        r.ID,
		Name:      r.Name,
		Email:     r.Email.String,
		Roles:     roles,
		IsActive:  r.IsActive,
		Escudos:   r.Escudos,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

type userRepository struct {
	db core.DBExecutor
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *sqlx.DB) user.Repository {
	return &userRepository{db: db}
}

func (repo *userRepository) CheckEmailUniqueness(ctx context.Context, email string) error {
	var exists bool
	if err := repo.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM "user" WHERE email = $1)`, email); err != nil {
		return errors.Wrap(err, "checking email uniqueness")
	}
	if exists {
		return user.ErrEmailExists
	}
	return nil
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	usr.ID = uuid.New().String()
	if usr.Roles == nil {
		usr.Roles = []string{}
	}
	row := userRow{
		ID:        usr.ID,
		Name:      usr.Name,
		Email:     null.NewString(usr.Email, usr.Email != ""),
		Roles:     usr.Roles,
		IsActive:  usr.IsActive,
		Escudos:   usr.Escudos,
		CreatedAt: usr.CreatedAt,
		UpdatedAt: usr.UpdatedAt,
	}
	q := `INSERT INTO "user" (` + userColumns + `)
		VALUES (:id, :name, :email, :roles, :is_active, :escudos, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, repo.db, q, row); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == "user_email_key" {
			return user.User{}, user.ErrEmailExists
		}
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return usr, nil
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter) (user.User, error) {
	var (
		row userRow
		err error
	)
	switch {
	case filter.ID != "":
		err = repo.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM "user" WHERE id = $1`, filter.ID)
	case filter.Email != "":
		err = repo.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM "user" WHERE email = $1`, filter.Email)
	default:
		return user.User{}, user.ErrNotFound
	}

	if err == sql.ErrNoRows || pqCode(err) == pqInvalidText {
		return user.User{}, user.ErrNotFound
	} else if err != nil {
		return user.User{}, errors.Wrap(err, "selecting user")
	}
	return row.toUser(), nil
}

func (repo *userRepository) QueryUsers(ctx context.Context) ([]user.User, error) {
	var rows []userRow
	if err := repo.db.SelectContext(ctx, &rows, `SELECT `+userColumns+` FROM "user" ORDER BY created_at, id`); err != nil {
		return nil, errors.Wrap(err, "selecting users")
	}
	users := make([]user.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.toUser())
	}
	return users, nil
}
