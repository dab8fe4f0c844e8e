package dummydb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/trezcool/escudos/core/user"
)

type userRepository struct {
	db *DB
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *DB) user.Repository {
	return &userRepository{db: db}
}

func (repo *userRepository) CheckEmailUniqueness(_ context.Context, email string) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, usr := range repo.db.t.users {
		if usr.Email == email {
			return user.ErrEmailExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, u := range repo.db.t.users {
		if usr.Email != "" && u.Email == usr.Email {
			return user.User{}, user.ErrEmailExists
		}
	}
	usr.ID = uuid.New().String()
	if usr.Roles == nil {
		usr.Roles = []string{}
	}
	repo.db.t.users[usr.ID] = usr
	return usr, nil
}

func (repo *userRepository) GetUser(_ context.Context, filter user.GetFilter) (user.User, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	switch {
	case filter.ID != "":
		if usr, ok := repo.db.t.users[filter.ID]; ok {
			return usr, nil
		}
	case filter.Email != "":
		for _, usr := range repo.db.t.users {
			if usr.Email == filter.Email {
				return usr, nil
			}
		}
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) QueryUsers(_ context.Context) ([]user.User, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	users := make([]user.User, 0, len(repo.db.t.users))
	for _, usr := range repo.db.t.users {
		users = append(users, usr)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}
