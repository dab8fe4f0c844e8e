package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/escudos/core/escudo"
	"github.com/trezcool/escudos/core/user"
)

type EscudoRepository struct {
	db *DB
	tx *tables // set inside RunInTx; db.mu is then held by the transaction
}

var _ escudo.Repository = (*EscudoRepository)(nil) // interface compliance check

func NewEscudoRepository(db *DB) *EscudoRepository {
	return &EscudoRepository{db: db}
}

// with runs fn on the transaction tables, or on the live tables under the lock.
func (repo *EscudoRepository) with(op string, fn func(t *tables) error) error {
	if repo.tx != nil {
		if err := repo.db.failure(op); err != nil {
			return err
		}
		return fn(repo.tx)
	}

	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	if err := repo.db.failure(op); err != nil {
		return err
	}
	return fn(repo.db.t)
}

func (repo *EscudoRepository) RunInTx(_ context.Context, fn func(repo escudo.Repository) error) error {
	if repo.tx != nil {
		return fn(repo)
	}

	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	work := repo.db.t.clone()
	if err := fn(&EscudoRepository{db: repo.db, tx: work}); err != nil {
		return err
	}
	repo.db.t = work
	return nil
}

func (repo *EscudoRepository) IsRetryable(err error) bool {
	return errors.Cause(err) == ErrConflict
}

func (repo *EscudoRepository) LockUser(_ context.Context, userID string) error {
	return repo.with("LockUser", func(t *tables) error {
		if _, ok := t.users[userID]; !ok {
			return user.ErrNotFound
		}
		return nil
	})
}

func (repo *EscudoRepository) CreateGrants(_ context.Context, grants ...escudo.Grant) error {
	return repo.with("CreateGrants", func(t *tables) error {
		for _, g := range grants {
			if _, ok := t.users[g.UserID]; !ok {
				return user.ErrNotFound
			}
			if _, ok := t.grants[g.ID]; ok {
				return errors.Errorf("dummydb: duplicate grant id %s", g.ID)
			}
			if g.Amount <= 0 {
				return errors.Errorf("dummydb: grant %s amount must be positive", g.ID)
			}
			if g.PaymentID != "" && g.SplitFrom == "" {
				for _, other := range t.grants {
					if other.PaymentID == g.PaymentID && other.SplitFrom == "" {
						return escudo.ErrPaymentTaken
					}
				}
			}
			t.grants[g.ID] = g
		}
		return nil
	})
}

func (repo *EscudoRepository) GetGrantByPayment(_ context.Context, paymentID string) (escudo.Grant, error) {
	var found escudo.Grant
	err := repo.with("GetGrantByPayment", func(t *tables) error {
		for _, g := range t.grants {
			if g.PaymentID == paymentID && g.SplitFrom == "" {
				found = g
				return nil
			}
		}
		return escudo.ErrGrantNotFound
	})
	return found, err
}

func (repo *EscudoRepository) filter(op string, keep func(g escudo.Grant) bool, less func(a, b escudo.Grant) bool) ([]escudo.Grant, error) {
	var grants []escudo.Grant
	err := repo.with(op, func(t *tables) error {
		grants = make([]escudo.Grant, 0)
		for _, g := range t.grants {
			if keep(g) {
				grants = append(grants, g)
			}
		}
		return nil
	})
	sort.Slice(grants, func(i, j int) bool { return less(grants[i], grants[j]) })
	return grants, err
}

func oldestFirst(a, b escudo.Grant) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (repo *EscudoRepository) QueryActiveGrants(_ context.Context, userID string, at time.Time) ([]escudo.Grant, error) {
	return repo.filter("QueryActiveGrants", func(g escudo.Grant) bool {
		return g.UserID == userID && g.IsValidAt(at)
	}, oldestFirst)
}

func (repo *EscudoRepository) QueryExpiredGrants(_ context.Context, at time.Time) ([]escudo.Grant, error) {
	return repo.filter("QueryExpiredGrants", func(g escudo.Grant) bool {
		return !g.IsUsed && !g.ExpiresAt.After(at)
	}, oldestFirst)
}

func (repo *EscudoRepository) QueryExpiringGrants(_ context.Context, from, to time.Time) ([]escudo.Grant, error) {
	return repo.filter("QueryExpiringGrants", func(g escudo.Grant) bool {
		return !g.IsUsed && g.ExpiresAt.After(from) && !g.ExpiresAt.After(to)
	}, oldestFirst)
}

func (repo *EscudoRepository) MarkGrants(_ context.Context, ids []string, status escudo.Status, at time.Time) (int, error) {
	var n int
	err := repo.with("MarkGrants", func(t *tables) error {
		for _, id := range ids {
			g, ok := t.grants[id]
			if !ok || g.IsUsed {
				continue
			}
			usedAt := at
			g.Status, g.IsUsed, g.UsedAt = status, true, &usedAt
			t.grants[id] = g
			n++
		}
		return nil
	})
	return n, err
}

func (repo *EscudoRepository) SumActiveGrants(_ context.Context, userID string, at time.Time) (int, error) {
	var sum int
	err := repo.with("SumActiveGrants", func(t *tables) error {
		for _, g := range t.grants {
			if g.UserID == userID && g.IsValidAt(at) {
				sum += g.Amount
			}
		}
		return nil
	})
	return sum, err
}

func (repo *EscudoRepository) QueryHistory(_ context.Context, userID string) ([]escudo.HistoryEntry, error) {
	var entries []escudo.HistoryEntry
	err := repo.with("QueryHistory", func(t *tables) error {
		entries = make([]escudo.HistoryEntry, 0)
		for _, g := range t.grants {
			if g.UserID != userID {
				continue
			}
			entry := escudo.HistoryEntry{Grant: g}
			if c, ok := t.courses[g.CourseID]; ok && g.CourseID != "" {
				c := c
				entry.Course = &c
			}
			if p, ok := t.payments[g.PaymentID]; ok && g.PaymentID != "" {
				p := p
				entry.Payment = &p
			}
			entries = append(entries, entry)
		}
		return nil
	})
	sort.Slice(entries, func(i, j int) bool { return oldestFirst(entries[j].Grant, entries[i].Grant) })
	return entries, err
}

func (repo *EscudoRepository) GetUserBalance(_ context.Context, userID string) (int, error) {
	var balance int
	err := repo.with("GetUserBalance", func(t *tables) error {
		usr, ok := t.users[userID]
		if !ok {
			return user.ErrNotFound
		}
		balance = usr.Escudos
		return nil
	})
	return balance, err
}

func (repo *EscudoRepository) SetUserBalance(_ context.Context, userID string, balance int) error {
	return repo.with("SetUserBalance", func(t *tables) error {
		usr, ok := t.users[userID]
		if !ok {
			return user.ErrNotFound
		}
		usr.Escudos = balance
		t.users[userID] = usr
		return nil
	})
}

func (repo *EscudoRepository) QueryUserIDs(_ context.Context) ([]string, error) {
	var ids []string
	err := repo.with("QueryUserIDs", func(t *tables) error {
		ids = make([]string, 0, len(t.users))
		for id := range t.users {
			ids = append(ids, id)
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

func (repo *EscudoRepository) SaveCourse(_ context.Context, course escudo.CourseSummary) error {
	return repo.with("SaveCourse", func(t *tables) error {
		t.courses[course.ID] = course
		return nil
	})
}

func (repo *EscudoRepository) SavePayment(_ context.Context, payment escudo.PaymentSummary) error {
	return repo.with("SavePayment", func(t *tables) error {
		if _, ok := t.users[payment.UserID]; !ok {
			return user.ErrNotFound
		}
		if _, ok := t.payments[payment.ID]; !ok {
			t.payments[payment.ID] = payment
		}
		return nil
	})
}
