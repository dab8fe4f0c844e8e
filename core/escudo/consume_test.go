package escudo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanConsumption(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	expires := now.AddDate(1, 0, 0)
	grant := func(id string, amount int, age time.Duration) Grant {
		return Grant{
			ID: id, UserID: "u1", Amount: amount, Source: SourceBonus, Status: StatusActive,
			PaymentID: "pay-" + id, CreatedAt: now.Add(-age), ExpiresAt: expires,
		}
	}

	a := grant("a", 20, 2*time.Hour)
	b := grant("b", 15, time.Hour)
	expired := grant("x", 50, 3*time.Hour)
	expired.ExpiresAt = now
	used := grant("y", 50, 3*time.Hour)
	used.IsUsed = true

	t.Run("exact grant", func(t *testing.T) {
		plan := planConsumption([]Grant{b, a}, 20, now, false)
		assert.Equal(t, []string{"a"}, plan.consumed)
		assert.Nil(t, plan.residual)
		assert.Zero(t, plan.shortfall)
	})

	t.Run("split the last grant", func(t *testing.T) {
		plan := planConsumption([]Grant{b, a}, 25, now, false)
		assert.Equal(t, []string{"a", "b"}, plan.consumed)
		require.NotNil(t, plan.residual)

		res := plan.residual
		assert.Equal(t, 10, res.Amount)
		assert.Equal(t, "b", res.SplitFrom)
		assert.Equal(t, b.Source, res.Source)
		assert.Equal(t, b.PaymentID, res.PaymentID)
		assert.Equal(t, b.ExpiresAt, res.ExpiresAt)
		assert.Equal(t, b.CreatedAt, res.CreatedAt)
		assert.Equal(t, StatusActive, res.Status)
		assert.False(t, res.IsUsed)
		assert.NotEqual(t, "b", res.ID)
	})

	t.Run("requeued residual", func(t *testing.T) {
		plan := planConsumption([]Grant{a, b}, 5, now, true)
		assert.Equal(t, []string{"a"}, plan.consumed)
		require.NotNil(t, plan.residual)
		assert.Equal(t, 15, plan.residual.Amount)
		assert.Equal(t, now, plan.residual.CreatedAt)
	})

	t.Run("skips expired and used grants", func(t *testing.T) {
		plan := planConsumption([]Grant{expired, used, b, a}, 35, now, false)
		assert.Equal(t, []string{"a", "b"}, plan.consumed)
		assert.Nil(t, plan.residual)
	})

	t.Run("shortfall", func(t *testing.T) {
		plan := planConsumption([]Grant{expired, a, b}, 36, now, false)
		assert.Equal(t, 1, plan.shortfall)
		assert.Empty(t, plan.consumed)
		assert.Nil(t, plan.residual)
	})

	t.Run("ties ordered by id", func(t *testing.T) {
		c := grant("c", 5, time.Hour)
		d := grant("d", 5, time.Hour)
		plan := planConsumption([]Grant{d, c}, 5, now, false)
		assert.Equal(t, []string{"c"}, plan.consumed)
	})

	t.Run("does not mutate input", func(t *testing.T) {
		in := []Grant{b, a}
		_ = planConsumption(in, 25, now, false)
		assert.Equal(t, []Grant{b, a}, in)
	})
}

func TestPlanConsumption_conservesBalance(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	var grants []Grant
	for i, amt := range []int{7, 3, 12, 1, 9} {
		grants = append(grants, Grant{
			ID:        string(rune('a' + i)),
			Amount:    amt,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
			ExpiresAt: now.AddDate(1, 0, 0),
		})
	}
	before := sumValid(grants, now)

	for amount := 1; amount <= before; amount++ {
		plan := planConsumption(grants, amount, now, false)
		require.Zero(t, plan.shortfall, "amount %d", amount)

		var after []Grant
		consumed := make(map[string]bool)
		for _, id := range plan.consumed {
			consumed[id] = true
		}
		for _, g := range grants {
			if !consumed[g.ID] {
				after = append(after, g)
			}
		}
		if plan.residual != nil {
			after = append(after, *plan.residual)
		}
		assert.Equal(t, before-amount, sumValid(after, now), "amount %d", amount)
	}
}
