package escudo

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// consumption is the set of writes needed to take an amount out of a user's grants.
type consumption struct {
	consumed  []string // ids of grants to mark CONSUMED
	residual  *Grant   // leftover of the last grant touched, if it was only partly needed
	shortfall int      // > 0 when the valid grants cannot cover the amount
}

func sortFIFO(grants []Grant) {
	sort.SliceStable(grants, func(i, j int) bool {
		if grants[i].CreatedAt.Equal(grants[j].CreatedAt) {
			return grants[i].ID < grants[j].ID
		}
		return grants[i].CreatedAt.Before(grants[j].CreatedAt)
	})
}

// planConsumption walks the valid grants oldest first. It never mutates grants.
// With requeue the residual is stamped with now and goes to the back of the queue;
// otherwise it keeps its parent's issue date.
func planConsumption(grants []Grant, amount int, now time.Time, requeue bool) consumption {
	valid := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if g.IsValidAt(now) && g.Amount > 0 {
			valid = append(valid, g)
		}
	}
	sortFIFO(valid)

	var plan consumption
	remaining := amount
	for _, g := range valid {
		if remaining <= 0 {
			break
		}
		plan.consumed = append(plan.consumed, g.ID)
		if g.Amount <= remaining {
			remaining -= g.Amount
			continue
		}

		createdAt := g.CreatedAt
		if requeue {
			createdAt = now
		}
		plan.residual = &Grant{
			ID:        uuid.New().String(),
			UserID:    g.UserID,
			Amount:    g.Amount - remaining,
			Source:    g.Source,
			Status:    StatusActive,
			SplitFrom: g.ID,
			PaymentID: g.PaymentID,
			CourseID:  g.CourseID,
			CreatedAt: createdAt,
			ExpiresAt: g.ExpiresAt,
		}
		remaining = 0
	}

	if remaining > 0 {
		return consumption{shortfall: remaining}
	}
	return plan
}

// sumValid is the valid balance of grants at t.
func sumValid(grants []Grant, t time.Time) int {
	var total int
	for _, g := range grants {
		if g.IsValidAt(t) {
			total += g.Amount
		}
	}
	return total
}
