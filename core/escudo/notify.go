package escudo

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/escudos/core"
)

const expiringTemplate = "escudos_expiring"

type expiringNotice struct {
	Name      string
	Amount    int
	ExpiresOn string
}

// NotifyExpiring emails every user holding grants that expire within the given window.
// It returns the number of users notified.
func (svc *Service) NotifyExpiring(ctx context.Context, within time.Duration) (int, error) {
	if svc.users == nil || svc.mail == nil {
		return 0, ErrNotifierDisabled
	}

	now := svc.now()
	grants, err := svc.repo.QueryExpiringGrants(ctx, now, now.Add(within))
	if err != nil {
		return 0, errors.Wrap(err, "querying expiring grants")
	}

	type total struct {
		amount int
		last   time.Time
	}
	totals := make(map[string]*total)
	for _, g := range grants {
		t, ok := totals[g.UserID]
		if !ok {
			t = new(total)
			totals[g.UserID] = t
		}
		t.amount += g.Amount
		if g.ExpiresAt.After(t.last) {
			t.last = g.ExpiresAt
		}
	}

	userIDs := make([]string, 0, len(totals))
	for id := range totals {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	messages := make([]*core.EmailMessage, 0, len(userIDs))
	for _, id := range userIDs {
		usr, err := svc.users.GetByID(ctx, id)
		if err != nil {
			svc.logger.Error(fmt.Sprintf("escudo: loading user %s for expiry notice", id), err)
			continue
		}
		if !usr.IsActive || usr.Email == "" {
			continue
		}
		t := totals[id]
		messages = append(messages, &core.EmailMessage{
			To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
			Subject:      "Your escudos are about to expire",
			TemplateName: expiringTemplate,
			TemplateData: expiringNotice{
				Name:      usr.Name,
				Amount:    t.amount,
				ExpiresOn: t.last.Format("January 2, 2006"),
			},
		})
	}

	if len(messages) > 0 {
		svc.mail.SendMessages(messages...)
	}
	return len(messages), nil
}
