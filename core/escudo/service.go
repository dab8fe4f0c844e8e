package escudo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/user"
)

var (
	// errors
	ErrGrantNotFound       = errors.New("grant not found")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInsufficientBalance = errors.New("not enough escudos")
	ErrRedeemCapExceeded   = errors.New("escudos exceed the redeemable share of the price")
	ErrNotifierDisabled    = errors.New("expiry notifications are not configured")
	ErrPaymentTaken        = errors.New("a grant was already issued for this payment")
	ErrPaymentOwner        = errors.New("this payment belongs to another user")
)

type (
	// Repository is the grant store. Methods called on the Repository handed to a RunInTx
	// callback all run inside that one transaction.
	Repository interface {
		// RunInTx commits when fn returns nil and rolls back otherwise.
		RunInTx(ctx context.Context, fn func(repo Repository) error) error
		// LockUser holds the user's ledger lock until the end of the transaction.
		// Returns user.ErrNotFound for unknown users.
		LockUser(ctx context.Context, userID string) error

		CreateGrants(ctx context.Context, grants ...Grant) error
		// GetGrantByPayment returns the original (non-residual) grant issued for a payment.
		GetGrantByPayment(ctx context.Context, paymentID string) (Grant, error)
		// QueryActiveGrants returns the user's unused grants expiring after `at`, oldest first.
		QueryActiveGrants(ctx context.Context, userID string, at time.Time) ([]Grant, error)
		// QueryExpiredGrants returns all unused grants expiring at or before `at`.
		QueryExpiredGrants(ctx context.Context, at time.Time) ([]Grant, error)
		// QueryExpiringGrants returns unused grants with from < expires_at <= to.
		QueryExpiringGrants(ctx context.Context, from, to time.Time) ([]Grant, error)
		// MarkGrants flips still-unused grants to status; it returns how many rows changed.
		MarkGrants(ctx context.Context, ids []string, status Status, at time.Time) (int, error)
		SumActiveGrants(ctx context.Context, userID string, at time.Time) (int, error)
		// QueryHistory returns every grant of the user, newest first.
		QueryHistory(ctx context.Context, userID string) ([]HistoryEntry, error)

		GetUserBalance(ctx context.Context, userID string) (int, error)
		SetUserBalance(ctx context.Context, userID string, balance int) error
		QueryUserIDs(ctx context.Context) ([]string, error)

		SaveCourse(ctx context.Context, course CourseSummary) error
		SavePayment(ctx context.Context, payment PaymentSummary) error
	}

	// UserGetter is satisfied by *user.Service.
	UserGetter interface {
		GetByID(ctx context.Context, id string) (user.User, error)
	}

	Deps struct {
		Repo     Repository
		Users    UserGetter
		Mail     core.EmailService
		Clock    clock.Clock
		Logger   core.Logger
		Validate *validator.Validate
	}

	Service struct {
		repo     Repository
		users    UserGetter
		mail     core.EmailService
		clock    clock.Clock
		logger   core.Logger
		validate *validator.Validate
		conf     core.EscudosConfig
	}
)

// retryClassifier is implemented by repositories whose transactions may fail transiently.
type retryClassifier interface {
	IsRetryable(err error) bool
}

func NewService(conf *core.Config, deps Deps) *Service {
	vala.BeginValidation().Validate(
		vala.IsNotNil(conf, "conf"),
		vala.IsNotNil(deps.Repo, "deps.Repo"),
		vala.IsNotNil(deps.Clock, "deps.Clock"),
		vala.IsNotNil(deps.Logger, "deps.Logger"),
		vala.IsNotNil(deps.Validate, "deps.Validate"),
	).CheckAndPanic()

	ec := conf.Escudos
	if ec.ValidityMonths <= 0 {
		ec.ValidityMonths = 12
	}
	if ec.MaxRedeemPercent <= 0 {
		ec.MaxRedeemPercent = DefaultMaxRedeemPercent
	}
	if ec.TxAttempts <= 0 {
		ec.TxAttempts = 1
	}
	if ec.TxRetryDelay <= 0 {
		ec.TxRetryDelay = 50 * time.Millisecond
	}

	return &Service{
		repo:     deps.Repo,
		users:    deps.Users,
		mail:     deps.Mail,
		clock:    deps.Clock,
		logger:   deps.Logger,
		validate: deps.Validate,
		conf:     ec,
	}
}

// now is truncated to the storage precision.
func (svc *Service) now() time.Time {
	return svc.clock.Now().UTC().Truncate(time.Microsecond)
}

func (svc *Service) inTx(ctx context.Context, fn func(repo Repository) error) error {
	isRetryable := func(error) bool { return false }
	if rc, ok := svc.repo.(retryClassifier); ok {
		isRetryable = rc.IsRetryable
	}

	err := retry.Call(retry.CallArgs{
		Func:         func() error { return svc.repo.RunInTx(ctx, fn) },
		IsFatalError: func(err error) bool { return !isRetryable(errors.Cause(err)) },
		NotifyFunc: func(err error, attempt int) {
			svc.logger.Warn(fmt.Sprintf("escudo: transaction attempt %d failed", attempt), err)
		},
		Attempts: svc.conf.TxAttempts,
		Delay:    svc.conf.TxRetryDelay,
		Clock:    svc.clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}
	return err
}

func (svc *Service) syncBalance(ctx context.Context, repo Repository, userID string, now time.Time) (int, error) {
	balance, err := repo.SumActiveGrants(ctx, userID, now)
	if err != nil {
		return 0, errors.Wrap(err, "summing active grants")
	}
	if err := repo.SetUserBalance(ctx, userID, balance); err != nil {
		return 0, errors.Wrap(err, "setting user balance")
	}
	return balance, nil
}

// issue inserts a grant; the caller holds the user lock.
func (svc *Service) issue(ctx context.Context, repo Repository, ng NewGrant, now time.Time) (Grant, error) {
	grant := Grant{
		ID:        uuid.New().String(),
		UserID:    ng.UserID,
		Amount:    ng.Amount,
		Source:    ng.Source,
		Status:    StatusActive,
		PaymentID: ng.PaymentID,
		CourseID:  ng.CourseID,
		CreatedAt: now,
		ExpiresAt: now.AddDate(0, svc.conf.ValidityMonths, 0),
	}
	if err := repo.CreateGrants(ctx, grant); err != nil {
		if errors.Cause(err) == ErrPaymentTaken {
			return Grant{}, paymentError(ErrPaymentTaken)
		}
		return Grant{}, errors.Wrap(err, "creating grant")
	}
	if _, err := svc.syncBalance(ctx, repo, ng.UserID, now); err != nil {
		return Grant{}, err
	}
	return grant, nil
}

func paymentError(err error) error {
	return core.NewValidationError(err, core.FieldError{Field: "payment_id", Error: err.Error()})
}

// consume takes amount out of the user's valid grants FIFO; the caller holds the user lock.
// It writes nothing and returns false when the valid balance is short.
func (svc *Service) consume(ctx context.Context, repo Repository, userID string, amount int, now time.Time) (bool, error) {
	grants, err := repo.QueryActiveGrants(ctx, userID, now)
	if err != nil {
		return false, errors.Wrap(err, "querying active grants")
	}

	plan := planConsumption(grants, amount, now, svc.conf.ResidualRequeue)
	if plan.shortfall > 0 {
		return false, nil
	}

	if plan.residual != nil {
		if err := repo.CreateGrants(ctx, *plan.residual); err != nil {
			return false, errors.Wrap(err, "creating residual grant")
		}
	}
	n, err := repo.MarkGrants(ctx, plan.consumed, StatusConsumed, now)
	if err != nil {
		return false, errors.Wrap(err, "marking grants consumed")
	}
	if n != len(plan.consumed) {
		return false, errors.Errorf("marked %d of %d consumed grants", n, len(plan.consumed))
	}
	if _, err := svc.syncBalance(ctx, repo, userID, now); err != nil {
		return false, err
	}
	return true, nil
}

// Add issues a new grant valid for the configured number of months and re-syncs the user's cached balance.
func (svc *Service) Add(ctx context.Context, ng NewGrant) (Grant, error) {
	if err := ng.Validate(svc.validate); err != nil {
		return Grant{}, err
	}

	var grant Grant
	err := svc.inTx(ctx, func(repo Repository) error {
		if err := repo.LockUser(ctx, ng.UserID); err != nil {
			return errors.Wrap(err, "locking user")
		}
		if ng.PaymentID != "" {
			if _, err := repo.GetGrantByPayment(ctx, ng.PaymentID); err == nil {
				return paymentError(ErrPaymentTaken)
			} else if errors.Cause(err) != ErrGrantNotFound {
				return errors.Wrap(err, "finding grant by payment")
			}
		}
		var err error
		grant, err = svc.issue(ctx, repo, ng, svc.now())
		return err
	})
	if err != nil {
		return Grant{}, errors.Wrap(err, "adding escudos")
	}

	grantedTotal.WithLabelValues(string(grant.Source)).Add(float64(grant.Amount))
	return grant, nil
}

// ValidBalance sums the user's unused, unexpired grants.
func (svc *Service) ValidBalance(ctx context.Context, userID string) (int, error) {
	balance, err := svc.repo.SumActiveGrants(ctx, userID, svc.now())
	if err != nil {
		return 0, errors.Wrap(err, "summing active grants")
	}
	return balance, nil
}

// Use consumes amount escudos oldest grant first. It returns false, and changes nothing,
// when the valid balance does not cover amount.
func (svc *Service) Use(ctx context.Context, userID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, core.NewValidationError(ErrInvalidAmount, core.FieldError{Field: "amount", Error: ErrInvalidAmount.Error()})
	}

	var used bool
	err := svc.inTx(ctx, func(repo Repository) error {
		used = false
		if err := repo.LockUser(ctx, userID); err != nil {
			return errors.Wrap(err, "locking user")
		}
		var err error
		used, err = svc.consume(ctx, repo, userID, amount, svc.now())
		return err
	})
	if err != nil {
		return false, errors.Wrap(err, "using escudos")
	}

	if used {
		redemptionsTotal.WithLabelValues("ok").Inc()
		redeemedTotal.Add(float64(amount))
	} else {
		redemptionsTotal.WithLabelValues("insufficient").Inc()
	}
	return used, nil
}

func (svc *Service) MaxEscudosForPurchase(price float64) int {
	return maxEscudosForPurchase(price, svc.conf.MaxRedeemPercent)
}

func (svc *Service) CheckRedeemable(price float64, escudos int) error {
	return checkRedeemable(price, escudos, svc.conf.MaxRedeemPercent)
}

// Quote computes what a purchase at price earns and how much of it escudos may cover.
func (svc *Service) Quote(price float64, escudos int) (Quote, error) {
	if price < 0 {
		return Quote{}, core.NewValidationError(nil, core.FieldError{Field: "price", Error: "price cannot be negative"})
	}
	if err := svc.CheckRedeemable(price, escudos); err != nil {
		return Quote{}, err
	}
	return Quote{
		Price:           price,
		Earned:          CourseEscudos(RemainingAmount(price, escudos)),
		MaxRedeemable:   svc.MaxEscudosForPurchase(price),
		Escudos:         escudos,
		RemainingAmount: RemainingAmount(price, escudos),
	}, nil
}

// Redeem applies escudos toward price after checking the purchase cap.
func (svc *Service) Redeem(ctx context.Context, userID string, price float64, escudos int) (Redemption, error) {
	if _, err := svc.Quote(price, escudos); err != nil {
		return Redemption{}, err
	}
	if escudos > 0 {
		used, err := svc.Use(ctx, userID, escudos)
		if err != nil {
			return Redemption{}, err
		}
		if !used {
			return Redemption{}, core.NewValidationError(
				ErrInsufficientBalance, core.FieldError{Field: "escudos", Error: ErrInsufficientBalance.Error()})
		}
	}

	balance, err := svc.ValidBalance(ctx, userID)
	if err != nil {
		return Redemption{}, err
	}
	return Redemption{
		Price:           price,
		Escudos:         escudos,
		RemainingAmount: RemainingAmount(price, escudos),
		Balance:         balance,
	}, nil
}

// RecordPurchase records a completed payment and issues the escudos it earns.
// Redelivery of the same payment returns the grant issued the first time and false.
func (svc *Service) RecordPurchase(ctx context.Context, p Purchase) (Grant, bool, error) {
	if err := p.Validate(svc.validate); err != nil {
		return Grant{}, false, err
	}
	if p.Source == SourceCoursePurchase && p.CourseID == "" {
		return Grant{}, false, core.NewValidationError(nil, core.FieldError{Field: "course_id", Error: "this field is required"})
	}

	var (
		grant   Grant
		created bool
	)
	err := svc.inTx(ctx, func(repo Repository) error {
		grant, created = Grant{}, false
		if err := repo.LockUser(ctx, p.UserID); err != nil {
			return errors.Wrap(err, "locking user")
		}

		existing, err := repo.GetGrantByPayment(ctx, p.PaymentID)
		if err == nil {
			if existing.UserID != p.UserID {
				return paymentError(ErrPaymentOwner)
			}
			grant = existing
			return nil
		} else if errors.Cause(err) != ErrGrantNotFound {
			return errors.Wrap(err, "finding grant by payment")
		}

		now := svc.now()
		if err := repo.SavePayment(ctx, PaymentSummary{
			ID:        p.PaymentID,
			UserID:    p.UserID,
			Amount:    p.Amount,
			Currency:  p.Currency,
			CreatedAt: now,
		}); err != nil {
			return errors.Wrap(err, "saving payment")
		}
		if p.CourseID != "" && p.CourseTitle != "" {
			if err := repo.SaveCourse(ctx, CourseSummary{ID: p.CourseID, Title: p.CourseTitle, Price: p.CoursePrice}); err != nil {
				return errors.Wrap(err, "saving course")
			}
		}

		amount := CourseEscudos(p.Amount)
		if amount == 0 {
			return nil
		}
		grant, err = svc.issue(ctx, repo, NewGrant{
			UserID:    p.UserID,
			Amount:    amount,
			Source:    p.Source,
			PaymentID: p.PaymentID,
			CourseID:  p.CourseID,
		}, now)
		created = err == nil
		return err
	})
	if err != nil {
		return Grant{}, false, errors.Wrap(err, "recording purchase")
	}

	if created {
		grantedTotal.WithLabelValues(string(grant.Source)).Add(float64(grant.Amount))
	}
	return grant, created, nil
}

// CleanupExpired marks every unused grant whose expiry has passed as EXPIRED and re-syncs
// the cached balance of the users owning them. It returns the number of grants expired.
func (svc *Service) CleanupExpired(ctx context.Context) (int, error) {
	var count int
	err := svc.inTx(ctx, func(repo Repository) error {
		count = 0
		now := svc.now()

		grants, err := repo.QueryExpiredGrants(ctx, now)
		if err != nil {
			return errors.Wrap(err, "querying expired grants")
		}
		if len(grants) == 0 {
			return nil
		}

		ids := make([]string, 0, len(grants))
		userSet := make(map[string]struct{})
		for _, g := range grants {
			ids = append(ids, g.ID)
			userSet[g.UserID] = struct{}{}
		}
		userIDs := make([]string, 0, len(userSet))
		for id := range userSet {
			userIDs = append(userIDs, id)
		}
		sort.Strings(userIDs) // stable lock order

		for _, id := range userIDs {
			if err := repo.LockUser(ctx, id); err != nil {
				return errors.Wrap(err, "locking user")
			}
		}
		if count, err = repo.MarkGrants(ctx, ids, StatusExpired, now); err != nil {
			return errors.Wrap(err, "marking grants expired")
		}
		for _, id := range userIDs {
			if _, err := svc.syncBalance(ctx, repo, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "cleaning up expired escudos")
	}

	expiredGrantsTotal.Add(float64(count))
	return count, nil
}

// History lists the user's grants newest first.
func (svc *Service) History(ctx context.Context, userID string) ([]HistoryEntry, error) {
	entries, err := svc.repo.QueryHistory(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "querying history")
	}
	return entries, nil
}

// Reconcile rewrites every cached user balance that drifted from its grants.
// Failures are logged and skipped; the first one is returned with the number of corrected users.
func (svc *Service) Reconcile(ctx context.Context) (int, error) {
	userIDs, err := svc.repo.QueryUserIDs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "querying users")
	}

	var (
		corrected int
		firstErr  error
	)
	for _, id := range userIDs {
		if err := ctx.Err(); err != nil {
			return corrected, err
		}

		var changed bool
		err := svc.inTx(ctx, func(repo Repository) error {
			changed = false
			if err := repo.LockUser(ctx, id); err != nil {
				return errors.Wrap(err, "locking user")
			}
			cached, err := repo.GetUserBalance(ctx, id)
			if err != nil {
				return errors.Wrap(err, "getting user balance")
			}
			now := svc.now()
			actual, err := repo.SumActiveGrants(ctx, id, now)
			if err != nil {
				return errors.Wrap(err, "summing active grants")
			}
			if actual == cached {
				return nil
			}
			changed = true
			return errors.Wrap(repo.SetUserBalance(ctx, id, actual), "setting user balance")
		})
		if err != nil {
			svc.logger.Error(fmt.Sprintf("escudo: reconciling user %s", id), err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "reconciling user %s", id)
			}
			continue
		}
		if changed {
			corrected++
		}
	}

	balanceCorrectionsTotal.Add(float64(corrected))
	return corrected, firstErr
}
