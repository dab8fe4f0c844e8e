package escudo

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/escudos/core"
)

// Source is the provenance tag of a Grant.
type Source string

const (
	SourceSubscription   Source = "SUBSCRIPTION"
	SourceCoursePurchase Source = "COURSE_PURCHASE"
	SourceManual         Source = "MANUAL"
	SourceBonus          Source = "BONUS"
)

var Sources = []Source{SourceSubscription, SourceCoursePurchase, SourceManual, SourceBonus}

func (s Source) IsValid() bool {
	for _, src := range Sources {
		if s == src {
			return true
		}
	}
	return false
}

// Status tells spent grants apart from expired ones. Both terminal states set Grant.IsUsed.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusConsumed Status = "CONSUMED"
	StatusExpired  Status = "EXPIRED"
)

type Grant struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Amount    int        `json:"amount"`
	Source    Source     `json:"source"`
	Status    Status     `json:"status"`
	IsUsed    bool       `json:"is_used"`
	SplitFrom string     `json:"split_from,omitempty"`
	PaymentID string     `json:"payment_id,omitempty"`
	CourseID  string     `json:"course_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"` // UTC
	ExpiresAt time.Time  `json:"expires_at"` // UTC
	UsedAt    *time.Time `json:"used_at"`    // UTC
}

// IsValidAt reports whether the grant can still be consumed at t. Expiry is exclusive.
func (g Grant) IsValidAt(t time.Time) bool {
	return !g.IsUsed && g.ExpiresAt.After(t)
}

// NewGrant contains information needed to issue escudos to a user.
type NewGrant struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	Amount    int    `json:"amount" validate:"required,gt=0"`
	Source    Source `json:"source" validate:"required,escudo_source"`
	PaymentID string `json:"payment_id" validate:"omitempty,notblank,max=255"`
	CourseID  string `json:"course_id" validate:"omitempty,notblank,max=255"`
}

func (ng *NewGrant) Validate(validate *validator.Validate) error {
	ng.UserID = core.CleanString(ng.UserID, true /* lower */)
	ng.Source = Source(core.CleanString(string(ng.Source)))
	ng.PaymentID = core.CleanString(ng.PaymentID)
	ng.CourseID = core.CleanString(ng.CourseID)
	return validate.Struct(ng)
}

type (
	CourseSummary struct {
		ID    string  `json:"id"`
		Title string  `json:"title"`
		Price float64 `json:"price"`
	}

	PaymentSummary struct {
		ID        string    `json:"id"`
		UserID    string    `json:"-"`
		Amount    float64   `json:"amount"`
		Currency  string    `json:"currency"`
		CreatedAt time.Time `json:"created_at"`
	}

	// HistoryEntry is a Grant with the summaries of the course and payment it came from.
	HistoryEntry struct {
		Grant
		Course  *CourseSummary  `json:"course"`
		Payment *PaymentSummary `json:"payment"`
	}
)

// Purchase is a completed payment reported by the payment flow.
type Purchase struct {
	UserID      string  `json:"user_id" validate:"required,uuid"`
	PaymentID   string  `json:"payment_id" validate:"required,notblank,max=255"`
	Amount      float64 `json:"amount" validate:"gte=0"`
	Currency    string  `json:"currency" validate:"omitempty,len=3"`
	Source      Source  `json:"source" validate:"required,oneof=COURSE_PURCHASE SUBSCRIPTION"`
	CourseID    string  `json:"course_id" validate:"omitempty,notblank,max=255"`
	CourseTitle string  `json:"course_title" validate:"omitempty,max=255"`
	CoursePrice float64 `json:"course_price" validate:"gte=0"`
}

func (p *Purchase) Validate(validate *validator.Validate) error {
	p.UserID = core.CleanString(p.UserID, true /* lower */)
	p.PaymentID = core.CleanString(p.PaymentID)
	p.Currency = core.CleanString(p.Currency, true /* lower */)
	p.Source = Source(core.CleanString(string(p.Source)))
	p.CourseID = core.CleanString(p.CourseID)
	p.CourseTitle = core.CleanString(p.CourseTitle)
	if p.Currency == "" {
		p.Currency = "usd"
	}
	return validate.Struct(p)
}

// Redemption is the outcome of spending escudos toward a price.
type Redemption struct {
	Price           float64 `json:"price"`
	Escudos         int     `json:"escudos"`
	RemainingAmount float64 `json:"remaining_amount"`
	Balance         int     `json:"balance"`
}

// Quote describes the escudos side of a prospective purchase.
type Quote struct {
	Price           float64 `json:"price"`
	Earned          int     `json:"earned"`
	MaxRedeemable   int     `json:"max_redeemable"`
	Escudos         int     `json:"escudos"`
	RemainingAmount float64 `json:"remaining_amount"`
}
