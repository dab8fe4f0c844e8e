package escudo

import (
	"fmt"
	"math"

	"github.com/trezcool/escudos/core"
)

// DefaultMaxRedeemPercent caps the share of a purchase that may be paid with escudos.
const DefaultMaxRedeemPercent = 30

// toCents truncates price to whole cents. Rounding to 1/100 of a cent first absorbs float error (99.99*100).
func toCents(price float64) int64 {
	return int64(math.Round(price*10000)) / 100
}

// CourseEscudos returns the escudos earned for a purchase: one per whole currency unit.
func CourseEscudos(price float64) int {
	cents := toCents(price)
	if cents <= 0 {
		return 0
	}
	return int(cents / 100)
}

// MaxEscudosForPurchase returns floor(price * 30%).
func MaxEscudosForPurchase(price float64) int {
	return maxEscudosForPurchase(price, DefaultMaxRedeemPercent)
}

// computed on integer cents so that e.g. 100.00 yields exactly 30
func maxEscudosForPurchase(price float64, percent int) int {
	cents := toCents(price)
	if cents <= 0 || percent <= 0 {
		return 0
	}
	return int(cents * int64(percent) / 10000)
}

// RemainingAmount returns what is left to pay once escudosUsed are applied; never negative.
func RemainingAmount(price float64, escudosUsed int) float64 {
	cents := toCents(price) - int64(escudosUsed)*100
	if cents <= 0 {
		return 0
	}
	return float64(cents) / 100
}

// CheckRedeemable validates a redemption request against the purchase cap.
func CheckRedeemable(price float64, escudos int) error {
	return checkRedeemable(price, escudos, DefaultMaxRedeemPercent)
}

func checkRedeemable(price float64, escudos, percent int) error {
	if escudos < 0 {
		return core.NewValidationError(ErrInvalidAmount, core.FieldError{Field: "escudos", Error: ErrInvalidAmount.Error()})
	}
	if limit := maxEscudosForPurchase(price, percent); escudos > limit {
		msg := fmt.Sprintf("at most %d escudos can be used for this purchase", limit)
		return core.NewValidationError(ErrRedeemCapExceeded, core.FieldError{Field: "escudos", Error: msg})
	}
	return nil
}
