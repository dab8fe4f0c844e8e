package escudo

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/escudos/core"
)

func TestCourseEscudos(t *testing.T) {
	tests := []struct {
		price float64
		want  int
	}{
		{price: 0, want: 0},
		{price: -10, want: 0},
		{price: 0.99, want: 0},
		{price: 49.99, want: 49},
		{price: 100, want: 100},
		{price: 19.999, want: 19},
		{price: 99.999, want: 99},
		{price: 99.99, want: 99},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CourseEscudos(tt.price), "CourseEscudos(%v)", tt.price)
	}
}

func TestMaxEscudosForPurchase(t *testing.T) {
	tests := []struct {
		price float64
		want  int
	}{
		{price: 100.00, want: 30},
		{price: 99.99, want: 29},
		{price: 10, want: 3},
		{price: 3.33, want: 0},
		{price: 3.34, want: 1},
		{price: 0, want: 0},
		{price: -50, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaxEscudosForPurchase(tt.price), "MaxEscudosForPurchase(%v)", tt.price)
	}

	assert.Equal(t, 50, maxEscudosForPurchase(100, 50))
	assert.Equal(t, 0, maxEscudosForPurchase(100, 0))
}

func TestRemainingAmount(t *testing.T) {
	assert.Equal(t, 70.0, RemainingAmount(100, 30))
	assert.Equal(t, 0.5, RemainingAmount(10.5, 10))
	assert.Equal(t, 0.0, RemainingAmount(10, 11))
	assert.Equal(t, 10.0, RemainingAmount(10, 0))
	assert.Equal(t, 10.0, RemainingAmount(10.004, 0))
	assert.Equal(t, 0.99, RemainingAmount(10.999, 10))
}

func TestCheckRedeemable(t *testing.T) {
	assert.NoError(t, CheckRedeemable(100, 30))
	assert.NoError(t, CheckRedeemable(100, 0))

	err := CheckRedeemable(100, 31)
	if assert.Error(t, err) {
		verr, ok := errors.Cause(err).(*core.ValidationError)
		if assert.True(t, ok) {
			assert.Equal(t, ErrRedeemCapExceeded, verr.Err)
			assert.Equal(t, []core.FieldError{{Field: "escudos", Error: "at most 30 escudos can be used for this purchase"}}, verr.Fields)
		}
	}

	err = CheckRedeemable(100, -1)
	if assert.Error(t, err) {
		assert.Equal(t, ErrInvalidAmount, errors.Cause(err).(*core.ValidationError).Err)
	}
}
