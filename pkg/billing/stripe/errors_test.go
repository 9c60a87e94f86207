package stripe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v83"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorMissingDefaultPaymentMethod, Classify(missingDefaultPaymentMethodErr()))
	assert.Equal(t, ErrorEnvironmentMismatch, Classify(fmt.Errorf("wrapped: %w", environmentMismatchErr())))
	assert.Equal(t, ErrorEnvironmentMismatch, Classify(&stripe.Error{
		Code: stripe.ErrorCodeResourceMissing,
		Msg:  "No such price; a similar object exists in test mode, but a live mode key was used.",
	}))
	assert.Equal(t, ErrorOther, Classify(notFoundErr()))
	assert.Equal(t, ErrorOther, Classify(&stripe.Error{Msg: "default payment method", HTTPStatusCode: 400}))
	assert.Equal(t, ErrorOther, Classify(errors.New("default payment method")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&stripe.Error{HTTPStatusCode: 500}))
	assert.True(t, IsTransient(&stripe.Error{HTTPStatusCode: 429}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(&stripe.Error{HTTPStatusCode: 402}))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(notFoundErr()))
	assert.False(t, IsNotFound(missingDefaultPaymentMethodErr()))
	assert.False(t, IsNotFound(errors.New("not found")))
}

func TestCardExpiry(t *testing.T) {
	c := Card{ExpMonth: 4, ExpYear: 2029}
	assert.Equal(t, "04/2029", c.Expiry())
}
