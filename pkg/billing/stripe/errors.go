package stripe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v83"
)

// ErrorKind classifies Stripe errors the subscription flow reacts to.
type ErrorKind int

const (
	ErrorOther ErrorKind = iota
	// ErrorMissingDefaultPaymentMethod means the customer has no default
	// payment method for invoices. It can be repaired and retried.
	ErrorMissingDefaultPaymentMethod
	// ErrorEnvironmentMismatch means a test key was used with a live object
	// or the reverse.
	ErrorEnvironmentMismatch
)

// Classify returns the ErrorKind of err.
func Classify(err error) ErrorKind {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) || stripeErr.Code != stripe.ErrorCodeResourceMissing {
		return ErrorOther
	}

	msg := strings.ToLower(stripeErr.Msg)
	switch {
	case strings.Contains(msg, "default payment method"):
		return ErrorMissingDefaultPaymentMethod
	case strings.Contains(msg, "a similar object exists in live mode"),
		strings.Contains(msg, "a similar object exists in test mode"):
		return ErrorEnvironmentMismatch
	default:
		return ErrorOther
	}
}

// IsTransient reports whether err is worth retrying later: rate limiting,
// Stripe server errors, timeouts and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsNotFound reports whether Stripe answered 404 for the requested object.
func IsNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound
}
