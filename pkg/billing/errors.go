package billing

import "errors"

var (
	// ErrTransient is wrapped by failures that may succeed on retry
	// (network errors, rate limiting, provider 5xx, open circuit breaker).
	ErrTransient = errors.New("transient provider error")

	// ErrConfiguration is wrapped by operator errors such as a test/live key mismatch
	ErrConfiguration = errors.New("billing misconfigured")

	// ErrProviderNotConfigured is returned when the payment provider has no usable credentials
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrMemberNotFound is returned when no member matches a lookup
	ErrMemberNotFound = errors.New("member not found")

	// ErrPlanNotFound is returned when a payment plan id is unknown
	ErrPlanNotFound = errors.New("payment plan not found")

	// ErrTierNotFound is returned when no membership tier matches a provider product
	ErrTierNotFound = errors.New("membership tier not found")

	// ErrNoChange is returned by an UpdateMember callback to abort without writing
	ErrNoChange = errors.New("no change")
)

// RuleError is a business rule violation surfaced to the member with a
// message key the frontend translates.
type RuleError struct {
	Key string
	msg string
}

func (e *RuleError) Error() string { return e.msg }

var (
	// ErrExistingPlan is returned when a member with a plan signs up again
	ErrExistingPlan = &RuleError{Key: "signup.existingPlan", msg: "member already has a membership plan"}

	// ErrPlanNotExists is returned when resuming or cancelling without a plan
	ErrPlanNotExists = &RuleError{Key: "paymentPlan.notExists", msg: "member has no membership plan"}

	// ErrNoCustomer is returned when a billing action needs a Stripe customer the member lacks
	ErrNoCustomer = &RuleError{Key: "signup.noPaymentMethod", msg: "member has no payment provider customer"}

	// ErrSignupInProgress is returned when another signup for the member holds the claim
	ErrSignupInProgress = &RuleError{Key: "signup.inProgress", msg: "signup already in progress"}

	// ErrExistingMember is returned by CompleteSignup for members with an active subscription
	ErrExistingMember = &RuleError{Key: "signup.existingMember", msg: "member already has an active subscription"}
)
