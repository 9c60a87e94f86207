package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/membermatters/billing/pkg/billing"
	billingstripe "github.com/membermatters/billing/pkg/billing/stripe"
	"github.com/membermatters/billing/pkg/membership"
)

// Members is the activation side of the member API. *membership.Controller
// implements it.
type Members interface {
	CanSignup(ctx context.Context, memberID string) (billing.Eligibility, error)
	CompleteSignup(ctx context.Context, memberID string) (membership.CompleteSignupResult, error)
	AssignAccessCard(ctx context.Context, memberID, card string) error
	CheckInduction(ctx context.Context, memberID string) (membership.InductionResult, error)
	SkipSignup(ctx context.Context, memberID string) error
}

// Subscriptions is implemented by *stripe.SubscriptionManager.
type Subscriptions interface {
	CreateSubscription(ctx context.Context, memberID, planID string) (billingstripe.SignupResult, error)
	ResumeOrCancel(ctx context.Context, memberID string, resume bool) (bool, error)
	Info(ctx context.Context, memberID string) (*billingstripe.SubscriptionInfo, error)
}

// Cards is implemented by *stripe.CardService.
type Cards interface {
	SetupIntent(ctx context.Context, memberID string) (string, error)
	SaveCard(ctx context.Context, memberID, paymentMethodID string) error
	RemoveCard(ctx context.Context, memberID string) error
}

// Config holds configuration for the billing API handler
type Config struct {
	Members       Members
	Subscriptions Subscriptions
	Cards         Cards
	Catalog       billing.Catalog

	// GetMemberID extracts the authenticated member ID from the request
	// (required). Authentication itself belongs to the host application.
	GetMemberID func(*http.Request) string

	// Webhook is mounted at /webhook outside member authentication when set.
	Webhook http.Handler

	// OnError replaces the default JSON error responses when set
	OnError func(http.ResponseWriter, *http.Request, error)

	// Optional
	Logger   billing.Logger
	Reporter billing.ErrorReporter
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Members == nil {
		return fmt.Errorf("members is required")
	}
	if c.Subscriptions == nil {
		return fmt.Errorf("subscriptions is required")
	}
	if c.Cards == nil {
		return fmt.Errorf("cards is required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if c.GetMemberID == nil {
		return fmt.Errorf("getMemberID is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	if config.Reporter == nil {
		config.Reporter = &billing.LogReporter{Logger: config.Logger}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}

// FromHeader returns a GetMemberID function that reads the member ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetMemberID function that reads the member ID from
// the request context, as set by an upstream auth middleware
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if memberID, ok := r.Context().Value(key).(string); ok {
			return memberID
		}
		return ""
	}
}
