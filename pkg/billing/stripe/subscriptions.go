package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/membermatters/billing/pkg/billing"
)

const (
	// maxCreateAttempts bounds subscription create calls per signup.
	maxCreateAttempts = 3
	signupClaimTTL    = 2 * time.Minute

	statusActive     = "active"
	statusIncomplete = "incomplete"
	statusCanceled   = "canceled"
	statusExpired    = "incomplete_expired"
)

// Outcome is the result of a subscription signup.
type Outcome string

const (
	OutcomeActive     Outcome = "active"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeFailed     Outcome = "failed"
)

// SignupResult describes a subscription created for a member.
type SignupResult struct {
	Outcome      Outcome
	Subscription *Subscription
	Attempts     int
}

// FailureReason says why a signup failed.
type FailureReason string

const (
	ReasonRetriesExhausted    FailureReason = "retries_exhausted"
	ReasonEnvironmentMismatch FailureReason = "environment_mismatch"
	ReasonProvider            FailureReason = "provider_error"
)

// SignupError is returned when Stripe did not create a subscription.
type SignupError struct {
	Reason   FailureReason
	Attempts int
	Err      error
}

func (e *SignupError) Error() string {
	return fmt.Sprintf("subscription signup failed after %d attempt(s) (%s): %v", e.Attempts, e.Reason, e.Err)
}

func (e *SignupError) Unwrap() error { return e.Err }

// ProviderMessage returns Stripe's error message, or "" when the failure did
// not come from a Stripe API error.
func (e *SignupError) ProviderMessage() string {
	var stripeErr *stripe.Error
	if errors.As(e.Err, &stripeErr) {
		return stripeErr.Msg
	}
	return ""
}

// SubscriptionInfo summarizes a member's subscription. Timestamps are unix seconds.
type SubscriptionInfo struct {
	BillingCycleAnchor int64 `json:"billingCycleAnchor"`
	CurrentPeriodEnd   int64 `json:"currentPeriodEnd"`
	CancelAt           int64 `json:"cancelAt,omitempty"`
	CancelAtPeriodEnd  bool  `json:"cancelAtPeriodEnd"`
	StartDate          int64 `json:"startDate"`
}

// SubscriptionConfig holds the collaborators of a SubscriptionManager.
type SubscriptionConfig struct {
	Gateway Gateway
	Store   billing.MemberStore
	Catalog billing.Catalog
	Claimer billing.Claimer

	// Optional
	Audit   billing.AuditLog
	Logger  billing.Logger
	Metrics billing.Metrics
}

// SubscriptionManager creates, resumes and cancels member subscriptions.
type SubscriptionManager struct {
	gateway Gateway
	store   billing.MemberStore
	catalog billing.Catalog
	claimer billing.Claimer
	audit   billing.AuditLog
	logger  billing.Logger
	metrics billing.Metrics
}

// NewSubscriptionManager creates a SubscriptionManager.
func NewSubscriptionManager(cfg SubscriptionConfig) (*SubscriptionManager, error) {
	if cfg.Gateway == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if cfg.Store == nil || cfg.Catalog == nil || cfg.Claimer == nil {
		return nil, fmt.Errorf("store, catalog and claimer are required")
	}

	s := &SubscriptionManager{
		gateway: cfg.Gateway,
		store:   cfg.Store,
		catalog: cfg.Catalog,
		claimer: cfg.Claimer,
		audit:   cfg.Audit,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if s.logger == nil {
		s.logger = &billing.NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = &billing.NoopMetrics{}
	}
	return s, nil
}

// CreateSubscription subscribes a member to a plan. A member can hold at
// most one plan; ErrExistingPlan is returned otherwise.
func (s *SubscriptionManager) CreateSubscription(ctx context.Context, memberID, planID string) (SignupResult, error) {
	// Held across the plan check and the create calls.
	claimKey := "signup:" + memberID
	ok, err := s.claimer.Claim(ctx, claimKey, signupClaimTTL)
	if err != nil {
		return SignupResult{}, fmt.Errorf("failed to claim signup: %w", err)
	}
	if !ok {
		return SignupResult{}, billing.ErrSignupInProgress
	}
	defer func() {
		if err := s.claimer.Release(context.WithoutCancel(ctx), claimKey); err != nil {
			s.logger.Warn("failed to release signup claim", billing.F("member_id", memberID), billing.F("error", err))
		}
	}()

	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return SignupResult{}, err
	}
	if m.HasPlan() {
		return SignupResult{}, billing.ErrExistingPlan
	}
	if m.ProviderCustomerID == "" {
		return SignupResult{}, billing.ErrNoCustomer
	}
	plan, err := s.catalog.GetPlan(ctx, planID)
	if err != nil {
		return SignupResult{}, err
	}

	sub, attempts, err := s.createWithRepair(ctx, m, plan)
	if err != nil {
		s.metrics.RecordSubscriptionAttempt("failed")
		return SignupResult{Outcome: OutcomeFailed, Attempts: attempts}, err
	}
	result := SignupResult{Subscription: sub, Attempts: attempts}

	switch sub.Status {
	case statusActive:
		_, err := s.store.UpdateMember(ctx, memberID, func(m *billing.Member) error {
			if m.HasPlan() {
				return billing.ErrExistingPlan
			}
			if m.SubscriptionStatus != billing.SubscriptionActive {
				s.metrics.RecordTransition("subscription_status", string(m.SubscriptionStatus), string(billing.SubscriptionActive))
			}
			m.SubscriptionID = sub.ID
			m.MembershipPlanID = plan.ID
			m.SubscriptionStatus = billing.SubscriptionActive
			return nil
		})
		if err != nil {
			s.logger.Error("subscription created but member not updated",
				billing.F("member_id", memberID),
				billing.F("subscription_id", sub.ID),
				billing.F("error", err),
			)
			return result, err
		}
		s.record(ctx, memberID, "Successfully created subscription in Stripe.", map[string]interface{}{
			"subscription_id": sub.ID,
			"plan_id":         plan.ID,
		})
		s.metrics.RecordSubscriptionAttempt("active")
		result.Outcome = OutcomeActive

	case statusIncomplete:
		s.record(ctx, memberID, fmt.Sprintf("Failed to create subscription in Stripe with status %s.", sub.Status),
			map[string]interface{}{"subscription_id": sub.ID})
		s.metrics.RecordSubscriptionAttempt("incomplete")
		result.Outcome = OutcomeIncomplete

	default:
		s.record(ctx, memberID, fmt.Sprintf("Failed to create subscription in Stripe with status %s.", sub.Status),
			map[string]interface{}{"subscription_id": sub.ID})
		s.metrics.RecordSubscriptionAttempt("failed")
		result.Outcome = OutcomeFailed
	}

	s.logger.Info("subscription signup finished",
		billing.F("member_id", memberID),
		billing.F("plan_id", plan.ID),
		billing.F("outcome", string(result.Outcome)),
		billing.F("attempts", attempts),
	)
	return result, nil
}

// createWithRepair calls Stripe at most maxCreateAttempts times, setting the
// customer's default payment method between attempts when Stripe reports it
// missing.
func (s *SubscriptionManager) createWithRepair(ctx context.Context, m *billing.Member, plan *billing.PaymentPlan) (*Subscription, int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		sub, err := s.gateway.CreateSubscription(ctx, m.ProviderCustomerID, plan.ProviderPriceID)
		if err == nil {
			return sub, attempt, nil
		}
		lastErr = err

		switch Classify(err) {
		case ErrorMissingDefaultPaymentMethod:
			s.record(ctx, m.ID, "Missing default payment method from Stripe while creating subscription.",
				map[string]interface{}{"attempt": attempt, "error": err.Error()})
			if attempt == maxCreateAttempts {
				break
			}
			s.metrics.RecordSubscriptionAttempt("retry")
			if m.PaymentMethodID == "" {
				return nil, attempt, &SignupError{Reason: ReasonProvider, Attempts: attempt,
					Err: fmt.Errorf("no stored payment method to set as default: %w", err)}
			}
			if err := s.gateway.SetDefaultPaymentMethod(ctx, m.ProviderCustomerID, m.PaymentMethodID); err != nil {
				s.record(ctx, m.ID, "Failed to set default payment method in Stripe.",
					map[string]interface{}{"attempt": attempt, "error": err.Error()})
				return nil, attempt, &SignupError{Reason: ReasonProvider, Attempts: attempt, Err: err}
			}

		case ErrorEnvironmentMismatch:
			s.record(ctx, m.ID, "Stripe key and object environments differ while creating subscription.",
				map[string]interface{}{"attempt": attempt, "error": err.Error()})
			s.logger.Error("stripe environment mismatch", billing.F("member_id", m.ID), billing.F("error", err))
			return nil, attempt, &SignupError{Reason: ReasonEnvironmentMismatch, Attempts: attempt,
				Err: fmt.Errorf("%w: %w", billing.ErrConfiguration, err)}

		default:
			s.record(ctx, m.ID, "Error from Stripe while creating subscription.",
				map[string]interface{}{"attempt": attempt, "error": err.Error()})
			return nil, attempt, &SignupError{Reason: ReasonProvider, Attempts: attempt, Err: err}
		}
	}

	s.record(ctx, m.ID, "Too many attempts while creating subscription.",
		map[string]interface{}{"attempts": maxCreateAttempts})
	return nil, maxCreateAttempts, &SignupError{Reason: ReasonRetriesExhausted, Attempts: maxCreateAttempts, Err: lastErr}
}

// ResumeOrCancel toggles whether the member's subscription ends at the
// close of the current period. It reports whether Stripe confirmed the change.
func (s *SubscriptionManager) ResumeOrCancel(ctx context.Context, memberID string, resume bool) (bool, error) {
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return false, err
	}
	if !m.HasPlan() || m.SubscriptionID == "" {
		return false, billing.ErrPlanNotExists
	}

	cancel := !resume
	sub, err := s.gateway.UpdateCancelAtPeriodEnd(ctx, m.SubscriptionID, cancel)
	if err != nil {
		return false, err
	}
	if sub.CancelAtPeriodEnd != cancel {
		return false, nil
	}

	to := billing.SubscriptionActive
	description := "Resumed subscription in Stripe."
	if cancel {
		to = billing.SubscriptionCancelling
		description = "Subscription set to cancel at the end of the period in Stripe."
	}

	_, err = s.store.UpdateMember(ctx, memberID, func(m *billing.Member) error {
		if m.SubscriptionID != sub.ID || m.SubscriptionStatus == to {
			return billing.ErrNoChange
		}
		s.metrics.RecordTransition("subscription_status", string(m.SubscriptionStatus), string(to))
		m.SubscriptionStatus = to
		return nil
	})
	if err != nil && !errors.Is(err, billing.ErrNoChange) {
		return false, err
	}
	s.record(ctx, memberID, description, map[string]interface{}{"subscription_id": sub.ID})
	return true, nil
}

// Info returns the member's subscription details, or nil when the member has no plan.
func (s *SubscriptionManager) Info(ctx context.Context, memberID string) (*SubscriptionInfo, error) {
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if !m.HasPlan() || m.SubscriptionID == "" {
		return nil, nil
	}

	sub, err := s.gateway.RetrieveSubscription(ctx, m.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return &SubscriptionInfo{
		BillingCycleAnchor: sub.BillingCycleAnchor,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAt:           sub.CancelAt,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		StartDate:          sub.StartDate,
	}, nil
}

func (s *SubscriptionManager) record(ctx context.Context, memberID, description string, data map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, billing.NewAuditEvent(memberID, billing.AuditKindStripe, description, data)); err != nil {
		s.logger.Warn("failed to record audit event", billing.F("member_id", memberID), billing.F("error", err))
	}
}
