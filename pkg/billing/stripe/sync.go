package stripe

import (
	"context"
	"fmt"

	"github.com/membermatters/billing/pkg/billing"
	"github.com/membermatters/billing/pkg/membership"
)

// ReconcileAction is what ReconcileMember did to a member.
type ReconcileAction string

const (
	ReconcileSkipped    ReconcileAction = "skipped"
	ReconcileUnchanged  ReconcileAction = "unchanged"
	ReconcileEnded      ReconcileAction = "ended"
	ReconcileCancelling ReconcileAction = "cancelling"
	ReconcileResumed    ReconcileAction = "resumed"
)

// ReconcileSummary counts the actions of a ReconcileAll run.
type ReconcileSummary struct {
	Checked int
	Changed int
	Failed  int
}

// ReconcilerConfig holds the collaborators of a Reconciler.
type ReconcilerConfig struct {
	Gateway    Gateway
	Store      billing.MemberStore
	Controller *membership.Controller

	// Optional
	Logger   billing.Logger
	Metrics  billing.Metrics
	Reporter billing.ErrorReporter
}

// Reconciler re-reads subscriptions from Stripe and repairs members whose
// stored status drifted, for example after a missed webhook.
type Reconciler struct {
	lifecycle
	gateway Gateway
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Gateway == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if cfg.Store == nil || cfg.Controller == nil {
		return nil, fmt.Errorf("store and controller are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = &billing.LogReporter{Logger: logger}
	}

	return &Reconciler{
		lifecycle: lifecycle{
			store:      cfg.Store,
			controller: cfg.Controller,
			logger:     logger,
			metrics:    metrics,
			reporter:   reporter,
		},
		gateway: cfg.Gateway,
	}, nil
}

// ReconcileMember compares one member with its Stripe subscription.
func (r *Reconciler) ReconcileMember(ctx context.Context, memberID string) (ReconcileAction, error) {
	m, err := r.store.GetMember(ctx, memberID)
	if err != nil {
		return "", err
	}
	if m.SubscriptionID == "" {
		return ReconcileSkipped, nil
	}

	sub, err := r.gateway.RetrieveSubscription(ctx, m.SubscriptionID)
	ended := false
	switch {
	case err == nil:
		ended = sub.Status == statusCanceled || sub.Status == statusExpired
	case IsNotFound(err):
		ended = true
	default:
		return "", fmt.Errorf("failed to retrieve subscription %s: %w", m.SubscriptionID, err)
	}

	if ended {
		changed, err := r.endSubscription(ctx, m.ID, m.SubscriptionID)
		if err != nil {
			return "", err
		}
		if changed {
			r.logger.Info("reconciled ended subscription", billing.F("member_id", m.ID), billing.F("subscription_id", m.SubscriptionID))
			return ReconcileEnded, nil
		}
		return ReconcileUnchanged, nil
	}

	switch {
	case sub.CancelAtPeriodEnd && m.SubscriptionStatus == billing.SubscriptionActive:
		changed, err := r.setSubscriptionStatus(ctx, m.ID, m.SubscriptionID, billing.SubscriptionCancelling)
		if err != nil || !changed {
			return ReconcileUnchanged, err
		}
		return ReconcileCancelling, nil
	case !sub.CancelAtPeriodEnd && sub.Status == statusActive && m.SubscriptionStatus == billing.SubscriptionCancelling:
		changed, err := r.setSubscriptionStatus(ctx, m.ID, m.SubscriptionID, billing.SubscriptionActive)
		if err != nil || !changed {
			return ReconcileUnchanged, err
		}
		return ReconcileResumed, nil
	}
	return ReconcileUnchanged, nil
}

// ReconcileAll reconciles every member holding a subscription. A failure on
// one member is reported and does not stop the run.
func (r *Reconciler) ReconcileAll(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary

	members, err := r.store.ListSubscribedMembers(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list subscribed members: %w", err)
	}

	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Checked++

		action, err := r.ReconcileMember(ctx, m.ID)
		if err != nil {
			summary.Failed++
			r.reporter.Report(ctx, err, billing.F("member_id", m.ID))
			continue
		}
		if action != ReconcileUnchanged && action != ReconcileSkipped {
			summary.Changed++
		}
	}

	r.logger.Info("reconciliation finished",
		billing.F("checked", summary.Checked),
		billing.F("changed", summary.Changed),
		billing.F("failed", summary.Failed),
	)
	return summary, nil
}
