package stripe

import (
	"context"
	"errors"

	"github.com/membermatters/billing/pkg/billing"
	"github.com/membermatters/billing/pkg/membership"
)

// lifecycle holds the member transitions shared by the webhook processor
// and the reconciler.
type lifecycle struct {
	store      billing.MemberStore
	controller *membership.Controller
	logger     billing.Logger
	metrics    billing.Metrics
	reporter   billing.ErrorReporter
}

func (l *lifecycle) setStatus(m *billing.Member, to billing.SubscriptionStatus) {
	if m.SubscriptionStatus != to {
		l.metrics.RecordTransition("subscription_status", string(m.SubscriptionStatus), string(to))
	}
	m.SubscriptionStatus = to
}

// endSubscription deactivates the member whose subscription ended, disables
// access and clears the plan in one write, then notifies the member and
// admins. A deletion for a
// subscription other than the member's current one is ignored. It reports
// whether the member changed.
func (l *lifecycle) endSubscription(ctx context.Context, memberID, subscriptionID string) (bool, error) {
	updated, err := l.store.UpdateMember(ctx, memberID, func(m *billing.Member) error {
		if subscriptionID != "" && m.SubscriptionID != "" && m.SubscriptionID != subscriptionID {
			return billing.ErrNoChange
		}
		if m.State == billing.StateInactive && !m.AccessEnabled && !m.HasPlan() && m.SubscriptionID == "" &&
			m.SubscriptionStatus == billing.SubscriptionInactive {
			return billing.ErrNoChange
		}
		l.controller.MarkInactive(m)
		m.MembershipPlanID = ""
		m.SubscriptionID = ""
		l.setStatus(m, billing.SubscriptionInactive)
		return nil
	})
	if errors.Is(err, billing.ErrNoChange) {
		l.logger.Debug("subscription end already applied",
			billing.F("member_id", memberID),
			billing.F("subscription_id", subscriptionID),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	msgs := l.controller.Messages()
	l.controller.Notify(ctx, updated, msgs.MembershipCancelled())
	l.controller.Deactivated(ctx, updated)
	l.controller.NotifyAdmins(ctx, msgs.MembershipCancelledAdmin(updated))
	return true, nil
}

// setSubscriptionStatus moves a member's status to the given value when the
// member still holds subscriptionID. It reports whether the member changed.
func (l *lifecycle) setSubscriptionStatus(ctx context.Context, memberID, subscriptionID string, to billing.SubscriptionStatus) (bool, error) {
	_, err := l.store.UpdateMember(ctx, memberID, func(m *billing.Member) error {
		if m.SubscriptionID != subscriptionID || m.SubscriptionStatus == to {
			return billing.ErrNoChange
		}
		l.setStatus(m, to)
		return nil
	})
	if errors.Is(err, billing.ErrNoChange) {
		return false, nil
	}
	return err == nil, err
}
