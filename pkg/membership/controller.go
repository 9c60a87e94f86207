// Package membership drives the member lifecycle: activation, deactivation
// and the access-control provisioning that goes with them.
package membership

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/membermatters/billing/pkg/billing"
)

// Config holds the collaborators of a Controller.
type Config struct {
	Store       billing.MemberStore
	Access      billing.AccessControl
	Notifier    billing.Notifier
	Audit       billing.AuditLog
	Eligibility *billing.EligibilityEvaluator
	Messages    Messages

	// Induction scores the induction course. Without it CheckInduction
	// returns ErrInductionUnavailable.
	Induction         billing.InductionChecker
	MinInductionScore float64

	// Optional
	Logger  billing.Logger
	Metrics billing.Metrics
}

// Controller activates and deactivates members.
type Controller struct {
	store       billing.MemberStore
	access      billing.AccessControl
	notifier    billing.Notifier
	audit       billing.AuditLog
	eligibility *billing.EligibilityEvaluator
	messages    Messages
	induction   billing.InductionChecker
	minScore    float64
	logger      billing.Logger
	metrics     billing.Metrics
	now         func() time.Time
}

// CompleteSignupResult is the outcome of CompleteSignup.
type CompleteSignupResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Items   []string `json:"items,omitempty"`
}

// MessageRequirementsNotMet is returned by CompleteSignup when steps are outstanding.
const MessageRequirementsNotMet = "signup.requirementsNotMet"

// ErrInductionUnavailable is returned by CheckInduction when no induction
// checker is configured.
var ErrInductionUnavailable = errors.New("induction check not configured")

// InductionResult is the outcome of CheckInduction.
type InductionResult struct {
	Success     bool    `json:"success"`
	Score       float64 `json:"score"`
	NotRequired bool    `json:"notRequired,omitempty"`
}

// NewController creates a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("member store is required")
	}
	if cfg.Access == nil {
		return nil, fmt.Errorf("access control is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if cfg.Eligibility == nil {
		cfg.Eligibility = billing.NewEligibilityEvaluator(billing.EligibilityRules{})
	}

	c := &Controller{
		store:       cfg.Store,
		access:      cfg.Access,
		notifier:    cfg.Notifier,
		audit:       cfg.Audit,
		eligibility: cfg.Eligibility,
		messages:    cfg.Messages,
		induction:   cfg.Induction,
		minScore:    cfg.MinInductionScore,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         time.Now,
	}
	if c.logger == nil {
		c.logger = &billing.NoopLogger{}
	}
	if c.metrics == nil {
		c.metrics = &billing.NoopMetrics{}
	}
	return c, nil
}

// Messages returns the notification texts used by the controller.
func (c *Controller) Messages() Messages {
	return c.messages
}

// Eligibility returns the signup check for a member snapshot.
func (c *Controller) Eligibility(m *billing.Member) billing.Eligibility {
	return c.eligibility.CanSignup(m)
}

// CanSignup loads a member and evaluates its signup requirements.
func (c *Controller) CanSignup(ctx context.Context, memberID string) (billing.Eligibility, error) {
	m, err := c.store.GetMember(ctx, memberID)
	if err != nil {
		return billing.Eligibility{}, err
	}
	return c.eligibility.CanSignup(m), nil
}

// MarkActive sets the member's state to active and enables access. It is
// meant to run inside an UpdateMember callback and touches nothing outside
// the member.
func (c *Controller) MarkActive(m *billing.Member) {
	c.transition(m, billing.StateActive)
	m.AccessEnabled = true
}

// MarkInactive sets the member's state to inactive and disables access.
func (c *Controller) MarkInactive(m *billing.Member) {
	c.transition(m, billing.StateInactive)
	m.AccessEnabled = false
}

func (c *Controller) transition(m *billing.Member, to billing.MemberState) {
	if m.State != to {
		c.metrics.RecordTransition("state", string(m.State), string(to))
	}
	m.State = to
}

// DefaultAccess lists what GrantDefaultAccess granted.
type DefaultAccess struct {
	Doors      []billing.Door
	Interlocks []billing.Interlock
}

// GrantDefaultAccess grants the doors and interlocks every member gets.
// Grants are idempotent and open nothing until MarkActive is committed, so
// it runs before the activation.
func (c *Controller) GrantDefaultAccess(ctx context.Context, memberID string) (DefaultAccess, error) {
	var granted DefaultAccess

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		granted.Doors, err = c.access.DefaultDoors(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		granted.Interlocks, err = c.access.DefaultInterlocks(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return DefaultAccess{}, fmt.Errorf("failed to load default access: %w", err)
	}

	for _, d := range granted.Doors {
		if err := c.access.GrantDoor(ctx, memberID, d.ID); err != nil {
			return DefaultAccess{}, fmt.Errorf("failed to grant door %s: %w", d.ID, err)
		}
	}
	for _, i := range granted.Interlocks {
		if err := c.access.GrantInterlock(ctx, memberID, i.ID); err != nil {
			return DefaultAccess{}, fmt.Errorf("failed to grant interlock %s: %w", i.ID, err)
		}
	}
	return granted, nil
}

// Activated records and announces a committed activation.
func (c *Controller) Activated(ctx context.Context, m *billing.Member, granted DefaultAccess) {
	c.record(ctx, m.ID, "Member activated and default access granted.", map[string]interface{}{
		"doors":      len(granted.Doors),
		"interlocks": len(granted.Interlocks),
	})
	c.logger.Info("member activated",
		billing.F("member_id", m.ID),
		billing.F("doors", len(granted.Doors)),
		billing.F("interlocks", len(granted.Interlocks)),
	)

	c.Notify(ctx, m, c.messages.AccessEnabled())
	c.Notify(ctx, m, c.messages.Welcome(m))
}

// Deactivated records and announces a committed deactivation. Door and
// interlock grants are kept so a returning member gets the same access back.
func (c *Controller) Deactivated(ctx context.Context, m *billing.Member) {
	c.record(ctx, m.ID, "Member deactivated and access disabled.", nil)
	c.logger.Info("member deactivated", billing.F("member_id", m.ID))
	c.Notify(ctx, m, c.messages.AccessDisabled())
}

// Activate grants default access and moves a member to active under its
// serialization point. It reports false when the member was already active.
func (c *Controller) Activate(ctx context.Context, memberID string) (bool, error) {
	m, err := c.store.GetMember(ctx, memberID)
	if err != nil {
		return false, err
	}
	if isActive(m) {
		return false, nil
	}

	granted, err := c.GrantDefaultAccess(ctx, memberID)
	if err != nil {
		return false, err
	}

	m, err = c.store.UpdateMember(ctx, memberID, func(m *billing.Member) error {
		if isActive(m) {
			return billing.ErrNoChange
		}
		c.MarkActive(m)
		return nil
	})
	if errors.Is(err, billing.ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.Activated(ctx, m, granted)
	return true, nil
}

func isActive(m *billing.Member) bool {
	return m.State == billing.StateActive && m.AccessEnabled
}

// CompleteSignup activates an eligible member who has no active subscription.
func (c *Controller) CompleteSignup(ctx context.Context, memberID string) (CompleteSignupResult, error) {
	m, err := c.store.GetMember(ctx, memberID)
	if err != nil {
		return CompleteSignupResult{}, err
	}
	if m.SubscriptionStatus == billing.SubscriptionActive {
		return CompleteSignupResult{}, billing.ErrExistingMember
	}

	check := c.eligibility.CanSignup(m)
	if !check.Success {
		return CompleteSignupResult{
			Success: false,
			Message: MessageRequirementsNotMet,
			Items:   check.RequiredSteps,
		}, nil
	}

	activated, err := c.Activate(ctx, memberID)
	if err != nil {
		return CompleteSignupResult{}, err
	}
	if activated {
		c.SendApplicationEmails(ctx, m)
	}
	return CompleteSignupResult{Success: true}, nil
}

// CheckInduction scores the member's induction course and stamps the
// induction date when the score reaches the minimum. Members who do not
// need an induction are reported as passing without being scored.
func (c *Controller) CheckInduction(ctx context.Context, memberID string) (InductionResult, error) {
	m, err := c.store.GetMember(ctx, memberID)
	if err != nil {
		return InductionResult{}, err
	}
	if !slices.Contains(c.eligibility.CanSignup(m).RequiredSteps, billing.StepInduction) {
		return InductionResult{Success: true, NotRequired: true}, nil
	}
	if c.induction == nil {
		return InductionResult{}, ErrInductionUnavailable
	}

	score, err := c.induction.InductionScore(ctx, m)
	if err != nil {
		return InductionResult{}, fmt.Errorf("failed to score induction: %w", err)
	}
	if score <= 0 || score < c.minScore {
		c.logger.Debug("induction not passed",
			billing.F("member_id", memberID),
			billing.F("score", score),
			billing.F("min_score", c.minScore),
		)
		return InductionResult{Score: score}, nil
	}

	now := c.now()
	_, err = c.store.UpdateMember(ctx, memberID, func(m *billing.Member) error {
		m.LastInductionDate = &now
		return nil
	})
	if err != nil {
		return InductionResult{}, err
	}
	c.record(ctx, memberID, "Induction passed.", map[string]interface{}{"score": score})
	return InductionResult{Success: true, Score: score}, nil
}

// SkipSignup turns the member into an account without a membership. Current
// and paying members cannot skip.
func (c *Controller) SkipSignup(ctx context.Context, memberID string) error {
	_, err := c.store.UpdateMember(ctx, memberID, func(m *billing.Member) error {
		if m.State == billing.StateAccountOnly {
			return billing.ErrNoChange
		}
		if m.State == billing.StateActive || m.HasPlan() ||
			m.SubscriptionStatus == billing.SubscriptionActive || m.SubscriptionStatus == billing.SubscriptionCancelling {
			return billing.ErrExistingMember
		}
		c.transition(m, billing.StateAccountOnly)
		m.AccessEnabled = false
		return nil
	})
	if errors.Is(err, billing.ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	c.record(ctx, memberID, "Member skipped signup and kept an account only.", nil)
	return nil
}

// SendApplicationEmails tells the member and the admins about a new applicant.
func (c *Controller) SendApplicationEmails(ctx context.Context, m *billing.Member) {
	c.Notify(ctx, m, c.messages.ApplicationSubmitted())
	c.NotifyAdmins(ctx, c.messages.ApplicationSubmittedAdmin(m))
}

// AssignAccessCard stores the member's access card number.
func (c *Controller) AssignAccessCard(ctx context.Context, memberID, card string) error {
	card = strings.TrimSpace(card)
	if card == "" {
		return fmt.Errorf("access card is required")
	}
	_, err := c.store.UpdateMember(ctx, memberID, func(m *billing.Member) error {
		if m.AccessCard == card {
			return billing.ErrNoChange
		}
		m.AccessCard = card
		return nil
	})
	if errors.Is(err, billing.ErrNoChange) {
		return nil
	}
	return err
}

// Notify sends a member notification. Delivery failures are logged only.
func (c *Controller) Notify(ctx context.Context, m *billing.Member, n billing.Notification) {
	if err := c.notifier.NotifyMember(ctx, m, n); err != nil {
		c.logger.Warn("failed to notify member",
			billing.F("member_id", m.ID),
			billing.F("subject", n.Subject),
			billing.F("error", err),
		)
	}
}

// NotifyAdmins sends an admin notification. Delivery failures are logged only.
func (c *Controller) NotifyAdmins(ctx context.Context, n billing.Notification) {
	if err := c.notifier.NotifyAdmins(ctx, n); err != nil {
		c.logger.Warn("failed to notify admins",
			billing.F("subject", n.Subject),
			billing.F("error", err),
		)
	}
}

func (c *Controller) record(ctx context.Context, memberID, description string, data map[string]interface{}) {
	if c.audit == nil {
		return
	}
	event := billing.NewAuditEvent(memberID, billing.AuditKindMembership, description, data)
	if err := c.audit.Record(ctx, event); err != nil {
		c.logger.Warn("failed to record audit event", billing.F("member_id", memberID), billing.F("error", err))
	}
}
