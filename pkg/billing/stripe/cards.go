package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/membermatters/billing/pkg/billing"
	"github.com/membermatters/billing/pkg/membership"
)

// CardConfig holds the collaborators of a CardService.
type CardConfig struct {
	Gateway    Gateway
	Store      billing.MemberStore
	Controller *membership.Controller

	// Optional
	Audit  billing.AuditLog
	Logger billing.Logger
}

// CardService manages the Stripe customer and card stored for a member.
type CardService struct {
	gateway    Gateway
	store      billing.MemberStore
	controller *membership.Controller
	audit      billing.AuditLog
	logger     billing.Logger
}

// NewCardService creates a CardService.
func NewCardService(cfg CardConfig) (*CardService, error) {
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
	return &CardService{
		gateway:    cfg.Gateway,
		store:      cfg.Store,
		controller: cfg.Controller,
		audit:      cfg.Audit,
		logger:     logger,
	}, nil
}

// SetupIntent returns a setup intent client secret for adding a card. The
// member's Stripe customer is created first if it is missing or was deleted
// in Stripe.
func (c *CardService) SetupIntent(ctx context.Context, memberID string) (string, error) {
	m, err := c.store.GetMember(ctx, memberID)
	if err != nil {
		return "", err
	}

	customerID, err := c.ensureCustomer(ctx, m)
	if err != nil {
		return "", err
	}
	return c.gateway.CreateSetupIntent(ctx, customerID)
}

func (c *CardService) ensureCustomer(ctx context.Context, m *billing.Member) (string, error) {
	if m.ProviderCustomerID != "" {
		cust, err := c.gateway.RetrieveCustomer(ctx, m.ProviderCustomerID)
		switch {
		case err == nil && !cust.Deleted:
			return cust.ID, nil
		case err == nil || IsNotFound(err):
			c.logger.Info("stripe customer missing, creating a new one",
				billing.F("member_id", m.ID),
				billing.F("customer_id", m.ProviderCustomerID),
			)
		default:
			return "", err
		}
	}

	c.record(ctx, m.ID, "Attempting to create stripe customer.", nil)
	cust, err := c.gateway.CreateCustomer(ctx, CustomerParams{Email: m.Email, Name: m.FullName, Phone: m.Phone})
	if err != nil {
		c.record(ctx, m.ID, "Stripe error while creating customer.", map[string]interface{}{"error": err.Error()})
		return "", err
	}

	_, err = c.store.UpdateMember(ctx, m.ID, func(m *billing.Member) error {
		m.ProviderCustomerID = cust.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	c.record(ctx, m.ID, fmt.Sprintf("Created stripe customer %s (Stripe ID: %s).", m.FullName, cust.ID), nil)
	return cust.ID, nil
}

// SaveCard stores the card's display details, attaches it to the member's
// customer and makes it the default for invoices.
func (c *CardService) SaveCard(ctx context.Context, memberID, paymentMethodID string) error {
	if paymentMethodID == "" {
		return fmt.Errorf("payment method id is required")
	}
	m, err := c.store.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if m.ProviderCustomerID == "" {
		return billing.ErrNoCustomer
	}

	card, err := c.gateway.RetrievePaymentMethod(ctx, paymentMethodID)
	if err != nil {
		return err
	}

	updated, err := c.store.UpdateMember(ctx, memberID, func(m *billing.Member) error {
		m.PaymentMethodID = paymentMethodID
		m.CardLastDigits = card.Last4
		m.CardExpiry = card.Expiry()
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.gateway.AttachPaymentMethod(ctx, paymentMethodID, updated.ProviderCustomerID); err != nil {
		return err
	}
	if err := c.gateway.SetDefaultPaymentMethod(ctx, updated.ProviderCustomerID, paymentMethodID); err != nil {
		return err
	}

	c.record(ctx, memberID, "Saved payment card.", map[string]interface{}{"last4": card.Last4})
	c.controller.Notify(ctx, updated, c.controller.Messages().CardAdded())
	return nil
}

// RemoveCard detaches the member's card in Stripe and clears it locally.
func (c *CardService) RemoveCard(ctx context.Context, memberID string) error {
	m, err := c.store.GetMember(ctx, memberID)
	if err != nil {
		return err
	}

	if m.PaymentMethodID != "" {
		if err := c.gateway.DetachPaymentMethod(ctx, m.PaymentMethodID); err != nil && !IsNotFound(err) {
			return err
		}
	}

	_, err = c.store.UpdateMember(ctx, memberID, func(m *billing.Member) error {
		if m.PaymentMethodID == "" && m.CardLastDigits == "" && m.CardExpiry == "" {
			return billing.ErrNoChange
		}
		m.PaymentMethodID = ""
		m.CardLastDigits = ""
		m.CardExpiry = ""
		return nil
	})
	if err != nil && !errors.Is(err, billing.ErrNoChange) {
		return err
	}
	c.record(ctx, memberID, "Removed payment card.", nil)
	return nil
}

func (c *CardService) record(ctx context.Context, memberID, description string, data map[string]interface{}) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, billing.NewAuditEvent(memberID, billing.AuditKindStripe, description, data)); err != nil {
		c.logger.Warn("failed to record audit event", billing.F("member_id", memberID), billing.F("error", err))
	}
}
