package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/membermatters/billing/pkg/billing"
	"github.com/membermatters/billing/pkg/billing/internal"
	"github.com/membermatters/billing/pkg/membership"
)

const (
	maxWebhookBodyBytes      = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	invoiceClaimTTL          = 30 * 24 * time.Hour
	paymentFailedClaimTTL    = 7 * 24 * time.Hour

	signatureErrorMessage = "Error validating Stripe signature."
)

// WebhookConfig configures a WebhookProcessor.
type WebhookConfig struct {
	// Secret is the endpoint signing secret (whsec_...).
	Secret string

	// AllowUnsigned accepts payloads without verification when Secret is
	// empty. Never enable it in production.
	AllowUnsigned bool

	// CreateInvoices forwards paid membership invoices to the InvoiceGenerator.
	CreateInvoices bool

	Store      billing.MemberStore
	Catalog    billing.Catalog
	Claimer    billing.Claimer
	Controller *membership.Controller
	Gateway    Gateway
	Invoices   billing.InvoiceGenerator

	// Optional
	Logger            billing.Logger
	Metrics           billing.Metrics
	Reporter          billing.ErrorReporter
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// WebhookProcessor verifies Stripe webhook deliveries and applies them to
// members. Every handler is safe to run more than once for the same event.
type WebhookProcessor struct {
	lifecycle

	secret         string
	allowUnsigned  bool
	createInvoices bool
	catalog        billing.Catalog
	claimer        billing.Claimer
	gateway        Gateway
	invoices       billing.InvoiceGenerator
	rateLimiter    *internal.RateLimiter
}

// NewWebhookProcessor creates a WebhookProcessor.
func NewWebhookProcessor(cfg WebhookConfig) (*WebhookProcessor, error) {
	if cfg.Store == nil || cfg.Controller == nil || cfg.Claimer == nil {
		return nil, fmt.Errorf("store, controller and claimer are required")
	}
	if cfg.CreateInvoices && (cfg.Gateway == nil || cfg.Catalog == nil || cfg.Invoices == nil) {
		return nil, fmt.Errorf("%w: invoice creation needs a gateway, catalog and invoice generator", billing.ErrConfiguration)
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

	requests := cfg.RateLimitRequests
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	return &WebhookProcessor{
		lifecycle: lifecycle{
			store:      cfg.Store,
			controller: cfg.Controller,
			logger:     logger,
			metrics:    metrics,
			reporter:   reporter,
		},
		secret:         strings.TrimSpace(cfg.Secret),
		allowUnsigned:  cfg.AllowUnsigned,
		createInvoices: cfg.CreateInvoices,
		catalog:        cfg.Catalog,
		claimer:        cfg.Claimer,
		gateway:        cfg.Gateway,
		invoices:       cfg.Invoices,
		rateLimiter:    internal.NewRateLimiter(requests, window),
	}, nil
}

// Handler returns the rate limited HTTP handler for Stripe webhooks.
func (p *WebhookProcessor) Handler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

func (p *WebhookProcessor) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetNoStore(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.secret == "" && !p.allowUnsigned {
		p.metrics.RecordWebhookError("not_configured")
		p.reporter.Report(r.Context(), fmt.Errorf("%w: stripe webhook secret not set", billing.ErrConfiguration))
		_ = internal.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Webhook not configured."})
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError("payload_too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		p.metrics.RecordWebhookError("invalid_payload")
		_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload."})
		return
	}

	ev, err := p.ParseEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidWebhookSignature) {
			p.metrics.RecordWebhookError("auth_failed")
			p.logger.Warn("stripe webhook signature rejected", billing.F("error", err))
			_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": signatureErrorMessage})
			return
		}
		p.metrics.RecordWebhookError("invalid_payload")
		p.logger.Warn("stripe webhook payload rejected", billing.F("error", err))
		_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload."})
		return
	}

	status, err := p.Process(r.Context(), ev)
	p.metrics.RecordWebhookProcessingDuration(ev.Type, time.Since(start))
	if err != nil {
		p.metrics.RecordWebhookEvent(ev.Type, "error")
		p.metrics.RecordWebhookError("processing_error")
		p.reporter.Report(r.Context(), err, billing.F("event_id", ev.ID), billing.F("event_type", ev.Type))
		_ = internal.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error."})
		return
	}

	p.metrics.RecordWebhookEvent(ev.Type, status)
	_ = internal.WriteJSON(w, http.StatusOK, struct{}{})
}

// ParseEvent verifies the signature header, when a secret is configured,
// and decodes the payload.
func (p *WebhookProcessor) ParseEvent(payload []byte, signature string) (*billing.WebhookEvent, error) {
	if p.secret != "" {
		if err := webhook.ValidatePayload(payload, signature, p.secret); err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
		}
	} else if !p.allowUnsigned {
		return nil, fmt.Errorf("%w: stripe webhook secret not set", billing.ErrConfiguration)
	}
	return parseEvent(payload)
}

// Process applies an event. It returns the processing status for metrics
// ("success" or "ignored") and an error only for failures Stripe should
// redeliver.
func (p *WebhookProcessor) Process(ctx context.Context, ev *billing.WebhookEvent) (string, error) {
	if !ev.Handled() {
		p.logger.Debug("ignoring stripe event", billing.F("event_type", ev.Type), billing.F("event_id", ev.ID))
		return "ignored", nil
	}

	m, err := p.store.GetMemberByCustomerID(ctx, ev.CustomerID)
	if errors.Is(err, billing.ErrMemberNotFound) {
		// The Stripe account may also take payments unrelated to membership.
		p.logger.Debug("stripe event for unknown customer",
			billing.F("event_type", ev.Type),
			billing.F("customer_id", ev.CustomerID),
		)
		return "ignored", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up member for customer %s: %w", ev.CustomerID, err)
	}

	switch ev.Type {
	case billing.EventInvoicePaid:
		err = p.handleInvoicePaid(ctx, m, ev)
	case billing.EventInvoicePaymentFailed:
		p.handlePaymentFailed(ctx, m, ev)
	case billing.EventSubscriptionDeleted:
		_, err = p.endSubscription(ctx, m.ID, ev.SubscriptionID)
	}
	if err != nil {
		return "", err
	}
	return "success", nil
}

type paidOutcome int

const (
	paidNoChange paidOutcome = iota
	paidActivated
	paidPending
)

// errAccessNotGranted fails a delivery whose member became eligible between
// the default access grants and the activation. Stripe redelivers it.
var errAccessNotGranted = errors.New("member became eligible before default access was granted")

func (p *WebhookProcessor) handleInvoicePaid(ctx context.Context, m *billing.Member, ev *billing.WebhookEvent) error {
	// A member whose subscription ended is only reactivated by an invoice
	// for a subscription Stripe still reports active.
	resumed := false
	if ev.InvoiceStatus == billing.InvoiceStatusPaid && m.State != billing.StateActive && subscriptionEnded(m) {
		var err error
		if resumed, err = p.subscriptionLive(ctx, ev.SubscriptionID); err != nil {
			return err
		}
	}

	var granted *membership.DefaultAccess
	if ev.InvoiceStatus == billing.InvoiceStatusPaid && m.State != billing.StateActive &&
		(resumed || !subscriptionEnded(m)) && p.controller.Eligibility(m).Success {
		access, err := p.controller.GrantDefaultAccess(ctx, m.ID)
		if err != nil {
			return err
		}
		granted = &access
	}

	outcome := paidNoChange
	var previous billing.MemberState

	updated, err := p.store.UpdateMember(ctx, m.ID, func(m *billing.Member) error {
		outcome = paidNoChange
		if m.State == billing.StateActive || ev.InvoiceStatus != billing.InvoiceStatusPaid {
			return billing.ErrNoChange
		}
		if m.SubscriptionID != "" && ev.SubscriptionID != "" && m.SubscriptionID != ev.SubscriptionID {
			return billing.ErrNoChange
		}
		if subscriptionEnded(m) {
			if !resumed {
				return billing.ErrNoChange
			}
			m.SubscriptionID = ev.SubscriptionID
		}
		previous = m.State

		if p.controller.Eligibility(m).Success {
			if granted == nil {
				return errAccessNotGranted
			}
			p.setStatus(m, billing.SubscriptionActive)
			p.controller.MarkActive(m)
			outcome = paidActivated
			return nil
		}
		if m.SubscriptionStatus == billing.SubscriptionActive {
			return billing.ErrNoChange
		}
		p.setStatus(m, billing.SubscriptionActive)
		outcome = paidPending
		return nil
	})
	if err != nil && !errors.Is(err, billing.ErrNoChange) {
		return err
	}
	if updated == nil {
		updated = m
	}

	msgs := p.controller.Messages()
	switch outcome {
	case paidActivated:
		p.controller.Notify(ctx, updated, msgs.PaymentActivated())
		p.controller.Activated(ctx, updated, *granted)
	case paidPending:
		p.controller.Notify(ctx, updated, msgs.PaymentPending())
		// New members were told about their application when they signed up.
		if previous != billing.StateNoob {
			p.controller.SendApplicationEmails(ctx, updated)
		}
	default:
		p.logger.Debug("invoice.paid needs no member change",
			billing.F("member_id", updated.ID),
			billing.F("invoice_status", ev.InvoiceStatus),
			billing.F("subscription_id", ev.SubscriptionID),
		)
	}

	if p.createInvoices {
		p.createInvoice(ctx, updated, ev)
	}
	return nil
}

// subscriptionEnded reports whether the member's last subscription was
// deleted and no new one has been recorded.
func subscriptionEnded(m *billing.Member) bool {
	return m.SubscriptionStatus == billing.SubscriptionInactive && m.SubscriptionID == ""
}

// subscriptionLive asks Stripe whether the invoice's subscription is an
// active membership subscription.
func (p *WebhookProcessor) subscriptionLive(ctx context.Context, subscriptionID string) (bool, error) {
	if subscriptionID == "" || p.gateway == nil {
		return false, nil
	}
	sub, err := p.gateway.RetrieveSubscription(ctx, subscriptionID)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to retrieve subscription %s: %w", subscriptionID, err)
	}
	if sub.Status != statusActive {
		return false, nil
	}
	if p.catalog == nil {
		return true, nil
	}
	_, err = p.tierForProducts(ctx, sub.ProductIDs)
	if errors.Is(err, billing.ErrTierNotFound) {
		return false, nil
	}
	return err == nil, err
}

// createInvoice forwards a paid membership invoice for accounting, at most
// once per charge. Failures are reported but do not fail the delivery.
func (p *WebhookProcessor) createInvoice(ctx context.Context, m *billing.Member, ev *billing.WebhookEvent) {
	if ev.InvoiceStatus != billing.InvoiceStatusPaid || ev.SubscriptionID == "" || ev.ChargeID == "" {
		p.logger.Debug("invoice has no paid subscription charge, skipping accounting",
			billing.F("member_id", m.ID),
			billing.F("event_id", ev.ID),
		)
		return
	}

	sub, err := p.gateway.RetrieveSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		p.reporter.Report(ctx, fmt.Errorf("failed to retrieve subscription for invoice: %w", err),
			billing.F("member_id", m.ID), billing.F("subscription_id", ev.SubscriptionID))
		return
	}

	tier, err := p.tierForProducts(ctx, sub.ProductIDs)
	if errors.Is(err, billing.ErrTierNotFound) {
		p.logger.Debug("subscription is not a membership, skipping accounting",
			billing.F("member_id", m.ID),
			billing.F("subscription_id", ev.SubscriptionID),
		)
		return
	}
	if err != nil {
		p.reporter.Report(ctx, err, billing.F("member_id", m.ID))
		return
	}

	key := "invoice:" + ev.ChargeID
	claimed, err := p.claimer.Claim(ctx, key, invoiceClaimTTL)
	if err != nil {
		p.reporter.Report(ctx, fmt.Errorf("failed to claim invoice: %w", err), billing.F("charge_id", ev.ChargeID))
		return
	}
	if !claimed {
		p.logger.Debug("invoice already created for charge", billing.F("charge_id", ev.ChargeID))
		return
	}

	release := func() {
		if err := p.claimer.Release(context.WithoutCancel(ctx), key); err != nil {
			p.logger.Warn("failed to release invoice claim", billing.F("charge_id", ev.ChargeID), billing.F("error", err))
		}
	}

	fees, err := p.gateway.ChargeFees(ctx, ev.ChargeID)
	if err != nil {
		release()
		p.reporter.Report(ctx, fmt.Errorf("failed to retrieve charge fees: %w", err), billing.F("charge_id", ev.ChargeID))
		return
	}

	if err := p.invoices.CreateMembershipInvoice(ctx, m, fees.Amount, fees.Fee); err != nil {
		release()
		p.reporter.Report(ctx, fmt.Errorf("failed to create membership invoice: %w", err),
			billing.F("member_id", m.ID), billing.F("charge_id", ev.ChargeID))
		return
	}

	p.logger.Info("membership invoice created",
		billing.F("member_id", m.ID),
		billing.F("tier_id", tier.ID),
		billing.F("charge_id", ev.ChargeID),
		billing.F("amount", fees.Amount),
		billing.F("fee", fees.Fee),
	)
}

func (p *WebhookProcessor) tierForProducts(ctx context.Context, productIDs []string) (*billing.MemberTier, error) {
	for _, productID := range productIDs {
		tier, err := p.catalog.TierByProductID(ctx, productID)
		if errors.Is(err, billing.ErrTierNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return tier, nil
	}
	return nil, billing.ErrTierNotFound
}

func (p *WebhookProcessor) handlePaymentFailed(ctx context.Context, m *billing.Member, ev *billing.WebhookEvent) {
	if ev.ID != "" {
		claimed, err := p.claimer.Claim(ctx, "payment_failed:"+ev.ID, paymentFailedClaimTTL)
		if err != nil {
			p.logger.Warn("failed to claim payment failure notice", billing.F("event_id", ev.ID), billing.F("error", err))
		} else if !claimed {
			p.logger.Debug("payment failure already notified", billing.F("event_id", ev.ID))
			return
		}
	}
	p.controller.Notify(ctx, m, p.controller.Messages().PaymentFailed())
}
