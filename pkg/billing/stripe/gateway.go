// Package stripe connects membership billing to Stripe: subscription
// creation, card management, webhook processing and reconciliation.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/membermatters/billing/pkg/billing"
	"github.com/membermatters/billing/pkg/billing/internal"
)

const (
	providerName            = "stripe"
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Subscription is the part of a Stripe subscription the portal uses.
// Timestamps are unix seconds, zero when unset.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	CancelAt           int64
	BillingCycleAnchor int64
	StartDate          int64
	CurrentPeriodEnd   int64
	ProductIDs         []string
}

// Customer is a Stripe customer.
type Customer struct {
	ID      string
	Deleted bool
}

// Card is a card payment method.
type Card struct {
	PaymentMethodID string
	Last4           string
	ExpMonth        int64
	ExpYear         int64
}

// Expiry formats the card expiry as MM/YYYY.
func (c *Card) Expiry() string {
	return fmt.Sprintf("%02d/%d", c.ExpMonth, c.ExpYear)
}

// ChargeFees are the gross amount and Stripe fee of a charge, in minor units.
type ChargeFees struct {
	Amount int64
	Fee    int64
}

// CustomerParams are the details used to create a customer.
type CustomerParams struct {
	Email string
	Name  string
	Phone string
}

// Gateway is the set of Stripe operations the portal needs.
type Gateway interface {
	CreateSubscription(ctx context.Context, customerID, priceID string) (*Subscription, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	UpdateCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error)

	CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)
	RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	CreateSetupIntent(ctx context.Context, customerID string) (clientSecret string, err error)
	RetrievePaymentMethod(ctx context.Context, paymentMethodID string) (*Card, error)
	AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) error
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error

	ChargeFees(ctx context.Context, chargeID string) (*ChargeFees, error)
}

// GatewayConfig configures a StripeGateway.
type GatewayConfig struct {
	APIKey string

	// Optional
	Metrics          billing.Metrics
	Logger           billing.Logger
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// StripeGateway implements Gateway with the Stripe API. Calls go through a
// circuit breaker that opens on repeated transient failures.
type StripeGateway struct {
	client  *stripe.Client
	breaker *internal.Breaker
	metrics billing.Metrics
	logger  billing.Logger
}

// NewGateway creates a Stripe gateway. The API key is read once here.
func NewGateway(cfg GatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	breaker := internal.NewBreaker(threshold, cooldown)
	breaker.Counts = IsTransient
	breaker.OnStateChange = func(state internal.BreakerState) {
		logger.Warn("stripe circuit breaker state changed", billing.F("state", string(state)))
	}

	return &StripeGateway{
		client:  stripe.NewClient(apiKey),
		breaker: breaker,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (g *StripeGateway) call(endpoint string, fn func() error) error {
	start := time.Now()
	err := g.breaker.Execute(fn)

	status := "ok"
	if err != nil {
		status = "error"
	}
	g.metrics.RecordAPICall(endpoint, status)
	g.metrics.RecordAPICallDuration(endpoint, time.Since(start))

	if err == nil {
		return nil
	}
	if errors.Is(err, internal.ErrBreakerOpen) || IsTransient(err) {
		return fmt.Errorf("%w: %w", billing.ErrTransient, err)
	}
	return err
}

// CreateSubscription implements Gateway
func (g *StripeGateway) CreateSubscription(ctx context.Context, customerID, priceID string) (*Subscription, error) {
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(priceID)},
		},
	}

	var sub *stripe.Subscription
	err := g.call("/subscriptions/create", func() error {
		var err error
		sub, err = g.client.V1Subscriptions.Create(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertSubscription(sub), nil
}

// RetrieveSubscription implements Gateway
func (g *StripeGateway) RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub *stripe.Subscription
	err := g.call("/subscriptions/retrieve", func() error {
		var err error
		sub, err = g.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertSubscription(sub), nil
}

// UpdateCancelAtPeriodEnd implements Gateway
func (g *StripeGateway) UpdateCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{}
	params.CancelAtPeriodEnd = stripe.Bool(cancel)

	var sub *stripe.Subscription
	err := g.call("/subscriptions/update", func() error {
		var err error
		sub, err = g.client.V1Subscriptions.Update(ctx, subscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertSubscription(sub), nil
}

// CreateCustomer implements Gateway
func (g *StripeGateway) CreateCustomer(ctx context.Context, p CustomerParams) (*Customer, error) {
	params := &stripe.CustomerCreateParams{}
	if p.Email != "" {
		params.Email = stripe.String(p.Email)
	}
	if p.Name != "" {
		params.Name = stripe.String(p.Name)
	}
	if p.Phone != "" {
		params.Phone = stripe.String(p.Phone)
	}

	var cust *stripe.Customer
	err := g.call("/customers/create", func() error {
		var err error
		cust, err = g.client.V1Customers.Create(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Customer{ID: cust.ID, Deleted: cust.Deleted}, nil
}

// RetrieveCustomer implements Gateway
func (g *StripeGateway) RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error) {
	var cust *stripe.Customer
	err := g.call("/customers/retrieve", func() error {
		var err error
		cust, err = g.client.V1Customers.Retrieve(ctx, customerID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Customer{ID: cust.ID, Deleted: cust.Deleted}, nil
}

// SetDefaultPaymentMethod implements Gateway
func (g *StripeGateway) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	params := &stripe.CustomerUpdateParams{
		InvoiceSettings: &stripe.CustomerUpdateInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	return g.call("/customers/update", func() error {
		_, err := g.client.V1Customers.Update(ctx, customerID, params)
		return err
	})
}

// CreateSetupIntent implements Gateway
func (g *StripeGateway) CreateSetupIntent(ctx context.Context, customerID string) (string, error) {
	params := &stripe.SetupIntentCreateParams{Customer: stripe.String(customerID)}

	var intent *stripe.SetupIntent
	err := g.call("/setup_intents/create", func() error {
		var err error
		intent, err = g.client.V1SetupIntents.Create(ctx, params)
		return err
	})
	if err != nil {
		return "", err
	}
	return intent.ClientSecret, nil
}

// RetrievePaymentMethod implements Gateway
func (g *StripeGateway) RetrievePaymentMethod(ctx context.Context, paymentMethodID string) (*Card, error) {
	var pm *stripe.PaymentMethod
	err := g.call("/payment_methods/retrieve", func() error {
		var err error
		pm, err = g.client.V1PaymentMethods.Retrieve(ctx, paymentMethodID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if pm.Card == nil {
		return nil, fmt.Errorf("payment method %s is not a card", paymentMethodID)
	}
	return &Card{
		PaymentMethodID: pm.ID,
		Last4:           pm.Card.Last4,
		ExpMonth:        pm.Card.ExpMonth,
		ExpYear:         pm.Card.ExpYear,
	}, nil
}

// AttachPaymentMethod implements Gateway
func (g *StripeGateway) AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) error {
	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	return g.call("/payment_methods/attach", func() error {
		_, err := g.client.V1PaymentMethods.Attach(ctx, paymentMethodID, params)
		return err
	})
}

// DetachPaymentMethod implements Gateway
func (g *StripeGateway) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	return g.call("/payment_methods/detach", func() error {
		_, err := g.client.V1PaymentMethods.Detach(ctx, paymentMethodID, nil)
		return err
	})
}

// ChargeFees implements Gateway
func (g *StripeGateway) ChargeFees(ctx context.Context, chargeID string) (*ChargeFees, error) {
	params := &stripe.ChargeRetrieveParams{}
	params.AddExpand("balance_transaction")

	var charge *stripe.Charge
	err := g.call("/charges/retrieve", func() error {
		var err error
		charge, err = g.client.V1Charges.Retrieve(ctx, chargeID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	if charge.BalanceTransaction == nil {
		return nil, fmt.Errorf("charge %s has no balance transaction", chargeID)
	}
	return &ChargeFees{
		Amount: charge.BalanceTransaction.Amount,
		Fee:    charge.BalanceTransaction.Fee,
	}, nil
}

func convertSubscription(sub *stripe.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	out := &Subscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CancelAt:           sub.CancelAt,
		BillingCycleAnchor: sub.BillingCycleAnchor,
		StartDate:          sub.StartDate,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items == nil {
		return out
	}
	for _, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		if item.CurrentPeriodEnd > out.CurrentPeriodEnd {
			out.CurrentPeriodEnd = item.CurrentPeriodEnd
		}
		if item.Price != nil && item.Price.Product != nil && item.Price.Product.ID != "" {
			out.ProductIDs = append(out.ProductIDs, item.Price.Product.ID)
		}
	}
	return out
}
