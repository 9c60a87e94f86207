package stripe

import (
	"context"
	"fmt"
	"sync"

	"github.com/stripe/stripe-go/v83"
)

type createResult struct {
	sub *Subscription
	err error
}

// fakeGateway is an in-memory Gateway. CreateSubscription answers from
// createResults in order, repeating the last entry.
type fakeGateway struct {
	mu sync.Mutex

	createResults  []createResult
	createCalls    int
	defaultPMCalls []string
	defaultPMErr   error

	subscriptions   map[string]*Subscription
	retrieveSubErr  error
	retrieveSubCall int
	updateErr       error

	customers        map[string]*Customer
	retrieveCustErr  error
	createdCustomers []CustomerParams
	setupIntents     []string

	cards    map[string]*Card
	attached map[string]string
	detached []string

	fees     map[string]*ChargeFees
	feesErr  error
	feeCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		subscriptions: make(map[string]*Subscription),
		customers:     make(map[string]*Customer),
		cards:         make(map[string]*Card),
		attached:      make(map[string]string),
		fees:          make(map[string]*ChargeFees),
	}
}

func missingDefaultPaymentMethodErr() error {
	return &stripe.Error{
		Code:           stripe.ErrorCodeResourceMissing,
		HTTPStatusCode: 400,
		Msg:            "This customer has no attached payment source or default payment method.",
	}
}

func environmentMismatchErr() error {
	return &stripe.Error{
		Code:           stripe.ErrorCodeResourceMissing,
		HTTPStatusCode: 400,
		Msg:            "No such customer: 'cus_1'; a similar object exists in live mode, but a test mode key was used to make this request.",
	}
}

func notFoundErr() error {
	return &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: 404, Msg: "No such object"}
}

func (f *fakeGateway) CreateSubscription(_ context.Context, customerID, priceID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if len(f.createResults) == 0 {
		sub := &Subscription{ID: fmt.Sprintf("sub_%d", f.createCalls), CustomerID: customerID, Status: statusActive}
		f.subscriptions[sub.ID] = sub
		return sub, nil
	}
	i := f.createCalls - 1
	if i >= len(f.createResults) {
		i = len(f.createResults) - 1
	}
	r := f.createResults[i]
	if r.sub != nil {
		f.subscriptions[r.sub.ID] = r.sub
	}
	return r.sub, r.err
}

func (f *fakeGateway) RetrieveSubscription(_ context.Context, subscriptionID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.retrieveSubCall++
	if f.retrieveSubErr != nil {
		return nil, f.retrieveSubErr
	}
	sub, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, notFoundErr()
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeGateway) UpdateCancelAtPeriodEnd(_ context.Context, subscriptionID string, cancel bool) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return nil, f.updateErr
	}
	sub, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, notFoundErr()
	}
	sub.CancelAtPeriodEnd = cancel
	cp := *sub
	return &cp, nil
}

func (f *fakeGateway) CreateCustomer(_ context.Context, params CustomerParams) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createdCustomers = append(f.createdCustomers, params)
	c := &Customer{ID: fmt.Sprintf("cus_new_%d", len(f.createdCustomers))}
	f.customers[c.ID] = c
	return c, nil
}

func (f *fakeGateway) RetrieveCustomer(_ context.Context, customerID string) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.retrieveCustErr != nil {
		return nil, f.retrieveCustErr
	}
	c, ok := f.customers[customerID]
	if !ok {
		return nil, notFoundErr()
	}
	cp := *c
	return &cp, nil
}

func (f *fakeGateway) SetDefaultPaymentMethod(_ context.Context, customerID, paymentMethodID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.defaultPMCalls = append(f.defaultPMCalls, customerID+"/"+paymentMethodID)
	return f.defaultPMErr
}

func (f *fakeGateway) CreateSetupIntent(_ context.Context, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.setupIntents = append(f.setupIntents, customerID)
	return "seti_secret_" + customerID, nil
}

func (f *fakeGateway) RetrievePaymentMethod(_ context.Context, paymentMethodID string) (*Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.cards[paymentMethodID]
	if !ok {
		return nil, notFoundErr()
	}
	cp := *c
	return &cp, nil
}

func (f *fakeGateway) AttachPaymentMethod(_ context.Context, paymentMethodID, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attached[paymentMethodID] = customerID
	return nil
}

func (f *fakeGateway) DetachPaymentMethod(_ context.Context, paymentMethodID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.detached = append(f.detached, paymentMethodID)
	return nil
}

func (f *fakeGateway) ChargeFees(_ context.Context, chargeID string) (*ChargeFees, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.feeCalls++
	if f.feesErr != nil {
		return nil, f.feesErr
	}
	fees, ok := f.fees[chargeID]
	if !ok {
		return nil, notFoundErr()
	}
	cp := *fees
	return &cp, nil
}

func (f *fakeGateway) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}
