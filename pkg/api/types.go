package api

import (
	billingstripe "github.com/membermatters/billing/pkg/billing/stripe"
)

// TierResponse is a visible membership tier and its visible plans
type TierResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Featured    bool           `json:"featured"`
	Plans       []PlanResponse `json:"plans"`
}

// PlanResponse is a payment plan. Cost is in the currency's minor unit.
type PlanResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Cost     int64  `json:"cost"`
	Currency string `json:"currency"`
	Interval string `json:"interval"`
}

// ActionResponse is the body of most member actions
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// FailureResponse always carries the message key, null when there is none
type FailureResponse struct {
	Success bool    `json:"success"`
	Message *string `json:"message"`
}

// SetupIntentResponse carries the client secret the frontend confirms the card with
type SetupIntentResponse struct {
	ClientSecret string `json:"clientSecret"`
}

// SubscriptionResponse is the body of GET /subscription
type SubscriptionResponse struct {
	Success      bool                            `json:"success"`
	Subscription *billingstripe.SubscriptionInfo `json:"subscription,omitempty"`
}

type saveCardRequest struct {
	PaymentMethodID string `json:"paymentMethodId" validate:"required,startswith=pm_,max=255"`
}

type accessCardRequest struct {
	AccessCard string `json:"accessCard" validate:"required,max=64"`
}
