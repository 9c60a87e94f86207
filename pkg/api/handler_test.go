package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/membermatters/billing/pkg/billing"
	billingstripe "github.com/membermatters/billing/pkg/billing/stripe"
	"github.com/membermatters/billing/pkg/membership"
	"github.com/membermatters/billing/storage/memory"
)

const (
	testMemberID = "member-1"
	memberHeader = "X-Member-ID"
)

type fakeMembers struct {
	eligibility  billing.Eligibility
	complete     membership.CompleteSignupResult
	completeErr  error
	cards        map[string]string
	cardErr      error
	induction    membership.InductionResult
	inductionErr error
	skipped      []string
	skipErr      error
}

func (f *fakeMembers) CanSignup(_ context.Context, _ string) (billing.Eligibility, error) {
	return f.eligibility, nil
}

func (f *fakeMembers) CompleteSignup(_ context.Context, _ string) (membership.CompleteSignupResult, error) {
	return f.complete, f.completeErr
}

func (f *fakeMembers) AssignAccessCard(_ context.Context, memberID, card string) error {
	if f.cardErr != nil {
		return f.cardErr
	}
	if f.cards == nil {
		f.cards = make(map[string]string)
	}
	f.cards[memberID] = card
	return nil
}

func (f *fakeMembers) CheckInduction(_ context.Context, _ string) (membership.InductionResult, error) {
	return f.induction, f.inductionErr
}

func (f *fakeMembers) SkipSignup(_ context.Context, memberID string) error {
	if f.skipErr != nil {
		return f.skipErr
	}
	f.skipped = append(f.skipped, memberID)
	return nil
}

type fakeSubscriptions struct {
	result    billingstripe.SignupResult
	err       error
	plans     []string
	resumed   []bool
	resumeOK  bool
	resumeErr error
	info      *billingstripe.SubscriptionInfo
}

func (f *fakeSubscriptions) CreateSubscription(_ context.Context, _, planID string) (billingstripe.SignupResult, error) {
	f.plans = append(f.plans, planID)
	return f.result, f.err
}

func (f *fakeSubscriptions) ResumeOrCancel(_ context.Context, _ string, resume bool) (bool, error) {
	f.resumed = append(f.resumed, resume)
	return f.resumeOK, f.resumeErr
}

func (f *fakeSubscriptions) Info(_ context.Context, _ string) (*billingstripe.SubscriptionInfo, error) {
	return f.info, nil
}

type fakeCards struct {
	secret  string
	err     error
	saved   []string
	removed int
}

func (f *fakeCards) SetupIntent(_ context.Context, _ string) (string, error) {
	return f.secret, f.err
}

func (f *fakeCards) SaveCard(_ context.Context, _, paymentMethodID string) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, paymentMethodID)
	return nil
}

func (f *fakeCards) RemoveCard(_ context.Context, _ string) error {
	f.removed++
	return f.err
}

type testHandler struct {
	members       *fakeMembers
	subscriptions *fakeSubscriptions
	cards         *fakeCards
	catalog       *memory.Storage
	router        http.Handler
}

func newTestHandler(t *testing.T) *testHandler {
	t.Helper()

	th := &testHandler{
		members:       &fakeMembers{},
		subscriptions: &fakeSubscriptions{},
		cards:         &fakeCards{},
		catalog:       memory.New(),
	}
	h, err := NewHandler(Config{
		Members:       th.members,
		Subscriptions: th.subscriptions,
		Cards:         th.cards,
		Catalog:       th.catalog,
		GetMemberID:   FromHeader(memberHeader),
		Webhook: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})
	require.NoError(t, err)
	th.router = h.Routes()
	return th
}

func (th *testHandler) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(memberHeader, testMemberID)
	w := httptest.NewRecorder()
	th.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)

	_, err = NewHandler(Config{
		Members:       &fakeMembers{},
		Subscriptions: &fakeSubscriptions{},
		Cards:         &fakeCards{},
		Catalog:       memory.New(),
	})
	assert.ErrorContains(t, err, "getMemberID")
}

func TestHandler_RequiresMember(t *testing.T) {
	th := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/tiers", nil)
	w := httptest.NewRecorder()
	th.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, messageNotAuthenticated, decodeBody(t, w)["message"])

	req = httptest.NewRequest(http.MethodGet, "/tiers", nil)
	req.Header.Set(memberHeader, strings.Repeat("x", maxMemberIDLen+1))
	w = httptest.NewRecorder()
	th.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_WebhookIsNotBehindMemberAuth(t *testing.T) {
	th := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	th.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestHandler_ListTiers(t *testing.T) {
	th := newTestHandler(t)
	th.catalog.PutTier(billing.MemberTier{
		ID: "tier_full", Name: "Full", Visible: true, Featured: true,
		Plans: []billing.PaymentPlan{
			{ID: "plan_monthly", Name: "Monthly", Cost: 5000, Currency: "aud", Interval: "month", Visible: true},
			{ID: "plan_hidden", Visible: false},
		},
	})
	th.catalog.PutTier(billing.MemberTier{ID: "tier_hidden", Visible: false})

	w := th.do(http.MethodGet, "/tiers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var tiers []TierResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tiers))
	require.Len(t, tiers, 1)
	assert.Equal(t, "tier_full", tiers[0].ID)
	assert.True(t, tiers[0].Featured)
	assert.Equal(t, []PlanResponse{{ID: "plan_monthly", Name: "Monthly", Cost: 5000, Currency: "aud", Interval: "month"}}, tiers[0].Plans)
}

func TestHandler_Card(t *testing.T) {
	th := newTestHandler(t)
	th.cards.secret = "seti_123_secret"

	w := th.do(http.MethodGet, "/card", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "seti_123_secret", decodeBody(t, w)["clientSecret"])

	w = th.do(http.MethodPost, "/card", `{"paymentMethodId":" pm_123 "}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"pm_123"}, th.cards.saved)

	w = th.do(http.MethodDelete, "/card", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, th.cards.removed)
}

func TestHandler_SaveCardValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"paymentMethodId":`},
		{name: "missing id", body: `{}`},
		{name: "blank id", body: `{"paymentMethodId":"   "}`},
		{name: "not a payment method", body: `{"paymentMethodId":"card_123"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHandler(t)
			w := th.do(http.MethodPost, "/card", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, messageInvalidRequest, decodeBody(t, w)["message"])
			assert.Empty(t, th.cards.saved)
		})
	}
}

func TestHandler_Signup(t *testing.T) {
	envErr := &stripe.Error{
		Code: stripe.ErrorCodeResourceMissing,
		Msg:  "No such customer: 'cus_1'; a similar object exists in live mode, but a test mode key was used to make this request.",
	}

	tests := []struct {
		name        string
		result      billingstripe.SignupResult
		err         error
		wantStatus  int
		wantSuccess bool
		wantMessage interface{}
	}{
		{
			name:        "active",
			result:      billingstripe.SignupResult{Outcome: billingstripe.OutcomeActive},
			wantStatus:  http.StatusOK,
			wantSuccess: true,
			wantMessage: nil,
		},
		{
			name:        "incomplete keeps success",
			result:      billingstripe.SignupResult{Outcome: billingstripe.OutcomeIncomplete},
			wantStatus:  http.StatusOK,
			wantSuccess: true,
			wantMessage: messageSubscriptionFailed,
		},
		{
			name:        "other status",
			result:      billingstripe.SignupResult{Outcome: billingstripe.OutcomeFailed},
			wantStatus:  http.StatusOK,
			wantSuccess: false,
			wantMessage: messageSubscriptionFailed,
		},
		{
			name:        "existing plan",
			err:         billing.ErrExistingPlan,
			wantStatus:  http.StatusConflict,
			wantMessage: "signup.existingPlan",
		},
		{
			name:        "signup in progress",
			err:         billing.ErrSignupInProgress,
			wantStatus:  http.StatusConflict,
			wantMessage: "signup.inProgress",
		},
		{
			name:        "no customer",
			err:         billing.ErrNoCustomer,
			wantStatus:  http.StatusBadRequest,
			wantMessage: "signup.noPaymentMethod",
		},
		{
			name:        "unknown plan",
			err:         fmt.Errorf("lookup: %w", billing.ErrPlanNotFound),
			wantStatus:  http.StatusNotFound,
			wantMessage: messagePlanNotFound,
		},
		{
			name:        "retries exhausted",
			err:         &billingstripe.SignupError{Reason: billingstripe.ReasonRetriesExhausted, Attempts: 3, Err: errors.New("missing default")},
			wantStatus:  http.StatusInternalServerError,
			wantMessage: nil,
		},
		{
			name: "environment mismatch",
			err: &billingstripe.SignupError{Reason: billingstripe.ReasonEnvironmentMismatch, Attempts: 1,
				Err: fmt.Errorf("%w: %w", billing.ErrConfiguration, envErr)},
			wantStatus:  http.StatusInternalServerError,
			wantMessage: envErr.Msg,
		},
		{
			name:        "provider unavailable",
			err:         &billingstripe.SignupError{Reason: billingstripe.ReasonProvider, Err: fmt.Errorf("%w: timeout", billing.ErrTransient)},
			wantStatus:  http.StatusServiceUnavailable,
			wantMessage: messageProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHandler(t)
			th.subscriptions.result = tt.result
			th.subscriptions.err = tt.err

			w := th.do(http.MethodPost, "/plans/plan_monthly/signup", "")
			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeBody(t, w)
			assert.Equal(t, tt.wantSuccess, body["success"])
			assert.Equal(t, tt.wantMessage, body["message"])
			assert.Equal(t, []string{"plan_monthly"}, th.subscriptions.plans)
		})
	}
}

func TestHandler_Signup_NullMessageIsPresent(t *testing.T) {
	th := newTestHandler(t)
	th.subscriptions.err = &billingstripe.SignupError{Reason: billingstripe.ReasonProvider, Err: errors.New("card declined")}

	w := th.do(http.MethodPost, "/plans/plan_monthly/signup", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"success":false,"message":null}`, w.Body.String())
}

func TestHandler_Subscription(t *testing.T) {
	th := newTestHandler(t)

	w := th.do(http.MethodGet, "/subscription", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":false}`, w.Body.String())

	th.subscriptions.info = &billingstripe.SubscriptionInfo{
		BillingCycleAnchor: 1700000000,
		CurrentPeriodEnd:   1702592000,
		CancelAtPeriodEnd:  true,
		StartDate:          1700000000,
	}
	w = th.do(http.MethodGet, "/subscription", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	sub := body["subscription"].(map[string]interface{})
	assert.Equal(t, true, sub["cancelAtPeriodEnd"])
	assert.EqualValues(t, 1702592000, sub["currentPeriodEnd"])
}

func TestHandler_ResumeOrCancel(t *testing.T) {
	th := newTestHandler(t)
	th.subscriptions.resumeOK = true

	w := th.do(http.MethodPost, "/subscription/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	w = th.do(http.MethodPost, "/subscription/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []bool{false, true}, th.subscriptions.resumed)

	w = th.do(http.MethodPost, "/subscription/pause", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, th.subscriptions.resumed, 2)

	th.subscriptions.resumeErr = billing.ErrPlanNotExists
	w = th.do(http.MethodPost, "/subscription/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "paymentPlan.notExists", decodeBody(t, w)["message"])
}

func TestHandler_CanSignup(t *testing.T) {
	th := newTestHandler(t)
	th.members.eligibility = billing.Eligibility{Success: false, RequiredSteps: []string{billing.StepInduction}}

	w := th.do(http.MethodGet, "/can-signup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":false,"requiredSteps":["induction"]}`, w.Body.String())
}

func TestHandler_CompleteSignup(t *testing.T) {
	th := newTestHandler(t)

	th.members.complete = membership.CompleteSignupResult{
		Success: false,
		Message: membership.MessageRequirementsNotMet,
		Items:   []string{billing.StepAccessCard},
	}
	w := th.do(http.MethodPost, "/complete-signup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"signup.requirementsNotMet","items":["accessCard"]}`, w.Body.String())

	th.members.complete = membership.CompleteSignupResult{}
	th.members.completeErr = billing.ErrExistingMember
	w = th.do(http.MethodPost, "/complete-signup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"signup.existingMember"}`, w.Body.String())

	th.members.completeErr = errors.New("database is down")
	w = th.do(http.MethodPost, "/complete-signup", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "database")
}

func TestHandler_AssignAccessCard(t *testing.T) {
	th := newTestHandler(t)

	w := th.do(http.MethodPost, "/access-card", `{"accessCard":" 0012345 "}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0012345", th.members.cards[testMemberID])

	w = th.do(http.MethodPost, "/access-card", `{"accessCard":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	th.members.cardErr = billing.ErrMemberNotFound
	w = th.do(http.MethodPost, "/access-card", `{"accessCard":"0099"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CheckInduction(t *testing.T) {
	tests := []struct {
		name       string
		result     membership.InductionResult
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "passed",
			result:     membership.InductionResult{Success: true, Score: 100},
			wantStatus: http.StatusOK,
			wantBody:   `{"success":true,"score":100}`,
		},
		{
			name:       "not required",
			result:     membership.InductionResult{Success: true, NotRequired: true},
			wantStatus: http.StatusOK,
			wantBody:   `{"success":true,"score":0,"notRequired":true}`,
		},
		{
			name:       "below minimum",
			result:     membership.InductionResult{Score: 42.5},
			wantStatus: http.StatusOK,
			wantBody:   `{"success":false,"score":42.5}`,
		},
		{
			name:       "checker not configured",
			err:        membership.ErrInductionUnavailable,
			wantStatus: http.StatusOK,
			wantBody:   `{"success":false,"score":0}`,
		},
		{
			name:       "course provider down",
			err:        fmt.Errorf("failed to score induction: %w", billing.ErrTransient),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"success":false,"message":"error.providerUnavailable"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHandler(t)
			th.members.induction = tt.result
			th.members.inductionErr = tt.err

			w := th.do(http.MethodPost, "/check-induction", "")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestHandler_SkipSignup(t *testing.T) {
	th := newTestHandler(t)

	w := th.do(http.MethodPost, "/skip-signup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())
	assert.Equal(t, []string{testMemberID}, th.members.skipped)

	th.members.skipErr = billing.ErrExistingMember
	w = th.do(http.MethodPost, "/skip-signup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"signup.existingMember"}`, w.Body.String())
}

func TestHandler_OnError(t *testing.T) {
	var got error
	h, err := NewHandler(Config{
		Members:       &fakeMembers{},
		Subscriptions: &fakeSubscriptions{err: billing.ErrExistingPlan},
		Cards:         &fakeCards{},
		Catalog:       memory.New(),
		GetMemberID:   FromHeader(memberHeader),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/plans/p1/signup", nil)
	req.Header.Set(memberHeader, testMemberID)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.ErrorIs(t, got, billing.ErrExistingPlan)
}

func TestFromContext(t *testing.T) {
	type ctxKey struct{}
	get := FromContext(ctxKey{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, get(req))

	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testMemberID))
	assert.Equal(t, testMemberID, get(req))
}
