package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/membermatters/billing/pkg/billing"
	"github.com/membermatters/billing/pkg/config"
	"github.com/membermatters/billing/storage/memory"
)

const testWebhookSecret = "whsec_cmd_test"

const testSeed = `
tiers:
  - id: tier_full
    name: Full member
    stripe_product_id: prod_full
    visible: true
    plans:
      - id: plan_monthly
        name: Monthly
        stripe_price_id: price_monthly
        visible: true
        cost: 5000
        currency: aud
        interval: month
      - id: plan_secret
        name: Staff
        stripe_price_id: price_staff
        cost: 0
        currency: aud
        interval: month
  - id: tier_hidden
    name: Hidden
doors:
  - id: front
    name: Front door
    all_members: true
interlocks:
  - id: laser
    name: Laser cutter
members:
  - id: m1
    email: m1@example.com
    full_name: Ada Lovelace
    access_card: "0001"
    inducted: 2026-01-02
`

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:              config.EnvTest,
		HTTPAddr:            ":0",
		RequestTimeout:      5 * time.Second,
		LogLevel:            "error",
		AMQPExchange:        "membership.events",
		StripeSecretKey:     "sk_test_cmd",
		StripeWebhookSecret: testWebhookSecret,
		WebhookRateLimit:    100,
		SiteName:            "Test Space",
		SiteOwner:           "Test Space Inc",
		MetricsNamespace:    "memberbilling_test",
	}
}

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.seedFromFile(context.Background(), writeSeed(t, testSeed)))
	return a
}

func TestNewApp_DefaultsToInMemoryBackends(t *testing.T) {
	a := newTestApp(t)

	_, isMemory := a.store.(*memory.Storage)
	assert.True(t, isMemory)
	assert.Same(t, a.store, a.claimer)
	assert.NoError(t, a.Ping(context.Background()))
}

func TestApplySeed(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	tiers, err := a.store.ListVisibleTiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.Equal(t, "prod_full", tiers[0].ProviderProductID)
	require.Len(t, tiers[0].Plans, 1)
	assert.Equal(t, "price_monthly", tiers[0].Plans[0].ProviderPriceID)

	plan, err := a.store.GetPlan(ctx, "plan_secret")
	require.NoError(t, err)
	assert.Equal(t, "tier_full", plan.TierID)

	doors, err := a.store.DefaultDoors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []billing.Door{{ID: "front", Name: "Front door", AllMembers: true}}, doors)

	interlocks, err := a.store.DefaultInterlocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, interlocks)

	m, err := a.store.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "0001", m.AccessCard)
	require.NotNil(t, m.LastInductionDate)
	assert.Equal(t, "2026-01-02", m.LastInductionDate.Format(time.DateOnly))
	assert.Equal(t, billing.StateNoob, m.State)
}

func TestReadSeed_Errors(t *testing.T) {
	_, err := readSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = readSeed(writeSeed(t, "tiers: [unclosed"))
	assert.Error(t, err)

	a, err := newApp(context.Background(), testConfig())
	require.NoError(t, err)
	defer a.Close() //nolint:errcheck // test
	bad := writeSeed(t, "members:\n  - id: m2\n    inducted: yesterday\n")
	assert.Error(t, a.seedFromFile(context.Background(), bad))
}

func TestRouter(t *testing.T) {
	a := newTestApp(t)
	handler, err := a.router("X-Member-ID")
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		member   string
		want     int
		contains string
	}{
		{"health", "/healthz", "", http.StatusOK, `"ok"`},
		{"metrics", "/metrics", "", http.StatusOK, "go_goroutines"},
		{"member routes require a member", "/api/billing/tiers", "", http.StatusUnauthorized, "error.notAuthenticated"},
		{"tiers", "/api/billing/tiers", "m1", http.StatusOK, "plan_monthly"},
		{"can signup", "/api/billing/can-signup", "m1", http.StatusOK, "success"},
		{"unknown route", "/api/billing/nope", "m1", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.member != "" {
				req.Header.Set("X-Member-ID", tt.member)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.contains != "" {
				assert.Contains(t, rec.Body.String(), tt.contains)
			}
		})
	}
}

func TestRouter_SignupActions(t *testing.T) {
	a := newTestApp(t)
	handler, err := a.router("X-Member-ID")
	require.NoError(t, err)

	post := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-Member-ID", "m1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post("/api/billing/check-induction")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"score":0,"notRequired":true}`, rec.Body.String())

	rec = post("/api/billing/skip-signup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	m, err := a.store.GetMember(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, billing.StateAccountOnly, m.State)
}

func TestNewInductionChecker(t *testing.T) {
	checker, err := newInductionChecker(testConfig())
	require.NoError(t, err)
	assert.Nil(t, checker)

	cfg := testConfig()
	cfg.CanvasAPIURL = "https://canvas.example.com"
	cfg.CanvasAPIToken = "token"
	cfg.InductionCourseID = "42"
	checker, err = newInductionChecker(cfg)
	require.NoError(t, err)
	assert.NotNil(t, checker)

	cfg.CanvasAPIToken = ""
	_, err = newInductionChecker(cfg)
	assert.Error(t, err)
}

func TestRouter_WebhookEndsSubscription(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	_, err := a.store.UpdateMember(ctx, "m1", func(m *billing.Member) error {
		m.ProviderCustomerID = "cus_1"
		m.SubscriptionID = "sub_1"
		m.MembershipPlanID = "plan_monthly"
		m.SubscriptionStatus = billing.SubscriptionActive
		m.State = billing.StateActive
		m.AccessEnabled = true
		return nil
	})
	require.NoError(t, err)

	handler, err := a.router("X-Member-ID")
	require.NoError(t, err)

	payload := fmt.Sprintf(`{"id":"evt_1","type":"customer.subscription.deleted","data":{"object":{
		"id":%q,"object":"subscription","customer":%q,"status":"canceled"}}}`, "sub_1", "cus_1")
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload),
		Secret:  testWebhookSecret,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	m, err := a.store.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, billing.StateInactive, m.State)
	assert.Equal(t, billing.SubscriptionInactive, m.SubscriptionStatus)
	assert.Empty(t, m.SubscriptionID)
	assert.False(t, m.AccessEnabled)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `memberbilling_test_billing_webhook_events_total{event_type="customer.subscription.deleted",status="success"} 1`)
}

func TestRouter_BadSignatureRejected(t *testing.T) {
	a := newTestApp(t)
	handler, err := a.router("X-Member-ID")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "reconcile", "seed"})

	migrate, _, err := root.Find([]string{"migrate", "status"})
	require.NoError(t, err)
	assert.Equal(t, "status", migrate.Name())
}

func TestRequireDatabase(t *testing.T) {
	_, err := requireDatabase(testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.DatabaseURL = "postgres://localhost/db"
	url, err := requireDatabase(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.DatabaseURL, url)
}
