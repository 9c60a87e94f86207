package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/membermatters/billing/pkg/billing"
	"github.com/membermatters/billing/pkg/membership"
	"github.com/membermatters/billing/pkg/notify"
	"github.com/membermatters/billing/storage/memory"
)

var testMessages = membership.Messages{SiteName: "member portal", SiteOwner: "Example Makerspace"}

type fixture struct {
	store      *memory.Storage
	notifier   *notify.Memory
	gateway    *fakeGateway
	controller *membership.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	store.PutDoor(billing.Door{ID: "front", AllMembers: true})
	store.PutDoor(billing.Door{ID: "office"})
	store.PutInterlock(billing.Interlock{ID: "laser", AllMembers: true})
	store.PutTier(billing.MemberTier{
		ID: "tier_full", Name: "Full member", ProviderProductID: "prod_full", Visible: true,
		Plans: []billing.PaymentPlan{{ID: "plan_monthly", ProviderPriceID: "price_monthly", Visible: true, Cost: 5000}},
	})

	f := &fixture{store: store, notifier: &notify.Memory{}, gateway: newFakeGateway()}
	f.useAccess(t, store)
	return f
}

// useAccess rebuilds the fixture's controller around an access control.
func (f *fixture) useAccess(t *testing.T, access billing.AccessControl) {
	t.Helper()
	controller, err := membership.NewController(membership.Config{
		Store:    f.store,
		Access:   access,
		Notifier: f.notifier,
		Audit:    f.store,
		Eligibility: billing.NewEligibilityEvaluator(billing.EligibilityRules{
			RequireInduction:  true,
			RequireAccessCard: true,
		}),
		Messages: testMessages,
	})
	require.NoError(t, err)
	f.controller = controller
}

// eligibleMember returns a member that meets every signup requirement.
func eligibleMember(id, customerID string) *billing.Member {
	inducted := time.Now().Add(-24 * time.Hour)
	return &billing.Member{
		ID:                 id,
		FullName:           "Ada Lovelace",
		Email:              id + "@example.com",
		ProviderCustomerID: customerID,
		PaymentMethodID:    "pm_1",
		LastInductionDate:  &inducted,
		AccessCard:         "0012345",
		State:              billing.StateNoob,
		SubscriptionStatus: billing.SubscriptionNone,
	}
}
