package billing

import "time"

// SubscriptionStatus is the member's billing status as tracked by the portal.
type SubscriptionStatus string

const (
	SubscriptionNone       SubscriptionStatus = "none"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionCancelling SubscriptionStatus = "cancelling"
	SubscriptionInactive   SubscriptionStatus = "inactive"
)

// MemberState is the member lifecycle state. It is independent of
// SubscriptionStatus: a member can be paying without being active.
type MemberState string

const (
	StateNoob      MemberState = "noob"
	StateApplicant MemberState = "applicant"
	StateActive    MemberState = "active"
	StateInactive  MemberState = "inactive"
	// StateAccountOnly is a portal account that skipped the membership signup.
	StateAccountOnly MemberState = "accountonly"
)

// Member is a portal member and the billing fields it owns.
type Member struct {
	ID       string
	Email    string
	FullName string
	Phone    string

	// ProviderCustomerID is the Stripe customer id, set on first card setup.
	ProviderCustomerID string
	PaymentMethodID    string
	CardLastDigits     string
	CardExpiry         string

	// SubscriptionID is the Stripe subscription id.
	SubscriptionID string
	// MembershipPlanID references a PaymentPlan. Empty means no billing plan.
	MembershipPlanID   string
	SubscriptionStatus SubscriptionStatus
	State              MemberState

	LastInductionDate *time.Time
	AccessCard        string
	AccessEnabled     bool

	UpdatedAt time.Time
}

// HasPlan reports whether the member currently holds a membership plan.
func (m *Member) HasPlan() bool {
	return m.MembershipPlanID != ""
}

// PaymentPlan is a priced plan members can subscribe to.
type PaymentPlan struct {
	ID              string
	Name            string
	ProviderPriceID string
	TierID          string
	Visible         bool
	Cost            int64
	Currency        string
	Interval        string
}

// MemberTier groups payment plans for display at signup.
type MemberTier struct {
	ID                string
	Name              string
	Description       string
	ProviderProductID string
	Visible           bool
	Featured          bool
	Plans             []PaymentPlan
}

// Door is an access-controlled door.
type Door struct {
	ID         string
	Name       string
	AllMembers bool
}

// Interlock is an access-controlled machine interlock.
type Interlock struct {
	ID         string
	Name       string
	AllMembers bool
}

// Notification is an email-style message for a member or the admins.
type Notification struct {
	// Template selects a rendering template on the mail side, e.g. "welcome".
	Template  string
	Subject   string
	Title     string
	Preheader string
	Message   string
}

// AuditEvent is an entry in a member's event log.
type AuditEvent struct {
	ID          string
	MemberID    string
	Kind        string
	Description string
	Data        map[string]interface{}
	CreatedAt   time.Time
}
