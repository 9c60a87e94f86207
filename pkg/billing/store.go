package billing

import (
	"context"
	"time"
)

// MemberStore persists members. Implementations must serialize UpdateMember
// per member (row lock or mutex) so concurrent webhook deliveries observe
// each other's writes.
type MemberStore interface {
	GetMember(ctx context.Context, id string) (*Member, error)

	// GetMemberByCustomerID returns ErrMemberNotFound when no member has the id.
	GetMemberByCustomerID(ctx context.Context, customerID string) (*Member, error)

	// UpdateMember loads the member under its serialization point, applies fn
	// to a copy and persists the result. If fn returns ErrNoChange nothing is
	// written and the current member is returned with ErrNoChange. Any other
	// error aborts without writing.
	UpdateMember(ctx context.Context, id string, fn func(*Member) error) (*Member, error)

	// ListSubscribedMembers returns members holding a subscription id.
	ListSubscribedMembers(ctx context.Context) ([]*Member, error)
}

// Catalog is the read-only plan and tier catalog.
type Catalog interface {
	GetPlan(ctx context.Context, id string) (*PaymentPlan, error)
	ListVisibleTiers(ctx context.Context) ([]MemberTier, error)

	// TierByProductID returns ErrTierNotFound when no tier has the product.
	TierByProductID(ctx context.Context, productID string) (*MemberTier, error)
}

// AccessControl is the door and interlock subsystem. Grants are idempotent
// and only open anything while the member's AccessEnabled flag is set, which
// changes together with the member state through MemberStore.UpdateMember.
type AccessControl interface {
	DefaultDoors(ctx context.Context) ([]Door, error)
	DefaultInterlocks(ctx context.Context) ([]Interlock, error)
	GrantDoor(ctx context.Context, memberID, doorID string) error
	GrantInterlock(ctx context.Context, memberID, interlockID string) error
}

// InductionChecker scores a member's induction course. The score is a
// percentage; a member who has not attempted the course scores zero.
type InductionChecker interface {
	InductionScore(ctx context.Context, m *Member) (float64, error)
}

// Claimer hands out short-lived exclusive claims on keys. It backs
// de-duplication of side effects that have no member state to compare
// against (invoices, failure notices) and the per-member signup lock.
type Claimer interface {
	// Claim returns false if the key is already claimed.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// AuditLog records member billing events.
type AuditLog interface {
	Record(ctx context.Context, event AuditEvent) error
}

// Notifier delivers member and admin notifications.
type Notifier interface {
	NotifyMember(ctx context.Context, member *Member, n Notification) error
	NotifyAdmins(ctx context.Context, n Notification) error
}

// InvoiceGenerator creates accounting invoices for membership payments.
// Amounts are in the currency's minor unit.
type InvoiceGenerator interface {
	CreateMembershipInvoice(ctx context.Context, member *Member, amount, fee int64) error
}
