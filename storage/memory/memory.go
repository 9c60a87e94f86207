// Package memory provides in-memory implementations of the billing storage
// interfaces. It is intended for tests and local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/membermatters/billing/pkg/billing"
)

// Storage implements billing.MemberStore, billing.Catalog,
// billing.AccessControl, billing.Claimer and billing.AuditLog using maps.
type Storage struct {
	mu sync.RWMutex

	members    map[string]*billing.Member
	tiers      map[string]*billing.MemberTier
	plans      map[string]*billing.PaymentPlan
	doors      map[string]billing.Door
	interlocks map[string]billing.Interlock

	doorGrants      map[string]map[string]bool
	interlockGrants map[string]map[string]bool

	claims map[string]time.Time
	audit  []billing.AuditEvent

	// memberLocks serializes UpdateMember per member id.
	memberLocks sync.Map

	now func() time.Time
}

// New creates an empty in-memory storage.
func New() *Storage {
	return &Storage{
		members:         make(map[string]*billing.Member),
		tiers:           make(map[string]*billing.MemberTier),
		plans:           make(map[string]*billing.PaymentPlan),
		doors:           make(map[string]billing.Door),
		interlocks:      make(map[string]billing.Interlock),
		doorGrants:      make(map[string]map[string]bool),
		interlockGrants: make(map[string]map[string]bool),
		claims:          make(map[string]time.Time),
		now:             time.Now,
	}
}

// PutMember inserts or replaces a member.
func (s *Storage) PutMember(m *billing.Member) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("invalid member")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	if cp.SubscriptionStatus == "" {
		cp.SubscriptionStatus = billing.SubscriptionNone
	}
	if cp.State == "" {
		cp.State = billing.StateNoob
	}
	s.members[m.ID] = &cp
	return nil
}

// GetMember implements billing.MemberStore
func (s *Storage) GetMember(_ context.Context, id string) (*billing.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[id]
	if !ok {
		return nil, billing.ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

// GetMemberByCustomerID implements billing.MemberStore
func (s *Storage) GetMemberByCustomerID(_ context.Context, customerID string) (*billing.Member, error) {
	if customerID == "" {
		return nil, billing.ErrMemberNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.members {
		if m.ProviderCustomerID == customerID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, billing.ErrMemberNotFound
}

// UpdateMember implements billing.MemberStore
func (s *Storage) UpdateMember(ctx context.Context, id string, fn func(*billing.Member) error) (*billing.Member, error) {
	lock, _ := s.memberLocks.LoadOrStore(id, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *current
	if err := fn(&next); err != nil {
		if errors.Is(err, billing.ErrNoChange) {
			return current, err
		}
		return nil, err
	}
	next.ID = id
	next.UpdatedAt = s.now()

	s.mu.Lock()
	stored := next
	s.members[id] = &stored
	s.mu.Unlock()

	return &next, nil
}

// ListSubscribedMembers implements billing.MemberStore
func (s *Storage) ListSubscribedMembers(_ context.Context) ([]*billing.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.Member, 0)
	for _, m := range s.members {
		if m.SubscriptionID != "" {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutTier inserts or replaces a tier and its plans.
func (s *Storage) PutTier(t billing.MemberTier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plans := make([]billing.PaymentPlan, len(t.Plans))
	for i, p := range t.Plans {
		p.TierID = t.ID
		plans[i] = p
		plan := p
		s.plans[p.ID] = &plan
	}
	t.Plans = plans
	s.tiers[t.ID] = &t
}

// GetPlan implements billing.Catalog
func (s *Storage) GetPlan(_ context.Context, id string) (*billing.PaymentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, billing.ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

// ListVisibleTiers implements billing.Catalog
func (s *Storage) ListVisibleTiers(_ context.Context) ([]billing.MemberTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]billing.MemberTier, 0, len(s.tiers))
	for _, t := range s.tiers {
		if !t.Visible {
			continue
		}
		cp := *t
		cp.Plans = make([]billing.PaymentPlan, 0, len(t.Plans))
		for _, p := range t.Plans {
			if p.Visible {
				cp.Plans = append(cp.Plans, p)
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TierByProductID implements billing.Catalog
func (s *Storage) TierByProductID(_ context.Context, productID string) (*billing.MemberTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tiers {
		if productID != "" && t.ProviderProductID == productID {
			cp := *t
			cp.Plans = append([]billing.PaymentPlan(nil), t.Plans...)
			return &cp, nil
		}
	}
	return nil, billing.ErrTierNotFound
}

// PutDoor adds a door.
func (s *Storage) PutDoor(d billing.Door) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doors[d.ID] = d
}

// PutInterlock adds an interlock.
func (s *Storage) PutInterlock(i billing.Interlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interlocks[i.ID] = i
}

// DefaultDoors implements billing.AccessControl
func (s *Storage) DefaultDoors(_ context.Context) ([]billing.Door, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]billing.Door, 0)
	for _, d := range s.doors {
		if d.AllMembers {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DefaultInterlocks implements billing.AccessControl
func (s *Storage) DefaultInterlocks(_ context.Context) ([]billing.Interlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]billing.Interlock, 0)
	for _, i := range s.interlocks {
		if i.AllMembers {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GrantDoor implements billing.AccessControl
func (s *Storage) GrantDoor(_ context.Context, memberID, doorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant(s.doorGrants, memberID, doorID)
	return nil
}

// GrantInterlock implements billing.AccessControl
func (s *Storage) GrantInterlock(_ context.Context, memberID, interlockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant(s.interlockGrants, memberID, interlockID)
	return nil
}

func grant(grants map[string]map[string]bool, memberID, id string) {
	if grants[memberID] == nil {
		grants[memberID] = make(map[string]bool)
	}
	grants[memberID][id] = true
}

// DoorGrants returns the sorted door ids granted to a member.
func (s *Storage) DoorGrants(memberID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.doorGrants[memberID])
}

// InterlockGrants returns the sorted interlock ids granted to a member.
func (s *Storage) InterlockGrants(memberID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.interlockGrants[memberID])
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Claim implements billing.Claimer
func (s *Storage) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.claims[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	s.claims[key] = exp
	return true, nil
}

// Release implements billing.Claimer
func (s *Storage) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

// Record implements billing.AuditLog
func (s *Storage) Record(_ context.Context, event billing.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	s.audit = append(s.audit, event)
	return nil
}

// AuditEvents returns the recorded events for a member in insertion order.
func (s *Storage) AuditEvents(memberID string) []billing.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]billing.AuditEvent, 0)
	for _, e := range s.audit {
		if e.MemberID == memberID {
			out = append(out, e)
		}
	}
	return out
}
