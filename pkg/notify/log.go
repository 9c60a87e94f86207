package notify

import (
	"context"
	"sync"

	"github.com/membermatters/billing/pkg/billing"
)

// Log writes notifications and invoice jobs to a logger. It is used when no
// broker is configured.
type Log struct {
	Logger billing.Logger
}

// NotifyMember implements billing.Notifier
func (l *Log) NotifyMember(_ context.Context, m *billing.Member, n billing.Notification) error {
	l.Logger.Info("member notification",
		billing.F("member_id", m.ID),
		billing.F("email", m.Email),
		billing.F("template", n.Template),
		billing.F("subject", n.Subject),
	)
	return nil
}

// NotifyAdmins implements billing.Notifier
func (l *Log) NotifyAdmins(_ context.Context, n billing.Notification) error {
	l.Logger.Info("admin notification", billing.F("template", n.Template), billing.F("subject", n.Subject))
	return nil
}

// CreateMembershipInvoice implements billing.InvoiceGenerator
func (l *Log) CreateMembershipInvoice(_ context.Context, m *billing.Member, amount, fee int64) error {
	l.Logger.Info("membership invoice",
		billing.F("member_id", m.ID),
		billing.F("amount", amount),
		billing.F("fee", fee),
	)
	return nil
}

// Sent is a notification captured by Memory.
type Sent struct {
	// MemberID is empty for admin notifications.
	MemberID     string
	Notification billing.Notification
}

// Invoice is an invoice job captured by Memory.
type Invoice struct {
	MemberID string
	Amount   int64
	Fee      int64
}

// Memory records notifications and invoices in memory.
type Memory struct {
	mu       sync.Mutex
	sent     []Sent
	invoices []Invoice

	// Err, when set, is returned by every call after recording.
	Err error
}

// NotifyMember implements billing.Notifier
func (r *Memory) NotifyMember(_ context.Context, m *billing.Member, n billing.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{MemberID: m.ID, Notification: n})
	return r.Err
}

// NotifyAdmins implements billing.Notifier
func (r *Memory) NotifyAdmins(_ context.Context, n billing.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{Notification: n})
	return r.Err
}

// CreateMembershipInvoice implements billing.InvoiceGenerator
func (r *Memory) CreateMembershipInvoice(_ context.Context, m *billing.Member, amount, fee int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoices = append(r.invoices, Invoice{MemberID: m.ID, Amount: amount, Fee: fee})
	return r.Err
}

// Sent returns all recorded notifications.
func (r *Memory) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Subjects returns the subjects of notifications sent to memberID, or to the
// admins when memberID is empty.
func (r *Memory) Subjects(memberID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []string{}
	for _, s := range r.sent {
		if s.MemberID == memberID {
			out = append(out, s.Notification.Subject)
		}
	}
	return out
}

// Invoices returns all recorded invoice jobs.
func (r *Memory) Invoices() []Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Invoice(nil), r.invoices...)
}

// Reset clears everything recorded so far.
func (r *Memory) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
	r.invoices = nil
}
