package billing

import (
	"time"

	"github.com/google/uuid"
)

// Audit event kinds.
const (
	AuditKindStripe     = "stripe"
	AuditKindMembership = "membership"
)

// NewAuditEvent builds an audit event with a fresh id.
func NewAuditEvent(memberID, kind, description string, data map[string]interface{}) AuditEvent {
	return AuditEvent{
		ID:          uuid.NewString(),
		MemberID:    memberID,
		Kind:        kind,
		Description: description,
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}
}
