package leave

import (
	"time"

	"rollcall/internal/approval"
)

// Type classifies a leave application.
type Type string

const (
	TypeSick     Type = "sick"
	TypePersonal Type = "personal"
	TypeOfficial Type = "official"
)

// Valid reports whether t is a known leave type.
func (t Type) Valid() bool {
	switch t {
	case TypeSick, TypePersonal, TypeOfficial:
		return true
	}
	return false
}

// Application is one student's leave request against one session. Its
// Status mirrors the aggregate of the approval records and only ever
// moves out of pending once.
type Application struct {
	ID          string         `json:"id"`
	StudentID   string         `json:"student_id"`
	SessionID   string         `json:"session_id"`
	LeaveType   Type           `json:"leave_type"`
	Reason      string         `json:"reason"`
	Status      approval.State `json:"status"`
	SubmittedAt time.Time      `json:"submitted_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Detail bundles an application with its approval records and the
// aggregate recomputed from them at read time.
type Detail struct {
	Application Application       `json:"application"`
	Records     []approval.Record `json:"records"`
	Outcome     approval.Outcome  `json:"outcome"`
}

// PendingApproval is one row in an approver's inbox.
type PendingApproval struct {
	Application Application `json:"application"`
	Ordinal     int         `json:"ordinal"`
}
