package status

import (
	"time"

	"rollcall/internal/approval"
)

// Status is the final per-session attendance outcome for one student.
type Status string

const (
	Present      Status = "present"
	Late         Status = "late"
	Leave        Status = "leave"
	LeavePending Status = "leave_pending"
	Truant       Status = "truant"
	Absent       Status = "absent"
)

// Valid reports whether s is a known attendance status.
func (s Status) Valid() bool {
	switch s {
	case Present, Late, Leave, LeavePending, Truant, Absent:
		return true
	}
	return false
}

// Rank orders statuses by resolution precedence. Reports sort by it so
// rows appear in the same order the rules fire in; unknown values sink
// to the bottom.
func (s Status) Rank() int {
	switch s {
	case Present:
		return 0
	case Late:
		return 1
	case Leave:
		return 2
	case LeavePending:
		return 3
	case Truant:
		return 4
	case Absent:
		return 5
	}
	return 6
}

// WindowState is the lifecycle state of a verification window.
type WindowState string

const (
	WindowOpen    WindowState = "open"
	WindowExpired WindowState = "expired"
	WindowClosed  WindowState = "closed"
)

// Window is a teacher-opened check-in round as the resolver sees it.
type Window struct {
	SessionID string
	Round     int
	OpensAt   time.Time
	ClosesAt  time.Time
	State     WindowState
}

// Concluded reports whether the round has run to completion, either by
// expiring or by an explicit close.
func (w Window) Concluded() bool {
	return w.State == WindowExpired || w.State == WindowClosed
}

// CheckinEvent is a recorded check-in as the resolver sees it. Transport
// metadata (IP, user agent, window reference) stays on the persistence
// model; the resolver never reads it.
type CheckinEvent struct {
	SessionID   string
	StudentID   string
	At          time.Time
	Late        bool
	LateMinutes int
}

// LeaveClaim is the live leave application, if any, covering a
// (session, student) pair. Withdrawn and expired applications are not
// claims; callers pass nil for them.
type LeaveClaim struct {
	ApplicationID string
	State         approval.State
}

// Signal names the precedence rule that produced a resolution.
type Signal string

const (
	SignalCheckin       Signal = "checkin"
	SignalApprovedLeave Signal = "approved_leave"
	SignalPendingLeave  Signal = "pending_leave"
	SignalNoShow        Signal = "no_show"
	SignalNone          Signal = "none"
)

// Resolution is the resolver's verdict for one (session, student) pair.
type Resolution struct {
	Status      Status
	Signal      Signal
	EvaluatedAt time.Time
}
