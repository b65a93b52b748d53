package approval

import "time"

// Decision is the state of a single approver's record.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is a known decision value.
func (d Decision) Valid() bool {
	switch d {
	case DecisionPending, DecisionApproved, DecisionRejected:
		return true
	}
	return false
}

// State is the derived status of a leave application.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateWithdrawn State = "withdrawn"
	StateExpired   State = "expired"
)

// Valid reports whether s is a known application state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateRejected, StateWithdrawn, StateExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s != StatePending
}

// Record is one approver's slot on a leave application. A record is created
// when approvers are fanned out at submission and its decision moves from
// pending to approved or rejected exactly once, never back.
type Record struct {
	ApplicationID string
	ApproverID    string
	Decision      Decision
	DecidedAt     *time.Time
	Comment       string
	Ordinal       int
}

// Counts tallies records by decision.
type Counts struct {
	Pending  int
	Approved int
	Rejected int
}

// Outcome is the aggregate result over all records of one application.
type Outcome struct {
	Final       State
	AllApproved bool
	AnyRejected bool
	Counts      Counts
}

// Aggregate derives an application's outcome from its approval records.
// A single rejection is terminal and overrides everything else. With no
// rejection and no pending record left, every assigned approver has agreed
// and the application is approved; an empty record set is therefore
// vacuously approved. Otherwise the application stays pending. The result
// depends only on the records passed in, so recomputing on the same input
// always yields the same outcome.
func Aggregate(records []Record) Outcome {
	var c Counts
	for _, r := range records {
		switch r.Decision {
		case DecisionApproved:
			c.Approved++
		case DecisionRejected:
			c.Rejected++
		default:
			c.Pending++
		}
	}

	out := Outcome{
		Counts:      c,
		AnyRejected: c.Rejected > 0,
		AllApproved: c.Rejected == 0 && c.Pending == 0,
	}
	switch {
	case out.AnyRejected:
		out.Final = StateRejected
	case out.AllApproved:
		out.Final = StateApproved
	default:
		out.Final = StatePending
	}
	return out
}

// Reasons returned by PermissionFor when an approver may not act.
const (
	ReasonNotAssigned    = "not an assigned approver"
	ReasonAlreadyDecided = "already decided"
	ReasonNotPending     = "application is not pending"
)

// Permission reports whether an approver may act on an application.
type Permission struct {
	CanApprove bool
	Reason     string
}

// PermissionFor decides whether approverID may still record a decision,
// given the application's stored state and a fresh read of its records.
// The approver may act only while the application is pending both in
// storage and by aggregation, holds a record on it, and that record has
// not been decided yet.
func PermissionFor(state State, records []Record, approverID string) Permission {
	if state != StatePending || Aggregate(records).Final != StatePending {
		return Permission{Reason: ReasonNotPending}
	}
	for _, r := range records {
		if r.ApproverID != approverID {
			continue
		}
		if r.Decision != DecisionPending {
			return Permission{Reason: ReasonAlreadyDecided}
		}
		return Permission{CanApprove: true}
	}
	return Permission{Reason: ReasonNotAssigned}
}

// CanTransition reports whether a leave application may move from one state
// to another. Only pending applications move: approved and rejected are
// computed by aggregation, withdrawn is the student backing out before any
// outcome, expired is the sweep closing stale requests. Nothing leaves a
// terminal state.
func CanTransition(from, to State) bool {
	if from != StatePending || to == from {
		return false
	}
	switch to {
	case StateApproved, StateRejected, StateWithdrawn, StateExpired:
		return true
	}
	return false
}
