package status

import (
	"time"

	"rollcall/internal/approval"
)

// Resolve derives the attendance status for one student in one session
// from an immutable snapshot of its records. Rules apply in strict
// precedence order and the first match wins:
//
//  1. a check-in event exists for the pair: late when flagged, else present
//  2. the leave claim is approved: leave
//  3. the leave claim is pending: leave_pending
//  4. at least one window concluded and no event was recorded: truant
//  5. otherwise: absent, the transient not-yet-determined state
//
// Truant means the opportunity to check in fully elapsed with no action;
// absent means the session's check-in has not concluded yet. With no
// windows at all the result is absent, never truant.
//
// The function is pure and never fails. Window states are taken exactly
// as handed in; flipping an overdue open window to expired is the sweep's
// job, not the resolver's.
func Resolve(sessionID, studentID string, events []CheckinEvent, leave *LeaveClaim, windows []Window, now time.Time) Resolution {
	res := Resolution{EvaluatedAt: now}

	// Any round's event counts, and the first capture is authoritative:
	// events are immutable, so a later round cannot downgrade an earlier
	// on-time check-in or upgrade a late one.
	if evt := earliestEvent(sessionID, studentID, events); evt != nil {
		res.Signal = SignalCheckin
		res.Status = Present
		if evt.Late {
			res.Status = Late
		}
		return res
	}

	if leave != nil {
		switch leave.State {
		case approval.StateApproved:
			res.Status = Leave
			res.Signal = SignalApprovedLeave
			return res
		case approval.StatePending:
			res.Status = LeavePending
			res.Signal = SignalPendingLeave
			return res
		}
	}

	for _, w := range windows {
		if w.SessionID == sessionID && w.Concluded() {
			res.Status = Truant
			res.Signal = SignalNoShow
			return res
		}
	}

	res.Status = Absent
	res.Signal = SignalNone
	return res
}

func earliestEvent(sessionID, studentID string, events []CheckinEvent) *CheckinEvent {
	var first *CheckinEvent
	for i := range events {
		e := &events[i]
		if e.SessionID != sessionID || e.StudentID != studentID {
			continue
		}
		if first == nil || e.At.Before(first.At) {
			first = e
		}
	}
	return first
}
