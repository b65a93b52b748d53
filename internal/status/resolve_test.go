package status

import (
	"testing"
	"time"

	"rollcall/internal/approval"
)

var (
	base    = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	session = "sess-1"
	student = "stud-1"
)

func onTime(at time.Time) CheckinEvent {
	return CheckinEvent{SessionID: session, StudentID: student, At: at}
}

func lateBy(at time.Time, minutes int) CheckinEvent {
	return CheckinEvent{SessionID: session, StudentID: student, At: at, Late: true, LateMinutes: minutes}
}

func window(round int, state WindowState) Window {
	opens := base.Add(time.Duration(round-1) * time.Hour)
	return Window{SessionID: session, Round: round, OpensAt: opens, ClosesAt: opens.Add(15 * time.Minute), State: state}
}

func claim(state approval.State) *LeaveClaim {
	return &LeaveClaim{ApplicationID: "app-1", State: state}
}

func TestResolve(t *testing.T) {
	now := base.Add(2 * time.Hour)

	cases := []struct {
		name       string
		events     []CheckinEvent
		leave      *LeaveClaim
		windows    []Window
		wantStatus Status
		wantSignal Signal
	}{
		{
			name:       "on-time check-in resolves present",
			events:     []CheckinEvent{onTime(base.Add(2 * time.Minute))},
			windows:    []Window{window(1, WindowClosed)},
			wantStatus: Present,
			wantSignal: SignalCheckin,
		},
		{
			name:       "late check-in resolves late",
			events:     []CheckinEvent{lateBy(base.Add(12*time.Minute), 12)},
			windows:    []Window{window(1, WindowExpired)},
			wantStatus: Late,
			wantSignal: SignalCheckin,
		},
		{
			name:       "late event beats approved leave",
			events:     []CheckinEvent{lateBy(base.Add(10*time.Minute), 10)},
			leave:      claim(approval.StateApproved),
			windows:    []Window{window(1, WindowExpired)},
			wantStatus: Late,
			wantSignal: SignalCheckin,
		},
		{
			name:       "event beats truancy from a concluded round",
			events:     []CheckinEvent{onTime(base.Add(3 * time.Minute))},
			windows:    []Window{window(1, WindowExpired), window(2, WindowExpired)},
			wantStatus: Present,
			wantSignal: SignalCheckin,
		},
		{
			name:       "approved leave without event resolves leave",
			leave:      claim(approval.StateApproved),
			windows:    []Window{window(1, WindowExpired)},
			wantStatus: Leave,
			wantSignal: SignalApprovedLeave,
		},
		{
			name:       "pending leave without event resolves leave_pending",
			leave:      claim(approval.StatePending),
			windows:    []Window{window(1, WindowExpired)},
			wantStatus: LeavePending,
			wantSignal: SignalPendingLeave,
		},
		{
			name:       "rejected claim does not shield from truancy",
			leave:      claim(approval.StateRejected),
			windows:    []Window{window(1, WindowExpired)},
			wantStatus: Truant,
			wantSignal: SignalNoShow,
		},
		{
			name:       "expired round with no event resolves truant",
			windows:    []Window{window(1, WindowExpired)},
			wantStatus: Truant,
			wantSignal: SignalNoShow,
		},
		{
			name:       "explicitly closed round with no event resolves truant",
			windows:    []Window{window(1, WindowClosed)},
			wantStatus: Truant,
			wantSignal: SignalNoShow,
		},
		{
			name:       "open round with no event resolves absent",
			windows:    []Window{window(1, WindowOpen)},
			wantStatus: Absent,
			wantSignal: SignalNone,
		},
		{
			name:       "no windows at all resolves absent, never truant",
			wantStatus: Absent,
			wantSignal: SignalNone,
		},
		{
			name:       "missed reopened round still resolves present",
			events:     []CheckinEvent{onTime(base.Add(4 * time.Minute))},
			windows:    []Window{window(1, WindowClosed), window(2, WindowExpired)},
			wantStatus: Present,
			wantSignal: SignalCheckin,
		},
		{
			name: "earliest event decides between rounds",
			events: []CheckinEvent{
				lateBy(base.Add(70*time.Minute), 10),
				onTime(base.Add(5 * time.Minute)),
			},
			windows:    []Window{window(1, WindowClosed), window(2, WindowClosed)},
			wantStatus: Present,
			wantSignal: SignalCheckin,
		},
		{
			name: "late first round is not upgraded by a later one",
			events: []CheckinEvent{
				lateBy(base.Add(10*time.Minute), 10),
				onTime(base.Add(60 * time.Minute)),
			},
			windows:    []Window{window(1, WindowClosed), window(2, WindowClosed)},
			wantStatus: Late,
			wantSignal: SignalCheckin,
		},
		{
			name: "other students and sessions are ignored",
			events: []CheckinEvent{
				{SessionID: session, StudentID: "stud-2", At: base.Add(time.Minute)},
				{SessionID: "sess-9", StudentID: student, At: base.Add(time.Minute)},
			},
			windows:    []Window{window(1, WindowExpired)},
			wantStatus: Truant,
			wantSignal: SignalNoShow,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(session, student, tc.events, tc.leave, tc.windows, now)
			if got.Status != tc.wantStatus {
				t.Fatalf("Status = %q, want %q", got.Status, tc.wantStatus)
			}
			if got.Signal != tc.wantSignal {
				t.Errorf("Signal = %q, want %q", got.Signal, tc.wantSignal)
			}
			if !got.EvaluatedAt.Equal(now) {
				t.Errorf("EvaluatedAt = %v, want %v", got.EvaluatedAt, now)
			}
		})
	}
}

func TestResolveNeverTruantWithoutConcludedWindow(t *testing.T) {
	// Open rounds only: truancy requires a window that has run to
	// completion, so the resolver must fall back to absent here.
	windowSets := [][]Window{
		nil,
		{window(1, WindowOpen)},
		{window(1, WindowOpen), window(2, WindowOpen)},
	}
	for _, ws := range windowSets {
		got := Resolve(session, student, nil, nil, ws, base)
		if got.Status == Truant {
			t.Fatalf("windows %+v: resolved truant without a concluded window", ws)
		}
		if got.Status != Absent {
			t.Fatalf("windows %+v: Status = %q, want absent", ws, got.Status)
		}
	}
}

func TestResolveDeterministic(t *testing.T) {
	events := []CheckinEvent{lateBy(base.Add(9*time.Minute), 9)}
	windows := []Window{window(1, WindowExpired)}
	first := Resolve(session, student, events, claim(approval.StateApproved), windows, base)
	second := Resolve(session, student, events, claim(approval.StateApproved), windows, base)
	if first != second {
		t.Fatalf("same snapshot resolved differently: %+v then %+v", first, second)
	}
}

func TestStatusRankFollowsPrecedence(t *testing.T) {
	ordered := []Status{Present, Late, Leave, LeavePending, Truant, Absent}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Rank() >= ordered[i].Rank() {
			t.Fatalf("Rank(%q) = %d not below Rank(%q) = %d",
				ordered[i-1], ordered[i-1].Rank(), ordered[i], ordered[i].Rank())
		}
	}
	if !Present.Valid() || Status("unknown").Valid() {
		t.Fatal("Valid misclassifies statuses")
	}
}
