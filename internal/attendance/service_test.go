package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/approval"
	"rollcall/internal/queue"
	"rollcall/internal/status"
)

// ---------- in-memory store ----------

type mockStore struct {
	sessions map[string]Session
	roster   map[string][]RosterEntry
	windows  map[string]Window
	events   []Event
	statuses map[string]StatusRow // keyed session|student
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions: make(map[string]Session),
		roster:   make(map[string][]RosterEntry),
		windows:  make(map[string]Window),
		statuses: make(map[string]StatusRow),
	}
}

func (m *mockStore) InsertSession(_ context.Context, s Session) (Session, error) {
	s.CreatedAt = time.Now().UTC()
	m.sessions[s.ID] = s
	return s, nil
}

func (m *mockStore) SessionByID(_ context.Context, id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *mockStore) SessionsForStudent(_ context.Context, studentID string, from, to time.Time) ([]Session, error) {
	var res []Session
	for sid, entries := range m.roster {
		for _, e := range entries {
			if e.StudentID != studentID {
				continue
			}
			s := m.sessions[sid]
			if !s.StartsAt.Before(from) && s.StartsAt.Before(to) {
				res = append(res, s)
			}
		}
	}
	return res, nil
}

func (m *mockStore) AddRoster(_ context.Context, sessionID string, entries []RosterEntry) error {
	for _, e := range entries {
		already := false
		for _, have := range m.roster[sessionID] {
			if have.StudentID == e.StudentID {
				already = true
				break
			}
		}
		if !already {
			m.roster[sessionID] = append(m.roster[sessionID], e)
		}
	}
	return nil
}

func (m *mockStore) Roster(_ context.Context, sessionID string) ([]RosterEntry, error) {
	return m.roster[sessionID], nil
}

func (m *mockStore) OnRoster(_ context.Context, sessionID, studentID string) (bool, error) {
	for _, e := range m.roster[sessionID] {
		if e.StudentID == studentID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) InsertWindow(_ context.Context, w Window) (Window, error) {
	round := 0
	for _, have := range m.windows {
		if have.SessionID == w.SessionID && have.Round > round {
			round = have.Round
		}
	}
	w.Round = round + 1
	w.CreatedAt = time.Now().UTC()
	m.windows[w.ID] = w
	return w, nil
}

func (m *mockStore) WindowByID(_ context.Context, id string) (*Window, error) {
	w, ok := m.windows[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *mockStore) CurrentOpenWindow(_ context.Context, sessionID string) (*Window, error) {
	for _, w := range m.windows {
		if w.SessionID == sessionID && w.Status == status.WindowOpen {
			found := w
			return &found, nil
		}
	}
	return nil, nil
}

func (m *mockStore) WindowsForSession(_ context.Context, sessionID string) ([]Window, error) {
	var res []Window
	for _, w := range m.windows {
		if w.SessionID == sessionID {
			res = append(res, w)
		}
	}
	return res, nil
}

func (m *mockStore) CloseWindow(_ context.Context, id string, at time.Time) (bool, error) {
	w, ok := m.windows[id]
	if !ok || w.Status != status.WindowOpen {
		return false, nil
	}
	w.Status = status.WindowClosed
	w.ClosedAt = &at
	m.windows[id] = w
	return true, nil
}

func (m *mockStore) ExpireDueWindows(_ context.Context, now time.Time) ([]Window, error) {
	var res []Window
	for id, w := range m.windows {
		if w.Status == status.WindowOpen && !w.ClosesAt.After(now) {
			w.Status = status.WindowExpired
			closed := w.ClosesAt
			w.ClosedAt = &closed
			m.windows[id] = w
			res = append(res, w)
		}
	}
	return res, nil
}

func (m *mockStore) InsertEvent(_ context.Context, e Event) (Event, error) {
	for _, have := range m.events {
		if have.WindowID == e.WindowID && have.StudentID == e.StudentID {
			return have, nil
		}
	}
	e.CreatedAt = time.Now().UTC()
	m.events = append(m.events, e)
	return e, nil
}

func (m *mockStore) EventForWindow(_ context.Context, windowID, studentID string) (*Event, error) {
	for _, e := range m.events {
		if e.WindowID == windowID && e.StudentID == studentID {
			found := e
			return &found, nil
		}
	}
	return nil, nil
}

func (m *mockStore) EventsForStudent(_ context.Context, sessionID, studentID string) ([]Event, error) {
	var res []Event
	for _, e := range m.events {
		if e.SessionID == sessionID && e.StudentID == studentID {
			res = append(res, e)
		}
	}
	return res, nil
}

func (m *mockStore) EventsForSession(_ context.Context, sessionID string) ([]Event, error) {
	var res []Event
	for _, e := range m.events {
		if e.SessionID == sessionID {
			res = append(res, e)
		}
	}
	return res, nil
}

func (m *mockStore) UpsertStatuses(_ context.Context, rows []StatusRow) error {
	for _, row := range rows {
		m.statuses[row.SessionID+"|"+row.StudentID] = row
	}
	return nil
}

// ---------- leave reader and queue doubles ----------

type mockLeaves struct {
	claims map[string]*status.LeaveClaim // keyed session|student
}

func (m *mockLeaves) ClaimFor(_ context.Context, sessionID, studentID string) (*status.LeaveClaim, error) {
	if m.claims == nil {
		return nil, nil
	}
	return m.claims[sessionID+"|"+studentID], nil
}

type capturingQueue struct {
	msgs []queue.Message
}

func (q *capturingQueue) Publish(_ context.Context, msg queue.Message) error {
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *capturingQueue) Consume(context.Context) (<-chan queue.Message, error) {
	return nil, errors.New("not consumable")
}

// ---------- fixtures ----------

var testNow = time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	store  *mockStore
	leaves *mockLeaves
	q      *capturingQueue
}

func newFixture(opts Options) *fixture {
	store := newMockStore()
	leaves := &mockLeaves{claims: make(map[string]*status.LeaveClaim)}
	q := &capturingQueue{}
	return &fixture{
		svc:    NewService(store, leaves, q, zap.NewNop(), opts),
		store:  store,
		leaves: leaves,
		q:      q,
	}
}

func (f *fixture) seedSession(t *testing.T, teacherID string, students ...string) Session {
	t.Helper()
	sess, err := f.svc.CreateSession(context.Background(), "CS101", "Algorithms", teacherID, testNow, testNow.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	entries := make([]RosterEntry, 0, len(students))
	for _, id := range students {
		entries = append(entries, RosterEntry{StudentID: id, StudentName: "Student " + id})
	}
	if len(entries) > 0 {
		if _, err := f.svc.AddRoster(context.Background(), sess.ID, entries); err != nil {
			t.Fatalf("AddRoster: %v", err)
		}
	}
	return sess
}

func (f *fixture) openWindow(t *testing.T, sessionID, teacherID string, minutes, grace int) Window {
	t.Helper()
	w, err := f.svc.OpenWindow(context.Background(), sessionID, teacherID, minutes, grace, testNow)
	if err != nil {
		t.Fatalf("OpenWindow: %v", err)
	}
	return w
}

// ---------- tests ----------

func TestCreateSessionStampsTeachingWeek(t *testing.T) {
	f := newFixture(Options{TermStart: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)})
	sess := f.seedSession(t, "teach-1")
	if sess.TeachingWeek != 2 {
		t.Fatalf("TeachingWeek = %d, want 2", sess.TeachingWeek)
	}
}

func TestCreateSessionValidates(t *testing.T) {
	f := newFixture(Options{})
	if _, err := f.svc.CreateSession(context.Background(), "", "Algorithms", "teach-1", testNow, testNow.Add(time.Hour)); err == nil {
		t.Fatal("expected validation error for empty course code")
	}
	if _, err := f.svc.CreateSession(context.Background(), "CS101", "Algorithms", "teach-1", testNow, testNow); err == nil {
		t.Fatal("expected validation error for zero-length session")
	}
}

func TestOpenWindowAssignsIncreasingRounds(t *testing.T) {
	f := newFixture(Options{})
	sess := f.seedSession(t, "teach-1", "stud-1")

	w1 := f.openWindow(t, sess.ID, "teach-1", 10, 0)
	if w1.Round != 1 {
		t.Fatalf("first round = %d, want 1", w1.Round)
	}
	if _, err := f.svc.CloseWindow(context.Background(), w1.ID, "teach-1", testNow.Add(5*time.Minute)); err != nil {
		t.Fatalf("CloseWindow: %v", err)
	}
	w2 := f.openWindow(t, sess.ID, "teach-1", 10, 0)
	if w2.Round != 2 {
		t.Fatalf("second round = %d, want 2", w2.Round)
	}
}

func TestOpenWindowGuards(t *testing.T) {
	f := newFixture(Options{})
	sess := f.seedSession(t, "teach-1", "stud-1")
	f.openWindow(t, sess.ID, "teach-1", 10, 0)

	if _, err := f.svc.OpenWindow(context.Background(), sess.ID, "teach-1", 10, 0, testNow); !errors.Is(err, ErrWindowAlreadyOpen) {
		t.Fatalf("second open err = %v, want ErrWindowAlreadyOpen", err)
	}
	if _, err := f.svc.OpenWindow(context.Background(), sess.ID, "teach-2", 10, 0, testNow); !errors.Is(err, ErrNotSessionTeacher) {
		t.Fatalf("foreign teacher err = %v, want ErrNotSessionTeacher", err)
	}
	if _, err := f.svc.OpenWindow(context.Background(), "missing", "teach-1", 10, 0, testNow); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing session err = %v, want ErrSessionNotFound", err)
	}
}

func TestOpenWindowAppliesDefaults(t *testing.T) {
	f := newFixture(Options{WindowMinutes: 15, GraceMinutes: 3})
	sess := f.seedSession(t, "teach-1")
	w := f.openWindow(t, sess.ID, "teach-1", 0, 0)
	if got := w.ClosesAt.Sub(w.OpensAt); got != 15*time.Minute {
		t.Fatalf("window length = %v, want 15m", got)
	}
	if w.GraceMinutes != 3 {
		t.Fatalf("GraceMinutes = %d, want 3", w.GraceMinutes)
	}
}

func TestCloseWindowTwiceFails(t *testing.T) {
	f := newFixture(Options{})
	sess := f.seedSession(t, "teach-1")
	w := f.openWindow(t, sess.ID, "teach-1", 10, 0)
	if _, err := f.svc.CloseWindow(context.Background(), w.ID, "teach-1", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("CloseWindow: %v", err)
	}
	if _, err := f.svc.CloseWindow(context.Background(), w.ID, "teach-1", testNow.Add(2*time.Minute)); !errors.Is(err, ErrWindowNotOpen) {
		t.Fatalf("second close err = %v, want ErrWindowNotOpen", err)
	}
}

func TestCheckInOnTime(t *testing.T) {
	f := newFixture(Options{})
	sess := f.seedSession(t, "teach-1", "stud-1")
	w := f.openWindow(t, sess.ID, "teach-1", 10, 5)

	evt, err := f.svc.CheckIn(context.Background(), w.ID, "stud-1", "10.0.0.1", "ua-test", testNow.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if evt.Late || evt.LateMinutes != 0 {
		t.Fatalf("on-time check-in marked late: %+v", evt)
	}
	if evt.SessionID != sess.ID || evt.WindowID != w.ID {
		t.Fatalf("event linked wrong: %+v", evt)
	}

	found := false
	for _, msg := range f.q.msgs {
		if msg.Type == queue.TypeSessionResolve {
			found = true
		}
	}
	if !found {
		t.Fatal("check-in published no session.resolve message")
	}
}

func TestCheckInAfterGraceIsLate(t *testing.T) {
	f := newFixture(Options{})
	sess := f.seedSession(t, "teach-1", "stud-1")
	w := f.openWindow(t, sess.ID, "teach-1", 15, 5)

	evt, err := f.svc.CheckIn(context.Background(), w.ID, "stud-1", "", "", testNow.Add(7*time.Minute+30*time.Second))
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if !evt.Late {
		t.Fatal("check-in past grace not marked late")
	}
	if evt.LateMinutes != 8 {
		t.Fatalf("LateMinutes = %d, want 8 (7m30s rounded up)", evt.LateMinutes)
	}
}

func TestCheckInDuplicateReturnsOriginal(t *testing.T) {
	f := newFixture(Options{})
	sess := f.seedSession(t, "teach-1", "stud-1")
	w := f.openWindow(t, sess.ID, "teach-1", 10, 5)

	first, err := f.svc.CheckIn(context.Background(), w.ID, "stud-1", "", "", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("first CheckIn: %v", err)
	}
	second, err := f.svc.CheckIn(context.Background(), w.ID, "stud-1", "", "", testNow.Add(9*time.Minute))
	if err != nil {
		t.Fatalf("second CheckIn: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate created a new event: %q vs %q", second.ID, first.ID)
	}
	if second.Late {
		t.Fatal("duplicate must keep the original punctuality")
	}
}

func TestCheckInGuards(t *testing.T) {
	f := newFixture(Options{})
	sess := f.seedSession(t, "teach-1", "stud-1")
	w := f.openWindow(t, sess.ID, "teach-1", 10, 0)

	cases := []struct {
		name    string
		window  string
		student string
		at      time.Time
		want    error
	}{
		{"unknown window", "missing", "stud-1", testNow, ErrWindowNotFound},
		{"before opening", w.ID, "stud-1", testNow.Add(-time.Minute), ErrOutsideWindow},
		{"at close boundary", w.ID, "stud-1", testNow.Add(10 * time.Minute), ErrOutsideWindow},
		{"not enrolled", w.ID, "stud-9", testNow.Add(time.Minute), ErrNotEnrolled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.CheckIn(context.Background(), tc.window, tc.student, "", "", tc.at); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := f.svc.CloseWindow(context.Background(), w.ID, "teach-1", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("CloseWindow: %v", err)
	}
	if _, err := f.svc.CheckIn(context.Background(), w.ID, "stud-1", "", "", testNow.Add(2*time.Minute)); !errors.Is(err, ErrWindowNotOpen) {
		t.Fatalf("closed window err = %v, want ErrWindowNotOpen", err)
	}
}

func TestResolveSessionSnapshotsRoster(t *testing.T) {
	f := newFixture(Options{})
	sess := f.seedSession(t, "teach-1", "stud-a", "stud-b", "stud-c", "stud-d")
	w := f.openWindow(t, sess.ID, "teach-1", 10, 5)

	if _, err := f.svc.CheckIn(context.Background(), w.ID, "stud-a", "", "", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	f.leaves.claims[sess.ID+"|stud-b"] = &status.LeaveClaim{ApplicationID: "app-1", State: approval.StateApproved}
	f.leaves.claims[sess.ID+"|stud-c"] = &status.LeaveClaim{ApplicationID: "app-2", State: approval.StatePending}

	if _, err := f.svc.CloseWindow(context.Background(), w.ID, "teach-1", testNow.Add(10*time.Minute)); err != nil {
		t.Fatalf("CloseWindow: %v", err)
	}

	rows, err := f.svc.ResolveSession(context.Background(), sess.ID, testNow.Add(11*time.Minute))
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}

	byStudent := make(map[string]status.Status, len(rows))
	for _, row := range rows {
		byStudent[row.StudentID] = row.Status
	}
	want := map[string]status.Status{
		"stud-a": status.Present,
		"stud-b": status.Leave,
		"stud-c": status.LeavePending,
		"stud-d": status.Truant,
	}
	for id, expect := range want {
		if byStudent[id] != expect {
			t.Errorf("%s = %q, want %q", id, byStudent[id], expect)
		}
	}

	// Rows come back ordered by precedence rank.
	for i := 1; i < len(rows); i++ {
		if rows[i-1].Status.Rank() > rows[i].Status.Rank() {
			t.Fatalf("rows out of rank order: %q before %q", rows[i-1].Status, rows[i].Status)
		}
	}

	// And the snapshot was persisted.
	if got := f.store.statuses[sess.ID+"|stud-d"]; got.Status != status.Truant {
		t.Fatalf("persisted status for stud-d = %q, want truant", got.Status)
	}
}

func TestResolveStudentDoesNotPersist(t *testing.T) {
	f := newFixture(Options{})
	sess := f.seedSession(t, "teach-1", "stud-1")
	f.openWindow(t, sess.ID, "teach-1", 10, 0)

	res, err := f.svc.ResolveStudent(context.Background(), sess.ID, "stud-1", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("ResolveStudent: %v", err)
	}
	if res.Status != status.Absent {
		t.Fatalf("Status = %q, want absent while the window is open", res.Status)
	}
	if len(f.store.statuses) != 0 {
		t.Fatal("ResolveStudent persisted a snapshot")
	}
}

func TestSweepExpiredQueuesResolution(t *testing.T) {
	f := newFixture(Options{})
	sess := f.seedSession(t, "teach-1", "stud-1")
	w := f.openWindow(t, sess.ID, "teach-1", 10, 0)

	expired, err := f.svc.SweepExpired(context.Background(), testNow.Add(11*time.Minute))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != w.ID {
		t.Fatalf("expired = %+v, want window %s", expired, w.ID)
	}
	if got, _ := f.store.WindowByID(context.Background(), w.ID); got.Status != status.WindowExpired {
		t.Fatalf("window status = %q, want expired", got.Status)
	}

	found := false
	for _, msg := range f.q.msgs {
		if msg.Type == queue.TypeSessionResolve {
			found = true
		}
	}
	if !found {
		t.Fatal("sweep published no session.resolve message")
	}

	// A second sweep at the same instant finds nothing new.
	again, err := f.svc.SweepExpired(context.Background(), testNow.Add(11*time.Minute))
	if err != nil {
		t.Fatalf("second SweepExpired: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second sweep expired %d windows, want 0", len(again))
	}
}
