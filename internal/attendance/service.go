package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rollcall/internal/metrics"
	"rollcall/internal/queue"
	"rollcall/internal/status"
	"rollcall/internal/term"
)

// Errors surfaced to handlers, which map them onto response codes.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrWindowNotFound    = errors.New("window not found")
	ErrNotSessionTeacher = errors.New("only the session teacher may manage windows")
	ErrWindowAlreadyOpen = errors.New("a verification window is already open for this session")
	ErrWindowNotOpen     = errors.New("verification window is not open")
	ErrOutsideWindow     = errors.New("check-in is outside the window bounds")
	ErrNotEnrolled       = errors.New("student is not on the session roster")
)

// Store is the persistence surface the service needs. *Repository
// implements it against Postgres; tests substitute an in-memory map.
type Store interface {
	InsertSession(ctx context.Context, s Session) (Session, error)
	SessionByID(ctx context.Context, id string) (*Session, error)
	SessionsForStudent(ctx context.Context, studentID string, from, to time.Time) ([]Session, error)
	AddRoster(ctx context.Context, sessionID string, entries []RosterEntry) error
	Roster(ctx context.Context, sessionID string) ([]RosterEntry, error)
	OnRoster(ctx context.Context, sessionID, studentID string) (bool, error)
	InsertWindow(ctx context.Context, w Window) (Window, error)
	WindowByID(ctx context.Context, id string) (*Window, error)
	CurrentOpenWindow(ctx context.Context, sessionID string) (*Window, error)
	WindowsForSession(ctx context.Context, sessionID string) ([]Window, error)
	CloseWindow(ctx context.Context, id string, at time.Time) (bool, error)
	ExpireDueWindows(ctx context.Context, now time.Time) ([]Window, error)
	InsertEvent(ctx context.Context, e Event) (Event, error)
	EventForWindow(ctx context.Context, windowID, studentID string) (*Event, error)
	EventsForStudent(ctx context.Context, sessionID, studentID string) ([]Event, error)
	EventsForSession(ctx context.Context, sessionID string) ([]Event, error)
	UpsertStatuses(ctx context.Context, rows []StatusRow) error
}

// LeaveReader supplies the live leave claim for a (session, student)
// pair. The leave service implements it; the resolver consumes it as
// rule two and three input.
type LeaveReader interface {
	ClaimFor(ctx context.Context, sessionID, studentID string) (*status.LeaveClaim, error)
}

// Options carries session and window defaults from config.
type Options struct {
	TermStart     time.Time
	WindowMinutes int
	GraceMinutes  int
}

// Service coordinates sessions, verification windows, check-ins and
// status resolution.
type Service struct {
	store  Store
	leaves LeaveReader
	q      queue.Queue
	logger *zap.Logger
	opts   Options
}

// NewService creates a service backed by a store and the leave reader.
func NewService(store Store, leaves LeaveReader, q queue.Queue, logger *zap.Logger, opts Options) *Service {
	if opts.WindowMinutes <= 0 {
		opts.WindowMinutes = 10
	}
	if opts.GraceMinutes < 0 {
		opts.GraceMinutes = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, leaves: leaves, q: q, logger: logger, opts: opts}
}

// CreateSession validates and persists a session, stamping its teaching
// week from the configured term start.
func (s *Service) CreateSession(ctx context.Context, courseCode, title, teacherID string, startsAt, endsAt time.Time) (Session, error) {
	if courseCode == "" || title == "" || teacherID == "" {
		return Session{}, errors.New("course code, title and teacher required")
	}
	if !endsAt.After(startsAt) {
		return Session{}, errors.New("session must end after it starts")
	}
	sess := Session{
		ID:           uuid.NewString(),
		CourseCode:   courseCode,
		Title:        title,
		TeacherID:    teacherID,
		StartsAt:     startsAt.UTC(),
		EndsAt:       endsAt.UTC(),
		TeachingWeek: term.Week(s.opts.TermStart, startsAt),
	}
	return s.store.InsertSession(ctx, sess)
}

// Session returns one session or ErrSessionNotFound.
func (s *Service) Session(ctx context.Context, id string) (Session, error) {
	sess, err := s.store.SessionByID(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess == nil {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

// SessionsForStudent lists a student's roster sessions in [from, to).
func (s *Service) SessionsForStudent(ctx context.Context, studentID string, from, to time.Time) ([]Session, error) {
	if studentID == "" {
		return nil, errors.New("student required")
	}
	return s.store.SessionsForStudent(ctx, studentID, from, to)
}

// AddRoster enrolls students into a session, skipping blanks and
// duplicates. Re-adding an enrolled student is a no-op.
func (s *Service) AddRoster(ctx context.Context, sessionID string, entries []RosterEntry) (int, error) {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(entries))
	clean := make([]RosterEntry, 0, len(entries))
	for _, e := range entries {
		if e.StudentID == "" || seen[e.StudentID] {
			continue
		}
		seen[e.StudentID] = true
		e.SessionID = sessionID
		clean = append(clean, e)
	}
	if len(clean) == 0 {
		return 0, errors.New("no students to enroll")
	}
	if err := s.store.AddRoster(ctx, sessionID, clean); err != nil {
		return 0, err
	}
	return len(clean), nil
}

// Roster lists a session's enrolled students.
func (s *Service) Roster(ctx context.Context, sessionID string) ([]RosterEntry, error) {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.Roster(ctx, sessionID)
}

// OpenWindow starts the next check-in round for a session. Only the
// session's teacher may open one, and only while no other round is open.
// Zero minutes or grace fall back to the configured defaults.
func (s *Service) OpenWindow(ctx context.Context, sessionID, teacherID string, minutes, graceMinutes int, now time.Time) (Window, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return Window{}, err
	}
	if sess.TeacherID != teacherID {
		return Window{}, ErrNotSessionTeacher
	}
	open, err := s.store.CurrentOpenWindow(ctx, sessionID)
	if err != nil {
		return Window{}, err
	}
	if open != nil {
		return Window{}, ErrWindowAlreadyOpen
	}
	if minutes <= 0 {
		minutes = s.opts.WindowMinutes
	}
	if graceMinutes <= 0 {
		graceMinutes = s.opts.GraceMinutes
	}
	now = now.UTC()
	w := Window{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		OpensAt:      now,
		ClosesAt:     now.Add(time.Duration(minutes) * time.Minute),
		GraceMinutes: graceMinutes,
		Status:       status.WindowOpen,
		OpenedBy:     teacherID,
	}
	return s.store.InsertWindow(ctx, w)
}

// Windows lists a session's rounds in order.
func (s *Service) Windows(ctx context.Context, sessionID string) ([]Window, error) {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.WindowsForSession(ctx, sessionID)
}

// Window returns one window or ErrWindowNotFound.
func (s *Service) Window(ctx context.Context, id string) (Window, error) {
	w, err := s.store.WindowByID(ctx, id)
	if err != nil {
		return Window{}, err
	}
	if w == nil {
		return Window{}, ErrWindowNotFound
	}
	return *w, nil
}

// CloseWindow ends a round early. The conditional update only succeeds
// while the window is still open.
func (s *Service) CloseWindow(ctx context.Context, windowID, teacherID string, now time.Time) (Window, error) {
	w, err := s.Window(ctx, windowID)
	if err != nil {
		return Window{}, err
	}
	sess, err := s.Session(ctx, w.SessionID)
	if err != nil {
		return Window{}, err
	}
	if sess.TeacherID != teacherID {
		return Window{}, ErrNotSessionTeacher
	}
	now = now.UTC()
	closed, err := s.store.CloseWindow(ctx, windowID, now)
	if err != nil {
		return Window{}, err
	}
	if !closed {
		return Window{}, ErrWindowNotOpen
	}
	w.Status = status.WindowClosed
	w.ClosedAt = &now
	s.publishResolve(ctx, w.SessionID)
	return w, nil
}

// CheckIn records a student's check-in inside an open window. A repeat
// submission in the same round returns the original event unchanged.
func (s *Service) CheckIn(ctx context.Context, windowID, studentID, ip, userAgent string, now time.Time) (Event, error) {
	if studentID == "" {
		return Event{}, errors.New("student required")
	}
	w, err := s.Window(ctx, windowID)
	if err != nil {
		return Event{}, err
	}
	if w.Status != status.WindowOpen {
		return Event{}, ErrWindowNotOpen
	}
	now = now.UTC()
	if now.Before(w.OpensAt) || !now.Before(w.ClosesAt) {
		return Event{}, ErrOutsideWindow
	}
	enrolled, err := s.store.OnRoster(ctx, w.SessionID, studentID)
	if err != nil {
		return Event{}, err
	}
	if !enrolled {
		return Event{}, ErrNotEnrolled
	}
	if existing, err := s.store.EventForWindow(ctx, windowID, studentID); err != nil {
		return Event{}, err
	} else if existing != nil {
		metrics.Checkins.WithLabelValues("duplicate").Inc()
		return *existing, nil
	}

	grace := time.Duration(w.GraceMinutes) * time.Minute
	late := now.After(w.OpensAt.Add(grace))
	lateMinutes := 0
	if late {
		lateMinutes = ceilMinutes(now.Sub(w.OpensAt))
	}

	evt := Event{
		ID:          uuid.NewString(),
		SessionID:   w.SessionID,
		StudentID:   studentID,
		WindowID:    windowID,
		OccurredAt:  now,
		Late:        late,
		LateMinutes: lateMinutes,
		IP:          ip,
		UserAgent:   userAgent,
	}
	evt, err = s.store.InsertEvent(ctx, evt)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	result := "on_time"
	if late {
		result = "late"
	}
	metrics.Checkins.WithLabelValues(result).Inc()
	s.publishResolve(ctx, w.SessionID)
	return evt, nil
}

// ResolveStudent computes one student's current status without
// persisting it.
func (s *Service) ResolveStudent(ctx context.Context, sessionID, studentID string, now time.Time) (status.Resolution, error) {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return status.Resolution{}, err
	}
	events, err := s.store.EventsForStudent(ctx, sessionID, studentID)
	if err != nil {
		return status.Resolution{}, err
	}
	windows, err := s.store.WindowsForSession(ctx, sessionID)
	if err != nil {
		return status.Resolution{}, err
	}
	claim, err := s.leaves.ClaimFor(ctx, sessionID, studentID)
	if err != nil {
		return status.Resolution{}, err
	}
	return status.Resolve(sessionID, studentID, resolverEvents(events), claim, resolverWindows(windows), now), nil
}

// ResolveSession resolves every roster member, persists the snapshot and
// returns the rows ordered by status precedence, then name.
func (s *Service) ResolveSession(ctx context.Context, sessionID string, now time.Time) ([]StatusRow, error) {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	roster, err := s.store.Roster(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.EventsForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	windows, err := s.store.WindowsForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	resolverEvts := resolverEvents(events)
	resolverWins := resolverWindows(windows)
	rows := make([]StatusRow, 0, len(roster))
	for _, member := range roster {
		claim, err := s.leaves.ClaimFor(ctx, sessionID, member.StudentID)
		if err != nil {
			return nil, err
		}
		res := status.Resolve(sessionID, member.StudentID, resolverEvts, claim, resolverWins, now)
		metrics.Resolutions.WithLabelValues(string(res.Status)).Inc()
		rows = append(rows, StatusRow{
			SessionID:   sessionID,
			StudentID:   member.StudentID,
			StudentName: member.StudentName,
			Status:      res.Status,
			Signal:      res.Signal,
			ResolvedAt:  res.EvaluatedAt,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Status.Rank() != rows[j].Status.Rank() {
			return rows[i].Status.Rank() < rows[j].Status.Rank()
		}
		return rows[i].StudentName < rows[j].StudentName
	})

	if len(rows) > 0 {
		if err := s.store.UpsertStatuses(ctx, rows); err != nil {
			return nil, fmt.Errorf("persist statuses: %w", err)
		}
	}
	return rows, nil
}

// SweepExpired flips overdue open windows to expired and queues a
// resolution for each affected session. The worker calls it on a timer.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) ([]Window, error) {
	expired, err := s.store.ExpireDueWindows(ctx, now.UTC())
	if err != nil {
		return nil, err
	}
	for _, w := range expired {
		metrics.WindowsExpired.Inc()
		s.logger.Info("window expired",
			zap.String("window_id", w.ID),
			zap.String("session_id", w.SessionID),
			zap.Int("round", w.Round))
		s.publishResolve(ctx, w.SessionID)
	}
	return expired, nil
}

func (s *Service) publishResolve(ctx context.Context, sessionID string) {
	if s.q == nil {
		return
	}
	if err := s.q.Publish(ctx, queue.NewSessionResolve(sessionID)); err != nil {
		metrics.QueueFailures.Inc()
		s.logger.Warn("queue publish failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func resolverEvents(events []Event) []status.CheckinEvent {
	out := make([]status.CheckinEvent, 0, len(events))
	for _, e := range events {
		out = append(out, status.CheckinEvent{
			SessionID:   e.SessionID,
			StudentID:   e.StudentID,
			At:          e.OccurredAt,
			Late:        e.Late,
			LateMinutes: e.LateMinutes,
		})
	}
	return out
}

func resolverWindows(windows []Window) []status.Window {
	out := make([]status.Window, 0, len(windows))
	for _, w := range windows {
		out = append(out, status.Window{
			SessionID: w.SessionID,
			Round:     w.Round,
			OpensAt:   w.OpensAt,
			ClosesAt:  w.ClosesAt,
			State:     w.Status,
		})
	}
	return out
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
