package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionCols = `id, course_code, title, teacher_id, starts_at, ends_at, teaching_week, created_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.CourseCode, &s.Title, &s.TeacherID, &s.StartsAt, &s.EndsAt, &s.TeachingWeek, &s.CreatedAt)
	return s, err
}

// InsertSession writes a new session.
func (r *Repository) InsertSession(ctx context.Context, s Session) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, course_code, title, teacher_id, starts_at, ends_at, teaching_week)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, s.ID, s.CourseCode, s.Title, s.TeacherID, s.StartsAt, s.EndsAt, s.TeachingWeek)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

// SessionByID returns a session, or nil when none exists.
func (r *Repository) SessionByID(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+` FROM sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SessionsForStudent lists a student's roster sessions starting in [from, to).
func (r *Repository) SessionsForStudent(ctx context.Context, studentID string, from, to time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.course_code, s.title, s.teacher_id, s.starts_at, s.ends_at, s.teaching_week, s.created_at
		FROM sessions s
		JOIN session_roster sr ON sr.session_id = s.id
		WHERE sr.student_id = $1 AND s.starts_at >= $2 AND s.starts_at < $3
		ORDER BY s.starts_at
	`, studentID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// AddRoster enrolls students; re-adding an existing pair is a no-op.
func (r *Repository) AddRoster(ctx context.Context, sessionID string, entries []RosterEntry) error {
	for _, e := range entries {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO session_roster (session_id, student_id, student_name)
			VALUES ($1, $2, $3)
			ON CONFLICT (session_id, student_id) DO NOTHING
		`, sessionID, e.StudentID, e.StudentName)
		if err != nil {
			return err
		}
	}
	return nil
}

// Roster lists a session's enrolled students.
func (r *Repository) Roster(ctx context.Context, sessionID string) ([]RosterEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, student_id, student_name
		FROM session_roster
		WHERE session_id = $1
		ORDER BY student_name, student_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []RosterEntry
	for rows.Next() {
		var e RosterEntry
		if err := rows.Scan(&e.SessionID, &e.StudentID, &e.StudentName); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// OnRoster reports whether the student is enrolled in the session.
func (r *Repository) OnRoster(ctx context.Context, sessionID, studentID string) (bool, error) {
	var enrolled bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM session_roster WHERE session_id = $1 AND student_id = $2
		)
	`, sessionID, studentID).Scan(&enrolled)
	return enrolled, err
}

const windowCols = `id, session_id, round, opens_at, closes_at, grace_minutes, status, opened_by, closed_at, created_at`

func scanWindow(row interface{ Scan(...any) error }) (Window, error) {
	var w Window
	err := row.Scan(&w.ID, &w.SessionID, &w.Round, &w.OpensAt, &w.ClosesAt, &w.GraceMinutes, &w.Status, &w.OpenedBy, &w.ClosedAt, &w.CreatedAt)
	return w, err
}

// InsertWindow writes a new window, assigning the session's next round
// number atomically. The unique (session_id, round) constraint backs the
// subselect against concurrent opens.
func (r *Repository) InsertWindow(ctx context.Context, w Window) (Window, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO verification_windows (id, session_id, round, opens_at, closes_at, grace_minutes, status, opened_by)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(round), 0) + 1 FROM verification_windows WHERE session_id = $2),
			$3, $4, $5, $6, $7)
		RETURNING round, created_at
	`, w.ID, w.SessionID, w.OpensAt, w.ClosesAt, w.GraceMinutes, w.Status, w.OpenedBy)
	if err := row.Scan(&w.Round, &w.CreatedAt); err != nil {
		return Window{}, err
	}
	return w, nil
}

// WindowByID returns a window, or nil when none exists.
func (r *Repository) WindowByID(ctx context.Context, id string) (*Window, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+windowCols+` FROM verification_windows WHERE id = $1
	`, id)
	w, err := scanWindow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// CurrentOpenWindow returns the session's open window, or nil.
func (r *Repository) CurrentOpenWindow(ctx context.Context, sessionID string) (*Window, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+windowCols+`
		FROM verification_windows
		WHERE session_id = $1 AND status = 'open'
		ORDER BY round DESC
		LIMIT 1
	`, sessionID)
	w, err := scanWindow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// WindowsForSession lists all rounds in order.
func (r *Repository) WindowsForSession(ctx context.Context, sessionID string) ([]Window, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+windowCols+`
		FROM verification_windows
		WHERE session_id = $1
		ORDER BY round
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// CloseWindow flips an open window to closed. Returns false when the
// window was not open, so callers can tell a lost race from success.
func (r *Repository) CloseWindow(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE verification_windows
		SET status = 'closed', closed_at = $2
		WHERE id = $1 AND status = 'open'
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExpireDueWindows flips every overdue open window to expired and
// returns the affected rows.
func (r *Repository) ExpireDueWindows(ctx context.Context, now time.Time) ([]Window, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE verification_windows
		SET status = 'expired', closed_at = closes_at
		WHERE status = 'open' AND closes_at <= $1
		RETURNING `+windowCols+`
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

const eventCols = `id, session_id, student_id, window_id, occurred_at, late, late_minutes, ip, user_agent, created_at`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.SessionID, &e.StudentID, &e.WindowID, &e.OccurredAt, &e.Late, &e.LateMinutes, &e.IP, &e.UserAgent, &e.CreatedAt)
	return e, err
}

// InsertEvent writes a new event. When a concurrent check-in already
// claimed the (window, student) slot, the existing event is returned
// instead of a constraint error.
func (r *Repository) InsertEvent(ctx context.Context, e Event) (Event, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_events (id, session_id, student_id, window_id, occurred_at, late, late_minutes, ip, user_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (window_id, student_id) DO NOTHING
		RETURNING created_at
	`, e.ID, e.SessionID, e.StudentID, e.WindowID, e.OccurredAt, e.Late, e.LateMinutes, e.IP, e.UserAgent)
	if err := row.Scan(&e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, lookupErr := r.EventForWindow(ctx, e.WindowID, e.StudentID)
			if lookupErr != nil {
				return Event{}, lookupErr
			}
			if existing != nil {
				return *existing, nil
			}
		}
		return Event{}, err
	}
	return e, nil
}

// EventForWindow returns the student's event in one round, or nil.
func (r *Repository) EventForWindow(ctx context.Context, windowID, studentID string) (*Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+eventCols+`
		FROM attendance_events
		WHERE window_id = $1 AND student_id = $2
	`, windowID, studentID)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// EventsForStudent lists one student's events across all rounds.
func (r *Repository) EventsForStudent(ctx context.Context, sessionID, studentID string) ([]Event, error) {
	return r.queryEvents(ctx, `
		SELECT `+eventCols+`
		FROM attendance_events
		WHERE session_id = $1 AND student_id = $2
		ORDER BY occurred_at
	`, sessionID, studentID)
}

// EventsForSession lists every event recorded for a session.
func (r *Repository) EventsForSession(ctx context.Context, sessionID string) ([]Event, error) {
	return r.queryEvents(ctx, `
		SELECT `+eventCols+`
		FROM attendance_events
		WHERE session_id = $1
		ORDER BY occurred_at
	`, sessionID)
}

func (r *Repository) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpsertStatuses writes the resolved snapshot, one row per student.
func (r *Repository) UpsertStatuses(ctx context.Context, rows []StatusRow) error {
	for _, row := range rows {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO attendance_statuses (session_id, student_id, status, signal, resolved_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (session_id, student_id) DO UPDATE SET
				status = EXCLUDED.status,
				signal = EXCLUDED.signal,
				resolved_at = EXCLUDED.resolved_at
		`, row.SessionID, row.StudentID, row.Status, row.Signal, row.ResolvedAt)
		if err != nil {
			return err
		}
	}
	return nil
}
