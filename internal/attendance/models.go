package attendance

import (
	"time"

	"rollcall/internal/status"
)

// Session is one scheduled course meeting whose attendance is tracked.
type Session struct {
	ID           string    `json:"id"`
	CourseCode   string    `json:"course_code"`
	Title        string    `json:"title"`
	TeacherID    string    `json:"teacher_id"`
	StartsAt     time.Time `json:"starts_at"`
	EndsAt       time.Time `json:"ends_at"`
	TeachingWeek int       `json:"teaching_week"`
	CreatedAt    time.Time `json:"created_at"`
}

// Window is one teacher-opened check-in round. Rounds per session are
// numbered from 1 and only ever grow; at most one window is open per
// session at a time.
type Window struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"session_id"`
	Round        int                `json:"round"`
	OpensAt      time.Time          `json:"opens_at"`
	ClosesAt     time.Time          `json:"closes_at"`
	GraceMinutes int                `json:"grace_minutes"`
	Status       status.WindowState `json:"status"`
	OpenedBy     string             `json:"opened_by"`
	ClosedAt     *time.Time         `json:"closed_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Event is a recorded check-in. Events are immutable once written; the
// unique (window, student) pair makes a second submission in the same
// round collapse onto the first.
type Event struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	StudentID   string    `json:"student_id"`
	WindowID    string    `json:"window_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Late        bool      `json:"late"`
	LateMinutes int       `json:"late_minutes"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RosterEntry is one student enrolled in a session.
type RosterEntry struct {
	SessionID   string `json:"session_id"`
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name"`
}

// StatusRow is the resolved attendance line for one roster member.
type StatusRow struct {
	SessionID   string        `json:"session_id"`
	StudentID   string        `json:"student_id"`
	StudentName string        `json:"student_name"`
	Status      status.Status `json:"status"`
	Signal      status.Signal `json:"signal"`
	ResolvedAt  time.Time     `json:"resolved_at"`
}
