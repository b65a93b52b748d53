package leave

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rollcall/internal/approval"
)

// Repository persists leave applications and approval records in
// Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const appCols = `id, student_id, session_id, leave_type, reason, status, submitted_at, decided_at, updated_at`

func scanApplication(row interface{ Scan(...any) error }) (Application, error) {
	var a Application
	err := row.Scan(&a.ID, &a.StudentID, &a.SessionID, &a.LeaveType, &a.Reason, &a.Status, &a.SubmittedAt, &a.DecidedAt, &a.UpdatedAt)
	return a, err
}

const recordCols = `application_id, approver_id, decision, decided_at, comment, ordinal`

func scanRecord(row interface{ Scan(...any) error }) (approval.Record, error) {
	var rec approval.Record
	err := row.Scan(&rec.ApplicationID, &rec.ApproverID, &rec.Decision, &rec.DecidedAt, &rec.Comment, &rec.Ordinal)
	return rec, err
}

// InsertApplication writes the application and its approval records in
// one transaction, so a half-fanned application never becomes visible.
func (r *Repository) InsertApplication(ctx context.Context, app Application, records []approval.Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO leave_applications (id, student_id, session_id, leave_type, reason, status, submitted_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, app.ID, app.StudentID, app.SessionID, app.LeaveType, app.Reason, app.Status, app.SubmittedAt, app.UpdatedAt)
	if err != nil {
		return err
	}
	for _, rec := range records {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO approval_records (application_id, approver_id, decision, ordinal)
			VALUES ($1,$2,$3,$4)
		`, rec.ApplicationID, rec.ApproverID, rec.Decision, rec.Ordinal)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ApplicationByID returns an application, or nil when none exists.
func (r *Repository) ApplicationByID(ctx context.Context, id string) (*Application, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+appCols+` FROM leave_applications WHERE id = $1
	`, id)
	a, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// RecordsForApplication lists an application's approval records in
// fan-out order.
func (r *Repository) RecordsForApplication(ctx context.Context, applicationID string) ([]approval.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordCols+`
		FROM approval_records
		WHERE application_id = $1
		ORDER BY ordinal
	`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []approval.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// DecideRecord writes one approver's verdict. The update only lands
// while the record is still pending; false means another decision was
// recorded first.
func (r *Repository) DecideRecord(ctx context.Context, applicationID, approverID string, decision approval.Decision, comment string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE approval_records
		SET decision = $3, decided_at = $4, comment = $5
		WHERE application_id = $1 AND approver_id = $2 AND decision = 'pending'
	`, applicationID, approverID, decision, at, comment)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetApplicationStatus moves an application from one status to another.
// The update only lands while the application still holds the expected
// from status, so terminal applications never change again.
func (r *Repository) SetApplicationStatus(ctx context.Context, applicationID string, from, to approval.State, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE leave_applications
		SET status = $3, decided_at = $4, updated_at = $4
		WHERE id = $1 AND status = $2
	`, applicationID, from, to, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LatestForStudentSession returns the student's most recent application
// against a session, or nil.
func (r *Repository) LatestForStudentSession(ctx context.Context, sessionID, studentID string) (*Application, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+appCols+`
		FROM leave_applications
		WHERE session_id = $1 AND student_id = $2
		ORDER BY submitted_at DESC
		LIMIT 1
	`, sessionID, studentID)
	a, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// PendingForApprover lists the applications still waiting on one
// approver, oldest first.
func (r *Repository) PendingForApprover(ctx context.Context, approverID string) ([]PendingApproval, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.student_id, a.session_id, a.leave_type, a.reason, a.status, a.submitted_at, a.decided_at, a.updated_at, ar.ordinal
		FROM approval_records ar
		JOIN leave_applications a ON a.id = ar.application_id
		WHERE ar.approver_id = $1 AND ar.decision = 'pending' AND a.status = 'pending'
		ORDER BY a.submitted_at
	`, approverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []PendingApproval
	for rows.Next() {
		var p PendingApproval
		a := &p.Application
		if err := rows.Scan(&a.ID, &a.StudentID, &a.SessionID, &a.LeaveType, &a.Reason, &a.Status, &a.SubmittedAt, &a.DecidedAt, &a.UpdatedAt, &p.Ordinal); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ApplicationsForSession lists a session's applications, newest first.
func (r *Repository) ApplicationsForSession(ctx context.Context, sessionID string) ([]Application, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+appCols+`
		FROM leave_applications
		WHERE session_id = $1
		ORDER BY submitted_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ExpireOverdue flips pending applications whose session already ended
// to expired and returns the affected rows.
func (r *Repository) ExpireOverdue(ctx context.Context, now time.Time) ([]Application, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE leave_applications
		SET status = 'expired', decided_at = $1, updated_at = $1
		WHERE status = 'pending'
		  AND session_id IN (SELECT id FROM sessions WHERE ends_at <= $1)
		RETURNING `+appCols+`
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
