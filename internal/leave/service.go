// Package leave manages leave applications and their approval flow:
// fan-out to the assigned approvers, unanimous approval with rejection
// veto, withdrawal by the applicant and expiry after the session ends.
package leave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rollcall/internal/approval"
	"rollcall/internal/attendance"
	"rollcall/internal/metrics"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
	"rollcall/internal/status"
)

// Errors surfaced to handlers, which map them onto response codes.
var (
	ErrApplicationNotFound = errors.New("leave application not found")
	ErrNoApprovers         = errors.New("at least one approver required")
	ErrNotApplicant        = errors.New("only the applicant may withdraw an application")
	ErrNotPending          = errors.New("application is no longer pending")
	ErrActiveApplication   = errors.New("a pending application already exists for this session")
	ErrInvalidDecision     = errors.New("decision must be approved or rejected")
)

// PermissionError carries the reason an approver may not decide an
// application. Handlers render it as a forbidden response.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string { return e.Reason }

// Store is the persistence surface the service needs. *Repository
// implements it against Postgres; tests substitute an in-memory map.
type Store interface {
	InsertApplication(ctx context.Context, app Application, records []approval.Record) error
	ApplicationByID(ctx context.Context, id string) (*Application, error)
	RecordsForApplication(ctx context.Context, applicationID string) ([]approval.Record, error)
	DecideRecord(ctx context.Context, applicationID, approverID string, decision approval.Decision, comment string, at time.Time) (bool, error)
	SetApplicationStatus(ctx context.Context, applicationID string, from, to approval.State, at time.Time) (bool, error)
	LatestForStudentSession(ctx context.Context, sessionID, studentID string) (*Application, error)
	PendingForApprover(ctx context.Context, approverID string) ([]PendingApproval, error)
	ApplicationsForSession(ctx context.Context, sessionID string) ([]Application, error)
	ExpireOverdue(ctx context.Context, now time.Time) ([]Application, error)
}

// SessionDirectory answers the session questions the service asks
// before accepting an application. The attendance repository satisfies
// it directly.
type SessionDirectory interface {
	SessionByID(ctx context.Context, id string) (*attendance.Session, error)
	OnRoster(ctx context.Context, sessionID, studentID string) (bool, error)
}

// Notifier delivers leave lifecycle events. *notify.Client satisfies
// it; tests capture events instead.
type Notifier interface {
	Send(ctx context.Context, evt notify.Event) error
}

// Service coordinates leave applications and approval records.
type Service struct {
	store    Store
	sessions SessionDirectory
	notifier Notifier
	q        queue.Queue
	logger   *zap.Logger
}

// NewService creates a leave service.
func NewService(store Store, sessions SessionDirectory, notifier Notifier, q queue.Queue, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, sessions: sessions, notifier: notifier, q: q, logger: logger}
}

// Submit files a new application and fans one pending approval record
// out to each assigned approver. A student may hold at most one pending
// application per session.
func (s *Service) Submit(ctx context.Context, studentID, sessionID string, leaveType Type, reason string, approverIDs []string, now time.Time) (*Detail, error) {
	if studentID == "" || sessionID == "" {
		return nil, errors.New("student and session required")
	}
	if !leaveType.Valid() {
		return nil, fmt.Errorf("unknown leave type %q", leaveType)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errors.New("reason required")
	}
	sess, err := s.sessions.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, attendance.ErrSessionNotFound
	}
	enrolled, err := s.sessions.OnRoster(ctx, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	if !enrolled {
		return nil, attendance.ErrNotEnrolled
	}

	approvers := dedupe(approverIDs)
	if len(approvers) == 0 {
		return nil, ErrNoApprovers
	}

	latest, err := s.store.LatestForStudentSession(ctx, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Status == approval.StatePending {
		return nil, ErrActiveApplication
	}

	now = now.UTC()
	app := Application{
		ID:          uuid.NewString(),
		StudentID:   studentID,
		SessionID:   sessionID,
		LeaveType:   leaveType,
		Reason:      reason,
		Status:      approval.StatePending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	records := make([]approval.Record, 0, len(approvers))
	for i, approverID := range approvers {
		records = append(records, approval.Record{
			ApplicationID: app.ID,
			ApproverID:    approverID,
			Decision:      approval.DecisionPending,
			Ordinal:       i + 1,
		})
	}
	if err := s.store.InsertApplication(ctx, app, records); err != nil {
		return nil, fmt.Errorf("insert application: %w", err)
	}

	s.logger.Info("leave application submitted",
		zap.String("application_id", app.ID),
		zap.String("session_id", sessionID),
		zap.String("student_id", studentID),
		zap.Int("approvers", len(approvers)))
	s.send(ctx, notify.Event{
		Kind:          notify.KindLeaveSubmitted,
		ApplicationID: app.ID,
		SessionID:     sessionID,
		StudentID:     studentID,
		Status:        string(approval.StatePending),
		Approvers:     approvers,
		OccurredAt:    now,
	})
	s.publishRecompute(ctx, app.ID)
	return &Detail{Application: app, Records: records, Outcome: approval.Aggregate(records)}, nil
}

// Get returns an application with its records and a freshly computed
// aggregate, or ErrApplicationNotFound.
func (s *Service) Get(ctx context.Context, applicationID string) (*Detail, error) {
	app, err := s.store.ApplicationByID(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, ErrApplicationNotFound
	}
	records, err := s.store.RecordsForApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	return &Detail{Application: *app, Records: records, Outcome: approval.Aggregate(records)}, nil
}

// Decide records one approver's verdict. The permission check runs
// against a fresh read, and the record update is conditional on the
// record still being pending, so two approvers racing on the same
// record cannot both win.
func (s *Service) Decide(ctx context.Context, applicationID, approverID string, decision approval.Decision, comment string, now time.Time) (*Detail, error) {
	if decision != approval.DecisionApproved && decision != approval.DecisionRejected {
		return nil, ErrInvalidDecision
	}
	app, err := s.store.ApplicationByID(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, ErrApplicationNotFound
	}
	records, err := s.store.RecordsForApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	perm := approval.PermissionFor(app.Status, records, approverID)
	if !perm.CanApprove {
		return nil, &PermissionError{Reason: perm.Reason}
	}

	now = now.UTC()
	ok, err := s.store.DecideRecord(ctx, applicationID, approverID, decision, comment, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race between the permission check and the update.
		return nil, &PermissionError{Reason: approval.ReasonAlreadyDecided}
	}
	metrics.LeaveDecisions.WithLabelValues(string(decision)).Inc()
	s.logger.Info("approval recorded",
		zap.String("application_id", applicationID),
		zap.String("approver_id", approverID),
		zap.String("decision", string(decision)))

	detail, err := s.Recompute(ctx, applicationID, now)
	if err != nil {
		return nil, err
	}
	s.publishRecompute(ctx, applicationID)
	return detail, nil
}

// Recompute aggregates the approval records from a fresh read and, when
// they settle the application, moves it out of pending with a
// conditional update. Terminal applications pass through unchanged.
func (s *Service) Recompute(ctx context.Context, applicationID string, now time.Time) (*Detail, error) {
	app, err := s.store.ApplicationByID(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, ErrApplicationNotFound
	}
	records, err := s.store.RecordsForApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	outcome := approval.Aggregate(records)

	if app.Status == approval.StatePending && outcome.Final != approval.StatePending {
		now = now.UTC()
		ok, err := s.store.SetApplicationStatus(ctx, applicationID, approval.StatePending, outcome.Final, now)
		if err != nil {
			return nil, err
		}
		if ok {
			app.Status = outcome.Final
			app.DecidedAt = &now
			app.UpdatedAt = now
			metrics.LeaveOutcomes.WithLabelValues(string(outcome.Final)).Inc()
			s.logger.Info("leave application settled",
				zap.String("application_id", app.ID),
				zap.String("status", string(outcome.Final)))
			s.send(ctx, notify.Event{
				Kind:          kindForState(outcome.Final),
				ApplicationID: app.ID,
				SessionID:     app.SessionID,
				StudentID:     app.StudentID,
				Status:        string(outcome.Final),
				OccurredAt:    now,
			})
		} else {
			// Another writer settled or withdrew it first.
			fresh, err := s.store.ApplicationByID(ctx, applicationID)
			if err != nil {
				return nil, err
			}
			if fresh != nil {
				app = fresh
			}
		}
	}
	return &Detail{Application: *app, Records: records, Outcome: outcome}, nil
}

// Withdraw retracts a pending application. Only the applicant may
// withdraw, and only while the application is still pending.
func (s *Service) Withdraw(ctx context.Context, applicationID, studentID string, now time.Time) (Application, error) {
	app, err := s.store.ApplicationByID(ctx, applicationID)
	if err != nil {
		return Application{}, err
	}
	if app == nil {
		return Application{}, ErrApplicationNotFound
	}
	if app.StudentID != studentID {
		return Application{}, ErrNotApplicant
	}

	now = now.UTC()
	ok, err := s.store.SetApplicationStatus(ctx, applicationID, approval.StatePending, approval.StateWithdrawn, now)
	if err != nil {
		return Application{}, err
	}
	if !ok {
		return Application{}, ErrNotPending
	}
	app.Status = approval.StateWithdrawn
	app.DecidedAt = &now
	app.UpdatedAt = now
	metrics.LeaveOutcomes.WithLabelValues(string(approval.StateWithdrawn)).Inc()
	s.logger.Info("leave application withdrawn",
		zap.String("application_id", app.ID),
		zap.String("student_id", studentID))
	s.send(ctx, notify.Event{
		Kind:          notify.KindLeaveWithdrawn,
		ApplicationID: app.ID,
		SessionID:     app.SessionID,
		StudentID:     app.StudentID,
		Status:        string(approval.StateWithdrawn),
		OccurredAt:    now,
	})
	s.publishRecompute(ctx, applicationID)
	return *app, nil
}

// ClaimFor reports the leave claim shielding a (session, student) pair,
// or nil when none applies. The most recent application governs;
// rejected, withdrawn and expired applications shield nothing.
func (s *Service) ClaimFor(ctx context.Context, sessionID, studentID string) (*status.LeaveClaim, error) {
	latest, err := s.store.LatestForStudentSession(ctx, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	switch latest.Status {
	case approval.StatePending, approval.StateApproved:
		return &status.LeaveClaim{ApplicationID: latest.ID, State: latest.Status}, nil
	}
	return nil, nil
}

// PendingForApprover lists the applications still waiting on one
// approver's decision.
func (s *Service) PendingForApprover(ctx context.Context, approverID string) ([]PendingApproval, error) {
	if approverID == "" {
		return nil, errors.New("approver required")
	}
	return s.store.PendingForApprover(ctx, approverID)
}

// ApplicationsForSession lists every application filed against a
// session, newest first.
func (s *Service) ApplicationsForSession(ctx context.Context, sessionID string) ([]Application, error) {
	sess, err := s.sessions.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, attendance.ErrSessionNotFound
	}
	return s.store.ApplicationsForSession(ctx, sessionID)
}

// ExpireStale marks pending applications whose session has already
// ended as expired. The worker calls it on a timer.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	expired, err := s.store.ExpireOverdue(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, app := range expired {
		metrics.LeaveOutcomes.WithLabelValues(string(approval.StateExpired)).Inc()
		s.logger.Info("leave application expired",
			zap.String("application_id", app.ID),
			zap.String("session_id", app.SessionID))
		s.send(ctx, notify.Event{
			Kind:          notify.KindLeaveExpired,
			ApplicationID: app.ID,
			SessionID:     app.SessionID,
			StudentID:     app.StudentID,
			Status:        string(approval.StateExpired),
			OccurredAt:    now,
		})
		s.publishRecompute(ctx, app.ID)
	}
	return len(expired), nil
}

func (s *Service) send(ctx context.Context, evt notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, evt); err != nil {
		s.logger.Warn("notify failed",
			zap.String("kind", evt.Kind),
			zap.String("application_id", evt.ApplicationID),
			zap.Error(err))
	}
}

func (s *Service) publishRecompute(ctx context.Context, applicationID string) {
	if s.q == nil {
		return
	}
	if err := s.q.Publish(ctx, queue.NewLeaveRecompute(applicationID)); err != nil {
		metrics.QueueFailures.Inc()
		s.logger.Warn("queue publish failed", zap.String("application_id", applicationID), zap.Error(err))
	}
}

func kindForState(st approval.State) string {
	switch st {
	case approval.StateApproved:
		return notify.KindLeaveApproved
	case approval.StateRejected:
		return notify.KindLeaveRejected
	case approval.StateWithdrawn:
		return notify.KindLeaveWithdrawn
	case approval.StateExpired:
		return notify.KindLeaveExpired
	}
	return ""
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
