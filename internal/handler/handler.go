// Package handler exposes the HTTP API: session and window management
// for teachers, check-ins and leave applications for students, and the
// report downloads built from resolved attendance.
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rollcall/internal/approval"
	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/leave"
	"rollcall/internal/report"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handler carries the services the routes delegate to.
type Handler struct {
	att     *attendance.Service
	leaves  *leave.Service
	baseURL string
	logger  *zap.Logger
}

// New creates a handler. baseURL is the public address QR codes point
// students at.
func New(att *attendance.Service, leaves *leave.Service, baseURL string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{att: att, leaves: leaves, baseURL: baseURL, logger: logger}
}

// Routes registers every authenticated v1 route.
func (h *Handler) Routes(r *gin.Engine, signingKey, issuer string) {
	v1 := r.Group("/v1", auth.UserAuth(signingKey, issuer))

	v1.GET("/sessions/:id", h.GetSession)
	v1.GET("/sessions/:id/windows", h.SessionWindows)
	v1.GET("/leaves/:id", h.GetLeave)
	v1.GET("/students/:id/calendar.ics", h.StudentCalendar)

	teachers := v1.Group("", auth.RequireRole(auth.RoleTeacher))
	teachers.POST("/sessions", h.CreateSession)
	teachers.POST("/sessions/:id/roster", h.AddRoster)
	teachers.GET("/sessions/:id/roster", h.Roster)
	teachers.POST("/sessions/:id/windows", h.OpenWindow)
	teachers.POST("/windows/:id/close", h.CloseWindow)
	teachers.GET("/windows/:id/qr", h.WindowQR)
	teachers.GET("/sessions/:id/attendance", h.SessionAttendance)
	teachers.GET("/sessions/:id/attendance/export", h.ExportAttendance)
	teachers.GET("/sessions/:id/leaves", h.SessionLeaves)
	teachers.POST("/leaves/:id/decision", h.DecideLeave)
	teachers.GET("/approvals/pending", h.PendingApprovals)

	students := v1.Group("", auth.RequireRole(auth.RoleStudent))
	students.GET("/sessions", h.MySessions)
	students.POST("/windows/:id/checkins", h.CheckIn)
	students.GET("/sessions/:id/attendance/me", h.MyAttendance)
	students.POST("/leaves", h.SubmitLeave)
	students.POST("/leaves/:id/withdraw", h.WithdrawLeave)
}

// ---------- Sessions ----------

type createSessionRequest struct {
	CourseCode string    `json:"course_code" binding:"required"`
	Title      string    `json:"title" binding:"required"`
	StartsAt   time.Time `json:"starts_at" binding:"required"`
	EndsAt     time.Time `json:"ends_at" binding:"required"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)

	sess, err := h.att.CreateSession(c.Request.Context(), req.CourseCode, req.Title, claims.Subject, req.StartsAt, req.EndsAt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.att.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// MySessions lists the calling student's sessions in a time range.
func (h *Handler) MySessions(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	from, to, err := timeRange(c, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessions, err := h.att.SessionsForStudent(c.Request.Context(), claims.Subject, from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if sessions == nil {
		sessions = []attendance.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// ---------- Roster ----------

type rosterRequest struct {
	Students []rosterStudent `json:"students" binding:"required"`
}

type rosterStudent struct {
	StudentID   string `json:"student_id" binding:"required"`
	StudentName string `json:"student_name"`
}

func (h *Handler) AddRoster(c *gin.Context) {
	var req rosterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entries := make([]attendance.RosterEntry, 0, len(req.Students))
	for _, s := range req.Students {
		entries = append(entries, attendance.RosterEntry{StudentID: s.StudentID, StudentName: s.StudentName})
	}
	n, err := h.att.AddRoster(c.Request.Context(), c.Param("id"), entries)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrolled": n})
}

func (h *Handler) Roster(c *gin.Context) {
	entries, err := h.att.Roster(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []attendance.RosterEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"students": entries})
}

// ---------- Verification windows ----------

type openWindowRequest struct {
	Minutes      int `json:"minutes"`
	GraceMinutes int `json:"grace_minutes"`
}

func (h *Handler) OpenWindow(c *gin.Context) {
	var req openWindowRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)

	w, err := h.att.OpenWindow(c.Request.Context(), c.Param("id"), claims.Subject, req.Minutes, req.GraceMinutes, time.Now())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *Handler) CloseWindow(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	w, err := h.att.CloseWindow(c.Request.Context(), c.Param("id"), claims.Subject, time.Now())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) SessionWindows(c *gin.Context) {
	windows, err := h.att.Windows(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if windows == nil {
		windows = []attendance.Window{}
	}
	c.JSON(http.StatusOK, gin.H{"windows": windows})
}

// WindowQR renders the check-in QR code teachers project during a
// round.
func (h *Handler) WindowQR(c *gin.Context) {
	w, err := h.att.Window(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	size, _ := strconv.Atoi(c.DefaultQuery("size", "0"))
	png, _, err := report.CheckinQR(h.baseURL, w.ID, size)
	if err != nil {
		h.logger.Error("qr render failed", zap.String("window_id", w.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// ---------- Check-ins ----------

func (h *Handler) CheckIn(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	evt, err := h.att.CheckIn(c.Request.Context(), c.Param("id"), claims.Subject, c.ClientIP(), c.Request.UserAgent(), time.Now())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, evt)
}

// ---------- Attendance ----------

func (h *Handler) SessionAttendance(c *gin.Context) {
	rows, err := h.att.ResolveSession(c.Request.Context(), c.Param("id"), time.Now())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if rows == nil {
		rows = []attendance.StatusRow{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "rows": rows})
}

func (h *Handler) MyAttendance(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	res, err := h.att.ResolveStudent(c.Request.Context(), c.Param("id"), claims.Subject, time.Now())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":   c.Param("id"),
		"student_id":   claims.Subject,
		"status":       res.Status,
		"signal":       res.Signal,
		"evaluated_at": res.EvaluatedAt,
	})
}

func (h *Handler) ExportAttendance(c *gin.Context) {
	sess, err := h.att.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	rows, err := h.att.ResolveSession(c.Request.Context(), c.Param("id"), time.Now())
	if err != nil {
		h.respondError(c, err)
		return
	}
	buf, filename, err := report.AttendanceWorkbook(sess, rows)
	if err != nil {
		if errors.Is(err, report.ErrEmptyReport) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("export failed", zap.String("session_id", sess.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// ---------- Leave applications ----------

type submitLeaveRequest struct {
	SessionID string   `json:"session_id" binding:"required"`
	LeaveType string   `json:"leave_type" binding:"required"`
	Reason    string   `json:"reason" binding:"required"`
	Approvers []string `json:"approvers" binding:"required"`
}

func (h *Handler) SubmitLeave(c *gin.Context) {
	var req submitLeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)

	detail, err := h.leaves.Submit(c.Request.Context(), claims.Subject, req.SessionID, leave.Type(req.LeaveType), req.Reason, req.Approvers, time.Now())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, detail)
}

// GetLeave shows an application to its applicant or to any teacher.
func (h *Handler) GetLeave(c *gin.Context) {
	detail, err := h.leaves.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	claims, _ := auth.FromContext(c)
	if claims.Role != auth.RoleTeacher && claims.Subject != detail.Application.StudentID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed to view this application"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

type decisionRequest struct {
	Decision string `json:"decision" binding:"required"`
	Comment  string `json:"comment"`
}

func (h *Handler) DecideLeave(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)

	detail, err := h.leaves.Decide(c.Request.Context(), c.Param("id"), claims.Subject, approval.Decision(req.Decision), req.Comment, time.Now())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) WithdrawLeave(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	app, err := h.leaves.Withdraw(c.Request.Context(), c.Param("id"), claims.Subject, time.Now())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (h *Handler) SessionLeaves(c *gin.Context) {
	apps, err := h.leaves.ApplicationsForSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if apps == nil {
		apps = []leave.Application{}
	}
	c.JSON(http.StatusOK, gin.H{"applications": apps})
}

func (h *Handler) PendingApprovals(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	approvals, err := h.leaves.PendingForApprover(c.Request.Context(), claims.Subject)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if approvals == nil {
		approvals = []leave.PendingApproval{}
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

// ---------- Calendar ----------

// StudentCalendar serves a student's sessions as an iCalendar feed.
// Students may fetch their own feed; teachers may fetch anyone's.
func (h *Handler) StudentCalendar(c *gin.Context) {
	studentID := c.Param("id")
	claims, _ := auth.FromContext(c)
	if claims.Role != auth.RoleTeacher && claims.Subject != studentID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed to view this calendar"})
		return
	}
	from, to, err := timeRange(c, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessions, err := h.att.SessionsForStudent(c.Request.Context(), studentID, from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", `inline; filename="`+studentID+`.ics"`)
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", []byte(report.Calendar(studentID, sessions)))
}

// ---------- Helpers ----------

// timeRange reads optional from/to query params, defaulting to a window
// around now wide enough for one term.
func timeRange(c *gin.Context, now time.Time) (time.Time, time.Time, error) {
	from := now.AddDate(0, 0, -30)
	to := now.AddDate(0, 0, 120)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errors.New("from must be RFC 3339")
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errors.New("to must be RFC 3339")
		}
		to = t
	}
	return from, to, nil
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var perm *leave.PermissionError
	switch {
	case errors.Is(err, attendance.ErrSessionNotFound),
		errors.Is(err, attendance.ErrWindowNotFound),
		errors.Is(err, leave.ErrApplicationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrNotSessionTeacher),
		errors.Is(err, attendance.ErrNotEnrolled),
		errors.Is(err, leave.ErrNotApplicant):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &perm):
		c.JSON(http.StatusForbidden, gin.H{"error": perm.Reason})
	case errors.Is(err, attendance.ErrWindowAlreadyOpen),
		errors.Is(err, attendance.ErrWindowNotOpen),
		errors.Is(err, attendance.ErrOutsideWindow),
		errors.Is(err, leave.ErrActiveApplication),
		errors.Is(err, leave.ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
