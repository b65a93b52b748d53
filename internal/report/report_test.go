package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"rollcall/internal/attendance"
	"rollcall/internal/status"
)

var (
	reportStart = time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	reportSess  = attendance.Session{
		ID:           "sess-1",
		CourseCode:   "CS101",
		Title:        "Algorithms",
		TeacherID:    "t-1",
		StartsAt:     reportStart,
		EndsAt:       reportStart.Add(2 * time.Hour),
		TeachingWeek: 2,
		CreatedAt:    reportStart.Add(-24 * time.Hour),
	}
)

func TestAttendanceWorkbook(t *testing.T) {
	rows := []attendance.StatusRow{
		{SessionID: "sess-1", StudentID: "stu-1", StudentName: "Asha", Status: status.Present, Signal: status.SignalCheckin, ResolvedAt: reportStart.Add(10 * time.Minute)},
		{SessionID: "sess-1", StudentID: "stu-2", StudentName: "Binh", Status: status.Truant, Signal: status.SignalNoShow, ResolvedAt: reportStart.Add(10 * time.Minute)},
	}

	buf, filename, err := AttendanceWorkbook(reportSess, rows)
	if err != nil {
		t.Fatalf("workbook: %v", err)
	}
	if filename != "attendance_CS101_2026-03-11.xlsx" {
		t.Errorf("filename = %q", filename)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("reopen workbook: %v", err)
	}
	defer f.Close()

	got, err := f.GetCellValue("Attendance", "B3")
	if err != nil {
		t.Fatalf("read cell: %v", err)
	}
	if got != "stu-1" {
		t.Errorf("B3 = %q, want stu-1", got)
	}
	if got, _ := f.GetCellValue("Attendance", "D4"); got != "truant" {
		t.Errorf("D4 = %q, want truant", got)
	}
	if got, _ := f.GetCellValue("Attendance", "A6"); got != "Summary" {
		t.Errorf("A6 = %q, want Summary", got)
	}
}

func TestAttendanceWorkbookEmpty(t *testing.T) {
	_, _, err := AttendanceWorkbook(reportSess, nil)
	if !errors.Is(err, ErrEmptyReport) {
		t.Fatalf("err = %v, want ErrEmptyReport", err)
	}
}

func TestCalendar(t *testing.T) {
	feed := Calendar("stu-1", []attendance.Session{reportSess})

	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"METHOD:PUBLISH",
		"UID:sess-1-stu-1@rollcall",
		"SUMMARY:CS101 Algorithms",
		"DTSTART:20260311T080000Z",
		"DTEND:20260311T100000Z",
		"END:VCALENDAR",
	} {
		if !strings.Contains(feed, want) {
			t.Errorf("feed missing %q:\n%s", want, feed)
		}
	}
}

func TestCalendarEmpty(t *testing.T) {
	feed := Calendar("stu-1", nil)
	if !strings.Contains(feed, "BEGIN:VCALENDAR") {
		t.Fatalf("empty feed should still be a calendar:\n%s", feed)
	}
	if strings.Contains(feed, "BEGIN:VEVENT") {
		t.Fatalf("empty feed should carry no events:\n%s", feed)
	}
}

func TestCheckinQR(t *testing.T) {
	png, target, err := CheckinQR("https://rollcall.example.edu", "win-1", 0)
	if err != nil {
		t.Fatalf("qr: %v", err)
	}
	if target != "https://rollcall.example.edu/checkin?window=win-1" {
		t.Errorf("target = %q", target)
	}
	if len(png) == 0 || !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Errorf("not a png, %d bytes", len(png))
	}

	if _, _, err := CheckinQR("", "win-1", 0); err == nil {
		t.Error("want error for missing base URL")
	}
	if _, _, err := CheckinQR("https://rollcall.example.edu", "", 0); err == nil {
		t.Error("want error for missing window")
	}
}
