// Package report renders attendance data into downloadable artifacts:
// an Excel workbook of a session's resolved roster, an iCalendar feed of
// a student's sessions and the QR code students scan to check in.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"rollcall/internal/attendance"
	"rollcall/internal/status"
)

// ErrEmptyReport is returned when a session has no resolved rows to
// export.
var ErrEmptyReport = errors.New("no attendance rows to export")

// AttendanceWorkbook renders a session's resolved roster as an xlsx
// workbook. Rows arrive already sorted by status precedence and are
// written as-is, followed by a per-status summary block. Returns the
// workbook contents and a suggested filename.
func AttendanceWorkbook(sess attendance.Session, rows []attendance.StatusRow) (*bytes.Buffer, string, error) {
	if len(rows) == 0 {
		return nil, "", ErrEmptyReport
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := "Attendance"
	idx, err := f.NewSheet(sheet)
	if err != nil {
		return nil, "", err
	}
	f.SetActiveSheet(idx)
	f.DeleteSheet("Sheet1")

	f.SetColWidth(sheet, "A", "A", 6)
	f.SetColWidth(sheet, "B", "C", 22)
	f.SetColWidth(sheet, "D", "E", 16)
	f.SetColWidth(sheet, "F", "F", 24)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})

	f.SetCellValue(sheet, "A1", fmt.Sprintf("%s %s (teaching week %d)", sess.CourseCode, sess.Title, sess.TeachingWeek))
	f.MergeCell(sheet, "A1", "F1")
	f.SetCellStyle(sheet, "A1", "A1", headerStyle)

	headers := []string{"#", "Student ID", "Name", "Status", "Signal", "Resolved At"}
	for i, h := range headers {
		c, _ := excelize.CoordinatesToCellName(i+1, 2)
		f.SetCellValue(sheet, c, h)
		f.SetCellStyle(sheet, c, c, headerStyle)
	}

	counts := make(map[status.Status]int)
	for i, row := range rows {
		counts[row.Status]++
		r := i + 3
		f.SetCellValue(sheet, cell("A", r), i+1)
		f.SetCellValue(sheet, cell("B", r), row.StudentID)
		f.SetCellValue(sheet, cell("C", r), row.StudentName)
		f.SetCellValue(sheet, cell("D", r), string(row.Status))
		f.SetCellValue(sheet, cell("E", r), string(row.Signal))
		f.SetCellValue(sheet, cell("F", r), row.ResolvedAt.UTC().Format(time.RFC3339))
	}

	summaryRow := len(rows) + 4
	f.SetCellValue(sheet, cell("A", summaryRow), "Summary")
	f.SetCellStyle(sheet, cell("A", summaryRow), cell("A", summaryRow), headerStyle)
	line := summaryRow + 1
	for _, st := range []status.Status{status.Present, status.Late, status.Leave, status.LeavePending, status.Truant, status.Absent} {
		if counts[st] == 0 {
			continue
		}
		f.SetCellValue(sheet, cell("A", line), string(st))
		f.SetCellValue(sheet, cell("B", line), counts[st])
		line++
	}

	buf := new(bytes.Buffer)
	if err := f.Write(buf); err != nil {
		return nil, "", fmt.Errorf("write workbook: %w", err)
	}
	filename := fmt.Sprintf("attendance_%s_%s.xlsx", sess.CourseCode, sess.StartsAt.Format("2006-01-02"))
	return buf, filename, nil
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
