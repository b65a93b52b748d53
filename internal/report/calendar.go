package report

import (
	"fmt"

	ics "github.com/arran4/golang-ical"

	"rollcall/internal/attendance"
)

// Calendar renders a student's sessions as an iCalendar feed, one VEVENT
// per session. Calendar apps subscribe to it read-only, so the method is
// publish.
func Calendar(studentID string, sessions []attendance.Session) string {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)

	for _, sess := range sessions {
		evt := cal.AddEvent(fmt.Sprintf("%s-%s@rollcall", sess.ID, studentID))
		evt.SetDtStampTime(sess.CreatedAt.UTC())
		evt.SetStartAt(sess.StartsAt.UTC())
		evt.SetEndAt(sess.EndsAt.UTC())
		evt.SetSummary(fmt.Sprintf("%s %s", sess.CourseCode, sess.Title))
		evt.SetDescription(fmt.Sprintf("Teaching week %d", sess.TeachingWeek))
	}
	return cal.Serialize()
}
