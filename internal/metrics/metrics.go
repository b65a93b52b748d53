// Package metrics holds the prometheus collectors shared by the API and
// worker binaries. Everything registers on the default registry, which
// /metrics already serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Resolutions counts resolver verdicts by resulting status.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_resolutions_total",
		Help: "Attendance resolutions by resulting status.",
	}, []string{"status"})

	// Checkins counts accepted check-ins: on_time, late or duplicate.
	Checkins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_checkins_total",
		Help: "Accepted check-ins by punctuality.",
	}, []string{"result"})

	// LeaveDecisions counts recorded approver decisions.
	LeaveDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_leave_decisions_total",
		Help: "Approver decisions recorded on leave applications.",
	}, []string{"decision"})

	// LeaveOutcomes counts applications reaching a final state.
	LeaveOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_leave_outcomes_total",
		Help: "Leave applications reaching a terminal state.",
	}, []string{"state"})

	// WindowsExpired counts windows flipped to expired by the sweep.
	WindowsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_windows_expired_total",
		Help: "Verification windows expired by the background sweep.",
	})

	// QueueFailures counts messages that could not be published.
	QueueFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_queue_publish_failures_total",
		Help: "Queue publishes that returned an error.",
	})
)
