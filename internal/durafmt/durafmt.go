// Package durafmt turns session and assignment snapshots plus a wall-clock
// instant into display strings. Everything here is pure: callers feed the
// clock in, nothing reads time.Now.
package durafmt

import (
	"fmt"
	"time"

	"github.com/protomem/shift-agent/internal/model"
	"github.com/protomem/shift-agent/internal/shift"
)

// Elapsed carries the displayable counters for one session snapshot.
type Elapsed struct {
	Work         string
	Pause        string
	WorkSeconds  int64
	PauseSeconds int64
}

// HMS formats a number of seconds as HH:MM:SS. Negative input is clamped to
// zero, never rendered.
func HMS(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}

	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60

	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// DecimalHours converts seconds to fractional hours for the suffix display.
func DecimalHours(seconds int64) float64 {
	if seconds < 0 {
		seconds = 0
	}
	return float64(seconds) / 3600
}

// Session computes the work and pause counters for a session snapshot at the
// given instant. The counter selected by the session type advances by
// now - startTime; the other stays at its server-reported baseline. The
// output is non-decreasing in now for a fixed snapshot.
func Session(sess *model.Session, now time.Time) Elapsed {
	if sess == nil {
		return Elapsed{Work: HMS(0), Pause: HMS(0)}
	}

	workSeconds := sess.TotalWorkSeconds
	pauseSeconds := sess.TotalPauseSeconds

	running := int64(now.Sub(sess.StartTime) / time.Second)
	if running < 0 {
		running = 0
	}

	switch sess.SessionType {
	case model.SessionWork:
		workSeconds += running
	case model.SessionPause:
		pauseSeconds += running
	}

	return Elapsed{
		Work:         HMS(workSeconds),
		Pause:        HMS(pauseSeconds),
		WorkSeconds:  workSeconds,
		PauseSeconds: pauseSeconds,
	}
}

// Assignment renders the total tracked work time of an assignment as
// "HH:MM:SS (H.HHh)". Closed assignments render their static total; active
// ones add the open segment's elapsed time to the closed-segment sum.
func Assignment(assign model.Assignment, now time.Time) string {
	workSeconds, _ := shift.Totals(assign)

	if open := shift.OpenSegment(assign); open != nil && open.SessionType == model.SessionWork {
		running := int64(now.Sub(open.StartTime) / time.Second)
		if running > 0 {
			workSeconds += running
		}
	}

	return fmt.Sprintf("%s (%.2fh)", HMS(workSeconds), DecimalHours(workSeconds))
}
