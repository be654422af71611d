package model

import "time"

type ID = uint

// SessionType marks what a session or segment counts towards.
type SessionType string

const (
	SessionWork   SessionType = "work"
	SessionPause  SessionType = "pause"
	SessionAbsent SessionType = "absent"
)

// AssignmentType distinguishes tracked shifts from whole-day absences.
type AssignmentType string

const (
	AssignmentWork        AssignmentType = "work"
	AssignmentSickLeave   AssignmentType = "sick_leave"
	AssignmentVacation    AssignmentType = "vacation"
	AssignmentDayOff      AssignmentType = "day_off"
	AssignmentUnpaidLeave AssignmentType = "unpaid_leave"
)

// Session is the currently running unit of work for one worker, as last
// reported by the server. TotalWorkSeconds and TotalPauseSeconds are
// cumulative as of the last server snapshot; the counter selected by
// SessionType is the one advancing.
type Session struct {
	ID           ID          `json:"id" db:"id"`
	AssignmentID ID          `json:"assignmentId" db:"assignment_id"`
	WorkerID     ID          `json:"workerId" db:"worker_id"`
	SessionType  SessionType `json:"sessionType" db:"session_type"`

	AssignmentDate time.Time `json:"assignmentDate" db:"assignment_date"`
	StartTime      time.Time `json:"startTime" db:"start_time"`

	TotalWorkSeconds  int64 `json:"totalWorkSeconds" db:"total_work_seconds"`
	TotalPauseSeconds int64 `json:"totalPauseSeconds" db:"total_pause_seconds"`
}

// Clone returns a deep copy, used as a rollback snapshot before optimistic
// mutations.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Segment is a contiguous sub-interval of an assignment. EndTime is nil while
// the segment is still open.
type Segment struct {
	ID          ID          `json:"id"`
	SessionType SessionType `json:"sessionType"`
	StartTime   time.Time   `json:"startTime"`
	EndTime     *time.Time  `json:"endTime,omitempty"`
	Description string      `json:"description"`

	// DurationHours is derived by the server once the segment closes.
	DurationHours float64 `json:"durationHours"`
}

// Open reports whether the segment has no end time yet.
func (s Segment) Open() bool {
	return s.EndTime == nil
}

// Duration returns the closed segment's length. Open segments report zero.
func (s Segment) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Assignment is a shift: the container of segments shown in list views.
type Assignment struct {
	AssignmentID   ID             `json:"assignmentId"`
	TrackingNumber string         `json:"trackingNumber"`
	WorkerID       ID             `json:"workerId"`
	AssignmentType AssignmentType `json:"assignmentType"`
	Segments       []Segment      `json:"segments"`
}

// AssignmentGroup is the grouped read model served for list views.
type AssignmentGroup struct {
	Date        time.Time    `json:"date"`
	Assignments []Assignment `json:"assignments"`
}

// AssignmentsSummary is the aggregate read model for the summary view.
type AssignmentsSummary struct {
	TotalWorkSeconds  int64 `json:"totalWorkSeconds"`
	TotalPauseSeconds int64 `json:"totalPauseSeconds"`
	AssignmentCount   int   `json:"assignmentCount"`
}
