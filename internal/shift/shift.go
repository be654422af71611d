// Package shift models the server-defined assignment lifecycle client-side:
// which transitions are legal, what makes an assignment active, and how
// segment durations aggregate. The server enforces the authoritative version;
// this package exists for responsiveness and validation feedback before a
// request is ever issued.
package shift

import (
	"fmt"
	"time"

	"github.com/protomem/shift-agent/internal/model"
	"github.com/protomem/shift-agent/internal/validator"
)

// State describes an assignment's position in its lifecycle.
type State string

const (
	StateWorkActive  State = "work-active"
	StatePauseActive State = "pause-active"
	StateClosed      State = "closed"
)

// Transition names a lifecycle action.
type Transition string

const (
	TransitionStart      Transition = "start"
	TransitionPause      Transition = "pause"
	TransitionResume     Transition = "resume"
	TransitionSwitchTask Transition = "switch_task"
	TransitionStop       Transition = "stop"
)

// OpenSegment returns the assignment's open segment, or nil when the
// assignment is closed. At most one segment is ever open.
func OpenSegment(assign model.Assignment) *model.Segment {
	for i := range assign.Segments {
		if assign.Segments[i].Open() {
			return &assign.Segments[i]
		}
	}
	return nil
}

// IsActive reports whether exactly one segment is open.
func IsActive(assign model.Assignment) bool {
	return OpenSegment(assign) != nil
}

// StateOf derives the lifecycle state from the segments.
func StateOf(assign model.Assignment) State {
	open := OpenSegment(assign)
	switch {
	case open == nil:
		return StateClosed
	case open.SessionType == model.SessionPause:
		return StatePauseActive
	default:
		return StateWorkActive
	}
}

// Apply performs a transition in place, closing and opening segments as the
// lifecycle demands. Illegal transitions return an error wrapping
// model.ErrConflict and leave the assignment untouched.
func Apply(assign *model.Assignment, transition Transition, now time.Time, description string) error {
	state := StateOf(*assign)

	switch transition {
	case TransitionStart:
		if state != StateClosed {
			return transitionError(transition, state)
		}
		appendOpen(assign, model.SessionWork, now, description)

	case TransitionPause:
		if state != StateWorkActive {
			return transitionError(transition, state)
		}
		closeOpen(assign, now)
		appendOpen(assign, model.SessionPause, now, description)

	case TransitionResume:
		if state != StatePauseActive {
			return transitionError(transition, state)
		}
		closeOpen(assign, now)
		appendOpen(assign, model.SessionWork, now, description)

	case TransitionSwitchTask:
		if state == StateClosed {
			return transitionError(transition, state)
		}
		closeOpen(assign, now)
		appendOpen(assign, model.SessionWork, now, description)

	case TransitionStop:
		if state == StateClosed {
			return transitionError(transition, state)
		}
		closeOpen(assign, now)

	default:
		return fmt.Errorf("unknown transition %q", transition)
	}

	return nil
}

func transitionError(transition Transition, state State) error {
	return model.NewError(
		fmt.Sprintf("assignment: %s from %s", transition, state),
		model.ErrConflict,
	)
}

func appendOpen(assign *model.Assignment, sessionType model.SessionType, now time.Time, description string) {
	assign.Segments = append(assign.Segments, model.Segment{
		SessionType: sessionType,
		StartTime:   now,
		Description: description,
	})
}

func closeOpen(assign *model.Assignment, now time.Time) {
	open := OpenSegment(*assign)
	if open == nil {
		return
	}
	end := now
	open.EndTime = &end
	open.DurationHours = end.Sub(open.StartTime).Hours()
}

// ValidateSegments checks a manually entered segment list: every segment must
// end after it starts, and no two segments may overlap. Segments that exactly
// abut are legal. Failures accumulate on the validator as messages.
func ValidateSegments(v *validator.Validator, segments []model.Segment) {
	for i, seg := range segments {
		field := fmt.Sprintf("segments[%d]", i)

		v.CheckField(
			validator.In(seg.SessionType, model.SessionWork, model.SessionPause, model.SessionAbsent),
			field,
			fmt.Sprintf("unknown session type %q", seg.SessionType),
		)

		if seg.EndTime == nil {
			v.AddFieldError(field, "manual segments must have an end time")
			continue
		}

		v.CheckField(seg.EndTime.After(seg.StartTime), field, "end time must be after start time")
	}

	for i := range segments {
		for j := i + 1; j < len(segments); j++ {
			if segments[i].EndTime == nil || segments[j].EndTime == nil {
				continue
			}
			if overlaps(segments[i], segments[j]) {
				v.AddError(fmt.Sprintf(
					"segments %d and %d overlap (%s-%s vs %s-%s)",
					i, j,
					segments[i].StartTime.Format(time.TimeOnly), segments[i].EndTime.Format(time.TimeOnly),
					segments[j].StartTime.Format(time.TimeOnly), segments[j].EndTime.Format(time.TimeOnly),
				))
			}
		}
	}
}

// overlaps implements the half-open interval check: exactly abutting
// segments (end_i == start_j) do not overlap.
func overlaps(a, b model.Segment) bool {
	return a.StartTime.Before(*b.EndTime) && a.EndTime.After(b.StartTime)
}

// Totals sums the closed segments' durations in whole seconds. Absent
// segments count towards neither total; the open segment, if any, is the
// renderer's job.
func Totals(assign model.Assignment) (workSeconds, pauseSeconds int64) {
	for _, seg := range assign.Segments {
		if seg.Open() {
			continue
		}
		switch seg.SessionType {
		case model.SessionWork:
			workSeconds += int64(seg.Duration() / time.Second)
		case model.SessionPause:
			pauseSeconds += int64(seg.Duration() / time.Second)
		}
	}
	return workSeconds, pauseSeconds
}
