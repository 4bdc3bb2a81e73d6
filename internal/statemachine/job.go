package statemachine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// JobEvent is one of Start, Progress, Complete, Fail or Cancel.
type JobEvent interface {
	EventType() models.EventType
	jobEvent()
}

type Start struct{}

type Progress struct {
	Percent int
}

type Complete struct {
	Output    json.RawMessage
	SizeBytes int64
}

type Fail struct {
	Error       string
	FailureType models.FailureType
}

type Cancel struct{}

func (Start) EventType() models.EventType    { return models.EventStarted }
func (Progress) EventType() models.EventType { return models.EventProgress }
func (Complete) EventType() models.EventType { return models.EventCompleted }
func (Fail) EventType() models.EventType     { return models.EventFailed }
func (Cancel) EventType() models.EventType   { return models.EventCanceled }

func (Start) jobEvent()    {}
func (Progress) jobEvent() {}
func (Complete) jobEvent() {}
func (Fail) jobEvent()     {}
func (Cancel) jobEvent()   {}

// Guard carries the state a transition may need beyond the current status.
type Guard struct {
	Progress int
}

// Transition computes the status that follows current when ev is applied.
// Terminal states reject every event so duplicate postbacks surface as errors.
func Transition(current models.JobStatus, ev JobEvent, guard Guard) (models.JobStatus, error) {
	if current.IsTerminal() {
		return current, fmt.Errorf("%w: %s job cannot accept %s", ErrTerminalState, current, ev.EventType())
	}

	switch current {
	case models.JobStatusQueued:
		switch ev.(type) {
		case Start:
			return models.JobStatusProcessing, nil
		case Fail:
			return models.JobStatusFailed, nil
		case Cancel:
			return models.JobStatusCanceled, nil
		}
	case models.JobStatusProcessing:
		switch e := ev.(type) {
		case Progress:
			if e.Percent < 0 || e.Percent > 100 {
				return current, fmt.Errorf("%w: %d is outside [0,100]", ErrInvalidProgress, e.Percent)
			}
			if e.Percent < guard.Progress {
				return current, fmt.Errorf("%w: %d is below current progress %d", ErrInvalidProgress, e.Percent, guard.Progress)
			}
			return models.JobStatusProcessing, nil
		case Complete:
			return models.JobStatusCompleted, nil
		case Fail:
			return models.JobStatusFailed, nil
		case Cancel:
			return models.JobStatusCanceled, nil
		}
	}

	return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, ev.EventType())
}

// ApplyJob returns a copy of j with ev applied, including the field side effects
// of the transition. j itself is never modified.
func ApplyJob(j *models.Job, ev JobEvent, now time.Time) (*models.Job, error) {
	next, err := Transition(j.Status, ev, Guard{Progress: j.Progress})
	if err != nil {
		return nil, err
	}

	out := j.Clone()
	out.Status = next
	out.UpdatedAt = now

	switch e := ev.(type) {
	case Start:
		if out.StartedAt == nil {
			out.StartedAt = &now
		}
	case Progress:
		out.Progress = e.Percent
	case Complete:
		out.Output = e.Output
		size := e.SizeBytes
		out.OutputSizeBytes = &size
	case Fail:
		msg := e.Error
		ft := e.FailureType
		if ft == "" {
			ft = models.FailureSystem
		}
		out.Error = &msg
		out.FailureType = &ft
	}

	if next.IsTerminal() {
		out.CompletedAt = &now
	}
	return out, nil
}
