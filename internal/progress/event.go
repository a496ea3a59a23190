package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parkpass/permitd/internal/permit"
)

// Phase distinguishes entering a step from reporting its result.
type Phase string

// Supported event phases. Every step emits exactly one PhaseEnter event
// before its work and one PhaseResult event after.
const (
	PhaseEnter  Phase = "enter"
	PhaseResult Phase = "result"
)

// Event captures a single milestone of one item's workflow. Events are
// immutable once published. Ordering within one item is monotonic by step;
// across items interleaving is allowed, tagged by ItemIndex so observers can
// demultiplex.
type Event struct {
	// RequestID identifies the parent permit request.
	RequestID uuid.UUID `json:"request_id"`
	// ItemIndex is the ordinal of the item within the request.
	ItemIndex int `json:"item_index"`
	// Step is the portal step the event describes.
	Step permit.Step `json:"step"`
	// StepName is the stable label for Step, for observers that do not
	// share the numeric contract.
	StepName string `json:"step_name"`
	// Status is the item status at emission time.
	Status permit.ItemStatus `json:"status"`
	// Phase marks whether the step is being entered or has produced a result.
	Phase Phase `json:"phase"`
	// Failure carries the taxonomy kind on terminal failed events.
	Failure permit.FailureKind `json:"failure,omitempty"`
	// Note lets emitters attach low-volume context (e.g. attempt counts).
	Note string `json:"note,omitempty"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
}

// Terminal reports whether the event closes out its item.
func (e Event) Terminal() bool {
	return e.Phase == PhaseResult && e.Status.Terminal()
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RequestID == uuid.Nil {
		return errors.New("request id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.ItemIndex < 0 {
		return errors.New("item index must be >= 0")
	}
	if e.Step < permit.FirstStep || e.Step > permit.LastStep {
		return fmt.Errorf("step %d out of range", e.Step)
	}
	switch e.Phase {
	case PhaseEnter, PhaseResult:
	default:
		return fmt.Errorf("unknown phase %q", e.Phase)
	}
	switch e.Status {
	case permit.ItemStatusPending, permit.ItemStatusRunning, permit.ItemStatusAwaitingCaptcha,
		permit.ItemStatusSucceeded, permit.ItemStatusFailed:
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.Status == permit.ItemStatusFailed && e.Phase == PhaseResult && e.Failure == permit.FailureNone {
		return errors.New("terminal failure requires a failure kind")
	}
	return nil
}

// Emitter publishes individual events; Broadcaster satisfies this interface
// so executors stay agnostic about how events are queued or delivered.
type Emitter interface {
	Publish(evt Event)
}

// Tap observes every published event regardless of request subscriptions.
// Implementations must be fast and must not block.
type Tap interface {
	Observe(evt Event)
}
