package reindex

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is a step of a run.
type State int

const (
	Idle State = iota
	LockAcquired
	GenerationCreated
	Loading
	SettingsRestored
	Swapped
	CleaningUp
)

var stateNames = [...]string{
	Idle:              "idle",
	LockAcquired:      "lock_acquired",
	GenerationCreated: "generation_created",
	Loading:           "loading",
	SettingsRestored:  "settings_restored",
	Swapped:           "swapped",
	CleaningUp:        "cleaning_up",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// run carries the bookkeeping of one orchestrator invocation.
type run struct {
	id      string
	op      Operation
	started time.Time
	state   State
	log     *zap.Logger
	span    trace.Span
}

func (r *run) transition(to State) {
	r.log.Debug("state transition", zap.Stringer("from", r.state), zap.Stringer("to", to))
	r.state = to
}
