package evaluator

import (
	"context"
	"errors"
	"fmt"

	"wisefido-tagcache/internal/metrics"
	"wisefido-tagcache/internal/models"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// AlarmState is the lifecycle state of an alarm.
type AlarmState string

const (
	StateUninitialised AlarmState = "uninitialised"
	StateInactive      AlarmState = "inactive"
	StateActive        AlarmState = "active"
	StateOscillating   AlarmState = "oscillating"
)

const (
	eventInitialiseInactive = "initialise_inactive"
	eventInitialiseActive   = "initialise_active"
	eventActivate           = "activate"
	eventDeactivate         = "deactivate"
	eventStartOscillation   = "start_oscillation"
	eventStopInactive       = "stop_oscillation_inactive"
	eventStopActive         = "stop_oscillation_active"
)

// ErrInvalidTransition is returned for state changes the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid alarm state transition")

var alarmTransitions = fsm.Events{
	{Name: eventInitialiseInactive, Src: []string{string(StateUninitialised)}, Dst: string(StateInactive)},
	{Name: eventInitialiseActive, Src: []string{string(StateUninitialised)}, Dst: string(StateActive)},
	{Name: eventActivate, Src: []string{string(StateInactive)}, Dst: string(StateActive)},
	{Name: eventDeactivate, Src: []string{string(StateActive)}, Dst: string(StateInactive)},
	{Name: eventStartOscillation, Src: []string{string(StateUninitialised), string(StateInactive), string(StateActive)}, Dst: string(StateOscillating)},
	{Name: eventStopInactive, Src: []string{string(StateOscillating)}, Dst: string(StateInactive)},
	{Name: eventStopActive, Src: []string{string(StateOscillating)}, Dst: string(StateActive)},
}

// StateOf derives the lifecycle state from the alarm fields.
func StateOf(alarm *models.Alarm) AlarmState {
	switch {
	case !alarm.Initialised():
		return StateUninitialised
	case alarm.Oscillating:
		return StateOscillating
	case alarm.Active:
		return StateActive
	default:
		return StateInactive
	}
}

// Lifecycle validates alarm state changes against the alarm state machine.
type Lifecycle struct {
	logger *zap.Logger
}

// NewLifecycle creates a lifecycle validator.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Transition checks that alarmID may move from one state to another and
// records the entry into the new state. Staying in the same state is allowed.
func (l *Lifecycle) Transition(ctx context.Context, alarmID int64, from, to AlarmState) error {
	if from == to {
		return nil
	}

	machine := fsm.NewFSM(
		string(from),
		alarmTransitions,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.RecordStateEntry(e.Dst)
				l.logger.Info("Alarm state changed",
					zap.Int64("alarm_id", alarmID),
					zap.String("event", e.Event),
					zap.String("from", e.Src),
					zap.String("to", e.Dst),
				)
			},
		},
	)

	for _, desc := range alarmTransitions {
		if desc.Dst != string(to) || !machine.Can(desc.Name) {
			continue
		}
		if err := machine.Event(ctx, desc.Name); err != nil {
			return fmt.Errorf("alarm %d %s: %w", alarmID, desc.Name, err)
		}
		return nil
	}
	return fmt.Errorf("%w: alarm %d from %s to %s", ErrInvalidTransition, alarmID, from, to)
}
