package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"wisefido-tagcache/internal/models"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestStateOf(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		alarm *models.Alarm
		want  AlarmState
	}{
		{"never evaluated", &models.Alarm{Active: true}, StateUninitialised},
		{"inactive", &models.Alarm{TriggerTimestamp: now}, StateInactive},
		{"active", &models.Alarm{TriggerTimestamp: now, Active: true}, StateActive},
		{"oscillating wins", &models.Alarm{TriggerTimestamp: now, Active: true, Oscillating: true}, StateOscillating},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StateOf(tt.alarm))
		})
	}
}

func TestLifecycle_Transition(t *testing.T) {
	lifecycle := NewLifecycle(zap.NewNop())
	tests := []struct {
		from, to AlarmState
		valid    bool
	}{
		{StateUninitialised, StateInactive, true},
		{StateUninitialised, StateActive, true},
		{StateUninitialised, StateOscillating, true},
		{StateInactive, StateActive, true},
		{StateActive, StateInactive, true},
		{StateActive, StateOscillating, true},
		{StateOscillating, StateActive, true},
		{StateOscillating, StateInactive, true},
		{StateActive, StateActive, true},
		{StateInactive, StateUninitialised, false},
		{StateOscillating, StateUninitialised, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := lifecycle.Transition(context.Background(), 1, tt.from, tt.to)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidTransition))
		})
	}
}

type staticStatus map[models.EntityKind]map[int64]models.SupervisionStatus

func (s staticStatus) GetStatus(kind models.EntityKind, id int64) (models.SupervisionStatus, error) {
	status, ok := s[kind][id]
	if !ok {
		return models.StatusNoStatus, errors.New("unknown owner")
	}
	return status, nil
}

func TestSupervisionGate_OwnersRunning(t *testing.T) {
	provider := staticStatus{
		models.KindProcess:      {1: models.StatusRunning, 5: models.StatusDown},
		models.KindEquipment:    {2: models.StatusRunningLocal, 6: models.StatusStopped},
		models.KindSubEquipment: {3: models.StatusRunning},
	}
	gate := NewSupervisionGate(provider, zap.NewNop())

	tests := []struct {
		name                    string
		process, equipment, sub int64
		want                    bool
	}{
		{"all running", 1, 2, 3, true},
		{"no owners", 0, 0, 0, true},
		{"process down", 5, 2, 0, false},
		{"equipment stopped", 1, 6, 0, false},
		{"unknown sub-equipment", 1, 2, 9, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag := &models.Tag{ID: 1, ProcessID: tt.process, EquipmentID: tt.equipment, SubEquipmentID: tt.sub}
			assert.Equal(t, tt.want, gate.OwnersRunning(tag))
		})
	}
}

func TestSupervisionGate_IsReadyForEvaluation(t *testing.T) {
	gate := NewSupervisionGate(staticStatus{models.KindProcess: {1: models.StatusRunning}}, zap.NewNop())

	tag := &models.Tag{ID: 1, ProcessID: 1, Value: 1.5, SourceTimestamp: time.Now(), Quality: models.Quality{Initialised: true}}
	assert.True(t, gate.IsReadyForEvaluation(tag))

	tag.Quality.AddInvalidFlag(models.QualityUnknownReason, "")
	assert.False(t, gate.IsReadyForEvaluation(tag))
}
