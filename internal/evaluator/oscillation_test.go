package evaluator

import (
	"testing"
	"time"

	"wisefido-tagcache/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOscillationTracker_StartsAtThreshold(t *testing.T) {
	tracker := NewOscillationTracker(OscillationConfig{Threshold: 3, Window: time.Minute, ReleaseThreshold: 1, QuietPeriod: time.Minute})
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	alarm := &models.Alarm{ID: 7}

	tracker.RecordTransition(7, base)
	tracker.RecordTransition(7, base.Add(time.Second))
	assert.Equal(t, OscillationUnchanged, tracker.UpdateOscillationStatus(alarm, base.Add(time.Second)))
	assert.False(t, alarm.Oscillating)

	tracker.RecordTransition(7, base.Add(2*time.Second))
	assert.Equal(t, OscillationStarted, tracker.UpdateOscillationStatus(alarm, base.Add(2*time.Second)))
	assert.True(t, alarm.Oscillating)

	assert.Equal(t, OscillationUnchanged, tracker.UpdateOscillationStatus(alarm, base.Add(3*time.Second)))
	assert.True(t, alarm.Oscillating)
}

func TestOscillationTracker_TransitionsOutsideWindowDoNotCount(t *testing.T) {
	tracker := NewOscillationTracker(OscillationConfig{Threshold: 3, Window: 10 * time.Second, ReleaseThreshold: 1, QuietPeriod: time.Minute})
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	alarm := &models.Alarm{ID: 7}

	tracker.RecordTransition(7, base)
	tracker.RecordTransition(7, base.Add(20*time.Second))
	tracker.RecordTransition(7, base.Add(40*time.Second))

	assert.Equal(t, 1, tracker.TransitionCount(7, base.Add(40*time.Second)))
	assert.Equal(t, OscillationUnchanged, tracker.UpdateOscillationStatus(alarm, base.Add(40*time.Second)))
	assert.False(t, alarm.Oscillating)
}

func TestOscillationTracker_ReleaseNeedsQuietPeriod(t *testing.T) {
	tracker := NewOscillationTracker(OscillationConfig{Threshold: 2, Window: 10 * time.Second, ReleaseThreshold: 1, QuietPeriod: 30 * time.Second})
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	alarm := &models.Alarm{ID: 7}

	tracker.RecordTransition(7, base)
	tracker.RecordTransition(7, base.Add(time.Second))
	require.Equal(t, OscillationStarted, tracker.UpdateOscillationStatus(alarm, base.Add(time.Second)))

	// window empty, quiet period not over
	assert.Empty(t, tracker.Expired(base.Add(20*time.Second)))
	assert.Equal(t, OscillationUnchanged, tracker.UpdateOscillationStatus(alarm, base.Add(20*time.Second)))

	assert.Equal(t, []int64{7}, tracker.Expired(base.Add(31*time.Second)))
	assert.Equal(t, OscillationStopped, tracker.UpdateOscillationStatus(alarm, base.Add(31*time.Second)))
	assert.False(t, alarm.Oscillating)
	assert.Empty(t, tracker.Expired(base.Add(32*time.Second)))
}

func TestOscillationTracker_UnknownOscillatingAlarmIsSeeded(t *testing.T) {
	tracker := NewOscillationTracker(DefaultOscillationConfig())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	alarm := &models.Alarm{ID: 9, Oscillating: true}

	assert.Equal(t, OscillationUnchanged, tracker.UpdateOscillationStatus(alarm, now))
	assert.True(t, alarm.Oscillating)
	assert.Empty(t, tracker.Expired(now))
	assert.Equal(t, []int64{9}, tracker.Expired(now.Add(time.Minute)))
}

func TestOscillationTracker_ResetAndForget(t *testing.T) {
	tracker := NewOscillationTracker(DefaultOscillationConfig())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tracker.MarkOscillating(1, now)
	tracker.MarkOscillating(2, now)
	tracker.Reset(1)
	tracker.Forget(2)

	assert.Empty(t, tracker.Expired(now.Add(time.Hour)))
	assert.Zero(t, tracker.TransitionCount(1, now))
}

func TestOscillationTracker_HistoryIsBounded(t *testing.T) {
	tracker := NewOscillationTracker(OscillationConfig{Threshold: 3, Window: time.Hour, ReleaseThreshold: 1, QuietPeriod: time.Minute})
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		tracker.RecordTransition(5, base.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 6, tracker.TransitionCount(5, base.Add(100*time.Second)))
}

func TestNewOscillationTracker_NormalisesConfig(t *testing.T) {
	tracker := NewOscillationTracker(OscillationConfig{Threshold: 0, ReleaseThreshold: 5})
	assert.Equal(t, 1, tracker.cfg.Threshold)
	assert.Equal(t, 1, tracker.cfg.ReleaseThreshold)
}
