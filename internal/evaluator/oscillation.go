package evaluator

import (
	"sort"
	"sync"
	"time"

	"wisefido-tagcache/internal/models"
)

// OscillationConfig tunes flap detection.
type OscillationConfig struct {
	// Threshold transitions inside Window mark an alarm oscillating.
	Threshold int
	Window    time.Duration
	// An oscillating alarm is released once fewer than ReleaseThreshold
	// transitions remain in Window and none happened for QuietPeriod.
	ReleaseThreshold int
	QuietPeriod      time.Duration
}

// DefaultOscillationConfig matches the server defaults: 3 transitions in 60s.
func DefaultOscillationConfig() OscillationConfig {
	return OscillationConfig{
		Threshold:        3,
		Window:           time.Minute,
		ReleaseThreshold: 1,
		QuietPeriod:      time.Minute,
	}
}

// OscillationChange is the outcome of UpdateOscillationStatus.
type OscillationChange int

const (
	OscillationUnchanged OscillationChange = iota
	OscillationStarted
	OscillationStopped
)

type oscillationState struct {
	transitions    []time.Time
	lastTransition time.Time
	oscillating    bool
}

// OscillationTracker keeps a rolling window of condition transitions per alarm.
// Callers hold the alarm's key lock; the tracker's own mutex only protects the
// map against the periodic sweep.
type OscillationTracker struct {
	cfg OscillationConfig

	mu     sync.Mutex
	alarms map[int64]*oscillationState
}

// NewOscillationTracker creates a tracker.
func NewOscillationTracker(cfg OscillationConfig) *OscillationTracker {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	if cfg.ReleaseThreshold < 1 || cfg.ReleaseThreshold > cfg.Threshold {
		cfg.ReleaseThreshold = 1
	}
	return &OscillationTracker{
		cfg:    cfg,
		alarms: make(map[int64]*oscillationState),
	}
}

// RecordTransition notes that the condition of alarmID flipped at at.
func (t *OscillationTracker) RecordTransition(alarmID int64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(alarmID)
	st.transitions = append(st.transitions, at)
	if at.After(st.lastTransition) {
		st.lastTransition = at
	}
	st.prune(at, t.cfg.Window, t.cfg.Threshold)
}

// UpdateOscillationStatus sets or clears alarm.Oscillating from the recorded
// transitions.
func (t *OscillationTracker) UpdateOscillationStatus(alarm *models.Alarm, now time.Time) OscillationChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.alarms[alarm.ID]
	if !ok {
		if !alarm.Oscillating {
			return OscillationUnchanged
		}
		// oscillating before the tracker knew about it, e.g. after a restart
		st = t.state(alarm.ID)
		st.lastTransition = now
	}
	st.oscillating = alarm.Oscillating
	st.prune(now, t.cfg.Window, t.cfg.Threshold)

	switch {
	case !alarm.Oscillating && len(st.transitions) >= t.cfg.Threshold:
		alarm.Oscillating = true
		st.oscillating = true
		return OscillationStarted
	case alarm.Oscillating && t.releasable(st, now):
		alarm.Oscillating = false
		st.oscillating = false
		st.transitions = nil
		return OscillationStopped
	}
	return OscillationUnchanged
}

// Expired returns the oscillating alarms whose flapping has calmed down.
func (t *OscillationTracker) Expired(now time.Time) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []int64
	for id, st := range t.alarms {
		if !st.oscillating {
			continue
		}
		st.prune(now, t.cfg.Window, t.cfg.Threshold)
		if t.releasable(st, now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarkOscillating registers an alarm that is already oscillating.
func (t *OscillationTracker) MarkOscillating(alarmID int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(alarmID)
	st.oscillating = true
	if st.lastTransition.IsZero() {
		st.lastTransition = now
	}
}

// Reset clears the history of alarmID after its oscillation was stopped.
func (t *OscillationTracker) Reset(alarmID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.alarms, alarmID)
}

// Forget is Reset for removed alarms.
func (t *OscillationTracker) Forget(alarmID int64) {
	t.Reset(alarmID)
}

// TransitionCount returns the number of transitions of alarmID inside the window ending at now.
func (t *OscillationTracker) TransitionCount(alarmID int64, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.alarms[alarmID]
	if !ok {
		return 0
	}
	st.prune(now, t.cfg.Window, t.cfg.Threshold)
	return len(st.transitions)
}

func (t *OscillationTracker) state(alarmID int64) *oscillationState {
	st, ok := t.alarms[alarmID]
	if !ok {
		st = &oscillationState{}
		t.alarms[alarmID] = st
	}
	return st
}

func (t *OscillationTracker) releasable(st *oscillationState, now time.Time) bool {
	return len(st.transitions) < t.cfg.ReleaseThreshold && now.Sub(st.lastTransition) >= t.cfg.QuietPeriod
}

// prune drops transitions older than window and keeps at most limit*2 entries.
func (st *oscillationState) prune(now time.Time, window time.Duration, limit int) {
	cutoff := now.Add(-window)
	keep := 0
	for keep < len(st.transitions) && st.transitions[keep].Before(cutoff) {
		keep++
	}
	st.transitions = st.transitions[keep:]
	if maxKeep := 2 * limit; len(st.transitions) > maxKeep {
		st.transitions = st.transitions[len(st.transitions)-maxKeep:]
	}
}
