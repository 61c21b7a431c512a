package evaluator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/metrics"
	"wisefido-tagcache/internal/models"

	"go.uber.org/zap"
)

var errTagUnavailable = errors.New("tag of alarm unavailable")

// Engine derives alarm state from tag updates and publishes the result as
// TagWithAlarms events.
type Engine struct {
	tags        *cache.Store[int64, *models.Tag]
	alarms      *cache.Store[int64, *models.Alarm]
	executor    *cache.Executor
	gate        *SupervisionGate
	tracker     *OscillationTracker
	lifecycle   *Lifecycle
	aggregators *cache.Registry[int64, *models.TagWithAlarms]
	now         func() time.Time
	logger      *zap.Logger

	// basisMu guards basis, the newest tag timestamp each alarm was
	// evaluated against, written or not.
	basisMu sync.Mutex
	basis   map[int64]time.Time
}

// NewEngine creates an engine. Register it on the tag store to evaluate every
// stored update.
func NewEngine(
	tags *cache.Store[int64, *models.Tag],
	alarms *cache.Store[int64, *models.Alarm],
	executor *cache.Executor,
	gate *SupervisionGate,
	tracker *OscillationTracker,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		tags:        tags,
		alarms:      alarms,
		executor:    executor,
		gate:        gate,
		tracker:     tracker,
		lifecycle:   NewLifecycle(logger),
		aggregators: cache.NewRegistry[int64, *models.TagWithAlarms]("tag-with-alarms", cache.Clone[*models.TagWithAlarms], logger),
		now:         time.Now,
		logger:      logger,
		basis:       make(map[int64]time.Time),
	}
}

// Name identifies the engine in listener logs.
func (e *Engine) Name() string {
	return "alarm-evaluation-engine"
}

// RegisterAggregator subscribes a listener to TagWithAlarms events.
func (e *Engine) RegisterAggregator(listener cache.Listener[int64, *models.TagWithAlarms], mode cache.DeliveryMode) (cache.Handle, error) {
	return e.aggregators.Register(listener, mode)
}

// Close drains and stops the aggregator listeners.
func (e *Engine) Close() {
	e.aggregators.Close()
}

// OnEvent evaluates the alarms of an updated tag unless an owner is not running.
func (e *Engine) OnEvent(event cache.Event[int64, *models.Tag]) error {
	if event.Kind != cache.Updated {
		return nil
	}
	tag := event.Value
	if !tag.HasAlarms() {
		return nil
	}
	if !e.gate.OwnersRunning(tag) {
		metrics.RecordEvaluation(metrics.EvalSkipped)
		e.logger.Debug("Skipping alarm evaluation, owner not running", zap.Int64("tag_id", tag.ID))
		return nil
	}
	_, err := e.EvaluateAlarms(tag)
	return err
}

// EvaluateAlarms evaluates every alarm of tag in one unit of work and returns
// copies of the resulting alarm states. A tag that is not ready leaves the
// alarms unchanged. Failures of single alarms are logged and skipped.
func (e *Engine) EvaluateAlarms(tag *models.Tag) ([]*models.Alarm, error) {
	if tag == nil {
		return nil, fmt.Errorf("%w: nil tag", cache.ErrInvalidArgument)
	}
	results, changed, err := e.evaluate(tag, tag.AlarmIDs)
	if err != nil {
		return nil, err
	}
	if changed {
		e.publish(tag, results)
	}
	return results, nil
}

// EvaluateAlarm re-evaluates one alarm against the current value of its tag.
func (e *Engine) EvaluateAlarm(alarmID int64) (*models.Alarm, error) {
	alarm, err := e.alarms.Get(alarmID)
	if err != nil {
		return nil, err
	}
	tag, err := e.tags.GetCopy(alarm.TagID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tag of alarm %d: %w", alarmID, err)
	}

	results, changed, err := e.evaluate(tag, []int64{alarmID})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("alarm %d could not be evaluated", alarmID)
	}
	if changed {
		e.publish(tag, e.alarmsOf(tag))
	}
	return results[0], nil
}

func (e *Engine) evaluate(tag *models.Tag, alarmIDs []int64) ([]*models.Alarm, bool, error) {
	start := time.Now()
	ids := slices.Clone(alarmIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	if !tag.ReadyForEvaluation() {
		metrics.RecordEvaluation(metrics.EvalSkipped)
		e.logger.Debug("Tag not ready for evaluation, alarms left unchanged",
			zap.Int64("tag_id", tag.ID),
			zap.Bool("valid", tag.Quality.IsValid()),
			zap.String("quality", tag.Quality.Description()),
		)
		return e.copiesOf(ids), false, nil
	}

	refs := make([]cache.KeyRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, e.alarms.Ref(id))
	}

	var results []*models.Alarm
	changed := false
	err := e.executor.Execute(refs, func(tx *cache.Tx) error {
		for _, id := range ids {
			alarm, updated := e.evaluateIsolated(tx, tag, id)
			if alarm != nil {
				results = append(results, alarm)
			}
			changed = changed || updated
		}
		return nil
	})
	if err != nil {
		metrics.ObserveEvaluationTime("failed", time.Since(start))
		return nil, false, fmt.Errorf("failed to evaluate alarms of tag %d: %w", tag.ID, err)
	}

	result := "unchanged"
	if changed {
		result = "changed"
	}
	metrics.ObserveEvaluationTime(result, time.Since(start))
	return results, changed, nil
}

// evaluateIsolated keeps a failing alarm from affecting its siblings.
func (e *Engine) evaluateIsolated(tx *cache.Tx, tag *models.Tag, alarmID int64) (alarm *models.Alarm, changed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.RecordEvaluation(metrics.EvalFailed)
			e.logger.Error("Alarm evaluation panicked",
				zap.Int64("alarm_id", alarmID),
				zap.Int64("tag_id", tag.ID),
				zap.Any("panic", rec),
			)
			alarm, changed = nil, false
		}
	}()

	alarm, changed, err := e.evaluateOne(tx, tag, alarmID)
	if err != nil {
		metrics.RecordEvaluation(metrics.EvalFailed)
		e.logger.Error("Failed to evaluate alarm",
			zap.Int64("alarm_id", alarmID),
			zap.Int64("tag_id", tag.ID),
			zap.Error(err),
		)
		return nil, false
	}
	return alarm, changed
}

func (e *Engine) evaluateOne(tx *cache.Tx, tag *models.Tag, alarmID int64) (*models.Alarm, bool, error) {
	current, err := e.alarms.GetTx(tx, alarmID)
	if err != nil {
		return nil, false, err
	}
	if current.TagID != tag.ID {
		return nil, false, fmt.Errorf("alarm %d belongs to tag %d, not %d", alarmID, current.TagID, tag.ID)
	}
	if current.Condition == nil {
		return nil, false, fmt.Errorf("alarm %d has no condition", alarmID)
	}

	alarm, err := cache.Clone(current)
	if err != nil {
		return nil, false, err
	}

	if basis := e.basisOf(current); tag.Timestamp().Before(basis) {
		metrics.RecordEvaluation(metrics.EvalSkipped)
		e.logger.Debug("Skipping superseded evaluation",
			zap.Int64("alarm_id", alarmID),
			zap.Time("tag_timestamp", tag.Timestamp()),
			zap.Time("basis", basis),
		)
		return alarm, false, nil
	}

	newState, err := current.Condition.Evaluate(tag.Value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to evaluate condition of alarm %d: %w", alarmID, err)
	}
	e.setBasis(alarmID, tag.Timestamp())

	now := e.now()
	if current.Initialised() && newState != current.InternalActive {
		e.tracker.RecordTransition(alarmID, now)
	}
	oscillation := e.tracker.UpdateOscillationStatus(alarm, now)
	info := models.BuildInfo(tag, alarm.Oscillating)

	if !mustUpdate(current, newState, info) {
		metrics.RecordEvaluation(metrics.EvalUnchanged)
		return alarm, false, nil
	}

	newActive := alarm.Oscillating || newState
	if current.Initialised() &&
		current.InternalActive == newState &&
		current.Active == newActive &&
		current.Oscillating == alarm.Oscillating &&
		current.Info == info {
		metrics.RecordEvaluation(metrics.EvalUnchanged)
		return alarm, false, nil
	}

	if !current.Initialised() || (!current.Active && newActive) {
		alarm.TriggerTimestamp = now
	}
	alarm.InternalActive = newState
	alarm.Active = newActive
	alarm.Info = info
	alarm.SourceTimestamp = tag.Timestamp()

	if err := e.lifecycle.Transition(context.Background(), alarmID, StateOf(current), StateOf(alarm)); err != nil {
		return nil, false, err
	}

	// an alarm that keeps oscillating is written quietly and only reaches
	// the aggregators when what they show changed; starting and stopping
	// oscillation notify as usual
	visible := true
	if current.Oscillating && alarm.Oscillating {
		err = e.alarms.PutQuietTx(tx, alarmID, alarm)
		visible = current.Active != alarm.Active || current.Info != alarm.Info
	} else {
		err = e.alarms.PutTx(tx, alarmID, alarm)
	}
	if err != nil {
		return nil, false, err
	}

	switch oscillation {
	case OscillationStarted:
		metrics.RecordOscillation("start")
		e.logger.Info("Alarm started oscillating",
			zap.Int64("alarm_id", alarmID),
			zap.Int64("tag_id", tag.ID),
			zap.Int("transitions", e.tracker.TransitionCount(alarmID, now)),
		)
	case OscillationStopped:
		metrics.RecordOscillation("stop")
		e.logger.Info("Alarm stopped oscillating", zap.Int64("alarm_id", alarmID), zap.Int64("tag_id", tag.ID))
	}
	metrics.RecordEvaluation(metrics.EvalUpdated)
	return alarm, visible, nil
}

// mustUpdate lets an evaluation proceed when the alarm is uninitialised, the
// condition holds, the alarm is currently active, the condition result
// changed or the info tokens differ. Callers only evaluate valid tags.
func mustUpdate(current *models.Alarm, newState bool, info string) bool {
	return !current.Initialised() ||
		newState ||
		current.Active ||
		current.InternalActive != newState ||
		current.Info != info
}

// StopOscillation clears the oscillation of an alarm and re-evaluates it
// against the current tag value. The write notifies listeners once.
func (e *Engine) StopOscillation(alarmID int64) (*models.Alarm, error) {
	alarm, _, err := e.stopOscillation(alarmID)
	return alarm, err
}

func (e *Engine) stopOscillation(alarmID int64) (*models.Alarm, bool, error) {
	// the tag is read before the alarm key is locked: loading a cold tag
	// takes the tag key, and tag writers hold it while they lock alarms
	snapshot, err := e.alarms.Get(alarmID)
	if err != nil {
		return nil, false, err
	}
	var tag *models.Tag
	if snapshot.Oscillating {
		tag, err = e.tags.GetCopy(snapshot.TagID)
		if err != nil {
			return nil, false, fmt.Errorf("%w: alarm %d: %w", errTagUnavailable, alarmID, err)
		}
	}

	stopped := false
	alarm, err := cache.ExecuteResult(e.executor, []cache.KeyRef{e.alarms.Ref(alarmID)}, func(tx *cache.Tx) (*models.Alarm, error) {
		current, err := e.alarms.GetTx(tx, alarmID)
		if err != nil {
			return nil, err
		}
		alarm, err := cache.Clone(current)
		if err != nil {
			return nil, err
		}
		if !current.Oscillating {
			e.tracker.Reset(alarmID)
			return alarm, nil
		}
		if tag == nil || tag.ID != current.TagID {
			// started oscillating or moved to another tag since the snapshot
			return nil, fmt.Errorf("%w: alarm %d changed while stopping its oscillation", errTagUnavailable, alarmID)
		}

		newState := current.InternalActive
		if tag.ReadyForEvaluation() && current.Condition != nil {
			state, err := current.Condition.Evaluate(tag.Value)
			if err != nil {
				e.logger.Warn("Failed to re-evaluate alarm, keeping last condition result",
					zap.Int64("alarm_id", alarmID),
					zap.Error(err),
				)
			} else {
				newState = state
				if ts := tag.Timestamp(); ts.After(alarm.SourceTimestamp) {
					alarm.SourceTimestamp = ts
				}
			}
		}

		alarm.Oscillating = false
		alarm.InternalActive = newState
		alarm.Active = newState
		alarm.Info = models.BuildInfo(tag, false)

		if err := e.lifecycle.Transition(context.Background(), alarmID, StateOf(current), StateOf(alarm)); err != nil {
			return nil, err
		}
		if err := e.alarms.PutTx(tx, alarmID, alarm); err != nil {
			return nil, err
		}
		e.tracker.Reset(alarmID)
		stopped = true
		return alarm, nil
	})
	if err != nil {
		return nil, false, err
	}

	if stopped {
		metrics.RecordOscillation("stop")
		e.logger.Info("Alarm oscillation stopped",
			zap.Int64("alarm_id", alarmID),
			zap.Bool("active", alarm.Active),
		)
		e.publish(tag, e.alarmsOf(tag))
	}
	return alarm, stopped, nil
}

// CheckOscillations stops every oscillation that calmed down and returns how
// many were stopped.
func (e *Engine) CheckOscillations() int {
	stopped := 0
	for _, id := range e.tracker.Expired(e.now()) {
		_, ok, err := e.stopOscillation(id)
		if err != nil {
			// a missing tag is retried by the next sweep; only a removed
			// alarm leaves the tracker
			if !errors.Is(err, errTagUnavailable) && !e.alarms.ContainsKey(id) {
				e.tracker.Forget(id)
			}
			e.logger.Error("Failed to stop oscillation", zap.Int64("alarm_id", id), zap.Error(err))
			continue
		}
		if ok {
			stopped++
		}
	}
	return stopped
}

// RunOscillationSweep calls CheckOscillations every interval until ctx is done.
func (e *Engine) RunOscillationSweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.CheckOscillations(); n > 0 {
				e.logger.Debug("Oscillation sweep finished", zap.Int("stopped", n))
			}
		}
	}
}

// RestoreOscillations hands alarms that were stored as oscillating to the
// tracker so the sweep can release them. Call it after preloading.
func (e *Engine) RestoreOscillations() int {
	now := e.now()
	restored := 0
	for _, id := range e.alarms.GetKeys() {
		alarm, err := e.alarms.Get(id)
		if err != nil || !alarm.Oscillating {
			continue
		}
		e.tracker.MarkOscillating(id, now)
		restored++
	}
	return restored
}

// RemoveAlarm deletes an alarm, detaches it from its tag and publishes the
// tag with the removed alarm reported inactive.
func (e *Engine) RemoveAlarm(alarmID int64) (bool, error) {
	removed, err := cache.ExecuteResult(e.executor, []cache.KeyRef{e.alarms.Ref(alarmID)}, func(tx *cache.Tx) (*models.Alarm, error) {
		current, err := e.alarms.GetTx(tx, alarmID)
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		alarm, err := cache.Clone(current)
		if err != nil {
			return nil, err
		}
		if _, err := e.alarms.RemoveTx(tx, alarmID); err != nil {
			return nil, err
		}
		return alarm, nil
	})
	if err != nil || removed == nil {
		return false, err
	}
	e.tracker.Forget(alarmID)
	e.basisMu.Lock()
	delete(e.basis, alarmID)
	e.basisMu.Unlock()

	tag, err := cache.ExecuteResult(e.executor, []cache.KeyRef{e.tags.Ref(removed.TagID)}, func(tx *cache.Tx) (*models.Tag, error) {
		tag, err := e.tags.GetCopyTx(tx, removed.TagID)
		if err != nil {
			return nil, err
		}
		tag.AlarmIDs = slices.DeleteFunc(tag.AlarmIDs, func(id int64) bool { return id == alarmID })
		// detaching an alarm is not a new value, so no re-evaluation
		if err := e.tags.PutQuietTx(tx, tag.ID, tag); err != nil {
			return nil, err
		}
		return tag, nil
	})
	if err != nil {
		e.logger.Warn("Alarm removed but its tag could not be updated",
			zap.Int64("alarm_id", alarmID),
			zap.Int64("tag_id", removed.TagID),
			zap.Error(err),
		)
		return true, nil
	}

	removed.Active = false
	removed.Info = models.InfoRemoved
	e.publish(tag, append(e.alarmsOf(tag), removed))
	e.logger.Info("Alarm removed", zap.Int64("alarm_id", alarmID), zap.Int64("tag_id", tag.ID))
	return true, nil
}

// basisOf returns the newest tag timestamp the alarm was computed from.
func (e *Engine) basisOf(alarm *models.Alarm) time.Time {
	e.basisMu.Lock()
	defer e.basisMu.Unlock()
	basis := e.basis[alarm.ID]
	if alarm.Initialised() && alarm.SourceTimestamp.After(basis) {
		return alarm.SourceTimestamp
	}
	return basis
}

func (e *Engine) setBasis(alarmID int64, ts time.Time) {
	e.basisMu.Lock()
	defer e.basisMu.Unlock()
	if ts.After(e.basis[alarmID]) {
		e.basis[alarmID] = ts
	}
}

func (e *Engine) publish(tag *models.Tag, alarms []*models.Alarm) {
	e.aggregators.Notify(cache.Event[int64, *models.TagWithAlarms]{
		Kind:  cache.Updated,
		Key:   tag.ID,
		Value: &models.TagWithAlarms{Tag: tag, Alarms: alarms},
	})
}

// alarmsOf returns copies of the current alarms of tag.
func (e *Engine) alarmsOf(tag *models.Tag) []*models.Alarm {
	return e.copiesOf(tag.AlarmIDs)
}

func (e *Engine) copiesOf(ids []int64) []*models.Alarm {
	alarms := make([]*models.Alarm, 0, len(ids))
	for _, id := range ids {
		alarm, err := e.alarms.GetCopy(id)
		if err != nil {
			e.logger.Warn("Alarm not available", zap.Int64("alarm_id", id), zap.Error(err))
			continue
		}
		alarms = append(alarms, alarm)
	}
	return alarms
}
