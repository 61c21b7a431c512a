package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/config"
	"wisefido-tagcache/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memLoader[V cache.Cacheable[int64]] struct {
	values []V
	err    error
}

func (l *memLoader[V]) LoadByID(_ context.Context, id int64) (V, error) {
	var zero V
	for _, v := range l.values {
		if v.CacheKey() == id {
			return v, nil
		}
	}
	return zero, cache.ErrNotFound
}

func (l *memLoader[V]) LoadAll(context.Context) ([]V, error) {
	return l.values, l.err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Cache.LockRetries = 50
	cfg.Cache.LockMaxDelay = time.Millisecond
	cfg.Cache.LockBaseDelay = 10 * time.Microsecond
	cfg.Oscillation.Threshold = 3
	cfg.Oscillation.Window = time.Minute
	cfg.Oscillation.ReleaseThreshold = 1
	cfg.Oscillation.QuietPeriod = time.Minute
	return cfg
}

type twaRecorder struct {
	mu     sync.Mutex
	events []*models.TagWithAlarms
}

func (r *twaRecorder) OnEvent(event cache.Event[int64, *models.TagWithAlarms]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.Value)
	return nil
}

func (r *twaRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func setupCore(t *testing.T) (*Core, *twaRecorder) {
	t.Helper()
	return setupCoreWithConfig(t, testConfig())
}

func setupCoreWithConfig(t *testing.T, cfg *config.Config) (*Core, *twaRecorder) {
	t.Helper()
	loaders := Loaders{
		Tags: &memLoader[*models.Tag]{values: []*models.Tag{
			{ID: 10, Name: "boiler.temp", ProcessID: 1, EquipmentID: 2, AlarmIDs: []int64{100}},
			{ID: 11, Name: "valve.state"},
		}},
		Alarms: &memLoader[*models.Alarm]{values: []*models.Alarm{
			{ID: 100, TagID: 10, Condition: &models.ComparisonCondition{Operator: ">", Threshold: 80}},
		}},
		Supervision: map[models.EntityKind]cache.Loader[int64, *models.SupervisedEntity]{
			models.KindProcess: &memLoader[*models.SupervisedEntity]{values: []*models.SupervisedEntity{
				{ID: 1, Kind: models.KindProcess, Status: models.StatusRunning},
			}},
			models.KindEquipment: &memLoader[*models.SupervisedEntity]{values: []*models.SupervisedEntity{
				{ID: 2, Kind: models.KindEquipment, Status: models.StatusRunning},
			}},
		},
	}

	core, err := NewCore(cfg, loaders, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(core.Close)

	recorder := &twaRecorder{}
	_, err = core.Engine.RegisterAggregator(recorder, cache.Sync())
	require.NoError(t, err)
	require.NoError(t, core.Preload(context.Background()))
	return core, recorder
}

func TestCore_PreloadIsQuiet(t *testing.T) {
	core, recorder := setupCore(t)

	assert.Equal(t, 2, core.Tags.Len())
	assert.Equal(t, 1, core.Alarms.Len())
	assert.Equal(t, 1, core.Supervision[models.KindProcess].Len())
	assert.Equal(t, 0, core.Supervision[models.KindSubEquipment].Len())
	assert.Zero(t, recorder.count())
}

func TestCore_PreloadFailure(t *testing.T) {
	core, err := NewCore(testConfig(), Loaders{Alarms: &memLoader[*models.Alarm]{err: errors.New("relation alarms does not exist")}}, zap.NewNop())
	require.NoError(t, err)
	defer core.Close()

	assert.ErrorContains(t, core.Preload(context.Background()), "relation alarms does not exist")
}

func TestCore_TagUpdateEvaluatesAlarms(t *testing.T) {
	core, recorder := setupCore(t)
	ctx := context.Background()
	ts := time.Now().Add(-time.Second)

	applied, err := core.TagUpdater.Update(ctx, models.TagUpdate{TagID: 10, Value: 85.0, SourceTimestamp: ts})
	require.NoError(t, err)
	assert.True(t, applied)

	alarm, err := core.Alarms.Get(100)
	require.NoError(t, err)
	assert.True(t, alarm.Active)
	assert.Equal(t, ts, alarm.SourceTimestamp)
	require.Equal(t, 1, recorder.count())
	assert.Equal(t, 85.0, recorder.events[0].Tag.Value)

	// stale update: dropped, nothing evaluated
	applied, err = core.TagUpdater.Update(ctx, models.TagUpdate{TagID: 10, Value: 20.0, SourceTimestamp: ts.Add(-time.Second)})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, recorder.count())

	tag, err := core.Tags.Get(10)
	require.NoError(t, err)
	assert.Equal(t, 85.0, tag.Value)
}

func TestCore_OwnerDownStoresButDoesNotEvaluate(t *testing.T) {
	core, recorder := setupCore(t)
	ctx := context.Background()
	now := time.Now()

	changed, err := core.SupervisionUpdater.Apply(ctx, models.SupervisionEvent{
		EntityID: 2, Kind: models.KindEquipment, Status: models.StatusDown, Timestamp: now,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	applied, err := core.TagUpdater.Update(ctx, models.TagUpdate{TagID: 10, Value: 95.0, SourceTimestamp: now})
	require.NoError(t, err)
	assert.True(t, applied)

	tag, err := core.Tags.Get(10)
	require.NoError(t, err)
	assert.Equal(t, 95.0, tag.Value)
	alarm, err := core.Alarms.Get(100)
	require.NoError(t, err)
	assert.False(t, alarm.Initialised())
	assert.Zero(t, recorder.count())

	_, err = core.SupervisionUpdater.Apply(ctx, models.SupervisionEvent{
		EntityID: 2, Kind: models.KindEquipment, Status: models.StatusRunning, Timestamp: now.Add(time.Second),
	})
	require.NoError(t, err)
	_, err = core.TagUpdater.Update(ctx, models.TagUpdate{TagID: 10, Value: 96.0, SourceTimestamp: now.Add(time.Second)})
	require.NoError(t, err)

	alarm, err = core.Alarms.Get(100)
	require.NoError(t, err)
	assert.True(t, alarm.Active)
}

func TestTagUpdater_Update(t *testing.T) {
	core, _ := setupCore(t)
	ctx := context.Background()
	mode := models.ModeMaintenance
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	core.TagUpdater.now = func() time.Time { return ts.Add(time.Minute) }

	invalid := map[models.QualityFlag]string{models.QualityValueOutOfBounds: "above 100"}
	applied, err := core.TagUpdater.Update(ctx, models.TagUpdate{
		TagID: 11, Value: "OPEN", Mode: &mode, Simulated: true, Invalid: invalid,
		SourceTimestamp: ts, DAQTimestamp: ts.Add(time.Second),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	// the caller's map is not shared with the store
	invalid[models.QualityUnknownReason] = "later"

	tag, err := core.Tags.Get(11)
	require.NoError(t, err)
	assert.Equal(t, "OPEN", tag.Value)
	assert.Equal(t, models.ModeMaintenance, tag.Mode)
	assert.True(t, tag.Simulated)
	assert.True(t, tag.Quality.Initialised)
	assert.True(t, tag.Quality.IsInvalidBy(models.QualityValueOutOfBounds))
	assert.False(t, tag.Quality.IsInvalidBy(models.QualityUnknownReason))
	assert.Equal(t, ts.Add(time.Minute), tag.ServerTimestamp)

	// next update without flags makes the value valid again
	_, err = core.TagUpdater.Update(ctx, models.TagUpdate{TagID: 11, Value: "CLOSED", SourceTimestamp: ts.Add(time.Second)})
	require.NoError(t, err)
	tag, err = core.Tags.Get(11)
	require.NoError(t, err)
	assert.True(t, tag.Quality.IsValid())
	assert.Equal(t, models.ModeMaintenance, tag.Mode)
}

func TestTagUpdater_Errors(t *testing.T) {
	core, _ := setupCore(t)

	_, err := core.TagUpdater.Update(context.Background(), models.TagUpdate{TagID: 999, Value: 1.0})
	assert.ErrorIs(t, err, cache.ErrNotFound)

	_, err = core.TagUpdater.Update(context.Background(), models.TagUpdate{Value: 1.0})
	assert.ErrorIs(t, err, cache.ErrInvalidArgument)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = core.TagUpdater.Update(ctx, models.TagUpdate{TagID: 10, Value: 1.0})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTagUpdater_InvalidateKeepsActiveAlarm(t *testing.T) {
	core, recorder := setupCore(t)
	ctx := context.Background()

	_, err := core.TagUpdater.Update(ctx, models.TagUpdate{TagID: 10, Value: 90.0, SourceTimestamp: time.Now()})
	require.NoError(t, err)
	require.Equal(t, 1, recorder.count())

	require.NoError(t, core.TagUpdater.Invalidate(ctx, 10, models.QualityInaccessible, "DAQ disconnected"))
	// same flag and description again is a no-op
	require.NoError(t, core.TagUpdater.Invalidate(ctx, 10, models.QualityInaccessible, "DAQ disconnected"))

	tag, err := core.Tags.Get(10)
	require.NoError(t, err)
	assert.Equal(t, 90.0, tag.Value)
	assert.False(t, tag.Quality.IsValid())

	alarm, err := core.Alarms.Get(100)
	require.NoError(t, err)
	assert.True(t, alarm.Active)
	assert.Equal(t, 1, recorder.count())
}

func TestSupervisionUpdater_Apply(t *testing.T) {
	core, _ := setupCore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	changed, err := core.SupervisionUpdater.Apply(ctx, models.SupervisionEvent{
		EntityID: 7, Kind: models.KindSubEquipment, Status: models.StatusStartup, Timestamp: now,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	entity, err := core.Supervision[models.KindSubEquipment].Get(7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStartup, entity.Status)

	// outdated
	changed, err = core.SupervisionUpdater.Apply(ctx, models.SupervisionEvent{
		EntityID: 7, Kind: models.KindSubEquipment, Status: models.StatusDown, Timestamp: now.Add(-time.Second),
	})
	require.NoError(t, err)
	assert.False(t, changed)

	// duplicate
	changed, err = core.SupervisionUpdater.Apply(ctx, models.SupervisionEvent{
		EntityID: 7, Kind: models.KindSubEquipment, Status: models.StatusStartup, Timestamp: now,
	})
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = core.SupervisionUpdater.Apply(ctx, models.SupervisionEvent{EntityID: 7, Kind: "HOST", Timestamp: now})
	assert.ErrorIs(t, err, cache.ErrInvalidArgument)
}

func TestStoreOptions(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, cache.DefaultOptions(), StoreOptions(cfg))

	cfg.Cache.LockRetries = 5
	cfg.Cache.LoadTimeout = time.Second
	opts := StoreOptions(cfg)
	assert.Equal(t, 5, opts.LockRetries)
	assert.Equal(t, time.Second, opts.LoadTimeout)
}

func TestEngineDelivery(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "sync", EngineDelivery(cfg).String())

	cfg.Listeners.QueueCapacity = 16
	cfg.Listeners.EngineWorkers = 2
	assert.Equal(t, "multi-worker(16,2)", EngineDelivery(cfg).String())
}

func TestCore_EngineOnWorkerPool(t *testing.T) {
	cfg := testConfig()
	cfg.Listeners.QueueCapacity = 16
	cfg.Listeners.EngineWorkers = 2
	core, recorder := setupCoreWithConfig(t, cfg)
	ts := time.Now().Add(-time.Second)

	applied, err := core.TagUpdater.Update(context.Background(), models.TagUpdate{TagID: 10, Value: 85.0, SourceTimestamp: ts})
	require.NoError(t, err)
	require.True(t, applied)

	require.Eventually(t, func() bool { return recorder.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	alarm, err := core.Alarms.GetCopy(100)
	require.NoError(t, err)
	assert.True(t, alarm.Active)
	assert.Equal(t, ts, alarm.SourceTimestamp)
}
