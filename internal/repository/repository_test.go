package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var tagRowColumns = []string{
	"tag_id", "name", "process_id", "equipment_id", "sub_equipment_id",
	"data_type", "value", "value_description",
	"quality_initialised", "quality_invalid", "mode", "simulated",
	"source_ts", "daq_ts", "server_ts", "alarm_ids",
}

var alarmRowColumns = []string{
	"alarm_id", "tag_id", "fault_family", "fault_member", "fault_code",
	"condition", "metadata", "active", "internal_active", "oscillating",
	"trigger_ts", "source_ts", "info",
}

func TestTagRepository_LoadByID(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewTagRepository(db, zap.NewNop())
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(tagRowColumns).AddRow(
		int64(10), "boiler.temp", int64(1), int64(2), int64(0),
		"Double", []byte(`21.5`), "",
		true, []byte(`{"VALUE_EXPIRED":"no update for 5m"}`), "MAINTENANCE", false,
		ts, nil, ts, []byte(`{100,101}`),
	)
	mock.ExpectQuery(`SELECT .+ FROM tags t WHERE t.tag_id = \$1`).
		WithArgs(int64(10)).
		WillReturnRows(rows)

	tag, err := repo.LoadByID(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), tag.ID)
	assert.Equal(t, 21.5, tag.Value)
	assert.Equal(t, models.ModeMaintenance, tag.Mode)
	assert.True(t, tag.Quality.IsInvalidBy(models.QualityValueExpired))
	assert.Equal(t, ts, tag.SourceTimestamp)
	assert.True(t, tag.DAQTimestamp.IsZero())
	assert.Equal(t, []int64{100, 101}, tag.AlarmIDs)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTagRepository_LoadByID_NotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewTagRepository(db, zap.NewNop())

	mock.ExpectQuery(`SELECT`).WithArgs(int64(99)).WillReturnError(sql.ErrNoRows)

	tag, err := repo.LoadByID(context.Background(), 99)
	assert.Nil(t, tag)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTagRepository_LoadAll_SkipsBadRows(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewTagRepository(db, zap.NewNop())

	rows := sqlmock.NewRows(tagRowColumns).
		AddRow(int64(1), "a", int64(0), int64(0), int64(0), "Boolean", []byte(`true`), "",
			true, nil, "OPERATIONAL", false, nil, nil, nil, []byte(`{}`)).
		AddRow(int64(2), "b", int64(0), int64(0), int64(0), "String", []byte(`"x"`), "",
			true, nil, "SLEEPING", false, nil, nil, nil, []byte(`{}`))
	mock.ExpectQuery(`SELECT .+ FROM tags t ORDER BY`).WillReturnRows(rows)

	tags, err := repo.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, true, tags[0].Value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTagRepository_UpdateTagValues(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewTagRepository(db, zap.NewNop())
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`UPDATE tags SET`)
	prep.ExpectExec().
		WithArgs(int64(10), `42`, "", true, `null`, "TEST", true, ts, nil, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdateTagValues(context.Background(), []*models.Tag{{
		ID:              10,
		Value:           42,
		Quality:         models.Quality{Initialised: true},
		Mode:            models.ModeTest,
		Simulated:       true,
		SourceTimestamp: ts,
		ServerTimestamp: ts,
	}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTagRepository_UpdateTagValues_RollsBack(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewTagRepository(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectPrepare(`UPDATE tags SET`).ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.UpdateTagValues(context.Background(), []*models.Tag{{ID: 10, Value: 1.0}})
	assert.ErrorContains(t, err, "failed to update tag 10")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRepository_LoadByID(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlarmRepository(db, zap.NewNop())
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(alarmRowColumns).AddRow(
		int64(100), int64(10), "BOILER", "B1", 3,
		[]byte(`{"type":"comparison","operator":">","threshold":80}`), []byte(`{"site":"north"}`),
		true, true, false, ts, ts, "[M]",
	)
	mock.ExpectQuery(`SELECT .+ FROM alarms WHERE alarm_id = \$1`).WithArgs(int64(100)).WillReturnRows(rows)

	alarm, err := repo.LoadByID(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(10), alarm.TagID)
	assert.Equal(t, 3, alarm.FaultCode)
	assert.Equal(t, "north", alarm.Metadata["site"])
	assert.True(t, alarm.Initialised())
	assert.Equal(t, "[M]", alarm.Info)

	active, err := alarm.Condition.Evaluate(81.0)
	require.NoError(t, err)
	assert.True(t, active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRepository_LoadByID_BadCondition(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlarmRepository(db, zap.NewNop())

	rows := sqlmock.NewRows(alarmRowColumns).AddRow(
		int64(100), int64(10), "F", "M", 1,
		[]byte(`{"type":"regex"}`), nil, false, false, false, nil, nil, "",
	)
	mock.ExpectQuery(`SELECT`).WithArgs(int64(100)).WillReturnRows(rows)

	alarm, err := repo.LoadByID(context.Background(), 100)
	assert.Nil(t, alarm)
	assert.ErrorContains(t, err, "unknown condition type")
	assert.False(t, errors.Is(err, cache.ErrNotFound))
}

func TestAlarmRepository_UpdateAlarmStates(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlarmRepository(db, zap.NewNop())
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`UPDATE alarms SET`)
	prep.ExpectExec().WithArgs(int64(100), true, false, true, ts, ts, "[OSC]").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(int64(101), false, false, false, nil, nil, "").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdateAlarmStates(context.Background(), []*models.Alarm{
		{ID: 100, Active: true, Oscillating: true, TriggerTimestamp: ts, SourceTimestamp: ts, Info: "[OSC]"},
		{ID: 101},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSupervisionRepository_LoadAll(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewSupervisionRepository(db, models.KindEquipment, zap.NewNop())
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"entity_id", "kind", "name", "parent_id", "status", "status_time",
		"status_description", "alive_tag_id", "alive_interval_ms",
	}).AddRow(int64(2), "EQUIPMENT", "plc-1", int64(1), "running", ts, "", int64(55), int64(30000))
	mock.ExpectQuery(`SELECT .+ FROM supervised_entities WHERE kind = \$1`).
		WithArgs("EQUIPMENT").
		WillReturnRows(rows)

	entities, err := repo.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, models.StatusRunning, entities[0].Status)
	assert.Equal(t, models.KindEquipment, entities[0].Kind)
	assert.Equal(t, 30*time.Second, entities[0].AliveInterval)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSupervisionRepository_LoadByID_NotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewSupervisionRepository(db, models.KindProcess, zap.NewNop())

	mock.ExpectQuery(`SELECT`).WithArgs(int64(5), "PROCESS").WillReturnError(sql.ErrNoRows)

	_, err := repo.LoadByID(context.Background(), 5)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}
