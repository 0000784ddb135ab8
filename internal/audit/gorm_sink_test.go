package audit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestGormSink(t *testing.T) (*gormSink, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	sink, err := NewGormSink(DBConfig{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop()})
	require.NoError(t, err)
	gs := sink.(*gormSink)
	return gs, gs.db
}

func TestGormSinkAppliesMigrationsAndPersistsEntry(t *testing.T) {
	gs, db := newTestGormSink(t)

	gs.Record(Entry{
		Action:   "registry.attach",
		Resource: "gpu-1",
		Outcome:  OutcomeSuccess,
		Details:  map[string]any{"gpu_count": 4},
	})

	var rows []record
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "registry.attach", rows[0].Action)
	assert.Equal(t, "gpu-1", rows[0].Resource)
	assert.Equal(t, string(OutcomeSuccess), rows[0].Outcome)
	assert.Contains(t, rows[0].Details, "gpu_count")
	assert.NotEqual(t, "", rows[0].ID.String())
}

func TestGormSinkPersistsMultipleEntriesIndependently(t *testing.T) {
	gs, db := newTestGormSink(t)

	gs.Record(Entry{Action: "session.closed", Resource: "sess-1", Outcome: OutcomeSuccess})
	gs.Record(Entry{Action: "session.closed", Resource: "sess-2", Outcome: OutcomeError, Reason: "heartbeat timeout"})

	var rows []record
	require.NoError(t, db.Order("resource").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "sess-1", rows[0].Resource)
	assert.Equal(t, "sess-2", rows[1].Resource)
	assert.Equal(t, "heartbeat timeout", rows[1].Reason)
}

func TestNewGormSinkRejectsUnsupportedDriver(t *testing.T) {
	_, err := NewGormSink(DBConfig{Driver: "oracle", DSN: "n/a", Logger: zap.NewNop()})
	assert.Error(t, err)
}
