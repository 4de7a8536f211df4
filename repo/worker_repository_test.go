package repo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WorkerRepository_RegisterAndHeartbeat(t *testing.T) {
	db := newTestDB(t)
	workers := NewWorkerRepository(db)

	require.NoError(t, workers.Register(&WorkerRecord{
		WorkerID: "host-abc12345",
		Hostname: "host",
	}))

	record, err := workers.Get("host-abc12345")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusActive, record.Status)
	assert.False(t, record.LastHeartbeat.IsZero())

	// Re-registering after a crash replaces the row instead of failing.
	require.NoError(t, workers.Register(&WorkerRecord{
		WorkerID: "host-abc12345",
		Hostname: "host",
		Status:   WorkerStatusProcessing,
	}))

	require.NoError(t, workers.Heartbeat("host-abc12345", WorkerStatusActive, 1024))
	record, err = workers.Get("host-abc12345")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), record.CurrentMemoryUsage)
}

func Test_WorkerRepository_ReapStale(t *testing.T) {
	db := newTestDB(t)
	workers := NewWorkerRepository(db)

	require.NoError(t, workers.Register(&WorkerRecord{WorkerID: "worker-live", Hostname: "a"}))
	require.NoError(t, workers.Register(&WorkerRecord{WorkerID: "worker-dead", Hostname: "b"}))

	err := db.Model(&WorkerRecord{}).Where("worker_id = ?", "worker-dead").
		UpdateColumn("last_heartbeat", time.Now().Add(-time.Hour)).Error
	require.NoError(t, err)

	reaped, err := workers.ReapStale(WorkerInactivityTimeout)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-dead"}, reaped)

	dead, err := workers.Get("worker-dead")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusInactive, dead.Status)

	live, err := workers.Get("worker-live")
	require.NoError(t, err)
	assert.Equal(t, WorkerStatusActive, live.Status)

	// Already-inactive workers are not reaped again.
	reaped, err = workers.ReapStale(WorkerInactivityTimeout)
	require.NoError(t, err)
	assert.Empty(t, reaped)
}

func Test_WorkerRepository_IncrementProcessed(t *testing.T) {
	db := newTestDB(t)
	workers := NewWorkerRepository(db)

	require.NoError(t, workers.Register(&WorkerRecord{WorkerID: "worker-1", Hostname: "a"}))
	require.NoError(t, workers.IncrementProcessed("worker-1"))
	require.NoError(t, workers.IncrementProcessed("worker-1"))

	record, err := workers.Get("worker-1")
	require.NoError(t, err)
	assert.Equal(t, 2, record.JobsProcessedCount)
}
