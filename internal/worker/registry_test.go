package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/common/errors"
	"github.com/droverhq/drover/internal/common/ids"
	"github.com/droverhq/drover/internal/common/logger"
)

func testParams() RegisterParams {
	return RegisterParams{
		Hostname:        "h1",
		ProjectDir:      "/proj",
		ExecutorProfile: "p1",
		Executor:        "autonomous",
		Tags:            []string{"linux"},
	}
}

func TestRegisterDeterministicID(t *testing.T) {
	r := NewRegistry(logger.Default())

	info, reconnected := r.Register(testParams())
	require.False(t, reconnected)
	assert.Equal(t, ids.WorkerID("h1", "/proj", "p1"), info.ID)
	assert.Equal(t, StatusOnline, info.Status)

	other, _ := r.Register(RegisterParams{Hostname: "h2", ProjectDir: "/proj", ExecutorProfile: "p1"})
	assert.NotEqual(t, info.ID, other.ID, "different identity yields a different id")
}

func TestRegisterReconnect(t *testing.T) {
	r := NewRegistry(logger.Default())

	first, _ := r.Register(testParams())
	require.NoError(t, r.MarkDeregistered(first.ID))

	p := testParams()
	p.Tags = []string{"linux", "gpu"}
	second, reconnected := r.Register(p)

	assert.True(t, reconnected)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.PendingDeregister, "reconnect clears the deregister flag")
	assert.ElementsMatch(t, []string{"linux", "gpu"}, second.Tags, "reconnect refreshes capabilities")
}

func TestHeartbeat(t *testing.T) {
	r := NewRegistry(logger.Default())
	info, _ := r.Register(testParams())

	assert.NoError(t, r.Heartbeat(info.ID))
	assert.True(t, errors.IsNotFound(r.Heartbeat("w-unknown")))
}

func TestSweep(t *testing.T) {
	now := time.Now()
	r := NewRegistry(logger.Default())
	r.now = func() time.Time { return now }

	info, _ := r.Register(testParams())

	t.Run("fresh worker untouched", func(t *testing.T) {
		staled, removed := r.Sweep(30*time.Second, 5*time.Minute)
		assert.Empty(t, staled)
		assert.Empty(t, removed)
		got, ok := r.Get(info.ID)
		require.True(t, ok)
		assert.Equal(t, StatusOnline, got.Status)
	})

	t.Run("silent worker goes stale", func(t *testing.T) {
		now = now.Add(time.Minute)
		staled, removed := r.Sweep(30*time.Second, 5*time.Minute)
		require.Len(t, staled, 1)
		assert.Equal(t, info.ID, staled[0].ID)
		assert.Empty(t, removed)
		got, ok := r.Get(info.ID)
		require.True(t, ok)
		assert.Equal(t, StatusStale, got.Status)
	})

	t.Run("already-stale worker not reported again", func(t *testing.T) {
		staled, removed := r.Sweep(30*time.Second, 5*time.Minute)
		assert.Empty(t, staled)
		assert.Empty(t, removed)
	})

	t.Run("heartbeat revives a stale worker", func(t *testing.T) {
		require.NoError(t, r.Heartbeat(info.ID))
		r.Sweep(30*time.Second, 5*time.Minute)
		got, ok := r.Get(info.ID)
		require.True(t, ok)
		assert.Equal(t, StatusOnline, got.Status)
	})

	t.Run("long-silent worker is removed", func(t *testing.T) {
		now = now.Add(10 * time.Minute)
		_, removed := r.Sweep(30*time.Second, 5*time.Minute)
		require.Len(t, removed, 1)
		assert.Equal(t, info.ID, removed[0].ID)
		_, ok := r.Get(info.ID)
		assert.False(t, ok)
	})
}

func TestCounts(t *testing.T) {
	now := time.Now()
	r := NewRegistry(logger.Default())
	r.now = func() time.Time { return now }

	r.Register(testParams())
	r.Register(RegisterParams{Hostname: "h2", ProjectDir: "/proj", ExecutorProfile: "p1"})

	now = now.Add(time.Minute)
	r.Register(RegisterParams{Hostname: "h3", ProjectDir: "/proj", ExecutorProfile: "p1"})
	r.Sweep(30*time.Second, time.Hour)

	online, stale := r.Counts()
	assert.Equal(t, 1, online)
	assert.Equal(t, 2, stale)
}
