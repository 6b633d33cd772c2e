package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolRunsAllTasks(t *testing.T) {
	cfg := DefaultPoolConfig("test")
	cfg.NumWorkers = 4
	cfg.QueueSize = 2
	pool := NewPool(zap.NewNop(), cfg)
	pool.Start()
	defer pool.Stop()

	results := make([]int, 100)
	for i := range results {
		i := i
		err := pool.SubmitFunc(context.Background(), func(ctx context.Context) error {
			results[i] = i * i
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	for i, v := range results {
		assert.Equal(t, i*i, v)
	}
	stats := pool.Stats()
	assert.Equal(t, int64(100), stats.TasksSubmitted)
	assert.Equal(t, int64(100), stats.TasksCompleted)
}

func TestPoolCountsFailuresAndPanics(t *testing.T) {
	pool := NewPool(zap.NewNop(), DefaultPoolConfig("test"))
	pool.Start()
	defer pool.Stop()

	var ran atomic.Int32
	require.NoError(t, pool.SubmitFunc(context.Background(), func(ctx context.Context) error {
		ran.Add(1)
		return errors.New("boom")
	}))
	require.NoError(t, pool.SubmitFunc(context.Background(), func(ctx context.Context) error {
		ran.Add(1)
		panic("bad cell")
	}))
	pool.Wait()

	assert.Equal(t, int32(2), ran.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.TasksFailed)
	assert.Equal(t, int64(1), stats.PanicRecovered)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(zap.NewNop(), nil)
	pool.Start()
	require.NoError(t, pool.Stop())

	err := pool.SubmitFunc(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolStopped)
}
