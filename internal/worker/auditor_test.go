package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/recvault/backend/internal/models"
)

type countingReclaimer struct {
	sweeps     atomic.Int32
	reconciles atomic.Int32
	deadline   atomic.Int64
	settle     atomic.Int64
	err        error
}

func (r *countingReclaimer) ReclaimStuck(_ context.Context, deadline time.Duration) (int, error) {
	r.sweeps.Add(1)
	r.deadline.Store(int64(deadline))
	return 2, r.err
}

func (r *countingReclaimer) Reconcile(_ context.Context, settle time.Duration) (int, error) {
	r.reconciles.Add(1)
	r.settle.Store(int64(settle))
	return 1, nil
}

func (r *countingReclaimer) Stats(context.Context) (models.QueueStats, error) {
	return models.QueueStats{models.UploadStatusRetrying: 2}, nil
}

func TestAuditor_SweepsImmediatelyAndOnTick(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := &countingReclaimer{}
	a := NewAuditor(r, 10*time.Millisecond, 15*time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return r.sweeps.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("auditor did not stop")
	}
	assert.Equal(t, int64(15*time.Minute), r.deadline.Load())
	assert.GreaterOrEqual(t, r.reconciles.Load(), int32(3))
	assert.Equal(t, int64(15*time.Minute), r.settle.Load())
}

func TestAuditor_SweepReportsPartialCount(t *testing.T) {
	r := &countingReclaimer{err: errors.New("mark failed: database is locked")}
	a := NewAuditor(r, time.Hour, time.Minute, nil)
	assert.Equal(t, 2, a.Sweep(context.Background()))
	assert.Equal(t, int32(1), r.reconciles.Load(), "a reclaim error does not skip reconciliation")
}
