package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct {
	calls atomic.Int32
	last  atomic.Int64
	err   error
}

func (r *countingRefresher) RefreshDerivedDurations(ctx context.Context, now time.Time) (int, error) {
	r.calls.Add(1)
	r.last.Store(now.Unix())
	return 2, r.err
}

func TestNew_RejectsBadSpec(t *testing.T) {
	_, err := New("every tuesday", &countingRefresher{}, nil)
	assert.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	r := &countingRefresher{}
	s, err := New("@hourly", r, nil)
	require.NoError(t, err)
	fixed := time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, fixed.Unix(), r.last.Load())

	r.err = errors.New("db down")
	_, err = s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	r := &countingRefresher{}
	s, err := New("@every 1s", r, nil)
	require.NoError(t, err)

	s.Start()
	require.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
