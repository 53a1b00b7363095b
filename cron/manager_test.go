package cron

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vault-worker/logger"
	"github.com/saiset-co/sai-vault-worker/metrics"
	"github.com/saiset-co/sai-vault-worker/types"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	r := NewRunner(logger.NewNop(), nil, "UTC")
	require.NoError(t, r.Start())
	t.Cleanup(func() { _ = r.Stop() })
	return r
}

func TestOnceSchedule(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &onceSchedule{at: at}

	assert.Equal(t, at, s.Next(at.Add(-time.Hour)))
	assert.True(t, s.Next(at.Add(-time.Minute)).IsZero())
	assert.True(t, s.Next(at.Add(time.Second)).IsZero())

	late := &onceSchedule{at: at}
	assert.Equal(t, at, late.Next(at.Add(time.Second)))
	assert.True(t, late.Next(at.Add(2*time.Second)).IsZero())
}

func TestRunner_FiresOnce(t *testing.T) {
	r := newTestRunner(t)

	var fired atomic.Int32
	_, err := r.Once("unlock", time.Now().Add(50*time.Millisecond), func() { fired.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, fired.Load())
	assert.Equal(t, 0, r.Pending())
}

func TestRunner_PastInstantFiresImmediately(t *testing.T) {
	r := newTestRunner(t)

	var fired atomic.Int32
	_, err := r.Once("late", time.Now().Add(-time.Second), func() { fired.Add(1) })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.Pending())
}

func TestRunner_MicrosecondDelaysAllFire(t *testing.T) {
	r := newTestRunner(t)

	const jobs = 200
	var fired atomic.Int32
	for i := 0; i < jobs; i++ {
		_, err := r.Once("tiny", time.Now().Add(30*time.Microsecond), func() { fired.Add(1) })
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return fired.Load() == jobs }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, r.Pending())
	assert.Empty(t, r.Jobs())
}

func TestRunner_RejectsInvalidJobs(t *testing.T) {
	r := newTestRunner(t)

	_, err := r.Once("", time.Now().Add(time.Hour), func() {})
	assert.ErrorIs(t, err, types.ErrCronJobNameIsEmpty)

	_, err = r.Once("nil", time.Now().Add(time.Hour), nil)
	assert.ErrorIs(t, err, types.ErrCronJobIsNil)
}

func TestRunner_Cancel(t *testing.T) {
	r := newTestRunner(t)

	var fired atomic.Int32
	id, err := r.Once("unlock", time.Now().Add(80*time.Millisecond), func() { fired.Add(1) })
	require.NoError(t, err)

	assert.True(t, r.Cancel(id))
	assert.False(t, r.Cancel(id))

	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 0, fired.Load())
}

func TestRunner_DuplicatesAreIndependent(t *testing.T) {
	r := newTestRunner(t)

	var fired atomic.Int32
	at := time.Now().Add(50 * time.Millisecond)
	_, err := r.Once("vault-1", at, func() { fired.Add(1) })
	require.NoError(t, err)
	_, err = r.Once("vault-1", at.Add(10*time.Millisecond), func() { fired.Add(1) })
	require.NoError(t, err)

	jobs := r.Jobs()
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].At.Before(jobs[1].At))

	require.Eventually(t, func() bool { return fired.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_StopDropsPending(t *testing.T) {
	m := metrics.NewPrometheusMetrics(logger.NewNop(), &metrics.PrometheusConfig{Namespace: "test"})
	r := NewRunner(logger.NewNop(), m, "Europe/Nowhere")
	require.NoError(t, r.Start())

	var fired atomic.Int32
	_, err := r.Once("unlock", time.Now().Add(time.Hour), func() { fired.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, float64(1), m.Gauge("deferred_jobs_active", nil).Get())

	require.NoError(t, r.Stop())
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, float64(0), m.Gauge("deferred_jobs_active", nil).Get())

	_, err = r.Once("after", time.Now().Add(time.Hour), func() {})
	assert.ErrorIs(t, err, types.ErrCronSchedulerStopped)
	assert.ErrorIs(t, r.Stop(), types.ErrServerNotRunning)
}

func TestRunner_RecoversPanics(t *testing.T) {
	r := newTestRunner(t)

	var after atomic.Int32
	_, err := r.Once("boom", time.Now().Add(30*time.Millisecond), func() { panic("boom") })
	require.NoError(t, err)
	_, err = r.Once("next", time.Now().Add(60*time.Millisecond), func() { after.Add(1) })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return after.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}
