package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whs/internal/agent"
	"whs/internal/metrics"
	"whs/internal/state"
)

func newTestDispatcher(t *testing.T, projects ...ProjectHandle) *Dispatcher {
	t.Helper()
	orch := newFakeStore()
	d := New(Config{
		TickInterval:     10 * time.Millisecond,
		HealthCheckEvery: 1,
		ShutdownTimeout:  200 * time.Millisecond,
	}, Deps{
		Orchestrator: orch,
		Projects:     projects,
		Runner:       agent.NewFakeRunner(),
		Metrics:      metrics.NewFakeStore(),
		Notifier:     newRecordingNotifier(),
		State:        state.New(),
	})
	return d
}

func TestNewSeedsPauseFromState(t *testing.T) {
	d := New(Config{}, Deps{
		Orchestrator: newFakeStore(),
		Runner:       agent.NewFakeRunner(),
		State:        state.State{Paused: true, ActiveWork: map[string]state.ActiveWork{}},
	})
	assert.True(t, d.Paused())
	assert.Equal(t, StatusPending, d.Status())
}

func TestStartIsIdempotent(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, StatusRunning, d.Status())
	err := d.Start(context.Background())
	assert.Error(t, err)
	d.RequestShutdown()
}

func TestPauseResume(t *testing.T) {
	d := newTestDispatcher(t)
	assert.False(t, d.Paused())
	d.Pause("hit rate limit")
	assert.True(t, d.Paused())
	d.Resume()
	assert.False(t, d.Paused())
}

func TestRequestShutdownGraceful(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Start(context.Background()))

	d.RequestShutdown()
	assert.Eventually(t, func() bool {
		return d.Status() == StatusStopped
	}, time.Second, 5*time.Millisecond)
}

func TestRequestShutdownTwiceForcesStop(t *testing.T) {
	d := newTestDispatcher(t)
	d.cfg.ShutdownTimeout = time.Hour
	require.NoError(t, d.Start(context.Background()))

	d.wg.Add(1)
	defer d.wg.Done()

	d.RequestShutdown()
	assert.Equal(t, StatusStopping, d.Status())

	d.RequestShutdown()
	assert.Eventually(t, func() bool {
		return d.Status() == StatusStopped
	}, time.Second, 5*time.Millisecond)
}

func TestMutateStatePersistsToDisk(t *testing.T) {
	dir := t.TempDir()
	statePath := dir + "/state.json"

	d := newTestDispatcher(t)
	d.cfg.StatePath = statePath

	d.mutateState(func(s state.State) state.State {
		return state.WithPaused(s, true)
	})

	loaded, err := state.Load(statePath)
	require.NoError(t, err)
	assert.True(t, loaded.Paused)
}
