package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lxdroid/waydroidd/internal/domain"
)

// memStore implements domain.StateStore with just enough behavior for
// the monitor: preferences and the resource log.
type memStore struct {
	mu      sync.Mutex
	prefs   map[string]string
	samples []domain.ResourceSample
}

func newMemStore() *memStore {
	return &memStore{prefs: make(map[string]string)}
}

func (s *memStore) GetPreference(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.prefs[key]; ok {
		return v, nil
	}
	if def, ok := domain.DefaultPreferences()[key]; ok {
		return def, nil
	}
	return "", domain.ErrNotFound
}

func (s *memStore) SetPreference(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[key] = value
	return nil
}

func (s *memStore) ListApps(bool) ([]domain.AppEntry, error) { return nil, nil }
func (s *memStore) GetApp(string) (*domain.AppEntry, error)  { return nil, domain.ErrNotFound }
func (s *memStore) UpsertApp(domain.AppEntry) error          { return nil }

func (s *memStore) AppendResourceSample(sample domain.ResourceSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *memStore) RecentResourceSamples(int) ([]domain.ResourceSample, error) { return nil, nil }
func (s *memStore) AppendContainerLog(domain.ContainerLogEntry) error          { return nil }
func (s *memStore) RecentContainerLogs(int) ([]domain.ContainerLogEntry, error) {
	return nil, nil
}
func (s *memStore) Close() error { return nil }

func (s *memStore) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// fakeSampler returns a scripted sample or error.
type fakeSampler struct {
	sample domain.ResourceSample
	err    error
}

func (f *fakeSampler) Sample(ctx context.Context) (domain.ResourceSample, error) {
	return f.sample, f.err
}

// fakeStates is a scriptable StateSource recording drift checks.
type fakeStates struct {
	mu          sync.Mutex
	state       domain.ContainerState
	driftChecks int
}

func (f *fakeStates) GetState() domain.ContainerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStates) CheckDrift() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.driftChecks++
}

func (f *fakeStates) driftCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.driftChecks
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReconciler) ReconcileFromScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func newTestMonitor(store *memStore, sampler *fakeSampler, states *fakeStates, rec *fakeReconciler) *Monitor {
	var reconciler Reconciler
	if rec != nil {
		reconciler = rec
	}
	return NewMonitor(store, sampler, states, reconciler, zap.NewNop())
}

// TestTick_NoSamplesOutsideRunning verifies ticks outside Running append
// nothing regardless of how many elapse.
func TestTick_NoSamplesOutsideRunning(t *testing.T) {
	store := newMemStore()
	states := &fakeStates{state: domain.StateStopped}
	mon := newTestMonitor(store, &fakeSampler{}, states, nil)

	for _, state := range []domain.ContainerState{
		domain.StateStopped, domain.StateFrozen, domain.StateStarting, domain.StateFailed,
	} {
		states.mu.Lock()
		states.state = state
		states.mu.Unlock()
		mon.tick(context.Background())
	}

	assert.Zero(t, store.sampleCount())
	assert.Nil(t, mon.Latest())
	// Drift is still checked every tick.
	assert.Equal(t, 4, states.driftCount())
}

func TestTick_AppendsAndPublishesWhileRunning(t *testing.T) {
	store := newMemStore()
	sampler := &fakeSampler{sample: domain.ResourceSample{
		Timestamp:    time.Now(),
		CPUUsage:     12.5,
		RAMUsage:     512 * 1024 * 1024,
		StorageUsage: 4 * 1024 * 1024 * 1024,
	}}
	states := &fakeStates{state: domain.StateRunning}
	rec := &fakeReconciler{}
	mon := newTestMonitor(store, sampler, states, rec)

	sub := mon.Subscribe()
	mon.tick(context.Background())

	assert.Equal(t, 1, store.sampleCount())

	latest := mon.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, 12.5, latest.CPUUsage)

	select {
	case got := <-sub:
		assert.Equal(t, 12.5, got.CPUUsage)
	default:
		t.Fatal("expected published sample on subscription channel")
	}

	assert.Equal(t, 1, rec.calls)
}

// TestTick_SamplingFailureIsNoOp verifies a vanished process does not
// crash the monitor and appends nothing.
func TestTick_SamplingFailureIsNoOp(t *testing.T) {
	store := newMemStore()
	sampler := &fakeSampler{err: assert.AnError}
	states := &fakeStates{state: domain.StateRunning}
	rec := &fakeReconciler{}
	mon := newTestMonitor(store, sampler, states, rec)

	mon.tick(context.Background())

	assert.Zero(t, store.sampleCount())
	assert.Nil(t, mon.Latest())
	assert.Zero(t, rec.calls, "reconcile is skipped on a failed tick")
	assert.Equal(t, 1, states.driftCount())
}

// TestReadInterval_FollowsPreference verifies the interval preference is
// honored on the next read without a restart.
func TestReadInterval_FollowsPreference(t *testing.T) {
	store := newMemStore()
	mon := newTestMonitor(store, &fakeSampler{}, &fakeStates{}, nil)

	assert.Equal(t, 300*time.Second, mon.readInterval())

	require.NoError(t, store.SetPreference(domain.PrefLoggingInterval, "1"))
	assert.Equal(t, time.Second, mon.readInterval())
}

func TestReadInterval_BadValueFallsBack(t *testing.T) {
	store := newMemStore()
	mon := newTestMonitor(store, &fakeSampler{}, &fakeStates{}, nil)

	require.NoError(t, store.SetPreference(domain.PrefLoggingInterval, "not-a-number"))
	assert.Equal(t, 300*time.Second, mon.readInterval())

	require.NoError(t, store.SetPreference(domain.PrefLoggingInterval, "-5"))
	assert.Equal(t, 300*time.Second, mon.readInterval())
}

// TestRun_TicksOnInterval drives the real loop briefly at the minimum
// interval to verify sampling resumes instantly once Running.
func TestRun_TicksOnInterval(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.SetPreference(domain.PrefLoggingInterval, "1"))
	states := &fakeStates{state: domain.StateRunning}
	mon := newTestMonitor(store, &fakeSampler{}, states, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mon.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.sampleCount() >= 1
	}, 3*time.Second, 10*time.Millisecond)
}
