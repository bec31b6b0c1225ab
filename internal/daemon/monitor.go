// Package daemon wires the long-running loops of the waydroidd service.
package daemon

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lxdroid/waydroidd/internal/domain"
)

// sampleBuffer sizes per-subscriber sample channels.
const sampleBuffer = 4

// StateSource is the slice of the supervisor the monitor needs: reading
// the state and nudging the drift check. The monitor never sets state.
type StateSource interface {
	GetState() domain.ContainerState
	CheckDrift()
}

// Reconciler is the slice of the app registry the monitor drives while
// the container runs.
type Reconciler interface {
	ReconcileFromScan() error
}

// Monitor samples container resource usage on a fixed tick while the
// container is Running. The interval comes from the
// resource_logging_interval preference, re-read at each tick boundary so
// changes apply without a restart. The timer keeps running while the
// container is down so sampling resumes instantly.
type Monitor struct {
	store      domain.StateStore
	sampler    domain.Sampler
	states     StateSource
	reconciler Reconciler
	logger     *zap.Logger

	mu          sync.Mutex
	latest      *domain.ResourceSample
	subscribers []chan domain.ResourceSample
}

// NewMonitor creates a resource monitor.
func NewMonitor(
	store domain.StateStore,
	sampler domain.Sampler,
	states StateSource,
	reconciler Reconciler,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		store:      store,
		sampler:    sampler,
		states:     states,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Run ticks until ctx is canceled. This blocks; the service runs it in
// its own goroutine.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.readInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("resource monitor started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("resource monitor stopping")
			return ctx.Err()

		case <-ticker.C:
			if next := m.readInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				m.logger.Info("logging interval changed", zap.Duration("interval", interval))
			}
			m.tick(ctx)
		}
	}
}

// Latest returns the most recent published sample, nil before the first
// successful tick.
func (m *Monitor) Latest() *domain.ResourceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return nil
	}
	sample := *m.latest
	return &sample
}

// Subscribe returns a channel receiving every published sample. Slow
// receivers drop samples; Latest is always authoritative.
func (m *Monitor) Subscribe() <-chan domain.ResourceSample {
	ch := make(chan domain.ResourceSample, sampleBuffer)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// tick runs one monitor pass: drift check first, then sampling and app
// reconciliation while the container is Running. Ticks outside Running
// append nothing.
func (m *Monitor) tick(ctx context.Context) {
	m.states.CheckDrift()

	if m.states.GetState() != domain.StateRunning {
		return
	}

	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		// Process vanished mid-sample; drift detection owns the state
		// correction, this tick is a no-op.
		m.logger.Warn("sampling failed", zap.Error(err))
		return
	}

	if err := m.store.AppendResourceSample(sample); err != nil {
		m.logger.Error("failed to persist resource sample", zap.Error(err))
		return
	}
	m.publish(sample)

	if m.reconciler != nil {
		if err := m.reconciler.ReconcileFromScan(); err != nil {
			m.logger.Warn("app reconciliation failed", zap.Error(err))
		}
	}
}

func (m *Monitor) publish(sample domain.ResourceSample) {
	m.mu.Lock()
	m.latest = &sample
	subs := m.subscribers
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- sample:
		default:
		}
	}
}

// readInterval parses the resource_logging_interval preference (seconds),
// falling back to the seeded default on any read or parse failure.
func (m *Monitor) readInterval() time.Duration {
	value, err := m.store.GetPreference(domain.PrefLoggingInterval)
	if err != nil {
		m.logger.Warn("failed to read logging interval", zap.Error(err))
		value = domain.DefaultPreferences()[domain.PrefLoggingInterval]
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		secs, _ = strconv.Atoi(domain.DefaultPreferences()[domain.PrefLoggingInterval])
	}
	return time.Duration(secs) * time.Second
}
