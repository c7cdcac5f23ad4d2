// Package lifecycle implements the Lifecycle Manager (spec §4.L):
// coordinated startup and graceful shutdown of every background
// component and in-flight stream.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// activeStream is one entry of the registry: a cancel func to fire on
// drain, tracked by request id (spec §5: "Active-stream registry:
// concurrent set; inserts on stream start, removes on stream end").
type activeStream struct {
	cancel context.CancelFunc
}

// Manager owns the process's shutdown sequence and the active-stream
// registry the Query Orchestrator registers each stream with.
type Manager struct {
	mu      sync.Mutex
	streams map[string]activeStream

	drainTimeout time.Duration
	logger       *slog.Logger

	closers []func()
}

// New builds a Manager. drainTimeout bounds how long shutdown waits for
// in-flight streams before it proceeds to the closers (default 30s).
func New(drainTimeout time.Duration, logger *slog.Logger) *Manager {
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		streams:      make(map[string]activeStream),
		drainTimeout: drainTimeout,
		logger:       logger,
	}
}

// Register implements orchestrator.StreamRegistry: it tracks requestID's
// cancel func and returns an unregister func to call when the stream
// ends naturally.
func (m *Manager) Register(requestID string, cancel context.CancelFunc) func() {
	m.mu.Lock()
	m.streams[requestID] = activeStream{cancel: cancel}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.streams, requestID)
		m.mu.Unlock()
	}
}

// RegisterCloser adds an ancillary resource shutdown hook (e.g. a JWKS
// refresher's Stop, a delimiter-cache sweep loop's cancel), invoked
// during Shutdown after streams have drained.
func (m *Manager) RegisterCloser(closer func()) {
	m.mu.Lock()
	m.closers = append(m.closers, closer)
	m.mu.Unlock()
}

// NotifyContext returns a context cancelled on SIGINT/SIGTERM, mirroring
// the OS-signal subscription step of spec §4.L ("on start ... subscribe
// to OS termination signals").
func NotifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// Shutdown runs the drain sequence of spec §4.L steps (c)-(e): cancel
// every active stream's request token, wait up to the drain timeout,
// then run registered closers regardless of whether the drain
// completed in time, and return. A drain timeout is only logged:
// Shutdown does not terminate the process and sets no exit code, and
// it reports nothing to its caller about whether the drain completed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	streams := make([]activeStream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	count := len(streams)
	m.mu.Unlock()

	m.logger.Info("shutdown: draining active streams", "count", count, "timeout", m.drainTimeout)
	for _, s := range streams {
		s.cancel()
	}

	drained := make(chan struct{})
	go func() {
		for {
			m.mu.Lock()
			n := len(m.streams)
			m.mu.Unlock()
			if n == 0 {
				close(drained)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-drained:
		m.logger.Info("shutdown: all streams drained")
	case <-time.After(m.drainTimeout):
		m.mu.Lock()
		remaining := len(m.streams)
		m.mu.Unlock()
		m.logger.Warn("shutdown: drain timeout exceeded, proceeding with shutdown", "remainingStreams", remaining)
	}

	m.mu.Lock()
	closers := m.closers
	m.mu.Unlock()
	for _, closer := range closers {
		closer()
	}
}

// ActiveStreamCount reports the current registry size, for health/metrics.
func (m *Manager) ActiveStreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}
