// Package heartbeat implements the liveness probe that runs independently of
// the transport's own ping/pong. Some transports die without ever emitting a
// disconnect event; the monitor catches those by comparing what the transport
// reports against what the connection manager believes.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"
)

// Monitor periodically asks the transport whether it is still alive and
// invokes onFault when the answer contradicts the manager's Connected state.
type Monitor struct {
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
}

// NewMonitor creates a heartbeat monitor. Probing starts with Start.
func NewMonitor(interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		interval: interval,
		logger:   logger,
	}
}

// Start begins probing. live must report the transport's current liveness;
// onFault is invoked at most once per Start when the probe fails, after which
// probing stops. Calling Start while already running restarts the probe.
func (m *Monitor) Start(live func() bool, onFault func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	m.ticker = time.NewTicker(m.interval)
	m.done = make(chan struct{})

	go m.run(m.ticker, m.done, live, onFault)
}

// Stop cancels probing. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.ticker != nil {
		m.ticker.Stop()
		close(m.done)
		m.ticker = nil
		m.done = nil
	}
}

func (m *Monitor) run(ticker *time.Ticker, done chan struct{}, live func() bool, onFault func()) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if live() {
				continue
			}

			m.logger.Warn("heartbeat probe failed, transport reports not connected")
			onFault()
			return
		}
	}
}
