package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the coarse connectivity state.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusOnline   Status = "online"
	StatusUnstable Status = "unstable"
	StatusOffline  Status = "offline"
)

// ProbeFunc performs one liveness check and reports the round-trip time.
// The probe is expected to bound its own timeout (PING class).
type ProbeFunc func(ctx context.Context) (time.Duration, error)

type Config struct {
	Interval      time.Duration // probe cadence, default 30s
	SlowThreshold time.Duration // round-trip at or above this is unstable, default 1s
	OfflineAfter  int           // consecutive failures before offline, default 3
}

func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		SlowThreshold: time.Second,
		OfflineAfter:  3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = def.SlowThreshold
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = def.OfflineAfter
	}
	return c
}

// Listener receives every state change with the new and previous status.
type Listener func(newStatus Status, oldStatus Status)

// Monitor drives the four-state connectivity machine from a periodic probe
// and from the outcome of every real request that other components report.
// It is an explicit instance — multiple independent monitors can coexist.
type Monitor struct {
	probe  ProbeFunc
	cfg    Config
	logger *logrus.Logger

	mu       sync.Mutex
	status   Status
	failures int

	subMu   sync.Mutex
	subs    map[int]Listener
	nextSub int

	runMu   sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

func New(probe ProbeFunc, cfg Config, logger *logrus.Logger) *Monitor {
	return &Monitor{
		probe:  probe,
		cfg:    cfg.withDefaults(),
		logger: logger,
		status: StatusUnknown,
		subs:   make(map[int]Listener),
	}
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers a listener and returns its unsubscribe func. A
// panicking listener never breaks delivery to the others.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

// Start launches the probe loop. Safe to call once; Stop is idempotent and
// safe before Start.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runProbe(ctx)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runProbe(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
	m.wg.Wait()
}

// ReportSuccess feeds the outcome of a real (non-probe) request. Any success
// while degraded promotes straight back to online.
func (m *Monitor) ReportSuccess(latency time.Duration) {
	m.mu.Lock()
	m.failures = 0
	old := m.status
	m.status = StatusOnline
	m.mu.Unlock()
	m.notify(StatusOnline, old)
}

// ReportFailure feeds a real request failure; the same consecutive-failure
// rule as the probe applies.
func (m *Monitor) ReportFailure() {
	m.recordFailure()
}

func (m *Monitor) runProbe(ctx context.Context) {
	latency, err := m.probe(ctx)
	if err != nil {
		m.recordFailure()
		return
	}

	next := StatusOnline
	if latency >= m.cfg.SlowThreshold {
		next = StatusUnstable
	}
	m.mu.Lock()
	m.failures = 0
	old := m.status
	m.status = next
	m.mu.Unlock()
	m.notify(next, old)
}

func (m *Monitor) recordFailure() {
	m.mu.Lock()
	m.failures++
	next := StatusUnstable
	if m.failures >= m.cfg.OfflineAfter {
		next = StatusOffline
	}
	old := m.status
	m.status = next
	m.mu.Unlock()
	m.notify(next, old)
}

func (m *Monitor) notify(newStatus Status, oldStatus Status) {
	if newStatus == oldStatus {
		return
	}
	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"module": "netmon",
			"from":   oldStatus,
			"to":     newStatus,
		}).Info("network status changed")
	}

	m.subMu.Lock()
	listeners := make([]Listener, 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.subMu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil && m.logger != nil {
					m.logger.WithFields(logrus.Fields{
						"module": "netmon",
						"panic":  r,
					}).Error("network status listener panicked")
				}
			}()
			fn(newStatus, oldStatus)
		}()
	}
}
