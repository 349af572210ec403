package engine

import (
	"context"
	"math"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/netmon"
	"github.com/sirupsen/logrus"
)

// Config is the scheduler timing plus the backoff policy. Every knob has a
// built-in default and an env override (milliseconds).
type Config struct {
	PullInterval  time.Duration // catalog pull cadence
	PushInterval  time.Duration // batch sweep cadence
	RetryInterval time.Duration // failed-retry sweep cadence
	WarmupDelay   time.Duration // delay before the first immediate pull+push
	RetrySpacing  time.Duration // gap between per-record retries
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Timeouts      Timeouts
	Monitor       netmon.Config
}

func DefaultConfig() Config {
	return Config{
		PullInterval:  config.DurationFromEnv("SYNC_PULL_INTERVAL_MS", 5*time.Minute),
		PushInterval:  config.DurationFromEnv("SYNC_PUSH_INTERVAL_MS", 2*time.Minute),
		RetryInterval: config.DurationFromEnv("SYNC_RETRY_INTERVAL_MS", time.Minute),
		WarmupDelay:   config.DurationFromEnv("SYNC_WARMUP_DELAY_MS", 2*time.Second),
		RetrySpacing:  config.DurationFromEnv("SYNC_RETRY_SPACING_MS", 500*time.Millisecond),
		BaseBackoff:   config.DurationFromEnv("SYNC_BASE_BACKOFF_MS", time.Second),
		MaxBackoff:    config.DurationFromEnv("SYNC_MAX_BACKOFF_MS", 5*time.Minute),
		Timeouts:      DefaultTimeouts(),
		Monitor: netmon.Config{
			Interval:      config.DurationFromEnv("SYNC_PROBE_INTERVAL_MS", 30*time.Second),
			SlowThreshold: config.DurationFromEnv("SYNC_PROBE_SLOW_MS", time.Second),
			OfflineAfter:  config.IntFromEnv("SYNC_OFFLINE_AFTER", 3),
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PullInterval <= 0 {
		c.PullInterval = def.PullInterval
	}
	if c.PushInterval <= 0 {
		c.PushInterval = def.PushInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.WarmupDelay <= 0 {
		c.WarmupDelay = def.WarmupDelay
	}
	if c.RetrySpacing <= 0 {
		c.RetrySpacing = def.RetrySpacing
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	c.Timeouts = c.Timeouts.withDefaults()
	return c
}

// backoffDelay is base * 2^retryCount, capped.
func backoffDelay(retryCount int, base time.Duration, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(retryCount)))
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

func (e *Engine) backoff(retryCount int) time.Duration {
	return backoffDelay(retryCount, e.cfg.BaseBackoff, e.cfg.MaxBackoff)
}

// Start brings up the probe loop and the three periodic jobs. After a short
// warm-up it runs one immediate pull and push so a freshly started register
// reconciles without waiting a full cycle.
func (e *Engine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.stopCh = make(chan struct{})

	e.jobMu.Lock()
	e.draining = false
	e.jobMu.Unlock()

	e.loadPersistedToken()
	e.monitor.Start(context.Background())
	e.unsubNet = e.monitor.Subscribe(e.onNetworkChange)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-time.After(e.cfg.WarmupDelay):
		case <-e.stopCh:
			return
		}
		e.runCatalogPull(models.SyncTriggeredSchedule)
		e.runTransactionPush(models.SyncTriggeredSchedule)
	}()

	e.runPeriodic(e.cfg.PullInterval, func() { e.runCatalogPull(models.SyncTriggeredSchedule) })
	e.runPeriodic(e.cfg.PushInterval, func() { e.runTransactionPush(models.SyncTriggeredSchedule) })
	e.runPeriodic(e.cfg.RetryInterval, e.runRetrySweep)

	e.logger.WithFields(logrus.Fields{
		"module":         "engine",
		"pull_interval":  e.cfg.PullInterval.String(),
		"push_interval":  e.cfg.PushInterval.String(),
		"retry_interval": e.cfg.RetryInterval.String(),
	}).Info("sync scheduler started")
}

// Stop cancels the timers and the probe. Idempotent and safe before Start.
// In-flight network calls are not aborted; they finish or time out on their
// own bounded deadlines.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.started {
		return
	}
	e.started = false
	close(e.stopCh)
	if e.unsubNet != nil {
		e.unsubNet()
		e.unsubNet = nil
	}
	e.jobMu.Lock()
	e.draining = true
	e.jobMu.Unlock()
	e.monitor.Stop()
	e.wg.Wait()
	e.jobWg.Wait()
	e.logger.WithFields(logrus.Fields{"module": "engine"}).Info("sync scheduler stopped")
}

// spawn runs job on its own goroutine unless the engine is draining.
// The counter is only touched under jobMu, so Stop can wait without
// racing a concurrent Add.
func (e *Engine) spawn(job func()) bool {
	e.jobMu.Lock()
	if e.draining {
		e.jobMu.Unlock()
		return false
	}
	e.jobWg.Add(1)
	e.jobMu.Unlock()
	go func() {
		defer e.jobWg.Done()
		job()
	}()
	return true
}

func (e *Engine) runPeriodic(interval time.Duration, job func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				job()
			case <-e.stopCh:
				return
			}
		}
	}()
}

/// Each job class is serialized with TryLock: a slow run makes the next tick
// skip rather than stack, while different job classes overlap freely.

func (e *Engine) runCatalogPull(triggeredBy string) {
	if !e.pullMu.TryLock() {
		e.logger.WithFields(logrus.Fields{"module": "engine", "job": "catalog-pull"}).
			Debug("previous run still in flight, skipping")
		return
	}
	defer e.pullMu.Unlock()
	e.syncProducts(context.Background(), triggeredBy)
}

func (e *Engine) runTransactionPush(triggeredBy string) {
	if !e.pushMu.TryLock() {
		e.logger.WithFields(logrus.Fields{"module": "engine", "job": "transaction-push"}).
			Debug("previous run still in flight, skipping")
		return
	}
	defer e.pushMu.Unlock()
	e.syncTransactions(context.Background(), triggeredBy)
}

func (e *Engine) runRetrySweep() {
	if !e.retryMu.TryLock() {
		e.logger.WithFields(logrus.Fields{"module": "engine", "job": "retry-sweep"}).
			Debug("previous run still in flight, skipping")
		return
	}
	defer e.retryMu.Unlock()
	e.retryFailed(context.Background())
}

// onNetworkChange republishes the transition and, when connectivity comes
// back, fires the recovery burst: an immediate pull and push on top of the
// normal timers, not instead of them.
func (e *Engine) onNetworkChange(newStatus netmon.Status, oldStatus netmon.Status) {
	e.bus.publish(Event{
		Type:    EventNetworkStatus,
		At:      time.Now().UTC(),
		Network: &NetworkChange{New: newStatus, Old: oldStatus},
	})

	if oldStatus != netmon.StatusOffline {
		return
	}
	if newStatus != netmon.StatusOnline && newStatus != netmon.StatusUnstable {
		return
	}

	e.logger.WithFields(logrus.Fields{
		"module": "engine",
		"from":   oldStatus,
		"to":     newStatus,
	}).Info("connectivity recovered, firing recovery burst")

	e.spawn(func() {
		e.runCatalogPull(models.SyncTriggeredRecovery)
		e.runTransactionPush(models.SyncTriggeredRecovery)
	})
}
