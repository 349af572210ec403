package engine

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/netmon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 5 * time.Minute

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{10, 5 * time.Minute},
		{100, 5 * time.Minute},
		{-1, time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffDelay(tc.retryCount, base, max), "retryCount=%d", tc.retryCount)
	}
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_PULL_INTERVAL_MS", "60000")
	t.Setenv("SYNC_MAX_BACKOFF_MS", "120000")
	t.Setenv("SYNC_OFFLINE_AFTER", "5")

	cfg := DefaultConfig()
	assert.Equal(t, time.Minute, cfg.PullInterval)
	assert.Equal(t, 2*time.Minute, cfg.MaxBackoff)
	assert.Equal(t, 5, cfg.Monitor.OfflineAfter)
	assert.Equal(t, 2*time.Minute, cfg.PushInterval, "untouched knob must keep its default")
}

func TestConfigWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{PullInterval: time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, cfg.PullInterval)
	assert.Equal(t, 2*time.Minute, cfg.PushInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.RetrySpacing)
	assert.Equal(t, time.Second, cfg.BaseBackoff)
	assert.Equal(t, 5*time.Minute, cfg.MaxBackoff)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Critical)
}

func TestRecoveryBurstFiresOnReconnect(t *testing.T) {
	var pulls, pushes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/products/delta", func(w http.ResponseWriter, r *http.Request) {
		pulls.Add(1)
		_ = json.NewEncoder(w).Encode(DeltaResponse{})
	})
	mux.HandleFunc("/sync/transactions/batch", func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
		_ = json.NewEncoder(w).Encode(BatchResponse{})
	})
	eng, _ := newTestEngine(t, mux)

	eng.onNetworkChange(netmon.StatusOnline, netmon.StatusOffline)
	eng.jobWg.Wait()

	assert.Equal(t, int32(1), pulls.Load())
	// Empty queue: the sweep runs but sends nothing.
	assert.Equal(t, int32(0), pushes.Load())
}

func TestNoBurstOnOrdinaryTransitions(t *testing.T) {
	var pulls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/products/delta", func(w http.ResponseWriter, r *http.Request) {
		pulls.Add(1)
		_ = json.NewEncoder(w).Encode(DeltaResponse{})
	})
	eng, _ := newTestEngine(t, mux)

	eng.onNetworkChange(netmon.StatusUnstable, netmon.StatusOnline)
	eng.onNetworkChange(netmon.StatusOffline, netmon.StatusUnstable)
	eng.onNetworkChange(netmon.StatusUnknown, netmon.StatusOffline)
	eng.jobWg.Wait()

	assert.Equal(t, int32(0), pulls.Load())
}

func TestStoppedEngineRefusesAdHocWorkers(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	require.True(t, eng.spawn(func() {}))
	eng.jobWg.Wait()

	eng.Start()
	eng.Stop()

	assert.False(t, eng.spawn(func() { t.Error("worker ran after stop") }))
	eng.onNetworkChange(netmon.StatusOnline, netmon.StatusOffline)
	eng.jobWg.Wait()

	// A restart lifts the drain again.
	eng.Start()
	defer eng.Stop()
	require.True(t, eng.spawn(func() {}))
	eng.jobWg.Wait()
}

func TestNetworkChangeIsPublished(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	var got []NetworkChange
	eng.Subscribe(EventNetworkStatus, func(ev Event) {
		require.NotNil(t, ev.Network)
		got = append(got, *ev.Network)
	})

	eng.onNetworkChange(netmon.StatusUnstable, netmon.StatusOnline)
	eng.jobWg.Wait()

	require.Len(t, got, 1)
	assert.Equal(t, netmon.StatusUnstable, got[0].New)
	assert.Equal(t, netmon.StatusOnline, got[0].Old)
}
