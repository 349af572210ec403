package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/netmon"
	"bitbucket.org/mmdatafocus/pos_sync/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, handler http.Handler) (*Engine, *store.Store) {
	t.Helper()

	db, err := config.OpenDatabase(filepath.Join(t.TempDir(), "pos_sync_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
	})
	require.NoError(t, models.MigrateTable(db))

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	st := store.New(db, logger)

	eng := New(st, Config{RetrySpacing: time.Millisecond}, logger)
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		require.NoError(t, st.SetSetting(context.Background(), models.SettingKeyAPIBaseURL, srv.URL))
	}
	return eng, st
}

func sampleDelta() DeltaResponse {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	active := true
	return DeltaResponse{
		Categories: []CategoryDelta{{ID: 1, Name: "Drinks", UpdatedAt: now}},
		Products: []ProductDelta{{
			ID: 1, CategoryId: 1, Name: "Coffee", IsActive: &active, UpdatedAt: now,
			Variants: []VariantDelta{{
				ID: 11, Name: "Iced", Sku: "COF-ICE",
				SalesPrice: decimal.NewFromInt(25000), IsActive: &active, UpdatedAt: now,
				Stocks: []StockDelta{{
					BranchId: 1, Quantity: decimal.NewFromInt(40),
					MinStock: decimal.NewFromInt(5), UpdatedAt: now,
				}},
			}},
		}},
		Count: 2,
	}
}

func TestCatalogPullAppliesDeltaAndAdvancesCursor(t *testing.T) {
	var cursors []string
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/products/delta", func(w http.ResponseWriter, r *http.Request) {
		cursors = append(cursors, r.URL.Query().Get("updatedAfter"))
		_ = json.NewEncoder(w).Encode(sampleDelta())
	})
	eng, st := newTestEngine(t, mux)
	ctx := context.Background()

	res := eng.syncProducts(ctx, models.SyncTriggeredManual)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 4, res.Applied)
	assert.Equal(t, 0, res.Skipped)

	stock, err := st.GetStock(ctx, 11, 1)
	require.NoError(t, err)
	assert.True(t, stock.Quantity.Equal(decimal.NewFromInt(40)))

	res = eng.syncProducts(ctx, models.SyncTriggeredManual)
	require.True(t, res.Success, res.Error)

	require.Len(t, cursors, 2)
	assert.Equal(t, models.EpochSentinel, cursors[0], "first pull must fetch from the epoch")
	assert.NotEqual(t, models.EpochSentinel, cursors[1], "cursor did not advance after a successful pull")

	// Cursor advanced to the first pull's start, not its finish.
	parsed, err := time.Parse(time.RFC3339, cursors[1])
	require.NoError(t, err)
	assert.False(t, parsed.After(res.StartedAt))
}

func TestCatalogPullTransportFailureLeavesCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/products/delta", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	eng, st := newTestEngine(t, mux)
	ctx := context.Background()

	res := eng.syncProducts(ctx, models.SyncTriggeredSchedule)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	cursor, err := st.GetLastSyncTime(ctx, models.SyncResourceProducts)
	require.NoError(t, err)
	assert.Equal(t, models.EpochSentinel, cursor, "cursor moved despite a failed pull")

	logs, err := st.ListSyncLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SyncRunStatusFailed, logs[0].Status)
}

func TestRealRequestsDriveNetworkStatus(t *testing.T) {
	fail := false
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/products/delta", func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(DeltaResponse{})
	})
	eng, _ := newTestEngine(t, mux)
	ctx := context.Background()

	eng.syncProducts(ctx, models.SyncTriggeredManual)
	assert.Equal(t, netmon.StatusOnline, eng.GetNetworkStatus())

	fail = true
	eng.syncProducts(ctx, models.SyncTriggeredManual)
	assert.Equal(t, netmon.StatusUnstable, eng.GetNetworkStatus())

	fail = false
	eng.syncProducts(ctx, models.SyncTriggeredManual)
	assert.Equal(t, netmon.StatusOnline, eng.GetNetworkStatus())
}

func TestForceFullSyncRewindsCursor(t *testing.T) {
	var cursors []string
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/products/delta", func(w http.ResponseWriter, r *http.Request) {
		cursors = append(cursors, r.URL.Query().Get("updatedAfter"))
		_ = json.NewEncoder(w).Encode(DeltaResponse{})
	})
	eng, st := newTestEngine(t, mux)
	ctx := context.Background()

	require.NoError(t, st.SetLastSyncTime(ctx, models.SyncResourceProducts, "2026-03-01T00:00:00Z"))

	res := eng.forceFullSync(ctx, models.SyncTriggeredManual)
	require.True(t, res.Success, res.Error)
	require.Len(t, cursors, 1)
	assert.Equal(t, models.EpochSentinel, cursors[0])
}

func seedQueuedTransaction(t *testing.T, st *store.Store, id string, createdAt time.Time) {
	t.Helper()
	_, err := st.EnqueueTransaction(context.Background(), &models.NewTransaction{
		ID:            id,
		BranchId:      1,
		CashierName:   "Aye Chan",
		PaymentMethod: "cash",
		SubTotal:      decimal.NewFromInt(85000),
		Discount:      decimal.NewFromInt(5000),
		Total:         decimal.NewFromInt(80000),
		CreatedAt:     &createdAt,
		Items: []models.NewTransactionItem{
			{ID: id + "-1", VariantId: 11, Quantity: decimal.NewFromInt(2), Price: decimal.NewFromInt(25000), Subtotal: decimal.NewFromInt(50000)},
			{ID: id + "-2", VariantId: 12, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(35000), Subtotal: decimal.NewFromInt(35000)},
		},
	})
	require.NoError(t, err)
}

func acceptAllBatches(captured *[]batchRequest) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/transactions/batch", func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if captured != nil {
			*captured = append(*captured, req)
		}
		_ = json.NewEncoder(w).Encode(BatchResponse{Success: len(req.Transactions)})
	})
	return mux
}

func TestBatchSweepDeliversOldestFirst(t *testing.T) {
	var captured []batchRequest
	eng, st := newTestEngine(t, acceptAllBatches(&captured))
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	seedQueuedTransaction(t, st, "tx-late", base.Add(time.Hour))
	seedQueuedTransaction(t, st, "tx-early", base)

	res := eng.syncTransactions(ctx, models.SyncTriggeredSchedule)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Synced)

	require.Len(t, captured, 1)
	require.Len(t, captured[0].Transactions, 2)
	assert.Equal(t, "tx-early", captured[0].Transactions[0].ID)
	assert.Equal(t, "tx-late", captured[0].Transactions[1].ID)
	assert.True(t, captured[0].Transactions[0].Total.Equal(decimal.NewFromInt(80000)))

	rec, err := st.GetTransaction(ctx, "tx-early")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, rec.SyncStatus)
}

func TestBatchSweepEmptyQueueSkipsNetwork(t *testing.T) {
	called := false
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { called = true })
	eng, _ := newTestEngine(t, mux)

	res := eng.syncTransactions(context.Background(), models.SyncTriggeredSchedule)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Total)
	assert.False(t, called, "empty sweep must not touch the network")
}

func TestBatchSweepTransportFailureKeepsQueueUntouched(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/transactions/batch", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	})
	eng, st := newTestEngine(t, mux)
	ctx := context.Background()

	seedQueuedTransaction(t, st, "tx-1", time.Now().UTC())

	res := eng.syncTransactions(ctx, models.SyncTriggeredSchedule)
	assert.False(t, res.Success)

	// No verdicts means no state changes at all.
	rec, err := st.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, rec.SyncStatus)
	assert.Equal(t, 0, rec.SyncRetryCount)
	assert.Nil(t, rec.NextAttemptAt)
}

func TestBatchSweepAppliesPerRecordVerdicts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/transactions/batch", func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(BatchResponse{
			Success: len(req.Transactions) - 1,
			Failed:  1,
			Errors:  []BatchError{{ID: "tx-bad", Error: "unknown branch"}},
		})
	})
	eng, st := newTestEngine(t, mux)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	seedQueuedTransaction(t, st, "tx-good", base)
	seedQueuedTransaction(t, st, "tx-bad", base.Add(time.Minute))

	res := eng.syncTransactions(ctx, models.SyncTriggeredSchedule)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Failed)

	good, err := st.GetTransaction(ctx, "tx-good")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, good.SyncStatus)

	bad, err := st.GetTransaction(ctx, "tx-bad")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, bad.SyncStatus)
	assert.Equal(t, 1, bad.SyncRetryCount)
	assert.Equal(t, "unknown branch", bad.SyncError)
	require.NotNil(t, bad.NextAttemptAt)

	logs, err := st.ListSyncLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SyncRunStatusPartial, logs[0].Status)
}

func TestPushTransactionFailureSchedulesBackoff(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/transactions/batch", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "timeout", http.StatusGatewayTimeout)
	})
	eng, st := newTestEngine(t, mux)
	ctx := context.Background()

	seedQueuedTransaction(t, st, "tx-1", time.Now().UTC())

	res := eng.pushTransaction(ctx, "tx-1", models.SyncTriggeredCheckout)
	assert.False(t, res.Success)

	rec, err := st.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, rec.SyncStatus)
	assert.Equal(t, 1, rec.SyncRetryCount)
	require.NotNil(t, rec.NextAttemptAt)
	require.NotNil(t, rec.LastAttemptAt)

	// First failure: next attempt is one doubling past the base, 2s out.
	gap := rec.NextAttemptAt.Sub(*rec.LastAttemptAt)
	assert.Equal(t, 2*time.Second, gap)
}

func TestPushTransactionAlreadySyncedIsNoOp(t *testing.T) {
	called := false
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { called = true })
	eng, st := newTestEngine(t, mux)
	ctx := context.Background()

	seedQueuedTransaction(t, st, "tx-1", time.Now().UTC())
	require.NoError(t, st.MarkSynced(ctx, "tx-1"))

	res := eng.pushTransaction(ctx, "tx-1", models.SyncTriggeredCheckout)
	assert.True(t, res.Success)
	assert.False(t, called)
}

func TestRetrySweepRetriesOnlyDueRecords(t *testing.T) {
	var captured []batchRequest
	eng, st := newTestEngine(t, acceptAllBatches(&captured))
	ctx := context.Background()

	now := time.Now().UTC()
	seedQueuedTransaction(t, st, "tx-due", now.Add(-2*time.Hour))
	seedQueuedTransaction(t, st, "tx-waiting", now.Add(-time.Hour))
	require.NoError(t, st.MarkFailed(ctx, "tx-due", "timeout", now.Add(-time.Minute), now.Add(-time.Second)))
	require.NoError(t, st.MarkFailed(ctx, "tx-waiting", "timeout", now.Add(-time.Minute), now.Add(time.Hour)))

	res := eng.retryFailed(ctx)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Synced)

	// One request per record, not a combined batch.
	require.Len(t, captured, 1)
	require.Len(t, captured[0].Transactions, 1)
	assert.Equal(t, "tx-due", captured[0].Transactions[0].ID)

	waiting, err := st.GetTransaction(ctx, "tx-waiting")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, waiting.SyncStatus)
	assert.Equal(t, 1, waiting.SyncRetryCount, "record inside its backoff window was touched")
}

func TestRetrySweepIsRecordedInSyncHistory(t *testing.T) {
	var captured []batchRequest
	eng, st := newTestEngine(t, acceptAllBatches(&captured))
	ctx := context.Background()

	now := time.Now().UTC()
	seedQueuedTransaction(t, st, "tx-due", now.Add(-2*time.Hour))
	require.NoError(t, st.MarkFailed(ctx, "tx-due", "timeout", now.Add(-time.Minute), now.Add(-time.Second)))

	res := eng.retryFailed(ctx)
	require.True(t, res.Success)
	require.Equal(t, 1, res.Synced)

	logs, err := st.ListSyncLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	row := logs[0]
	assert.Equal(t, models.SyncResourceTransactions, row.Resource)
	assert.Equal(t, models.SyncDirectionPush, row.Direction)
	assert.Equal(t, models.SyncTriggeredRetry, row.TriggeredBy)
	assert.Equal(t, models.SyncRunStatusSuccess, row.Status)
	assert.Equal(t, 1, row.RecordCount)
	assert.Equal(t, 0, row.ErrorCount)
	require.NotNil(t, row.FinishedAt)

	// A sweep with nothing due leaves no trace.
	_ = eng.retryFailed(ctx)
	logs, err = st.ListSyncLogs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestPushWithoutBaseURLLeavesRecordPending(t *testing.T) {
	t.Setenv("POS_API_BASE_URL", "")
	eng, st := newTestEngine(t, nil)
	ctx := context.Background()

	seedQueuedTransaction(t, st, "tx-1", time.Now().UTC())

	res := eng.pushTransaction(ctx, "tx-1", models.SyncTriggeredCheckout)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)

	// A misconfigured client is not a delivery failure: no retry budget
	// consumed, no backoff scheduled.
	rec, err := st.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, rec.SyncStatus)
	assert.Equal(t, 0, rec.SyncRetryCount)
	assert.Nil(t, rec.NextAttemptAt)
}

func TestBearerTokenAttachedWhenSet(t *testing.T) {
	var auth string
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/products/delta", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(DeltaResponse{})
	})
	eng, _ := newTestEngine(t, mux)
	ctx := context.Background()

	require.NoError(t, eng.SetAuthToken(ctx, "register-7-token"))
	res := eng.syncProducts(ctx, models.SyncTriggeredManual)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Bearer register-7-token", auth)

	require.NoError(t, eng.ClearAuthToken(ctx))
	eng.syncProducts(ctx, models.SyncTriggeredManual)
	assert.Empty(t, auth)
}

func TestSetAPIBaseURLValidation(t *testing.T) {
	eng, st := newTestEngine(t, nil)
	ctx := context.Background()

	assert.Error(t, eng.SetAPIBaseURL(ctx, "not-a-url"))
	require.NoError(t, eng.SetAPIBaseURL(ctx, "https://pos.example.test/api/"))

	got, err := st.GetSetting(ctx, models.SettingKeyAPIBaseURL)
	require.NoError(t, err)
	assert.Equal(t, "https://pos.example.test/api/", got)
}

func TestHealthProbeDemandsOkStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
	})
	eng, _ := newTestEngine(t, mux)

	_, err := eng.client.Health(context.Background())
	assert.Error(t, err)
}
