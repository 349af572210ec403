package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/netmon"
	"bitbucket.org/mmdatafocus/pos_sync/store"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
	"github.com/sirupsen/logrus"
)

// Engine owns the sync lifecycle for one register: the catalog pull, the
// transaction push queue, the retry sweep and the network monitor feeding
// all three.
type Engine struct {
	store   *store.Store
	client  *Client
	creds   *Credentials
	monitor *netmon.Monitor
	bus     *eventBus
	cfg     Config
	logger  *logrus.Logger

	pullMu  sync.Mutex
	pushMu  sync.Mutex
	retryMu sync.Mutex

	runMu    sync.Mutex
	started  bool
	stopCh   chan struct{}
	unsubNet func()
	wg       sync.WaitGroup

	// Ad-hoc workers (checkout pushes, recovery bursts) are tracked apart
	// from the scheduler loops so their Add never races Stop's Wait.
	jobMu    sync.Mutex
	draining bool
	jobWg    sync.WaitGroup
}

func New(st *store.Store, cfg Config, logger *logrus.Logger) *Engine {
	e := &Engine{
		store:  st,
		creds:  &Credentials{},
		bus:    newEventBus(logger),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
	// The probe goes through the engine so the monitor and the client can
	// reference each other without a construction cycle.
	e.monitor = netmon.New(func(ctx context.Context) (time.Duration, error) {
		return e.client.Health(ctx)
	}, e.cfg.Monitor, logger)
	e.client = NewClient(st, e.creds, e.monitor, e.cfg.Timeouts, logger)
	return e
}

func (e *Engine) loadPersistedToken() {
	token, err := e.store.GetSetting(context.Background(), models.SettingKeyAuthToken)
	if err != nil {
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			e.logger.WithFields(logrus.Fields{"module": "engine", "error": err.Error()}).
				Warn("could not load persisted auth token")
		}
		return
	}
	if strings.TrimSpace(token) != "" {
		e.creds.Set(token)
	}
}

// CreateTransaction records a sale locally and answers immediately. Delivery
// to the server happens in the background, so checkout never blocks on the
// network.
func (e *Engine) CreateTransaction(ctx context.Context, input *models.NewTransaction) (*models.Transaction, error) {
	rec, err := e.store.EnqueueTransaction(ctx, input)
	if err != nil {
		return nil, err
	}
	e.publishQueueStats(context.Background())

	e.spawn(func() {
		e.pushTransaction(context.Background(), rec.ID, models.SyncTriggeredCheckout)
	})
	return rec, nil
}

// SyncProductsNow runs a catalog pull on demand.
func (e *Engine) SyncProductsNow(ctx context.Context) PullResult {
	return e.syncProducts(ctx, models.SyncTriggeredManual)
}

// ForceFullSync rewinds the catalog cursor and re-pulls everything.
func (e *Engine) ForceFullSync(ctx context.Context) PullResult {
	return e.forceFullSync(ctx, models.SyncTriggeredManual)
}

// SyncTransactionsNow sweeps the outstanding queue on demand.
func (e *Engine) SyncTransactionsNow(ctx context.Context) PushResult {
	return e.syncTransactions(ctx, models.SyncTriggeredManual)
}

// RetryFailedNow runs the failed-record sweep on demand.
func (e *Engine) RetryFailedNow(ctx context.Context) PushResult {
	return e.retryFailed(ctx)
}

func (e *Engine) GetNetworkStatus() netmon.Status {
	return e.monitor.Status()
}

func (e *Engine) GetQueueStats(ctx context.Context) (*store.QueueStats, error) {
	return e.store.QueueStats(ctx)
}

func (e *Engine) ListSyncHistory(ctx context.Context, limit int) ([]models.SyncLog, error) {
	return e.store.ListSyncLogs(ctx, limit)
}

// ListLowStocks reports variants at or below their minimum for one branch.
func (e *Engine) ListLowStocks(ctx context.Context, branchId int) ([]models.Stock, error) {
	return e.store.ListLowStocks(ctx, branchId)
}

// SetAuthToken persists the bearer token and applies it to in-flight use.
func (e *Engine) SetAuthToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return &utils.ConfigurationError{Reason: "auth token must not be empty"}
	}
	if err := e.store.SetSetting(ctx, models.SettingKeyAuthToken, token); err != nil {
		return err
	}
	e.creds.Set(token)
	return nil
}

func (e *Engine) ClearAuthToken(ctx context.Context) error {
	if err := e.store.DeleteSetting(ctx, models.SettingKeyAuthToken); err != nil {
		return err
	}
	e.creds.Clear()
	return nil
}

// SetAPIBaseURL persists the remote endpoint. The client re-reads it per
// request, so the change takes effect without a restart.
func (e *Engine) SetAPIBaseURL(ctx context.Context, baseURL string) error {
	baseURL = strings.TrimSpace(baseURL)
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return &utils.ConfigurationError{Reason: "api base url must start with http:// or https://"}
	}
	return e.store.SetSetting(ctx, models.SettingKeyAPIBaseURL, baseURL)
}

// Subscribe registers a listener for one event type and returns its
// unsubscribe func.
func (e *Engine) Subscribe(t EventType, fn func(Event)) func() {
	return e.bus.subscribe(t, fn)
}
