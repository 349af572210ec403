package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
	"github.com/sirupsen/logrus"
)

// Timeout classes. A lost sale is costlier than a slow catalog refresh, so
// the push budget is the largest.
type Timeouts struct {
	Ping     time.Duration // liveness probe
	Normal   time.Duration // catalog pull
	Critical time.Duration // transaction push
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Ping:     config.DurationFromEnv("SYNC_PING_TIMEOUT_MS", 3*time.Second),
		Normal:   config.DurationFromEnv("SYNC_NORMAL_TIMEOUT_MS", 5*time.Second),
		Critical: config.DurationFromEnv("SYNC_CRITICAL_TIMEOUT_MS", 10*time.Second),
	}
}

func (t Timeouts) withDefaults() Timeouts {
	def := DefaultTimeouts()
	if t.Ping <= 0 {
		t.Ping = def.Ping
	}
	if t.Normal <= 0 {
		t.Normal = def.Normal
	}
	if t.Critical <= 0 {
		t.Critical = def.Critical
	}
	return t
}

// Credentials holds the bearer token handed to every request-issuing
// component, instead of a process-wide global.
type Credentials struct {
	mu    sync.RWMutex
	token string
}

func (c *Credentials) Set(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

func (c *Credentials) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SettingsSource resolves the persisted remote base URL so it stays
// changeable without rebuilding the client.
type SettingsSource interface {
	GetSetting(ctx context.Context, key string) (string, error)
}

// statusReporter is the monitor surface the client feeds with real request
// outcomes.
type statusReporter interface {
	ReportSuccess(latency time.Duration)
	ReportFailure()
}

// Client speaks the remote sync API contract: health probe, product delta
// pull and transaction batch push.
type Client struct {
	settings SettingsSource
	creds    *Credentials
	monitor  statusReporter
	http     *http.Client
	timeouts Timeouts
	logger   *logrus.Logger
}

func NewClient(settings SettingsSource, creds *Credentials, monitor statusReporter, timeouts Timeouts, logger *logrus.Logger) *Client {
	return &Client{
		settings: settings,
		creds:    creds,
		monitor:  monitor,
		http:     &http.Client{},
		timeouts: timeouts.withDefaults(),
		logger:   logger,
	}
}

func (c *Client) baseURL(ctx context.Context) (string, error) {
	value, err := c.settings.GetSetting(ctx, models.SettingKeyAPIBaseURL)
	if err != nil && !errors.Is(err, utils.ErrorRecordNotFound) {
		return "", err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		value = strings.TrimSpace(os.Getenv("POS_API_BASE_URL"))
	}
	if value == "" {
		return "", &utils.ConfigurationError{Reason: "remote API base url is not set"}
	}
	return strings.TrimRight(value, "/"), nil
}

// Health is the liveness probe (PING class). It reports nothing to the
// monitor — the monitor itself interprets probe outcomes.
func (c *Client) Health(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Ping)
	defer cancel()

	start := time.Now()
	var body struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/sync/health", nil, nil, &body, false); err != nil {
		return 0, err
	}
	if !strings.EqualFold(body.Status, "ok") {
		return 0, &utils.TransportError{
			Op:  "health probe",
			Err: fmt.Errorf("unexpected health status %q", body.Status),
		}
	}
	return time.Since(start), nil
}

// FetchDelta pulls everything changed since updatedAfter (NORMAL class).
func (c *Client) FetchDelta(ctx context.Context, updatedAfter string) (*DeltaResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Normal)
	defer cancel()

	params := url.Values{}
	params.Set("updatedAfter", updatedAfter)

	var parsed DeltaResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/products/delta", params, nil, &parsed, true); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// PushBatch delivers transactions (CRITICAL class). The server answers with
// per-record verdicts; a transport failure means no verdicts at all.
func (c *Client) PushBatch(ctx context.Context, transactions []TransactionPayload) (*BatchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Critical)
	defer cancel()

	req := batchRequest{Transactions: transactions}
	var parsed BatchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/transactions/batch", nil, &req, &parsed, true); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (c *Client) doJSON(ctx context.Context, method string, path string, params url.Values, in interface{}, out interface{}, report bool) error {
	base, err := c.baseURL(ctx)
	if err != nil {
		// Configuration and storage problems are not transport outcomes.
		return err
	}

	endpoint := base + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reqBody io.Reader
	if in != nil {
		data, merr := json.Marshal(in)
		if merr != nil {
			return merr
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.creds.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.reportFailure(report)
		return &utils.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.reportFailure(report)
		return &utils.TransportError{
			Op:  method + " " + path,
			Err: fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	if out != nil {
		if uerr := json.Unmarshal(body, out); uerr != nil {
			c.reportFailure(report)
			return &utils.TransportError{Op: method + " " + path, Err: uerr}
		}
	}

	c.reportSuccess(report, time.Since(start))
	return nil
}

func (c *Client) reportFailure(report bool) {
	if report && c.monitor != nil {
		c.monitor.ReportFailure()
	}
}

func (c *Client) reportSuccess(report bool, latency time.Duration) {
	if report && c.monitor != nil {
		c.monitor.ReportSuccess(latency)
	}
}
