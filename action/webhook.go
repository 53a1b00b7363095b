package action

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

type WebhookState int32

const (
	WebhookStateStopped WebhookState = iota
	WebhookStateStarting
	WebhookStateRunning
	WebhookStateStopping
)

const signatureHeader = "X-Signature"

// WebhookManager delivers worker events to HTTP endpoints registered by the
// host. Registrations persist in sqlite.
type WebhookManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	db              *sql.DB
	client          *fasthttp.Client
	state           atomic.Value
	requestTimeout  time.Duration
	deliveryTimeout time.Duration
}

type Webhook struct {
	ID        string            `json:"id"`
	Event     string            `json:"event"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Secret    string            `json:"secret,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

type WebhookCreateRequest struct {
	Event   string            `json:"event" validate:"required"`
	URL     string            `json:"url" validate:"required,url"`
	Headers map[string]string `json:"headers"`
	Enabled *bool             `json:"enabled"`
}

type webhookEnvelope struct {
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

func NewWebhookManager(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.WebhooksConfig) (*WebhookManager, error) {
	if config == nil || config.Path == "" {
		return nil, types.Errorf(types.ErrActionConfigInvalid, "webhook database path is empty")
	}

	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.WrapError(err, "failed to create webhook database directory")
		}
	}

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open sqlite database")
	}
	db.SetMaxOpenConns(1)

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	webhookCtx, cancel := context.WithCancel(ctx)

	wm := &WebhookManager{
		ctx:     webhookCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		db:      db,
		client: &fasthttp.Client{
			Name:         "vault-worker-webhook",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		requestTimeout:  timeout,
		deliveryTimeout: 6 * timeout,
	}
	wm.state.Store(WebhookStateStopped)

	if err := wm.initDatabase(); err != nil {
		cancel()
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("Failed to close database during cleanup", zap.Error(closeErr))
		}
		return nil, err
	}

	return wm, nil
}

func (wm *WebhookManager) Start() error {
	if !wm.transitionState(WebhookStateStopped, WebhookStateRunning) {
		return types.ErrServerAlreadyRunning
	}

	wm.logger.Info("Webhook manager started")
	return nil
}

func (wm *WebhookManager) Stop() error {
	if !wm.transitionState(WebhookStateRunning, WebhookStateStopping) {
		return types.ErrServerNotRunning
	}
	defer wm.state.Store(WebhookStateStopped)

	wm.cancel()

	if err := wm.db.Close(); err != nil {
		wm.logger.Error("Failed to close database", zap.Error(err))
		return err
	}

	wm.logger.Info("Webhook manager stopped gracefully")
	return nil
}

func (wm *WebhookManager) IsRunning() bool {
	return wm.state.Load().(WebhookState) == WebhookStateRunning
}

func (wm *WebhookManager) transitionState(from, to WebhookState) bool {
	return wm.state.CompareAndSwap(from, to)
}

func (wm *WebhookManager) initDatabase() error {
	query := `
	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		url TEXT NOT NULL,
		headers TEXT,
		secret TEXT,
		enabled BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_webhooks_event ON webhooks(event);
	`

	if _, err := wm.db.Exec(query); err != nil {
		return types.WrapError(err, "failed to create webhooks table")
	}
	return nil
}

// Create registers an endpoint and returns it with a freshly generated signing secret.
func (wm *WebhookManager) Create(ctx context.Context, req *WebhookCreateRequest) (*Webhook, error) {
	if req.Event == "" || req.URL == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "event and url are required")
	}

	webhook := &Webhook{
		ID:        "wh_" + uuid.NewString(),
		Event:     req.Event,
		URL:       req.URL,
		Headers:   req.Headers,
		Secret:    generateSecret(),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if req.Enabled != nil {
		webhook.Enabled = *req.Enabled
	}
	if webhook.Headers == nil {
		webhook.Headers = make(map[string]string)
	}

	headersJSON, err := utils.Marshal(webhook.Headers)
	if err != nil {
		return nil, types.WrapError(err, "failed to marshal webhook headers")
	}

	_, err = wm.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, event, url, headers, secret, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		webhook.ID, webhook.Event, webhook.URL, string(headersJSON), webhook.Secret, webhook.Enabled, webhook.CreatedAt)
	if err != nil {
		return nil, types.WrapError(err, "failed to insert webhook")
	}

	wm.logger.Info("Webhook registered",
		zap.String("id", webhook.ID),
		zap.String("event", webhook.Event),
		zap.String("url", webhook.URL))

	return webhook, nil
}

func (wm *WebhookManager) List(ctx context.Context) ([]*Webhook, error) {
	return wm.query(ctx, `SELECT id, event, url, headers, secret, enabled, created_at FROM webhooks ORDER BY created_at, id`)
}

func (wm *WebhookManager) Delete(ctx context.Context, id string) error {
	result, err := wm.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return types.WrapError(err, "failed to delete webhook")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapError(err, "failed to get rows affected")
	}
	if affected == 0 {
		return types.Errorf(types.ErrResourceNotFound, "webhook %s", id)
	}

	wm.logger.Info("Webhook deleted", zap.String("id", id))
	return nil
}

// Notify delivers event to every enabled endpoint registered for it.
func (wm *WebhookManager) Notify(event string, payload interface{}) error {
	if !wm.IsRunning() {
		return types.ErrActionNotInitialized
	}

	ctx, cancel := context.WithTimeout(wm.ctx, wm.deliveryTimeout)
	defer cancel()

	webhooks, err := wm.query(ctx,
		`SELECT id, event, url, headers, secret, enabled, created_at FROM webhooks WHERE event = ? AND enabled = true`, event)
	if err != nil {
		return err
	}
	if len(webhooks) == 0 {
		return nil
	}

	body, err := utils.Marshal(webhookEnvelope{Event: event, Timestamp: time.Now().Unix(), Data: payload})
	if err != nil {
		return types.WrapError(err, "failed to marshal webhook payload")
	}

	var delivered atomic.Int32
	g, gCtx := errgroup.WithContext(ctx)
	for _, webhook := range webhooks {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			if err := wm.deliver(webhook, body); err != nil {
				wm.recordMetric(event, "error")
				wm.logger.Warn("Webhook delivery failed",
					zap.String("webhook_id", webhook.ID),
					zap.String("event", event),
					zap.Error(err))
				return nil
			}
			delivered.Add(1)
			wm.recordMetric(event, "success")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.WrapError(err, "webhook delivery interrupted")
	}

	if delivered.Load() == 0 {
		return types.Errorf(types.ErrActionPublishFailed, "all %d webhook deliveries failed", len(webhooks))
	}
	return nil
}

func (wm *WebhookManager) deliver(webhook *Webhook, body []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(webhook.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	for key, value := range webhook.Headers {
		req.Header.Set(key, value)
	}
	if webhook.Secret != "" {
		req.Header.Set(signatureHeader, "sha256="+Sign(webhook.Secret, body))
	}
	req.SetBody(body)

	if err := wm.client.DoTimeout(req, resp, wm.requestTimeout); err != nil {
		return types.WrapError(err, "webhook request failed")
	}
	if resp.StatusCode() >= fasthttp.StatusBadRequest {
		return types.Errorf(types.ErrClientResponseInvalid, "webhook returned status %d", resp.StatusCode())
	}
	return nil
}

func (wm *WebhookManager) query(ctx context.Context, query string, args ...interface{}) ([]*Webhook, error) {
	rows, err := wm.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapError(err, "failed to query webhooks")
	}
	defer func() {
		if err := rows.Close(); err != nil {
			wm.logger.Error("Failed to close database rows", zap.Error(err))
		}
	}()

	var webhooks []*Webhook
	for rows.Next() {
		webhook := &Webhook{Headers: make(map[string]string)}
		var headersJSON sql.NullString
		var secret sql.NullString

		if err := rows.Scan(&webhook.ID, &webhook.Event, &webhook.URL,
			&headersJSON, &secret, &webhook.Enabled, &webhook.CreatedAt); err != nil {
			return nil, types.WrapError(err, "failed to scan webhook")
		}
		webhook.Secret = secret.String

		if headersJSON.Valid && headersJSON.String != "" {
			if err := utils.Unmarshal([]byte(headersJSON.String), &webhook.Headers); err != nil {
				wm.logger.Warn("Failed to parse webhook headers",
					zap.String("webhook_id", webhook.ID),
					zap.Error(err))
			}
		}

		webhooks = append(webhooks, webhook)
	}

	return webhooks, rows.Err()
}

func (wm *WebhookManager) recordMetric(event, result string) {
	if wm.metrics == nil {
		return
	}

	wm.metrics.Counter("webhook_deliveries_total", map[string]string{
		"event":  event,
		"result": result,
	}).Inc()
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func generateSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
