package action

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

type BrokerState int32

const (
	BrokerStateStopped BrokerState = iota
	BrokerStateStarting
	BrokerStateRunning
	BrokerStateStopping
	BrokerStateReconnecting
)

type WebSocketConfig struct {
	URL            string         `json:"url"`
	ReconnectDelay types.Duration `json:"reconnect_delay"`
	MaxRetries     int            `json:"max_retries"`
	PingInterval   types.Duration `json:"ping_interval"`
	PongWait       types.Duration `json:"pong_wait"`
	WriteWait      types.Duration `json:"write_wait"`
	QueueSize      int            `json:"queue_size"`
}

// WebSocketRelay connects to the page bridge and exchanges action messages
// with controlled pages. Outbound messages queue while disconnected.
type WebSocketRelay struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	config          *WebSocketConfig
	conn            *websocket.Conn
	connMu          sync.Mutex
	subscriptions   map[string][]types.ActionHandler
	subsMu          sync.RWMutex
	send            chan *types.ActionMessage
	state           atomic.Value
	wg              sync.WaitGroup
	shutdownTimeout time.Duration
}

func NewWebSocketRelay(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config interface{}) (*WebSocketRelay, error) {
	wsConfig := &WebSocketConfig{
		URL:            "ws://localhost:8081/ws",
		ReconnectDelay: types.Duration(5 * time.Second),
		MaxRetries:     10,
		PingInterval:   types.Duration(54 * time.Second),
		PongWait:       types.Duration(60 * time.Second),
		WriteWait:      types.Duration(10 * time.Second),
		QueueSize:      256,
	}

	if config != nil {
		if err := utils.UnmarshalConfig(config, wsConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal websocket config")
		}
	}
	if wsConfig.URL == "" {
		return nil, types.Errorf(types.ErrActionConfigInvalid, "websocket url is empty")
	}

	relayCtx, cancel := context.WithCancel(ctx)

	relay := &WebSocketRelay{
		ctx:             relayCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		config:          wsConfig,
		subscriptions:   make(map[string][]types.ActionHandler),
		send:            make(chan *types.ActionMessage, wsConfig.QueueSize),
		shutdownTimeout: 10 * time.Second,
	}
	relay.state.Store(BrokerStateStopped)

	logger.Info("WebSocket relay initialized",
		zap.String("url", wsConfig.URL),
		zap.Duration("reconnect_delay", wsConfig.ReconnectDelay.Std()),
		zap.Int("max_retries", wsConfig.MaxRetries))

	return relay, nil
}

func (w *WebSocketRelay) Publish(action string, payload interface{}) error {
	if !w.IsRunning() {
		return types.ErrActionNotInitialized
	}

	message := &types.ActionMessage{
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "vault-worker",
		MessageID: uuid.NewString(),
	}

	select {
	case w.send <- message:
		w.recordMetric("publish", "queued", action)
		return nil
	case <-w.ctx.Done():
		w.recordMetric("publish", "canceled", action)
		return types.ErrActionNotInitialized
	default:
		w.logger.Error("Send queue is full, dropping message",
			zap.String("action", action),
			zap.String("message_id", message.MessageID))
		w.recordMetric("publish", "dropped", action)
		return types.ErrActionPublishFailed
	}
}

// Subscribe registers a handler. Subscriptions are fixed once the relay runs.
func (w *WebSocketRelay) Subscribe(action string, handler types.ActionHandler) error {
	if action == "" || handler == nil {
		return types.ErrActionConfigInvalid
	}
	if w.getState() != BrokerStateStopped {
		return types.Errorf(types.ErrInvalidState, "subscribe while running")
	}

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	w.subscriptions[action] = append(w.subscriptions[action], w.wrapHandler(action, handler))

	w.logger.Debug("Subscribed to action",
		zap.String("action", action),
		zap.Int("total_handlers", len(w.subscriptions[action])))

	return nil
}

func (w *WebSocketRelay) Unsubscribe(action string) error {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	removed := len(w.subscriptions[action])
	delete(w.subscriptions, action)

	w.logger.Debug("Unsubscribed from action",
		zap.String("action", action),
		zap.Int("removed_handlers", removed))

	return nil
}

func (w *WebSocketRelay) Start() error {
	if !w.transitionState(BrokerStateStopped, BrokerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	conn, err := w.dial()
	if err != nil {
		w.setState(BrokerStateStopped)
		return types.Errorf(types.ErrActionConnectionFailed, "%v", err)
	}

	w.setState(BrokerStateRunning)

	w.wg.Add(1)
	go w.run(conn)

	w.logger.Info("WebSocket relay started")
	return nil
}

func (w *WebSocketRelay) Stop() error {
	if !w.transitionState(BrokerStateRunning, BrokerStateStopping) &&
		!w.transitionState(BrokerStateReconnecting, BrokerStateStopping) {
		return types.ErrServerNotRunning
	}
	defer w.setState(BrokerStateStopped)

	w.cancel()
	w.closeConn()

	ctx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-gCtx.Done():
			return types.Errorf(types.ErrComponentStopFailed, "websocket pumps still running")
		}
	})

	if err := g.Wait(); err != nil {
		w.logger.Warn("WebSocket relay stop timeout", zap.Error(err))
		return err
	}

	w.logger.Info("WebSocket relay stopped gracefully")
	return nil
}

func (w *WebSocketRelay) IsRunning() bool {
	state := w.getState()
	return state == BrokerStateRunning || state == BrokerStateReconnecting
}

func (w *WebSocketRelay) getState() BrokerState {
	return w.state.Load().(BrokerState)
}

func (w *WebSocketRelay) setState(newState BrokerState) {
	w.state.Store(newState)
}

func (w *WebSocketRelay) transitionState(from, to BrokerState) bool {
	return w.state.CompareAndSwap(from, to)
}

func (w *WebSocketRelay) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.config.URL, nil)
	if err != nil {
		return nil, types.WrapError(err, "failed to dial websocket relay")
	}

	pongWait := w.config.PongWait.Std()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	return conn, nil
}

func (w *WebSocketRelay) closeConn() {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

// run serves one connection at a time and redials until the retry budget is spent.
func (w *WebSocketRelay) run(conn *websocket.Conn) {
	defer w.wg.Done()

	for {
		w.session(conn)

		if w.ctx.Err() != nil {
			return
		}

		conn = w.reconnect()
		if conn == nil {
			return
		}
	}
}

func (w *WebSocketRelay) reconnect() *websocket.Conn {
	w.transitionState(BrokerStateRunning, BrokerStateReconnecting)

	for attempt := 1; attempt <= w.config.MaxRetries; attempt++ {
		select {
		case <-time.After(w.config.ReconnectDelay.Std()):
		case <-w.ctx.Done():
			return nil
		}

		conn, err := w.dial()
		if err != nil {
			w.logger.Warn("Reconnection attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", w.config.MaxRetries),
				zap.Error(err))
			continue
		}

		w.transitionState(BrokerStateReconnecting, BrokerStateRunning)
		w.logger.Info("Reconnected to websocket relay", zap.Int("attempt", attempt))
		return conn
	}

	w.logger.Error("Max reconnection attempts reached, relay stopped")
	if w.transitionState(BrokerStateReconnecting, BrokerStateStopping) {
		w.cancel()
		w.setState(BrokerStateStopped)
	}
	return nil
}

func (w *WebSocketRelay) session(conn *websocket.Conn) {
	done := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		w.writePump(conn, done)
	}()

	w.readPump(conn)

	close(done)
	_ = conn.Close()
	<-writerDone
}

func (w *WebSocketRelay) readPump(conn *websocket.Conn) {
	defer w.logger.Debug("Read pump stopped")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() == nil {
				w.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}

		var message types.ActionMessage
		if err := utils.Unmarshal(data, &message); err != nil {
			w.logger.Debug("Dropping malformed relay message", zap.Error(err))
			continue
		}

		w.handleIncomingMessage(&message)
	}
}

func (w *WebSocketRelay) writePump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(w.config.PingInterval.Std())
	defer func() {
		ticker.Stop()
		w.logger.Debug("Write pump stopped")
	}()

	writeWait := w.config.WriteWait.Std()

	for {
		select {
		case <-done:
			return
		case <-w.ctx.Done():
			return
		case message := <-w.send:
			data, err := utils.Marshal(message)
			if err != nil {
				w.logger.Error("Failed to marshal outgoing message",
					zap.String("action", message.Action),
					zap.Error(err))
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.logger.Warn("WebSocket write failed", zap.String("action", message.Action), zap.Error(err))
				w.recordMetric("send", "error", message.Action)
				_ = conn.Close()
				return
			}
			w.recordMetric("send", "success", message.Action)

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (w *WebSocketRelay) handleIncomingMessage(message *types.ActionMessage) {
	w.subsMu.RLock()
	handlers := append([]types.ActionHandler(nil), w.subscriptions[message.Action]...)
	w.subsMu.RUnlock()

	if len(handlers) == 0 {
		w.logger.Debug("No handlers found for action", zap.String("action", message.Action))
		w.recordMetric("handle", "no_handlers", message.Action)
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	for _, handler := range handlers {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			return handler(message)
		})
	}

	if err := g.Wait(); err != nil {
		w.logger.Warn("Action handler failed",
			zap.String("action", message.Action),
			zap.String("message_id", message.MessageID),
			zap.Error(err))
	}
}

func (w *WebSocketRelay) wrapHandler(action string, handler types.ActionHandler) types.ActionHandler {
	return func(payload *types.ActionMessage) (err error) {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Handler panicked",
					zap.String("action", action),
					zap.Any("panic", r))
				w.recordMetric("handle", "panic", action)
				err = types.Errorf(types.ErrInternalError, "handler panic: %v", r)
			}
		}()

		err = handler(payload)

		result := "success"
		if err != nil {
			result = "error"
		}
		w.recordMetric("handle", result, action)
		return err
	}
}

func (w *WebSocketRelay) recordMetric(operation, result, action string) {
	if w.metrics == nil {
		return
	}

	w.metrics.Counter("websocket_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"action":    action,
	}).Inc()
}
