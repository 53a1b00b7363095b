package action

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

type Result string

const (
	ResultHandled Result = "handled"
	ResultIgnored Result = "ignored"
)

type Lifecycle interface {
	SkipWaiting(ctx context.Context) error
	ClearAll(ctx context.Context) (int, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, vaultID string, unlockAt time.Time, vaultName string) (bool, error)
}

type Windows interface {
	MatchAll(clientType types.ClientType) []types.Client
	Focus(ctx context.Context, id string) (*types.Client, error)
	OpenWindow(ctx context.Context, url string) (*types.Client, error)
}

// Bus routes control messages from pages and notification clicks from the host.
type Bus struct {
	logger   types.Logger
	metrics  types.MetricsManager
	notifier types.Notifier
	windows  Windows
	rootURL  string
	handlers map[types.MessageType]types.MessageHandler
	mu       sync.RWMutex
}

func NewBus(
	logger types.Logger,
	metrics types.MetricsManager,
	lifecycle Lifecycle,
	scheduler Scheduler,
	notifier types.Notifier,
	windows Windows,
	rootURL string,
) *Bus {
	b := &Bus{
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		windows:  windows,
		rootURL:  rootURL,
		handlers: make(map[types.MessageType]types.MessageHandler),
	}

	b.Register(types.MessageSkipWaiting, func(ctx context.Context, _ *types.ControlMessage) error {
		return lifecycle.SkipWaiting(ctx)
	})

	b.Register(types.MessageClearCache, func(ctx context.Context, _ *types.ControlMessage) error {
		_, err := lifecycle.ClearAll(ctx)
		return err
	})

	b.Register(types.MessageScheduleNotification, func(ctx context.Context, msg *types.ControlMessage) error {
		_, err := scheduler.Schedule(ctx, msg.VaultID, msg.UnlockDate.Time, msg.VaultName)
		return err
	})

	return b
}

// Register installs or replaces the handler for a message type.
func (b *Bus) Register(messageType types.MessageType, handler types.MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[messageType] = handler
}

// Handle decodes and runs one control message. Malformed and unknown
// messages are ignored without error.
func (b *Bus) Handle(ctx context.Context, raw []byte) (Result, error) {
	var msg types.ControlMessage
	if err := utils.Unmarshal(raw, &msg); err != nil {
		b.record("malformed", "ignored")
		b.logger.Debug("Malformed control message ignored", zap.Error(err))
		return ResultIgnored, nil
	}

	return b.Dispatch(ctx, &msg)
}

func (b *Bus) Dispatch(ctx context.Context, msg *types.ControlMessage) (Result, error) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Type]
	b.mu.RUnlock()

	messageType := string(msg.Type)
	if !ok {
		b.record("unknown", "ignored")
		b.logger.Debug("Unknown control message ignored", zap.String("type", messageType))
		return ResultIgnored, nil
	}

	if err := validateMessage(msg); err != nil {
		b.record(messageType, "ignored")
		b.logger.Debug("Incomplete control message ignored", zap.String("type", messageType), zap.Error(err))
		return ResultIgnored, nil
	}

	if err := handler(ctx, msg); err != nil {
		b.record(messageType, "error")
		b.logger.Warn("Control message failed", zap.String("type", messageType), zap.Error(err))
		return ResultHandled, err
	}

	b.record(messageType, "success")
	b.logger.Debug("Control message handled", zap.String("type", messageType))
	return ResultHandled, nil
}

func validateMessage(msg *types.ControlMessage) error {
	if msg.Type == types.MessageScheduleNotification && msg.VaultID == "" {
		return types.Errorf(types.ErrMessageMalformed, "vaultId is required")
	}
	return nil
}

// HandleClick closes the clicked notification and, for open-vault, brings the
// dashboard root to the front.
func (b *Bus) HandleClick(ctx context.Context, click *types.NotificationClick) error {
	if err := b.notifier.Close(ctx, click.Tag); err != nil {
		b.logger.Warn("Failed to close notification", zap.String("tag", click.Tag), zap.Error(err))
	}

	if click.Action != types.NotificationActionOpenVault {
		b.record("notificationclick", "closed")
		return nil
	}

	for _, client := range b.windows.MatchAll(types.ClientTypeWindow) {
		if client.URL == b.rootURL {
			if _, err := b.windows.Focus(ctx, client.ID); err != nil {
				b.record("notificationclick", "error")
				return types.WrapError(err, "focus window")
			}
			b.record("notificationclick", "focused")
			return nil
		}
	}

	if _, err := b.windows.OpenWindow(ctx, b.rootURL); err != nil {
		b.record("notificationclick", "error")
		return types.WrapError(err, "open window")
	}

	b.record("notificationclick", "opened")
	return nil
}

// Bind subscribes the bus to control traffic arriving over the relay.
func (b *Bus) Bind(broker types.ActionBroker) error {
	if err := broker.Subscribe(types.ActionPostMessage, b.relayMessage); err != nil {
		return types.WrapError(err, "subscribe "+types.ActionPostMessage)
	}
	if err := broker.Subscribe(types.ActionNotificationClick, b.relayClick); err != nil {
		return types.WrapError(err, "subscribe "+types.ActionNotificationClick)
	}
	return nil
}

func (b *Bus) relayMessage(message *types.ActionMessage) error {
	raw, err := utils.Marshal(message.Payload)
	if err != nil {
		b.logger.Debug("Relay payload not encodable", zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = b.Handle(ctx, raw)
	return err
}

func (b *Bus) relayClick(message *types.ActionMessage) error {
	var click types.NotificationClick
	if err := utils.UnmarshalConfig(message.Payload, &click); err != nil {
		b.logger.Debug("Malformed notification click ignored", zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return b.HandleClick(ctx, &click)
}

func (b *Bus) record(messageType, result string) {
	if b.metrics == nil {
		return
	}

	b.metrics.Counter("control_messages_total", map[string]string{
		"type":   messageType,
		"result": result,
	}).Inc()
}
