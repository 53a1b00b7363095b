package action

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vault-worker/types"
)

// EventDispatcher fans outbound worker events out to the page relay and to
// registered webhooks, and routes relay subscriptions.
type EventDispatcher struct {
	logger   types.Logger
	metrics  types.MetricsManager
	broker   types.ActionBroker
	webhooks *WebhookManager
	running  int32
}

func NewEventDispatcher(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.ActionsConfig) (*EventDispatcher, error) {
	dispatcher := &EventDispatcher{
		logger:  logger,
		metrics: metrics,
	}

	if config == nil {
		return dispatcher, nil
	}

	if config.Enabled {
		broker, err := newBroker(ctx, logger, metrics, config)
		if err != nil {
			return nil, types.WrapError(err, "failed to create action broker")
		}
		dispatcher.broker = broker
	}

	if config.Webhooks != nil && config.Webhooks.Enabled {
		webhooks, err := NewWebhookManager(ctx, logger, metrics, config.Webhooks)
		if err != nil {
			return nil, types.WrapError(err, "failed to create webhook manager")
		}
		dispatcher.webhooks = webhooks
	}

	return dispatcher, nil
}

// WithBroker replaces the relay. It must be called before Start.
func (ed *EventDispatcher) WithBroker(broker types.ActionBroker) *EventDispatcher {
	ed.broker = broker
	ed.logger.Info("Action broker set", zap.String("type", fmt.Sprintf("%T", broker)))
	return ed
}

func (ed *EventDispatcher) HasBroker() bool {
	return ed.broker != nil
}

// Webhooks returns nil when webhooks are disabled.
func (ed *EventDispatcher) Webhooks() *WebhookManager {
	return ed.webhooks
}

// Publish delivers to every sink. It fails only when every configured sink
// failed; partial delivery is logged and counted.
func (ed *EventDispatcher) Publish(action string, payload interface{}) error {
	if !ed.IsRunning() {
		return types.ErrActionNotInitialized
	}

	start := time.Now()
	var sinks, failed atomic.Int32
	g := new(errgroup.Group)

	if ed.broker != nil {
		sinks.Add(1)
		g.Go(func() error {
			if err := ed.broker.Publish(action, payload); err != nil {
				failed.Add(1)
				ed.logger.Warn("Relay publish failed", zap.String("action", action), zap.Error(err))
			}
			return nil
		})
	}

	if ed.webhooks != nil {
		sinks.Add(1)
		g.Go(func() error {
			if err := ed.webhooks.Notify(action, payload); err != nil {
				failed.Add(1)
				ed.logger.Warn("Webhook notification failed", zap.String("action", action), zap.Error(err))
			}
			return nil
		})
	}

	_ = g.Wait()

	switch {
	case failed.Load() == 0:
		ed.recordMetric("publish", "success", action, time.Since(start))
	case failed.Load() < sinks.Load():
		ed.recordMetric("publish", "partial", action, time.Since(start))
	default:
		ed.recordMetric("publish", "error", action, time.Since(start))
		return types.Errorf(types.ErrActionPublishFailed, "%s: all %d sinks failed", action, sinks.Load())
	}

	ed.logger.Debug("Event published", zap.String("action", action))
	return nil
}

func (ed *EventDispatcher) Subscribe(action string, handler types.ActionHandler) error {
	if ed.broker == nil {
		return types.Errorf(types.ErrActionNotInitialized, "no broker available for subscriptions")
	}

	return ed.broker.Subscribe(action, ed.wrapHandler(action, handler))
}

func (ed *EventDispatcher) Unsubscribe(action string) error {
	if ed.broker == nil {
		return types.Errorf(types.ErrActionNotInitialized, "no broker available for unsubscriptions")
	}

	return ed.broker.Unsubscribe(action)
}

func (ed *EventDispatcher) Start() error {
	if !atomic.CompareAndSwapInt32(&ed.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	if ed.webhooks != nil {
		if err := ed.webhooks.Start(); err != nil {
			atomic.StoreInt32(&ed.running, 0)
			return types.WrapError(err, "failed to start webhook manager")
		}
	}

	if ed.broker != nil {
		if err := ed.broker.Start(); err != nil {
			ed.logger.Error("Failed to start broker, pages will not receive commands", zap.Error(err))
		} else {
			ed.logger.Info("Action broker started")
		}
	}

	ed.logger.Info("Event dispatcher started",
		zap.Bool("relay", ed.broker != nil),
		zap.Bool("webhooks", ed.webhooks != nil))
	return nil
}

func (ed *EventDispatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&ed.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	if ed.broker != nil && ed.broker.IsRunning() {
		if err := ed.broker.Stop(); err != nil {
			ed.logger.Error("Failed to stop broker", zap.Error(err))
		}
	}

	if ed.webhooks != nil {
		if err := ed.webhooks.Stop(); err != nil {
			ed.logger.Error("Failed to stop webhook manager", zap.Error(err))
		}
	}

	ed.logger.Info("Event dispatcher stopped")
	return nil
}

func (ed *EventDispatcher) IsRunning() bool {
	return atomic.LoadInt32(&ed.running) == 1
}

func (ed *EventDispatcher) wrapHandler(action string, handler types.ActionHandler) types.ActionHandler {
	return func(payload *types.ActionMessage) error {
		start := time.Now()
		err := handler(payload)

		result := "success"
		if err != nil {
			result = "error"
		}

		ed.recordMetric("handle", result, action, time.Since(start))
		return err
	}
}

func (ed *EventDispatcher) recordMetric(operation, result, action string, duration time.Duration) {
	if ed.metrics == nil {
		return
	}

	ed.metrics.Counter("action_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"action":    action,
	}).Inc()

	ed.metrics.Histogram("action_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
		map[string]string{"operation": operation, "action": action},
	).Observe(duration.Seconds())
}
