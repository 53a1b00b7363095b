package action

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vault-worker/logger"
	"github.com/saiset-co/sai-vault-worker/types"
)

type stubBroker struct {
	mu        sync.Mutex
	running   atomic.Bool
	err       error
	published []string
}

func (b *stubBroker) Start() error {
	b.running.Store(true)
	return nil
}

func (b *stubBroker) Stop() error {
	b.running.Store(false)
	return nil
}

func (b *stubBroker) IsRunning() bool { return b.running.Load() }

func (b *stubBroker) Publish(action string, _ interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, action)
	return nil
}

func (b *stubBroker) Subscribe(string, types.ActionHandler) error { return nil }
func (b *stubBroker) Unsubscribe(string) error                   { return nil }

func startedDispatcher(t *testing.T, broker types.ActionBroker, config *types.ActionsConfig) *EventDispatcher {
	t.Helper()
	ed, err := NewEventDispatcher(context.Background(), logger.NewNop(), nil, config)
	require.NoError(t, err)
	if broker != nil {
		ed.WithBroker(broker)
	}
	require.NoError(t, ed.Start())
	t.Cleanup(func() { _ = ed.Stop() })
	return ed
}

func TestEventDispatcher_PublishWithoutSinks(t *testing.T) {
	ed := startedDispatcher(t, nil, nil)
	assert.NoError(t, ed.Publish(types.ActionNotificationShow, nil))
}

func TestEventDispatcher_PublishFailsWhenRelayFails(t *testing.T) {
	broker := &stubBroker{err: errors.New("relay closed")}
	ed := startedDispatcher(t, broker, nil)

	err := ed.Publish(types.ActionNotificationShow, nil)
	assert.ErrorIs(t, err, types.ErrActionPublishFailed)

	broker.mu.Lock()
	broker.err = nil
	broker.mu.Unlock()

	require.NoError(t, ed.Publish(types.ActionNotificationShow, nil))
	assert.Equal(t, []string{types.ActionNotificationShow}, broker.published)
}

func TestEventDispatcher_PartialDeliveryIsNotAnError(t *testing.T) {
	ctx := context.Background()
	server, _ := newReceiver(t, http.StatusNoContent)

	broker := &stubBroker{err: errors.New("relay closed")}
	ed := startedDispatcher(t, broker, &types.ActionsConfig{
		Webhooks: &types.WebhooksConfig{
			Enabled: true,
			Path:    filepath.Join(t.TempDir(), "webhooks.db"),
		},
	})

	_, err := ed.Webhooks().Create(ctx, &WebhookCreateRequest{Event: types.ActionNotificationShow, URL: server.URL})
	require.NoError(t, err)

	assert.NoError(t, ed.Publish(types.ActionNotificationShow, nil))
}

func TestEventDispatcher_AllSinksFailed(t *testing.T) {
	ctx := context.Background()
	server, _ := newReceiver(t, http.StatusInternalServerError)

	ed := startedDispatcher(t, &stubBroker{err: errors.New("relay closed")}, &types.ActionsConfig{
		Webhooks: &types.WebhooksConfig{
			Enabled: true,
			Path:    filepath.Join(t.TempDir(), "webhooks.db"),
		},
	})

	_, err := ed.Webhooks().Create(ctx, &WebhookCreateRequest{Event: types.ActionNotificationShow, URL: server.URL})
	require.NoError(t, err)

	assert.ErrorIs(t, ed.Publish(types.ActionNotificationShow, nil), types.ErrActionPublishFailed)
}
