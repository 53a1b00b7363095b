package notification

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
)

type Publisher interface {
	Publish(action string, payload interface{}) error
}

type closeCommand struct {
	Tag string `json:"tag"`
}

// RelayNotifier displays notifications by pushing commands to connected pages.
// A tag holds one slot: showing a notification with a known tag replaces it.
type RelayNotifier struct {
	logger     types.Logger
	publisher  Publisher
	permission atomic.Value
	shown      map[string]*types.Notification
	mu         sync.RWMutex
}

func NewRelayNotifier(logger types.Logger, publisher Publisher, permission types.Permission) *RelayNotifier {
	n := &RelayNotifier{
		logger:    logger,
		publisher: publisher,
		shown:     make(map[string]*types.Notification),
	}
	n.SetPermission(permission)
	return n
}

func (n *RelayNotifier) SetPublisher(publisher Publisher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.publisher = publisher
}

func (n *RelayNotifier) SetPermission(permission types.Permission) {
	switch permission {
	case types.PermissionGranted, types.PermissionDenied:
	default:
		permission = types.PermissionDefault
	}
	n.permission.Store(permission)
}

func (n *RelayNotifier) Permission(_ context.Context) types.Permission {
	return n.permission.Load().(types.Permission)
}

func (n *RelayNotifier) Show(_ context.Context, notification *types.Notification) error {
	n.mu.Lock()
	n.shown[notification.Tag] = notification
	publisher := n.publisher
	n.mu.Unlock()

	n.logger.Info("Notification displayed",
		zap.String("tag", notification.Tag),
		zap.String("title", notification.Title))

	if publisher == nil {
		return nil
	}
	if err := publisher.Publish(types.ActionNotificationShow, notification); err != nil {
		n.mu.Lock()
		if n.shown[notification.Tag] == notification {
			delete(n.shown, notification.Tag)
		}
		n.mu.Unlock()
		return types.WrapError(err, "publish notification")
	}
	return nil
}

func (n *RelayNotifier) Close(_ context.Context, tag string) error {
	n.mu.Lock()
	_, ok := n.shown[tag]
	delete(n.shown, tag)
	publisher := n.publisher
	n.mu.Unlock()

	if !ok {
		n.logger.Debug("Close for unknown notification", zap.String("tag", tag))
	}

	if publisher == nil {
		return nil
	}
	if err := publisher.Publish(types.ActionNotificationClose, closeCommand{Tag: tag}); err != nil {
		return types.WrapError(err, "publish notification close")
	}
	return nil
}

// Shown lists displayed notifications ordered by tag.
func (n *RelayNotifier) Shown() []types.Notification {
	n.mu.RLock()
	out := make([]types.Notification, 0, len(n.shown))
	for _, notification := range n.shown {
		out = append(out, *notification)
	}
	n.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}
