package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
)

const (
	unlockTitle     = "Vault Unlocked!"
	unlockTagPrefix = "vault-unlock-"
)

// UnlockNotification builds the payload shown when a vault becomes withdrawable.
func UnlockNotification(vaultID, vaultName, icon string) *types.Notification {
	return &types.Notification{
		Title:              unlockTitle,
		Body:               fmt.Sprintf("Your vault \"%s\" is now ready to withdraw.", vaultName),
		Tag:                unlockTagPrefix + vaultID,
		Icon:               icon,
		Badge:              icon,
		RequireInteraction: true,
		Actions: []types.NotificationAction{
			{Action: types.NotificationActionOpenVault, Title: "Open Vault"},
			{Action: types.NotificationActionClose, Title: "Close"},
		},
		Data: map[string]string{"vaultId": vaultID},
	}
}

// Scheduler arms unlock notifications. Jobs are best effort: they live only
// while the process does.
type Scheduler struct {
	logger         types.Logger
	metrics        types.MetricsManager
	clock          types.Clock
	runner         types.DeferredRunner
	notifier       types.Notifier
	icon           string
	replacePending bool
	scheduled      map[cron.EntryID]types.ScheduledNotification
	byVault        map[string]cron.EntryID
	mu             sync.Mutex
}

func NewScheduler(
	logger types.Logger,
	metrics types.MetricsManager,
	clock types.Clock,
	runner types.DeferredRunner,
	notifier types.Notifier,
	cfg *types.NotificationsConfig,
) *Scheduler {
	s := &Scheduler{
		logger:    logger,
		metrics:   metrics,
		clock:     clock,
		runner:    runner,
		notifier:  notifier,
		scheduled: make(map[cron.EntryID]types.ScheduledNotification),
		byVault:   make(map[string]cron.EntryID),
	}
	if cfg != nil {
		s.icon = cfg.Icon
		s.replacePending = cfg.ReplacePending
	}
	return s
}

// Schedule arms a notification for unlockAt. It reports false when the
// instant is not in the future and nothing was armed.
func (s *Scheduler) Schedule(_ context.Context, vaultID string, unlockAt time.Time, vaultName string) (bool, error) {
	if vaultID == "" {
		return false, types.Errorf(types.ErrInvalidParameter, "vault id is empty")
	}

	now := s.clock.Now()
	delay := unlockAt.Sub(now)
	if delay <= 0 {
		s.record("expired")
		s.logger.Debug("Unlock time already passed, nothing armed",
			zap.String("vault_id", vaultID),
			zap.Time("unlock_at", unlockAt))
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.replacePending {
		if previous, ok := s.byVault[vaultID]; ok {
			s.runner.Cancel(previous)
			delete(s.scheduled, previous)
			delete(s.byVault, vaultID)
			s.logger.Debug("Pending notification replaced", zap.String("vault_id", vaultID))
		}
	}

	var id cron.EntryID
	id, err := s.runner.Once(unlockTagPrefix+vaultID, now.Add(delay), func() {
		s.fire(vaultID, vaultName, &id)
	})
	if err != nil {
		return false, types.WrapError(err, "arm notification")
	}

	s.scheduled[id] = types.ScheduledNotification{
		VaultID:   vaultID,
		VaultName: vaultName,
		UnlockAt:  unlockAt,
		ArmedAt:   now,
	}
	if s.replacePending {
		s.byVault[vaultID] = id
	}

	s.record("armed")
	s.logger.Info("Unlock notification armed",
		zap.String("vault_id", vaultID),
		zap.Duration("delay", delay))

	return true, nil
}

// Pending lists armed notifications ordered by unlock time.
func (s *Scheduler) Pending() []types.ScheduledNotification {
	s.mu.Lock()
	out := make([]types.ScheduledNotification, 0, len(s.scheduled))
	for _, n := range s.scheduled {
		out = append(out, n)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UnlockAt.Before(out[j].UnlockAt) })
	return out
}

func (s *Scheduler) fire(vaultID, vaultName string, id *cron.EntryID) {
	s.mu.Lock()
	delete(s.scheduled, *id)
	if s.byVault[vaultID] == *id {
		delete(s.byVault, vaultID)
	}
	s.mu.Unlock()

	ctx := context.Background()

	if permission := s.notifier.Permission(ctx); permission != types.PermissionGranted {
		s.record("dropped")
		s.logger.Debug("Notification permission not granted, dropped",
			zap.String("vault_id", vaultID),
			zap.String("permission", string(permission)))
		return
	}

	if err := s.notifier.Show(ctx, UnlockNotification(vaultID, vaultName, s.icon)); err != nil {
		s.record("failed")
		s.logger.Warn("Failed to show notification", zap.String("vault_id", vaultID), zap.Error(err))
		return
	}

	s.record("shown")
}

func (s *Scheduler) record(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Counter("notifications_total", map[string]string{"result": result}).Inc()
}
