package lifecycle

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Stores holds the versioned names of the three stores this worker owns.
type Stores struct {
	Static    string
	Runtime   string
	VaultData string
}

func NewStores(cfg *types.WorkerConfig) Stores {
	return Stores{
		Static:    utils.VersionedName(cfg.Stores.Static, cfg.CacheVersion),
		Runtime:   utils.VersionedName(cfg.Stores.Runtime, cfg.CacheVersion),
		VaultData: utils.VersionedName(cfg.Stores.VaultData, cfg.CacheVersion),
	}
}

func (s Stores) AllowList() []string {
	return []string{s.Static, s.Runtime, s.VaultData}
}

func (s Stores) Allowed(name string) bool {
	return name == s.Static || name == s.Runtime || name == s.VaultData
}

type ClientRegistry interface {
	Claim(ctx context.Context, controller string) (int, error)
	ForeignControlled(id string) int
}

// Manager drives install and activation of one worker instance.
type Manager struct {
	logger      types.Logger
	storage     types.CacheStorage
	fetcher     types.Fetcher
	clients     ClientRegistry
	instanceID  string
	stores      Stores
	seeds       []string
	state       atomic.Value
	skipWaiting atomic.Bool
	listeners   []func(State)
	mu          sync.Mutex
}

func NewManager(
	logger types.Logger,
	storage types.CacheStorage,
	fetcher types.Fetcher,
	clients ClientRegistry,
	cfg *types.WorkerConfig,
	instanceID string,
) (*Manager, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "origin %q: %v", cfg.Origin, err)
	}

	seeds := make([]string, 0, len(cfg.SeedAssets))
	for _, asset := range cfg.SeedAssets {
		ref, err := url.Parse(asset)
		if err != nil {
			return nil, types.Errorf(types.ErrInvalidParameter, "seed asset %q: %v", asset, err)
		}
		seeds = append(seeds, origin.ResolveReference(ref).String())
	}

	m := &Manager{
		logger:     logger,
		storage:    storage,
		fetcher:    fetcher,
		clients:    clients,
		instanceID: instanceID,
		stores:     NewStores(cfg),
		seeds:      seeds,
	}
	m.state.Store(StateParsed)
	m.skipWaiting.Store(cfg.SkipWaiting)

	return m, nil
}

func (m *Manager) State() State {
	return m.state.Load().(State)
}

func (m *Manager) IsActive() bool {
	return m.State() == StateActivated
}

func (m *Manager) Stores() Stores {
	return m.stores
}

func (m *Manager) Seeds() []string {
	return append([]string(nil), m.seeds...)
}

// OnStateChange registers a callback invoked after every transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Install seeds the static store. Every seed is fetched before anything is
// written; one failure fails the whole install and the instance becomes redundant.
func (m *Manager) Install(ctx context.Context) error {
	if !m.transition(StateParsed, StateInstalling) {
		return types.Errorf(types.ErrInvalidState, "install from %s", m.State())
	}

	responses, err := m.fetchSeeds(ctx)
	if err == nil {
		err = m.populate(ctx, responses)
	}

	if err != nil {
		m.transition(StateInstalling, StateRedundant)
		m.logger.Error("Install failed", zap.String("store", m.stores.Static), zap.Error(err))
		return types.Errorf(types.ErrInstallFailed, "%v", err)
	}

	m.transition(StateInstalling, StateInstalled)
	m.logger.Info("Install complete",
		zap.String("store", m.stores.Static),
		zap.Int("seeded", len(responses)))

	return nil
}

func (m *Manager) fetchSeeds(ctx context.Context) ([]*types.Response, error) {
	responses := make([]*types.Response, len(m.seeds))

	g, gCtx := errgroup.WithContext(ctx)
	for i, seed := range m.seeds {
		g.Go(func() error {
			req, err := types.NewRequest(http.MethodGet, seed)
			if err != nil {
				return err
			}

			resp, err := m.fetcher.Fetch(gCtx, req)
			if err != nil {
				return types.WrapError(err, "seed "+seed)
			}
			if resp.Status < 200 || resp.Status > 299 {
				return types.Errorf(types.ErrClientResponseInvalid, "seed %s: status %d", seed, resp.Status)
			}

			responses[i] = resp
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

// populate writes the fetched seeds. A store created here is removed again
// when any write fails, so a failed install leaves nothing matchable behind.
func (m *Manager) populate(ctx context.Context, responses []*types.Response) error {
	existed, err := m.storage.Has(ctx, m.stores.Static)
	if err != nil {
		return types.WrapError(err, "check static store")
	}

	store, err := m.storage.Open(ctx, m.stores.Static)
	if err != nil {
		return types.WrapError(err, "open static store")
	}

	for i, resp := range responses {
		if err := store.Put(ctx, http.MethodGet+" "+m.seeds[i], resp); err != nil {
			if !existed {
				m.discardStatic(ctx)
			}
			return types.WrapError(err, "store seed "+m.seeds[i])
		}
	}
	return nil
}

func (m *Manager) discardStatic(ctx context.Context) {
	if _, err := m.storage.Delete(context.WithoutCancel(ctx), m.stores.Static); err != nil {
		m.logger.Warn("Failed to remove partial static store",
			zap.String("store", m.stores.Static),
			zap.Error(err))
	}
}

// ShouldWait reports whether activation must wait for pages held by another instance.
func (m *Manager) ShouldWait() bool {
	if m.skipWaiting.Load() {
		return false
	}
	return m.clients != nil && m.clients.ForeignControlled(m.instanceID) > 0
}

// TryActivate activates an installed instance unless it still has to wait.
func (m *Manager) TryActivate(ctx context.Context) (bool, error) {
	if m.State() != StateInstalled || m.ShouldWait() {
		return false, nil
	}

	if err := m.Activate(ctx); err != nil {
		if types.IsError(err, types.ErrInvalidState) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SkipWaiting forces activation as soon as the instance is installed.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.skipWaiting.Store(true)
	m.logger.Info("Skip waiting requested", zap.String("state", m.State().String()))

	_, err := m.TryActivate(ctx)
	return err
}

// Activate sweeps stale stores and then claims all clients. Fetches are only
// intercepted once both have finished.
func (m *Manager) Activate(ctx context.Context) error {
	if !m.transition(StateInstalled, StateActivating) {
		return types.Errorf(types.ErrInvalidState, "activate from %s", m.State())
	}

	deleted, err := m.sweep(ctx)
	if err != nil {
		m.transition(StateActivating, StateInstalled)
		return types.Errorf(types.ErrActivateFailed, "sweep: %v", err)
	}

	claimed := 0
	if m.clients != nil {
		claimed, err = m.clients.Claim(ctx, m.instanceID)
		if err != nil {
			m.transition(StateActivating, StateInstalled)
			return types.Errorf(types.ErrActivateFailed, "claim: %v", err)
		}
	}

	m.transition(StateActivating, StateActivated)
	m.logger.Info("Worker activated",
		zap.String("instance", m.instanceID),
		zap.Strings("deleted_stores", deleted),
		zap.Int("claimed_clients", claimed))

	return nil
}

func (m *Manager) sweep(ctx context.Context) ([]string, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, name := range names {
		if m.stores.Allowed(name) {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			return deleted, types.WrapError(err, "delete "+name)
		}
		deleted = append(deleted, name)
	}

	return deleted, nil
}

// ClearAll deletes every store regardless of name.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, name := range names {
		ok, err := m.storage.Delete(ctx, name)
		if err != nil {
			return count, types.WrapError(err, "delete "+name)
		}
		if ok {
			count++
		}
	}

	m.logger.Info("All cache stores cleared", zap.Int("deleted", count))
	return count, nil
}

func (m *Manager) transition(from, to State) bool {
	if !m.state.CompareAndSwap(from, to) {
		return false
	}

	m.mu.Lock()
	listeners := append([]func(State){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(to)
	}
	return true
}
