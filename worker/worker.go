package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vault-worker/action"
	"github.com/saiset-co/sai-vault-worker/cache"
	"github.com/saiset-co/sai-vault-worker/client"
	"github.com/saiset-co/sai-vault-worker/clients"
	"github.com/saiset-co/sai-vault-worker/cron"
	"github.com/saiset-co/sai-vault-worker/lifecycle"
	"github.com/saiset-co/sai-vault-worker/notification"
	"github.com/saiset-co/sai-vault-worker/strategy"
	"github.com/saiset-co/sai-vault-worker/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const stateFeedSize = 32

type Option func(*options)

type options struct {
	storage types.CacheStorage
	fetcher types.Fetcher
	clock   types.Clock
	runner  types.DeferredRunner
	broker  types.ActionBroker
	id      string
}

func WithStorage(storage types.CacheStorage) Option {
	return func(o *options) { o.storage = storage }
}

func WithFetcher(fetcher types.Fetcher) Option {
	return func(o *options) { o.fetcher = fetcher }
}

func WithClock(clock types.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithRunner(runner types.DeferredRunner) Option {
	return func(o *options) { o.runner = runner }
}

func WithBroker(broker types.ActionBroker) Option {
	return func(o *options) { o.broker = broker }
}

func WithInstanceID(id string) Option {
	return func(o *options) { o.id = id }
}

// Snapshot is the externally visible worker state.
type Snapshot struct {
	Instance      string                        `json:"instance"`
	State         string                        `json:"state"`
	CacheVersion  string                        `json:"cache_version"`
	Stores        []string                      `json:"stores"`
	Clients       []types.Client                `json:"clients"`
	Pending       []types.ScheduledNotification `json:"pending_notifications"`
	Notifications []types.Notification          `json:"notifications"`
	Permission    types.Permission              `json:"permission"`
	Breakers      map[string]string             `json:"breakers,omitempty"`
}

// Worker is the process-wide context: it owns every component and passes
// them explicitly to the event handlers.
type Worker struct {
	ctx        context.Context
	cancel     context.CancelFunc
	config     *types.ServiceConfig
	logger     types.Logger
	metrics    types.MetricsManager
	id         string
	storage    types.CacheStorage
	fetcher    types.Fetcher
	clients    *clients.Registry
	lifecycle  *lifecycle.Manager
	router     *strategy.Router
	runner     types.DeferredRunner
	notifier   *notification.RelayNotifier
	scheduler  *notification.Scheduler
	actions    *action.EventDispatcher
	bus        *action.Bus
	dispatcher *Dispatcher
	rootURL    string
	stateFeed  chan lifecycle.State
	feedDone   chan struct{}
	state      atomic.Value
}

func New(ctx context.Context, config *types.ServiceConfig, logger types.Logger, metrics types.MetricsManager, opts ...Option) (*Worker, error) {
	if config == nil || config.Worker == nil {
		return nil, types.ErrConfigIsNil
	}

	o := &options{clock: types.SystemClock{}, id: uuid.NewString()}
	for _, opt := range opts {
		opt(o)
	}

	workerCtx, cancel := context.WithCancel(ctx)

	w := &Worker{
		ctx:        workerCtx,
		cancel:     cancel,
		config:     config,
		logger:     logger,
		metrics:    metrics,
		id:         o.id,
		dispatcher: NewDispatcher(),
		stateFeed:  make(chan lifecycle.State, stateFeedSize),
		feedDone:   make(chan struct{}),
	}
	w.state.Store(StateStopped)

	if err := w.build(o); err != nil {
		cancel()
		return nil, err
	}

	w.registerHandlers()

	return w, nil
}

func (w *Worker) build(o *options) error {
	cfg := w.config.Worker

	w.storage = o.storage
	if w.storage == nil {
		storage, err := cache.NewCacheStorage(w.logger, w.metrics, w.config.Cache)
		if err != nil {
			return types.WrapError(err, "failed to create cache storage")
		}
		w.storage = storage
	}

	w.fetcher = o.fetcher
	if w.fetcher == nil {
		fetcher, err := client.NewFetcher(w.logger, w.metrics, w.config.Client, cfg.Origin, cfg.Upstream)
		if err != nil {
			return types.WrapError(err, "failed to create fetcher")
		}
		w.fetcher = fetcher
	}

	actions, err := action.NewEventDispatcher(w.ctx, w.logger, w.metrics, w.config.Actions)
	if err != nil {
		return err
	}
	if o.broker != nil {
		actions.WithBroker(o.broker)
	}
	w.actions = actions

	w.clients = clients.NewRegistry(w.logger, w.actions)

	w.lifecycle, err = lifecycle.NewManager(w.logger, w.storage, w.fetcher, w.clients, cfg, w.id)
	if err != nil {
		return err
	}

	w.router, err = strategy.NewRouter(w.logger, w.metrics, w.storage, w.fetcher, cfg)
	if err != nil {
		return err
	}

	notifications := w.config.Notifications
	if notifications == nil {
		notifications = &types.NotificationsConfig{Permission: types.PermissionDefault, Timezone: "UTC"}
	}

	w.runner = o.runner
	if w.runner == nil {
		w.runner = cron.NewRunner(w.logger, w.metrics, notifications.Timezone, cron.WithClock(o.clock))
	}

	w.notifier = notification.NewRelayNotifier(w.logger, w.actions, notifications.Permission)
	w.scheduler = notification.NewScheduler(w.logger, w.metrics, o.clock, w.runner, w.notifier, notifications)

	rootKey, err := strategy.RootKey(cfg)
	if err != nil {
		return err
	}
	w.rootURL = rootKey[len("GET "):]

	w.bus = action.NewBus(w.logger, w.metrics, w.lifecycle, w.scheduler, w.notifier, w.clients, w.rootURL)

	if w.actions.HasBroker() {
		if err := w.bus.Bind(w.actions); err != nil {
			return err
		}
	}

	w.lifecycle.OnStateChange(w.publishState)
	w.clients.OnChange(w.clientsChanged)

	return nil
}

func (w *Worker) registerHandlers() {
	w.dispatcher.On(EventInstall, func(ctx context.Context, event *Event) error {
		event.WaitUntil(w.lifecycle.Install)
		return nil
	})

	w.dispatcher.On(EventActivate, func(ctx context.Context, event *Event) error {
		event.WaitUntil(w.lifecycle.Activate)
		return nil
	})

	w.dispatcher.On(EventFetch, func(ctx context.Context, event *Event) error {
		if !w.lifecycle.IsActive() {
			resp, err := w.fetcher.Fetch(ctx, event.Request)
			if err != nil {
				return err
			}
			event.RespondWith(resp)
			return nil
		}

		resp, err := w.router.Handle(ctx, event.Request)
		if err != nil {
			return err
		}
		event.RespondWith(resp)
		return nil
	})

	w.dispatcher.On(EventMessage, func(ctx context.Context, event *Event) error {
		result, err := w.bus.Handle(ctx, event.Message)
		event.SetResult(result)
		return err
	})

	w.dispatcher.On(EventNotificationClick, func(ctx context.Context, event *Event) error {
		return w.bus.HandleClick(ctx, event.Click)
	})
}

// Start brings up the components, installs and, unless another instance still
// controls pages, activates. A failed install leaves the worker in pass-through.
func (w *Worker) Start() error {
	if !w.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := w.storage.Start(); err != nil {
		w.state.Store(StateStopped)
		return types.WrapError(err, "failed to start cache storage")
	}
	if err := w.runner.Start(); err != nil {
		w.state.Store(StateStopped)
		return types.WrapError(err, "failed to start deferred runner")
	}
	if err := w.actions.Start(); err != nil {
		w.state.Store(StateStopped)
		return types.WrapError(err, "failed to start event dispatcher")
	}

	w.state.Store(StateRunning)
	go w.runStateFeed()

	if err := w.dispatcher.Dispatch(w.ctx, &Event{Kind: EventInstall}); err != nil {
		w.logger.Error("Install failed, serving network only", zap.Error(err))
		return nil
	}

	if w.lifecycle.ShouldWait() {
		w.logger.Info("Installed, waiting for pages controlled by another instance",
			zap.Int("foreign_clients", w.clients.ForeignControlled(w.id)))
		return nil
	}

	if err := w.dispatcher.Dispatch(w.ctx, &Event{Kind: EventActivate}); err != nil {
		w.logger.Error("Activation failed", zap.Error(err))
	}

	return nil
}

// Stop flushes pending cache writes and tears components down. Armed
// notifications are dropped.
func (w *Worker) Stop() error {
	if !w.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer w.state.Store(StateStopped)

	w.router.Flush()
	w.cancel()
	<-w.feedDone

	g := new(errgroup.Group)
	g.Go(func() error {
		if err := w.actions.Stop(); err != nil {
			return types.WrapError(err, "event dispatcher")
		}
		return nil
	})
	g.Go(func() error {
		if err := w.runner.Stop(); err != nil {
			return types.WrapError(err, "deferred runner")
		}
		return nil
	})

	err := g.Wait()
	if storageErr := w.storage.Stop(); storageErr != nil && err == nil {
		err = types.WrapError(storageErr, "cache storage")
	}

	if err != nil {
		w.logger.Error("Worker stopped with errors", zap.Error(err))
		return types.Errorf(types.ErrComponentStopFailed, "%v", err)
	}

	w.logger.Info("Worker stopped", zap.String("instance", w.id))
	return nil
}

func (w *Worker) IsRunning() bool {
	return w.state.Load().(State) == StateRunning
}

// HandleFetch answers an intercepted request.
func (w *Worker) HandleFetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	event := &Event{Kind: EventFetch, Request: req}
	if err := w.dispatcher.Dispatch(ctx, event); err != nil {
		return nil, err
	}
	return event.Response(), nil
}

func (w *Worker) HandleMessage(ctx context.Context, raw []byte) (action.Result, error) {
	event := &Event{Kind: EventMessage, Message: raw}
	err := w.dispatcher.Dispatch(ctx, event)

	result, _ := event.Result().(action.Result)
	return result, err
}

func (w *Worker) HandleNotificationClick(ctx context.Context, click *types.NotificationClick) error {
	return w.dispatcher.Dispatch(ctx, &Event{Kind: EventNotificationClick, Click: click})
}

func (w *Worker) RegisterClient(client types.Client) (*types.Client, error) {
	return w.clients.Register(client)
}

func (w *Worker) UnregisterClient(id string) bool {
	return w.clients.Unregister(id)
}

func (w *Worker) SetPermission(permission types.Permission) {
	w.notifier.SetPermission(permission)
	w.logger.Info("Notification permission changed", zap.String("permission", string(permission)))
}

func (w *Worker) Lifecycle() *lifecycle.Manager {
	return w.lifecycle
}

func (w *Worker) Storage() types.CacheStorage {
	return w.storage
}

// Fetcher returns the network client when it is the built-in one, nil otherwise.
func (w *Worker) Fetcher() *client.Fetcher {
	f, _ := w.fetcher.(*client.Fetcher)
	return f
}

func (w *Worker) Webhooks() *action.WebhookManager {
	return w.actions.Webhooks()
}

func (w *Worker) Flush() {
	w.router.Flush()
}

func (w *Worker) Snapshot(ctx context.Context) (*Snapshot, error) {
	stores, err := w.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Instance:      w.id,
		State:         w.lifecycle.State().String(),
		CacheVersion:  w.config.Worker.CacheVersion,
		Stores:        stores,
		Clients:       w.clients.MatchAll(types.ClientTypeAll),
		Pending:       w.scheduler.Pending(),
		Notifications: w.notifier.Shown(),
		Permission:    w.notifier.Permission(ctx),
	}

	if f := w.Fetcher(); f != nil {
		snapshot.Breakers = f.BreakerStates()
	}

	return snapshot, nil
}

// publishState queues a transition for runStateFeed. It never blocks the
// lifecycle; a full feed drops the change.
func (w *Worker) publishState(state lifecycle.State) {
	select {
	case w.stateFeed <- state:
	default:
		w.logger.Warn("State feed full, change dropped", zap.String("state", state.String()))
	}
}

// runStateFeed publishes queued transitions in order until the worker stops.
func (w *Worker) runStateFeed() {
	defer close(w.feedDone)

	for {
		select {
		case state := <-w.stateFeed:
			w.sendState(state)
		case <-w.ctx.Done():
			for {
				select {
				case state := <-w.stateFeed:
					w.sendState(state)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) sendState(state lifecycle.State) {
	if !w.actions.IsRunning() {
		return
	}

	payload := map[string]string{"instance": w.id, "state": state.String()}
	if err := w.actions.Publish(types.ActionWorkerStateChanged, payload); err != nil {
		w.logger.Debug("Failed to publish state change", zap.Error(err))
	}
}

func (w *Worker) clientsChanged() {
	if w.lifecycle.State() != lifecycle.StateInstalled {
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	activated, err := w.lifecycle.TryActivate(ctx)
	if err != nil {
		w.logger.Error("Deferred activation failed", zap.Error(err))
		return
	}
	if activated {
		w.logger.Info("Last foreign page left, worker activated")
	}
}
