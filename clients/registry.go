package clients

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
)

// Publisher delivers commands to pages; the websocket relay satisfies it.
type Publisher interface {
	Publish(action string, payload interface{}) error
}

// Registry tracks the pages currently controlled by, or waiting on, this worker.
type Registry struct {
	logger    types.Logger
	publisher Publisher
	clients   map[string]*types.Client
	listeners []func()
	now       func() time.Time
	mu        sync.RWMutex
}

func NewRegistry(logger types.Logger, publisher Publisher) *Registry {
	return &Registry{
		logger:    logger,
		publisher: publisher,
		clients:   make(map[string]*types.Client),
		now:       time.Now,
	}
}

func (r *Registry) SetPublisher(publisher Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = publisher
}

// OnChange registers a callback fired after every register or unregister.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) Register(client types.Client) (*types.Client, error) {
	if client.URL == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "client url is empty")
	}
	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	if client.Type == "" {
		client.Type = types.ClientTypeWindow
	}

	r.mu.Lock()
	if existing, ok := r.clients[client.ID]; ok && client.Controller == "" {
		client.Controller = existing.Controller
	}
	client.LastSeen = r.now()
	stored := client
	r.clients[client.ID] = &stored
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.notify(listeners)

	result := stored
	return &result, nil
}

func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	if ok {
		r.notify(listeners)
	}
	return ok
}

func (r *Registry) Get(id string) (*types.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	result := *c
	return &result, true
}

func (r *Registry) MatchAll(clientType types.ClientType) []types.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]types.Client, 0, len(r.clients))
	for _, c := range r.clients {
		if clientType == types.ClientTypeAll || clientType == "" || c.Type == clientType {
			result = append(result, *c)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Claim makes controller the controller of every known client.
func (r *Registry) Claim(_ context.Context, controller string) (int, error) {
	r.mu.Lock()
	for _, c := range r.clients {
		c.Controller = controller
	}
	count := len(r.clients)
	r.mu.Unlock()

	r.logger.Debug("Clients claimed", zap.String("controller", controller), zap.Int("count", count))
	return count, nil
}

// ForeignControlled counts clients controlled by an instance other than id.
func (r *Registry) ForeignControlled(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, c := range r.clients {
		if c.Controller != "" && c.Controller != id {
			count++
		}
	}
	return count
}

func (r *Registry) Focus(_ context.Context, id string) (*types.Client, error) {
	r.mu.Lock()
	target, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return nil, types.Errorf(types.ErrClientNotFound, "client %s", id)
	}
	for _, c := range r.clients {
		c.Focused = c.ID == id
	}
	result := *target
	publisher := r.publisher
	r.mu.Unlock()

	if err := r.publish(publisher, types.ActionClientFocus, types.ClientCommand{ClientID: id, URL: result.URL}); err != nil {
		return &result, err
	}
	return &result, nil
}

func (r *Registry) OpenWindow(_ context.Context, url string) (*types.Client, error) {
	client := types.Client{
		ID:       uuid.NewString(),
		URL:      url,
		Type:     types.ClientTypeWindow,
		Focused:  true,
		LastSeen: r.now(),
	}

	r.mu.Lock()
	for _, c := range r.clients {
		c.Focused = false
	}
	stored := client
	r.clients[client.ID] = &stored
	publisher := r.publisher
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.notify(listeners)

	if err := r.publish(publisher, types.ActionClientOpenWindow, types.ClientCommand{ClientID: client.ID, URL: url}); err != nil {
		return &client, err
	}
	return &client, nil
}

func (r *Registry) publish(publisher Publisher, action string, cmd types.ClientCommand) error {
	if publisher == nil {
		r.logger.Debug("No page relay, command kept local", zap.String("action", action), zap.String("url", cmd.URL))
		return nil
	}

	if err := publisher.Publish(action, cmd); err != nil {
		return types.WrapError(err, "failed to publish "+action)
	}
	return nil
}

func (r *Registry) snapshotListeners() []func() {
	listeners := make([]func(), len(r.listeners))
	copy(listeners, r.listeners)
	return listeners
}

func (r *Registry) notify(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}

var _ types.ClientRegistry = (*Registry)(nil)
