package worker

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vault-worker/types"
)

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventMessage           EventKind = "message"
	EventNotificationClick EventKind = "notificationclick"
)

// Event carries one occurrence through the dispatcher. Handlers may extend
// its lifetime with WaitUntil and answer fetches with RespondWith.
type Event struct {
	Kind    EventKind
	Request *types.Request
	Message []byte
	Click   *types.NotificationClick

	mu       sync.Mutex
	extends  []func(ctx context.Context) error
	response *types.Response
	result   interface{}
}

func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extends = append(e.extends, fn)
}

func (e *Event) RespondWith(resp *types.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.response = resp
}

func (e *Event) Response() *types.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

// SetResult stores an arbitrary handler outcome for the caller.
func (e *Event) SetResult(result interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result = result
}

func (e *Event) Result() interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

type Handler func(ctx context.Context, event *Event) error

// Dispatcher maps event kinds to handlers and holds each event open until
// every extension registered with WaitUntil has settled.
type Dispatcher struct {
	handlers map[EventKind]Handler
	mu       sync.RWMutex
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventKind]Handler)}
}

func (d *Dispatcher) On(kind EventKind, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
}

func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	d.mu.RLock()
	handler, ok := d.handlers[event.Kind]
	d.mu.RUnlock()

	if !ok {
		return types.Errorf(types.ErrUnknownEvent, "%s", event.Kind)
	}

	if err := handler(ctx, event); err != nil {
		return err
	}

	event.mu.Lock()
	extends := append([]func(context.Context) error(nil), event.extends...)
	event.mu.Unlock()

	if len(extends) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, fn := range extends {
		g.Go(func() error {
			return fn(gCtx)
		})
	}
	return g.Wait()
}
