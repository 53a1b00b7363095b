package cache

import (
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-vault-worker/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type lifecycle struct {
	state atomic.Value
}

func (l *lifecycle) initState() {
	l.state.Store(StateStopped)
}

func (l *lifecycle) getState() State {
	return l.state.Load().(State)
}

func (l *lifecycle) setState(newState State) {
	l.state.Store(newState)
}

func (l *lifecycle) transitionState(from, to State) bool {
	return l.state.CompareAndSwap(from, to)
}

func (l *lifecycle) IsRunning() bool {
	return l.getState() == StateRunning
}

func snapshotFor(resp *types.Response, now time.Time) *types.Response {
	clone := resp.Clone()
	if clone.StoredAt.IsZero() {
		clone.StoredAt = now
	}
	return clone
}
