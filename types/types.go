package types

import "time"

type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
