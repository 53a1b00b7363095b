package types

import (
	"time"

	"github.com/robfig/cron/v3"
)

// DeferredRunner arms one-shot jobs that fire at most once.
type DeferredRunner interface {
	LifecycleManager
	Once(jobName string, at time.Time, job func()) (cron.EntryID, error)
	Cancel(id cron.EntryID) bool
	Pending() int
	Jobs() []JobEntry
}

type JobEntry struct {
	ID      cron.EntryID `json:"id"`
	Name    string       `json:"name"`
	At      time.Time    `json:"at"`
	Job     func()       `json:"-"`
	AddedAt time.Time    `json:"added_at"`
}
