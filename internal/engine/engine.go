package engine

import (
	"context"
	"database/sql"
	"time"

	"meterline/internal/config"
	"meterline/internal/events"
	"meterline/internal/repo"
	"meterline/internal/status"
)

// Engine owns every lifecycle mutation. Each operation runs one transaction
// under the entity's lock; journal rows are appended in the same transaction
// and fanned out to subscribers only after commit.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Notifier *events.Notifier
	Config   *config.Config
	Now      func() time.Time

	locks *lockTable
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Notifier: &events.Notifier{},
		Config:   cfg,
		Now:      time.Now,
		locks:    newLockTable(),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) agencyCode() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Agency.Code
}

func (e *Engine) lockTimeout() time.Duration {
	ms := 3000
	if e.Config != nil {
		ms = e.Config.LockTimeout()
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *Engine) retries() int {
	if e.Config != nil {
		return e.Config.Retries()
	}
	return 3
}

// lock serializes mutations on one entity. The release func must run before
// any parent lock is taken.
func (e *Engine) lock(ctx context.Context, kind status.Kind, id string) (func(), error) {
	return e.locks.acquire(ctx, kind, id, e.lockTimeout())
}

// publishAfterCommit loads the journal rows appended by the just-committed
// transaction and hands them to in-process subscribers. sinceID is the
// journal high-water mark read before the transaction began. The read is
// unscoped: entities may be written under any agency code, and every
// committed row must reach subscribers.
func (e *Engine) publishAfterCommit(ctx context.Context, sinceID int64) {
	if e.Notifier == nil {
		return
	}
	const batch = 100
	for {
		evts, err := e.Repo.EventsAfter(ctx, batch, sinceID, "")
		if err != nil || len(evts) == 0 {
			return
		}
		for _, evt := range evts {
			e.Notifier.Publish(evt)
			sinceID = evt.ID
		}
		if len(evts) < batch {
			return
		}
	}
}

// checkpoint records the global journal position before a transaction
// begins, for post-commit fanout.
func (e *Engine) checkpoint(ctx context.Context) int64 {
	id, err := e.Repo.LatestEventID(ctx, "")
	if err != nil {
		return 0
	}
	return id
}

// staleWrite converts an optimistic-concurrency miss into the typed error.
func staleWrite(ok bool, kind status.Kind, id string) error {
	if ok {
		return nil
	}
	return &StaleWriteError{Kind: kind, EntityID: id}
}
