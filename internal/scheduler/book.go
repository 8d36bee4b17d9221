package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"procman/internal/job"
	"procman/internal/store"
	"procman/pkg/logx"
)

// putTimeout bounds one write-through to the store so a wedged backend
// cannot stall the scheduler loop.
const putTimeout = 5 * time.Second

// Book is the authoritative in-memory copy of every job's status. All
// mutation goes through Update, which writes through to the store, so
// persisted state is never ahead of or behind what the loop sees.
type Book struct {
	log logx.Logger
	st  store.Store

	mu sync.RWMutex
	m  map[string]job.Status
}

func NewBook(st store.Store, log logx.Logger) *Book {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Book{
		log: log.With(logx.String("component", "statusbook")),
		st:  st,
		m:   map[string]job.Status{},
	}
}

// Load seeds the book from the store. Called once before the loop starts.
func (b *Book) Load(ctx context.Context) error {
	all, err := b.st.All(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	for _, st := range all {
		b.m[st.Name] = st
	}
	b.mu.Unlock()
	return nil
}

// Update implements job.Recorder.
func (b *Book) Update(name string, fn func(*job.Status)) job.Status {
	b.mu.Lock()
	st := b.m[name]
	st.Name = name
	fn(&st)
	st.UpdatedAt = time.Now()
	b.m[name] = st
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()
	if err := b.st.Put(ctx, st); err != nil {
		b.log.Warn("status write-through failed", logx.String("job", name), logx.Err(err))
	}
	return st
}

// Get implements job.Recorder.
func (b *Book) Get(name string) (job.Status, bool) {
	b.mu.RLock()
	st, ok := b.m[name]
	b.mu.RUnlock()
	return st, ok
}

// Drop removes a job's record from memory and from the store. Used when a
// reload removes the job from the schedule.
func (b *Book) Drop(name string) {
	b.mu.Lock()
	delete(b.m, name)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()
	if err := b.st.Delete(ctx, name); err != nil {
		b.log.Warn("status delete failed", logx.String("job", name), logx.Err(err))
	}
}

// All returns copies of every record, sorted by name.
func (b *Book) All() []job.Status {
	b.mu.RLock()
	out := make([]job.Status, 0, len(b.m))
	for _, st := range b.m {
		out = append(out, st)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
