package service

import (
	"context"
	"sync"

	"wahub/internal/observability"
)

// keyedMutex serializes work per instance name. Entries are dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e := k.locks[key]
	if e == nil {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// pollTask is one running pairing poll. err is valid once done is closed.
type pollTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (t *pollTask) wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollers keeps at most one pairing poll per instance name. Starting a poll
// cancels the previous one for the same name.
type pollers struct {
	mu    sync.Mutex
	tasks map[string]*pollTask
}

func (p *pollers) start(key string, run func(ctx context.Context) error) *pollTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &pollTask{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	if p.tasks == nil {
		p.tasks = make(map[string]*pollTask)
	}
	if old := p.tasks[key]; old != nil {
		old.cancel()
	}
	p.tasks[key] = t
	p.mu.Unlock()

	observability.ActivePairingPolls.Inc()
	go func() {
		defer observability.ActivePairingPolls.Dec()
		t.err = run(ctx)
		cancel()

		p.mu.Lock()
		if p.tasks[key] == t {
			delete(p.tasks, key)
		}
		p.mu.Unlock()
		close(t.done)
	}()
	return t
}

// stop cancels the poll for key, if any, and returns it so the caller may wait.
func (p *pollers) stop(key string) *pollTask {
	p.mu.Lock()
	t := p.tasks[key]
	delete(p.tasks, key)
	p.mu.Unlock()
	if t != nil {
		t.cancel()
	}
	return t
}

func (p *pollers) active(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[key]
	return ok
}

func (p *pollers) stopAll(ctx context.Context) {
	p.mu.Lock()
	tasks := make([]*pollTask, 0, len(p.tasks))
	for k, t := range p.tasks {
		tasks = append(tasks, t)
		delete(p.tasks, k)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		_ = t.wait(ctx)
	}
}
