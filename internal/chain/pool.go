package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/kmiyazaki/taskchain/internal/task"
)

// Pool executes non-blocking tasks on bounded concurrent workers. Submit
// blocks while all worker slots are busy, which gives the chain driver
// natural backpressure instead of an unbounded queue. A failing task never
// affects its siblings or the pool itself.
type Pool struct {
	sem    *semaphore.Weighted
	logger *log.Logger

	wg sync.WaitGroup

	mu    sync.Mutex
	tasks []*task.Task
}

// NewPool creates a pool with maxWorkers concurrent slots.
func NewPool(maxWorkers int, logger *log.Logger) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(maxWorkers)),
		logger: logger,
	}
}

// Submit starts t on a worker, blocking until a slot frees. It returns an
// error only when the context is cancelled while waiting.
func (p *Pool) Submit(ctx context.Context, t *task.Task) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire worker slot for %q: %w", t.Name(), err)
	}

	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		t.Run(ctx)
	}()
	return nil
}

// WaitAll blocks until every submitted task reaches a terminal status.
func (p *Pool) WaitAll() {
	p.wg.Wait()
}

// CountIncomplete reports how many submitted tasks have not yet reached a
// terminal status.
func (p *Pool) CountIncomplete() int {
	return p.CountIncompleteExcluding(nil)
}

// CountIncompleteExcluding is CountIncomplete without the given task, so a
// pooled task can query its siblings without counting itself.
func (p *Pool) CountIncompleteExcluding(exclude *task.Task) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, t := range p.tasks {
		if t == exclude {
			continue
		}
		if !task.IsTerminal(t.Status()) {
			count++
		}
	}
	return count
}

// IsComplete reports whether every submitted task with the given name has
// reached a terminal status. Names need not be unique; this checks all
// matches. Unknown names report false.
func (p *Pool) IsComplete(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	found := false
	for _, t := range p.tasks {
		if t.Name() != name {
			continue
		}
		found = true
		if !task.IsTerminal(t.Status()) {
			return false
		}
	}
	return found
}

// Terminate requests cooperative cancellation of every in-flight task.
func (p *Pool) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		if !task.IsTerminal(t.Status()) {
			t.Terminate()
		}
	}
}
