package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/kmiyazaki/taskchain/internal/chain"
	"github.com/kmiyazaki/taskchain/internal/task"
)

const defaultCheckInterval = 100 * time.Millisecond

type waitConfig struct {
	WhenAfterSeconds                  float64  `mapstructure:"when_after_seconds" validate:"omitempty,gte=0"`
	WhenAllPreviousAsyncTasksComplete bool     `mapstructure:"when_all_previous_async_tasks_complete"`
	WhenAllPreviousTasksComplete      bool     `mapstructure:"when_all_previous_tasks_complete"`
	WhenAllTasksByNameComplete        []string `mapstructure:"when_all_tasks_by_name_complete"`
	WhenAnyTasksByNameComplete        []string `mapstructure:"when_any_tasks_by_name_complete"`
	CheckIntervalSeconds              float64  `mapstructure:"check_interval_seconds" validate:"omitempty,gt=0"`
}

func (w *waitConfig) hasCondition() bool {
	return w.WhenAfterSeconds > 0 ||
		w.WhenAllPreviousAsyncTasksComplete ||
		w.WhenAllPreviousTasksComplete ||
		len(w.WhenAllTasksByNameComplete) > 0 ||
		len(w.WhenAnyTasksByNameComplete) > 0
}

// NewWait builds a task that blocks until every configured condition holds.
// Conditions are polled; a wait task never completes work of its own.
func NewWait(cfg map[string]any, c *chain.Chain) (*task.Task, error) {
	var kindCfg waitConfig
	spec, err := decodeKind(cfg, &kindCfg)
	if err != nil {
		return nil, err
	}
	if !kindCfg.hasCondition() {
		return nil, fmt.Errorf("%w: task %q: wait requires at least one condition", task.ErrConfiguration, spec.Name)
	}
	interval := defaultCheckInterval
	if kindCfg.CheckIntervalSeconds > 0 {
		interval = time.Duration(kindCfg.CheckIntervalSeconds * float64(time.Second))
	}

	method := func(ctx context.Context, t *task.Task) (any, error) {
		begin := time.Now()
		for {
			if t.Terminated() {
				return nil, task.ErrTerminated
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if kindCfg.satisfied(c, t, begin) {
				return nil, nil
			}
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}
	return task.New(spec, method, c.TaskDeps())
}

// satisfied reports whether every configured condition currently holds.
func (w *waitConfig) satisfied(c *chain.Chain, t *task.Task, begin time.Time) bool {
	if w.WhenAfterSeconds > 0 {
		elapsed := time.Since(begin)
		if elapsed < time.Duration(w.WhenAfterSeconds*float64(time.Second)) {
			return false
		}
	}
	// Exclude the wait task itself: when it runs non-blocking it sits in
	// the pool and would otherwise never see the count reach zero.
	if w.WhenAllPreviousAsyncTasksComplete && c.Pool().CountIncompleteExcluding(t) > 0 {
		return false
	}
	if w.WhenAllPreviousTasksComplete && !previousComplete(c, t) {
		return false
	}
	for _, name := range w.WhenAllTasksByNameComplete {
		if !nameComplete(c, name) {
			return false
		}
	}
	if len(w.WhenAnyTasksByNameComplete) > 0 {
		met := false
		for _, name := range w.WhenAnyTasksByNameComplete {
			if nameComplete(c, name) {
				met = true
				break
			}
		}
		if !met {
			return false
		}
	}
	return true
}

func previousComplete(c *chain.Chain, t *task.Task) bool {
	tasks := c.Tasks()
	pos := c.PositionOf(t)
	if pos < 0 {
		pos = len(tasks)
	}
	for i := 0; i < pos && i < len(tasks); i++ {
		if !task.IsTerminal(tasks[i].Status()) {
			return false
		}
	}
	return true
}

func nameComplete(c *chain.Chain, name string) bool {
	found := false
	for _, t := range c.Tasks() {
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
