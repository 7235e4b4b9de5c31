// Package task implements the unit of work executed by a task chain: the
// lifecycle state machine, the retry loop, when-condition gating, event
// hooks and result propagation. Domain behavior is injected as a Func so
// task kinds compose the shared core instead of inheriting from it.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kmiyazaki/taskchain/internal/events"
	"github.com/kmiyazaki/taskchain/internal/templating"
	"github.com/kmiyazaki/taskchain/internal/variables"
)

// Func is the domain-specific method of a task kind. It receives the task
// so kinds can consult input data, owner state and the termination flag.
// Returning an error routes through the retry loop; the error never
// escapes Run.
type Func func(ctx context.Context, t *Task) (any, error)

// Owner is the surface a task needs from its owning chain. Kept narrow so
// the core is testable without a real chain.
type Owner interface {
	// Variables returns the chain's shared variable store.
	Variables() *variables.Store
	// InsertFollowUps enqueues on.* follow-up templates. Blocking tasks
	// splice immediately after the chain cursor; non-blocking tasks append
	// to the end since their position has already been passed.
	InsertFollowUps(templates []map[string]any, blocking bool)
	// PositionOf reports the task's index in the chain history, -1 if
	// unknown.
	PositionOf(t *Task) int
}

// Meta is the execution bookkeeping carried alongside a task's result.
type Meta struct {
	Errors   []string       `yaml:"errors,omitempty" json:"errors,omitempty"`
	Attempts int            `yaml:"attempts" json:"attempts"`
	Duration float64        `yaml:"duration_seconds" json:"duration_seconds"`
	Info     map[string]any `yaml:"info,omitempty" json:"info,omitempty"`
}

// Deps are the collaborators injected into a task.
type Deps struct {
	Owner  Owner
	Engine templating.Engine
	Bus    *events.Bus
	Logger *log.Logger
}

// Task is one schedulable unit of work.
type Task struct {
	spec   Spec
	assign *variables.Assignment
	method Func

	owner  Owner
	engine templating.Engine
	bus    *events.Bus
	logger *log.Logger

	terminated atomic.Bool

	mu          sync.Mutex
	status      Status
	attempts    int
	inputData   any
	result      any
	meta        Meta
	start       time.Time
	end         time.Time
	lastAttempt time.Time
}

// New builds a task from parsed common directives and a kind method.
func New(spec Spec, method Func, deps Deps) (*Task, error) {
	if method == nil {
		return nil, fmt.Errorf("%w: task %q has no method", ErrConfiguration, spec.Name)
	}
	assign, err := spec.Assignment()
	if err != nil {
		return nil, err
	}
	if deps.Engine == nil {
		deps.Engine = templating.NewEngine()
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &Task{
		spec:      spec,
		assign:    assign,
		method:    method,
		owner:     deps.Owner,
		engine:    deps.Engine,
		bus:       deps.Bus,
		logger:    deps.Logger.With("task", spec.Name),
		status:    StatusPending,
		inputData: spec.Data,
		meta:      Meta{Info: map[string]any{}},
	}, nil
}

func (t *Task) Name() string        { return t.spec.Name }
func (t *Task) Description() string { return t.spec.Description }
func (t *Task) Blocking() bool      { return t.spec.IsBlocking() }
func (t *Task) Iterate() *IterateSpec {
	return t.spec.Iterate
}

// Terminated reports whether cooperative cancellation was requested. Kind
// methods with long-running loops should poll this.
func (t *Task) Terminated() bool { return t.terminated.Load() }

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Data returns the task's rendered input data (the data directive, or the
// with_vars injection when no data was configured).
func (t *Task) Data() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputData
}

func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// ClearResult drops the task's stored result so long chains can bound
// memory. Structural history is unaffected.
func (t *Task) ClearResult() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = nil
}

// Meta returns a copy of the task's bookkeeping.
func (t *Task) Meta() Meta {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.meta
	m.Errors = append([]string(nil), t.meta.Errors...)
	info := make(map[string]any, len(t.meta.Info))
	for k, v := range t.meta.Info {
		info[k] = v
	}
	m.Info = info
	return m
}

// SetInfo records a key in the task's meta info block.
func (t *Task) SetInfo(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta.Info[key] = value
}

func (t *Task) StartTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start
}

func (t *Task) EndTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.end
}

// LastAttemptAt is the start of the most recent attempt. StartTime is
// preserved across retries; this is the per-attempt timestamp.
func (t *Task) LastAttemptAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAttempt
}

// Duration returns elapsed seconds between start and end, measuring
// against the current time while the task runs. -1 before the first
// attempt begins.
func (t *Task) Duration() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.start.IsZero() {
		return -1
	}
	end := t.end
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(t.start).Seconds()
}

// Position reports the task's index within its owning chain, -1 when the
// task is not part of one.
func (t *Task) Position() int {
	if t.owner == nil {
		return -1
	}
	return t.owner.PositionOf(t)
}

// Terminate requests cooperative cancellation: no further retry attempts
// begin, and kind methods observing Terminated stop early. A method in
// flight is never forcibly preempted.
func (t *Task) Terminate() {
	t.terminated.Store(true)
	t.logger.Warn("termination requested")
}

// MarkSkipped moves a pending task straight to skipped without running it.
// The chain uses this for iterate parents after expanding them into per-item
// tasks. Calling it on a task that already left pending is an error.
func (t *Task) MarkSkipped(reason string) error {
	t.mu.Lock()
	if err := t.setStatusLocked(StatusSkipped); err != nil {
		t.mu.Unlock()
		return err
	}
	if reason != "" {
		t.meta.Info["info"] = reason
	}
	t.mu.Unlock()

	t.publish(events.TaskSkipped, nil)
	t.enqueueFollowUps(HookSkipped)
	return nil
}

// Run drives the task to a terminal status. Domain errors never propagate
// to the caller; they are captured in meta and surfaced as status error.
func (t *Task) Run(ctx context.Context) {
	defer t.finalize()

	if t.spec.When != "" {
		ok, err := t.engine.EvaluateBool(t.spec.When, t.templateContext())
		if err != nil {
			t.errorOut(fmt.Errorf("when condition: %w", err))
			return
		}
		if !ok {
			t.skip()
			return
		}
	}

	t.injectWithVars()

	max := t.spec.Retry.maxAttempts()
	for {
		if t.terminated.Load() {
			t.errorOut(ErrTerminated)
			return
		}
		if err := ctx.Err(); err != nil {
			t.errorOut(err)
			return
		}

		t.beginAttempt()

		result, err := t.method(ctx, t)
		if err == nil {
			t.completeWith(result)
			return
		}

		if t.Attempts() >= max || !t.spec.Retry.retryable(err) || t.terminated.Load() {
			t.errorOut(err)
			return
		}

		t.recordError(err)
		t.logger.Warn("attempt failed, retrying",
			"attempt", t.Attempts(), "max_attempts", max, "err", err)
		if !t.sleepBetweenAttempts(ctx) {
			t.errorOut(ctx.Err())
			return
		}
	}
}

// beginAttempt transitions into running, increments the attempt counter
// and fires the start hook. start is set on the first attempt only;
// retries update lastAttempt.
func (t *Task) beginAttempt() {
	t.mu.Lock()
	t.attempts++
	attempt := t.attempts
	now := time.Now().UTC()
	if t.start.IsZero() {
		t.start = now
	}
	t.lastAttempt = now
	_ = t.setStatusLocked(StatusRunning)
	t.mu.Unlock()

	t.publish(events.TaskStarted, map[string]any{"attempt": attempt})
	t.enqueueFollowUps(HookStart)
}

func (t *Task) completeWith(result any) {
	t.mu.Lock()
	t.result = result
	t.mu.Unlock()

	if t.assign != nil && t.owner != nil {
		if err := t.owner.Variables().Apply(*t.assign, result); err != nil {
			t.errorOut(fmt.Errorf("store result as %q: %w", t.assign.Name, err))
			return
		}
	}

	t.mu.Lock()
	_ = t.setStatusLocked(StatusComplete)
	t.end = time.Now().UTC()
	t.mu.Unlock()

	t.publish(events.TaskCompleted, nil)
	t.enqueueFollowUps(HookComplete)
}

func (t *Task) skip() {
	t.mu.Lock()
	_ = t.setStatusLocked(StatusSkipped)
	t.mu.Unlock()

	t.logger.Debug("skipped by when condition")
	t.publish(events.TaskSkipped, nil)
	t.enqueueFollowUps(HookSkipped)
}

func (t *Task) errorOut(err error) {
	t.recordError(err)

	t.mu.Lock()
	_ = t.setStatusLocked(StatusError)
	t.end = time.Now().UTC()
	t.mu.Unlock()

	t.logger.Error("task failed", "err", err)
	t.publish(events.TaskFailed, map[string]any{"err": err.Error()})
	t.enqueueFollowUps(HookError)
}

func (t *Task) recordError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta.Errors = append(t.meta.Errors, fmt.Sprintf("attempt %d at %s: %v",
		t.attempts, time.Now().UTC().Format(time.RFC3339), err))
}

func (t *Task) setStatusLocked(to Status) error {
	if err := ValidateTransition(t.status, to); err != nil {
		t.logger.Error("rejected status transition", "err", err)
		return err
	}
	t.status = to
	return nil
}

// sleepBetweenAttempts waits the configured retry delay, aborting early on
// context cancellation. Reports false when the wait was interrupted.
func (t *Task) sleepBetweenAttempts(ctx context.Context) bool {
	delay := time.Duration(t.spec.Retry.DelaySeconds * float64(time.Second))
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// injectWithVars snapshots the requested chain variables into the task's
// input data when no data directive was configured. A single name injects
// the bare value; multiple names inject a name → value mapping.
func (t *Task) injectWithVars() {
	if len(t.spec.WithVars) == 0 || t.owner == nil {
		return
	}
	values := t.owner.Variables().GetByNames(t.spec.WithVars...)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inputData != nil {
		return
	}
	if len(t.spec.WithVars) == 1 {
		t.inputData = values[t.spec.WithVars[0]]
		return
	}
	t.inputData = values
}

func (t *Task) enqueueFollowUps(hook Hook) {
	if t.owner == nil {
		return
	}
	followUps := t.spec.On[hook]
	if len(followUps) == 0 {
		return
	}
	t.owner.InsertFollowUps(followUps, t.Blocking())
}

func (t *Task) publish(eventType events.Type, data map[string]any) {
	if t.bus == nil {
		return
	}
	payload := map[string]any{
		"task":   t.spec.Name,
		"status": string(t.Status()),
	}
	for k, v := range data {
		payload[k] = v
	}
	t.bus.Publish(eventType, payload)
}

func (t *Task) templateContext() templating.Context {
	ctx := templating.Context{Var: map[string]any{}}
	if t.owner != nil {
		ctx.Var = t.owner.Variables().Snapshot()
	}
	return ctx
}

func (t *Task) finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta.Attempts = t.attempts
	if !t.start.IsZero() {
		end := t.end
		if end.IsZero() {
			end = time.Now().UTC()
		}
		t.meta.Duration = end.Sub(t.start).Seconds()
	}
}
