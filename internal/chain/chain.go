package chain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/kmiyazaki/taskchain/internal/events"
	"github.com/kmiyazaki/taskchain/internal/task"
	"github.com/kmiyazaki/taskchain/internal/templating"
	"github.com/kmiyazaki/taskchain/internal/variables"
)

var validate = validator.New()

const defaultMaxWorkers = 4

// ErrorPolicy decides how task failures affect the chain's final status.
// Task failures are isolated under any policy except halt: downstream
// tasks and on.error follow-ups still run.
type ErrorPolicy string

const (
	// ErrorPolicyAny marks the chain error when any task ended in error.
	// Default.
	ErrorPolicyAny ErrorPolicy = "any"
	// ErrorPolicyFatal reports error only for chain-fatal conditions
	// (configuration faults, termination); task errors are recorded in
	// the aggregate but do not mark the chain.
	ErrorPolicyFatal ErrorPolicy = "fatal"
	// ErrorPolicyHalt stops the chain at the first blocking-task error.
	// Opt-in; trades failure isolation for fail-fast runs.
	ErrorPolicyHalt ErrorPolicy = "halt"
)

// Constructor builds a task of one kind from its rendered configuration.
type Constructor func(cfg map[string]any, c *Chain) (*task.Task, error)

// Registry maps task kind names to constructors. Passed in explicitly so
// callers control exactly which kinds a chain may run.
type Registry map[string]Constructor

// Config is the chain-level portion of a chain template.
type Config struct {
	Name        string           `mapstructure:"name" validate:"required"`
	Description string           `mapstructure:"description"`
	Tasks       []map[string]any `mapstructure:"tasks" validate:"required,min=1"`
	MaxWorkers  int              `mapstructure:"max_workers" validate:"omitempty,gte=1"`
	Variables   map[string]any   `mapstructure:"variables"`
	ErrorPolicy ErrorPolicy      `mapstructure:"error_policy" validate:"omitempty,oneof=any fatal halt"`
}

// Option customizes a chain's collaborators.
type Option func(*Chain)

func WithEngine(e templating.Engine) Option { return func(c *Chain) { c.engine = e } }
func WithBus(b *events.Bus) Option          { return func(c *Chain) { c.bus = b } }
func WithLogger(l *log.Logger) Option       { return func(c *Chain) { c.logger = l } }

// Chain drives an ordered list of task templates to completion, one cursor
// position at a time. Templates are instantiated lazily at the cursor so
// runtime insertions and late-bound variables take effect.
type Chain struct {
	id          string
	kind        string
	name        string
	description string
	errorPolicy ErrorPolicy

	reg    Registry
	engine templating.Engine
	bus    *events.Bus
	logger *log.Logger

	vars *variables.Store
	pool *Pool

	terminated atomic.Bool

	mu        sync.Mutex
	templates []map[string]any
	tasks     []*task.Task
	position  int
	status    task.Status
	start     time.Time
	end       time.Time
	fault     error
}

// New assembles a chain of the given kind from a parsed config.
func New(kind string, cfg Config, reg Registry, opts ...Option) (*Chain, error) {
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: chain: %v", task.ErrConfiguration, err)
	}
	if len(reg) == 0 {
		return nil, fmt.Errorf("%w: chain %q: empty task registry", task.ErrConfiguration, cfg.Name)
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers == 0 {
		maxWorkers = defaultMaxWorkers
	}
	policy := cfg.ErrorPolicy
	if policy == "" {
		policy = ErrorPolicyAny
	}

	c := &Chain{
		id:          uuid.NewString(),
		kind:        kind,
		name:        cfg.Name,
		description: cfg.Description,
		errorPolicy: policy,
		reg:         reg,
		engine:      templating.NewEngine(),
		logger:      log.Default(),
		vars:        variables.New(),
		templates:   append([]map[string]any(nil), cfg.Tasks...),
		status:      task.StatusPending,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("chain", c.name)
	c.pool = NewPool(maxWorkers, c.logger)
	for name, value := range cfg.Variables {
		c.vars.Set(name, value)
	}
	return c, nil
}

func (c *Chain) ID() string          { return c.id }
func (c *Chain) Kind() string        { return c.kind }
func (c *Chain) Name() string        { return c.name }
func (c *Chain) Description() string { return c.description }

// Variables returns the chain's shared variable store.
func (c *Chain) Variables() *variables.Store { return c.vars }

// Engine returns the template engine tasks should render with.
func (c *Chain) Engine() templating.Engine { return c.engine }

// Logger returns the chain-scoped logger.
func (c *Chain) Logger() *log.Logger { return c.logger }

// TaskDeps bundles the collaborators a kind constructor hands to task.New.
func (c *Chain) TaskDeps() task.Deps {
	return task.Deps{Owner: c, Engine: c.engine, Bus: c.bus, Logger: c.logger}
}

func (c *Chain) Status() task.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Position reports the template cursor. It only moves forward.
func (c *Chain) Position() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Tasks returns the instantiated task history in execution order.
func (c *Chain) Tasks() []*task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*task.Task(nil), c.tasks...)
}

// TemplateCount reports the current length of the template list, which can
// grow at runtime through insertions.
func (c *Chain) TemplateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.templates)
}

// Pool exposes the non-blocking worker pool, mainly so wait-style tasks can
// query in-flight work.
func (c *Chain) Pool() *Pool { return c.pool }

// PositionOf reports the index of t in the instantiated history, -1 when t
// was never instantiated by this chain.
func (c *Chain) PositionOf(t *task.Task) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, candidate := range c.tasks {
		if candidate == t {
			return i
		}
	}
	return -1
}

// FindTaskByName returns the first instantiated task with the given name,
// or nil. Names need not be unique; earlier instances win.
func (c *Chain) FindTaskByName(name string) *task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tasks {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// TemplatePositionByName returns the index of the first template whose name
// directive matches, -1 when absent. Matches raw template text, so names
// carrying unrendered expressions compare literally.
func (c *Chain) TemplatePositionByName(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.templatePositionLocked(name)
}

func (c *Chain) templatePositionLocked(name string) int {
	for i, tmpl := range c.templates {
		if templateName(tmpl) == name {
			return i
		}
	}
	return -1
}

// InsertTemplateAt splices templates into the list at pos. Positions at or
// before the cursor are rejected; the cursor never revisits earlier slots.
func (c *Chain) InsertTemplateAt(pos int, templates ...map[string]any) error {
	if len(templates) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(pos, templates)
}

// InsertTemplateAfter splices templates immediately after the named
// template.
func (c *Chain) InsertTemplateAfter(name string, templates ...map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.templatePositionLocked(name)
	if pos < 0 {
		return fmt.Errorf("%w: no template named %q", task.ErrConfiguration, name)
	}
	return c.insertLocked(pos+1, templates)
}

// InsertTemplateBefore splices templates immediately before the named
// template.
func (c *Chain) InsertTemplateBefore(name string, templates ...map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.templatePositionLocked(name)
	if pos < 0 {
		return fmt.Errorf("%w: no template named %q", task.ErrConfiguration, name)
	}
	return c.insertLocked(pos, templates)
}

func (c *Chain) insertLocked(pos int, templates []map[string]any) error {
	if pos < c.position {
		return fmt.Errorf("%w: cannot insert at position %d, cursor already at %d",
			task.ErrConfiguration, pos, c.position)
	}
	if pos > len(c.templates) {
		pos = len(c.templates)
	}
	c.templates = append(c.templates[:pos:pos], append(templates, c.templates[pos:]...)...)
	return nil
}

// InsertFollowUps enqueues on.* follow-up templates. Blocking tasks splice
// right after the cursor so follow-ups run next; non-blocking tasks append
// to the end because the cursor has already moved past them.
func (c *Chain) InsertFollowUps(templates []map[string]any, blocking bool) {
	if len(templates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := len(c.templates)
	if blocking {
		pos = c.position + 1
		if pos > len(c.templates) {
			pos = len(c.templates)
		}
	}
	if err := c.insertLocked(pos, templates); err != nil {
		c.logger.Error("dropping follow-up templates", "pos", pos, "count", len(templates), "err", err)
	}
}

// Terminate requests cooperative cancellation: no new templates are
// instantiated and every in-flight task is asked to stop.
func (c *Chain) Terminate() {
	if c.terminated.Swap(true) {
		return
	}
	c.logger.Warn("termination requested")
	c.mu.Lock()
	tasks := append([]*task.Task(nil), c.tasks...)
	c.mu.Unlock()
	for _, t := range tasks {
		if !task.IsTerminal(t.Status()) {
			t.Terminate()
		}
	}
	c.pool.Terminate()
}

// Terminated reports whether cancellation was requested.
func (c *Chain) Terminated() bool { return c.terminated.Load() }

// Run drives the chain to a terminal status. The returned error reflects
// the chain outcome; per-task detail stays in each task's meta.
func (c *Chain) Run(ctx context.Context) error {
	c.begin()

	var fault error
	for {
		fault = c.drive(ctx)
		if fault != nil {
			c.Terminate()
		}
		c.pool.WaitAll()
		if fault != nil {
			break
		}
		// Pool tasks finishing after the cursor exhausted the list may
		// have appended on.* follow-ups; pick them up before finishing.
		c.mu.Lock()
		drained := c.position >= len(c.templates)
		c.mu.Unlock()
		if drained {
			break
		}
	}

	return c.finish(fault)
}

// drive advances the cursor until the template list is exhausted, a
// chain-fatal condition occurs, or termination is requested. Task errors
// do not stop it unless the halt policy is set.
func (c *Chain) drive(ctx context.Context) error {
	for {
		if c.terminated.Load() {
			return task.ErrTerminated
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		if c.position >= len(c.templates) {
			c.mu.Unlock()
			return nil
		}
		tmpl := c.templates[c.position]
		c.mu.Unlock()

		kind, rawCfg, t, err := c.instantiate(tmpl)
		if err != nil {
			return err
		}

		if it := t.Iterate(); it != nil {
			if err := c.expandIteration(kind, rawCfg, t, it); err != nil {
				return err
			}
			c.advance()
			continue
		}

		c.appendTask(t)
		if t.Blocking() {
			t.Run(ctx)
			if c.errorPolicy == ErrorPolicyHalt && t.Status() == task.StatusError {
				return fmt.Errorf("task %q failed", t.Name())
			}
		} else {
			if err := c.pool.Submit(ctx, t); err != nil {
				return err
			}
		}
		c.advance()
	}
}

func (c *Chain) begin() {
	c.mu.Lock()
	c.status = task.StatusRunning
	c.start = time.Now().UTC()
	c.mu.Unlock()

	c.logger.Info("chain started", "templates", c.TemplateCount())
	if c.bus != nil {
		c.bus.Publish(events.ChainStarted, map[string]any{"chain": c.name, "id": c.id})
	}
}

func (c *Chain) finish(fault error) error {
	failed := 0
	for _, t := range c.Tasks() {
		if t.Status() == task.StatusError {
			failed++
		}
	}

	// Under the fatal policy task errors stay in the aggregate without
	// marking the chain itself.
	taskErrorsMark := c.errorPolicy != ErrorPolicyFatal

	c.mu.Lock()
	c.end = time.Now().UTC()
	c.fault = fault
	if fault != nil || (failed > 0 && taskErrorsMark) {
		c.status = task.StatusError
	} else {
		c.status = task.StatusComplete
	}
	status := c.status
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(events.ChainCompleted, map[string]any{
			"chain":  c.name,
			"id":     c.id,
			"status": string(status),
		})
	}

	if fault != nil {
		c.logger.Error("chain failed", "err", fault)
		return fmt.Errorf("chain %q: %w", c.name, fault)
	}
	if failed > 0 {
		if !taskErrorsMark {
			c.logger.Warn("chain complete with isolated task errors", "failed", failed)
			return nil
		}
		c.logger.Error("chain finished with task errors", "failed", failed)
		return fmt.Errorf("chain %q: %d task(s) failed", c.name, failed)
	}
	c.logger.Info("chain complete", "tasks", len(c.Tasks()))
	return nil
}

func (c *Chain) advance() {
	c.mu.Lock()
	c.position++
	c.mu.Unlock()
}

func (c *Chain) appendTask(t *task.Task) {
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
}

// instantiate renders a template against the live variable store and builds
// the task through its kind constructor. when, on and iterate stay raw:
// when and on render when their own task runs, iterate renders at
// expansion.
func (c *Chain) instantiate(tmpl map[string]any) (string, map[string]any, *task.Task, error) {
	kind, cfg, err := splitTemplate(tmpl)
	if err != nil {
		return "", nil, nil, err
	}
	ctor, ok := c.reg[kind]
	if !ok {
		return "", nil, nil, fmt.Errorf("%w: unknown task kind %q", task.ErrConfiguration, kind)
	}

	rendered := cfg
	if _, iterates := cfg["iterate"]; !iterates {
		// Iterating templates render per item at expansion; their item
		// references cannot resolve yet.
		rendered, err = c.renderConfig(cfg, c.templateContext(), "when", "on", "iterate")
		if err != nil {
			return "", nil, nil, fmt.Errorf("template %q: %w", templateName(tmpl), err)
		}
	}

	t, err := ctor(rendered, c)
	if err != nil {
		return "", nil, nil, err
	}
	return kind, cfg, t, nil
}

// renderConfig deep-renders every directive except the named skips, which
// keep their raw text.
func (c *Chain) renderConfig(cfg map[string]any, tctx templating.Context, skip ...string) (map[string]any, error) {
	skipped := make(map[string]bool, len(skip))
	for _, k := range skip {
		skipped[k] = true
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if skipped[k] {
			out[k] = v
			continue
		}
		rendered, err := c.engine.RenderAny(v, tctx)
		if err != nil {
			return nil, fmt.Errorf("render %q: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

// expandIteration resolves the iterate variable to a list and splices one
// item-rendered copy of the template per element right after the cursor.
// The parent never runs; it is recorded as skipped.
func (c *Chain) expandIteration(kind string, rawCfg map[string]any, parent *task.Task, it *task.IterateSpec) error {
	resolved, err := c.engine.Render(it.Variable, c.templateContext())
	if err != nil {
		return fmt.Errorf("%w: iterate %q: %v", task.ErrConfiguration, it.Variable, err)
	}
	items, err := cast.ToSliceE(resolved)
	if err != nil {
		return fmt.Errorf("%w: iterate %q did not yield a list: %v", task.ErrConfiguration, it.Variable, err)
	}

	snapshot := c.templateContext()
	expanded := make([]map[string]any, 0, len(items))
	for i, item := range items {
		itemCtx := templating.Context{Var: snapshot.Var, Item: item}
		cfg, err := c.renderConfig(rawCfg, itemCtx, "on")
		if err != nil {
			return fmt.Errorf("%w: iterate %q item %d: %v", task.ErrConfiguration, parent.Name(), i, err)
		}
		delete(cfg, "iterate")
		cfg["name"] = fmt.Sprintf("%s - %d/%d", cast.ToString(cfg["name"]), i+1, len(items))
		expanded = append(expanded, map[string]any{kind: cfg})
	}

	c.mu.Lock()
	err = c.insertLocked(c.position+1, expanded)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.appendTask(parent)
	if err := parent.MarkSkipped(fmt.Sprintf("expanded into %d tasks", len(items))); err != nil {
		return err
	}
	c.logger.Debug("expanded iteration", "task", parent.Name(), "items", len(items))
	return nil
}

func (c *Chain) templateContext() templating.Context {
	return templating.Context{Var: c.vars.Snapshot()}
}

// Errors aggregates per-task error strings prefixed with task names, plus
// the chain fault when present.
func (c *Chain) Errors() []string {
	var errs []string
	for _, t := range c.Tasks() {
		for _, e := range t.Meta().Errors {
			errs = append(errs, fmt.Sprintf("%s: %s", t.Name(), e))
		}
	}
	c.mu.Lock()
	if c.fault != nil {
		errs = append(errs, c.fault.Error())
	}
	c.mu.Unlock()
	return errs
}

// Result summarizes the chain outcome: the "result" variable when tasks
// assigned one, otherwise the last task's result, plus aggregated errors.
func (c *Chain) Result() map[string]any {
	out := map[string]any{
		"id":     c.id,
		"chain":  c.name,
		"status": string(c.Status()),
	}
	if v, ok := c.vars.Get("result"); ok {
		out["data"] = v
	} else if tasks := c.Tasks(); len(tasks) > 0 {
		out["data"] = tasks[len(tasks)-1].Result()
	}
	if errs := c.Errors(); len(errs) > 0 {
		out["errors"] = errs
	}
	return out
}

// splitTemplate unwraps the single-key {kind: config} template mapping.
func splitTemplate(tmpl map[string]any) (string, map[string]any, error) {
	if len(tmpl) != 1 {
		return "", nil, fmt.Errorf("%w: task template must have exactly one top-level kind key, got %d",
			task.ErrConfiguration, len(tmpl))
	}
	for kind, raw := range tmpl {
		cfg, err := toStringMap(raw)
		if err != nil {
			return "", nil, fmt.Errorf("%w: task template %q: %v", task.ErrConfiguration, kind, err)
		}
		return kind, cfg, nil
	}
	return "", nil, nil // unreachable
}

func toStringMap(v any) (map[string]any, error) {
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return nil, fmt.Errorf("expected a mapping, got %T", v)
	}
	return m, nil
}

func templateName(tmpl map[string]any) string {
	for _, raw := range tmpl {
		if cfg, err := toStringMap(raw); err == nil {
			return cast.ToString(cfg["name"])
		}
	}
	return ""
}
