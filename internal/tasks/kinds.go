// Package tasks provides the built-in task kinds and their registry.
package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"github.com/kmiyazaki/taskchain/internal/chain"
	"github.com/kmiyazaki/taskchain/internal/task"
)

var validate = validator.New()

// DefaultRegistry returns the built-in kind table. Callers may copy and
// extend it with their own kinds before building chains.
func DefaultRegistry() chain.Registry {
	return chain.Registry{
		"dummy": NewDummy,
		"error": NewError,
		"wait":  NewWait,
		"prune": NewPrune,
		"file":  NewFile,
		"http":  NewHTTP,
		"redis": NewRedis,
	}
}

// decodeKind parses the common directives plus the kind-specific ones out
// of the same configuration mapping.
func decodeKind(cfg map[string]any, out any) (task.Spec, error) {
	spec, err := task.ParseSpec(cfg)
	if err != nil {
		return spec, err
	}
	if out == nil {
		return spec, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return spec, fmt.Errorf("%w: %v", task.ErrConfiguration, err)
	}
	if err := decoder.Decode(cfg); err != nil {
		return spec, fmt.Errorf("%w: task %q: %v", task.ErrConfiguration, spec.Name, err)
	}
	if err := validate.Struct(out); err != nil {
		return spec, fmt.Errorf("%w: task %q: %v", task.ErrConfiguration, spec.Name, err)
	}
	return spec, nil
}

// NewDummy builds a task that simply returns its data directive, or a
// recognizable placeholder when none was configured.
func NewDummy(cfg map[string]any, c *chain.Chain) (*task.Task, error) {
	spec, err := decodeKind(cfg, nil)
	if err != nil {
		return nil, err
	}
	method := func(ctx context.Context, t *task.Task) (any, error) {
		if d := t.Data(); d != nil {
			return d, nil
		}
		return []any{map[string]any{"dummy": true}}, nil
	}
	return task.New(spec, method, c.TaskDeps())
}

type errorConfig struct {
	Message string `mapstructure:"message"`
}

// NewError builds a task that always fails, for exercising retry and error
// handling paths.
func NewError(cfg map[string]any, c *chain.Chain) (*task.Task, error) {
	var kindCfg errorConfig
	spec, err := decodeKind(cfg, &kindCfg)
	if err != nil {
		return nil, err
	}
	if kindCfg.Message == "" {
		kindCfg.Message = "this task always errors"
	}
	method := func(ctx context.Context, t *task.Task) (any, error) {
		return nil, errors.New(kindCfg.Message)
	}
	return task.New(spec, method, c.TaskDeps())
}
