package task

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"github.com/kmiyazaki/taskchain/internal/variables"
)

var validate = validator.New()

// Hook names the lifecycle events a template may attach follow-up tasks to
// via the on directive.
type Hook string

const (
	HookStart    Hook = "start"
	HookComplete Hook = "complete"
	HookError    Hook = "error"
	HookSkipped  Hook = "skipped"
)

// RetryPolicy is the parsed form of a task's retry directive.
type RetryPolicy struct {
	MaxAttempts      int     `mapstructure:"max_attempts" validate:"omitempty,gte=1"`
	DelaySeconds     float64 `mapstructure:"delay_seconds" validate:"omitempty,gte=0"`
	WhenErrorLike    string  `mapstructure:"when_error_like"`
	WhenErrorNotLike string  `mapstructure:"when_error_not_like"`

	errorLike    *regexp.Regexp
	errorNotLike *regexp.Regexp
}

func (p *RetryPolicy) compile() error {
	var err error
	if p.WhenErrorLike != "" {
		if p.errorLike, err = regexp.Compile("(?i)" + p.WhenErrorLike); err != nil {
			return fmt.Errorf("retry.when_error_like: %w", err)
		}
	}
	if p.WhenErrorNotLike != "" {
		if p.errorNotLike, err = regexp.Compile("(?i)" + p.WhenErrorNotLike); err != nil {
			return fmt.Errorf("retry.when_error_not_like: %w", err)
		}
	}
	return nil
}

// maxAttempts treats an unset policy as a single attempt.
func (p *RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// retryable reports whether the error message satisfies the like/not-like
// gates. Attempt counting is handled by the run loop.
func (p *RetryPolicy) retryable(err error) bool {
	msg := err.Error()
	if p.errorLike != nil && !p.errorLike.MatchString(msg) {
		return false
	}
	if p.errorNotLike != nil && p.errorNotLike.MatchString(msg) {
		return false
	}
	return true
}

// IterateSpec expands a template into one task per element of a variable.
type IterateSpec struct {
	Variable string `mapstructure:"variable" validate:"required"`
}

// Spec holds the directives common to every task kind, decoded from the
// kind's configuration mapping. Kind-specific directives stay in the raw
// map and are decoded by the kind's constructor.
type Spec struct {
	Name        string                   `mapstructure:"name" validate:"required"`
	Description string                   `mapstructure:"description"`
	Blocking    *bool                    `mapstructure:"blocking"`
	Data        any                      `mapstructure:"data"`
	On          map[Hook][]map[string]any `mapstructure:"on"`
	ResultAs    any                      `mapstructure:"result_as"`
	Retry       RetryPolicy              `mapstructure:"retry"`
	When        string                   `mapstructure:"when"`
	WithVars    []string                 `mapstructure:"with_vars"`
	Iterate     *IterateSpec             `mapstructure:"iterate"`
}

// IsBlocking applies the default: tasks block unless told otherwise.
func (s *Spec) IsBlocking() bool {
	return s.Blocking == nil || *s.Blocking
}

// Assignment normalizes the result_as directive, which accepts either a
// bare variable name or a {name, mode, include} mapping.
func (s *Spec) Assignment() (*variables.Assignment, error) {
	switch v := s.ResultAs.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return &variables.Assignment{Name: v}, nil
	case map[string]any:
		var a variables.Assignment
		if err := mapstructure.Decode(v, &a); err != nil {
			return nil, fmt.Errorf("%w: result_as: %v", ErrConfiguration, err)
		}
		if err := validate.Struct(&a); err != nil {
			return nil, fmt.Errorf("%w: result_as: %v", ErrConfiguration, err)
		}
		return &a, nil
	default:
		return nil, fmt.Errorf("%w: result_as must be a name or a mapping, got %T", ErrConfiguration, s.ResultAs)
	}
}

// ParseSpec decodes and validates the common directives from a task
// configuration mapping.
func ParseSpec(cfg map[string]any) (Spec, error) {
	var spec Spec
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &spec,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return spec, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := decoder.Decode(cfg); err != nil {
		return spec, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := validate.Struct(&spec); err != nil {
		return spec, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	for hook := range spec.On {
		switch hook {
		case HookStart, HookComplete, HookError, HookSkipped:
		default:
			return spec, fmt.Errorf("%w: unknown on directive %q", ErrConfiguration, hook)
		}
	}
	if err := spec.Retry.compile(); err != nil {
		return spec, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	spec.When = strings.TrimSpace(spec.When)
	return spec, nil
}
