package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmiyazaki/taskchain/internal/variables"
)

// fakeOwner satisfies Owner for core tests without a real chain.
type fakeOwner struct {
	vars *variables.Store

	mu        sync.Mutex
	followUps []map[string]any
	blocking  []bool
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{vars: variables.New()}
}

func (o *fakeOwner) Variables() *variables.Store { return o.vars }

func (o *fakeOwner) InsertFollowUps(templates []map[string]any, blocking bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.followUps = append(o.followUps, templates...)
	o.blocking = append(o.blocking, blocking)
}

func (o *fakeOwner) PositionOf(*Task) int { return 0 }

func (o *fakeOwner) followUpCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.followUps)
}

func mustSpec(t *testing.T, cfg map[string]any) Spec {
	t.Helper()
	spec, err := ParseSpec(cfg)
	require.NoError(t, err)
	return spec
}

func TestRun_Complete(t *testing.T) {
	owner := newFakeOwner()
	spec := mustSpec(t, map[string]any{"name": "ok", "result_as": "out"})

	tk, err := New(spec, func(context.Context, *Task) (any, error) {
		return "value", nil
	}, Deps{Owner: owner})
	require.NoError(t, err)

	tk.Run(context.Background())

	assert.Equal(t, StatusComplete, tk.Status())
	assert.Equal(t, 1, tk.Attempts())
	assert.Equal(t, "value", tk.Result())
	assert.False(t, tk.StartTime().IsZero())
	assert.False(t, tk.EndTime().Before(tk.StartTime()))

	v, ok := owner.vars.Get("out")
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestRun_RetryExhaustsAttempts(t *testing.T) {
	owner := newFakeOwner()
	spec := mustSpec(t, map[string]any{
		"name": "flaky",
		"retry": map[string]any{
			"max_attempts":  3,
			"delay_seconds": 0.0,
		},
		"on": map[string]any{
			"start": []any{map[string]any{"dummy": map[string]any{"name": "hook"}}},
		},
	})

	calls := 0
	tk, err := New(spec, func(context.Context, *Task) (any, error) {
		calls++
		return nil, errors.New("boom")
	}, Deps{Owner: owner})
	require.NoError(t, err)

	tk.Run(context.Background())

	assert.Equal(t, StatusError, tk.Status())
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, tk.Attempts())
	// on.start follow-ups enqueue once per attempt.
	assert.Equal(t, 3, owner.followUpCount())
	assert.Len(t, tk.Meta().Errors, 3)
}

func TestRun_RetrySucceedsAfterFailure(t *testing.T) {
	spec := mustSpec(t, map[string]any{
		"name":  "recovers",
		"retry": map[string]any{"max_attempts": 5},
	})

	calls := 0
	tk, err := New(spec, func(context.Context, *Task) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "done", nil
	}, Deps{Owner: newFakeOwner()})
	require.NoError(t, err)

	tk.Run(context.Background())

	assert.Equal(t, StatusComplete, tk.Status())
	assert.Equal(t, 3, tk.Attempts())
	assert.Len(t, tk.Meta().Errors, 2)
}

func TestRun_RetryPreservesStartTime(t *testing.T) {
	spec := mustSpec(t, map[string]any{
		"name":  "timed",
		"retry": map[string]any{"max_attempts": 2, "delay_seconds": 0.01},
	})

	calls := 0
	tk, err := New(spec, func(context.Context, *Task) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("first fails")
		}
		return nil, nil
	}, Deps{Owner: newFakeOwner()})
	require.NoError(t, err)

	tk.Run(context.Background())

	assert.Equal(t, StatusComplete, tk.Status())
	// start is pinned to the first attempt; the retry moves lastAttempt only.
	assert.True(t, tk.LastAttemptAt().After(tk.StartTime()))
}

func TestRun_RetryErrorMatching(t *testing.T) {
	tests := []struct {
		name         string
		retry        map[string]any
		wantAttempts int
	}{
		{
			name:         "like matches so retries happen",
			retry:        map[string]any{"max_attempts": 3, "when_error_like": "timeout"},
			wantAttempts: 3,
		},
		{
			name:         "like does not match so no retry",
			retry:        map[string]any{"max_attempts": 3, "when_error_like": "connection refused"},
			wantAttempts: 1,
		},
		{
			name:         "not_like matches so no retry",
			retry:        map[string]any{"max_attempts": 3, "when_error_not_like": "TIMEOUT"},
			wantAttempts: 1,
		},
		{
			name:         "not_like does not match so retries happen",
			retry:        map[string]any{"max_attempts": 3, "when_error_not_like": "permission denied"},
			wantAttempts: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := mustSpec(t, map[string]any{"name": "gated", "retry": tt.retry})
			calls := 0
			tk, err := New(spec, func(context.Context, *Task) (any, error) {
				calls++
				return nil, errors.New("socket timeout reached")
			}, Deps{Owner: newFakeOwner()})
			require.NoError(t, err)

			tk.Run(context.Background())

			assert.Equal(t, StatusError, tk.Status())
			assert.Equal(t, tt.wantAttempts, calls)
		})
	}
}

func TestRun_WhenFalseSkips(t *testing.T) {
	owner := newFakeOwner()
	owner.vars.Set("flag", false)
	spec := mustSpec(t, map[string]any{
		"name": "gated",
		"when": "var.flag",
		"on": map[string]any{
			"skipped": []any{map[string]any{"dummy": map[string]any{"name": "cleanup"}}},
		},
	})

	called := false
	tk, err := New(spec, func(context.Context, *Task) (any, error) {
		called = true
		return nil, nil
	}, Deps{Owner: owner})
	require.NoError(t, err)

	tk.Run(context.Background())

	assert.Equal(t, StatusSkipped, tk.Status())
	assert.False(t, called, "method must not run for a skipped task")
	assert.Equal(t, 0, tk.Attempts())
	assert.Equal(t, 1, owner.followUpCount())
}

func TestRun_WhenTrueRuns(t *testing.T) {
	owner := newFakeOwner()
	owner.vars.Set("t1", "x")
	spec := mustSpec(t, map[string]any{
		"name": "conditional",
		"when": `{{ eq .var.t1 "x" }}`,
	})

	tk, err := New(spec, func(context.Context, *Task) (any, error) {
		return nil, nil
	}, Deps{Owner: owner})
	require.NoError(t, err)

	tk.Run(context.Background())
	assert.Equal(t, StatusComplete, tk.Status())
}

func TestRun_WhenEvaluationErrorIsTaskError(t *testing.T) {
	owner := newFakeOwner()
	spec := mustSpec(t, map[string]any{
		"name": "badwhen",
		"when": "{{ malformed",
	})

	tk, err := New(spec, func(context.Context, *Task) (any, error) {
		return nil, nil
	}, Deps{Owner: owner})
	require.NoError(t, err)

	tk.Run(context.Background())

	assert.Equal(t, StatusError, tk.Status())
	require.NotEmpty(t, tk.Meta().Errors)
	assert.Contains(t, tk.Meta().Errors[0], "when condition")
}

func TestRun_TerminateBlocksFurtherAttempts(t *testing.T) {
	spec := mustSpec(t, map[string]any{
		"name":  "cancelled",
		"retry": map[string]any{"max_attempts": 10, "delay_seconds": 0.01},
	})

	calls := 0
	var tk *Task
	var err error
	tk, err = New(spec, func(context.Context, *Task) (any, error) {
		calls++
		tk.Terminate()
		return nil, errors.New("fails")
	}, Deps{Owner: newFakeOwner()})
	require.NoError(t, err)

	tk.Run(context.Background())

	assert.Equal(t, StatusError, tk.Status())
	assert.Equal(t, 1, calls, "no retry may begin after Terminate")
}

func TestRun_ContextCancelled(t *testing.T) {
	spec := mustSpec(t, map[string]any{"name": "ctx"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tk, err := New(spec, func(context.Context, *Task) (any, error) {
		t.Error("method must not run with a cancelled context")
		return nil, nil
	}, Deps{Owner: newFakeOwner()})
	require.NoError(t, err)

	tk.Run(ctx)
	assert.Equal(t, StatusError, tk.Status())
}

func TestRun_OnCompleteFollowUpsOnce(t *testing.T) {
	owner := newFakeOwner()
	spec := mustSpec(t, map[string]any{
		"name": "hooked",
		"on": map[string]any{
			"complete": []any{
				map[string]any{"dummy": map[string]any{"name": "next-1"}},
				map[string]any{"dummy": map[string]any{"name": "next-2"}},
			},
		},
	})

	tk, err := New(spec, func(context.Context, *Task) (any, error) {
		return nil, nil
	}, Deps{Owner: owner})
	require.NoError(t, err)

	tk.Run(context.Background())

	assert.Equal(t, 2, owner.followUpCount())
}

func TestRun_ResultAsLockedRespectsFirstWriter(t *testing.T) {
	owner := newFakeOwner()
	run := func(name, value string) {
		spec := mustSpec(t, map[string]any{
			"name":      name,
			"result_as": map[string]any{"name": "shared", "mode": "locked"},
		})
		tk, err := New(spec, func(context.Context, *Task) (any, error) {
			return value, nil
		}, Deps{Owner: owner})
		require.NoError(t, err)
		tk.Run(context.Background())
		assert.Equal(t, StatusComplete, tk.Status())
	}

	run("writer-1", "first")
	run("writer-2", "second")

	v, _ := owner.vars.Get("shared")
	assert.Equal(t, "first", v)
}

func TestRun_WithVarsInjection(t *testing.T) {
	owner := newFakeOwner()
	owner.vars.Set("a", 1)
	owner.vars.Set("b", 2)

	t.Run("single name injects bare value", func(t *testing.T) {
		spec := mustSpec(t, map[string]any{"name": "w", "with_vars": []any{"a"}})
		var got any
		tk, err := New(spec, func(_ context.Context, tk *Task) (any, error) {
			got = tk.Data()
			return nil, nil
		}, Deps{Owner: owner})
		require.NoError(t, err)
		tk.Run(context.Background())
		assert.Equal(t, 1, got)
	})

	t.Run("multiple names inject a mapping", func(t *testing.T) {
		spec := mustSpec(t, map[string]any{"name": "w", "with_vars": []any{"a", "b"}})
		var got any
		tk, err := New(spec, func(_ context.Context, tk *Task) (any, error) {
			got = tk.Data()
			return nil, nil
		}, Deps{Owner: owner})
		require.NoError(t, err)
		tk.Run(context.Background())
		assert.Equal(t, map[string]any{"a": 1, "b": 2}, got)
	})
}

func TestRun_RetryDelayWaits(t *testing.T) {
	spec := mustSpec(t, map[string]any{
		"name":  "delayed",
		"retry": map[string]any{"max_attempts": 2, "delay_seconds": 0.05},
	})

	tk, err := New(spec, func(context.Context, *Task) (any, error) {
		return nil, errors.New("always")
	}, Deps{Owner: newFakeOwner()})
	require.NoError(t, err)

	started := time.Now()
	tk.Run(context.Background())

	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
}

func TestParseSpec(t *testing.T) {
	t.Run("missing name", func(t *testing.T) {
		_, err := ParseSpec(map[string]any{"description": "no name"})
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("invalid retry attempts", func(t *testing.T) {
		_, err := ParseSpec(map[string]any{
			"name":  "x",
			"retry": map[string]any{"max_attempts": -1},
		})
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("invalid retry regex", func(t *testing.T) {
		_, err := ParseSpec(map[string]any{
			"name":  "x",
			"retry": map[string]any{"when_error_like": "(unclosed"},
		})
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("unknown hook", func(t *testing.T) {
		_, err := ParseSpec(map[string]any{
			"name": "x",
			"on":   map[string]any{"finished": []any{}},
		})
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("result_as string form", func(t *testing.T) {
		spec, err := ParseSpec(map[string]any{"name": "x", "result_as": "out"})
		require.NoError(t, err)
		a, err := spec.Assignment()
		require.NoError(t, err)
		assert.Equal(t, "out", a.Name)
	})

	t.Run("result_as mapping form", func(t *testing.T) {
		spec, err := ParseSpec(map[string]any{
			"name": "x",
			"result_as": map[string]any{
				"name": "out", "mode": "append", "include": []any{"id"},
			},
		})
		require.NoError(t, err)
		a, err := spec.Assignment()
		require.NoError(t, err)
		assert.Equal(t, variables.ModeAppend, a.Mode)
		assert.Equal(t, []string{"id"}, a.Include)
	})

	t.Run("result_as bad mode", func(t *testing.T) {
		spec, err := ParseSpec(map[string]any{
			"name":      "x",
			"result_as": map[string]any{"name": "out", "mode": "bogus"},
		})
		require.NoError(t, err)
		_, err = spec.Assignment()
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("blocking defaults to true", func(t *testing.T) {
		spec, err := ParseSpec(map[string]any{"name": "x"})
		require.NoError(t, err)
		assert.True(t, spec.IsBlocking())

		spec, err = ParseSpec(map[string]any{"name": "x", "blocking": false})
		require.NoError(t, err)
		assert.False(t, spec.IsBlocking())
	})
}
