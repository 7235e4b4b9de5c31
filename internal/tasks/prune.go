package tasks

import (
	"context"
	"fmt"

	"github.com/kmiyazaki/taskchain/internal/chain"
	"github.com/kmiyazaki/taskchain/internal/task"
)

type pruneConfig struct {
	PreviousResults bool     `mapstructure:"previous_results"`
	Variables       []string `mapstructure:"variables"`
	AllVariables    bool     `mapstructure:"all_variables"`
}

// NewPrune builds a task that releases memory held by earlier task results
// and stored variables. It reports a rough byte estimate of what was
// dropped.
func NewPrune(cfg map[string]any, c *chain.Chain) (*task.Task, error) {
	var kindCfg pruneConfig
	spec, err := decodeKind(cfg, &kindCfg)
	if err != nil {
		return nil, err
	}
	if !kindCfg.PreviousResults && !kindCfg.AllVariables && len(kindCfg.Variables) == 0 {
		return nil, fmt.Errorf("%w: task %q: prune requires previous_results, variables, or all_variables",
			task.ErrConfiguration, spec.Name)
	}

	method := func(ctx context.Context, t *task.Task) (any, error) {
		pruned := 0

		if kindCfg.PreviousResults {
			pos := c.PositionOf(t)
			for i, prev := range c.Tasks() {
				if pos >= 0 && i >= pos {
					break
				}
				if !task.IsTerminal(prev.Status()) {
					continue
				}
				if result := prev.Result(); result != nil {
					pruned += estimateSize(result)
					prev.ClearResult()
				}
			}
		}

		vars := c.Variables()
		if kindCfg.AllVariables {
			for _, v := range vars.Snapshot() {
				pruned += estimateSize(v)
			}
			vars.Clear()
		} else {
			for _, name := range kindCfg.Variables {
				if v, ok := vars.Get(name); ok {
					pruned += estimateSize(v)
					vars.Delete(name)
				}
			}
		}

		return map[string]any{"total_bytes_pruned": pruned}, nil
	}
	return task.New(spec, method, c.TaskDeps())
}

// estimateSize approximates the memory footprint of a value by its printed
// length. Coarse, but proportional enough for pruning reports.
func estimateSize(v any) int {
	return len(fmt.Sprint(v))
}
