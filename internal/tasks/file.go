package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/kmiyazaki/taskchain/internal/chain"
	"github.com/kmiyazaki/taskchain/internal/fileio"
	"github.com/kmiyazaki/taskchain/internal/task"
)

type fileConfig struct {
	Path        string   `mapstructure:"path" validate:"required"`
	Mode        string   `mapstructure:"mode" validate:"omitempty,oneof=read write append"`
	Format      string   `mapstructure:"format" validate:"omitempty,oneof=yaml json raw"`
	DesiredKeys []string `mapstructure:"desired_keys"`
}

// NewFile builds a task that reads or writes a YAML, JSON or raw file.
// Reads return the parsed document, optionally projected to desired_keys;
// writes serialize the task's data directive.
func NewFile(cfg map[string]any, c *chain.Chain) (*task.Task, error) {
	var kindCfg fileConfig
	spec, err := decodeKind(cfg, &kindCfg)
	if err != nil {
		return nil, err
	}
	if kindCfg.Mode == "" {
		kindCfg.Mode = "read"
	}
	if kindCfg.Format == "" {
		kindCfg.Format = formatFromExtension(kindCfg.Path)
	}

	method := func(ctx context.Context, t *task.Task) (any, error) {
		switch kindCfg.Mode {
		case "read":
			return readFile(kindCfg)
		default:
			return writeFile(kindCfg, t.Data())
		}
	}
	return task.New(spec, method, c.TaskDeps())
}

func formatFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "raw"
	}
}

func readFile(cfg fileConfig) (any, error) {
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", cfg.Path, err)
	}

	var doc any
	switch cfg.Format {
	case "yaml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %q as yaml: %w", cfg.Path, err)
		}
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %q as json: %w", cfg.Path, err)
		}
	default:
		doc = string(data)
	}

	if len(cfg.DesiredKeys) > 0 {
		if m, err := cast.ToStringMapE(doc); err == nil {
			projected := map[string]any{}
			for _, key := range cfg.DesiredKeys {
				if v, ok := m[key]; ok {
					projected[key] = v
				}
			}
			return projected, nil
		}
	}
	return doc, nil
}

func writeFile(cfg fileConfig, data any) (any, error) {
	var out []byte
	var err error
	switch cfg.Format {
	case "yaml":
		out, err = yaml.Marshal(data)
	case "json":
		out, err = json.MarshalIndent(data, "", "  ")
	default:
		out = []byte(cast.ToString(data))
	}
	if err != nil {
		return nil, fmt.Errorf("serialize for %q: %w", cfg.Path, err)
	}

	if cfg.Mode == "append" {
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", cfg.Path, err)
		}
		defer f.Close()
		n, err := f.Write(out)
		if err != nil {
			return nil, fmt.Errorf("append %q: %w", cfg.Path, err)
		}
		return map[string]any{"path": cfg.Path, "bytes_written": n}, nil
	}

	if err := fileio.AtomicWrite(cfg.Path, out, 0o644); err != nil {
		return nil, fmt.Errorf("write %q: %w", cfg.Path, err)
	}
	return map[string]any{"path": cfg.Path, "bytes_written": len(out)}, nil
}
