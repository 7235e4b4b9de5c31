package tasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmiyazaki/taskchain/internal/chain"
)

func TestFileWriteThenReadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	c := buildChain(t, chain.Config{
		Name: "file-roundtrip",
		Tasks: []map[string]any{
			{"file": map[string]any{
				"name": "write",
				"path": path,
				"mode": "write",
				"data": map[string]any{"region": "us-east-1", "count": 3},
			}},
			{"file": map[string]any{
				"name":      "read",
				"path":      path,
				"result_as": "doc",
			}},
		},
	})
	require.NoError(t, c.Run(context.Background()))

	doc, ok := c.Variables().Get("doc")
	require.True(t, ok)
	m := doc.(map[string]any)
	assert.Equal(t, "us-east-1", m["region"])
	assert.Equal(t, 3, m["count"])
}

func TestFileReadJSONWithDesiredKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a": 1, "b": 2, "c": 3}`), 0o644))

	c := buildChain(t, chain.Config{
		Name: "file-projected",
		Tasks: []map[string]any{
			{"file": map[string]any{
				"name":         "read",
				"path":         path,
				"desired_keys": []string{"a", "c"},
				"result_as":    "doc",
			}},
		},
	})
	require.NoError(t, c.Run(context.Background()))

	doc, ok := c.Variables().Get("doc")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": float64(1), "c": float64(3)}, doc)
}

func TestFileRawAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	c := buildChain(t, chain.Config{
		Name: "file-append",
		Tasks: []map[string]any{
			{"file": map[string]any{"name": "w1", "path": path, "mode": "write", "data": "one\n"}},
			{"file": map[string]any{"name": "w2", "path": path, "mode": "append", "data": "two\n"}},
			{"file": map[string]any{"name": "read", "path": path, "result_as": "content"}},
		},
	})
	require.NoError(t, c.Run(context.Background()))

	content, ok := c.Variables().Get("content")
	require.True(t, ok)
	assert.Equal(t, "one\ntwo\n", content)
}

func TestFileReadMissing(t *testing.T) {
	c := buildChain(t, chain.Config{
		Name: "file-missing",
		Tasks: []map[string]any{
			{"file": map[string]any{"name": "read", "path": filepath.Join(t.TempDir(), "nope.yaml")}},
		},
	})

	err := c.Run(context.Background())
	require.Error(t, err)
	failed := c.FindTaskByName("read")
	require.NotNil(t, failed)
	assert.Contains(t, failed.Meta().Errors[0], "read")
}
