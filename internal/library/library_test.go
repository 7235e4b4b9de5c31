package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmiyazaki/taskchain/internal/task"
	"github.com/kmiyazaki/taskchain/internal/tasks"
)

const reportTemplate = `
report:
  name: daily-report
  tasks:
    - dummy:
        name: t1
        data: hello
        result_as: out
`

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLibraryLoad(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "daily.yaml", reportTemplate)
	writeTemplate(t, dir, "weekly.yml", reportTemplate)
	writeTemplate(t, dir, "hourly.json", `{"report": {"name": "hourly", "tasks": [{"dummy": {"name": "t1"}}]}}`)
	writeTemplate(t, dir, "notes.txt", "not a template")
	writeTemplate(t, dir, "broken.yaml", "a: [unclosed")

	lib := New(dir, nil)
	require.NoError(t, lib.Load())

	assert.Equal(t, 3, lib.Len())
	assert.Equal(t, []string{"daily", "hourly", "weekly"}, lib.Names())

	_, ok := lib.Get("notes")
	assert.False(t, ok)
	_, ok = lib.Get("broken")
	assert.False(t, ok)
}

func TestLibraryLoadMissingDirectory(t *testing.T) {
	lib := New(filepath.Join(t.TempDir(), "absent"), nil)
	require.Error(t, lib.Load())
}

func TestLibraryBuild(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "daily.yaml", reportTemplate)

	lib := New(dir, nil)
	require.NoError(t, lib.Load())

	c, err := lib.Build("daily", tasks.DefaultRegistry())
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, task.StatusComplete, c.Status())

	out, ok := c.Variables().Get("out")
	require.True(t, ok)
	assert.Equal(t, "hello", out)

	_, err = lib.Build("absent", tasks.DefaultRegistry())
	require.Error(t, err)
}

func TestLibraryWatchReloadsChanges(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "daily.yaml", reportTemplate)

	lib := New(dir, nil)
	require.NoError(t, lib.Load())
	require.NoError(t, lib.Watch())
	defer lib.Close()

	writeTemplate(t, dir, "fresh.yaml", reportTemplate)
	waitFor(t, func() bool {
		_, ok := lib.Get("fresh")
		return ok
	})

	require.NoError(t, os.Remove(filepath.Join(dir, "daily.yaml")))
	waitFor(t, func() bool {
		_, ok := lib.Get("daily")
		return !ok
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
