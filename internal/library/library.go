// Package library keeps a directory of chain templates loaded in memory,
// optionally hot-reloading on filesystem changes.
package library

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kmiyazaki/taskchain/internal/chain"
)

// Library indexes chain templates by file stem. Load fills the index from
// disk; Watch keeps it current afterwards.
type Library struct {
	dir    string
	logger *log.Logger

	mu        sync.Mutex
	templates map[string]map[string]any

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a library over dir. Nothing is read until Load.
func New(dir string, logger *log.Logger) *Library {
	if logger == nil {
		logger = log.Default()
	}
	return &Library{
		dir:       dir,
		logger:    logger.With("library", dir),
		templates: map[string]map[string]any{},
	}
}

// Load scans the directory and parses every template file. Files that fail
// to parse are skipped with a warning so one bad template cannot take down
// the whole library.
func (l *Library) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read template directory: %w", err)
	}

	loaded := map[string]map[string]any{}
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		tmpl, err := parseTemplateFile(path)
		if err != nil {
			l.logger.Warn("skipping template", "file", entry.Name(), "err", err)
			continue
		}
		loaded[stem(entry.Name())] = tmpl
	}

	l.mu.Lock()
	l.templates = loaded
	l.mu.Unlock()

	l.logger.Info("templates loaded", "count", len(loaded))
	return nil
}

// Get returns the template registered under name.
func (l *Library) Get(name string) (map[string]any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tmpl, ok := l.templates[name]
	return tmpl, ok
}

// Names lists registered template names in sorted order.
func (l *Library) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of registered templates.
func (l *Library) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.templates)
}

// Build constructs a runnable chain from a registered template.
func (l *Library) Build(name string, reg chain.Registry, opts ...chain.Option) (*chain.Chain, error) {
	tmpl, ok := l.Get(name)
	if !ok {
		return nil, fmt.Errorf("no template named %q", name)
	}
	return chain.FromTemplate(tmpl, reg, opts...)
}

// Watch starts a filesystem watcher that reloads templates on write and
// create events, and drops them on remove and rename. Stop with Close.
func (l *Library) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.watcher = watcher
	l.done = make(chan struct{})

	l.wg.Add(1)
	go l.watchLoop()
	return nil
}

// Close stops the watcher, if running.
func (l *Library) Close() {
	if l.watcher == nil {
		return
	}
	close(l.done)
	l.watcher.Close()
	l.wg.Wait()
	l.watcher = nil
}

func (l *Library) watchLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !isTemplateFile(filepath.Base(event.Name)) {
				continue
			}
			l.logger.Debug("fsnotify event", "op", event.Op.String(), "file", event.Name)
			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				l.reload(event.Name)
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				l.drop(event.Name)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "err", err)
		}
	}
}

func (l *Library) reload(path string) {
	tmpl, err := parseTemplateFile(path)
	if err != nil {
		l.logger.Warn("reload failed", "file", path, "err", err)
		return
	}
	name := stem(filepath.Base(path))

	l.mu.Lock()
	l.templates[name] = tmpl
	l.mu.Unlock()

	l.logger.Info("template reloaded", "name", name)
}

func (l *Library) drop(path string) {
	name := stem(filepath.Base(path))

	l.mu.Lock()
	_, existed := l.templates[name]
	delete(l.templates, name)
	l.mu.Unlock()

	if existed {
		l.logger.Info("template removed", "name", name)
	}
}

func isTemplateFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func parseTemplateFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}

	var tmpl map[string]any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return nil, fmt.Errorf("parse json template: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &tmpl); err != nil {
			return nil, fmt.Errorf("parse yaml template: %w", err)
		}
	}
	if len(tmpl) != 1 {
		return nil, fmt.Errorf("template must have exactly one top-level chain kind, got %d keys", len(tmpl))
	}
	return tmpl, nil
}
