// Package variables implements the shared variable namespace of a task
// chain. Values are arbitrary structured data (scalars, slices, nested
// maps) written by tasks via result_as assignments and read back through
// dotted-path lookups.
package variables

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"dario.cat/mergo"
)

// Mode controls how an assignment combines a new result with the value
// already stored under the same name.
type Mode string

const (
	// ModeOverwrite replaces the stored value. Default.
	ModeOverwrite Mode = "overwrite"
	// ModeAppend appends the result as a single element to a stored list.
	ModeAppend Mode = "append"
	// ModeExtend concatenates a result list onto a stored list.
	ModeExtend Mode = "extend"
	// ModeMerge deep-merges a result mapping into a stored mapping.
	ModeMerge Mode = "merge"
	// ModeLocked writes once and rejects later locked writes to the same
	// name. Assignments using a different mode still overwrite the value;
	// the lock binds writers that opted into it, not the name itself.
	ModeLocked Mode = "locked"
)

// Assignment is the parsed form of a task's result_as directive.
type Assignment struct {
	Name    string   `mapstructure:"name" validate:"required"`
	Mode    Mode     `mapstructure:"mode" validate:"omitempty,oneof=overwrite append extend merge locked"`
	Include []string `mapstructure:"include"`
}

// Store is a concurrency-safe name → value namespace shared by every task
// in a chain. Writes from concurrently completing pool tasks serialize on
// a single mutex so merges never lose updates.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
	locked map[string]bool
}

func New() *Store {
	return &Store{
		values: make(map[string]any),
		locked: make(map[string]bool),
	}
}

// Set stores a value under name, replacing whatever was there.
func (s *Store) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Get returns the value stored under name.
func (s *Store) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// GetByNames returns a map of the requested names to their stored values.
// Names with no stored value are omitted.
func (s *Store) GetByNames(names ...string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]any, len(names))
	for _, name := range names {
		if v, ok := s.values[name]; ok {
			result[name] = v
		}
	}
	return result
}

// Snapshot returns a shallow copy of the whole namespace, suitable for use
// as a template rendering context.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make(map[string]any, len(s.values))
	for k, v := range s.values {
		copied[k] = v
	}
	return copied
}

// Len returns the number of stored variables.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Clear removes every stored variable and releases all locks.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
	s.locked = make(map[string]bool)
}

// Delete removes a single variable.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
}

// Apply writes value according to the assignment's mode. The whole
// operation holds the store lock so concurrent appends and merges from
// pool workers cannot interleave.
func (s *Store) Apply(a Assignment, value any) error {
	if a.Name == "" {
		return fmt.Errorf("assignment has no variable name")
	}
	if len(a.Include) > 0 {
		value = project(value, a.Include)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mode := a.Mode
	if mode == "" {
		mode = ModeOverwrite
	}

	switch mode {
	case ModeOverwrite:
		s.values[a.Name] = value

	case ModeLocked:
		// First locked writer wins. A later task using a different
		// result_as mode may still overwrite via the branches above.
		if s.locked[a.Name] {
			return nil
		}
		s.values[a.Name] = value
		s.locked[a.Name] = true

	case ModeAppend:
		existing, ok := s.values[a.Name].([]any)
		if !ok {
			if s.values[a.Name] != nil {
				return fmt.Errorf("variable %q is not a list; cannot append", a.Name)
			}
			existing = nil
		}
		s.values[a.Name] = append(existing, value)

	case ModeExtend:
		existing, ok := s.values[a.Name].([]any)
		if !ok {
			if s.values[a.Name] != nil {
				return fmt.Errorf("variable %q is not a list; cannot extend", a.Name)
			}
			existing = nil
		}
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("result for variable %q is not a list; cannot extend", a.Name)
		}
		s.values[a.Name] = append(existing, items...)

	case ModeMerge:
		existing, ok := s.values[a.Name].(map[string]any)
		if !ok {
			if s.values[a.Name] != nil {
				return fmt.Errorf("variable %q is not a mapping; cannot merge", a.Name)
			}
			existing = make(map[string]any)
		}
		incoming, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("result for variable %q is not a mapping; cannot merge", a.Name)
		}
		merged := make(map[string]any, len(existing))
		for k, v := range existing {
			merged[k] = v
		}
		if err := mergo.Merge(&merged, incoming, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge variable %q: %w", a.Name, err)
		}
		s.values[a.Name] = merged

	default:
		return fmt.Errorf("unknown assignment mode %q for variable %q", mode, a.Name)
	}

	return nil
}

// Walk resolves a dotted path like "report.rows[0].id" against the store.
// The first path segment is the variable name; the remainder traverses
// nested maps and list indices.
func (s *Store) Walk(path string) (any, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty variable path")
	}

	name, ok := segments[0].(string)
	if !ok {
		return nil, fmt.Errorf("variable path %q must start with a name", path)
	}

	s.mu.RLock()
	root, found := s.values[name]
	s.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("variable %q is not assigned", name)
	}

	return walkValue(root, segments[1:], path)
}

// WalkPath resolves a dotted path against an arbitrary root value. Used by
// the templating layer to resolve item.* references during iteration.
func WalkPath(root any, path string) (any, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	return walkValue(root, segments, path)
}

// walkValue traverses nested maps and slices following the parsed segments.
func walkValue(current any, segments []any, path string) (any, error) {
	for _, seg := range segments {
		switch key := seg.(type) {
		case string:
			m, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("path %q: segment %q applied to non-mapping value", path, key)
			}
			current, ok = m[key]
			if !ok {
				return nil, fmt.Errorf("path %q: key %q not found", path, key)
			}
		case int:
			list, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("path %q: index [%d] applied to non-list value", path, key)
			}
			if key < 0 || key >= len(list) {
				return nil, fmt.Errorf("path %q: index [%d] out of range (len %d)", path, key, len(list))
			}
			current = list[key]
		}
	}
	return current, nil
}

// splitPath parses "a.b[1].c" into ["a", "b", 1, "c"].
func splitPath(path string) ([]any, error) {
	var segments []any
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		for {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				segments = append(segments, part)
				break
			}
			if open > 0 {
				segments = append(segments, part[:open])
			}
			closing := strings.IndexByte(part, ']')
			if closing < open {
				return nil, fmt.Errorf("malformed index in path segment %q", part)
			}
			idx, err := strconv.Atoi(part[open+1 : closing])
			if err != nil {
				return nil, fmt.Errorf("malformed index in path segment %q: %w", part, err)
			}
			segments = append(segments, idx)
			part = part[closing+1:]
			if part == "" {
				break
			}
		}
	}
	return segments, nil
}

// project keeps only the requested top-level keys of a mapping result.
// Non-mapping values pass through unchanged.
func project(value any, include []string) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	out := make(map[string]any, len(include))
	for _, key := range include {
		if v, ok := m[key]; ok {
			out[key] = v
		}
	}
	return out
}
