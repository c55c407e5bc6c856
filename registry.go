package pybridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RegistryEntry records one known environment.
type RegistryEntry struct {
	// Name is the registered name, e.g. "whisper-large-cuda".
	Name string `json:"name"`

	// Path is the environment root.
	Path string `json:"path"`

	// ComputeBackend is the accelerator tag, e.g. "cuda", or empty.
	ComputeBackend string `json:"computeBackend,omitempty"`

	// Created is when the entry was registered.
	Created time.Time `json:"created"`
}

type registryFile struct {
	Environments []RegistryEntry `json:"environments"`
}

// Registry is the JSON-persisted index of known environments. It can reload
// itself when another process rewrites the file.
type Registry struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]RegistryEntry
}

// OpenRegistry loads the registry stored at path. A missing file is an empty
// registry.
func OpenRegistry(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:    path,
		logger:  logger.With("component", "registry"),
		entries: map[string]RegistryEntry{},
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the registry file.
func (r *Registry) Path() string { return r.path }

// Reload replaces the in-memory entries with the file's contents.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.mu.Lock()
		r.entries = map[string]RegistryEntry{}
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}
	var f registryFile
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parse registry %s: %w", r.path, err)
		}
	}
	entries := make(map[string]RegistryEntry, len(f.Environments))
	for _, e := range f.Environments {
		entries[e.Name] = e
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Entries returns a copy of all entries sorted by name.
func (r *Registry) Entries() []RegistryEntry {
	r.mu.RLock()
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register adds or replaces an entry and saves the registry.
func (r *Registry) Register(e RegistryEntry) error {
	if e.Name == "" || e.Path == "" {
		return fmt.Errorf("%w: registry entry needs a name and a path", ErrArgument)
	}
	if e.Created.IsZero() {
		e.Created = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name] = e
	return r.saveLocked()
}

// Remove deletes the entry registered under name and saves the registry.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return nil
	}
	delete(r.entries, name)
	return r.saveLocked()
}

// RemovePath deletes every entry pointing at path.
func (r *Registry) RemovePath(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := false
	for name, e := range r.entries {
		if filepath.Clean(e.Path) == filepath.Clean(path) {
			delete(r.entries, name)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	f := registryFile{Environments: make([]RegistryEntry, 0, len(r.entries))}
	for _, e := range r.entries {
		f.Environments = append(f.Environments, e)
	}
	sort.Slice(f.Environments, func(i, j int) bool { return f.Environments[i].Name < f.Environments[j].Name })
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

// Watch reloads the registry whenever its file is written, created or
// renamed into place, until ctx is done. onReload, if set, runs after each
// successful reload. The directory is watched rather than the file, so
// atomic replacements are seen.
func (r *Registry) Watch(ctx context.Context, onReload func()) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("watch registry: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch registry: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch registry: %w", err)
	}

	target := filepath.Clean(r.path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Warn("registry reload failed", "path", r.path, "error", err)
					continue
				}
				r.logger.Debug("registry reloaded", "path", r.path, "op", ev.Op.String())
				if onReload != nil {
					onReload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("registry watch error", "error", err)
			}
		}
	}()
	return nil
}
