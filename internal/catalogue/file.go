package catalogue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/nfrund/hookscript/internal/script"
	"github.com/nfrund/hookscript/internal/storage"
	"go.yaml.in/yaml/v3"
)

var scriptExtensions = []string{".yaml", ".yml"}

// Rejected is a record the last reload skipped
type Rejected struct {
	Path string
	Err  error
}

// File keeps one YAML record per script in a directory of a storage.Store.
// Records are indexed in memory; error counters are not written back.
type File struct {
	store storage.Store
	dir   string
	index *Memory

	mu       sync.Mutex
	paths    map[script.ScriptID]string
	rejected []Rejected

	watchMu       sync.Mutex
	watcher       *fsnotify.Watcher
	watcherActive bool
}

// NewFile creates a file catalogue over dir and loads it
func NewFile(ctx context.Context, store storage.Store, dir string) (*File, error) {
	f := &File{
		store: store,
		dir:   dir,
		index: &Memory{scripts: make(map[script.ScriptID]*script.Script)},
		paths: make(map[script.ScriptID]string),
	}
	if err := f.Reload(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads every record in the directory. Records that fail to decode
// or validate are skipped with a warning, as are later records reusing a
// name.
func (f *File) Reload(ctx context.Context) error {
	files, err := f.store.List(ctx, f.dir, scriptExtensions...)
	if err != nil {
		return fmt.Errorf("failed to list scripts in %s: %w", f.dir, err)
	}

	scripts := make([]*script.Script, 0, len(files))
	paths := make(map[script.ScriptID]string, len(files))
	names := make(map[string]string, len(files))
	var rejected []Rejected
	for _, path := range files {
		s, err := f.readRecord(ctx, path)
		if err != nil {
			slog.Warn("Skipping script record", "path", path, "error", err)
			rejected = append(rejected, Rejected{Path: path, Err: err})
			continue
		}
		if other, taken := names[s.Name]; taken {
			slog.Warn("Skipping script record with duplicate name", "path", path, "name", s.Name, "first", other)
			rejected = append(rejected, Rejected{Path: path, Err: fmt.Errorf("%w: %s also used by %s", ErrDuplicateName, s.Name, other)})
			continue
		}
		if _, taken := paths[s.ID]; taken {
			slog.Warn("Skipping script record with duplicate id", "path", path, "id", s.ID)
			rejected = append(rejected, Rejected{Path: path, Err: fmt.Errorf("duplicate script id %s", s.ID)})
			continue
		}
		names[s.Name] = path
		paths[s.ID] = path
		scripts = append(scripts, s)
	}

	f.mu.Lock()
	f.paths = paths
	f.rejected = rejected
	f.mu.Unlock()

	f.index.replace(scripts)
	slog.Debug("Loaded script catalogue", "directory", f.dir, "scripts", len(scripts), "files", len(files))
	return nil
}

func (f *File) readRecord(ctx context.Context, path string) (*script.Script, error) {
	r, err := f.store.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var s script.Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	if s.ID == "" {
		s.ID = script.ScriptID(recordName(path))
	}
	if s.Trigger.Kind == script.TriggerAPI {
		s.Trigger.Method = strings.ToUpper(s.Trigger.Method)
	}
	prepared := prepare(&s)
	if err := Validate(prepared); err != nil {
		return nil, err
	}
	return prepared, nil
}

// Rejected lists the records the last reload skipped, in path order
func (f *File) Rejected() []Rejected {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Rejected, len(f.rejected))
	copy(out, f.rejected)
	return out
}

func recordName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (f *File) Get(ctx context.Context, id script.ScriptID) (*script.Script, error) {
	return f.index.Get(ctx, id)
}

func (f *File) GetByName(ctx context.Context, name string) (*script.Script, error) {
	return f.index.GetByName(ctx, name)
}

func (f *File) Find(ctx context.Context, q script.Query) ([]*script.Script, error) {
	return f.index.Find(ctx, q)
}

func (f *File) RecordError(ctx context.Context, id script.ScriptID) error {
	return f.index.RecordError(ctx, id)
}

func (f *File) List(ctx context.Context) ([]*script.Script, error) {
	return f.index.List(ctx)
}

func (f *File) OnChange(fn func()) {
	f.index.OnChange(fn)
}

// Put writes the record to <dir>/<id>.yaml, or over the file it was loaded
// from
func (f *File) Put(ctx context.Context, s *script.Script) (*script.Script, error) {
	if s == nil {
		return nil, Validate(nil)
	}
	prepared := prepare(s)
	if err := Validate(prepared); err != nil {
		return nil, err
	}
	if existing, err := f.index.GetByName(ctx, prepared.Name); err == nil && existing.ID != prepared.ID {
		return nil, ErrDuplicateName
	}

	data, err := yaml.Marshal(prepared)
	if err != nil {
		return nil, fmt.Errorf("failed to encode script %q: %w", prepared.Name, err)
	}

	f.mu.Lock()
	path, ok := f.paths[prepared.ID]
	if !ok {
		path = filepath.Join(f.dir, string(prepared.ID)+".yaml")
	}
	f.mu.Unlock()

	if _, err := f.store.Save(ctx, path, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to write script %q: %w", prepared.Name, err)
	}

	f.mu.Lock()
	f.paths[prepared.ID] = path
	f.mu.Unlock()

	return f.index.Put(ctx, prepared)
}

func (f *File) Delete(ctx context.Context, id script.ScriptID) error {
	f.mu.Lock()
	path, ok := f.paths[id]
	f.mu.Unlock()
	if !ok {
		return script.NewNotFoundError(string(id))
	}

	if err := f.store.Delete(ctx, path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete script %s: %w", id, err)
	}

	f.mu.Lock()
	delete(f.paths, id)
	f.mu.Unlock()

	return f.index.Delete(ctx, id)
}

// StartWatcher reloads the catalogue whenever a record under osDir changes.
// osDir is the directory on disk that backs the store's dir.
func (f *File) StartWatcher(ctx context.Context, osDir string, enableHotReload bool) error {
	if !enableHotReload {
		slog.Info("Hot-reload disabled, skipping script catalogue watcher setup")
		return nil
	}

	f.watchMu.Lock()
	defer f.watchMu.Unlock()

	if f.watcherActive {
		slog.Debug("Script catalogue watcher already active")
		return nil
	}

	if _, err := os.Stat(osDir); os.IsNotExist(err) {
		slog.Debug("Scripts directory does not exist, skipping watcher setup", "path", osDir)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file system watcher: %w", err)
	}
	if err := watcher.Add(osDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", osDir, err)
	}

	f.watcher = watcher
	f.watcherActive = true
	go f.watchFiles(ctx, watcher)

	slog.Debug("Started file system watcher for script hot-reloading", "directory", osDir)
	return nil
}

func (f *File) watchFiles(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() {
		watcher.Close()
		f.watchMu.Lock()
		if f.watcher == watcher {
			f.watcher = nil
			f.watcherActive = false
		}
		f.watchMu.Unlock()
		slog.Info("Script catalogue watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			f.handleFileEvent(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File system watcher error", "error", err)
		}
	}
}

func (f *File) handleFileEvent(ctx context.Context, event fsnotify.Event) {
	if !isScriptFile(event.Name) {
		return
	}

	switch {
	case event.Op&fsnotify.Write == fsnotify.Write,
		event.Op&fsnotify.Create == fsnotify.Create,
		event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		err := f.Reload(ctx)
		script.LogHotReloadEvent(strings.ToLower(event.Op.String()), recordName(event.Name), event.Name, err == nil, err)
	}
}

// StopWatcher stops the file system watcher
func (f *File) StopWatcher() {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	if f.watcher != nil {
		f.watcher.Close()
		f.watcher = nil
	}
	f.watcherActive = false
}

func isScriptFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range scriptExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Shutdown lets the DI container stop the watcher
func (f *File) Shutdown() error {
	f.StopWatcher()
	return nil
}
