// Package scriptengine discovers and hot-loads the Lua chain scripts
// that drive the runtime. Each load gets a fresh, isolated *lua.LState
// so a reload never shares state with the version it replaces.
package scriptengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/zjrosen/stepcore/internal/log"
)

// Script is one loaded, isolated chain script.
type Script struct {
	Name    string // slash-separated relative path, extension stripped
	Path    string // absolute filesystem path
	ModTime time.Time
	State   *lua.LState
	Entry   *lua.LFunction
}

// Loader discovers ".lua" scripts under Root and loads them into
// isolated Lua states, resolving an entry function by naming convention
// and detecting on-disk changes for hot reload.
type Loader struct {
	mu      sync.Mutex
	root    string
	scripts map[string]*Script
}

// New creates a loader rooted at root.
func New(root string) *Loader {
	return &Loader{root: root, scripts: make(map[string]*Script)}
}

// ListAvailable recursively scans Root for ".lua" files, skipping any
// path segment beginning with "_". Each script is identified by its
// relative path with the extension removed, forward-slash separated.
func (l *Loader) ListAvailable() ([]string, error) {
	var names []string
	err := filepath.WalkDir(l.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == l.root {
				return nil
			}
			return err
		}
		base := d.Name()
		if base != filepath.Base(l.root) && strings.HasPrefix(base, "_") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || filepath.Ext(p) != ".lua" {
			return nil
		}
		rel, relErr := filepath.Rel(l.root, p)
		if relErr != nil {
			return relErr
		}
		rel = strings.TrimSuffix(rel, ".lua")
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning scripts under %s: %w", l.root, err)
	}
	return names, nil
}

func (l *Loader) pathFor(name string) string {
	return filepath.Join(l.root, filepath.FromSlash(name)+".lua")
}

// Load loads (or reloads) one script by name into a fresh isolated Lua
// state, resolving its entry function. Any previously loaded script is
// removed from the registry but its state is not closed: a chain still
// ticking against the old version keeps it alive until it swaps.
func (l *Loader) Load(name string) (*Script, error) {
	path := l.pathFor(name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, name)
		}
		return nil, fmt.Errorf("stating script %s: %w", name, err)
	}

	L := lua.NewState()
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("loading script %s: %w", name, err)
	}

	entry, err := resolveEntry(L, name)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("script %s: %w", name, err)
	}

	script := &Script{
		Name:    name,
		Path:    path,
		ModTime: info.ModTime(),
		State:   L,
		Entry:   entry,
	}

	l.mu.Lock()
	l.scripts[name] = script
	l.mu.Unlock()

	log.Info(log.CatLoader, "loaded script", "name", name, "path", path)
	return script, nil
}

// Get returns a previously loaded script by name.
func (l *Loader) Get(name string) (*Script, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scripts[name]
	return s, ok
}

// Loaded returns the names of all currently loaded scripts.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.scripts))
	for name := range l.scripts {
		names = append(names, name)
	}
	return names
}

// UnloadScript forgets a loaded script. The Lua state itself is not
// closed here; a chain still holding the script keeps it alive until it
// stops or swaps. No-op if the script was never loaded.
func (l *Loader) UnloadScript(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.scripts[name]; ok {
		delete(l.scripts, name)
		log.Info(log.CatLoader, "unloaded script", "name", name)
	}
}

// ReloadAll force-reloads every currently loaded script, returning the
// names that reloaded successfully. A script that fails to reload keeps
// its previous entry function and is reported via the returned error.
func (l *Loader) ReloadAll() ([]string, error) {
	var reloaded []string
	var errs []string
	for _, name := range l.Loaded() {
		if _, err := l.Load(name); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		reloaded = append(reloaded, name)
	}
	if len(errs) > 0 {
		return reloaded, fmt.Errorf("reload_all: %s", strings.Join(errs, "; "))
	}
	return reloaded, nil
}

// CheckForUpdates compares the on-disk mtime of every known script
// against the mtime recorded at last load, reloading changed files and
// unloading files that have disappeared from disk. Returns the names
// that were reloaded.
func (l *Loader) CheckForUpdates() ([]string, error) {
	var reloaded []string
	var errs []string

	for _, name := range l.Loaded() {
		l.mu.Lock()
		s := l.scripts[name]
		l.mu.Unlock()
		if s == nil {
			continue
		}

		info, err := os.Stat(s.Path)
		if err != nil {
			if os.IsNotExist(err) {
				l.UnloadScript(name)
				continue
			}
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		if info.ModTime().After(s.ModTime) {
			if _, err := l.Load(name); err != nil {
				errs = append(errs, err.Error())
				continue
			}
			reloaded = append(reloaded, name)
		}
	}

	if len(errs) > 0 {
		return reloaded, fmt.Errorf("check_for_updates: %s", strings.Join(errs, "; "))
	}
	return reloaded, nil
}

// Close unloads every loaded script.
func (l *Loader) Close() {
	for _, name := range l.Loaded() {
		l.UnloadScript(name)
	}
}
