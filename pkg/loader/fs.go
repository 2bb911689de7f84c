// Package loader provides template loaders backed by the filesystem, a SQL
// table and HTTP servers.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/neurodesk/jinja/pkg/jinja2"
	"github.com/neurodesk/jinja/pkg/tplerr"
)

// SplitTemplatePath splits a slash separated template name into its
// segments. Names that would escape the search path are misses.
func SplitTemplatePath(name string) ([]string, error) {
	var parts []string
	for _, p := range strings.Split(name, "/") {
		switch {
		case p == "..", strings.ContainsRune(p, filepath.Separator):
			return nil, tplerr.NotFound(name, errors.New("template path escapes the search path"))
		case p != "" && p != ".":
			parts = append(parts, p)
		}
	}
	return parts, nil
}

// FSOption configures a FileSystemLoader.
type FSOption func(*FileSystemLoader)

// WithLogger sets the loader's logger.
func WithLogger(l *slog.Logger) FSOption {
	return func(fl *FileSystemLoader) { fl.logger = l }
}

// WithWatch enables change notification through fsnotify. Templates loaded
// from a watched directory stay up to date until the file changes.
func WithWatch() FSOption {
	return func(fl *FileSystemLoader) { fl.watch = true }
}

// WithExtensions limits List to files with one of the given extensions.
func WithExtensions(exts ...string) FSOption {
	return func(fl *FileSystemLoader) { fl.exts = exts }
}

// FileSystemLoader loads templates from a list of search paths. The first
// path containing the template wins.
type FileSystemLoader struct {
	paths  []string
	logger *slog.Logger
	watch  bool
	exts   []string

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	changes chan string

	mu  sync.RWMutex
	gen map[string]uint64
}

var _ jinja2.Loader = (*FileSystemLoader)(nil)

// NewFileSystemLoader returns a loader over paths. Call Close to stop
// watching.
func NewFileSystemLoader(paths []string, opts ...FSOption) (*FileSystemLoader, error) {
	if len(paths) == 0 {
		return nil, errors.New("at least one search path is required")
	}
	fl := &FileSystemLoader{gen: map[string]uint64{}}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving search path %s: %w", p, err)
		}
		fl.paths = append(fl.paths, abs)
	}
	for _, opt := range opts {
		opt(fl)
	}
	if fl.logger == nil {
		fl.logger = slog.Default()
	}
	if fl.watch {
		if err := fl.startWatch(); err != nil {
			return nil, err
		}
	}
	return fl, nil
}

// SearchPath returns the absolute search paths.
func (fl *FileSystemLoader) SearchPath() []string {
	return append([]string(nil), fl.paths...)
}

func (fl *FileSystemLoader) GetSource(ctx context.Context, name string) (*jinja2.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parts, err := SplitTemplatePath(name)
	if err != nil {
		return nil, err
	}
	for _, dir := range fl.paths {
		file := filepath.Join(append([]string{dir}, parts...)...)
		b, err := os.ReadFile(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading template %s: %w", name, err)
		}
		return &jinja2.Source{Source: string(b), Filename: file, Uptodate: fl.uptodate(file)}, nil
	}
	return nil, tplerr.NotFound(name, nil)
}

// uptodate compares generations when watching and modification times
// otherwise.
func (fl *FileSystemLoader) uptodate(file string) func() bool {
	if fl.watcher != nil {
		g := fl.generation(file)
		return func() bool { return fl.generation(file) == g }
	}
	info, err := os.Stat(file)
	if err != nil {
		return func() bool { return false }
	}
	mtime := info.ModTime()
	return func() bool {
		info, err := os.Stat(file)
		return err == nil && info.ModTime().Equal(mtime)
	}
}

func (fl *FileSystemLoader) generation(file string) uint64 {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.gen[file]
}

// List returns the names of all templates under the search paths, sorted
// and without duplicates.
func (fl *FileSystemLoader) List() ([]string, error) {
	seen := map[string]bool{}
	for _, dir := range fl.paths {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || !fl.listed(p) {
				return nil
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			seen[path.Clean(filepath.ToSlash(rel))] = true
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (fl *FileSystemLoader) listed(p string) bool {
	if len(fl.exts) == 0 {
		return true
	}
	ext := filepath.Ext(p)
	for _, e := range fl.exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func (fl *FileSystemLoader) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	fl.watcher = w
	fl.done = make(chan struct{})
	fl.changes = make(chan string, 16)
	for _, dir := range fl.paths {
		if err := fl.addRecursive(dir); err != nil {
			_ = w.Close()
			return err
		}
	}
	fl.wg.Add(1)
	go fl.watchLoop()
	return nil
}

func (fl *FileSystemLoader) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				fl.logger.Warn("template search path does not exist", "path", p)
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fl.watcher.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

func (fl *FileSystemLoader) watchLoop() {
	defer fl.wg.Done()
	for {
		select {
		case <-fl.done:
			return
		case event, ok := <-fl.watcher.Events:
			if !ok {
				return
			}
			fl.handleEvent(event)
		case err, ok := <-fl.watcher.Errors:
			if !ok {
				return
			}
			fl.logger.Warn("template watch error", "error", err)
		}
	}
}

func (fl *FileSystemLoader) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	file := filepath.Clean(event.Name)
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(file); err == nil && info.IsDir() {
			if err := fl.addRecursive(file); err != nil {
				fl.logger.Warn("template watch error", "error", err)
			}
		}
	}
	fl.mu.Lock()
	fl.gen[file]++
	fl.mu.Unlock()
	fl.logger.Debug("template changed", "file", file, "op", event.Op.String())
	select {
	case fl.changes <- file:
	default:
	}
}

// Close stops watching. It is a no-op for loaders without a watch.
func (fl *FileSystemLoader) Close() error {
	if fl.watcher == nil {
		return nil
	}
	select {
	case <-fl.done:
		return nil
	default:
	}
	close(fl.done)
	err := fl.watcher.Close()
	fl.wg.Wait()
	return err
}

// Changes delivers the paths of changed files while watching. Events are
// dropped when the receiver falls behind.
func (fl *FileSystemLoader) Changes() <-chan string { return fl.changes }
