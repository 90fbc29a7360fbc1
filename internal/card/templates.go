package card

import (
	"context"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	// Template formats.
	_ "image/jpeg"
	_ "image/png"

	"github.com/fsnotify/fsnotify"

	"github.com/VecSil/feishu-card-bot/internal/profile"
)

// layoutsFile sits next to the templates and overrides the built-in layout.
const layoutsFile = "layouts.json"

var templateExts = []string{".png", ".jpg", ".jpeg"}

// TemplateSet loads the per-tag background images from a directory and
// caches the decoded results until the files change.
type TemplateSet struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	cache   map[profile.Tag]image.Image
	layouts *Layouts
}

// NewTemplateSet serves templates from dir (usually <assets>/templates).
func NewTemplateSet(dir string) *TemplateSet {
	return &TemplateSet{
		dir:    dir,
		logger: slog.Default(),
		cache:  make(map[profile.Tag]image.Image),
	}
}

func (ts *TemplateSet) Dir() string { return ts.dir }

// Load returns the decoded template for tag. A missing file is reported as
// an error wrapping fs.ErrNotExist.
func (ts *TemplateSet) Load(tag profile.Tag) (image.Image, error) {
	ts.mu.RLock()
	img, ok := ts.cache[tag]
	ts.mu.RUnlock()
	if ok {
		return img, nil
	}

	path, err := ts.find(tag)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening template %s: %w", path, err)
	}
	defer f.Close()
	img, _, err = image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding template %s: %w", path, err)
	}

	ts.mu.Lock()
	ts.cache[tag] = img
	ts.mu.Unlock()
	return img, nil
}

func (ts *TemplateSet) find(tag profile.Tag) (string, error) {
	for _, ext := range templateExts {
		path := filepath.Join(ts.dir, string(tag)+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("template for %s in %s: %w", tag, ts.dir, fs.ErrNotExist)
}

// Available lists the tags that have a template file on disk.
func (ts *TemplateSet) Available() []profile.Tag {
	var out []profile.Tag
	for _, tag := range profile.Tags() {
		if _, err := ts.find(tag); err == nil {
			out = append(out, tag)
		}
	}
	return out
}

// Layouts returns the layouts for this template directory, reading
// layouts.json on first use.
func (ts *TemplateSet) Layouts() (Layouts, error) {
	ts.mu.RLock()
	l := ts.layouts
	ts.mu.RUnlock()
	if l != nil {
		return *l, nil
	}
	loaded, err := LoadLayouts(filepath.Join(ts.dir, layoutsFile))
	if err != nil {
		return Layouts{}, err
	}
	ts.mu.Lock()
	ts.layouts = &loaded
	ts.mu.Unlock()
	return loaded, nil
}

// invalidate drops whatever the changed file contributed to the cache.
func (ts *TemplateSet) invalidate(path string) {
	base := filepath.Base(path)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if base == layoutsFile {
		ts.layouts = nil
		return
	}
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if tag, ok := profile.ParseTag(name); ok {
		delete(ts.cache, tag)
	}
}

// Watch invalidates cached templates and layouts when files in the template
// directory change. It returns once the watcher is running; the watcher
// stops when ctx is done.
func (ts *TemplateSet) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating template watcher: %w", err)
	}
	if err := w.Add(ts.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", ts.dir, err)
	}

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
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				ts.invalidate(ev.Name)
				ts.logger.Info("template changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				ts.logger.Warn("template watcher error", "error", err)
			}
		}
	}()
	return nil
}
