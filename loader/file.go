package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/fault"
	"github.com/jonwraymond/ruleops/observe"
)

const (
	contentSuffix = ".json"
	metaSuffix    = ".meta.yaml"
)

// FileConfig configures a FileLoader.
type FileConfig struct {
	// Root is the directory holding rule files.
	Root string

	// Debounce is how long Watch waits for more changes before reporting.
	// Default: 200ms
	Debounce time.Duration

	// Logger receives watch diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// FileLoader reads rules from a directory. Each rule is a file <id>.json
// holding the rule content, with an optional <id>.meta.yaml sidecar:
//
//	version: 1.4.0
//	tags: [pricing, eu]
//
// Without a sidecar version, the content checksum is the version, so any
// edit to the content is a new version.
//
// The directory holds a single project; the project id passed to LoadAll is
// not used to locate files.
type FileLoader struct {
	cfg FileConfig
}

// sidecar is the <id>.meta.yaml document.
type sidecar struct {
	Version string   `yaml:"version"`
	Tags    []string `yaml:"tags"`
}

// NewFileLoader creates a FileLoader.
func NewFileLoader(cfg FileConfig) (*FileLoader, error) {
	if cfg.Root == "" {
		return nil, ErrMissingRoot
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &FileLoader{cfg: cfg}, nil
}

// LoadAll implements Loader.
func (l *FileLoader) LoadAll(ctx context.Context, _ string) (map[string]cache.Entry, error) {
	dirEntries, err := os.ReadDir(l.cfg.Root)
	if err != nil {
		return nil, fault.New(fault.KindNetwork, OpLoadAll, "", err)
	}

	out := make(map[string]cache.Entry)
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if de.IsDir() {
			continue
		}
		id, ok := contentID(de.Name())
		if !ok {
			continue
		}
		e, err := l.read(id)
		if err != nil {
			return nil, err
		}
		out[id] = e
	}
	return out, nil
}

// LoadOne implements Loader.
func (l *FileLoader) LoadOne(ctx context.Context, id string) (cache.Entry, error) {
	if err := validateID(id); err != nil {
		return cache.Entry{}, fault.New(fault.KindInvalidInput, OpLoadOne, id, err)
	}
	if err := ctx.Err(); err != nil {
		return cache.Entry{}, err
	}
	return l.read(id)
}

// Ping checks that the root is a readable directory.
func (l *FileLoader) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fi, err := os.Stat(l.cfg.Root)
	if err != nil {
		return fault.New(fault.KindNetwork, OpPing, "", err)
	}
	if !fi.IsDir() {
		return fault.New(fault.KindNetwork, OpPing, "", fmt.Errorf("%s is not a directory", l.cfg.Root))
	}
	return nil
}

// CheckVersions implements Loader.
func (l *FileLoader) CheckVersions(ctx context.Context, versions map[string]string) (map[string]bool, error) {
	out := make(map[string]bool, len(versions))
	for id, v := range versions {
		e, err := l.LoadOne(ctx, id)
		switch {
		case err == nil:
			out[id] = e.Metadata.Version != v
		case errors.Is(err, fault.ErrRuleNotFound), errors.Is(err, fault.ErrInvalidInput):
			out[id] = true
		default:
			return nil, err
		}
	}
	return out, nil
}

func (l *FileLoader) read(id string) (cache.Entry, error) {
	path := filepath.Join(l.cfg.Root, id+contentSuffix)
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cache.Entry{}, fault.New(fault.KindRuleNotFound, OpLoadOne, id, err)
		}
		return cache.Entry{}, fault.New(fault.KindNetwork, OpLoadOne, id, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return cache.Entry{}, fault.New(fault.KindNetwork, OpLoadOne, id, err)
	}
	modified := info.ModTime()

	var meta sidecar
	metaPath := filepath.Join(l.cfg.Root, id+metaSuffix)
	raw, err := os.ReadFile(metaPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &meta); err != nil {
			return cache.Entry{}, fault.New(fault.KindInvalidInput, OpLoadOne, id, fmt.Errorf("parse %s: %w", metaPath, err))
		}
		if mi, err := os.Stat(metaPath); err == nil && mi.ModTime().After(modified) {
			modified = mi.ModTime()
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cache.Entry{}, fault.New(fault.KindNetwork, OpLoadOne, id, err)
	}

	e := cache.NewEntry(id, meta.Version, meta.Tags, modified, content)
	if e.Metadata.Version == "" {
		e.Metadata.Version = e.Metadata.ChecksumHex()
	}
	return e, nil
}

// contentID returns the rule id named by a content file.
func contentID(name string) (string, bool) {
	if !strings.HasSuffix(name, contentSuffix) || strings.HasPrefix(name, ".") {
		return "", false
	}
	id := strings.TrimSuffix(name, contentSuffix)
	return id, id != ""
}

// changedID returns the rule id affected by a change to file name.
func changedID(name string) (string, bool) {
	if strings.HasSuffix(name, metaSuffix) {
		id := strings.TrimSuffix(name, metaSuffix)
		return id, id != "" && !strings.HasPrefix(name, ".")
	}
	return contentID(name)
}

// Watcher reports rule file changes until closed.
type Watcher struct {
	fw     *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Watch starts watching the root directory. onChange receives the sorted ids
// of rules whose content or sidecar changed, once changes have been quiet
// for the debounce interval. The watch stops when ctx is done or the
// Watcher is closed.
func (l *FileLoader) Watch(ctx context.Context, onChange func(ids []string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("loader: create watcher: %w", err)
	}
	if err := fw.Add(l.cfg.Root); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("loader: watch %s: %w", l.cfg.Root, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{fw: fw, cancel: cancel, done: make(chan struct{})}
	go w.run(ctx, l.cfg.Debounce, l.cfg.Logger, onChange)
	return w, nil
}

func (w *Watcher) run(ctx context.Context, debounce time.Duration, logger observe.Logger, onChange func([]string)) {
	defer close(w.done)
	defer func() { _ = w.fw.Close() }()

	pending := make(map[string]struct{})
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			id, ok := changedID(filepath.Base(ev.Name))
			if !ok || ev.Op == fsnotify.Chmod {
				continue
			}
			pending[id] = struct{}{}
			fire = time.After(debounce)

		case <-fire:
			fire = nil
			ids := make([]string, 0, len(pending))
			for id := range pending {
				ids = append(ids, id)
			}
			clear(pending)
			sort.Strings(ids)
			onChange(ids)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			logger.Warn(ctx, "rule watch error", observe.F("error", err))
		}
	}
}

// Close stops the watch and waits for it to finish. It returns the last
// watcher error, if any.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed when the watch has stopped.
func (w *Watcher) Done() <-chan struct{} { return w.done }

var _ Loader = (*FileLoader)(nil)
