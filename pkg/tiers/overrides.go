package tiers

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Overrides is the on-disk shape of the operator override file.
//
//	limits:
//	  starter:
//	    monthlyAnalyses: 500
//	  agency:
//	    siteAudits: -1
type Overrides struct {
	Limits map[string]map[string]int64 `yaml:"limits"`
}

// LoadOverrides reads and applies an override file to the catalog.
func LoadOverrides(c *Catalog, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read override file: %w", err)
	}

	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("failed to parse override file: %w", err)
	}

	if err := c.ApplyOverrides(&o); err != nil {
		return fmt.Errorf("failed to apply overrides: %w", err)
	}

	return nil
}

// Watcher reloads catalog overrides when the override file changes.
type Watcher struct {
	catalog *Catalog
	path    string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	onError func(error)
}

// NewWatcher applies the override file and then reloads it on every change.
// Construction fails when the file is missing or invalid; a service
// configured with overrides must not start on default limits. onError
// receives later reload failures; the previous catalog contents stay in
// effect on failure.
func NewWatcher(c *Catalog, path string, onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config reloaders
	// replace the file via rename, which drops a file-level watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	if err := LoadOverrides(c, path); err != nil {
		fw.Close()
		return nil, err
	}

	if onError == nil {
		onError = func(error) {}
	}

	w := &Watcher{
		catalog: c,
		path:    path,
		watcher: fw,
		stopCh:  make(chan struct{}),
		onError: onError,
	}

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if err := LoadOverrides(w.catalog, w.path); err != nil {
				w.onError(err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}
