// Package specwatch watches registered specification files and pushes
// modified projects back into the analysis pipeline without waiting for the
// monitoring loop's periodic rehash.
package specwatch

import (
	"context"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/wyvernlabs/wyvern/internal/project"
)

// Watcher maps watched specification paths to project ids. Directories are
// watched rather than files so editors that replace the file on save do not
// drop the watch.
type Watcher struct {
	projects *project.Service
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	byPath  map[string]string
	watched map[string]int
}

// New creates a watcher over the project registry.
func New(projects *project.Service) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		projects: projects,
		watcher:  fw,
		byPath:   make(map[string]string),
		watched:  make(map[string]int),
	}, nil
}

// Watch registers a project's specification file.
func (w *Watcher) Watch(projectID, specPath string) error {
	abs, err := filepath.Abs(specPath)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(abs)
	if w.watched[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}
	w.watched[dir]++
	w.byPath[abs] = projectID
	return nil
}

// Unwatch drops a project's specification file.
func (w *Watcher) Unwatch(specPath string) {
	abs, err := filepath.Abs(specPath)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.byPath[abs]; !ok {
		return
	}
	delete(w.byPath, abs)
	dir := filepath.Dir(abs)
	w.watched[dir]--
	if w.watched[dir] <= 0 {
		delete(w.watched, dir)
		w.watcher.Remove(dir)
	}
}

// Run processes filesystem events until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.handleChange(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[specwatch] watch error: %v", err)
		}
	}
}

func (w *Watcher) handleChange(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	projectID, ok := w.byPath[abs]
	w.mu.Unlock()
	if !ok {
		return
	}

	p, err := w.projects.Get(projectID)
	if err != nil || p == nil {
		return
	}
	// DetectSpecChange rehashes, so editor noise (touch without content
	// change) does not re-enter the pipeline.
	changed, err := w.projects.DetectSpecChange(p)
	if err != nil {
		log.Printf("[specwatch] %s: %v", p.Name, err)
		return
	}
	if changed {
		log.Printf("[specwatch] %s: specification modified, re-entering analysis", p.Name)
	}
}
