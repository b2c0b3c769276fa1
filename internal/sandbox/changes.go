package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/worldmind/worldmind/internal/models"
)

// snapshotExcluded are directory names never included in project snapshots.
var snapshotExcluded = map[string]bool{
	".git":       true,
	".worldmind": true,
}

// SnapshotProject records the mtime of every regular file under root,
// skipping orchestrator-internal directories. Walk errors on individual
// entries are tolerated so a half-readable tree still snapshots.
func SnapshotProject(root string) (map[string]time.Time, error) {
	snap := make(map[string]time.Time)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && (snapshotExcluded[d.Name()] || strings.HasPrefix(d.Name(), ".worldmind-")) {
				return filepath.SkipDir
			}
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		snap[filepath.ToSlash(rel)] = info.ModTime()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}
	return snap, nil
}

// DiffSnapshot walks root again and reports files absent from before as
// created and files with a different mtime as modified, sorted by path.
func DiffSnapshot(before map[string]time.Time, root string) ([]models.FileChange, error) {
	after, err := SnapshotProject(root)
	if err != nil {
		return nil, err
	}
	var changes []models.FileChange
	for path, mtime := range after {
		prev, existed := before[path]
		switch {
		case !existed:
			changes = append(changes, models.FileChange{Path: path, Kind: models.ChangeCreated})
		case !mtime.Equal(prev):
			changes = append(changes, models.FileChange{Path: path, Kind: models.ChangeModified})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// Watcher collects live file changes under a project root using fsnotify.
// The local provider runs one per sandbox so change capture does not depend
// on mtime resolution.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	changes map[string]models.ChangeKind
	done    chan struct{}
}

// NewWatcher starts watching root and all its current subdirectories.
// Directories created during the run are added as their create events arrive.
func NewWatcher(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	w := &Watcher{
		root:    root,
		watcher: fsw,
		changes: make(map[string]models.ChangeKind),
		done:    make(chan struct{}),
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && (snapshotExcluded[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.record(ev)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors degrade to snapshot-diff detection downstream.
		}
	}
}

func (w *Watcher) record(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if snapshotExcluded[part] || strings.HasPrefix(part, ".worldmind-") {
			return
		}
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.watcher.Add(ev.Name)
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case ev.Has(fsnotify.Create):
		if _, seen := w.changes[rel]; !seen {
			w.changes[rel] = models.ChangeCreated
		}
	case ev.Has(fsnotify.Write):
		if w.changes[rel] != models.ChangeCreated {
			w.changes[rel] = models.ChangeModified
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.changes[rel] = models.ChangeDeleted
	}
}

// Stop ends the watch and returns the collected changes sorted by path.
func (w *Watcher) Stop() []models.FileChange {
	close(w.done)
	w.watcher.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.FileChange, 0, len(w.changes))
	for path, kind := range w.changes {
		out = append(out, models.FileChange{Path: path, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
