// Package watch notifies the dispatcher when a tracker database changes
// on disk outside of its own tick loop: every configured project's
// tracker plus the orchestrator's, debounced behind one channel.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"whs/internal/log"
	"whs/internal/paths"
)

// Watcher monitors one or more tracker directories for bd writes made
// outside the dispatcher itself (a human running `bd` by hand, another
// process syncing the daemon) and signals the dispatcher to tick early
// instead of waiting out the rest of the interval.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	onChange  chan struct{}
	done      chan struct{}

	// plainDirs are directories added via WatchDir: every write/create in
	// them is relevant, unlike Watch's beads.db-only filter.
	plainDirs map[string]bool
}

// New creates a Watcher with the given debounce window. A debounce of 0
// uses a 200ms default, enough to coalesce a burst of bd writes.
func New(debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsWatcher: fsw,
		debounce:  debounce,
		onChange:  make(chan struct{}, 1),
		done:      make(chan struct{}),
		plainDirs: make(map[string]bool),
	}, nil
}

// Watch adds a tracker repo path to the watch set. dirs are typically
// each project's RepoPath plus the orchestrator path; bd keeps its
// database under <repo>/.beads, except inside a worktree, where .beads
// commonly holds a redirect file pointing back at the main checkout's
// .beads — paths.ResolveBeadsDir follows that redirect so the watch
// lands on the directory bd actually writes to, not the empty worktree
// stand-in.
func (w *Watcher) Watch(repoPath string) error {
	dir := paths.ResolveBeadsDir(repoPath)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	return nil
}

// WatchDir adds a plain directory to the watch set where every file
// create/write is relevant, not just beads.db — used for the answers
// drop-file directory.
func (w *Watcher) WatchDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.plainDirs[filepath.Clean(dir)] = true
	return nil
}

// Start begins the debounce loop and returns the channel that receives a
// signal whenever a watched database changes. The channel is buffered by
// one and sends are non-blocking, so a slow consumer never stalls events.
func (w *Watcher) Start() <-chan struct{} {
	go w.loop()
	return w.onChange
}

// Stop terminates the watcher and releases its fsnotify handle.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var pending bool

	for {
		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}

		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(event) {
				continue
			}
			log.Debug(log.CatWatcher, "tracker file event", "file", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = true

		case <-timerC:
			if pending {
				select {
				case w.onChange <- struct{}{}:
				default:
				}
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Error(log.CatWatcher, "watcher error", "error", err.Error())

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isRelevantEvent reports whether event touches a bd database file, or
// any file under a directory added via WatchDir.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	if w.plainDirs[filepath.Clean(filepath.Dir(event.Name))] {
		return true
	}
	base := filepath.Base(event.Name)
	return base == "beads.db" || base == "beads.db-wal"
}
