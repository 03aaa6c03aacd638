// Package watcher reports changes to a single file, such as the record
// catalog or the settings file, so they can be reloaded.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Change is the kind of change observed on the target.
type Change int

const (
	// Modified means the target was written or (re)created.
	Modified Change = iota
	// Removed means the target was deleted or renamed away.
	Removed
)

func (c Change) String() string {
	if c == Removed {
		return "removed"
	}
	return "modified"
}

// Watcher monitors one file and calls onChange after a quiet period.
// It watches the parent directory since editors often replace files by
// rename, and fsnotify cannot watch a file that does not exist yet.
type Watcher struct {
	targetPath string
	parentPath string
	onChange   func(Change)
	watcher    *fsnotify.Watcher
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	running    bool
	debounce   time.Duration
}

// New creates a Watcher for targetPath.
func New(targetPath string, onChange func(Change)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	target := filepath.Clean(targetPath)

	return &Watcher{
		targetPath: target,
		parentPath: filepath.Dir(target),
		onChange:   onChange,
		watcher:    fsw,
		ctx:        ctx,
		cancel:     cancel,
		debounce:   200 * time.Millisecond,
	}, nil
}

// SetDebounce overrides the quiet period. Must be called before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatch(); err != nil {
		return err
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.parentPath); err != nil {
		return err
	}
	return w.watcher.Add(w.parentPath)
}

func (w *Watcher) watchLoop() {
	var (
		timer   *time.Timer
		pending Change
	)

	for {
		select {
		case <-w.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.targetPath {
				continue
			}

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				pending = Modified
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				pending = Removed
			default:
				continue
			}

			log.Debug().Str("path", w.targetPath).Str("op", event.Op.String()).Msg("Watched file changed")
			if timer != nil {
				timer.Stop()
			}
			change := pending
			timer = time.AfterFunc(w.debounce, func() {
				w.fire(change)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) fire(c Change) {
	select {
	case <-w.ctx.Done():
		return
	default:
	}
	log.Info().Str("path", w.targetPath).Stringer("change", c).Msg("Triggering change callback")
	if w.onChange != nil {
		w.onChange(c)
	}
}
