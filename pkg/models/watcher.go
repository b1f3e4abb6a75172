package models

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Watcher keeps a models directory under observation and pushes a fresh
// catalog whenever gguf files appear, disappear or change.
type Watcher struct {
	dir     string
	updates chan []ModelFile
}

func NewWatcher(dir string) *Watcher {
	return &Watcher{
		dir:     dir,
		updates: make(chan []ModelFile, 1),
	}
}

// Updates delivers catalog snapshots. The first snapshot is pushed as soon as
// Run starts; later ones follow filesystem changes.
func (w *Watcher) Updates() <-chan []ModelFile {
	return w.updates
}

// Run blocks until the context is cancelled. The updates channel is closed on
// return.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.updates)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "could not create filesystem watcher")
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(w.dir); err != nil {
		return errors.Wrapf(err, "could not watch models directory %s", w.dir)
	}

	w.push(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isModelEvent(event) {
				continue
			}
			log.Debug().Str("op", event.Op.String()).Str("file", event.Name).Msg("models directory changed")
			w.push(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("filesystem watcher error")
		}
	}
}

func (w *Watcher) push(ctx context.Context) {
	catalog, err := List(w.dir)
	if err != nil {
		log.Warn().Err(err).Msg("could not rescan models directory")
		return
	}

	// drop a stale pending snapshot so slow consumers only see the latest
	select {
	case <-w.updates:
	default:
	}

	select {
	case w.updates <- catalog:
	case <-ctx.Done():
	}
}

func isModelEvent(event fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Ext(event.Name), modelExtension) {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0
}
