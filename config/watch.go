package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 200 * time.Millisecond

// Watch re-reads the config file whenever it changes and hands the result to
// onChange. Events are debounced so editors that write in several steps
// trigger one reload. Watch returns when ctx is cancelled; a failed reload
// is logged and the previous config stays in effect.
func Watch(ctx context.Context, path string, log zerolog.Logger, onChange func(Config)) error {
	if path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: rename-based saves replace the
	// inode and would silently detach a file watch.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("dir", dir).Msg("config watch error")
		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("config reload failed; keeping previous config")
				continue
			}
			log.Info().Str("path", path).Msg("config reloaded")
			onChange(cfg)
		}
	}
}
