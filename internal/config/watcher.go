package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and any extra files registered with it,
// such as the result schema.
type Watcher struct {
	homeDir string
	extra   []string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		extra:   extra,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	files := append([]string{ConfigPath(w.homeDir)}, w.extra...)
	for _, file := range files {
		if file == "" {
			continue
		}
		if err := fsw.Add(filepath.Clean(file)); err != nil {
			w.logger.Debug("config watcher skip", "path", file, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Follow reloads the configuration on every change event and passes each
// successfully loaded Config to apply. Load errors are logged and skipped.
// It returns when ctx is done or the watcher closes.
func (w *Watcher) Follow(ctx context.Context, apply func(Config)) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.events:
			if !ok {
				return
			}
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				w.logger.Warn("config reload rejected", "error", err)
				continue
			}
			w.logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
			apply(cfg)
		}
	}
}
