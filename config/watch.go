package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads cfg from configFile whenever the file changes and invokes
// onChange with the newly validated configuration. It is a no-op when
// configFile is empty (flag/env-only configuration has nothing to watch).
// The returned stop function closes the underlying watcher.
func Watch(configFile string, onChange func(*Config)) (stop func(), err error) {
	if configFile == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(configFile); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(nil, configFile)
				if err != nil {
					slog.Error("config: reload failed, keeping previous configuration", "error", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config: watcher error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
