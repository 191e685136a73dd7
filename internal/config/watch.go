package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads path whenever it changes and hands each successfully
// validated Config to onChange. Invalid edits are logged and ignored so a
// typo cannot take a running application down.
func Watch(path string, logger *slog.Logger, onChange func(*Config)) {
	v := newViper(path)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := unmarshal(v)
		recordConfigEvent(context.Background(), eventSourceReload, cfg, err)
		if err != nil {
			logger.Warn("config reload rejected", "path", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "path", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}
