package main

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/glow-tts/internal/config"
)

// watchConfig applies edits of the config file to the running reader.
// Invalid edits are logged and ignored.
func watchConfig(ctx context.Context, a *app) {
	if viper.ConfigFileUsed() == "" {
		return
	}

	viper.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		next, err := config.Load(viper.GetViper())
		if err != nil {
			a.logger.Warn("Ignoring config change", "file", e.Name, "error", err)
			return
		}
		a.logger.Info("Config changed", "file", e.Name)

		a.mu.Lock()
		progress := a.progress
		a.mu.Unlock()

		go func() {
			if err := a.apply(ctx, next, progress); err != nil {
				a.logger.Error("Could not apply config change", "error", err)
			}
		}()
	})
	viper.WatchConfig()
}
