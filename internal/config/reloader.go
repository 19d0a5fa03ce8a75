package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ReloadCallback receives a newly loaded configuration
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader reloads the configuration file on SIGHUP. Only settings that
// are safe to change at runtime (logging level) are expected to be acted
// on by callbacks; server sizing is fixed once the server exists.
type Reloader struct {
	mu            sync.RWMutex
	configPath    string
	currentConfig *Config
	callbacks     []ReloadCallback
	logger        *slog.Logger
	signals       chan os.Signal
}

// NewReloader creates a reloader for configPath
func NewReloader(configPath string, initialConfig *Config, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.Default()
	}
	return &Reloader{
		configPath:    configPath,
		currentConfig: initialConfig,
		logger:        log.With("component", "config_reloader"),
		signals:       make(chan os.Signal, 1),
	}
}

// AddCallback adds a callback that will be called when config is reloaded
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// Config returns the current configuration
func (r *Reloader) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConfig
}

// Run reloads on every SIGHUP until ctx is cancelled
func (r *Reloader) Run(ctx context.Context) {
	signal.Notify(r.signals, syscall.SIGHUP)
	defer signal.Stop(r.signals)

	r.logger.Debug("config reloader started", "config_path", r.configPath)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-r.signals:
			r.logger.Info("reload signal received", "signal", sig.String())
			if err := r.Reload(ctx); err != nil {
				r.logger.Error("configuration reload failed", "error", err)
			}
		}
	}
}

// Reload loads the file again and hands the result to every callback.
// The current configuration is only replaced if every callback succeeds.
func (r *Reloader) Reload(ctx context.Context) error {
	newConfig, err := Load(r.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	r.mu.RLock()
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			return fmt.Errorf("reload callback %d failed: %w", i, err)
		}
	}

	r.mu.Lock()
	r.currentConfig = newConfig
	r.mu.Unlock()

	r.logger.Info("configuration reloaded", "config", newConfig.String())
	return nil
}
