// Package app wires configuration, engines, gateway, and scheduler into a
// running toolgate instance and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/toolgate/toolgate/internal/config"
)

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, ResolveConfigPath is called automatically.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string
}

// Run loads configuration, starts every component, and blocks until a
// shutdown signal arrives. SIGHUP reloads the admission rule set in place.
func Run(params RunParams) error {
	cfgPath := params.ConfigPath
	if cfgPath == "" {
		resolved, err := ResolveConfigPath()
		if err != nil {
			return err
		}
		cfgPath = resolved
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Log)
	logger.Info("starting toolgate",
		"version", params.Version, "commit", params.Commit, "config", cfgPath)

	application, err := build(cfg, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		application.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			logger.Info("SIGHUP received, reloading rules")
			if err := application.reloadRules(cfgPath); err != nil {
				logger.Error("rule reload failed", "error", err)
			}
		default:
			logger.Info("shutdown signal received", "signal", sig.String())
			application.Stop()
			logger.Info("shutdown complete")
			return nil
		}
	}
}

// CheckConfig loads and validates a config file without starting anything.
func CheckConfig(path string) error {
	_, err := loadConfig(path)
	return err
}

// loadConfig reads, defaults, and validates a config file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Defaults()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reloadRules re-reads the config file and swaps the admission rule set in
// place. Only rules change on reload; tools, listeners, and engine limits
// keep their boot-time values.
func (a *App) reloadRules(path string) error {
	next, err := loadConfig(path)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(next.Rules))
	for _, r := range next.Rules {
		keep[r.ID] = struct{}{}
		if err := a.rules.Add(r); err != nil {
			return fmt.Errorf("reloading rule %q: %w", r.ID, err)
		}
	}
	for _, r := range a.rules.All() {
		if _, ok := keep[r.ID]; !ok {
			_ = a.rules.Remove(r.ID)
		}
	}
	a.logger.Info("rules reloaded", "count", len(next.Rules))
	return nil
}

// buildLogger constructs the slog root from the log section.
func buildLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// ResolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/toolgate/toolgate.yaml,
// ~/.config/toolgate/toolgate.yaml, then ./toolgate.yaml.
func ResolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "toolgate", "toolgate.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "toolgate", "toolgate.yaml"))
	}

	candidates = append(candidates, "toolgate.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}
