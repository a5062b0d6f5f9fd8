package config

import (
	"errors"
	"fmt"
)

// Validate checks the structural validity of a Config. All problems are
// reported at once rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	switch cfg.Store.Backend {
	case "", "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, errors.New("config: store.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store backend %q (supported: memory, sqlite)", cfg.Store.Backend))
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log level %q", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q (supported: text, json)", cfg.Log.Format))
	}

	if cfg.Gateway.Auth.BasicUser != "" && cfg.Gateway.Auth.BasicPass == "" {
		errs = append(errs, errors.New("config: gateway.auth.basic_user set without basic_pass"))
	}

	for i, r := range cfg.Rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("config: rules[%d]: %w", i, err))
		}
	}

	seen := make(map[string]struct{}, len(cfg.Tools))
	for i, tc := range cfg.Tools {
		if tc.Name == "" {
			errs = append(errs, fmt.Errorf("config: tools[%d]: name is required", i))
			continue
		}
		if _, dup := seen[tc.Name]; dup {
			errs = append(errs, fmt.Errorf("config: tools[%d]: duplicate tool %q", i, tc.Name))
		}
		seen[tc.Name] = struct{}{}
		if !tc.Permission.Valid() {
			errs = append(errs, fmt.Errorf("config: tools[%d]: invalid permission %q", i, tc.Permission))
		}
	}

	for i, srv := range cfg.MCP {
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("config: mcp[%d]: name is required", i))
		}
		if srv.Command == "" {
			errs = append(errs, fmt.Errorf("config: mcp[%d]: command is required", i))
		}
	}

	if cfg.Provider.BaseURL != "" && cfg.Provider.Model == "" {
		errs = append(errs, errors.New("config: provider.model is required when provider.base_url is set"))
	}
	if cfg.Provider.Model != "" && cfg.Provider.BaseURL == "" {
		errs = append(errs, errors.New("config: provider.base_url is required when provider.model is set"))
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("config: tracing.endpoint is required when tracing is enabled"))
	}

	return errors.Join(errs...)
}
