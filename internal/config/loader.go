package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// varExpr matches ${NAME} and ${NAME:-fallback} references in the raw
// YAML. Secrets like provider API keys are injected this way rather than
// written into the file.
var varExpr = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// Load reads the YAML file at path, resolves environment references, and
// decodes it. Defaults and Validate are the caller's responsibility.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	resolved, err := interpolate(raw)
	if err != nil {
		return nil, fmt.Errorf("config: expanding variables in %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(resolved, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// interpolate substitutes every environment reference in raw. A reference
// with no value and no fallback is an error; all such references are
// reported together so a broken deployment surfaces them in one pass.
func interpolate(raw []byte) ([]byte, error) {
	var missing []error

	out := varExpr.ReplaceAllFunc(raw, func(ref []byte) []byte {
		parts := varExpr.FindSubmatch(ref)
		name := string(parts[1])

		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		if parts[2] != nil {
			return parts[2]
		}
		missing = append(missing, fmt.Errorf("unresolved variable: %s", name))
		return ref
	})

	return out, errors.Join(missing...)
}
