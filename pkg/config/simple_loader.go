package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at filePath from fs into out. References of the
// form ${VAR} or ${VAR:-default} are replaced with environment values
// before parsing.
func Load(fs afero.Fs, filePath string, out interface{}) error {
	data, err := afero.ReadFile(fs, filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), out); err != nil {
		return fmt.Errorf("failed to parse YAML %s: %w", filePath, err)
	}
	return nil
}

// LoadFile reads a YAML file on top of NewConfig defaults and validates it.
func LoadFile(fs afero.Fs, filePath string) (*Config, error) {
	cfg := NewConfig()
	if err := Load(fs, filePath, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filePath, err)
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} references in a single left to right pass.
// Substituted values are copied verbatim and never rescanned, so a value
// containing "${" cannot expand again. An unterminated reference is kept
// as written.
func expandEnv(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	for {
		start := strings.Index(content, "${")
		if start == -1 {
			b.WriteString(content)
			return b.String()
		}
		end := strings.IndexByte(content[start+2:], '}')
		if end == -1 {
			b.WriteString(content)
			return b.String()
		}
		end += start + 2

		b.WriteString(content[:start])
		b.WriteString(lookupRef(content[start+2 : end]))
		content = content[end+1:]
	}
}

// lookupRef resolves NAME or NAME:-fallback. The fallback applies when
// the variable is unset or empty.
func lookupRef(ref string) string {
	name, fallback, hasFallback := strings.Cut(ref, ":-")
	v := os.Getenv(name)
	if v == "" && hasFallback {
		return fallback
	}
	return v
}
