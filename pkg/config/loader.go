package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	yaml "github.com/goccy/go-yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces all environment overrides, e.g. FMTD_SERVER_PORT.
const envPrefix = "FMTD_"

// Service loads and validates service configuration from layered sources:
// built-in defaults, then an optional YAML file, then FMTD_* environment
// variables, each layer overriding the previous one.
type Service interface {
	Load(ctx context.Context, file string) (*Config, error)
}

type loader struct {
	koanf     *koanf.Koanf
	validator *validator.Validate
}

// NewService creates a new configuration service with validation support.
func NewService() Service {
	return &loader{
		koanf:     koanf.New("."),
		validator: validator.New(),
	}
}

func (l *loader) Load(_ context.Context, file string) (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, err
	}
	if err := l.loadFile(file); err != nil {
		return nil, err
	}
	if err := l.loadEnvironment(); err != nil {
		return nil, err
	}
	return l.unmarshalAndValidate()
}

// loadDefaults loads the built-in configuration through the structs provider,
// avoiding a hand-maintained key/value list.
func (l *loader) loadDefaults() error {
	if err := l.koanf.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}
	return nil
}

// loadFile merges an optional YAML configuration file. A missing file is only
// an error when it was requested explicitly.
func (l *loader) loadFile(file string) error {
	if file == "" {
		return nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", file, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", file, err)
	}
	// Merge only the keys present in the YAML, preserving defaults for the
	// rest. A file that declares formatters owns the whole capability table.
	for key, value := range flattenMap("", raw) {
		if err := l.koanf.Set(key, value); err != nil {
			return fmt.Errorf("failed to set key %s from %s: %w", key, file, err)
		}
	}
	return nil
}

// transformEnvKey converts environment variable names to koanf paths.
// For example: FMTD_CACHE_MAX_BYTES -> cache.max_bytes.
func transformEnvKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, strings.ToLower(envPrefix)))
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '_' })
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + strings.Join(parts[1:], "_")
}

func (l *loader) loadEnvironment() error {
	err := l.koanf.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return transformEnvKey(key), value
		},
	}), nil)
	if err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

func (l *loader) unmarshalAndValidate() (*Config, error) {
	var config Config
	if err := l.koanf.UnmarshalWithConf("", &config, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &config,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := l.validator.Struct(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := validateFormatterTable(config.Formatters); err != nil {
		return nil, err
	}
	return &config, nil
}

// validateFormatterTable rejects duplicate profile IDs and overlapping
// extension claims, which would make detection non-deterministic.
func validateFormatterTable(formatters []FormatterConfig) error {
	seenIDs := make(map[string]struct{}, len(formatters))
	seenExts := make(map[string]string, len(formatters))
	for i := range formatters {
		f := &formatters[i]
		if _, dup := seenIDs[f.ID]; dup {
			return fmt.Errorf("duplicate formatter profile id %q", f.ID)
		}
		seenIDs[f.ID] = struct{}{}
		for _, ext := range f.Extensions {
			normalized := strings.ToLower(ext)
			if owner, claimed := seenExts[normalized]; claimed {
				return fmt.Errorf("extension %q claimed by both %q and %q", ext, owner, f.ID)
			}
			seenExts[normalized] = f.ID
		}
	}
	return nil
}

// flattenMap flattens a nested map into dot-notation keys.
func flattenMap(prefix string, m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for fk, fv := range flattenMap(key, nested) {
				result[fk] = fv
			}
			continue
		}
		result[key] = v
	}
	return result
}
