package config

import "time"

// Config represents the complete configuration for the fmtd service.
// It provides type-safe access to all configuration values with validation.
type Config struct {
	Server     ServerConfig      `koanf:"server"     validate:"required"`
	Data       DataConfig        `koanf:"data"       validate:"required"`
	Dispatch   DispatchConfig    `koanf:"dispatch"   validate:"required"`
	Exec       ExecConfig        `koanf:"exec"       validate:"required"`
	Cache      CacheConfig       `koanf:"cache"      validate:"required"`
	Log        LogConfig         `koanf:"log"`
	Formatters []FormatterConfig `koanf:"formatters" validate:"dive"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host    string        `koanf:"host"    validate:"required"        env:"SERVER_HOST"`
	Port    int           `koanf:"port"    validate:"min=1,max=65535" env:"SERVER_PORT"`
	Timeout time.Duration `koanf:"timeout"                            env:"SERVER_TIMEOUT"`
	// MaxBodyBytes bounds inline source payloads accepted by the API.
	MaxBodyBytes int64 `koanf:"max_body_bytes" validate:"min=1" env:"SERVER_MAX_BODY_BYTES"`
}

// DataConfig locates the persistent data directory.
type DataConfig struct {
	Root string `koanf:"root" validate:"required" env:"DATA_ROOT"`
}

// DispatchConfig bounds the worker pool and admission queue.
type DispatchConfig struct {
	Workers   int `koanf:"workers"    validate:"min=1"  env:"DISPATCH_WORKERS"`
	QueueSize int `koanf:"queue_size" validate:"min=1"  env:"DISPATCH_QUEUE_SIZE"`
}

// ExecConfig governs external formatter process supervision.
type ExecConfig struct {
	Timeout time.Duration `koanf:"timeout"  validate:"required" env:"EXEC_TIMEOUT"`
	// Grace period between context cancellation and SIGKILL of the process group.
	KillGrace time.Duration `koanf:"kill_grace" env:"EXEC_KILL_GRACE"`
	MaxStdout int64         `koanf:"max_stdout" validate:"min=1" env:"EXEC_MAX_STDOUT"`
	MaxStderr int64         `koanf:"max_stderr" validate:"min=1" env:"EXEC_MAX_STDERR"`
}

// CacheConfig bounds the persistent result store and its hot front cache.
type CacheConfig struct {
	MaxBytes    int64         `koanf:"max_bytes"     validate:"min=1" env:"CACHE_MAX_BYTES"`
	MaxEntryAge time.Duration `koanf:"max_entry_age"                  env:"CACHE_MAX_ENTRY_AGE"`
	HotEntries  int64         `koanf:"hot_entries"   validate:"min=1" env:"CACHE_HOT_ENTRIES"`
	HotBytes    int64         `koanf:"hot_bytes"     validate:"min=1" env:"CACHE_HOT_BYTES"`
}

// LogConfig configures the process-wide logger.
type LogConfig struct {
	Level  string `koanf:"level"  validate:"omitempty,oneof=debug info warn error" env:"LOG_LEVEL"`
	JSON   bool   `koanf:"json"   env:"LOG_JSON"`
	Source bool   `koanf:"source" env:"LOG_SOURCE"`
}

// FormatterConfig declares one entry of the formatter capability table. The
// table is validated at startup; a declared binary that is absent fails the
// boot instead of failing mid-job.
type FormatterConfig struct {
	ID         string   `koanf:"id"         validate:"required"`
	Language   string   `koanf:"language"   validate:"required"`
	Binary     string   `koanf:"binary"     validate:"required"`
	Args       []string `koanf:"args"`
	Mode       string   `koanf:"mode"       validate:"required,oneof=stdin file dir"`
	Version    string   `koanf:"version"`
	VersionArg string   `koanf:"version_arg"`
	Extensions []string `koanf:"extensions"`
	// Timeout overrides exec.timeout for this profile when positive.
	Timeout time.Duration `koanf:"timeout"`
}

// Default returns the built-in configuration, including the stock capability
// table for the formatters the container image ships with.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			Timeout:      60 * time.Second,
			MaxBodyBytes: 8 << 20,
		},
		Data: DataConfig{
			Root: "/data",
		},
		Dispatch: DispatchConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Exec: ExecConfig{
			Timeout:   30 * time.Second,
			KillGrace: 2 * time.Second,
			MaxStdout: 16 << 20,
			MaxStderr: 1 << 20,
		},
		Cache: CacheConfig{
			MaxBytes:    1 << 30,
			MaxEntryAge: 0,
			HotEntries:  4096,
			HotBytes:    64 << 20,
		},
		Log: LogConfig{
			Level: "info",
		},
		Formatters: []FormatterConfig{
			{
				ID:         "js-prettier",
				Language:   "javascript",
				Binary:     "prettier",
				Args:       []string{"--parser", "babel"},
				Mode:       "stdin",
				VersionArg: "--version",
				Extensions: []string{".js", ".mjs", ".cjs", ".jsx"},
			},
			{
				ID:         "ts-prettier",
				Language:   "typescript",
				Binary:     "prettier",
				Args:       []string{"--parser", "typescript"},
				Mode:       "stdin",
				VersionArg: "--version",
				Extensions: []string{".ts", ".tsx", ".mts", ".cts"},
			},
			{
				ID:         "json-prettier",
				Language:   "json",
				Binary:     "prettier",
				Args:       []string{"--parser", "json"},
				Mode:       "stdin",
				VersionArg: "--version",
				Extensions: []string{".json"},
			},
			{
				ID:         "md-prettier",
				Language:   "markdown",
				Binary:     "prettier",
				Args:       []string{"--parser", "markdown"},
				Mode:       "stdin",
				VersionArg: "--version",
				Extensions: []string{".md", ".markdown"},
			},
			{
				ID:         "css-prettier",
				Language:   "css",
				Binary:     "prettier",
				Args:       []string{"--parser", "css"},
				Mode:       "stdin",
				VersionArg: "--version",
				Extensions: []string{".css", ".scss", ".less"},
			},
			{
				ID:         "py-black",
				Language:   "python",
				Binary:     "black",
				Args:       []string{"-q", "-"},
				Mode:       "stdin",
				VersionArg: "--version",
				Extensions: []string{".py"},
			},
			{
				ID:         "go-gofmt",
				Language:   "go",
				Binary:     "gofmt",
				Mode:       "stdin",
				Extensions: []string{".go"},
			},
		},
	}
}
