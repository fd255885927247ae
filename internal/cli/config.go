// Package cli wires the generation pipeline into a command-line application:
// configuration resolution, manifest loading, session construction, and the
// immediate/interactive/watch run modes.
package cli

import (
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Semantic exit codes. Kept stable so callers can script against them.
const (
	ExitSuccess           = 0
	ExitGenerationFailure = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// Config is the fully canonicalized description of a run.
//
// All relative paths are resolved under WorkDir, which must be absolute: the
// process current working directory is never consulted, so two invocations
// with the same flags behave identically regardless of where they start.
type Config struct {
	WorkDir  string `mapstructure:"workdir"`
	Manifest string `mapstructure:"manifest"`
	Output   string `mapstructure:"output"`
	State    string `mapstructure:"state"`

	Force    bool `mapstructure:"force"`
	NoRetain bool `mapstructure:"no_retain"`

	Interactive bool `mapstructure:"interactive"`
	JSONLogs    bool `mapstructure:"json_logs"`
	Verbose     bool `mapstructure:"verbose"`

	// DebounceMS is the watch-mode settle time in milliseconds.
	DebounceMS int `mapstructure:"debounce_ms"`
}

// InvocationError carries the semantic exit code for a rejected invocation.
type InvocationError struct {
	Code    int
	Message string
}

func (e *InvocationError) Error() string { return e.Message }

func invalidf(format string, args ...any) error {
	return &InvocationError{Code: ExitInvalidInvocation, Message: errors.Newf(format, args...).Error()}
}

// NewViper returns a viper instance with the pipeline's defaults and
// environment binding (WEAVER_ prefix) applied.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("WEAVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("manifest", "weaver.toml")
	v.SetDefault("output", "generated")
	v.SetDefault("state", ".weaver-state")
	v.SetDefault("debounce_ms", 250)
	return v
}

// LoadConfig resolves the final Config from the viper instance, reading the
// optional config file first when one was named.
func LoadConfig(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &InvocationError{
				Code:    ExitConfigError,
				Message: errors.Wrapf(err, "reading config %s", configFile).Error(),
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &InvocationError{
			Code:    ExitConfigError,
			Message: errors.Wrap(err, "unmarshaling config").Error(),
		}
	}
	return canonicalize(cfg)
}

// canonicalize validates the config and resolves every relative path under
// WorkDir.
func canonicalize(cfg Config) (Config, error) {
	cfg.WorkDir = filepath.Clean(cfg.WorkDir)
	if cfg.WorkDir == "" || cfg.WorkDir == "." {
		return Config{}, invalidf("--workdir is required")
	}
	if !filepath.IsAbs(cfg.WorkDir) {
		return Config{}, invalidf("--workdir must be an absolute path (got %q)", cfg.WorkDir)
	}

	var err error
	if cfg.Manifest, err = resolveUnder(cfg.WorkDir, cfg.Manifest); err != nil {
		return Config{}, errors.Wrap(err, "--manifest")
	}
	if cfg.Output, err = resolveUnder(cfg.WorkDir, cfg.Output); err != nil {
		return Config{}, errors.Wrap(err, "--output")
	}
	if cfg.State, err = resolveUnder(cfg.WorkDir, cfg.State); err != nil {
		return Config{}, errors.Wrap(err, "--state")
	}
	if cfg.DebounceMS < 0 {
		return Config{}, invalidf("--debounce-ms must not be negative")
	}
	return cfg, nil
}

func resolveUnder(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// ExitCode maps an error to its semantic exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr.Code != 0 {
		return invErr.Code
	}
	return ExitInternalError
}
