// Package config loads the remotehouse configuration from YAML or JSON,
// applies environment and persisted overrides and validates the result.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/remotehouse/internal/guard"
	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// EnvReposRoot overrides ReposRoot.
const EnvReposRoot = "REPOSITORIES_ROOT_DIR"

// Config is the full service configuration.
type Config struct {
	ReposRoot string        `json:"repos_root" yaml:"repos_root"`
	Listen    string        `json:"listen" yaml:"listen"`
	DBPath    string        `json:"db_path" yaml:"db_path"`
	Log       LogConfig     `json:"log" yaml:"log"`
	Limits    LimitsConfig  `json:"limits" yaml:"limits"`
	Scripts   ScriptsConfig `json:"scripts" yaml:"scripts"`
	Cleanup   CleanupConfig `json:"cleanup" yaml:"cleanup"`
}

type LogConfig struct {
	Format  string `json:"format" yaml:"format"`
	Verbose bool   `json:"verbose" yaml:"verbose"`
}

type LimitsConfig struct {
	TimeoutMs       int64 `json:"timeout_ms" yaml:"timeout_ms"`
	MaxMemoryMiB    int64 `json:"max_memory_mib" yaml:"max_memory_mib"`
	MaxOutputBytes  int64 `json:"max_output_bytes" yaml:"max_output_bytes"`
	MaxFileBytes    int64 `json:"max_file_bytes" yaml:"max_file_bytes"`
	MaxPayloadBytes int   `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	MaxBodyBytes    int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

type ScriptsConfig struct {
	Dir          string   `json:"dir" yaml:"dir"`
	AllowedGlobs []string `json:"allowed_globs" yaml:"allowed_globs"`
	Interpreter  []string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
}

type CleanupConfig struct {
	IntervalSeconds     int `json:"interval_seconds" yaml:"interval_seconds"`
	InitialDelaySeconds int `json:"initial_delay_seconds" yaml:"initial_delay_seconds"`
	RetentionHours      int `json:"retention_hours" yaml:"retention_hours"`
}

// ValidationResult represents the outcome of a validation pass.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Default returns the built-in configuration.
func Default() *Config {
	p := guard.DefaultPolicy
	return &Config{
		ReposRoot: "./repos",
		Listen:    ":8080",
		Log:       LogConfig{Format: "console"},
		Limits: LimitsConfig{
			TimeoutMs:       p.TimeoutMs,
			MaxMemoryMiB:    p.MaxMemoryMiB,
			MaxOutputBytes:  p.MaxOutputBytes,
			MaxFileBytes:    p.MaxFileBytes,
			MaxPayloadBytes: validate.DefaultMaxPayloadSize,
			MaxBodyBytes:    p.MaxBodyBytes,
		},
		Scripts: ScriptsConfig{
			Dir:          "scripts",
			AllowedGlobs: append([]string(nil), p.AllowedScriptGlobs...),
		},
		Cleanup: CleanupConfig{
			IntervalSeconds:     300,
			InitialDelaySeconds: 30,
			RetentionHours:      168,
		},
	}
}

// Load reads a configuration file (JSON or YAML) over the defaults and then
// applies environment overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		ext := strings.ToLower(filepath.Ext(path))
		switch ext {
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal JSON config: %w", err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal YAML config: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported config format: %s (use .json or .yaml)", ext)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if root := os.Getenv(EnvReposRoot); root != "" {
		c.ReposRoot = root
	}
}

// DatabasePath returns DBPath, defaulting to a file inside ReposRoot.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.ReposRoot, ".remotehouse.db")
}

// Policy converts the limits into an execution policy.
func (c *Config) Policy() guard.Policy {
	return guard.Policy{
		TimeoutMs:          c.Limits.TimeoutMs,
		MaxMemoryMiB:       c.Limits.MaxMemoryMiB,
		MaxOutputBytes:     c.Limits.MaxOutputBytes,
		MaxFileBytes:       c.Limits.MaxFileBytes,
		MaxBodyBytes:       c.Limits.MaxBodyBytes,
		AllowedScriptGlobs: append([]string(nil), c.Scripts.AllowedGlobs...),
		Interpreter:        c.Scripts.Interpreter,
	}
}

// Rules returns the insert validation rules.
func (c *Config) Rules() validate.Rules {
	return validate.Rules{
		RequiredFields: []string{"primary_index"},
		MaxPayloadSize: c.Limits.MaxPayloadBytes,
	}
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalSeconds) * time.Second
}

func (c *Config) CleanupInitialDelay() time.Duration {
	return time.Duration(c.Cleanup.InitialDelaySeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Cleanup.RetentionHours) * time.Hour
}

// Validate checks the configuration for completeness and sane limits.
func (c *Config) Validate() ValidationResult {
	res := ValidationResult{
		Valid:    true,
		Warnings: []string{},
		Errors:   []string{},
	}
	fail := func(msg string) {
		res.Valid = false
		res.Errors = append(res.Errors, msg)
	}

	if c.ReposRoot == "" {
		fail("repos_root is required")
	}
	if c.Listen == "" {
		fail("listen address is required")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		fail(fmt.Sprintf("unknown log format %q (use console or json)", c.Log.Format))
	}

	if c.Limits.TimeoutMs <= 0 {
		fail("limits.timeout_ms must be positive")
	} else if c.Limits.TimeoutMs > 5*60*1000 {
		res.Warnings = append(res.Warnings, "limits.timeout_ms exceeds five minutes; requests will hold connections that long")
	}
	if c.Limits.MaxMemoryMiB <= 0 {
		fail("limits.max_memory_mib must be positive")
	} else if c.Limits.MaxMemoryMiB < 32 {
		res.Warnings = append(res.Warnings, "limits.max_memory_mib below 32 may prevent workers from starting")
	}
	if c.Limits.MaxOutputBytes <= 0 {
		fail("limits.max_output_bytes must be positive")
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		fail("limits.max_payload_bytes must be positive")
	}
	if c.Limits.MaxBodyBytes > 0 && int64(c.Limits.MaxPayloadBytes) > c.Limits.MaxBodyBytes {
		res.Warnings = append(res.Warnings, "limits.max_body_bytes is smaller than limits.max_payload_bytes")
	}

	if c.Scripts.Dir == "" || !validate.BrowsePath(c.Scripts.Dir) {
		fail("scripts.dir must be a relative path inside the repository")
	}
	if len(c.Scripts.AllowedGlobs) == 0 {
		res.Warnings = append(res.Warnings, "scripts.allowed_globs is empty; every script will be refused")
	}

	if c.Cleanup.IntervalSeconds <= 0 {
		fail("cleanup.interval_seconds must be positive")
	}
	if c.Cleanup.InitialDelaySeconds < 0 {
		fail("cleanup.initial_delay_seconds must not be negative")
	}
	if c.Cleanup.RetentionHours <= 0 {
		fail("cleanup.retention_hours must be positive")
	}
	return res
}

// setters maps the keys accepted by Set and Get.
var setters = map[string]struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}{
	"repos_root":                    {func(c *Config) string { return c.ReposRoot }, func(c *Config, v string) error { c.ReposRoot = v; return nil }},
	"listen":                        {func(c *Config) string { return c.Listen }, func(c *Config, v string) error { c.Listen = v; return nil }},
	"log.format":                    {func(c *Config) string { return c.Log.Format }, func(c *Config, v string) error { c.Log.Format = v; return nil }},
	"log.verbose":                   {func(c *Config) string { return strconv.FormatBool(c.Log.Verbose) }, boolSetter(func(c *Config) *bool { return &c.Log.Verbose })},
	"limits.timeout_ms":             {func(c *Config) string { return strconv.FormatInt(c.Limits.TimeoutMs, 10) }, int64Setter(func(c *Config) *int64 { return &c.Limits.TimeoutMs })},
	"limits.max_memory_mib":         {func(c *Config) string { return strconv.FormatInt(c.Limits.MaxMemoryMiB, 10) }, int64Setter(func(c *Config) *int64 { return &c.Limits.MaxMemoryMiB })},
	"limits.max_output_bytes":       {func(c *Config) string { return strconv.FormatInt(c.Limits.MaxOutputBytes, 10) }, int64Setter(func(c *Config) *int64 { return &c.Limits.MaxOutputBytes })},
	"limits.max_file_bytes":         {func(c *Config) string { return strconv.FormatInt(c.Limits.MaxFileBytes, 10) }, int64Setter(func(c *Config) *int64 { return &c.Limits.MaxFileBytes })},
	"limits.max_payload_bytes":      {func(c *Config) string { return strconv.Itoa(c.Limits.MaxPayloadBytes) }, intSetter(func(c *Config) *int { return &c.Limits.MaxPayloadBytes })},
	"limits.max_body_bytes":         {func(c *Config) string { return strconv.FormatInt(c.Limits.MaxBodyBytes, 10) }, int64Setter(func(c *Config) *int64 { return &c.Limits.MaxBodyBytes })},
	"cleanup.interval_seconds":      {func(c *Config) string { return strconv.Itoa(c.Cleanup.IntervalSeconds) }, intSetter(func(c *Config) *int { return &c.Cleanup.IntervalSeconds })},
	"cleanup.initial_delay_seconds": {func(c *Config) string { return strconv.Itoa(c.Cleanup.InitialDelaySeconds) }, intSetter(func(c *Config) *int { return &c.Cleanup.InitialDelaySeconds })},
	"cleanup.retention_hours":       {func(c *Config) string { return strconv.Itoa(c.Cleanup.RetentionHours) }, intSetter(func(c *Config) *int { return &c.Cleanup.RetentionHours })},
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func int64Setter(field func(*Config) *int64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

// Keys lists the keys accepted by Get and Set.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of a dotted key.
func (c *Config) Get(key string) (string, error) {
	s, ok := setters[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	return s.get(c), nil
}

// Set assigns a dotted key from its string form.
func (c *Config) Set(key, value string) error {
	s, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	if err := s.set(c, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

// Apply sets every key in overrides, failing on the first bad entry.
func (c *Config) Apply(overrides map[string]string) error {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.Set(k, overrides[k]); err != nil {
			return err
		}
	}
	return nil
}
