package guard

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/felixgeelhaar/remotehouse/internal/executor"
)

// Policy defines the limits and scopes applied to every script invocation.
type Policy struct {
	TimeoutMs          int64    `json:"timeout_ms" yaml:"timeout_ms"`
	MaxMemoryMiB       int64    `json:"max_memory_mib" yaml:"max_memory_mib"`
	MaxOutputBytes     int64    `json:"max_output_bytes" yaml:"max_output_bytes"`
	MaxFileBytes       int64    `json:"max_file_bytes" yaml:"max_file_bytes"`
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
	AllowedScriptGlobs []string `json:"allowed_script_globs" yaml:"allowed_script_globs"`
	Interpreter        []string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
}

// DefaultPolicy provides safe defaults.
var DefaultPolicy = Policy{
	TimeoutMs:          30000,
	MaxMemoryMiB:       256,
	MaxOutputBytes:     10 << 20,
	MaxFileBytes:       16 << 20,
	MaxBodyBytes:       2 << 20,
	AllowedScriptGlobs: []string{"scripts/*"},
}

// Violation represents a specific breach of policy.
type Violation struct {
	Rule    string
	Message string
	Fatal   bool
}

func (v *Violation) Error() string { return v.Message }

// Guard enforces the policy.
type Guard struct {
	policy Policy
}

func New(p Policy) *Guard {
	return &Guard{policy: p}
}

// Policy returns the guard's current policy configuration.
func (g *Guard) Policy() Policy {
	return g.policy
}

// CheckScript verifies that script resolves inside repoDir and that its path
// relative to repoDir matches one of the allowed globs.
func (g *Guard) CheckScript(repoDir, script string) *Violation {
	rel, err := filepath.Rel(filepath.Clean(repoDir), filepath.Clean(script))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return &Violation{Rule: "containment", Message: "Script outside repository: " + script, Fatal: true}
	}
	rel = filepath.ToSlash(rel)

	for _, pattern := range g.policy.AllowedScriptGlobs {
		match, err := doublestar.Match(pattern, rel)
		if err == nil && match {
			return nil
		}
	}
	return &Violation{Rule: "allowed_script_globs", Message: "Script not allowed: " + rel, Fatal: true}
}

// CheckBody verifies a request body size against the policy.
func (g *Guard) CheckBody(n int64) *Violation {
	if g.policy.MaxBodyBytes > 0 && n > g.policy.MaxBodyBytes {
		return &Violation{Rule: "max_body_bytes", Message: "Request body too large", Fatal: true}
	}
	return nil
}

// ExecutorConfig returns the executor limits for a script run from repoDir.
func (g *Guard) ExecutorConfig(repoDir string) executor.Config {
	return executor.Config{
		TimeoutMs:      g.policy.TimeoutMs,
		MaxMemoryMiB:   g.policy.MaxMemoryMiB,
		MaxOutputBytes: g.policy.MaxOutputBytes,
		MaxFileBytes:   g.policy.MaxFileBytes,
		WorkingDir:     repoDir,
		Interpreter:    g.policy.Interpreter,
	}
}
