// Package executor runs one script invocation as an isolated child process
// and classifies its outcome.
//
// Each invocation gets its own process group, a wall-clock timeout enforced
// by killing that group, OS resource limits (data segment, CPU time and file
// size on Linux), an allow-listed environment and capped stdout/stderr
// capture. The executor never retries.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("remotehouse")

const (
	// EnvScriptExecution is set to "true" for every script.
	EnvScriptExecution = "SCRIPT_EXECUTION"
	// EnvMaxMemoryMiB carries the memory ceiling so a script's runtime can
	// size itself below the hard limit.
	EnvMaxMemoryMiB = "SCRIPT_MAX_MEMORY_MIB"

	waitDelay = 250 * time.Millisecond
)

// allowedEnvironment lists the host variables passed through to scripts.
var allowedEnvironment = []string{"PATH", "HOME", "LANG", "TMPDIR"}

// Config bounds a single invocation.
type Config struct {
	TimeoutMs      int64
	MaxMemoryMiB   int64
	MaxOutputBytes int64
	// MaxFileBytes caps the size of any file the script writes. Zero disables it.
	MaxFileBytes int64
	// WorkingDir defaults to the directory containing the script.
	WorkingDir string
	// Interpreter, when set, is the argv prefix the script path is appended to.
	Interpreter []string
	// Env is appended to the allow-listed environment.
	Env []string
}

// DefaultConfig returns the stock limits: 30s, 256 MiB, 10 MiB of output.
func DefaultConfig() Config {
	return Config{
		TimeoutMs:      30000,
		MaxMemoryMiB:   256,
		MaxOutputBytes: 10 << 20,
		MaxFileBytes:   16 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = d.TimeoutMs
	}
	if c.MaxMemoryMiB <= 0 {
		c.MaxMemoryMiB = d.MaxMemoryMiB
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = d.MaxOutputBytes
	}
	return c
}

// Timeout returns the wall-clock budget.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Kind classifies a failed execution.
type Kind string

const (
	KindScriptNotFound Kind = "script_not_found"
	KindSpawn          Kind = "spawn_error"
	KindTimeout        Kind = "timeout"
	KindNonZeroExit    Kind = "non_zero_exit"
	KindCanceled       Kind = "canceled"
)

var (
	ErrScriptNotFound = errors.New("script not found")
	ErrSpawn          = errors.New("failed to start script")
	ErrTimeout        = errors.New("script timed out")
	ErrNonZeroExit    = errors.New("script exited with non-zero status")
	ErrCanceled       = errors.New("script canceled")
)

// Error is an execution failure. It matches the Err* sentinel of its Kind.
type Error struct {
	Kind     Kind
	Message  string
	ExitCode int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindScriptNotFound:
		return ErrScriptNotFound
	case KindSpawn:
		return ErrSpawn
	case KindTimeout:
		return ErrTimeout
	case KindNonZeroExit:
		return ErrNonZeroExit
	case KindCanceled:
		return ErrCanceled
	}
	return nil
}

// Usage is the child's resource consumption, where the platform reports it.
type Usage struct {
	UserTime    time.Duration `json:"user_time"`
	SystemTime  time.Duration `json:"system_time"`
	MaxRSSBytes int64         `json:"max_rss_bytes"`
}

// Result is the classified outcome of one invocation.
type Result struct {
	Success bool
	// Output holds stdout when it parsed as one JSON document.
	Output json.RawMessage
	// Raw is stdout verbatim.
	Raw       string
	Stderr    string
	Error     string
	Kind      Kind
	ExitCode  int
	Duration  time.Duration
	Truncated bool
	Usage     *Usage
}

// Err returns nil for a successful result, otherwise an *Error.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Kind, Message: r.Error, ExitCode: r.ExitCode}
}

// ExecuteWithInput passes input JSON encoded as the single --input argument.
func ExecuteWithInput(ctx context.Context, scriptPath string, input any, cfg Config) *Result {
	blob, err := json.Marshal(input)
	if err != nil {
		return &Result{Kind: KindSpawn, Error: fmt.Sprintf("failed to encode input: %v", err), ExitCode: -1}
	}
	return Execute(ctx, scriptPath, []string{"--input", string(blob)}, cfg)
}

// Execute runs scriptPath with args and blocks until it exits, the timeout
// fires or ctx is canceled. It never returns nil.
func Execute(ctx context.Context, scriptPath string, args []string, cfg Config) (res *Result) {
	cfg = cfg.withDefaults()

	ctx, span := tracer.Start(ctx, "executor.Execute")
	defer func() {
		span.SetAttributes(
			attribute.String("script", scriptPath),
			attribute.String("kind", string(res.Kind)),
			attribute.Int("exit_code", res.ExitCode),
		)
		if !res.Success {
			span.RecordError(res.Err())
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()
	}()

	start := time.Now()
	res = &Result{ExitCode: -1}
	defer func() { res.Duration = time.Since(start) }()

	abs, err := filepath.Abs(scriptPath)
	if err != nil {
		return res.fail(KindSpawn, fmt.Sprintf("invalid script path: %v", err))
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res.fail(KindScriptNotFound, fmt.Sprintf("script not found: %s", scriptPath))
		}
		return res.fail(KindSpawn, err.Error())
	}
	if info.IsDir() {
		return res.fail(KindScriptNotFound, fmt.Sprintf("script is a directory: %s", scriptPath))
	}

	execCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	name, argv := abs, args
	if len(cfg.Interpreter) > 0 {
		name = cfg.Interpreter[0]
		argv = append(append(append([]string{}, cfg.Interpreter[1:]...), abs), args...)
	}

	cmd := exec.CommandContext(execCtx, name, argv...)
	cmd.Dir = cfg.WorkingDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(abs)
	}
	cmd.Env = buildEnvironment(cfg)
	cmd.WaitDelay = waitDelay
	setupProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdout, max: cfg.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderr, max: cfg.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	if err := cmd.Start(); err != nil {
		return res.fail(KindSpawn, err.Error())
	}
	if err := applyLimits(cmd.Process.Pid, cfg); err != nil {
		_ = cmd.Cancel()
		_ = cmd.Wait()
		return res.fail(KindSpawn, err.Error())
	}

	err = cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		err = nil
	}

	res.Raw = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdoutLimited.truncated || stderrLimited.truncated
	res.Usage = resourceUsage(cmd.ProcessState)
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		switch {
		case ctx.Err() != nil:
			return res.fail(KindCanceled, fmt.Sprintf("execution canceled: %v", ctx.Err()))
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			return res.fail(KindTimeout, fmt.Sprintf("script execution timed out after %dms", cfg.TimeoutMs))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res.fail(KindNonZeroExit, exitMessage(exitErr, res.Stderr))
		}
		return res.fail(KindSpawn, err.Error())
	}

	res.Success = true
	if trimmed := bytes.TrimSpace(stdout.Bytes()); len(trimmed) > 0 && json.Valid(trimmed) {
		res.Output = json.RawMessage(trimmed)
	}
	return res
}

func (r *Result) fail(kind Kind, msg string) *Result {
	r.Success = false
	r.Kind = kind
	r.Error = msg
	return r
}

func exitMessage(exitErr *exec.ExitError, stderr string) string {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return msg
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return "script exited with code " + strconv.Itoa(code)
	}
	return "process exited abnormally: " + exitErr.ProcessState.String()
}

func buildEnvironment(cfg Config) []string {
	env := make([]string, 0, len(allowedEnvironment)+2+len(cfg.Env))
	for _, key := range allowedEnvironment {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}
	env = append(env,
		EnvScriptExecution+"=true",
		EnvMaxMemoryMiB+"="+strconv.FormatInt(cfg.MaxMemoryMiB, 10),
	)
	return append(env, cfg.Env...)
}

// limitedWriter keeps the first max bytes and reports success for the rest
// so the child never sees a short write.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := lw.max - lw.written
	if remaining <= 0 {
		lw.truncated = true
		return n, nil
	}
	if int64(n) > remaining {
		lw.truncated = true
		p = p[:remaining]
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	if err != nil {
		return written, err
	}
	return n, nil
}
