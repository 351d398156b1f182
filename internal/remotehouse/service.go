// Package remotehouse is the orchestration layer: it validates a request,
// resolves the repository script for the operation, runs it through the
// executor and maps the outcome onto a transport status and body.
package remotehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/felixgeelhaar/remotehouse/internal/executor"
	"github.com/felixgeelhaar/remotehouse/internal/guard"
	"github.com/felixgeelhaar/remotehouse/internal/observe"
	"github.com/felixgeelhaar/remotehouse/internal/runtime"
	"github.com/felixgeelhaar/remotehouse/internal/script"
	"github.com/felixgeelhaar/remotehouse/internal/store"
	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// DefaultSearchLimit applies when a search names no limit.
const DefaultSearchLimit = 100

// Options wires a Service.
type Options struct {
	ReposRoot  string
	ScriptsDir string
	Guard      *guard.Guard
	Rules      validate.Rules
	Bus        *runtime.EventBus
	Store      store.Storage
	Observer   *observe.Observer
}

// Service runs script operations against repositories under one root.
type Service struct {
	root       string
	scriptsDir string
	guard      *guard.Guard
	rules      validate.Rules
	bus        *runtime.EventBus
	store      store.Storage
	observe    *observe.Observer
	now        func() time.Time
}

func New(opts Options) (*Service, error) {
	root, err := filepath.Abs(opts.ReposRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repositories root: %w", err)
	}
	if opts.ScriptsDir == "" {
		opts.ScriptsDir = "scripts"
	}
	if opts.Guard == nil {
		opts.Guard = guard.New(guard.DefaultPolicy)
	}
	if opts.Bus == nil {
		opts.Bus = runtime.NewEventBus()
	}
	if opts.Observer == nil {
		opts.Observer = observe.Discard()
	}
	return &Service{
		root:       root,
		scriptsDir: opts.ScriptsDir,
		guard:      opts.Guard,
		rules:      opts.Rules.WithDefaults(),
		bus:        opts.Bus,
		store:      opts.Store,
		observe:    opts.Observer,
		now:        time.Now,
	}, nil
}

// Root returns the absolute repositories root.
func (s *Service) Root() string { return s.root }

// Guard returns the execution policy in force.
func (s *Service) Guard() *guard.Guard { return s.guard }

// Response is a transport-ready outcome.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Meta is attached to successful responses.
type Meta struct {
	Duration  int64  `json:"duration"`
	Timestamp string `json:"timestamp"`
	RepoName  string `json:"repoName"`
}

type errorBody struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error"`
	Kind     executor.Kind `json:"kind,omitempty"`
	Code     script.Code   `json:"code,omitempty"`
	ExitCode *int          `json:"exit_code,omitempty"`
}

// Call validates req, runs the repository's script for it and returns the
// mapped response. It never returns nil.
func (s *Service) Call(ctx context.Context, repo string, req script.Request) *Response {
	op := req.Op()
	ctx, span := s.observe.StartSpan(ctx, "remotehouse."+string(op))
	defer span.End()
	span.SetAttributes(attribute.String("repo", repo))

	start := s.now()
	audit := &store.Execution{Repo: repo, Op: string(op)}

	req, err := s.prepare(repo, req)
	if err != nil {
		audit.Status, audit.Error = http.StatusBadRequest, err.Error()
		s.bus.Publish(runtime.Event{Type: runtime.EventValidationRejected, Repo: repo, Op: string(op), Execution: audit})
		s.observe.Log().Warn().Str("repo", repo).Str("op", string(op)).Err(err).Msg("request rejected")
		return failure(http.StatusBadRequest, errorBody{Error: err.Error()})
	}

	repoDir := filepath.Join(s.root, repo)
	if info, err := os.Stat(repoDir); err != nil || !info.IsDir() {
		audit.Status, audit.Error = http.StatusNotFound, "Repository not found"
		s.bus.Publish(runtime.Event{Type: runtime.EventValidationRejected, Repo: repo, Op: string(op), Execution: audit})
		return failure(http.StatusNotFound, errorBody{Error: "Repository not found"})
	}

	scriptPath := filepath.Join(repoDir, s.scriptsDir, string(op))
	if v := s.guard.CheckScript(repoDir, scriptPath); v != nil {
		audit.Status, audit.Error = http.StatusForbidden, v.Message
		s.bus.Publish(runtime.Event{Type: runtime.EventValidationRejected, Repo: repo, Op: string(op), Execution: audit})
		s.observe.Log().Error().Str("repo", repo).Str("rule", v.Rule).Msg(v.Message)
		return failure(http.StatusForbidden, errorBody{Error: v.Message})
	}

	args, err := req.Args()
	if err != nil {
		return failure(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}

	s.bus.PublishSimple(runtime.EventExecutionStart, repo, string(op))
	res := executor.Execute(ctx, scriptPath, args, s.guard.ExecutorConfig(repoDir))
	resp := s.classify(repo, op, res, start, audit)

	audit.Status = resp.Status
	audit.DurationMs = res.Duration.Milliseconds()
	audit.ExitCode = res.ExitCode
	s.bus.Publish(runtime.Event{Type: runtime.EventExecutionEnd, Repo: repo, Op: string(op), Execution: audit})

	span.SetAttributes(attribute.Int("status", resp.Status))
	if !audit.Success {
		span.SetStatus(codes.Error, audit.Error)
	}
	s.observe.Log().Info().
		Str("repo", repo).
		Str("op", string(op)).
		Int("status", resp.Status).
		Int("duration_ms", int(audit.DurationMs)).
		Msg("script executed")
	return resp
}

func (s *Service) classify(repo string, op script.Op, res *executor.Result, start time.Time, audit *store.Execution) *Response {
	if !res.Success {
		audit.Kind, audit.Error = string(res.Kind), res.Error
		body := errorBody{Error: res.Error, Kind: res.Kind}
		if res.Kind == executor.KindNonZeroExit {
			code := res.ExitCode
			body.ExitCode = &code
		}
		s.observe.Log().Error().Str("repo", repo).Str("op", string(op)).Str("kind", string(res.Kind)).Msg(res.Error)
		return failure(http.StatusInternalServerError, body)
	}

	if res.Output == nil {
		audit.Error = "script returned invalid JSON"
		return failure(http.StatusInternalServerError, errorBody{Error: "Script returned invalid JSON"})
	}

	var env script.Envelope
	if err := json.Unmarshal(res.Output, &env); err != nil {
		audit.Error = "script returned a non-object document"
		return failure(http.StatusInternalServerError, errorBody{Error: "Script returned invalid JSON"})
	}
	if !env.Success {
		audit.Code, audit.Error = string(env.Code), env.Error
		return &Response{Status: statusForCode(env.Code), Body: res.Output}
	}

	body, err := withMeta(res.Output, Meta{
		Duration:  s.now().Sub(start).Milliseconds(),
		Timestamp: s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		RepoName:  repo,
	})
	if err != nil {
		audit.Error = err.Error()
		return failure(http.StatusInternalServerError, errorBody{Error: "Script returned invalid JSON"})
	}
	audit.Success = true
	status := http.StatusOK
	if op.Creates() {
		status = http.StatusCreated
	}
	return &Response{Status: status, Body: body}
}

func statusForCode(code script.Code) int {
	switch code {
	case script.CodeNotFound:
		return http.StatusNotFound
	case script.CodeDataDirMissing, script.CodeIO:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func withMeta(output json.RawMessage, meta Meta) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(output, &obj); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	obj["_meta"] = raw
	return json.Marshal(obj)
}

func failure(status int, body errorBody) *Response {
	body.Success = false
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{"success":false,"error":"internal error"}`)
	}
	return &Response{Status: status, Body: raw}
}

// ValidationError is a request rejected before any script runs.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err was produced by request validation.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
