package remotehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/remotehouse/internal/executor"
	"github.com/felixgeelhaar/remotehouse/internal/guard"
	"github.com/felixgeelhaar/remotehouse/internal/observe"
	"github.com/felixgeelhaar/remotehouse/internal/runtime"
	"github.com/felixgeelhaar/remotehouse/internal/script"
	"github.com/felixgeelhaar/remotehouse/internal/store"
	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// workerEnv switches the test binary into worker mode so repository shims
// can exec it.
const workerEnv = "REMOTEHOUSE_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" && len(os.Args) > 1 {
		os.Exit(script.Main(os.Args[1], os.Args[2:], os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

func testPolicy() guard.Policy {
	p := guard.DefaultPolicy
	p.TimeoutMs = 20000
	return p
}

type fixture struct {
	svc   *Service
	root  string
	store *store.SQLiteStore
}

func newFixture(t *testing.T, policy guard.Policy, rules validate.Rules) *fixture {
	t.Helper()
	root := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "remotehouse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := runtime.NewEventBus()
	runtime.NewAuditor(st, observe.Discard()).Attach(bus)

	svc, err := New(Options{ReposRoot: root, Guard: guard.New(policy), Rules: rules, Bus: bus, Store: st})
	require.NoError(t, err)
	return &fixture{svc: svc, root: root, store: st}
}

// workerRepo initializes repo with shims that exec this test binary.
func (f *fixture) workerRepo(t *testing.T, repo string) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	_, err = f.svc.InitRepository(repo, []string{"env", workerEnv + "=1", exe})
	require.NoError(t, err)
	return filepath.Join(f.root, repo)
}

// shellRepo creates repo with the given sh bodies as operation scripts.
func (f *fixture) shellRepo(t *testing.T, repo string, scripts map[script.Op]string) string {
	t.Helper()
	dir := filepath.Join(f.root, repo)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	for op, body := range scripts {
		path := filepath.Join(dir, "scripts", string(op))
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	}
	return dir
}

func decodeBody(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &m), string(resp.Body))
	return m
}

func TestService_RecordLifecycle(t *testing.T) {
	f := newFixture(t, testPolicy(), validate.Rules{})
	repoDir := f.workerRepo(t, "films")
	ctx := context.Background()

	resp := f.svc.Call(ctx, "films", script.InsertRequest{Payload: map[string]any{
		"primary_index": "movies",
		"title":         "Inception",
		"year":          json.Number("2010"),
	}})
	require.Equal(t, http.StatusCreated, resp.Status, string(resp.Body))
	inserted := decodeBody(t, resp)
	assert.Equal(t, true, inserted["success"])
	id, _ := inserted["id"].(string)
	require.NotEmpty(t, id)
	meta, ok := inserted["_meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "films", meta["repoName"])
	assert.NotEmpty(t, meta["timestamp"])

	resp = f.svc.Call(ctx, "films", script.SearchRequest{Query: "incep"})
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	found := decodeBody(t, resp)
	assert.Equal(t, float64(1), found["count"])
	results := found["results"].([]any)
	assert.Equal(t, float64(2010), results[0].(map[string]any)["year"])

	resp = f.svc.Call(ctx, "films", script.CommentRequest{PrimaryIndex: "movies", ID: id, Email: "Fan@Example.com", Comment: "Great film"})
	require.Equal(t, http.StatusCreated, resp.Status, string(resp.Body))
	comments, err := os.ReadDir(filepath.Join(repoDir, "data", "movies", "comments", "fan_example.com"))
	require.NoError(t, err)
	assert.Len(t, comments, 1)

	resp = f.svc.Call(ctx, "films", script.BrowseRequest{Path: "movies", Depth: 2})
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	assert.Equal(t, "movies", decodeBody(t, resp)["path"])

	resp = f.svc.Call(ctx, "films", script.RemoveRequest{PrimaryIndex: "movies", ID: id})
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	assert.Equal(t, float64(1), decodeBody(t, resp)["removed"])

	resp = f.svc.Call(ctx, "films", script.RemoveRequest{PrimaryIndex: "movies", ID: id})
	assert.Equal(t, http.StatusNotFound, resp.Status)
	failed := decodeBody(t, resp)
	assert.Equal(t, false, failed["success"])
	assert.Equal(t, "not_found", failed["code"])
	assert.NotContains(t, failed, "_meta")

	rows, err := f.store.ListExecutions(store.ExecutionFilter{Repo: "films"})
	require.NoError(t, err)
	assert.Len(t, rows, 6)
	assert.Equal(t, "not_found", rows[0].Code)
	assert.Equal(t, http.StatusNotFound, rows[0].Status)
}

func TestService_ValidationRejectsBeforeExecution(t *testing.T) {
	f := newFixture(t, testPolicy(), validate.Rules{MaxPayloadSize: 64})
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	touch := "touch " + marker + "\necho '{\"success\":true}'"
	f.shellRepo(t, "repo", map[script.Op]string{
		script.OpBrowse: touch, script.OpSearch: touch, script.OpInsert: touch,
		script.OpRemove: touch, script.OpComment: touch,
	})

	cases := []struct {
		name string
		repo string
		req  script.Request
		want string
	}{
		{"RepoTraversal", "../repo", script.BrowseRequest{}, "Invalid repository name"},
		{"BrowseTraversal", "repo", script.BrowseRequest{Path: "../etc"}, "Invalid path"},
		{"DepthTooDeep", "repo", script.BrowseRequest{Depth: 11}, "Invalid depth"},
		{"NegativeOffset", "repo", script.BrowseRequest{Offset: -1}, "Invalid pagination"},
		{"ShellQuery", "repo", script.SearchRequest{Query: "x; rm -rf /"}, "Invalid search query"},
		{"LimitTooLarge", "repo", script.SearchRequest{Query: "x", Limit: 1001}, "Invalid pagination"},
		{"NilPayload", "repo", script.InsertRequest{}, "Invalid payload"},
		{"PayloadTooLarge", "repo", script.InsertRequest{Payload: map[string]any{"primary_index": "m", "body": strings.Repeat("x", 100)}}, "Payload too large"},
		{"MissingPrimaryIndex", "repo", script.InsertRequest{Payload: map[string]any{"title": "x"}}, "Missing required field: primary_index"},
		{"PrimaryIndexTraversal", "repo", script.InsertRequest{Payload: map[string]any{"primary_index": "../x"}}, "Invalid primary_index"},
		{"CallerRequiredField", "repo", script.InsertRequest{Payload: map[string]any{"primary_index": "m"}, Rules: &validate.Rules{RequiredFields: []string{"title"}}}, "Missing required field: title"},
		{"RemoveMissingIndex", "repo", script.RemoveRequest{}, "Missing required parameter: primary_index"},
		{"RemoveBadID", "repo", script.RemoveRequest{PrimaryIndex: "m", ID: "a/b"}, "Invalid id"},
		{"RemoveBlankID", "repo", script.RemoveRequest{PrimaryIndex: "m", ID: "   "}, "Invalid id"},
		{"BoolPrimaryIndex", "repo", script.InsertRequest{Payload: map[string]any{"primary_index": true}}, "Invalid primary_index"},
		{"CommentMissingEmail", "repo", script.CommentRequest{PrimaryIndex: "m", ID: "r", Comment: "hi"}, "Missing required parameter: email"},
		{"CommentBadEmail", "repo", script.CommentRequest{PrimaryIndex: "m", ID: "r", Email: "nope", Comment: "hi"}, "Invalid email"},
		{"CommentNul", "repo", script.CommentRequest{PrimaryIndex: "m", ID: "r", Email: "a@b.co", Comment: "a\x00b"}, "Invalid comment content"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.svc.Call(context.Background(), tc.repo, tc.req)
			assert.Equal(t, http.StatusBadRequest, resp.Status)
			body := decodeBody(t, resp)
			assert.Equal(t, false, body["success"])
			assert.Contains(t, body["error"], tc.want)
		})
	}
	assert.NoFileExists(t, marker)

	rows, err := f.store.ListExecutions(store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, len(cases))
}

func TestService_BlankRemoveIDKeepsRecords(t *testing.T) {
	f := newFixture(t, testPolicy(), validate.Rules{})
	repoDir := f.workerRepo(t, "films")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp := f.svc.Call(ctx, "films", script.InsertRequest{Payload: map[string]any{"primary_index": "movies", "n": i}})
		require.Equal(t, http.StatusCreated, resp.Status, string(resp.Body))
	}

	resp := f.svc.Call(ctx, "films", script.RemoveRequest{PrimaryIndex: "movies", ID: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	// Bypassing the service still reaches a worker that refuses the blank id.
	args, err := script.RemoveRequest{PrimaryIndex: "movies", ID: "  "}.Args()
	require.NoError(t, err)
	res := executor.Execute(ctx, filepath.Join(repoDir, "scripts", "remove"), args, f.svc.Guard().ExecutorConfig(repoDir))
	require.True(t, res.Success, res.Error)
	assert.Contains(t, string(res.Output), `"code":"invalid_input"`)

	n, err := executor.CountFiles(filepath.Join(repoDir, "data", "movies"), ".json")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestService_NumericPrimaryIndex(t *testing.T) {
	f := newFixture(t, testPolicy(), validate.Rules{})
	repoDir := f.workerRepo(t, "films")

	req, err := DecodeRequest(script.OpInsert, strings.NewReader(`{"payload":{"primary_index":1999,"title":"x"}}`))
	require.NoError(t, err)
	resp := f.svc.Call(context.Background(), "films", req)
	require.Equal(t, http.StatusCreated, resp.Status, string(resp.Body))
	assert.DirExists(t, filepath.Join(repoDir, "data", "1999"))
}

func TestService_MissingRepository(t *testing.T) {
	f := newFixture(t, testPolicy(), validate.Rules{})
	resp := f.svc.Call(context.Background(), "absent", script.BrowseRequest{})
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "Repository not found", decodeBody(t, resp)["error"])
}

func TestService_ScriptNotAllowed(t *testing.T) {
	policy := testPolicy()
	policy.AllowedScriptGlobs = []string{"scripts/browse"}
	f := newFixture(t, policy, validate.Rules{})
	f.shellRepo(t, "repo", map[script.Op]string{script.OpSearch: `echo '{"success":true}'`})

	resp := f.svc.Call(context.Background(), "repo", script.SearchRequest{Query: "x"})
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestService_ExecutionFailures(t *testing.T) {
	policy := testPolicy()
	policy.TimeoutMs = 300
	f := newFixture(t, policy, validate.Rules{})
	f.shellRepo(t, "repo", map[script.Op]string{
		script.OpBrowse:  "echo broken >&2\nexit 3",
		script.OpSearch:  "echo not json",
		script.OpInsert:  "sleep 5",
		script.OpComment: `echo '{"success":false,"error":"data directory not found","code":"data_dir_missing"}'`,
	})
	ctx := context.Background()

	resp := f.svc.Call(ctx, "repo", script.BrowseRequest{})
	require.Equal(t, http.StatusInternalServerError, resp.Status)
	body := decodeBody(t, resp)
	assert.Equal(t, string(executor.KindNonZeroExit), body["kind"])
	assert.Equal(t, float64(3), body["exit_code"])
	assert.Equal(t, "broken", body["error"])

	resp = f.svc.Call(ctx, "repo", script.SearchRequest{Query: "x"})
	require.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "Script returned invalid JSON", decodeBody(t, resp)["error"])

	resp = f.svc.Call(ctx, "repo", script.InsertRequest{Payload: map[string]any{"primary_index": "m"}})
	require.Equal(t, http.StatusInternalServerError, resp.Status)
	body = decodeBody(t, resp)
	assert.Equal(t, string(executor.KindTimeout), body["kind"])
	assert.NotContains(t, body, "exit_code")

	resp = f.svc.Call(ctx, "repo", script.RemoveRequest{PrimaryIndex: "m"})
	require.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, string(executor.KindScriptNotFound), decodeBody(t, resp)["kind"])

	resp = f.svc.Call(ctx, "repo", script.CommentRequest{PrimaryIndex: "m", ID: "r", Email: "a@b.co", Comment: "hi"})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "data_dir_missing", decodeBody(t, resp)["code"])

	rows, err := f.store.ListExecutions(store.ExecutionFilter{Repo: "repo"})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for _, r := range rows {
		assert.False(t, r.Success)
	}
}

func TestService_ConcurrentInserts(t *testing.T) {
	f := newFixture(t, testPolicy(), validate.Rules{})
	repoDir := f.workerRepo(t, "films")

	var g errgroup.Group
	ids := make([]string, 8)
	for i := range ids {
		g.Go(func() error {
			resp := f.svc.Call(context.Background(), "films", script.InsertRequest{Payload: map[string]any{
				"primary_index": "movies",
				"title":         "Movie",
			}})
			if resp.Status != http.StatusCreated {
				return fmt.Errorf("insert returned %d: %s", resp.Status, resp.Body)
			}
			var out struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(resp.Body, &out); err != nil {
				return err
			}
			ids[i] = out.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	n, err := executor.CountFiles(filepath.Join(repoDir, "data", "movies"), ".json")
	require.NoError(t, err)
	assert.Equal(t, len(ids), n)
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusForCode(script.CodeNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusForCode(script.CodeDataDirMissing))
	assert.Equal(t, http.StatusInternalServerError, statusForCode(script.CodeIO))
	assert.Equal(t, http.StatusBadRequest, statusForCode(script.CodeInvalidInput))
	assert.Equal(t, http.StatusBadRequest, statusForCode(script.CodeTraversal))
}

func TestEffectiveRules(t *testing.T) {
	f := newFixture(t, testPolicy(), validate.Rules{RequiredFields: []string{"primary_index", "title"}, MaxPayloadSize: 100})

	rules := f.svc.effectiveRules(&validate.Rules{RequiredFields: []string{"title", "year"}, MaxPayloadSize: 1 << 30})
	assert.Equal(t, []string{"primary_index", "title", "year"}, rules.RequiredFields)
	assert.Equal(t, 100, rules.MaxPayloadSize)

	assert.Equal(t, []string{"primary_index", "title"}, f.svc.effectiveRules(nil).RequiredFields)
}

func TestPrepare_SearchDefaults(t *testing.T) {
	f := newFixture(t, testPolicy(), validate.Rules{})
	req, err := f.svc.prepare("repo", script.SearchRequest{Query: "x"})
	require.NoError(t, err)
	assert.Equal(t, DefaultSearchLimit, req.(script.SearchRequest).Limit)

	req, err = f.svc.prepare("repo", script.BrowseRequest{Path: "/movies/"})
	require.NoError(t, err)
	assert.Equal(t, "movies", req.(script.BrowseRequest).Path)

	_, err = f.svc.prepare("repo", script.BrowseRequest{Depth: -1})
	assert.True(t, IsValidationError(err))
}

func TestRepository_InitAndStats(t *testing.T) {
	f := newFixture(t, testPolicy(), validate.Rules{})

	written, err := f.svc.InitRepository("notes", []string{"/usr/local/bin/remote house", "worker"})
	require.NoError(t, err)
	assert.Len(t, written, len(script.Ops))

	shim, err := os.ReadFile(filepath.Join(f.root, "notes", "scripts", "insert"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nexec '/usr/local/bin/remote house' 'worker' insert \"$@\"\n", string(shim))

	written, err = f.svc.InitRepository("notes", []string{"remotehouse", "worker"})
	require.NoError(t, err)
	assert.Empty(t, written)

	_, err = f.svc.InitRepository("../notes", []string{"remotehouse"})
	assert.True(t, IsValidationError(err))

	dataDir := filepath.Join(f.root, "notes", "data", "todo")
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "comments", "a_b.co"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "r1.json"), []byte(`{"id":"r1"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "comments", "a_b.co", "c1.md"), []byte("hi"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(f.root, "notes", "scripts", "comment")))

	st, err := f.svc.Stats("notes")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Records)
	assert.Equal(t, 1, st.Comments)
	assert.Equal(t, int64(13), st.DataBytes)
	assert.Equal(t, "ok", st.Scripts["insert"])
	assert.NotEqual(t, "ok", st.Scripts["comment"])
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, `''`, shellQuote(""))
}
