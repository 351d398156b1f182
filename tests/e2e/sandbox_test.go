package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/remotehouse/internal/guard"
	"github.com/felixgeelhaar/remotehouse/internal/observe"
	"github.com/felixgeelhaar/remotehouse/internal/remotehouse"
	"github.com/felixgeelhaar/remotehouse/internal/runtime"
	"github.com/felixgeelhaar/remotehouse/internal/store"
	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// hostileRepo installs scripts that misbehave in the ways the sandbox has to
// contain.
func hostileRepo(t *testing.T, root, marker string) {
	t.Helper()
	scripts := map[string]string{
		"browse":  "(sleep 1; touch " + marker + ") &\nsleep 30",
		"search":  "head -c 5000000 /dev/zero | tr '\\000' a",
		"insert":  `echo "{\"success\":true,\"secret\":\"$REMOTEHOUSE_E2E_SECRET\",\"dir\":\"$(pwd)\"}"`,
		"remove":  "kill -9 $$",
		"comment": `echo '{"success":false,"error":"invalid id","code":"invalid_input"}'`,
	}
	dir := filepath.Join(root, "hostile", "scripts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "hostile", "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range scripts {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestE2E_SandboxContainsHostileScripts(t *testing.T) {
	t.Setenv("REMOTEHOUSE_E2E_SECRET", "hunter2")
	root := t.TempDir()
	marker := filepath.Join(t.TempDir(), "escaped")
	hostileRepo(t, root, marker)

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	policy := guard.DefaultPolicy
	policy.TimeoutMs = 300
	policy.MaxOutputBytes = 4096

	bus := runtime.NewEventBus()
	runtime.NewAuditor(s, observe.Discard()).Attach(bus)
	svc, err := remotehouse.New(remotehouse.Options{
		ReposRoot: root,
		Guard:     guard.New(policy),
		Rules:     validate.DefaultRules(),
		Bus:       bus,
		Store:     s,
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	post := func(op, body string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Post(srv.URL+"/api/remotehouse/hostile/"+op, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST %s failed: %v", op, err)
		}
		defer resp.Body.Close()
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("Invalid %s response: %v", op, err)
		}
		return resp.StatusCode, out
	}

	start := time.Now()
	status, out := post("browse", `{}`)
	if status != http.StatusInternalServerError || out["kind"] != "timeout" {
		t.Errorf("Expected timeout, got %d %v", status, out)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Timeout took %v", elapsed)
	}

	status, out = post("search", `{"query":"a"}`)
	if status != http.StatusInternalServerError || out["error"] != "Script returned invalid JSON" {
		t.Errorf("Expected truncated output to be rejected, got %d %v", status, out)
	}

	status, out = post("insert", `{"payload":{"primary_index":"m"}}`)
	if status != http.StatusCreated {
		t.Fatalf("Expected insert to pass through, got %d %v", status, out)
	}
	if out["secret"] != "" {
		t.Errorf("Host environment leaked into script: %v", out["secret"])
	}
	if dir, _ := out["dir"].(string); filepath.Base(dir) != "hostile" {
		t.Errorf("Expected script to run in the repository directory, got %q", dir)
	}

	status, out = post("remove", `{"primary_index":"m"}`)
	if status != http.StatusInternalServerError || out["kind"] != "non_zero_exit" {
		t.Errorf("Expected killed script to be reported, got %d %v", status, out)
	}

	status, out = post("comment", `{"primary_index":"m","id":"r","email":"a@b.co","comment":"x"}`)
	if status != http.StatusBadRequest || out["code"] != "invalid_input" {
		t.Errorf("Expected data error passthrough, got %d %v", status, out)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Error("A child of a timed out script survived the group kill")
	}

	rows, err := s.ListExecutions(store.ExecutionFilter{Repo: "hostile"})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(rows) != 5 {
		t.Errorf("Expected 5 audited executions, got %d", len(rows))
	}
}
