package remotehouse

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/remotehouse/internal/script"
	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

func serve(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestHandler_Operations(t *testing.T) {
	f := newFixture(t, testPolicy(), validate.Rules{})
	f.workerRepo(t, "films")
	h := f.svc.Handler()

	rec, body := serve(t, h, http.MethodPost, "/api/remotehouse/films/insert",
		`{"payload":{"primary_index":"movies","title":"Heat","rating":8.3}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, body["id"])
	assert.Contains(t, body, "_meta")

	rec, body = serve(t, h, http.MethodPost, "/api/remotehouse/films/search", `{"query":"heat","limit":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), body["count"])

	rec, body = serve(t, h, http.MethodPost, "/api/remotehouse/films/browse", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/", body["path"])
}

func TestHandler_Rejections(t *testing.T) {
	policy := testPolicy()
	policy.MaxBodyBytes = 64
	f := newFixture(t, policy, validate.Rules{})
	f.shellRepo(t, "repo", map[script.Op]string{script.OpBrowse: `echo '{"success":true}'`})
	h := f.svc.Handler()

	rec, body := serve(t, h, http.MethodPost, "/api/remotehouse/repo/drop", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, body = serve(t, h, http.MethodPost, "/api/remotehouse/repo/search", `{"query":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON request body", body["error"])

	rec, _ = serve(t, h, http.MethodPost, "/api/remotehouse/repo/insert",
		`{"payload":{"primary_index":"m","body":"`+strings.Repeat("x", 100)+`"}}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec, body = serve(t, h, http.MethodPost, "/api/remotehouse/repo/remove", `{"primary_index":"a b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "Invalid primary_index")

	rec, _ = serve(t, h, http.MethodGet, "/api/remotehouse/repo/browse", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_RepositoryList(t *testing.T) {
	f := newFixture(t, testPolicy(), validate.Rules{})
	h := f.svc.Handler()

	rec, body := serve(t, h, http.MethodGet, "/api/repository/list", "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "FlashBack Movies", items[0].(map[string]any)["title"])

	require.NoError(t, f.svc.RegisterRepository("films", "Films", "https://example.com/films.git"))
	require.NoError(t, f.svc.RegisterRepository("notes", "", ""))

	_, body = serve(t, h, http.MethodGet, "/api/repository/list", "")
	items = body["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "Films", items[0].(map[string]any)["title"])
	assert.Equal(t, "notes", items[1].(map[string]any)["title"])

	assert.True(t, IsValidationError(f.svc.RegisterRepository("a/b", "", "")))
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest(script.OpInsert, strings.NewReader(`{"payload":{"primary_index":"m","n":12345678901234567890}}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("12345678901234567890"), req.(script.InsertRequest).Payload["n"])

	req, err = DecodeRequest(script.OpBrowse, strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, script.BrowseRequest{}, req)

	_, err = DecodeRequest(script.OpRemove, strings.NewReader(`[1]`))
	assert.True(t, IsValidationError(err))

	_, err = DecodeRequest(script.Op("drop"), strings.NewReader(`{}`))
	assert.Error(t, err)
}
