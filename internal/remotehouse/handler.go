package remotehouse

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/felixgeelhaar/remotehouse/internal/script"
	"github.com/felixgeelhaar/remotehouse/internal/store"
)

// DefaultRepository is listed when the registry is empty.
var DefaultRepository = store.Repository{
	Name:  "flashback-movies",
	Title: "FlashBack Movies",
	URL:   "https://github.com/clevertree/flashback-movies.git",
}

// RepositoryItem is one entry of the repository listing.
type RepositoryItem struct {
	Name  string `json:"name,omitempty"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Handler serves the script operations and the repository listing.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/remotehouse/{repo}/{op}", s.handleCall)
	mux.HandleFunc("GET /api/repository/list", s.handleList)
	return mux
}

func (s *Service) handleCall(w http.ResponseWriter, r *http.Request) {
	op, err := script.ParseOp(r.PathValue("op"))
	if err != nil {
		writeResponse(w, failure(http.StatusNotFound, errorBody{Error: err.Error()}))
		return
	}
	if v := s.guard.CheckBody(r.ContentLength); v != nil {
		writeResponse(w, failure(http.StatusRequestEntityTooLarge, errorBody{Error: v.Message}))
		return
	}
	body := r.Body
	if limit := s.guard.Policy().MaxBodyBytes; limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}

	req, err := DecodeRequest(op, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeResponse(w, failure(http.StatusRequestEntityTooLarge, errorBody{Error: "Request body too large"}))
			return
		}
		writeResponse(w, failure(http.StatusBadRequest, errorBody{Error: err.Error()}))
		return
	}
	writeResponse(w, s.Call(r.Context(), r.PathValue("repo"), req))
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.Repositories()
	if err != nil {
		s.observe.Log().Error().Err(err).Msg("failed to list repositories")
		writeResponse(w, failure(http.StatusInternalServerError, errorBody{Error: "Failed to list repositories"}))
		return
	}
	raw, err := json.Marshal(map[string]any{"items": items})
	if err != nil {
		writeResponse(w, failure(http.StatusInternalServerError, errorBody{Error: err.Error()}))
		return
	}
	writeResponse(w, &Response{Status: http.StatusOK, Body: raw})
}

// Repositories returns the registered repositories, or the default entry
// when none are registered.
func (s *Service) Repositories() ([]RepositoryItem, error) {
	var repos []*store.Repository
	if s.store != nil {
		var err error
		if repos, err = s.store.ListRepositories(); err != nil {
			return nil, err
		}
	}
	if len(repos) == 0 {
		repos = []*store.Repository{&DefaultRepository}
	}
	items := make([]RepositoryItem, 0, len(repos))
	for _, r := range repos {
		items = append(items, RepositoryItem{Name: r.Name, Title: r.Title, URL: r.URL})
	}
	return items, nil
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
