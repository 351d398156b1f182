package remotehouse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/felixgeelhaar/remotehouse/internal/recordstore"
	"github.com/felixgeelhaar/remotehouse/internal/script"
	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// DecodeRequest reads the JSON body for op into its request variant.
// Numbers inside insert payloads are preserved exactly. An empty body decodes
// as an empty object.
func DecodeRequest(op script.Op, body io.Reader) (script.Request, error) {
	dec := json.NewDecoder(body)
	dec.UseNumber()

	switch op {
	case script.OpBrowse:
		return decodeInto[script.BrowseRequest](dec)
	case script.OpSearch:
		return decodeInto[script.SearchRequest](dec)
	case script.OpInsert:
		return decodeInto[script.InsertRequest](dec)
	case script.OpRemove:
		return decodeInto[script.RemoveRequest](dec)
	case script.OpComment:
		return decodeInto[script.CommentRequest](dec)
	}
	return nil, fmt.Errorf("unknown operation: %q", op)
}

func decodeInto[T script.Request](dec *json.Decoder) (script.Request, error) {
	var r T
	err := dec.Decode(&r)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return nil, err
	case err != nil && !errors.Is(err, io.EOF):
		return nil, invalid("Invalid JSON request body")
	}
	return r, nil
}

// prepare validates req for repo and applies service defaults. Nothing it
// rejects ever reaches a script.
func (s *Service) prepare(repo string, req script.Request) (script.Request, error) {
	if !validate.RepositoryName(repo) {
		return nil, invalid("Invalid repository name")
	}

	switch r := req.(type) {
	case script.BrowseRequest:
		if !validate.BrowsePath(strings.Trim(r.Path, "/")) {
			return nil, invalid("Invalid path")
		}
		if r.Depth != 0 && !validate.Depth(&r.Depth) {
			return nil, invalid("Invalid depth: must be between %d and %d", validate.MinDepth, validate.MaxDepth)
		}
		if err := checkPagination(r.Limit, r.Offset); err != nil {
			return nil, err
		}
		r.Path = strings.Trim(r.Path, "/")
		return r, nil

	case script.SearchRequest:
		if !validate.SearchQuery(r.Query) {
			return nil, invalid("Invalid search query")
		}
		if !validate.SearchField(r.Field) {
			return nil, invalid("Invalid search field")
		}
		if !validate.BrowsePath(r.Path) {
			return nil, invalid("Invalid path")
		}
		if err := checkPagination(r.Limit, r.Offset); err != nil {
			return nil, err
		}
		if r.Limit == 0 {
			r.Limit = DefaultSearchLimit
		}
		return r, nil

	case script.InsertRequest:
		rules := s.effectiveRules(r.Rules)
		if r.Payload == nil {
			return nil, invalid("Invalid payload: must be an object")
		}
		if size := validate.PayloadSize(r.Payload); size < 0 || size > rules.MaxPayloadSize {
			return nil, invalid("Payload too large: %d bytes (max: %d)", size, rules.MaxPayloadSize)
		}
		if field := validate.MissingField(r.Payload, rules.RequiredFields); field != "" {
			return nil, invalid("Missing required field: %s", field)
		}
		pi, ok := recordstore.PrimaryIndexOf(r.Payload)
		if !ok || !validate.PrimaryIndex(pi) {
			return nil, invalid("Invalid primary_index: contains invalid characters")
		}
		r.Rules = &rules
		return r, nil

	case script.RemoveRequest:
		if strings.TrimSpace(r.PrimaryIndex) == "" {
			return nil, invalid("Missing required parameter: primary_index")
		}
		if !validate.PrimaryIndex(strings.TrimSpace(r.PrimaryIndex)) {
			return nil, invalid("Invalid primary_index: contains invalid characters")
		}
		if r.ID != "" && !validate.RecordID(strings.TrimSpace(r.ID)) {
			return nil, invalid("Invalid id: contains invalid characters")
		}
		return r, nil

	case script.CommentRequest:
		for _, f := range []struct{ name, value string }{
			{"primary_index", r.PrimaryIndex},
			{"id", r.ID},
			{"email", r.Email},
			{"comment", r.Comment},
		} {
			if strings.TrimSpace(f.value) == "" {
				return nil, invalid("Missing required parameter: %s", f.name)
			}
		}
		if !validate.PrimaryIndex(strings.TrimSpace(r.PrimaryIndex)) {
			return nil, invalid("Invalid primary_index: contains invalid characters")
		}
		if !validate.RecordID(strings.TrimSpace(r.ID)) {
			return nil, invalid("Invalid id: contains invalid characters")
		}
		if !validate.Email(strings.ToLower(strings.TrimSpace(r.Email))) {
			return nil, invalid("Invalid email")
		}
		if !validate.CommentContent(strings.TrimSpace(r.Comment)) {
			return nil, invalid("Invalid comment content")
		}
		return r, nil
	}
	return nil, invalid("Unsupported request")
}

// effectiveRules merges caller-supplied required fields into the service
// rules. The payload ceiling always comes from the service.
func (s *Service) effectiveRules(caller *validate.Rules) validate.Rules {
	rules := validate.Rules{
		RequiredFields: append([]string(nil), s.rules.RequiredFields...),
		MaxPayloadSize: s.rules.MaxPayloadSize,
	}
	if caller == nil {
		return rules
	}
	seen := make(map[string]bool, len(rules.RequiredFields))
	for _, f := range rules.RequiredFields {
		seen[f] = true
	}
	for _, f := range caller.RequiredFields {
		if !seen[f] {
			seen[f] = true
			rules.RequiredFields = append(rules.RequiredFields, f)
		}
	}
	return rules
}

func checkPagination(limit, offset int) error {
	var lp *int
	if limit != 0 {
		lp = &limit
	}
	if !validate.Pagination(lp, &offset) {
		return invalid("Invalid pagination parameters")
	}
	return nil
}
