package recordstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// DefaultSearchField is matched when a search names no field.
const DefaultSearchField = "title"

// SearchOptions selects records whose Field contains Query, case-insensitively.
type SearchOptions struct {
	Query  string
	Field  string
	Path   string
	Limit  int
	Offset int
}

// SearchResult is one page of matching records.
type SearchResult struct {
	Results []map[string]any `json:"results"`
	Count   int              `json:"count"`
	Total   int              `json:"total"`
	Query   string           `json:"query"`
	Field   string           `json:"field"`
}

// Search walks the data directory (or opts.Path beneath it) and returns every
// record whose field matches. Files that fail to parse are skipped.
func (d *DataDir) Search(opts SearchOptions) (*SearchResult, error) {
	if opts.Query == "" {
		return nil, invalid("invalid query parameter")
	}
	if opts.Field == "" {
		opts.Field = DefaultSearchField
	}
	if !validate.BrowsePath(opts.Path) {
		return nil, invalid("invalid path")
	}

	root, err := d.resolve(filepath.FromSlash(opts.Path))
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: path %s", ErrNotFound, opts.Path)
	}

	needle := strings.ToLower(opts.Query)
	var matches []map[string]any

	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), recordExt) {
			return nil
		}
		rel, err := d.rel(path)
		if err != nil {
			return nil
		}
		data, err := readRecord(path)
		if err != nil {
			return nil
		}
		if !fieldContains(data[opts.Field], needle) {
			return nil
		}
		matches = append(matches, searchHit(rel, data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search data directory: %w", err)
	}

	page := paginate(matches, opts.Offset, opts.Limit)
	if page == nil {
		page = []map[string]any{}
	}
	return &SearchResult{
		Results: page,
		Count:   len(page),
		Total:   len(matches),
		Query:   opts.Query,
		Field:   opts.Field,
	}, nil
}

func readRecord(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- contained by resolve/rel
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.New("record is not an object")
	}
	return data, nil
}

func fieldContains(v any, needle string) bool {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		if t == 0 {
			return false
		}
		s = fmt.Sprint(t)
	case bool:
		if !t {
			return false
		}
		s = "true"
	default:
		return false
	}
	return s != "" && strings.Contains(strings.ToLower(s), needle)
}

func searchHit(rel string, data map[string]any) map[string]any {
	hit := map[string]any{
		"id":          rel,
		"title":       "Untitled",
		"description": "",
		"path":        rel,
	}
	for k, v := range data {
		if v == nil && (k == "title" || k == "description" || k == "id") {
			continue
		}
		hit[k] = v
	}
	return hit
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
