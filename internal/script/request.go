// Package script defines the five record store operations as a closed set of
// request variants, their argv encoding and the worker entry point that runs
// one of them inside an isolated process.
package script

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/felixgeelhaar/remotehouse/internal/recordstore"
	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// Op names a script operation.
type Op string

const (
	OpBrowse  Op = "browse"
	OpSearch  Op = "search"
	OpInsert  Op = "insert"
	OpRemove  Op = "remove"
	OpComment Op = "comment"
)

// Ops lists every operation in a stable order.
var Ops = []Op{OpBrowse, OpSearch, OpInsert, OpRemove, OpComment}

// ParseOp returns the operation named s.
func ParseOp(s string) (Op, error) {
	for _, op := range Ops {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation: %q", s)
}

// Creates reports whether a successful run of op creates a new file.
func (o Op) Creates() bool { return o == OpInsert || o == OpComment }

// Request is one of BrowseRequest, SearchRequest, InsertRequest,
// RemoveRequest or CommentRequest.
type Request interface {
	Op() Op
	// Args encodes the request as the worker's command line.
	Args() ([]string, error)
	run(d *recordstore.DataDir) (any, error)
}

// BrowseRequest lists a depth-bounded tree. Zero values mean "use the default".
type BrowseRequest struct {
	Path   string `json:"path,omitempty"`
	Depth  int    `json:"depth,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// SearchRequest matches records whose Field contains Query.
type SearchRequest struct {
	Query  string `json:"query"`
	Field  string `json:"field,omitempty"`
	Path   string `json:"path,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// InsertRequest files Payload under its primary_index.
type InsertRequest struct {
	Payload map[string]any  `json:"payload"`
	Rules   *validate.Rules `json:"rules,omitempty"`
}

// RemoveRequest deletes one record, or every record of the index when ID is empty.
type RemoveRequest struct {
	PrimaryIndex string `json:"primary_index"`
	ID           string `json:"id,omitempty"`
}

// CommentRequest attaches a markdown comment to a record.
type CommentRequest struct {
	PrimaryIndex string `json:"primary_index"`
	ID           string `json:"id"`
	Email        string `json:"email"`
	Comment      string `json:"comment"`
}

func (BrowseRequest) Op() Op  { return OpBrowse }
func (SearchRequest) Op() Op  { return OpSearch }
func (InsertRequest) Op() Op  { return OpInsert }
func (RemoveRequest) Op() Op  { return OpRemove }
func (CommentRequest) Op() Op { return OpComment }

func (r BrowseRequest) Args() ([]string, error) {
	var args []string
	if r.Path != "" {
		args = append(args, "--path", r.Path)
	}
	args = appendInt(args, "--depth", r.Depth)
	args = appendInt(args, "--limit", r.Limit)
	args = appendInt(args, "--offset", r.Offset)
	return args, nil
}

func (r SearchRequest) Args() ([]string, error) {
	args := []string{"--query", r.Query}
	if r.Field != "" {
		args = append(args, "--field", r.Field)
	}
	if r.Path != "" {
		args = append(args, "--path", r.Path)
	}
	args = appendInt(args, "--limit", r.Limit)
	args = appendInt(args, "--offset", r.Offset)
	return args, nil
}

func (r InsertRequest) Args() ([]string, error)  { return inputArgs(r) }
func (r RemoveRequest) Args() ([]string, error)  { return inputArgs(r) }
func (r CommentRequest) Args() ([]string, error) { return inputArgs(r) }

func (r BrowseRequest) run(d *recordstore.DataDir) (any, error) {
	return d.Browse(recordstore.BrowseOptions{Path: r.Path, Depth: r.Depth, Limit: r.Limit, Offset: r.Offset})
}

func (r SearchRequest) run(d *recordstore.DataDir) (any, error) {
	return d.Search(recordstore.SearchOptions{Query: r.Query, Field: r.Field, Path: r.Path, Limit: r.Limit, Offset: r.Offset})
}

func (r InsertRequest) run(d *recordstore.DataDir) (any, error) {
	var rules validate.Rules
	if r.Rules != nil {
		rules = *r.Rules
	}
	return d.Insert(r.Payload, rules)
}

func (r RemoveRequest) run(d *recordstore.DataDir) (any, error) {
	return d.Remove(r.PrimaryIndex, r.ID)
}

func (r CommentRequest) run(d *recordstore.DataDir) (any, error) {
	return d.Comment(recordstore.CommentInput{
		PrimaryIndex: r.PrimaryIndex,
		ID:           r.ID,
		Email:        r.Email,
		Body:         r.Comment,
	})
}

func appendInt(args []string, flag string, v int) []string {
	if v == 0 {
		return args
	}
	return append(args, flag, strconv.Itoa(v))
}

func inputArgs(v any) ([]string, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}
	return []string{"--input", string(blob)}, nil
}

// ParseArgs decodes a worker command line for op. Flag values are validated
// here; identifier checks on input blobs happen in the record store.
func ParseArgs(op Op, args []string) (Request, error) {
	fs := pflag.NewFlagSet(string(op), pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	switch op {
	case OpBrowse:
		var r BrowseRequest
		fs.StringVar(&r.Path, "path", "", "subtree to list")
		fs.IntVar(&r.Depth, "depth", 0, "tree depth")
		fs.IntVar(&r.Limit, "limit", 0, "page size")
		fs.IntVar(&r.Offset, "offset", 0, "page offset")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.Changed("depth") && !validate.Depth(&r.Depth) {
			return nil, fmt.Errorf("invalid depth: must be between %d and %d", validate.MinDepth, validate.MaxDepth)
		}
		if err := checkPagination(fs, r.Limit, r.Offset); err != nil {
			return nil, err
		}
		if !validate.BrowsePath(r.Path) {
			return nil, fmt.Errorf("invalid path")
		}
		return r, nil

	case OpSearch:
		var r SearchRequest
		fs.StringVar(&r.Query, "query", "", "text to match")
		fs.StringVar(&r.Field, "field", recordstore.DefaultSearchField, "record field to match")
		fs.StringVar(&r.Path, "path", "", "subtree to search")
		fs.IntVar(&r.Limit, "limit", 0, "page size")
		fs.IntVar(&r.Offset, "offset", 0, "page offset")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if !validate.SearchQuery(r.Query) {
			return nil, fmt.Errorf("invalid query parameter")
		}
		if !validate.SearchField(r.Field) {
			return nil, fmt.Errorf("invalid field parameter")
		}
		if !validate.BrowsePath(r.Path) {
			return nil, fmt.Errorf("invalid path")
		}
		if err := checkPagination(fs, r.Limit, r.Offset); err != nil {
			return nil, err
		}
		return r, nil

	case OpInsert:
		var r InsertRequest
		if err := parseInput(fs, args, &r); err != nil {
			return nil, err
		}
		return r, nil

	case OpRemove:
		var r RemoveRequest
		if err := parseInput(fs, args, &r); err != nil {
			return nil, err
		}
		return r, nil

	case OpComment:
		var r CommentRequest
		if err := parseInput(fs, args, &r); err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown operation: %q", op)
}

func checkPagination(fs *pflag.FlagSet, limit, offset int) error {
	var lp, op *int
	if fs.Changed("limit") {
		lp = &limit
	}
	if fs.Changed("offset") {
		op = &offset
	}
	if !validate.Pagination(lp, op) {
		return fmt.Errorf("invalid pagination: limit must be between 1 and %d, offset must be >= 0", validate.MaxLimit)
	}
	return nil
}

// parseInput reads the single --input flag into dst. Numbers are kept as
// json.Number so payload values round-trip exactly.
func parseInput(fs *pflag.FlagSet, args []string, dst any) error {
	input := fs.String("input", "", "JSON encoded operation input")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("missing --input")
	}
	dec := json.NewDecoder(strings.NewReader(*input))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}
