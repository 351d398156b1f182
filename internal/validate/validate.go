// Package validate holds the allow-list predicates applied to every externally
// supplied identifier and payload before a script or the filesystem is touched.
//
// Predicates never panic and never return errors: malformed input is simply
// reported as invalid and the caller decides how to surface it.
package validate

import (
	"encoding/json"
	"regexp"
	"strings"
)

const (
	// MaxIdentifierLength bounds repository names, primary indexes and record ids.
	MaxIdentifierLength = 128
	// MaxSearchQueryLength bounds free-text search queries.
	MaxSearchQueryLength = 500
	// MaxCommentLength bounds a comment body (64 KiB).
	MaxCommentLength = 64 * 1024
	// MaxEmailLength bounds author emails.
	MaxEmailLength = 254
	// MinDepth and MaxDepth bound browse tree depth.
	MinDepth = 1
	MaxDepth = 10
	// DefaultDepth is used when a browse request omits depth.
	DefaultDepth = 3
	// MaxLimit bounds pagination page sizes.
	MaxLimit = 1000
	// DefaultMaxPayloadSize is the serialized payload ceiling (1 MiB).
	DefaultMaxPayloadSize = 1 << 20
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	emailPattern      = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	// Shell and template metacharacters are refused in queries.
	queryBlocklist = regexp.MustCompile("[;`$(){}\\[\\]|&<>\\\\]")
)

// Rules configures payload validation for insert.
type Rules struct {
	RequiredFields []string `json:"required_fields,omitempty" yaml:"required_fields"`
	MaxPayloadSize int      `json:"max_payload_size,omitempty" yaml:"max_payload_size"`
}

// DefaultRules mirrors what an insert applies when the caller sends none.
func DefaultRules() Rules {
	return Rules{
		RequiredFields: []string{"primary_index"},
		MaxPayloadSize: DefaultMaxPayloadSize,
	}
}

// WithDefaults fills zero values from DefaultRules.
func (r Rules) WithDefaults() Rules {
	d := DefaultRules()
	if len(r.RequiredFields) == 0 {
		r.RequiredFields = d.RequiredFields
	}
	if r.MaxPayloadSize <= 0 {
		r.MaxPayloadSize = d.MaxPayloadSize
	}
	return r
}

// identifier is shared by repository names, primary indexes and record ids.
// Pure-dot names and anything containing ".." are refused even though the
// character class admits dots.
func identifier(s string) bool {
	if s == "" || len(s) > MaxIdentifierLength {
		return false
	}
	if !identifierPattern.MatchString(s) {
		return false
	}
	if strings.Contains(s, "..") || strings.Trim(s, ".") == "" {
		return false
	}
	return true
}

// RepositoryName reports whether s is an acceptable repository directory name.
func RepositoryName(s string) bool { return identifier(s) }

// PrimaryIndex reports whether s is an acceptable primary index name.
func PrimaryIndex(s string) bool { return identifier(s) }

// RecordID reports whether s is an acceptable record id.
func RecordID(s string) bool { return identifier(s) }

// BrowsePath accepts the empty string (data root) or a slash separated path
// whose every segment is a valid identifier.
func BrowsePath(s string) bool {
	if s == "" {
		return true
	}
	if len(s) > 4*MaxIdentifierLength || strings.HasPrefix(s, "/") {
		return false
	}
	for _, part := range strings.Split(s, "/") {
		if !identifier(part) {
			return false
		}
	}
	return true
}

// Email is a syntactic check only; the address is used as an identifier.
func Email(s string) bool {
	if len(s) < 3 || len(s) > MaxEmailLength {
		return false
	}
	return emailPattern.MatchString(s)
}

// SearchQuery accepts non-empty, bounded queries free of shell metacharacters.
func SearchQuery(s string) bool {
	if s == "" || len(s) > MaxSearchQueryLength {
		return false
	}
	return !queryBlocklist.MatchString(s)
}

// SearchField accepts the name of a top-level record field.
func SearchField(s string) bool {
	return s == "" || identifier(s)
}

// CommentContent accepts non-empty bodies up to MaxCommentLength without NUL bytes.
func CommentContent(s string) bool {
	if strings.TrimSpace(s) == "" || len(s) > MaxCommentLength {
		return false
	}
	return !strings.ContainsRune(s, 0)
}

// Depth accepts a nil depth (the default applies) or one within [MinDepth, MaxDepth].
func Depth(n *int) bool {
	if n == nil {
		return true
	}
	return *n >= MinDepth && *n <= MaxDepth
}

// Pagination accepts optional limit in [1, MaxLimit] and optional offset >= 0.
func Pagination(limit, offset *int) bool {
	if limit != nil && (*limit < 1 || *limit > MaxLimit) {
		return false
	}
	if offset != nil && *offset < 0 {
		return false
	}
	return true
}

// Payload accepts a decoded JSON object that serializes within the size ceiling
// and carries every required field.
func Payload(v any, rules Rules) bool {
	obj, ok := v.(map[string]any)
	if !ok || obj == nil {
		return false
	}
	rules = rules.WithDefaults()
	if size := PayloadSize(obj); size < 0 || size > rules.MaxPayloadSize {
		return false
	}
	return RequiredFields(obj, rules.RequiredFields)
}

// PayloadSize is the length of the compact JSON encoding, or -1 when the value
// cannot be encoded.
func PayloadSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return -1
	}
	return len(b)
}

// RequiredFields reports whether every named field is present, non-null and,
// for strings, not blank.
func RequiredFields(obj map[string]any, fields []string) bool {
	return MissingField(obj, fields) == ""
}

// MissingField returns the first required field that is absent or empty.
func MissingField(obj map[string]any, fields []string) string {
	for _, f := range fields {
		v, ok := obj[f]
		if !ok || v == nil {
			return f
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return f
		}
		if b, isBool := v.(bool); isBool && !b {
			return f
		}
	}
	return ""
}
