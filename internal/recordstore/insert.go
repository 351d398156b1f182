package recordstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// idAttempts bounds regeneration when a generated id already exists on disk.
const idAttempts = 5

// InsertResult describes a newly written record.
type InsertResult struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Size int    `json:"size"`
}

// Record is a stored item: the generated id and creation time followed by the
// caller's fields. It encodes with id and created_at first and the remaining
// keys sorted.
type Record struct {
	ID        string
	CreatedAt string
	Fields    map[string]any
}

func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := writeMember(&buf, "id", r.ID); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := writeMember(&buf, "created_at", r.CreatedAt); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		if k == "id" || k == "created_at" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteByte(',')
		if err := writeMember(&buf, k, r.Fields[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key string, value any) error {
	kb, err := json.Marshal(key)
	if err != nil {
		return err
	}
	vb, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	buf.Write(kb)
	buf.WriteByte(':')
	buf.Write(vb)
	return nil
}

// PrimaryIndexOf returns the trimmed primary_index of payload. Numbers are
// accepted in their literal form; any other type is reported as absent.
func PrimaryIndexOf(payload map[string]any) (string, bool) {
	switch v := payload["primary_index"].(type) {
	case string:
		return strings.TrimSpace(v), true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	}
	return "", false
}

// Insert validates payload against rules and files it under its primary index.
// Size and required-field checks run before any directory is created.
func (d *DataDir) Insert(payload map[string]any, rules validate.Rules) (*InsertResult, error) {
	if payload == nil {
		return nil, invalid("invalid payload: must be an object")
	}
	rules = rules.WithDefaults()

	size := validate.PayloadSize(payload)
	if size < 0 {
		return nil, invalid("invalid payload: not JSON encodable")
	}
	if size > rules.MaxPayloadSize {
		return nil, invalid("payload too large: %d bytes (max: %d)", size, rules.MaxPayloadSize)
	}
	if field := validate.MissingField(payload, rules.RequiredFields); field != "" {
		return nil, invalid("missing required field: %s", field)
	}

	primaryIndex, ok := PrimaryIndexOf(payload)
	if !ok {
		return nil, invalid("missing required field: primary_index")
	}
	if !validate.PrimaryIndex(primaryIndex) {
		return nil, invalid("invalid primary_index: contains invalid characters")
	}

	indexDir, err := d.resolve(primaryIndex)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(indexDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	for attempt := 0; attempt < idAttempts; attempt++ {
		now := d.now()
		id, err := NewRecordID(primaryIndex, now)
		if err != nil {
			return nil, err
		}
		path, err := d.resolve(primaryIndex, id+recordExt)
		if err != nil {
			return nil, err
		}

		rec := Record{ID: id, CreatedAt: timestamp(now), Fields: payload}
		compact, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, compact, "", "  "); err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
		pretty.WriteByte('\n')

		err = writeExclusive(path, pretty.Bytes())
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		rel, err := d.rel(path)
		if err != nil {
			return nil, err
		}
		return &InsertResult{ID: id, Path: rel, Size: len(compact)}, nil
	}
	return nil, fmt.Errorf("failed to allocate a unique id after %d attempts", idAttempts)
}
