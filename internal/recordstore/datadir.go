// Package recordstore implements the on-disk layout of a repository data
// directory: one directory per primary index, one JSON file per record and one
// markdown file per comment under comments/<sanitized email>/.
//
// Every path is checked for containment inside the data directory right before
// it is created, read or deleted, independently of upstream validation.
package recordstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	recordExt   = ".json"
	commentExt  = ".md"
	commentsDir = "comments"
	dirPerm     = 0o755
	filePerm    = 0o644
)

var (
	ErrDataDirNotFound = errors.New("data directory not found")
	ErrTraversal       = errors.New("invalid path: directory traversal attempt")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
)

// DataDir is a handle on one repository's data directory.
type DataDir struct {
	root string
	now  func() time.Time
}

// Open returns a handle for root, which must be an existing directory.
func Open(root string) (*DataDir, error) {
	if root == "" {
		return nil, ErrDataDirNotFound
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, ErrDataDirNotFound
	}
	return &DataDir{root: abs, now: time.Now}, nil
}

// Root returns the absolute data directory path.
func (d *DataDir) Root() string { return d.root }

// SetClock overrides the time source used for ids and timestamps.
func (d *DataDir) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// resolve joins elems under the data root and refuses anything whose relative
// form climbs out of it.
func (d *DataDir) resolve(elems ...string) (string, error) {
	p := filepath.Join(append([]string{d.root}, elems...)...)
	if _, err := d.rel(p); err != nil {
		return "", err
	}
	return p, nil
}

// rel returns p relative to the data root in slash form.
func (d *DataDir) rel(p string) (string, error) {
	r, err := filepath.Rel(d.root, p)
	if err != nil {
		return "", ErrTraversal
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) || filepath.IsAbs(r) {
		return "", ErrTraversal
	}
	return filepath.ToSlash(r), nil
}

// invalid wraps ErrInvalidInput with a caller-facing message.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// newSuffix returns 8 lowercase hex characters of randomness.
func newSuffix() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// NewRecordID returns <primaryIndex>_<unixMillis>_<8 hex>.
func NewRecordID(primaryIndex string, at time.Time) (string, error) {
	suffix, err := newSuffix()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d_%s", primaryIndex, at.UnixMilli(), suffix), nil
}

// NewCommentID returns <unixMillis>_<8 hex>.
func NewCommentID(at time.Time) (string, error) {
	suffix, err := newSuffix()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d_%s", at.UnixMilli(), suffix), nil
}

// timestamp renders t the way records and comments store it.
func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// writeExclusive writes data to a temp file then hard-links it to path, so the
// final file appears complete and an existing file is never overwritten.
func writeExclusive(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	err = os.Link(tmpPath, path)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrExist):
		return os.ErrExist
	default:
		// Filesystems without hard links fall back to an exclusive create.
		return createExclusive(path, data)
	}
}

func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return os.ErrExist
		}
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return f.Close()
}
