package recordstore

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// RemoveResult reports how many record files were deleted.
type RemoveResult struct {
	Removed int    `json:"removed"`
	Message string `json:"message"`
}

// Remove deletes one record when id is non-empty, otherwise every record file
// directly under the primary index, followed by the index directory itself if
// nothing else remains in it. A blank id is an invalid id, never a bulk remove.
func (d *DataDir) Remove(primaryIndex, id string) (*RemoveResult, error) {
	primaryIndex = strings.TrimSpace(primaryIndex)
	if primaryIndex == "" {
		return nil, invalid("missing required parameter: primary_index")
	}
	if !validate.PrimaryIndex(primaryIndex) {
		return nil, invalid("invalid primary_index: contains invalid characters")
	}
	if id != "" {
		id = strings.TrimSpace(id)
		if !validate.RecordID(id) {
			return nil, invalid("invalid id: contains invalid characters")
		}
	}

	indexDir, err := d.resolve(primaryIndex)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(indexDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: index directory %s", ErrNotFound, primaryIndex)
	}

	if id != "" {
		path, err := d.resolve(primaryIndex, id+recordExt)
		if err != nil {
			return nil, err
		}
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
			}
			return nil, fmt.Errorf("failed to remove record: %w", err)
		}
		return removed(1), nil
	}

	entries, err := os.ReadDir(indexDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read index directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		path, err := d.resolve(primaryIndex, entry.Name())
		if err != nil {
			return nil, err
		}
		if err := os.Remove(path); err != nil {
			// A concurrent remove got there first.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to remove record: %w", err)
		}
		count++
	}

	remaining, err := os.ReadDir(indexDir)
	if err == nil && len(remaining) == 0 {
		if err := os.Remove(indexDir); err != nil && !errors.Is(err, os.ErrNotExist) {
			// An insert may have repopulated the directory in between.
			if again, rerr := os.ReadDir(indexDir); rerr != nil || len(again) == 0 {
				return nil, fmt.Errorf("failed to remove index directory: %w", err)
			}
		}
	}
	return removed(count), nil
}

func removed(n int) *RemoveResult {
	return &RemoveResult{Removed: n, Message: fmt.Sprintf("Successfully removed %d file(s)", n)}
}
