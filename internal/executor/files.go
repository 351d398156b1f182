package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ValidateScript checks that path names a regular, executable file.
func ValidateScript(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, path)
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrScriptNotFound, path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("script %s is not executable", path)
	}
	return nil
}

// DirectorySize sums the sizes of every regular file under dir.
func DirectorySize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to size %s: %w", dir, err)
	}
	return total, nil
}

// CountFiles counts regular files under dir whose name ends in ext. An empty
// ext counts every file.
func CountFiles(dir, ext string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.HasSuffix(d.Name(), ext) {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count files in %s: %w", dir, err)
	}
	return n, nil
}
