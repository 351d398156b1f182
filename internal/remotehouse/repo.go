package remotehouse

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/remotehouse/internal/executor"
	"github.com/felixgeelhaar/remotehouse/internal/script"
	"github.com/felixgeelhaar/remotehouse/internal/store"
	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// RepoStats summarizes one repository on disk.
type RepoStats struct {
	Name      string            `json:"name"`
	DataBytes int64             `json:"data_bytes"`
	Records   int               `json:"records"`
	Comments  int               `json:"comments"`
	Scripts   map[string]string `json:"scripts"`
}

// InitRepository scaffolds <root>/<name> with an empty data directory and
// one shim per operation. Each shim execs command followed by the operation
// name and the shim's own arguments. Existing shims are left alone. It
// returns the shims it wrote.
func (s *Service) InitRepository(name string, command []string) ([]string, error) {
	if !validate.RepositoryName(name) {
		return nil, invalid("Invalid repository name")
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("worker command is required")
	}
	repoDir := filepath.Join(s.root, name)
	scriptsDir := filepath.Join(repoDir, s.scriptsDir)
	for _, dir := range []string{script.DataDir(repoDir), scriptsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	var written []string
	for _, op := range script.Ops {
		path := filepath.Join(scriptsDir, string(op))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o755)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("failed to create script %s: %w", op, err)
		}
		_, err = f.WriteString(shim(command, op))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return written, fmt.Errorf("failed to write script %s: %w", op, err)
		}
		written = append(written, path)
	}
	s.observe.Log().Info().Str("repo", name).Int("scripts", len(written)).Msg("repository initialized")
	return written, nil
}

func shim(command []string, op script.Op) string {
	quoted := make([]string, 0, len(command)+1)
	for _, c := range command {
		quoted = append(quoted, shellQuote(c))
	}
	quoted = append(quoted, string(op))
	return "#!/bin/sh\nexec " + strings.Join(quoted, " ") + " \"$@\"\n"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// RegisterRepository records a repository in the registry shown by the
// listing endpoint.
func (s *Service) RegisterRepository(name, title, url string) error {
	if !validate.RepositoryName(name) {
		return invalid("Invalid repository name")
	}
	if s.store == nil {
		return fmt.Errorf("no registry configured")
	}
	if title == "" {
		title = name
	}
	return s.store.AddRepository(&store.Repository{Name: name, Title: title, URL: url})
}

// Stats reports the size and record counts of a repository and whether each
// operation script is runnable.
func (s *Service) Stats(name string) (*RepoStats, error) {
	if !validate.RepositoryName(name) {
		return nil, invalid("Invalid repository name")
	}
	repoDir := filepath.Join(s.root, name)
	dataDir := script.DataDir(repoDir)

	st := &RepoStats{Name: name, Scripts: make(map[string]string, len(script.Ops))}
	var err error
	if st.DataBytes, err = executor.DirectorySize(dataDir); err != nil {
		return nil, err
	}
	if st.Records, err = executor.CountFiles(dataDir, ".json"); err != nil {
		return nil, err
	}
	if st.Comments, err = executor.CountFiles(dataDir, ".md"); err != nil {
		return nil, err
	}
	for _, op := range script.Ops {
		status := "ok"
		if err := executor.ValidateScript(filepath.Join(repoDir, s.scriptsDir, string(op))); err != nil {
			status = err.Error()
		}
		st.Scripts[string(op)] = status
	}
	return st, nil
}
