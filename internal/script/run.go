package script

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"

	"github.com/felixgeelhaar/remotehouse/internal/executor"
	"github.com/felixgeelhaar/remotehouse/internal/recordstore"
)

// DataDirName is the data directory, relative to the repository directory the
// worker is started in.
const DataDirName = "data"

// Code classifies a failure reported by a script.
type Code string

const (
	CodeInvalidInput   Code = "invalid_input"
	CodeNotFound       Code = "not_found"
	CodeTraversal      Code = "traversal"
	CodeDataDirMissing Code = "data_dir_missing"
	CodeIO             Code = "io_error"
)

// Envelope is the part of every script document shared by all operations.
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    Code   `json:"code,omitempty"`
}

// CodeOf maps a record store error to its failure code.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, recordstore.ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, recordstore.ErrTraversal):
		return CodeTraversal
	case errors.Is(err, recordstore.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, recordstore.ErrDataDirNotFound):
		return CodeDataDirMissing
	default:
		return CodeIO
	}
}

// Run executes req against dataDir and returns the single JSON document a
// worker prints. Operation failures are encoded in the document, never
// returned; the error is reserved for encoding faults.
func Run(req Request, dataDir string) ([]byte, error) {
	d, err := recordstore.Open(dataDir)
	if err != nil {
		return Failure(err.Error(), CodeOf(err))
	}
	out, err := req.run(d)
	if err != nil {
		return Failure(err.Error(), CodeOf(err))
	}
	return success(out)
}

// Failure encodes {success:false, error, code}.
func Failure(msg string, code Code) ([]byte, error) {
	return json.Marshal(Envelope{Success: false, Error: msg, Code: code})
}

// success prefixes the encoded result object with "success": true.
func success(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("result is not an object")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"success":true`)
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// Main is the worker entry point. It parses args for op, runs it against the
// data directory under the current working directory and prints one JSON
// document. Validation and data failures exit 0; only faults the worker
// cannot describe in a document exit non-zero.
func Main(op string, args []string, stdout, stderr io.Writer) int {
	applyMemoryLimit(stderr)

	var doc []byte
	parsed, err := ParseOp(op)
	if err == nil {
		var req Request
		if req, err = ParseArgs(parsed, args); err == nil {
			doc, err = Run(req, DataDirName)
			if err != nil {
				fmt.Fprintf(stderr, "%s: %v\n", op, err)
				return 1
			}
		}
	}
	if err != nil {
		doc, err = Failure(err.Error(), CodeInvalidInput)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", op, err)
			return 1
		}
	}

	doc = append(doc, '\n')
	if _, err := stdout.Write(doc); err != nil {
		fmt.Fprintf(stderr, "%s: failed to write result: %v\n", op, err)
		return 1
	}
	return 0
}

// applyMemoryLimit sets the Go soft memory limit from the budget the executor
// exports, so the runtime collects aggressively before the hard rlimit hits.
func applyMemoryLimit(stderr io.Writer) {
	raw := os.Getenv(executor.EnvMaxMemoryMiB)
	if raw == "" {
		return
	}
	mib, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || mib <= 0 {
		fmt.Fprintf(stderr, "ignoring %s=%q\n", executor.EnvMaxMemoryMiB, raw)
		return
	}
	debug.SetMemoryLimit(mib << 20)
}

// DataDir returns the data directory of the repository rooted at repoDir.
func DataDir(repoDir string) string {
	return filepath.Join(repoDir, DataDirName)
}
