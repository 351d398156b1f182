package recordstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/remotehouse/internal/validate"
)

// BrowseOptions selects the subtree to list.
type BrowseOptions struct {
	Path   string
	Depth  int
	Limit  int
	Offset int
}

// FileEntry summarises one file in a browse tree.
type FileEntry struct {
	Name     string     `json:"name"`
	Title    string     `json:"title,omitempty"`
	ID       string     `json:"id,omitempty"`
	Size     int64      `json:"size,omitempty"`
	Modified *time.Time `json:"modified,omitempty"`
	Type     string     `json:"type,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Node is one directory level. A node past the depth bound is Truncated and
// carries nothing else.
type Node struct {
	Files       []FileEntry
	Directories map[string]*Node
	Truncated   bool
	Error       string
}

func (n *Node) MarshalJSON() ([]byte, error) {
	switch {
	case n.Truncated:
		return []byte(`{"truncated":true}`), nil
	case n.Error != "":
		return json.Marshal(map[string]string{"error": n.Error})
	}
	files := n.Files
	if files == nil {
		files = []FileEntry{}
	}
	dirs := n.Directories
	if dirs == nil {
		dirs = map[string]*Node{}
	}
	return json.Marshal(struct {
		Files       []FileEntry      `json:"files"`
		Directories map[string]*Node `json:"directories"`
	}{files, dirs})
}

// BrowseResult is the depth-bounded tree plus the number of readable records.
type BrowseResult struct {
	Tree  *Node  `json:"tree"`
	Count int    `json:"count"`
	Path  string `json:"path"`
	Depth int    `json:"depth"`
}

// Browse builds a tree rooted at opts.Path. Records contribute summaries,
// unreadable JSON is flagged with an error marker and other files are listed
// as type "other".
func (d *DataDir) Browse(opts BrowseOptions) (*BrowseResult, error) {
	if opts.Depth == 0 {
		opts.Depth = validate.DefaultDepth
	}
	if opts.Depth < validate.MinDepth || opts.Depth > validate.MaxDepth {
		return nil, invalid("invalid depth: must be between %d and %d", validate.MinDepth, validate.MaxDepth)
	}
	opts.Path = strings.Trim(opts.Path, "/")
	if !validate.BrowsePath(opts.Path) {
		return nil, invalid("invalid path")
	}

	target, err := d.resolve(filepath.FromSlash(opts.Path))
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(target); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: path not found: %s", ErrNotFound, opts.Path)
	}

	b := &treeBuilder{dir: d}
	tree := b.build(target, opts.Depth)
	if tree.Error != "" {
		return nil, fmt.Errorf("failed to read %s: %s", opts.Path, tree.Error)
	}
	if opts.Offset > 0 || opts.Limit > 0 {
		tree.Files = paginate(tree.Files, opts.Offset, opts.Limit)
	}

	shown := opts.Path
	if shown == "" {
		shown = "/"
	}
	return &BrowseResult{Tree: tree, Count: b.count, Path: shown, Depth: opts.Depth}, nil
}

type treeBuilder struct {
	dir   *DataDir
	count int
}

func (b *treeBuilder) build(dir string, depth int) *Node {
	if depth <= 0 {
		return &Node{Truncated: true}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &Node{Error: err.Error()}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	node := &Node{Files: []FileEntry{}, Directories: map[string]*Node{}}
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		rel, err := b.dir.rel(full)
		if err != nil {
			continue
		}
		switch {
		case entry.IsDir():
			node.Directories[entry.Name()] = b.build(full, depth-1)
		case entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), recordExt):
			node.Files = append(node.Files, b.summarize(entry, full, rel))
		default:
			node.Files = append(node.Files, FileEntry{Name: entry.Name(), Type: "other"})
		}
	}
	return node
}

func (b *treeBuilder) summarize(entry os.DirEntry, full, rel string) FileEntry {
	data, err := readRecord(full)
	if err != nil {
		return FileEntry{Name: entry.Name(), Error: "Invalid JSON"}
	}
	b.count++

	fe := FileEntry{Name: entry.Name(), Title: entry.Name(), ID: rel}
	if title, ok := data["title"].(string); ok && title != "" {
		fe.Title = title
	}
	if id, ok := data["id"].(string); ok && id != "" {
		fe.ID = id
	}
	if info, err := entry.Info(); err == nil {
		mod := info.ModTime().UTC()
		fe.Size = info.Size()
		fe.Modified = &mod
	}
	return fe
}
