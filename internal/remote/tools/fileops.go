package tools

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmagent/agent/internal/protocol"
)

const (
	// DefaultMaxReadBytes caps file reads when no limit is configured.
	DefaultMaxReadBytes = 10 * 1024 * 1024

	// dirSize is reported for directories instead of their inode size.
	dirSize = 4096

	// maxTreeDepth bounds recursive tree listings.
	maxTreeDepth = 8

	modTimeLayout = "2006-01-02T15:04:05Z"
)

var (
	ErrExists      = errors.New("already exists")
	ErrOutsideRoot = errors.New("path escapes storage root")
	ErrTooLarge    = errors.New("file exceeds read limit")
	ErrIsDirectory = errors.New("is a directory")
)

// Files serves file access requests confined to a storage root. Request
// paths are interpreted relative to the root unless they already point
// inside it.
type Files struct {
	root         string
	maxReadBytes int64
}

// NewFiles creates a file service rooted at root. maxReadBytes <= 0 uses
// DefaultMaxReadBytes.
func NewFiles(root string, maxReadBytes int64) *Files {
	if maxReadBytes <= 0 {
		maxReadBytes = DefaultMaxReadBytes
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Files{root: filepath.Clean(root), maxReadBytes: maxReadBytes}
}

// Root returns the storage root.
func (f *Files) Root() string {
	return f.root
}

// Resolve maps a request path onto the filesystem:
//
//	"" or "/"          -> root
//	path already under root -> unchanged
//	"/x" or "x"        -> root/x
//
// The result never leaves the root.
func (f *Files) Resolve(path string) (string, error) {
	var resolved string
	switch {
	case path == "" || path == "/":
		resolved = f.root
	case within(f.root, filepath.Clean(path)):
		resolved = filepath.Clean(path)
	default:
		resolved = filepath.Join(f.root, strings.TrimPrefix(path, "/"))
	}

	if !within(f.root, resolved) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return resolved, nil
}

func within(root, path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ListDirectory lists a directory with directories first, then files, each
// group ordered by case-insensitive name.
func (f *Files) ListDirectory(path string) ([]protocol.FileItem, error) {
	dir, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	return listResolved(dir)
}

func listResolved(dir string) ([]protocol.FileItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	items := make([]protocol.FileItem, 0, len(entries))
	for _, entry := range entries {
		// Stat follows symlinks so linked directories list as directories.
		info, err := os.Stat(filepath.Join(dir, entry.Name()))
		if err != nil {
			if info, err = entry.Info(); err != nil {
				continue // vanished between ReadDir and Stat
			}
		}
		items = append(items, fileItem(entry.Name(), info))
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items, nil
}

func fileItem(name string, info fs.FileInfo) protocol.FileItem {
	size := info.Size()
	if info.IsDir() {
		size = dirSize
	}
	return protocol.FileItem{
		Name:    name,
		Size:    size,
		IsDir:   info.IsDir(),
		ModTime: FormatModTime(info.ModTime()),
		Mode:    permString(info),
	}
}

// permString renders "drwxr-xr-x" style permissions without the extra type
// letters FileMode.String adds for sockets, sticky bits and the like.
func permString(info fs.FileInfo) string {
	kind := "-"
	if info.IsDir() {
		kind = "d"
	}
	return kind + info.Mode().Perm().String()[1:]
}

// ReadFile returns the content of a regular file up to the read limit.
func (f *Files) ReadFile(path string) (string, error) {
	resolved, err := f.Resolve(path)
	if err != nil {
		return "", err
	}

	file, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}
	if info.Size() > f.maxReadBytes {
		return "", fmt.Errorf("%s is %d bytes: %w", path, info.Size(), ErrTooLarge)
	}

	data, err := io.ReadAll(io.LimitReader(file, f.maxReadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > f.maxReadBytes {
		return "", fmt.Errorf("%s grew past the limit: %w", path, ErrTooLarge)
	}
	return string(data), nil
}

// WriteFile replaces the file's content, creating it if needed.
func (f *Files) WriteFile(path, content string) error {
	resolved, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// CreateFile creates an empty file and fails with ErrExists if anything is
// already at path.
func (f *Files) CreateFile(path string) error {
	resolved, err := f.Resolve(path)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(resolved, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
		return fmt.Errorf("create file: %w", err)
	}
	return file.Close()
}

// MakeDirectory creates path and any missing parents. It fails with
// ErrExists if path is already present.
func (f *Files) MakeDirectory(path string) error {
	resolved, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(resolved); err == nil {
		return fmt.Errorf("%s: %w", path, ErrExists)
	}
	if err := os.MkdirAll(resolved, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return nil
}

// DirectoryTree lists path and, while depth > 1, the contents of each
// subdirectory. Subdirectories that cannot be read are returned without
// children.
func (f *Files) DirectoryTree(path string, depth int) ([]protocol.FileItem, error) {
	dir, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	if depth > maxTreeDepth {
		depth = maxTreeDepth
	}
	return treeResolved(dir, depth)
}

func treeResolved(dir string, depth int) ([]protocol.FileItem, error) {
	items, err := listResolved(dir)
	if err != nil || depth <= 1 {
		return items, err
	}
	for i := range items {
		if !items[i].IsDir {
			continue
		}
		children, err := treeResolved(filepath.Join(dir, items[i].Name), depth-1)
		if err != nil {
			continue
		}
		items[i].Children = children
	}
	return items, nil
}

// FormatModTime formats t the way directory listings report it.
func FormatModTime(t time.Time) string {
	return t.UTC().Format(modTimeLayout)
}
