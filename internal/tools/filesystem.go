package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/undoablehq/undoable/internal/actions"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	workspace       string
	restrict        bool
	allowedPrefixes []string // extra readable prefixes (e.g. skills dirs)
	deniedPrefixes  []string // prefixes always refused (daemon state dir)
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

// AllowPaths adds prefixes read_file may access even when restricted to the
// workspace.
func (t *ReadFileTool) AllowPaths(prefixes ...string) {
	t.allowedPrefixes = append(t.allowedPrefixes, prefixes...)
}

// DenyPaths adds workspace-relative prefixes read_file must reject.
func (t *ReadFileTool) DenyPaths(prefixes ...string) {
	t.deniedPrefixes = append(t.deniedPrefixes, prefixes...)
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Category() string    { return protocol.CategoryRead }
func (t *ReadFileTool) Undoable() bool      { return false }
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

type readFileArgs struct {
	Path string `json:"path"`
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	var a readFileArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}
	if a.Path == "" {
		return ErrorResult("path is required")
	}

	resolved, err := resolvePathWithAllowed(a.Path, t.workspace, t.restrict, t.allowedPrefixes)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := checkDeniedPath(resolved, t.workspace, t.deniedPrefixes); err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	return SilentResult(string(data))
}

// WriteFileTool writes file contents, capturing before/after snapshots so
// the write can be undone byte for byte.
type WriteFileTool struct {
	workspace      string
	restrict       bool
	deniedPrefixes []string
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func (t *WriteFileTool) DenyPaths(prefixes ...string) {
	t.deniedPrefixes = append(t.deniedPrefixes, prefixes...)
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating it if needed" }
func (t *WriteFileTool) Category() string    { return protocol.CategoryMutate }
func (t *WriteFileTool) Undoable() bool      { return true }
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	var a writeFileArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}
	if a.Path == "" {
		return ErrorResult("path is required")
	}

	resolved, err := resolvePath(a.Path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := checkDeniedPath(resolved, t.workspace, t.deniedPrefixes); err != nil {
		return ErrorResult(err.Error())
	}

	before := takeFileSnapshot(resolved)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(a.Content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	after := takeFileSnapshot(resolved)

	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(a.Content), a.Path)).
		WithSnapshots(before, after)
}

// EditFileTool replaces an exact string in a file.
type EditFileTool struct {
	workspace      string
	restrict       bool
	deniedPrefixes []string
}

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{workspace: workspace, restrict: restrict}
}

func (t *EditFileTool) DenyPaths(prefixes ...string) {
	t.deniedPrefixes = append(t.deniedPrefixes, prefixes...)
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file. old_string must match exactly once unless replace_all is set"
}
func (t *EditFileTool) Category() string { return protocol.CategoryMutate }
func (t *EditFileTool) Undoable() bool   { return true }
func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"old_string": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace",
			},
			"new_string": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
			"replace_all": map[string]interface{}{
				"type":        "boolean",
				"description": "Replace every occurrence instead of requiring a unique match",
			},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

type editFileArgs struct {
	Path       string `json:"path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all"`
}

func (t *EditFileTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	var a editFileArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}
	if a.Path == "" {
		return ErrorResult("path is required")
	}
	if a.OldString == "" {
		return ErrorResult("old_string is required")
	}
	if a.OldString == a.NewString {
		return ErrorResult("old_string and new_string are identical")
	}

	resolved, err := resolvePath(a.Path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := checkDeniedPath(resolved, t.workspace, t.deniedPrefixes); err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	content := string(data)

	count := strings.Count(content, a.OldString)
	switch {
	case count == 0:
		return ErrorResult(fmt.Sprintf("old_string not found in %s", a.Path))
	case count > 1 && !a.ReplaceAll:
		return ErrorResult(fmt.Sprintf("old_string matches %d times in %s; pass replace_all or make it unique", count, a.Path))
	}

	replaced := strings.Replace(content, a.OldString, a.NewString, 1)
	if a.ReplaceAll {
		replaced = strings.ReplaceAll(content, a.OldString, a.NewString)
	}

	before := takeFileSnapshot(resolved)
	if err := os.WriteFile(resolved, []byte(replaced), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	after := takeFileSnapshot(resolved)

	n := 1
	if a.ReplaceAll {
		n = count
	}
	return NewResult(fmt.Sprintf("Replaced %d occurrence(s) in %s", n, a.Path)).
		WithSnapshots(before, after)
}

// ListFilesTool lists a directory.
type ListFilesTool struct {
	workspace string
	restrict  bool
}

func NewListFilesTool(workspace string, restrict bool) *ListFilesTool {
	return &ListFilesTool{workspace: workspace, restrict: restrict}
}

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List files in a directory" }
func (t *ListFilesTool) Category() string    { return protocol.CategoryRead }
func (t *ListFilesTool) Undoable() bool      { return false }
func (t *ListFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list; defaults to the workspace root",
			},
		},
	}
}

type listFilesArgs struct {
	Path string `json:"path"`
}

func (t *ListFilesTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	var a listFilesArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}
	dir := a.Path
	if dir == "" {
		dir = "."
	}

	resolved, err := resolvePath(dir, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list directory: %v", err))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return SilentResult("(empty directory)")
	}
	return SilentResult(strings.Join(names, "\n"))
}

// takeFileSnapshot captures the current content of path, or its absence.
// The snapshot carries the resolved path so undo restores the same file the
// tool touched.
func takeFileSnapshot(path string) *actions.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return &actions.Snapshot{Path: path, Exists: false}
	}
	return &actions.Snapshot{Path: path, Exists: true, Content: data}
}

// resolvePathWithAllowed is resolvePath plus a fallback to extra allowed
// prefixes (resolved to canonical form before comparison).
func resolvePathWithAllowed(path, workspace string, restrict bool, allowedPrefixes []string) (string, error) {
	resolved, err := resolvePath(path, workspace, restrict)
	if err == nil {
		return resolved, nil
	}
	cleaned := filepath.Clean(path)
	absPath, _ := filepath.Abs(cleaned)
	real, evalErr := filepath.EvalSymlinks(absPath)
	if evalErr != nil {
		return "", err
	}
	for _, prefix := range allowedPrefixes {
		absPrefix, _ := filepath.Abs(prefix)
		prefixReal, prefixErr := filepath.EvalSymlinks(absPrefix)
		if prefixErr != nil {
			prefixReal = absPrefix
		}
		if isPathInside(real, prefixReal) {
			return real, nil
		}
	}
	slog.Warn("file tool access denied", "path", cleaned, "workspace", workspace)
	return "", err
}

// checkDeniedPath returns an error if the resolved path falls under any
// denied prefix. Prefixes are workspace-relative (e.g. ".undoable").
func checkDeniedPath(resolved, workspace string, deniedPrefixes []string) error {
	if len(deniedPrefixes) == 0 {
		return nil
	}
	absResolved, _ := filepath.Abs(resolved)
	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace
	}
	for _, prefix := range deniedPrefixes {
		denied := prefix
		if !filepath.IsAbs(prefix) {
			denied = filepath.Join(wsReal, prefix)
		}
		if isPathInside(absResolved, denied) {
			return fmt.Errorf("access denied: path %s is restricted", prefix)
		}
	}
	return nil
}

// resolvePath resolves a path relative to the workspace and validates it.
// When restrict=true, symlinks are resolved to canonical paths and anything
// escaping the workspace boundary is rejected, including broken symlinks and
// hardlinked files.
func resolvePath(path, workspace string, restrict bool) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(workspace, path))
	}

	if !restrict {
		return resolved, nil
	}

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace // workspace doesn't exist yet
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("security.path_resolve_failed", "path", path, "error", err)
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
		// Dangling symlinks are rejected outright; their targets cannot be
		// validated reliably.
		if linfo, lerr := os.Lstat(absResolved); lerr == nil && linfo.Mode()&os.ModeSymlink != 0 {
			slog.Warn("security.broken_symlink", "path", path)
			return "", fmt.Errorf("access denied: broken symlink")
		}
		// Non-existent target: canonicalize the parent and re-append.
		parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absResolved))
		if parentErr != nil {
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
		real = filepath.Join(parentReal, filepath.Base(absResolved))
	}

	if !isPathInside(real, wsReal) {
		slog.Warn("security.path_escape", "path", path, "resolved", real, "workspace", wsReal)
		return "", fmt.Errorf("access denied: path outside workspace")
	}

	if err := checkHardlink(real); err != nil {
		return "", err
	}
	return real, nil
}

// isPathInside checks whether child is inside or equal to parent.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// checkHardlink rejects regular files with nlink > 1; a hardlink under the
// workspace can alias a file outside it. Directories are exempt.
func checkHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil // non-existent files fail later at read/write
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
		slog.Warn("security.hardlink_rejected", "path", path, "nlink", stat.Nlink)
		return fmt.Errorf("access denied: hardlinked file not allowed")
	}
	return nil
}
