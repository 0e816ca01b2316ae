package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
)

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Diagnostic is one analysis finding for a file.
type Diagnostic struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// HostTools is the host-side surface agents reach through their transport:
// file access plus editor-bound operations. Implementations back the
// supervisor's wire responder; editor-bound operations may be acknowledged
// without effect on hosts that have no editor.
type HostTools interface {
	// ReadFile returns a file's content. line (1-based) and limit narrow
	// the read to a window; zero values read the whole file.
	ReadFile(ctx context.Context, path string, line, limit int) (string, error)
	// WriteFile writes content, creating parent directories as needed.
	WriteFile(ctx context.Context, path, content string) error
	// ListDir lists a directory.
	ListDir(ctx context.Context, path string) ([]DirEntry, error)
	// Reformat asks the host to reformat a file.
	Reformat(ctx context.Context, path string) error
	// OpenDiff asks the host to present a diff for review.
	OpenDiff(ctx context.Context, path, before, after string) error
	// Diagnostics returns analysis findings for a file.
	Diagnostics(ctx context.Context, path string) ([]Diagnostic, error)
}

// LocalHostTools implements HostTools against the local filesystem.
// Relative paths resolve under the workspace root; absolute paths are used
// as given. The editor-bound operations are acknowledged without effect.
type LocalHostTools struct {
	root   string
	logger *logger.Logger
}

var _ HostTools = (*LocalHostTools)(nil)

// NewLocalHostTools creates a filesystem-backed host rooted at root.
func NewLocalHostTools(root string, log *logger.Logger) *LocalHostTools {
	return &LocalHostTools{
		root:   root,
		logger: log.WithComponent("host-tools"),
	}
}

func (h *LocalHostTools) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(h.root, path)
}

// ReadFile reads a file, optionally narrowed to a 1-based line window.
func (h *LocalHostTools) ReadFile(ctx context.Context, path string, line, limit int) (string, error) {
	b, err := os.ReadFile(h.resolve(path))
	if err != nil {
		return "", err
	}
	content := string(b)
	if line <= 0 && limit <= 0 {
		return content, nil
	}

	lines := strings.Split(content, "\n")
	start := 0
	if line > 0 {
		start = line - 1
		if start > len(lines) {
			start = len(lines)
		}
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// WriteFile writes a file, creating parent directories as needed.
func (h *LocalHostTools) WriteFile(ctx context.Context, path, content string) error {
	resolved := h.resolve(path)
	if dir := filepath.Dir(resolved); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

// ListDir lists a directory.
func (h *LocalHostTools) ListDir(ctx context.Context, path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(h.resolve(path))
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		entry := DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, ierr := e.Info(); ierr == nil {
			entry.Size = info.Size()
		}
		out = append(out, entry)
	}
	return out, nil
}

// Reformat acknowledges the request; a headless host has no formatter.
func (h *LocalHostTools) Reformat(ctx context.Context, path string) error {
	h.logger.Debug("reformat acknowledged", zap.String("path", path))
	return nil
}

// OpenDiff acknowledges the request; a headless host has no editor to
// present the diff in.
func (h *LocalHostTools) OpenDiff(ctx context.Context, path, before, after string) error {
	h.logger.Debug("diff acknowledged", zap.String("path", path))
	return nil
}

// Diagnostics reports no findings; a headless host runs no analyzers.
func (h *LocalHostTools) Diagnostics(ctx context.Context, path string) ([]Diagnostic, error) {
	h.logger.Debug("diagnostics requested", zap.String("path", path))
	return nil, nil
}
