// Package workspace implements the external workspace collaborator over a
// per-user directory tree on the local filesystem.
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dkarpov/chatcore/internal/command"
)

// Scanner enumerates projects under root/<userID>/<project>/.
type Scanner struct {
	root string
}

// NewScanner creates a workspace scanner rooted at the given directory.
func NewScanner(root string) *Scanner {
	return &Scanner{root: root}
}

// Structure describes a scanned directory tree.
type Structure struct {
	FileCount      int `json:"file_count"`
	DirectoryCount int `json:"directory_count"`
}

// ListProjects returns the user's projects with their file counts. A missing
// user directory is an empty workspace, not an error.
func (s *Scanner) ListProjects(ctx context.Context, userID string) ([]command.ProjectInfo, error) {
	userDir := filepath.Join(s.root, sanitize(userID))
	entries, err := os.ReadDir(userDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace directory: %w", err)
	}

	var projects []command.ProjectInfo
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := s.ScanStructure(filepath.Join(userDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("scan project %s: %w", entry.Name(), err)
		}
		projects = append(projects, command.ProjectInfo{Name: entry.Name(), FileCount: st.FileCount})
	}
	return projects, nil
}

// ProjectExists reports whether the named project directory exists for the
// user.
func (s *Scanner) ProjectExists(_ context.Context, userID, name string) (bool, error) {
	if name == "" || name != sanitize(name) {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(s.root, sanitize(userID), name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat project: %w", err)
	}
	return info.IsDir(), nil
}

// ScanStructure walks a directory and counts files and directories. The root
// itself is not counted.
func (s *Scanner) ScanStructure(path string) (Structure, error) {
	var st Structure
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == path {
			return nil
		}
		if d.IsDir() {
			st.DirectoryCount++
		} else {
			st.FileCount++
		}
		return nil
	})
	if err != nil {
		return Structure{}, fmt.Errorf("walk %s: %w", path, err)
	}
	return st, nil
}

// sanitize strips path separators so user-supplied names cannot escape the
// workspace root.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}
