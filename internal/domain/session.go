// Package domain contains core domain types for the chat server.
package domain

import (
	"time"
)

// Session represents one conversation thread.
type Session struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	WorkspaceID         string            `json:"workspace_id,omitempty"`
	ActiveProject       string            `json:"active_project,omitempty"`
	ActiveProjectBranch string            `json:"active_project_branch,omitempty"`
	ParentSessionID     string            `json:"parent_session_id,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// IsForked reports whether this session has been closed off by a
// summarize-and-fork and should not grow further.
func (s *Session) IsForked() bool {
	return s.Metadata["forked"] == "true"
}

// HasActiveProject returns true if a workspace project is activated.
func (s *Session) HasActiveProject() bool {
	return s.ActiveProject != ""
}
