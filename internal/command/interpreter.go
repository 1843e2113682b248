// Package command recognizes control messages and mutates session state
// directly, bypassing the provider layer entirely.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dkarpov/chatcore/internal/store"
)

// ProjectInfo describes one workspace project available for activation.
type ProjectInfo struct {
	Name      string `json:"name"`
	FileCount int    `json:"file_count"`
}

// Workspace is the external workspace collaborator. Only this package
// consumes it.
type Workspace interface {
	ListProjects(ctx context.Context, userID string) ([]ProjectInfo, error)
	ProjectExists(ctx context.Context, userID, name string) (bool, error)
}

// Interpreter matches a small fixed set of prefix commands. Anything else is
// NotHandled and flows on to normal conversation. Recognized commands never
// propagate errors: every internal failure becomes user-facing text.
type Interpreter struct {
	repo store.Repository
	ws   Workspace
}

// NewInterpreter creates a command interpreter.
func NewInterpreter(repo store.Repository, ws Workspace) *Interpreter {
	return &Interpreter{repo: repo, ws: ws}
}

const helpText = `Available commands:
/activate <project> [branch] - activate a workspace project for this session
/deactivate - deactivate the current project
/projects - list available workspace projects
/help - show this message`

// TryHandle checks the trimmed message for a recognized command prefix
// (case-insensitive). It returns the response text and true when handled,
// or "" and false when the message is ordinary conversation.
func (i *Interpreter) TryHandle(ctx context.Context, text, sessionID, userID string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}

	fields := strings.Fields(trimmed)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/activate":
		return i.activate(ctx, args, sessionID, userID), true
	case "/deactivate":
		return i.deactivate(ctx, sessionID), true
	case "/projects":
		return i.listProjects(ctx, userID), true
	case "/help":
		return helpText, true
	}
	return "", false
}

func (i *Interpreter) activate(ctx context.Context, args []string, sessionID, userID string) string {
	if len(args) == 0 {
		return "Usage: /activate <project> [branch]\nUse /projects to see what is available."
	}
	name := args[0]
	branch := ""
	if len(args) > 1 {
		branch = args[1]
	}

	exists, err := i.ws.ProjectExists(ctx, userID, name)
	if err != nil {
		slog.Warn("workspace lookup failed", "user_id", userID, "project", name, "error", err)
		return "Could not check the workspace right now. Please try again."
	}
	if !exists {
		return fmt.Sprintf("Project %q not found.\n\n%s", name, i.availableProjectsText(ctx, userID))
	}

	if err := i.repo.SetActiveProject(ctx, sessionID, name, branch); err != nil {
		slog.Warn("failed to set active project", "session_id", sessionID, "project", name, "error", err)
		return "Could not activate the project right now. Please try again."
	}

	if branch != "" {
		return fmt.Sprintf("Activated project %q on branch %q.", name, branch)
	}
	return fmt.Sprintf("Activated project %q.", name)
}

func (i *Interpreter) deactivate(ctx context.Context, sessionID string) string {
	sess, err := i.repo.GetSession(ctx, sessionID)
	if err != nil {
		slog.Warn("failed to load session for deactivate", "session_id", sessionID, "error", err)
		return "Could not deactivate the project right now. Please try again."
	}
	if !sess.HasActiveProject() {
		return "No project is active in this session."
	}

	previous := sess.ActiveProject
	if err := i.repo.SetActiveProject(ctx, sessionID, "", ""); err != nil {
		slog.Warn("failed to clear active project", "session_id", sessionID, "error", err)
		return "Could not deactivate the project right now. Please try again."
	}
	return fmt.Sprintf("Deactivated project %q.", previous)
}

func (i *Interpreter) listProjects(ctx context.Context, userID string) string {
	return i.availableProjectsText(ctx, userID)
}

func (i *Interpreter) availableProjectsText(ctx context.Context, userID string) string {
	projects, err := i.ws.ListProjects(ctx, userID)
	if err != nil {
		slog.Warn("failed to list workspace projects", "user_id", userID, "error", err)
		return "Could not list workspace projects right now."
	}
	if len(projects) == 0 {
		return "No projects in your workspace yet."
	}

	var b strings.Builder
	b.WriteString("Available projects:\n")
	for _, p := range projects {
		fmt.Fprintf(&b, "- %s (%d files)\n", p.Name, p.FileCount)
	}
	return strings.TrimRight(b.String(), "\n")
}
