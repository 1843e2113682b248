package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dkarpov/chatcore/internal/domain"
	"github.com/dkarpov/chatcore/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. Foreign keys must
	// be on for the session -> message cascade, and the pragma is
	// per-connection, so it goes in the DSN rather than initSchema.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		workspace_id TEXT,
		active_project TEXT,
		active_project_branch TEXT,
		parent_session_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		provider TEXT,
		model TEXT,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		total_tokens INTEGER,
		parent_message_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession creates a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, name, workspaceID, parentSessionID string) (*domain.Session, error) {
	now := time.Now()
	sess := &domain.Session{
		ID:              uuid.NewString(),
		Name:            name,
		WorkspaceID:     workspaceID,
		ParentSessionID: parentSessionID,
		Metadata:        map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if sess.Name == "" {
		sess.Name = "Session " + now.Format("2006-01-02 15:04:05")
	}

	query := `
	INSERT INTO sessions (id, name, workspace_id, active_project, active_project_branch, parent_session_id, metadata, created_at, updated_at)
	VALUES (?, ?, ?, NULL, NULL, ?, '{}', ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Name, nullable(sess.WorkspaceID), nullable(sess.ParentSessionID),
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, name, workspace_id, active_project, active_project_branch, parent_session_id, metadata, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var sess domain.Session
	var workspaceID, activeProject, activeBranch, parentID sql.NullString
	var metadata string
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.Name, &workspaceID, &activeProject, &activeBranch,
		&parentID, &metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.WorkspaceID = workspaceID.String
	sess.ActiveProject = activeProject.String
	sess.ActiveProjectBranch = activeBranch.String
	sess.ParentSessionID = parentID.String
	sess.CreatedAt = time.Unix(0, createdAt)
	sess.UpdatedAt = time.Unix(0, updatedAt)

	sess.Metadata = map[string]string{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &sess, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions ordered by most recently updated.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// AppendMessage atomically inserts a message and bumps the session's
// updated_at. Timestamps are strictly increasing within a session: if the
// clock has not advanced past the last message, the new timestamp is bumped
// to last+1ns.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, role, content string, in AppendInput) (*domain.Message, error) {
	if !domain.ValidRole(role) {
		return nil, fmt.Errorf("append message: invalid role %q", role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append transaction: %w", err)
	}
	defer rollback(tx)

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("append message: session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}

	ts := time.Now().UnixNano()
	var lastTS sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM messages WHERE session_id = ?`, sessionID).Scan(&lastTS); err != nil {
		return nil, fmt.Errorf("read last timestamp: %w", err)
	}
	if lastTS.Valid && ts <= lastTS.Int64 {
		ts = lastTS.Int64 + 1
	}

	msg := &domain.Message{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Role:            role,
		Content:         content,
		Timestamp:       time.Unix(0, ts),
		Provider:        in.Provider,
		Model:           in.Model,
		Usage:           in.Usage,
		ParentMessageID: in.ParentMessageID,
	}

	var promptTokens, completionTokens, totalTokens any
	if in.Usage != nil {
		promptTokens = in.Usage.PromptTokens
		completionTokens = in.Usage.CompletionTokens
		totalTokens = in.Usage.TotalTokens
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, timestamp, provider, model, prompt_tokens, completion_tokens, total_tokens, parent_message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, role, content, ts,
		nullable(in.Provider), nullable(in.Model),
		promptTokens, completionTokens, totalTokens,
		nullable(in.ParentMessageID),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID); err != nil {
		return nil, fmt.Errorf("bump session updated_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

const messageColumns = `id, session_id, role, content, timestamp, provider, model, prompt_tokens, completion_tokens, total_tokens, parent_message_id`

func scanMessage(row interface{ Scan(...any) error }) (*domain.Message, error) {
	var msg domain.Message
	var provider, model, parentID sql.NullString
	var promptTokens, completionTokens, totalTokens sql.NullInt64
	var ts int64

	err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &ts,
		&provider, &model, &promptTokens, &completionTokens, &totalTokens,
		&parentID,
	)
	if err != nil {
		return nil, err
	}

	msg.Timestamp = time.Unix(0, ts)
	msg.Provider = provider.String
	msg.Model = model.String
	msg.ParentMessageID = parentID.String
	if totalTokens.Valid {
		msg.Usage = &domain.UsageStats{
			PromptTokens:     int(promptTokens.Int64),
			CompletionTokens: int(completionTokens.Int64),
			TotalTokens:      int(totalTokens.Int64),
		}
	}
	return &msg, nil
}

// ListMessages returns the session's messages in ascending timestamp order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? ORDER BY timestamp ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// EditMessage replaces the content of an existing message.
func (s *SQLiteStore) EditMessage(ctx context.Context, messageID, content string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, messageID)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("edit message %s: %w", messageID, ErrNotFound)
	}
	return nil
}

// TruncateAfter deletes every message in the session with a timestamp
// strictly greater than the given one.
func (s *SQLiteStore) TruncateAfter(ctx context.Context, sessionID string, after time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND timestamp > ?`,
		sessionID, after.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("truncate messages: %w", err)
	}
	return result.RowsAffected()
}

// SetActiveProject records the active workspace project for a session.
func (s *SQLiteStore) SetActiveProject(ctx context.Context, sessionID, project, branch string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active_project = ?, active_project_branch = ?, updated_at = ? WHERE id = ?`,
		nullable(project), nullable(branch), time.Now().UnixNano(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("set active project: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("set active project on %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// SetMetadata sets a single metadata key on a session. Runs in a transaction
// because it is a read-modify-write of the metadata JSON.
func (s *SQLiteStore) SetMetadata(ctx context.Context, sessionID, key, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata transaction: %w", err)
	}
	defer rollback(tx)

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("set metadata on %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read session metadata: %w", err)
	}

	meta := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return fmt.Errorf("decode session metadata: %w", err)
		}
	}
	meta[key] = value

	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET metadata = ? WHERE id = ?`, string(encoded), sessionID); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata: %w", err)
	}
	return nil
}

// DeleteSession removes a session; owned messages go with it via the
// ON DELETE CASCADE foreign key.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		if shared.IsSQLiteConflictError(err) {
			slog.Warn("delete session hit a busy database", "session_id", sessionID, "error", err)
		}
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("delete session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("transaction rollback failed", "error", err)
	}
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}
