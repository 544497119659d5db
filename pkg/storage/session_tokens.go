package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionRecord is one resumable agent session.
type SessionRecord struct {
	SessionID     string
	WorkspaceKey  string
	WorkspaceRoot string
	GitBranch     string
	State         string
	Iterations    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
)

// SaveSessionToken records that sessionID belongs to the workspace. Saving
// an existing session refreshes its workspace details and timestamp.
func (s *Store) SaveSessionToken(ctx context.Context, rec SessionRecord) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	rec.SessionID = strings.TrimSpace(rec.SessionID)
	if rec.SessionID == "" || rec.WorkspaceKey == "" {
		return fmt.Errorf("session id and workspace key are required")
	}
	if rec.State == "" {
		rec.State = "starting"
	}
	now := time.Now().UTC()

	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_tokens (session_id, workspace_key, workspace_root, git_branch, state, iterations, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				workspace_key = excluded.workspace_key,
				workspace_root = excluded.workspace_root,
				git_branch = excluded.git_branch,
				updated_at = excluded.updated_at
		`, rec.SessionID, rec.WorkspaceKey, rec.WorkspaceRoot, rec.GitBranch, rec.State, rec.Iterations, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("save session token: %w", err)
	}
	s.notify(newEvent(EventSessionSaved, rec.SessionID, rec.WorkspaceKey, rec))
	return nil
}

// UpdateSessionState records how far a session got.
func (s *Store) UpdateSessionState(ctx context.Context, sessionID, state string, iterations int) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	var affected int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE session_tokens SET state = ?, iterations = ?, updated_at = ? WHERE session_id = ?
		`, state, iterations, time.Now().UTC(), sessionID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update session state: %w", ErrSessionNotFound)
	}
	s.notify(newEvent(EventSessionUpdated, sessionID, "", map[string]any{"state": state, "iterations": iterations}))
	return nil
}

// ErrSessionNotFound is returned when no stored session matches.
var ErrSessionNotFound = errors.New("storage: session not found")

// LatestSessionToken returns the most recently used session for the
// workspace, or ErrSessionNotFound.
func (s *Store) LatestSessionToken(ctx context.Context, workspaceKey string) (SessionRecord, error) {
	sessions, err := s.ListSessions(ctx, workspaceKey, 1)
	if err != nil {
		return SessionRecord{}, err
	}
	if len(sessions) == 0 {
		return SessionRecord{}, ErrSessionNotFound
	}
	return sessions[0], nil
}

// ListSessions returns sessions newest first. An empty workspaceKey lists
// every workspace; limit <= 0 means no limit.
func (s *Store) ListSessions(ctx context.Context, workspaceKey string, limit int) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT session_id, workspace_key, workspace_root, git_branch, state, iterations, created_at, updated_at
		FROM session_tokens`
	var args []any
	if workspaceKey != "" {
		query += ` WHERE workspace_key = ?`
		args = append(args, workspaceKey)
	}
	query += ` ORDER BY updated_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.SessionID, &rec.WorkspaceKey, &rec.WorkspaceRoot, &rec.GitBranch,
			&rec.State, &rec.Iterations, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSessionToken removes any stored token for the session.
func (s *Store) DeleteSessionToken(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session token: %w", err)
	}
	s.notify(newEvent(EventSessionDeleted, sessionID, "", nil))
	return nil
}

// withRetry retries SQLITE_BUSY/LOCKED with exponential backoff.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = fn(); err == nil || !retryable(err) || attempt == maxRetries {
			return err
		}
		timer := time.NewTimer(baseDelay * time.Duration(1<<uint(attempt)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
