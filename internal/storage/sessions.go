package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kassa/internal/core"
	"kassa/internal/session"
)

// SessionRepository persists entry-flow sessions in the entry_sessions table,
// so an in-flight conversation survives a restart.
type SessionRepository struct {
	repo *SQLiteRepository
}

func NewSessionRepository(repo *SQLiteRepository) *SessionRepository {
	return &SessionRepository{repo: repo}
}

// Load implements session.Store.
func (s *SessionRepository) Load(ctx context.Context, userID core.UserID) (session.Session, bool, error) {
	var payload string
	err := s.repo.db.QueryRowContext(ctx,
		`SELECT payload FROM entry_sessions WHERE user_id = ?`, int64(userID)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, fmt.Errorf("load session: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return session.Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return sess, true, nil
}

// Save implements session.Store.
func (s *SessionRepository) Save(ctx context.Context, sess session.Session) error {
	now := s.repo.now()
	sess.UpdatedAt = now.UTC()
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	_, err = s.repo.db.ExecContext(ctx, `
		INSERT INTO entry_sessions (user_id, state, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			state = excluded.state,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		int64(sess.UserID), string(sess.State), string(payload), formatTime(now))
	if isForeignKeyViolation(err) {
		return fmt.Errorf("save session for user %d: %w", sess.UserID, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete implements session.Store.
func (s *SessionRepository) Delete(ctx context.Context, userID core.UserID) error {
	if _, err := s.repo.db.ExecContext(ctx, `DELETE FROM entry_sessions WHERE user_id = ?`, int64(userID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeSessions removes sessions not touched since before and reports how many.
func (s *SessionRepository) PurgeSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.repo.db.ExecContext(ctx, `DELETE FROM entry_sessions WHERE updated_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge sessions rows: %w", err)
	}
	return n, nil
}
