// Package store answers chat access questions from SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schema string

var (
	// ErrNotFound is returned when a chat does not exist.
	ErrNotFound = errors.New("chat not found")

	// ErrAlreadyExists is returned when creating a chat twice.
	ErrAlreadyExists = errors.New("chat already exists")
)

// ChatAccess decides who may join a chat room.
type ChatAccess interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	IsCreator(ctx context.Context, chatID, userID string) (bool, error)
	IsInviteOpen(ctx context.Context, chatID string) (bool, error)
}

// Store persists chats and their participants in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ ChatAccess = (*Store)(nil)

// Open opens a SQLite store at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateChat inserts a chat owned by creatorID.
func (s *Store) CreateChat(ctx context.Context, chatID, creatorID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	chatID = strings.TrimSpace(chatID)
	creatorID = strings.TrimSpace(creatorID)
	if chatID == "" {
		return fmt.Errorf("chat id is required")
	}
	if creatorID == "" {
		return fmt.Errorf("creator id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO chats (id, creator_id, invite_open, created_at) VALUES (?, ?, 0, ?)`,
		chatID, creatorID, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

// AddParticipant adds userID to a chat. Adding twice is a no-op.
func (s *Store) AddParticipant(ctx context.Context, chatID, userID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	chatID = strings.TrimSpace(chatID)
	userID = strings.TrimSpace(userID)
	if chatID == "" || userID == "" {
		return fmt.Errorf("chat id and user id are required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES (?, ?, ?)
		 ON CONFLICT (chat_id, user_id) DO NOTHING`,
		chatID, userID, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

// SetInviteOpen opens or closes a chat to anyone holding its link.
func (s *Store) SetInviteOpen(ctx context.Context, chatID string, open bool) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE chats SET invite_open = ? WHERE id = ?`,
		open, strings.TrimSpace(chatID),
	)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsParticipant reports whether userID takes part in the chat.
func (s *Store) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	return s.exists(ctx,
		`SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?`,
		chatID, userID,
	)
}

// IsCreator reports whether userID created the chat.
func (s *Store) IsCreator(ctx context.Context, chatID, userID string) (bool, error) {
	return s.exists(ctx,
		`SELECT 1 FROM chats WHERE id = ? AND creator_id = ?`,
		chatID, userID,
	)
}

// IsInviteOpen reports whether the chat admits anyone. Unknown chats are
// closed.
func (s *Store) IsInviteOpen(ctx context.Context, chatID string) (bool, error) {
	return s.exists(ctx,
		`SELECT 1 FROM chats WHERE id = ? AND invite_open = 1`,
		chatID,
	)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}

	var one int
	err := s.sqlDB.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query chat access: %w", err)
	}
	return true, nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}
