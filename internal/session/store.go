package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"editoragent/internal/domain"
)

// nowFunc is the clock; tests may replace it.
var nowFunc = time.Now

// NewConversationID returns a fresh random conversation identifier.
func NewConversationID() string {
	return uuid.NewString()
}

// SQLStore persists transcript entries in the transcripts table created by
// db.Connect.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore returns a store over an open database. Panics if db is nil.
func NewSQLStore(db *sql.DB) *SQLStore {
	if db == nil {
		panic("session: db must not be nil")
	}
	return &SQLStore{db: db}
}

// Append inserts one entry. A zero CreatedAt is stamped with the current time.
func (s *SQLStore) Append(ctx context.Context, entry domain.TranscriptEntry) error {
	if entry.ConversationID == "" {
		return errors.New("transcript: conversation ID is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = nowFunc()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		entry.ConversationID, string(entry.Role), entry.Content, entry.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("transcript append: %w", err)
	}
	return nil
}

// Load returns the last limit entries of the conversation, oldest first;
// limit <= 0 returns everything.
func (s *SQLStore) Load(ctx context.Context, conversationID string, limit int) ([]domain.TranscriptEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, role, content, created_at FROM (
			SELECT id, conversation_id, role, content, created_at FROM transcripts
			WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript load: %w", err)
	}
	defer rows.Close()

	var entries []domain.TranscriptEntry
	for rows.Next() {
		var (
			e    domain.TranscriptEntry
			role string
			ms   int64
		)
		if err := rows.Scan(&e.ConversationID, &role, &e.Content, &ms); err != nil {
			return nil, fmt.Errorf("transcript scan: %w", err)
		}
		e.Role = domain.Role(role)
		e.CreatedAt = time.UnixMilli(ms)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript load: %w", err)
	}
	return entries, nil
}

// Turns converts stored entries back into conversation turns for a new request.
func Turns(entries []domain.TranscriptEntry) []domain.Turn {
	turns := make([]domain.Turn, 0, len(entries))
	for _, e := range entries {
		turns = append(turns, domain.Turn{Role: e.Role, Content: e.Content})
	}
	return turns
}

var _ domain.TranscriptStore = (*SQLStore)(nil)
