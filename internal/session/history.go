package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"editoragent/internal/domain"
)

// writeFunc is used to write content so tests can inject a failing implementation.
type writeFunc func(f *os.File, data []byte) (int, error)

// marshalFunc is the JSON marshaling function; tests may replace it to force errors.
type marshalFunc func(v any) ([]byte, error)

// FileStore persists transcript entries of every conversation to one JSONL
// file (one JSON object per line). It is the store used when no database is
// configured.
type FileStore struct {
	path      string
	mu        sync.Mutex
	writeFn   writeFunc   // nil means use f.Write
	marshalFn marshalFunc // nil means use json.Marshal
}

// NewFileStore returns a FileStore that reads/writes the given JSONL file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Append serializes entry and appends it as a single line. A zero CreatedAt
// is stamped with the current time.
func (h *FileStore) Append(ctx context.Context, entry domain.TranscriptEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.ConversationID == "" {
		return errors.New("transcript: conversation ID is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = nowFunc()
	}
	marshal := json.Marshal
	if h.marshalFn != nil {
		marshal = h.marshalFn
	}
	data, err := marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	var writeErr error
	if h.writeFn != nil {
		_, writeErr = h.writeFn(f, data)
	} else {
		_, writeErr = f.Write(data)
	}
	closeErr := f.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// Load returns the last limit entries of the conversation, oldest first.
// A missing file yields no entries; limit <= 0 returns everything.
func (h *FileStore) Load(ctx context.Context, conversationID string, limit int) ([]domain.TranscriptEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []domain.TranscriptEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e domain.TranscriptEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip corrupt lines
		}
		if e.ConversationID == conversationID {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// maxLineBytes bounds a single transcript line; assistant transcripts carry
// whole file contents.
const maxLineBytes = 16 * 1024 * 1024

// Ensure FileStore implements domain.TranscriptStore.
var _ domain.TranscriptStore = (*FileStore)(nil)
