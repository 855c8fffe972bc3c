package domain

import "context"

// FileAccessBackend performs the host file-system work behind the file tools.
// Paths passed in have already been sandboxed.
type FileAccessBackend interface {
	// SearchText greps every file under root. Results are returned in a stable
	// file order which the caller uses when distributing its result budget.
	SearchText(ctx context.Context, root string, opts SearchOptions) ([]SearchResult, error)

	// ListTree returns the recursive tree under root (root itself excluded).
	ListTree(ctx context.Context, root string) ([]FileNode, error)

	// ListDir returns the direct entries of a directory.
	ListDir(ctx context.Context, path string) ([]FileNode, error)

	ReadFileText(ctx context.Context, path string) (string, error)
	FileSize(ctx context.Context, path string) (int64, error)
}

// ModelStreamTransport delivers model output for an ordered conversation.
// Implementations may be OpenAI-compatible APIs, Anthropic, local scripts, or mocks.
type ModelStreamTransport interface {
	// StreamChat calls onChunk with each piece of output, in order, until the
	// response completes, ctx is cancelled, or an error occurs.
	StreamChat(ctx context.Context, model string, turns []Turn, onChunk func(string)) error

	// CompleteChat returns the whole response at once.
	CompleteChat(ctx context.Context, model string, turns []Turn) (string, error)
}

// Tokenizer counts tokens in a string for context window management.
type Tokenizer interface {
	// CountTokens returns the number of tokens in the given text.
	CountTokens(text string) (int, error)
}

// ContextManager fits turns into a model's context window.
type ContextManager interface {
	// FitToWindow returns the newest turns that fit within the configured token
	// limit. The system prompt tokens are always reserved. Older turns are
	// dropped first (sliding window).
	FitToWindow(turns []Turn, systemPrompt string) ([]Turn, error)
}

// TranscriptStore persists conversation turns.
type TranscriptStore interface {
	Append(ctx context.Context, entry TranscriptEntry) error
	Load(ctx context.Context, conversationID string, limit int) ([]TranscriptEntry, error)
}
