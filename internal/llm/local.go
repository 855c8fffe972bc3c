package llm

import (
	"context"
	"strings"
	"sync"

	"editoragent/internal/domain"
)

// LocalTransport answers without a network: it replays scripted replies in
// order, then echoes the last user message with Prefix. Replies are streamed
// word by word. Useful offline and in tests.
type LocalTransport struct {
	Prefix string

	mu      sync.Mutex
	replies []string
}

// NewLocalTransport returns a transport that plays replies before echoing.
func NewLocalTransport(prefix string, replies ...string) *LocalTransport {
	return &LocalTransport{Prefix: prefix, replies: replies}
}

func (t *LocalTransport) next(turns []domain.Turn) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.replies) > 0 {
		r := t.replies[0]
		t.replies = t.replies[1:]
		return r
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == domain.RoleUser {
			return t.Prefix + turns[i].Content
		}
	}
	return t.Prefix
}

// StreamChat implements domain.ModelStreamTransport.
func (t *LocalTransport) StreamChat(ctx context.Context, _ string, turns []domain.Turn, onChunk func(string)) error {
	reply := t.next(turns)
	for _, chunk := range splitWords(reply) {
		if err := ctx.Err(); err != nil {
			return err
		}
		onChunk(chunk)
	}
	return nil
}

// CompleteChat implements domain.ModelStreamTransport.
func (t *LocalTransport) CompleteChat(ctx context.Context, _ string, turns []domain.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return t.next(turns), nil
}

// ListModels reports the single pseudo model.
func (t *LocalTransport) ListModels(context.Context) ([]string, error) {
	return []string{"local"}, nil
}

// splitWords cuts s after each run of spaces so the pieces concatenate back to s.
func splitWords(s string) []string {
	var out []string
	for s != "" {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		j := i
		for j < len(s) && s[j] == ' ' {
			j++
		}
		out = append(out, s[:j])
		s = s[j:]
	}
	return out
}

var (
	_ domain.ModelStreamTransport = (*LocalTransport)(nil)
	_ ModelLister                 = (*LocalTransport)(nil)
)
