package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"

	"editoragent/internal/brain"
	"editoragent/internal/domain"
)

// historyLimit bounds the stored turns replayed into a resumed conversation.
const historyLimit = 200

// ErrEmptyConversationID is returned when a conversation is requested without an ID.
var ErrEmptyConversationID = errors.New("gateway: conversation ID must not be empty")

// ErrBusy is returned when a conversation already has a request in flight.
var ErrBusy = errors.New("conversation busy: a request is already running")

// conversation is one chat thread: its own loop (and so its own rate limiter
// and abort state) plus the turns sent to the model so far.
type conversation struct {
	id   string
	rt   Runtime
	loop *brain.Loop

	run     sync.Mutex // held for the duration of a Send
	mu      sync.Mutex // guards history/loaded/stop
	history []domain.Turn
	loaded  bool
	stop    context.CancelFunc // cancels the request in flight
}

// begin derives the context of one request. The request is cancelable
// through abort from the moment begin returns, before Send has started.
func (c *conversation) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stop = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		c.stop = nil
		c.mu.Unlock()
		cancel()
	}
}

// abort cancels the request in flight, if any.
func (c *conversation) abort() {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.loop.Abort()
}

// turns returns the conversation history, loading stored turns on first use.
func (c *conversation) turns(ctx context.Context) ([]domain.Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		stored, err := c.rt.History(ctx, c.id, historyLimit)
		if err != nil {
			return nil, err
		}
		c.history = stored
		c.loaded = true
	}
	return append([]domain.Turn(nil), c.history...), nil
}

func (c *conversation) appendTurns(turns ...domain.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, turns...)
}

// conversations tracks the active conversations of a server. New
// conversations are bound to the runtime current at creation time.
type conversations struct {
	mu      sync.RWMutex
	byID    map[string]*conversation
	runtime func() Runtime

	// afterReadMiss is a test hook called between the read-lock miss and the
	// write lock in get. Nil in production.
	afterReadMiss func()
}

func newConversations(runtime func() Runtime) *conversations {
	return &conversations{byID: make(map[string]*conversation), runtime: runtime}
}

// get returns the conversation for id, creating it if needed.
func (cs *conversations) get(id string) (*conversation, error) {
	if id == "" {
		return nil, ErrEmptyConversationID
	}
	cs.mu.RLock()
	c, ok := cs.byID[id]
	cs.mu.RUnlock()
	if ok {
		return c, nil
	}

	if cs.afterReadMiss != nil {
		cs.afterReadMiss()
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok = cs.byID[id]; ok {
		return c, nil
	}
	rt := cs.runtime()
	c = &conversation{id: id, rt: rt, loop: rt.NewLoop()}
	cs.byID[id] = c
	return c, nil
}

// lookup returns an existing conversation without creating one.
func (cs *conversations) lookup(id string) (*conversation, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.byID[id]
	return c, ok
}

// ids returns the sorted IDs of all known conversations.
func (cs *conversations) ids() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]string, 0, len(cs.byID))
	for id := range cs.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
