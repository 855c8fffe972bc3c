package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"editoragent/internal/brain"
	"editoragent/internal/domain"
	"editoragent/internal/protocol"
	"editoragent/internal/ratelimit"
	"editoragent/internal/session"
)

// Message types exchanged on /ws.
const (
	// Client to server.
	TypeChat   = "chat"
	TypeAbort  = "abort"
	TypeTool   = "tool"
	TypeTitle  = "title"
	TypeModels = "models"
	TypePing   = "ping"

	// Server to client.
	TypeStart        = "start"
	TypeChunk        = "chunk"
	TypeToolStart    = "tool_start"
	TypeToolComplete = "tool_complete"
	TypeDone         = "done"
	TypeToolResult   = "tool_result"
	TypeError        = "error"
	TypePong         = "pong"
)

// WSMessage is the JSON message protocol for the WebSocket gateway.
// Example: {"type": "chat", "conversationId": "c1", "content": "where is main?", "mode": "agent"}
type WSMessage struct {
	Type           string             `json:"type"`
	ConversationID string             `json:"conversationId,omitempty"`
	Content        string             `json:"content,omitempty"`
	Model          string             `json:"model,omitempty"`
	Mode           string             `json:"mode,omitempty"`
	Tool           string             `json:"tool,omitempty"`
	Args           map[string]any     `json:"args,omitempty"`
	Result         *domain.ToolResult `json:"result,omitempty"`
	State          string             `json:"state,omitempty"`
	Iterations     int                `json:"iterations,omitempty"`
	ToolCalls      int                `json:"toolCalls,omitempty"`
	Models         []string           `json:"models,omitempty"`
	Segments       []protocol.Segment `json:"segments,omitempty"`
	RateLimit      *ratelimit.Status  `json:"rateLimit,omitempty"`
}

// jsonMarshal is used when encoding WSMessage; tests may replace it to force Marshal errors.
// Access is protected by jsonMarshalMu for race-safe test swaps.
var (
	jsonMarshalMu sync.RWMutex
	jsonMarshal   = json.Marshal
)

// Default upgrader for WebSocket connections.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn is one client connection. Writes are serialized; chat requests run
// on their own goroutines so abort messages are read while a loop streams.
type wsConn struct {
	srv     *Server
	conn    *websocket.Conn
	writeMu sync.Mutex
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]*conversation // conversations with a running request
}

// handleWS upgrades the request and serves messages until the client disconnects.
// Only GET is accepted for the WebSocket handshake.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Warn("ws upgrade failed", "error", err)
		return
	}
	c := &wsConn{srv: s, conn: conn, active: make(map[string]*conversation)}
	defer conn.Close()

	ctx := context.WithoutCancel(r.Context())
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var in WSMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			c.write(&WSMessage{Type: TypeError, Content: "invalid JSON"})
			continue
		}
		c.dispatch(ctx, in)
	}

	// The client is gone: stop its running requests and wait for them so no
	// goroutine writes to a closed connection.
	c.mu.Lock()
	for _, conv := range c.active {
		conv.abort()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *wsConn) dispatch(ctx context.Context, in WSMessage) {
	switch in.Type {
	case TypeChat:
		c.chat(ctx, in)
	case TypeAbort:
		c.abort(in)
	case TypeTool:
		c.tool(ctx, in)
	case TypeTitle:
		c.title(ctx, in)
	case TypeModels:
		c.models(ctx)
	case TypePing:
		c.write(&WSMessage{Type: TypePong})
	default:
		c.write(&WSMessage{Type: TypeError, ConversationID: in.ConversationID, Content: "unknown message type: " + in.Type})
	}
}

// chat starts one loop run. A conversation runs one request at a time.
func (c *wsConn) chat(ctx context.Context, in WSMessage) {
	if in.Content == "" {
		c.fail(in.ConversationID, errors.New("content is required"))
		return
	}
	id := in.ConversationID
	if id == "" {
		id = session.NewConversationID()
	}
	conv, err := c.srv.convs.get(id)
	if err != nil {
		c.fail(id, err)
		return
	}
	if !conv.run.TryLock() {
		c.fail(id, ErrBusy)
		return
	}
	history, err := conv.turns(ctx)
	if err != nil {
		conv.run.Unlock()
		c.fail(id, err)
		return
	}

	runCtx, end := conv.begin(ctx)
	c.mu.Lock()
	c.active[id] = conv
	c.mu.Unlock()
	c.write(&WSMessage{Type: TypeStart, ConversationID: id})

	user := domain.Turn{Role: domain.RoleUser, Content: in.Content}
	req := conv.rt.Request(id, in.Model, in.Mode, append(history, user))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer conv.run.Unlock()
		defer end()
		defer func() {
			c.mu.Lock()
			delete(c.active, id)
			c.mu.Unlock()
		}()

		out := conv.loop.Send(runCtx, req, brain.Callbacks{
			OnChunk: func(chunk string) {
				c.write(&WSMessage{Type: TypeChunk, ConversationID: id, Content: chunk})
			},
			OnToolStart: func(tool string, args map[string]any) {
				c.write(&WSMessage{Type: TypeToolStart, ConversationID: id, Tool: tool, Args: args})
			},
			OnToolComplete: func(tool string, result domain.ToolResult) {
				c.write(&WSMessage{Type: TypeToolComplete, ConversationID: id, Tool: tool, Result: &result})
			},
		})
		conv.appendTurns(user, domain.Turn{Role: domain.RoleAssistant, Content: out.Transcript})
		done := &WSMessage{
			Type:           TypeDone,
			ConversationID: id,
			State:          string(out.State),
			Iterations:     out.Iterations,
			ToolCalls:      out.ToolCalls,
			Segments:       protocol.ParseMarkers(out.Transcript),
			RateLimit:      rateLimitOf(conv),
		}
		if out.Err != nil {
			done.Content = out.Err.Error()
		}
		c.write(done)
	}()
}

func (c *wsConn) abort(in WSMessage) {
	conv, ok := c.srv.convs.lookup(in.ConversationID)
	if !ok {
		c.fail(in.ConversationID, errors.New("unknown conversation"))
		return
	}
	conv.abort()
}

// tool runs one tool directly through the conversation's tool service, so
// the call counts against the same rate limits as the model's calls.
func (c *wsConn) tool(ctx context.Context, in WSMessage) {
	if in.Tool == "" {
		c.fail(in.ConversationID, errors.New("tool is required"))
		return
	}
	id := in.ConversationID
	if id == "" {
		id = session.NewConversationID()
	}
	conv, err := c.srv.convs.get(id)
	if err != nil {
		c.fail(id, err)
		return
	}
	args := in.Args
	if args == nil {
		args = map[string]any{}
	}
	result := conv.loop.Tools().ExecuteTool(ctx, in.Tool, args)
	c.write(&WSMessage{Type: TypeToolResult, ConversationID: id, Tool: in.Tool, Result: &result, RateLimit: rateLimitOf(conv)})
}

// rateLimitOf reports the conversation's remaining tool-call quota.
func rateLimitOf(conv *conversation) *ratelimit.Status {
	st := conv.loop.Tools().RateLimitStatus()
	return &st
}

// title names a conversation from its first exchange; Content overrides the
// user message when the conversation has none yet.
func (c *wsConn) title(ctx context.Context, in WSMessage) {
	var user, assistant string
	var model string
	if conv, ok := c.srv.convs.lookup(in.ConversationID); ok {
		turns, err := conv.turns(ctx)
		if err != nil {
			c.fail(in.ConversationID, err)
			return
		}
		for _, t := range turns {
			if t.Role == domain.RoleUser && user == "" {
				user = t.Content
			}
			if t.Role == domain.RoleAssistant && assistant == "" {
				assistant = t.Content
			}
		}
		model = conv.rt.Request("", in.Model, "", nil).Model
	}
	if user == "" {
		user = in.Content
	}
	if user == "" {
		c.fail(in.ConversationID, errors.New("nothing to title"))
		return
	}
	rt := c.srv.runtime()
	if model == "" {
		model = rt.Request("", in.Model, "", nil).Model
	}
	title := rt.Titles().Generate(ctx, model, user, assistant)
	c.write(&WSMessage{Type: TypeTitle, ConversationID: in.ConversationID, Content: title})
}

func (c *wsConn) models(ctx context.Context) {
	cat := c.srv.runtime().Catalog()
	if cat == nil {
		c.fail("", errors.New("model listing unavailable for this provider"))
		return
	}
	models, err := cat.Models(ctx)
	if err != nil {
		c.fail("", err)
		return
	}
	c.write(&WSMessage{Type: TypeModels, Models: models})
}

func (c *wsConn) fail(conversationID string, err error) {
	c.write(&WSMessage{Type: TypeError, ConversationID: conversationID, Content: err.Error()})
}

func (c *wsConn) write(msg *WSMessage) {
	jsonMarshalMu.RLock()
	marshal := jsonMarshal
	jsonMarshalMu.RUnlock()
	data, err := marshal(msg)
	if err != nil {
		c.srv.log().Warn("ws marshal failed", "type", msg.Type, "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}
