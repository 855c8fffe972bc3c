package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"editoragent/internal/brain"
	"editoragent/internal/domain"
	"editoragent/internal/llm"
)

// ErrInvalidPort is returned when gateway port is not in 0..65535.
var ErrInvalidPort = errors.New("gateway port must be 0-65535")

// Runtime is what the gateway needs to serve conversations. *app.Runtime
// implements it.
type Runtime interface {
	NewLoop() *brain.Loop
	Request(conversationID, model, mode string, history []domain.Turn) brain.Request
	History(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error)
	Titles() *brain.TitleGenerator
	Catalog() *llm.ModelCatalog
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is an HTTP server exposing the agent loop over WebSocket at /ws,
// optionally behind Bearer token auth.
type Server struct {
	cfg         *domain.GatewayConfig
	server      *http.Server
	logger      *slog.Logger
	convs       *conversations
	addr        string
	addrMu      sync.RWMutex
	listenErr   error
	listenErrMu sync.Mutex
	listener    net.Listener

	rtMu sync.RWMutex
	rt   Runtime
}

// NewServer builds a gateway server from config. Port 0 means pick a random
// port. rt must not be nil. Returns ErrInvalidPort if port is not in 0..65535.
func NewServer(cfg *domain.GatewayConfig, rt Runtime, opts ...Option) (*Server, error) {
	if rt == nil {
		panic("gateway: runtime must not be nil")
	}
	if cfg == nil {
		cfg = &domain.GatewayConfig{Port: 8080}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, ErrInvalidPort
	}
	s := &Server{cfg: cfg, rt: rt}
	for _, opt := range opts {
		opt(s)
	}
	s.convs = newConversations(s.runtime)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/conversations", s.handleConversations)
	mux.HandleFunc("/ws", s.handleWS)
	s.server = &http.Server{
		Handler:           BearerAuth(cfg.Auth.AuthToken)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Server) runtime() Runtime {
	s.rtMu.RLock()
	defer s.rtMu.RUnlock()
	return s.rt
}

// SetRuntime swaps the runtime used for conversations created from now on,
// e.g. after a config reload. Running conversations keep their runtime.
func (s *Server) SetRuntime(rt Runtime) {
	if rt == nil {
		return
	}
	s.rtMu.Lock()
	s.rt = rt
	s.rtMu.Unlock()
}

// handleConversations lists the IDs of known conversations as JSON.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{"conversations": s.convs.ids()})
}

// Addr returns the bound address (e.g. "127.0.0.1:8080") after Run has started. Empty before Run.
func (s *Server) Addr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// ListenErr returns the error from the initial Listen in Run(), if any.
func (s *Server) ListenErr() error {
	s.listenErrMu.Lock()
	defer s.listenErrMu.Unlock()
	return s.listenErr
}

// Handler returns the HTTP handler used by the server. For testing without binding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// netListen is the function used to listen; tests may replace it to force Listen errors.
var netListen = func(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// Run listens on the configured port and serves until shutdown is closed. Returns nil when shutdown.
func (s *Server) Run(shutdown <-chan struct{}) error {
	addr := ":" + strconv.Itoa(s.cfg.Port)
	ln, err := netListen("tcp", addr)
	if err != nil {
		s.listenErrMu.Lock()
		s.listenErr = err
		s.listenErrMu.Unlock()
		return err
	}
	s.addrMu.Lock()
	s.listener = ln
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()
	s.log().Info("gateway listening", "addr", s.addr)

	done := make(chan error, 1)
	go func() {
		done <- s.server.Serve(ln)
	}()

	<-shutdown
	for _, id := range s.convs.ids() {
		if c, ok := s.convs.lookup(id); ok {
			c.loop.Abort()
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := serverShutdown(s.server, ctx); err != nil {
		return err
	}
	<-done
	return nil
}

// serverShutdown is the function used to shut down the server; tests may replace it.
var serverShutdown = func(srv *http.Server, ctx context.Context) error {
	return srv.Shutdown(ctx)
}
