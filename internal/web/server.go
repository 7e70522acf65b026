// Package web is the public HTTP surface: the recsystem event-stream
// WebSocket, article interactions, recommendations, and icon serving.
package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson"

	"newsriver/internal/auth"
	"newsriver/internal/config"
	"newsriver/internal/events"
	"newsriver/internal/wsrpc"
)

// Store is the document-store capability the web layer needs.
type Store interface {
	FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, error)
	Find(ctx context.Context, collection string, filter bson.M, sort bson.D, limit int64) ([]bson.M, error)
	ApplyUpdate(ctx context.Context, collection string, filter, update bson.M, upsert bool) (bson.M, error)
}

// Publisher publishes onto one broker exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Server carries the HTTP handlers' shared dependencies.
type Server struct {
	cfg      config.WebConfig
	store    Store
	hub      *events.Hub
	events   Publisher
	tokens   *auth.Signer
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	recsystems map[string]*wsrpc.Conn
}

// NewServer builds the API server. eventsPub publishes on the event_stream
// exchange; hub receives this process's share of that stream.
func NewServer(cfg config.WebConfig, store Store, hub *events.Hub, eventsPub Publisher, tokens *auth.Signer, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		hub:        hub,
		events:     eventsPub,
		tokens:     tokens,
		logger:     logger,
		recsystems: make(map[string]*wsrpc.Conn),
	}
}

// Routes builds the route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/events/stream", s.handleStream)
	mux.HandleFunc("GET /api/v1/articles/interactions/{article_id}", s.handleGetInteraction)
	mux.HandleFunc("POST /api/v1/articles/interactions/{article_id}", s.handlePostInteraction)
	mux.HandleFunc("GET /api/v1/images/icons/{icon_id}", s.handleIcon)
	mux.HandleFunc("GET /api/v1/recommendations", s.handleRecommendations)
	return mux
}

// Run serves until ctx is done, then drains connections gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()

	s.logger.Info("api server listening", slog.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errs:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate extracts and verifies the request's token, from the
// Authorization header or, for WebSocket clients that cannot set headers,
// the token query parameter.
func (s *Server) authenticate(r *http.Request) (*auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	return s.tokens.Verify(token)
}

// requireRole authenticates the request and checks its role, writing the
// error response itself on failure.
func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, role string) (*auth.Claims, bool) {
	claims, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return nil, false
	}
	if claims.Role != role {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return nil, false
	}
	return claims, true
}

// recsystemConn looks up the live event-stream connection for a recsystem ID.
func (s *Server) recsystemConn(id string) *wsrpc.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recsystems[id]
}

func (s *Server) trackRecsystem(id string, conn *wsrpc.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recsystems[id] = conn
}

func (s *Server) untrackRecsystem(id string, conn *wsrpc.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recsystems[id] == conn {
		delete(s.recsystems, id)
	}
}
