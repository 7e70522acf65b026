package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"newsriver/internal/domain"
	"newsriver/internal/wsrpc"
)

// handleStream upgrades a recsystem connection onto the event stream. Each
// recsystem may hold one connection at a time; events queued for it are
// forwarded as JSON-RPC notifications, and the same socket answers the
// server's recommend calls.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireRole(w, r, "recsystem")
	if !ok {
		return
	}

	recsystem, err := s.findRecsystem(r.Context(), claims.Subject)
	if err != nil {
		s.logger.Error("recsystem lookup failed",
			slog.String("id", claims.Subject), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	// A rotated token_id invalidates every token issued before the rotation.
	if recsystem == nil || recsystem["token_id"] != claims.TokenID {
		writeError(w, http.StatusUnauthorized, "token has been revoked")
		return
	}

	sub, err := s.hub.Register(claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyConnected) {
			writeError(w, http.StatusForbidden, fmt.Sprintf(
				"multiple simultaneous connections for recsystem %s are not allowed",
				claims.Subject))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its error response.
		s.hub.Unregister(sub)
		return
	}

	logger := s.logger.With(slog.String("recsystem", claims.Subject))
	conn := wsrpc.New(ws, logger)
	s.trackRecsystem(claims.Subject, conn)

	defer func() {
		s.untrackRecsystem(claims.Subject, conn)
		s.hub.Unregister(sub)
		conn.Close()
		logger.Info("recsystem stream closed")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- conn.Serve(ctx) }()

	if err := s.pingHandshake(ctx, conn); err != nil {
		logger.Warn("ping handshake failed", slog.Any("error", err))
		return
	}
	logger.Info("recsystem stream established")

	for {
		select {
		case err := <-served:
			if err != nil && ctx.Err() == nil {
				logger.Info("recsystem stream read loop ended", slog.Any("error", err))
			}
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			if err := s.forwardEvent(conn, event); err != nil {
				logger.Error("failed to forward event",
					slog.String("type", event.Type), slog.Any("error", err))
				return
			}
		}
	}
}

// pingHandshake verifies the peer actually speaks the protocol before any
// events flow: it must answer ping with "pong" within the configured timeout.
func (s *Server) pingHandshake(ctx context.Context, conn *wsrpc.Conn) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()

	var reply string
	if err := conn.Call(pingCtx, "ping", nil, &reply); err != nil {
		return err
	}
	if reply != "pong" {
		return fmt.Errorf("unexpected ping reply %q", reply)
	}
	return nil
}

// forwardEvent turns one stream event into the peer notification for its
// type. Unknown types are logged and skipped.
func (s *Server) forwardEvent(conn *wsrpc.Conn, event domain.Event) error {
	switch event.Type {
	case domain.EventNewArticle:
		return conn.Notify("new_article", map[string]json.RawMessage{
			"article": event.Payload,
		})
	case domain.EventArticleInteraction:
		return conn.Notify("article_interaction", map[string]json.RawMessage{
			"interaction": event.Payload,
		})
	default:
		s.logger.Warn("unknown event type, skipping", slog.String("type", event.Type))
		return nil
	}
}

// findRecsystem resolves a recsystem by ID, or by name for callers that pass
// one (recommendations). IDs stored as ObjectIDs and as plain strings are
// both matched.
func (s *Server) findRecsystem(ctx context.Context, idOrName string) (bson.M, error) {
	clauses := bson.A{bson.M{"_id": idOrName}, bson.M{"name": idOrName}}
	if oid, err := primitive.ObjectIDFromHex(strings.TrimSpace(idOrName)); err == nil {
		clauses = append(clauses, bson.M{"_id": oid})
	}
	return s.store.FindOne(ctx, "recsystems", bson.M{"$or": clauses})
}
