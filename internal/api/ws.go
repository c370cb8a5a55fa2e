package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/auth"
	"github.com/blacklake-io/blacklake/internal/eventstream"
)

// WSHandler handles the event-stream upgrade endpoint GET /api/v1/events.
// Authentication uses a JWT passed as the `token` query parameter instead of
// the Authorization header — browsers cannot set custom headers on WebSocket
// connections opened via the native WebSocket API.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter, as a comma-separated list of repo:<uuid>, job:<uuid>, or the
// admin-only "admin" topic.
//
// Example connection URL:
//
//	ws://host/api/v1/events?token=<jwt>&topics=repo:uuid1,job:uuid2
type WSHandler struct {
	hub    *eventstream.Hub
	jwtMgr *auth.JWTManager
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *eventstream.Hub, jwtMgr *auth.JWTManager, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		jwtMgr: jwtMgr,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/events.
// It authenticates the request, builds the topic list, upgrades the
// connection, and starts the client read/write pumps. The handler blocks
// until the connection closes — this is expected for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// JWT is passed as a query parameter because the browser WebSocket API
	// does not support custom headers. The token has the same short TTL
	// as Bearer tokens — clients must reconnect with a fresh token after
	// expiry.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}

	claims, err := h.jwtMgr.ValidateAccessToken(tokenStr)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	topics := h.resolveTopics(r, claims)

	client, err := eventstream.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade failure is already logged by gorilla; the response has
		// already been written by the upgrader on error.
		h.logger.Warn("ws: upgrade failed", zap.String("user_id", claims.UserID), zap.Error(err))
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("user_id", claims.UserID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	// Run blocks until the connection closes. readPump and writePump handle
	// cleanup and hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("user_id", claims.UserID),
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveTopics builds the final topic list for a client connection from the
// `topics` query parameter. Non-admin users are restricted to repo/job
// topics only — the admin-wide topic is reserved for admin role claims.
// Unknown or malformed topic strings are silently ignored; the client will
// simply never receive messages for topics that do not exist.
func (h *WSHandler) resolveTopics(r *http.Request, claims *auth.Claims) []string {
	seen := make(map[string]struct{})
	var topics []string

	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if t == eventstream.AdminTopic && claims.Role != "admin" {
			return
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}

	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			add(t)
		}
	}

	return topics
}
