package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/auth"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/bus"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/config"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/kvs"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/module"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/ratelimit"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/room"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/runner"
	streamprocessor "github.com/ricoschulte/opentalk-controller-sub002/internal/v1/stream_processor"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/summary"
	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

// server holds every long-lived dependency a connection needs, built
// once at startup and shared across every WebSocket upgrade.
type server struct {
	cfg         *config.Config
	validator   *auth.Adapter
	store       kvs.Store
	bus         *bus.Service
	registry    *module.Registry
	rateLimiter *ratelimit.RateLimiter
	captioning  *streamprocessor.Client
	summary     *summary.Client
	logger      *zap.Logger
}

// moderatorScope is the JWT scope string that grants the moderator role
// on join; anything authenticated without it joins as a plain user.
const moderatorScope = "moderator"

// serveWs authenticates the caller, upgrades to a WebSocket, and starts
// a runner for the connection. Grounded on the teacher's extract-token /
// validate-origin / upgrade / hand-off-to-connection sequence.
func (s *server) serveWs(c *gin.Context) {
	token := extractToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	if !s.rateLimiter.CheckWebSocket(c) {
		return
	}
	if err := s.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	roomIDParam := c.Param("roomId")
	if roomIDParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room id required"})
		return
	}
	roomID := types.SignalingRoomID{Room: types.RoomID(roomIDParam), Breakout: types.BreakoutID(c.Query("breakout"))}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return validateOrigin(r, allowedOrigins) == nil },
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}
	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	role := types.RoleUser
	if strings.Contains(claims.Scope, moderatorScope) {
		role = types.RoleModerator
	}

	participantID := types.ParticipantID(uuid.New().String())
	conn := runner.NewConn(wsConn, participantID, role)
	roomState := room.New(s.store, roomID)

	join := runner.JoinInfo{
		DisplayName: types.DisplayName(firstNonEmpty(c.Query("displayName"), claims.Name)),
		Kind:        types.KindUser,
		UserID:      types.UserID(claims.Subject),
		AvatarURL:   c.Query("avatarUrl"),
	}

	r := runner.New(conn, s.registry, s.store, s.bus, roomState, join)
	go r.Run(context.Background())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// extractToken reads the bearer token from the query string or the
// Sec-WebSocket-Protocol header, since browsers cannot set arbitrary
// headers on a WebSocket handshake.
func extractToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Sec-WebSocket-Protocol")
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part != "" && part != "access_token" {
			return part
		}
	}
	return ""
}

var errOriginNotAllowed = errors.New("origin not allowed")

func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return err
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return errOriginNotAllowed
}
