package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/internal/auth"
	"github.com/satriahrh/djsync/server/internal/protocol"
	"github.com/satriahrh/djsync/server/internal/websocket"
)

const maxRoomIDLength = 64

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, hub *websocket.Hub, issuer *auth.TokenIssuer, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "djsync-relay",
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.POST("/rooms/:room/token", func(c echo.Context) error {
		return roomToken(c, issuer, logger)
	})
	v1.GET("/rooms/:room/state", func(c echo.Context) error {
		return roomState(c, hub, logger)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(hub, issuer, c, logger)
	})
}

func roomToken(c echo.Context, issuer *auth.TokenIssuer, logger *zap.Logger) error {
	room := c.Param("room")
	if !validRoomID(room) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_room",
			Message: "Room must be 1-64 characters without whitespace",
		})
	}

	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Name is required",
		})
	}
	if req.MemberID == "" {
		req.MemberID = uuid.New().String()
	}

	token, expiresAt, err := issuer.GenerateMemberToken(room, req.MemberID, req.Name)
	if err != nil {
		logger.Error("Failed to generate member token",
			zap.String("room", room),
			zap.String("member_id", req.MemberID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	logger.Info("Member token issued",
		zap.String("room", room),
		zap.String("member_id", req.MemberID))

	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		MemberID:  req.MemberID,
		Room:      room,
	})
}

func roomState(c echo.Context, hub *websocket.Hub, logger *zap.Logger) error {
	room := c.Param("room")

	state, err := hub.RoomState(c.Request().Context(), room)
	if err != nil {
		logger.Error("Failed to load room state", zap.String("room", room), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load room state",
		})
	}

	members := hub.Members(room)
	if state == nil && len(members) == 0 {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "room_not_found",
			Message: "No such room",
		})
	}

	resp := RoomStateResponse{
		Room:      room,
		Authority: hub.AuthorityStatus(room),
		Members:   members,
	}
	if resp.Members == nil {
		resp.Members = []protocol.User{}
	}
	if state != nil {
		playback := protocol.StateFromSnapshot(room, state.Snapshot)
		resp.State = &playback
		resp.UpdatedAt = &state.UpdatedAt
	}
	return c.JSON(http.StatusOK, resp)
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(hub *websocket.Hub, issuer *auth.TokenIssuer, c echo.Context, logger *zap.Logger) error {
	// Browsers cannot set headers on a WebSocket handshake, so the query
	// parameter is accepted too.
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token = authHeader[len("Bearer "):]
	}
	if token == "" {
		token = c.QueryParam("token")
	}

	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required",
		})
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	logger.Info("WebSocket connection authenticated",
		zap.String("room", claims.Room),
		zap.String("member_id", claims.MemberID))

	return websocket.HandleWebSocketWithAuth(hub, c, websocket.Identity{
		MemberID: claims.MemberID,
		Name:     claims.Name,
		Room:     claims.Room,
	}, logger)
}

func validRoomID(room string) bool {
	if room == "" || len(room) > maxRoomIDLength {
		return false
	}
	return !strings.ContainsAny(room, " \t\r\n")
}
