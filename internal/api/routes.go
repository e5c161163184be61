package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/internal/auth"
	"github.com/satriahrh/voxbridge/internal/bridge"
)

const configUpdateTimeout = 5 * time.Second

// InitRoutes initializes all API routes. issuer may be nil when stream tokens are disabled.
func InitRoutes(e *echo.Echo, hub *bridge.Hub, handler *bridge.Handler, issuer *auth.TokenIssuer, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"service":  "voxbridge",
			"sessions": len(hub.Sessions()),
		})
	})

	// Telephony media stream
	e.GET("/media-stream", handler.HandleMediaStream)

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.GET("/sessions", func(c echo.Context) error {
		sessions := hub.Sessions()
		return c.JSON(http.StatusOK, SessionsResponse{Sessions: sessions, Count: len(sessions)})
	})
	v1.PATCH("/sessions/:id/config", func(c echo.Context) error {
		return updateSessionConfig(c, hub, logger)
	})
	v1.POST("/sessions/:id/messages", func(c echo.Context) error {
		return sendSessionMessage(c, hub, logger)
	})
	v1.DELETE("/sessions/:id", func(c echo.Context) error {
		return stopSession(c, hub, logger)
	})

	v1.POST("/stream-tokens", func(c echo.Context) error {
		return issueStreamToken(c, issuer, logger)
	})
	v1.POST("/session-configs", func(c echo.Context) error {
		return signSessionConfig(c, issuer, logger)
	})
}

func updateSessionConfig(c echo.Context, hub *bridge.Hub, logger *zap.Logger) error {
	id := c.Param("id")

	var cfg entities.SessionConfig
	if err := c.Bind(&cfg); err != nil {
		logger.Error("Failed to bind session config", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), configUpdateTimeout)
	defer cancel()

	err := hub.UpdateConfig(ctx, id, cfg)
	switch {
	case err == nil:
		logger.Info("Session config updated", zap.String("sessionID", id))
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, bridge.ErrSessionNotFound), errors.Is(err, bridge.ErrSessionClosed):
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "No active session with that id",
		})
	case entities.KindOf(err) == entities.ErrorKindConfiguration:
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "invalid_config",
			Message: err.Error(),
		})
	default:
		logger.Error("Failed to update session config",
			zap.String("sessionID", id),
			zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "update_failed",
			Message: "Speech service did not accept the update",
		})
	}
}

func sendSessionMessage(c echo.Context, hub *bridge.Hub, logger *zap.Logger) error {
	id := c.Param("id")

	var req SessionMessageRequest
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "text is required",
		})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), configUpdateTimeout)
	defer cancel()

	err := hub.SendText(ctx, id, req.Text)
	switch {
	case err == nil:
		return c.NoContent(http.StatusAccepted)
	case errors.Is(err, bridge.ErrSessionNotFound), errors.Is(err, bridge.ErrSessionClosed):
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "No active session with that id",
		})
	case errors.Is(err, bridge.ErrChannelUnavailable):
		return c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "channel_unavailable",
			Message: "Speech channel is reconnecting, try again",
		})
	default:
		logger.Error("Failed to send operator text",
			zap.String("sessionID", id),
			zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "send_failed",
			Message: "Speech service did not accept the message",
		})
	}
}

func stopSession(c echo.Context, hub *bridge.Hub, logger *zap.Logger) error {
	id := c.Param("id")
	if err := hub.Stop(id); err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "No active session with that id",
		})
	}
	logger.Info("Session stopped by operator", zap.String("sessionID", id))
	return c.NoContent(http.StatusAccepted)
}

func issueStreamToken(c echo.Context, issuer *auth.TokenIssuer, logger *zap.Logger) error {
	if issuer == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "tokens_disabled",
			Message: "Stream tokens are not configured",
		})
	}

	var req StreamTokenRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind stream token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.BusinessID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "business_id is required",
		})
	}

	token, expiresAt, err := issuer.GenerateStreamToken(req.BusinessID, req.AgentType)
	if err != nil {
		logger.Error("Failed to generate stream token",
			zap.String("business_id", req.BusinessID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate stream token",
		})
	}

	return c.JSON(http.StatusOK, StreamTokenResponse{Token: token, ExpiresAt: expiresAt})
}

func signSessionConfig(c echo.Context, issuer *auth.TokenIssuer, logger *zap.Logger) error {
	if issuer == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "tokens_disabled",
			Message: "Stream tokens are not configured",
		})
	}

	var req SessionConfigTokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.BusinessID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "business_id is required",
		})
	}

	signed, err := issuer.SignSessionConfig(req.BusinessID, req.Config)
	if err != nil {
		logger.Error("Failed to sign session config",
			zap.String("business_id", req.BusinessID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to sign session config",
		})
	}
	return c.JSON(http.StatusOK, SessionConfigTokenResponse{SessionConfig: signed})
}
