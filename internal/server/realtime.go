package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/instaplus/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const realtimeBufferBytes = 4096

// handleRealtime upgrades an authenticated request to a conversation socket.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	userID, ok := h.authenticate(c)
	if !ok {
		return
	}
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  realtimeBufferBytes,
		WriteBufferSize: realtimeBufferBytes,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	h.logger.Debug("realtime session opened", zap.String("user_id", userID))
	realtime.NewSession(h.hub, conn, userID, h.messages, h.logger).Serve(c.Request.Context())
	h.logger.Debug("realtime session closed", zap.String("user_id", userID))
}

// checkOrigin accepts non-browser clients and the configured browser origins.
func (h *httpHandler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
