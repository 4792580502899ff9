package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olahol/melody"

	"multibank-api/models"
	"multibank-api/utils"
)

// WSHandler pushes sync lifecycle events to connected clients. Each socket
// is bound to the authenticated user; events never cross users.
type WSHandler struct {
	M *melody.Melody
}

func NewWSHandler() *WSHandler {
	m := melody.New()

	m.Config.MaxMessageSize = 1024 * 1024
	m.Config.PingPeriod = 30 * time.Second
	m.Config.PongWait = 60 * time.Second

	m.HandleConnect(func(s *melody.Session) {
		log.Printf("✅ Client connected: user %s", sessionUser(s))
	})

	m.HandleDisconnect(func(s *melody.Session) {
		log.Printf("🔌 Client disconnected: user %s", sessionUser(s))
	})

	m.HandleError(func(s *melody.Session, err error) {
		log.Printf("❌ WebSocket error: %v", err)
	})

	return &WSHandler{M: m}
}

func sessionUser(s *melody.Session) string {
	v, _ := s.Get("user_id")
	userID, _ := v.(string)
	return utils.MaskID(userID)
}

// HandleWS upgrades the request. Browsers cannot set an Authorization header
// on a WebSocket handshake, so the access token comes as a query parameter.
func (h *WSHandler) HandleWS(c *gin.Context) {
	token := c.Query("token")
	userID, err := utils.ParseAccessToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	if err := h.M.HandleRequestWithKeys(c.Writer, c.Request, map[string]interface{}{
		"user_id": userID,
	}); err != nil {
		log.Printf("❌ Failed to upgrade websocket: %v", err)
	}
}

// SyncCompleted broadcasts a finished sync run to the user's sessions. This
// is the delivery side of the orchestrator's notifier hook.
func (h *WSHandler) SyncCompleted(userID string, run models.SyncRun) {
	payload, err := json.Marshal(gin.H{
		"type": "sync_completed",
		"run":  run,
	})
	if err != nil {
		return
	}

	err = h.M.BroadcastFilter(payload, func(s *melody.Session) bool {
		id, exists := s.Get("user_id")
		return exists && id == userID
	})
	if err != nil {
		log.Printf("⚠️ Error broadcasting sync event: %v", err)
	}
}
