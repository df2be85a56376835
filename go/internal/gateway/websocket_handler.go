package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for countdown updates
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	countdown         Countdown
	clock             clockwork.Clock
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, cd Countdown, clock clockwork.Clock) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		countdown:         cd,
		clock:             clock,
	}
}

// HandleCountdownConnection upgrades to a socket that receives a
// CountdownEvent every time the local display changes.
func (h *WebSocketHandler) HandleCountdownConnection(w http.ResponseWriter, r *http.Request) {
	sessionID := h.countdown.SessionID()
	if requested := r.URL.Query().Get("session_id"); requested != "" && requested != sessionID {
		http.Error(w, "unknown session_id", http.StatusNotFound)
		return
	}

	viewerID := r.URL.Query().Get("viewer_id")
	if viewerID == "" {
		viewerID = "anonymous"
	}

	initial := NewCountdownEvent(sessionID, h.countdown.Snapshot(), h.clock.Now())
	if err := h.connectionManager.UpgradeConnection(w, r, viewerID, sessionID, initial); err != nil {
		// the upgrader has already written an HTTP error response
		log.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("viewer_id", viewerID).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/countdown", h.HandleCountdownConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
