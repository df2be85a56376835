package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcdev12/lobby/go/internal/countdown"
	"github.com/rs/zerolog/log"
)

// ErrNotAuthority is returned for a manual start from a member that does not
// hold authority; the UI keeps the control disabled in that case.
var ErrNotAuthority = errors.New("only the session authority can start the countdown")

// Countdown is what the gateway needs from the local member.
type Countdown interface {
	SessionID() string
	MemberID() string
	Snapshot() countdown.Snapshot
	Subscribe(fn func(countdown.Snapshot))
	Status() countdown.Status
	CanStart() bool
	RequestStart(ctx context.Context) error
	RequestCancel(ctx context.Context) error
}

// CountdownView is the countdown as seen by this member, served over HTTP and RPC.
type CountdownView struct {
	SessionID     string  `json:"session_id"`
	MemberID      string  `json:"member_id"`
	Remaining     float64 `json:"remaining"`
	Seconds       int     `json:"seconds"`
	Visible       bool    `json:"visible"`
	Text          string  `json:"text"`
	Authority     bool    `json:"authority"`
	CanStart      bool    `json:"can_start"`
	WatcherActive bool    `json:"watcher_active"`
	Writes        int     `json:"writes"`
	Transitions   int     `json:"transitions"`
}

func viewOf(cd Countdown) *CountdownView {
	snap := cd.Snapshot()
	status := cd.Status()
	return &CountdownView{
		SessionID:     cd.SessionID(),
		MemberID:      cd.MemberID(),
		Remaining:     snap.Remaining,
		Seconds:       snap.Seconds,
		Visible:       snap.Visible,
		Text:          snap.Text(),
		Authority:     status.Authority,
		CanStart:      cd.CanStart(),
		WatcherActive: status.WatcherActive,
		Writes:        status.Writes,
		Transitions:   status.Transitions,
	}
}

func start(ctx context.Context, cd Countdown) error {
	if !cd.CanStart() {
		return ErrNotAuthority
	}
	return cd.RequestStart(ctx)
}

// StateHandler serves the countdown REST routes.
type StateHandler struct {
	countdown Countdown
}

// NewStateHandler creates a new state handler
func NewStateHandler(cd Countdown) *StateHandler {
	return &StateHandler{countdown: cd}
}

// HandleGetCountdown handles GET /api/countdown
func (h *StateHandler) HandleGetCountdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(h.countdown))
}

// HandleStart handles POST /api/countdown/start
func (h *StateHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := start(r.Context(), h.countdown); err != nil {
		h.writeError(w, "start", err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(h.countdown))
}

// HandleCancel handles POST /api/countdown/cancel. A non-authority member
// forwards the request, so Accepted does not mean the countdown is gone yet.
func (h *StateHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.countdown.RequestCancel(r.Context()); err != nil {
		h.writeError(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(h.countdown))
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/countdown", h.HandleGetCountdown)
	mux.HandleFunc("/api/countdown/start", h.HandleStart)
	mux.HandleFunc("/api/countdown/cancel", h.HandleCancel)
}

func (h *StateHandler) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotAuthority), errors.Is(err, countdown.ErrNotInSession):
		status = http.StatusConflict
	default:
		log.Error().Err(err).Str("session_id", h.countdown.SessionID()).Str("op", op).Msg("countdown request failed")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
