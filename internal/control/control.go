// Package control exposes runtime encoder events over a websocket. Each
// text message is a JSON request naming an action; each gets one reply
// carrying the resulting state.
package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/zsiec/metronome/internal/encoder"
)

const maxMessageSize = 64 << 10

// Target receives dispatched events.
type Target interface {
	HandleEvent(action string, params json.RawMessage) error
	State() encoder.State
}

// Request is one client message.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request.
type Response struct {
	ID    string         `json:"id,omitempty"`
	OK    bool           `json:"ok"`
	Error string         `json:"error,omitempty"`
	State *encoder.State `json:"state,omitempty"`
}

// Handler serves the control endpoint. A plain GET returns the current
// state as JSON; a websocket upgrade opens the event channel.
type Handler struct {
	log      *slog.Logger
	target   Target
	upgrader websocket.Upgrader
}

// New creates a Handler dispatching to target. allowOrigin, if set,
// replaces the same-origin check on upgrades.
func New(target Target, allowOrigin func(r *http.Request) bool, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:      log.With("component", "control"),
		target:   target,
		upgrader: websocket.Upgrader{CheckOrigin: allowOrigin},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.target.State())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	log := h.log.With("remote", r.RemoteAddr)
	log.Info("control client connected")
	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				if werr := conn.WriteJSON(Response{Error: "malformed request"}); werr != nil {
					return
				}
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", "error", err)
			}
			log.Info("control client disconnected")
			return
		}
		if err := conn.WriteJSON(h.dispatch(req)); err != nil {
			log.Debug("write failed", "error", err)
			return
		}
	}
}

func (h *Handler) dispatch(req Request) Response {
	resp := Response{ID: req.ID, OK: true}
	if err := h.target.HandleEvent(req.Action, req.Params); err != nil {
		h.log.Warn("event rejected", "action", req.Action, "error", err)
		resp.OK = false
		resp.Error = err.Error()
	} else {
		h.log.Info("event applied", "action", req.Action)
	}
	st := h.target.State()
	resp.State = &st
	return resp
}
