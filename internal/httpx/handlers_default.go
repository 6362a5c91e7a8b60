package httpx

import (
	"io"
	"net/http"
)

// Identity is the self-description answered by GET /identify.
type Identity struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	JobTypes []string `json:"job_types,omitempty"`
	Topics   []string `json:"topics,omitempty"`
}

// DefaultHandlers serves the liveness, readiness, and identity endpoints.
// These endpoints accept no query parameters; any present answer 400.
type DefaultHandlers struct {
	// Ready reports whether all backing services finished their startup
	// handshake. Nil means always ready.
	Ready    func() bool
	Identity Identity
}

func (h *DefaultHandlers) ready() bool {
	return h.Ready == nil || h.Ready()
}

// Ping handles GET /ping.
func (h *DefaultHandlers) Ping(w http.ResponseWriter, r *http.Request) {
	if !rejectUnknownQuery(w, r) {
		return
	}
	io.WriteString(w, "pong")
}

// ReadyCheck handles GET /ready, answering plain OK or BUSY.
func (h *DefaultHandlers) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if !rejectUnknownQuery(w, r) {
		return
	}
	if !h.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "BUSY")
		return
	}
	io.WriteString(w, "OK")
}

// Status handles GET /status with a JSON readiness flag.
func (h *DefaultHandlers) Status(w http.ResponseWriter, r *http.Request) {
	if !rejectUnknownQuery(w, r) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ready": h.ready()})
}

// Identify handles GET /identify.
func (h *DefaultHandlers) Identify(w http.ResponseWriter, r *http.Request) {
	if !rejectUnknownQuery(w, r) {
		return
	}
	WriteJSON(w, http.StatusOK, h.Identity)
}
