package httpx

import (
	"net"
	"net/http"
	"strings"

	apperrors "github.com/overseer-io/overseer/internal/errors"
	"github.com/overseer-io/overseer/internal/model"
	"github.com/overseer-io/overseer/internal/notify"
)

// NotifyHandlers serves the subscriber registration, subscription, and
// broadcast API.
type NotifyHandlers struct {
	Svc *notify.Service
}

// Config handles GET /config, describing the broadcast surface.
func (h *NotifyHandlers) Config(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"topics": h.Svc.Describe(),
		"registration": map[string][]string{
			"methods": {http.MethodPost, http.MethodGet, http.MethodDelete, http.MethodOptions},
		},
		"subscription": map[string][]string{
			"methods": {http.MethodPost, http.MethodGet, http.MethodDelete, http.MethodOptions},
		},
	})
}

// Topics handles OPTIONS /, listing the available topics.
func (h *NotifyHandlers) Topics(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string][]string{"topics": h.Svc.Topics()})
}

// IP handles GET /ip, echoing the caller's address as seen by the service so
// subscribers can build a reachable callback URL.
func (h *NotifyHandlers) IP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	WriteJSON(w, http.StatusOK, map[string]string{"ip": host})
}

// RegisterRequest is the body of POST /registration.
type RegisterRequest struct {
	URL string `json:"url"`
}

// Register handles POST /registration.
func (h *NotifyHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	token, err := h.Svc.Register(r.Context(), req.URL)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"token": token.String()})
}

// Registration handles GET /registration?token=.
func (h *NotifyHandlers) Registration(w http.ResponseWriter, r *http.Request) {
	token, ok := h.token(w, r)
	if !ok {
		return
	}
	sub, err := h.Svc.Registered(r.Context(), token)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sub)
}

// Deregister handles DELETE /registration?token=.
func (h *NotifyHandlers) Deregister(w http.ResponseWriter, r *http.Request) {
	token, ok := h.token(w, r)
	if !ok {
		return
	}
	if err := h.Svc.Deregister(r.Context(), token); err != nil {
		WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RegistrationOptions handles OPTIONS /registration.
func (h *NotifyHandlers) RegistrationOptions(w http.ResponseWriter, r *http.Request) {
	writeAllow(w, http.MethodPost, http.MethodGet, http.MethodDelete, http.MethodOptions)
}

// Subscribe handles POST /subscription?topic=&token=.
func (h *NotifyHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	token, topic, ok := h.subscriptionParams(w, r)
	if !ok {
		return
	}
	if err := h.Svc.Subscribe(r.Context(), token, topic); err != nil {
		WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Subscription handles GET /subscription?topic=&token=.
func (h *NotifyHandlers) Subscription(w http.ResponseWriter, r *http.Request) {
	token, topic, ok := h.subscriptionParams(w, r)
	if !ok {
		return
	}
	subscribed, err := h.Svc.Subscribed(r.Context(), token, topic)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"subscribed": subscribed})
}

// Unsubscribe handles DELETE /subscription?topic=&token=.
func (h *NotifyHandlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	token, topic, ok := h.subscriptionParams(w, r)
	if !ok {
		return
	}
	if err := h.Svc.Unsubscribe(r.Context(), token, topic); err != nil {
		WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SubscriptionOptions handles OPTIONS /subscription?topic=, answering the
// topic's subscribed tokens.
func (h *NotifyHandlers) SubscriptionOptions(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "missing_topic",
			Err:     apperrors.Validation("topic query parameter is required"),
		})
		return
	}
	tokens, err := h.Svc.Subscribers(r.Context(), topic)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	w.Header().Set("Allow", strings.Join([]string{
		http.MethodPost, http.MethodGet, http.MethodDelete, http.MethodOptions,
	}, ", "))
	WriteJSON(w, http.StatusOK, tokens)
}

// Notify handles POST /notify?topic=, broadcasting the payload to the topic's
// subscribers and answering the delivery count.
func (h *NotifyHandlers) Notify(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "missing_topic",
			Err:     apperrors.Validation("topic query parameter is required"),
		})
		return
	}

	var payload notify.Payload
	if !DecodeJSON(w, r, &payload) {
		return
	}

	delivered, err := h.Svc.Notify(r.Context(), topic, payload)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

func (h *NotifyHandlers) token(w http.ResponseWriter, r *http.Request) (model.Token, bool) {
	token := model.Token(r.URL.Query().Get("token"))
	if token == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "missing_token",
			Err:     apperrors.Validation("token query parameter is required"),
		})
		return "", false
	}
	return token, true
}

func (h *NotifyHandlers) subscriptionParams(w http.ResponseWriter, r *http.Request) (model.Token, string, bool) {
	token, ok := h.token(w, r)
	if !ok {
		return "", "", false
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "missing_topic",
			Err:     apperrors.Validation("topic query parameter is required"),
		})
		return "", "", false
	}
	return token, topic, true
}

func writeAllow(w http.ResponseWriter, methods ...string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	w.WriteHeader(http.StatusOK)
}
