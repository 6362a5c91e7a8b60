package httpx

import (
	"errors"
	"io"
	"net/http"

	apperrors "github.com/overseer-io/overseer/internal/errors"
	"github.com/overseer-io/overseer/internal/kvstore"
)

// StoreHandlers exposes a key-value store over HTTP so remote processes can
// share it through the httpproxy backend. The wire protocol is fixed: the
// client in internal/kvstore speaks exactly these routes and status codes.
type StoreHandlers struct {
	Store kvstore.Store
}

// Fetch handles GET /store?key=&pop=. With pop=true the read is an atomic
// claim backed by the underlying store.
func (h *StoreHandlers) Fetch(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	var value []byte
	var err error
	if r.URL.Query().Get("pop") == "true" {
		value, err = h.Store.Pop(r.Context(), key)
	} else {
		value, err = h.Store.Read(r.Context(), key)
	}
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		WriteAppError(w, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "store read"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(value)
}

// Write handles PUT /store?key=, upserting the request body under the key.
// With nx=true the write only succeeds for an absent key; a present one
// answers 409.
func (h *StoreHandlers) Write(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	value, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_body", Err: err})
		return
	}
	if r.URL.Query().Get("nx") == "true" {
		err = h.Store.WriteOnce(r.Context(), key, value)
		if errors.Is(err, kvstore.ErrKeyExists) {
			w.WriteHeader(http.StatusConflict)
			return
		}
	} else {
		err = h.Store.Write(r.Context(), key, value)
	}
	if err != nil {
		WriteAppError(w, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "store write"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /store?key=. Absent keys are a no-op.
func (h *StoreHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	err := h.Store.Delete(r.Context(), key)
	if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
		WriteAppError(w, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "store delete"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Keys handles GET /store/keys.
func (h *StoreHandlers) Keys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.Keys(r.Context())
	if err != nil {
		WriteAppError(w, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "store keys"))
		return
	}
	if keys == nil {
		keys = []string{}
	}
	WriteJSON(w, http.StatusOK, keys)
}

// Push handles POST /store, storing the body under a generated key.
func (h *StoreHandlers) Push(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_body", Err: err})
		return
	}
	key, err := h.Store.Push(r.Context(), value)
	if err != nil {
		WriteAppError(w, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "store push"))
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (h *StoreHandlers) key(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.URL.Query().Get("key")
	if key == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "missing_key",
			Err:     apperrors.Validation("key query parameter is required"),
		})
		return "", false
	}
	return key, true
}
