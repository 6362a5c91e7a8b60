package httpx

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/overseer-io/overseer/internal/controller"
	apperrors "github.com/overseer-io/overseer/internal/errors"
	"github.com/overseer-io/overseer/internal/model"
	"github.com/overseer-io/overseer/internal/notify"
)

// JobHandlers provides HTTP handlers for job submission, abort, and polling.
type JobHandlers struct {
	Controller *controller.Controller
	// Notify broadcasts abort events when the broadcast flag is set.
	// Optional.
	Notify *notify.Service
	// AbortTopic is the topic abort broadcasts go to.
	AbortTopic string
}

// SubmitJobRequest is the body of POST /job. The token is normally
// server-generated; submitters that need idempotent retries may supply their
// own.
type SubmitJobRequest struct {
	Type        string          `json:"type"`
	RequestBody json.RawMessage `json:"request_body,omitempty"`
	Token       model.Token     `json:"token,omitempty"`
	// CallbackURL, when set, is subscribed to the job event topic so the
	// submitter hears broadcasts about this job.
	CallbackURL string `json:"callback_url,omitempty"`
}

// Submit handles POST /job. Accepted submissions answer 201 with the token
// grant; a duplicate token answers 500 with a plain-text body.
func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	cfg := model.JobConfig{Type: req.Type, RequestBody: req.RequestBody}
	if err := cfg.Validate(); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_job", Err: err})
		return
	}

	token := req.Token
	if token == "" {
		token = model.NewToken()
	}
	rec := model.NewJobRecord(token, cfg, clientActor(r))

	grant, err := h.Controller.QueuePush(r.Context(), rec)
	if err != nil {
		if apperrors.IsConflict(err) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		WriteAppError(w, err)
		return
	}

	if req.CallbackURL != "" {
		h.subscribeCallback(r, req.CallbackURL)
	}

	WriteJSON(w, http.StatusCreated, grant)
}

// subscribeCallback wires a submitter's callback URL into the job event
// topic. Best effort: a bad callback never fails an accepted submission, and
// a dead one is evicted at the next broadcast.
func (h *JobHandlers) subscribeCallback(r *http.Request, callbackURL string) {
	if h.Notify == nil || h.AbortTopic == "" {
		return
	}
	ctx := r.Context()
	token, err := h.Notify.Register(ctx, callbackURL)
	if err != nil {
		return
	}
	h.Notify.Subscribe(ctx, token, h.AbortTopic)
}

// AbortJobRequest is the body of DELETE /job.
type AbortJobRequest struct {
	Reason string `json:"reason,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// Abort handles DELETE /job?token=&broadcast=&re-queue=. The abort blocks
// until the job reaches a terminal state or the abort timeout elapses; a
// timeout answers 500 FAILED, the job keeps running.
func (h *JobHandlers) Abort(w http.ResponseWriter, r *http.Request) {
	token := model.Token(r.URL.Query().Get("token"))
	if token == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "missing_token",
			Err:     apperrors.Validation("token query parameter is required"),
		})
		return
	}

	var req AbortJobRequest
	if r.Body != nil && r.ContentLength != 0 {
		if !DecodeJSON(w, r, &req) {
			return
		}
	}
	origin := req.Origin
	if origin == "" {
		origin = clientActor(r)
	}

	if err := h.Controller.Abort(r.Context(), token, origin, req.Reason); err != nil {
		if apperrors.IsNotFound(err) {
			// A token the core never saw or whose record an external
			// retention policy removed: nothing left to stop.
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "OK")
			return
		}
		http.Error(w, "FAILED", http.StatusInternalServerError)
		return
	}

	// Broadcast is on unless explicitly disabled.
	if r.URL.Query().Get("broadcast") != "false" {
		h.broadcastAbort(w, r, token, origin, req.Reason)
	}

	if r.URL.Query().Get("re-queue") == "true" {
		h.requeue(w, r, token)
		return
	}

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (h *JobHandlers) broadcastAbort(w http.ResponseWriter, r *http.Request, token model.Token, origin, reason string) {
	if h.Notify == nil || h.AbortTopic == "" {
		return
	}
	body, err := json.Marshal(map[string]string{
		"event":  "aborted",
		"token":  token.String(),
		"origin": origin,
		"reason": reason,
	})
	if err != nil {
		return
	}
	// Delivery failures evict the subscriber; they never fail the abort.
	h.Notify.Notify(r.Context(), h.AbortTopic, notify.Payload{
		Query: url.Values{"event": {"aborted"}},
		JSON:  body,
	})
}

// requeue submits a fresh copy of the aborted job's config under a new token
// and answers with the new grant.
func (h *JobHandlers) requeue(w http.ResponseWriter, r *http.Request, token model.Token) {
	rec, err := h.Controller.GetInfo(r.Context(), token)
	if err != nil {
		http.Error(w, "FAILED", http.StatusInternalServerError)
		return
	}
	fresh := model.NewJobRecord(model.NewToken(), rec.Config, clientActor(r))
	grant, err := h.Controller.QueuePush(r.Context(), fresh)
	if err != nil {
		http.Error(w, "FAILED", http.StatusInternalServerError)
		return
	}
	WriteJSON(w, http.StatusOK, grant)
}

// Report handles GET /report?token=. A completed or aborted job answers 200
// with the full report; anything still in flight answers 503 with the report
// so far.
func (h *JobHandlers) Report(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	WriteJSON(w, reportStatusCode(rec), rec.Report)
}

// Progress handles GET /progress?token= with the same status mapping as
// Report, answering only the progress sub-object.
func (h *JobHandlers) Progress(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	WriteJSON(w, reportStatusCode(rec), rec.Report.Progress)
}

func (h *JobHandlers) lookup(w http.ResponseWriter, r *http.Request) (*model.JobRecord, bool) {
	if !rejectUnknownQuery(w, r, "token") {
		return nil, false
	}
	token := model.Token(r.URL.Query().Get("token"))
	if token == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "missing_token",
			Err:     apperrors.Validation("token query parameter is required"),
		})
		return nil, false
	}
	rec, err := h.Controller.GetInfo(r.Context(), token)
	if err != nil {
		WriteAppError(w, err)
		return nil, false
	}
	return rec, true
}

func reportStatusCode(rec *model.JobRecord) int {
	switch rec.Status() {
	case model.JobStatusCompleted, model.JobStatusAborted:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

func clientActor(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
