// Package api provides the HTTP surface of the widget core: the visitor
// polling endpoints and the operator console endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/converselabs/widgetd/internal/observability"
	"github.com/converselabs/widgetd/pkg/chat"
	"github.com/converselabs/widgetd/pkg/eventlog"
	"github.com/converselabs/widgetd/pkg/limits"
	"github.com/converselabs/widgetd/pkg/session"
	"github.com/converselabs/widgetd/pkg/takeover"
)

// Handler provides common handler dependencies.
type Handler struct {
	sessions *session.Store
	events   *eventlog.Log
	orch     *takeover.Orchestrator
	limiter  *limits.Limiter
	accounts AccountSource
	policy   Policy
	logger   *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(sessions *session.Store, events *eventlog.Log, orch *takeover.Orchestrator, limiter *limits.Limiter, accounts AccountSource, policy Policy, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		events:   events,
		orch:     orch,
		limiter:  limiter,
		accounts: accounts,
		policy:   policy,
		logger:   logger,
	}
}

// Register mounts all routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/widgets/{widgetID}/sessions/{sessionID}", h.getOrCreateSession)
	mux.HandleFunc("GET /v1/widgets/{widgetID}/sessions/{sessionID}/limit", h.checkSessionLimit)
	mux.HandleFunc("GET /v1/widgets/{widgetID}/sessions/{sessionID}/file-limit", h.checkFileLimit)
	mux.HandleFunc("GET /v1/widgets/{widgetID}/sessions/{sessionID}/events", h.getNewEvents)
	mux.HandleFunc("GET /v1/widgets/{widgetID}/notifications", h.getNewNotifications)

	mux.HandleFunc("POST /v1/widgets/{widgetID}/sessions/{sessionID}/takeover", h.takeOver)
	mux.HandleFunc("POST /v1/widgets/{widgetID}/sessions/{sessionID}/handback", h.handBack)
	mux.HandleFunc("POST /v1/widgets/{widgetID}/sessions/{sessionID}/waiting", h.setWaiting)
	mux.HandleFunc("POST /v1/widgets/{widgetID}/sessions/{sessionID}/messages", h.sendHumanMessage)

	mux.HandleFunc("POST /v1/widgets/{widgetID}/sessions/{sessionID}/typing", h.setTyping)
	mux.HandleFunc("DELETE /v1/widgets/{widgetID}/sessions/{sessionID}/typing", h.clearTyping)
	mux.HandleFunc("GET /v1/widgets/{widgetID}/sessions/{sessionID}/typing", h.getTyping)

	// Bookkeeping hooks for the message pipeline.
	mux.HandleFunc("POST /v1/widgets/{widgetID}/sessions/{sessionID}/counters/messages", h.adjustMessageCount)
	mux.HandleFunc("POST /v1/widgets/{widgetID}/sessions/{sessionID}/counters/files", h.incrementFileCount)
	mux.HandleFunc("POST /v1/widgets/{widgetID}/sessions/{sessionID}/title", h.generateTitle)

	mux.HandleFunc("GET /v1/accounts/{accountID}/limits/{action}", h.checkAccountLimit)
	mux.HandleFunc("POST /v1/accounts/{accountID}/usage/{action}", h.recordUsage)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the error taxonomy onto HTTP statuses. State and
// validation errors always surface to the caller with a short cause.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, chat.ErrChatNotFound),
		errors.Is(err, chat.ErrFileNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionExpired):
		Error(w, http.StatusGone, err.Error())
	case errors.Is(err, takeover.ErrWrongMode),
		errors.Is(err, takeover.ErrNoLinkedChat),
		errors.Is(err, session.ErrInvalidTransition):
		Error(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func sinceParam(r *http.Request) int64 {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	return since
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) getOrCreateSession(w http.ResponseWriter, r *http.Request) {
	widgetID := r.PathValue("widgetID")
	sessionID := r.PathValue("sessionID")

	// The test-mode flag is only honored after ownership verification
	// upstream; here it is read from what the identity middleware left.
	testMode := r.URL.Query().Get("testMode") == "true" && ownerVerified(r)

	sess, err := h.sessions.GetOrCreate(r.Context(), widgetID, sessionID, testMode)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

func (h *Handler) checkSessionLimit(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.GetOrCreate(r.Context(), r.PathValue("widgetID"), r.PathValue("sessionID"), false)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	res := h.sessions.CheckMessageLimit(sess, h.policy.MaxMessages, h.policy.MaxPerMinute)
	if !res.Allowed {
		observability.RecordLimitDenial(string(res.Reason))
	}
	JSON(w, http.StatusOK, res)
}

func (h *Handler) checkFileLimit(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.GetOrCreate(r.Context(), r.PathValue("widgetID"), r.PathValue("sessionID"), false)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	res := h.sessions.CheckFileLimit(sess, h.policy.MaxFiles)
	if !res.Allowed {
		observability.RecordLimitDenial(string(res.Reason))
	}
	JSON(w, http.StatusOK, res)
}

func (h *Handler) getNewEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.GetNewEvents(r.Context(), r.PathValue("widgetID"), r.PathValue("sessionID"), sinceParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) getNewNotifications(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.GetNewNotifications(r.Context(), r.PathValue("widgetID"), sinceParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"events": events})
}

type operatorRequest struct {
	Operator takeover.Operator `json:"operator"`
}

func (h *Handler) takeOver(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := observability.StartSpan(r.Context(), "takeover", map[string]string{
		"widget_id": r.PathValue("widgetID"),
	})
	defer span.End()

	sess, err := h.orch.TakeOver(ctx, r.PathValue("widgetID"), r.PathValue("sessionID"), req.Operator)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	observability.RecordTransition(string(session.TransitionTakeOver))
	observability.RecordEventPublished(string(eventlog.EventTakeover))
	JSON(w, http.StatusOK, sess)
}

func (h *Handler) handBack(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := observability.StartSpan(r.Context(), "handback", map[string]string{
		"widget_id": r.PathValue("widgetID"),
	})
	defer span.End()

	sess, err := h.orch.HandBack(ctx, r.PathValue("widgetID"), r.PathValue("sessionID"), req.Operator)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	observability.RecordTransition(string(session.TransitionHandBack))
	observability.RecordEventPublished(string(eventlog.EventHandback))
	JSON(w, http.StatusOK, sess)
}

func (h *Handler) setWaiting(w http.ResponseWriter, r *http.Request) {
	sess, err := h.orch.SetWaitingForHuman(r.Context(), r.PathValue("widgetID"), r.PathValue("sessionID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	observability.RecordTransition(string(session.TransitionSetWaiting))
	JSON(w, http.StatusOK, sess)
}

type sendMessageRequest struct {
	Text     string            `json:"text"`
	Operator takeover.Operator `json:"operator"`
	FileIDs  []string          `json:"fileIds,omitempty"`
}

func (h *Handler) sendHumanMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" && len(req.FileIDs) == 0 {
		Error(w, http.StatusBadRequest, "message text is required")
		return
	}

	msg, err := h.orch.SendHumanMessage(r.Context(), r.PathValue("widgetID"), r.PathValue("sessionID"), req.Text, req.Operator, req.FileIDs)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	observability.RecordEventPublished(string(eventlog.EventMessage))
	JSON(w, http.StatusCreated, msg)
}

type typingRequest struct {
	OperatorID string `json:"operatorId"`
}

func (h *Handler) setTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.events.SetTyping(r.Context(), r.PathValue("widgetID"), r.PathValue("sessionID"), req.OperatorID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearTyping(w http.ResponseWriter, r *http.Request) {
	if err := h.events.ClearTyping(r.Context(), r.PathValue("widgetID"), r.PathValue("sessionID")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getTyping(w http.ResponseWriter, r *http.Request) {
	ind, ok, err := h.events.GetTyping(r.Context(), r.PathValue("widgetID"), r.PathValue("sessionID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !ok {
		JSON(w, http.StatusOK, map[string]any{"typing": false})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"typing": true, "indicator": ind})
}

type adjustCountRequest struct {
	Delta int `json:"delta"`
}

func (h *Handler) adjustMessageCount(w http.ResponseWriter, r *http.Request) {
	var req adjustCountRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Delta != 1 && req.Delta != -1 {
		Error(w, http.StatusBadRequest, "delta must be 1 or -1")
		return
	}

	sess, err := h.sessions.GetOrCreate(r.Context(), r.PathValue("widgetID"), r.PathValue("sessionID"), false)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if req.Delta == 1 {
		err = h.sessions.IncrementMessageCount(r.Context(), sess)
	} else {
		err = h.sessions.DecrementMessageCount(r.Context(), sess)
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

func (h *Handler) incrementFileCount(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.GetOrCreate(r.Context(), r.PathValue("widgetID"), r.PathValue("sessionID"), false)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.sessions.IncrementFileCount(r.Context(), sess); err != nil {
		h.writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

type generateTitleRequest struct {
	OwnerID string `json:"ownerId"`
}

func (h *Handler) generateTitle(w http.ResponseWriter, r *http.Request) {
	var req generateTitleRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.sessions.GetOrCreate(r.Context(), r.PathValue("widgetID"), r.PathValue("sessionID"), false)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.sessions.GenerateTitleIfNeeded(r.Context(), sess, req.OwnerID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// ownerVerified reports whether the identity middleware marked this
// request as coming from the verified widget owner.
func ownerVerified(r *http.Request) bool {
	return r.Header.Get("X-Owner-Verified") == "true"
}
