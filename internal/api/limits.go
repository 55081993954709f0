package api

import (
	"context"
	"net/http"

	"github.com/converselabs/widgetd/internal/observability"
	"github.com/converselabs/widgetd/pkg/limits"
)

// AccountSource resolves account ids to their billing tier.
type AccountSource interface {
	GetAccount(ctx context.Context, id string) (limits.Account, error)
}

func (h *Handler) checkAccountLimit(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.GetAccount(r.Context(), r.PathValue("accountID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	res, err := h.limiter.Check(r.Context(), acct, r.PathValue("action"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !res.Allowed {
		observability.RecordLimitDenial("account_limit")
	}
	JSON(w, http.StatusOK, res)
}

type usageRequest struct {
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	Units         int64  `json:"units,omitempty"`
	Tokens        int64  `json:"tokens,omitempty"`
	RequestBytes  int    `json:"requestBytes,omitempty"`
	ResponseBytes int    `json:"responseBytes,omitempty"`
}

func (h *Handler) recordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acct, err := h.accounts.GetAccount(r.Context(), r.PathValue("accountID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	err = h.limiter.RecordUsage(r.Context(), acct, r.PathValue("action"), limits.Usage{
		Provider:      req.Provider,
		Model:         req.Model,
		Units:         req.Units,
		Tokens:        req.Tokens,
		RequestBytes:  req.RequestBytes,
		ResponseBytes: req.ResponseBytes,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
