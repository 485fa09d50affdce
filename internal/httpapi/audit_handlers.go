package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"intelmarket.org/internal/audit"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
)

type appendAuditRequest struct {
	Action              string `json:"action"`
	Description         string `json:"description"`
	ClassificationLevel int    `json:"classification_level"`
	RelatedAssetID      string `json:"related_asset_id,omitempty"`
	Success             bool   `json:"success"`
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.appendAudit(w, r)
	case http.MethodGet:
		a.listAudit(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) appendAudit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req appendAuditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, r, http.StatusBadRequest, "action is required")
		return
	}

	entry, err := a.auditLog.Append(r.Context(), audit.Entry{
		UserID:              caller,
		Action:              strings.ToUpper(strings.TrimSpace(req.Action)),
		Description:         req.Description,
		ClassificationLevel: req.ClassificationLevel,
		RelatedAssetID:      strings.TrimSpace(req.RelatedAssetID),
		Success:             req.Success,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Location", "/v1/audit?after="+strconv.FormatUint(entry.Sequence-1, 10)+"&limit=1")
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxAuditPageSize {
			n = maxAuditPageSize
		}
		limit = n
	}

	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}

	entries, next, err := a.auditLog.List(r.Context(), limit, after)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":      entries,
		"next_after": next,
		"as_of":      time.Now().UTC(),
	})
}
