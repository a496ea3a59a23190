package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/parkpass/permitd/internal/permit"
	"github.com/parkpass/permitd/internal/workflow"
)

// accessEmailHeader carries the authenticated user's email when the service
// sits behind Cloudflare Access. It overrides the configured default email
// for requests that do not set one explicitly.
const accessEmailHeader = "Cf-Access-Authenticated-User-Email"

type submitPermitRequest struct {
	// Count expands into that many items using the configured account
	// defaults. Ignored when Items is set.
	Count     int           `json:"count"`
	Items     []itemRequest `json:"items"`
	AutoPrint *bool         `json:"auto_print"`
	DryRun    *bool         `json:"dry_run"`
}

type itemRequest struct {
	AccountNumber string `json:"account_number"`
	ZipCode       string `json:"zip_code"`
	LastName      string `json:"last_name"`
	Email         string `json:"email"`
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitPermitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	spec, err := s.toRequestSpec(req, r.Header.Get(accessEmailHeader))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID, err := s.orchestrator.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": requestID.String(),
		"items":      spec.Count(),
		"dry_run":    spec.DryRun,
	})
}

// toRequestSpec merges configured account defaults into the request body.
// Explicit item fields always win; the Cloudflare Access email beats the
// configured default but not an explicit one.
func (s *Server) toRequestSpec(req submitPermitRequest, accessEmail string) (permit.RequestSpec, error) {
	items := req.Items
	if len(items) == 0 {
		count := req.Count
		if count == 0 {
			count = 1
		}
		if count < 1 || count > s.cfg.Workflow.MaxItems {
			return permit.RequestSpec{}, errors.New("count must be between 1 and " +
				strconv.Itoa(s.cfg.Workflow.MaxItems))
		}
		items = make([]itemRequest, count)
	}

	defaults := s.cfg.Account
	email := defaults.Email
	if accessEmail != "" {
		email = accessEmail
	}

	spec := permit.RequestSpec{
		AutoPrint: s.cfg.Printer.Enabled,
		Items:     make([]permit.ItemParams, len(items)),
	}
	if req.AutoPrint != nil {
		spec.AutoPrint = *req.AutoPrint
	}
	if req.DryRun != nil {
		spec.DryRun = *req.DryRun
	}
	for i, item := range items {
		params := permit.ItemParams{
			AccountNumber: item.AccountNumber,
			ZipCode:       item.ZipCode,
			LastName:      item.LastName,
			Email:         item.Email,
		}
		if params.AccountNumber == "" {
			params.AccountNumber = defaults.AccountNumber
		}
		if params.ZipCode == "" {
			params.ZipCode = defaults.ZipCode
		}
		if params.LastName == "" {
			params.LastName = defaults.LastName
		}
		if params.Email == "" {
			params.Email = email
		}
		spec.Items[i] = params
	}
	return spec, nil
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	requestID, err := parseRequestID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.orchestrator.Result(requestID)
	if err != nil {
		if errors.Is(err, workflow.ErrRequestNotFound) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.logger.Error("result lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// getDocument serves one item's permit PDF. 409 while the item is still in
// flight, 404 when the item failed before a document existed.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	requestID, err := parseRequestID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	item, err := strconv.Atoi(r.URL.Query().Get("item"))
	if err != nil || item < 0 {
		writeError(w, http.StatusBadRequest, "item query parameter must be a non-negative integer")
		return
	}
	result, err := s.orchestrator.Result(requestID)
	if err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if item >= len(result.Items) {
		writeError(w, http.StatusNotFound, "item index out of range")
		return
	}
	outcome := result.Items[item]
	if !outcome.Status.Terminal() {
		writeError(w, http.StatusConflict, "item still in progress")
		return
	}
	if !outcome.HasDocument {
		writeError(w, http.StatusNotFound, "no document for item")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(outcome.Document)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(outcome.Document); err != nil {
		s.logger.Error("document write failed", zap.Error(err))
	}
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
	requestID, err := parseRequestID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.orchestrator.Cancel(requestID); err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"request_id": requestID.String(),
		"status":     "canceling",
	})
}
