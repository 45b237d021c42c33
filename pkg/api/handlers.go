package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/fortifleet/fortifleet/pkg/stores"
	"github.com/go-playground/validator/v10"
)

// UserHeader carries the acting user when the request body does not.
const UserHeader = "X-FortiFleet-User"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeErr maps err to an HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, stores.ErrTargetNotFound):
		writeError(w, http.StatusNotFound, engine.ErrCodeTargetNotFound, err.Error())
		return
	case errors.Is(err, stores.ErrTargetExists):
		writeError(w, http.StatusConflict, engine.ErrCodeAlreadyExists, err.Error())
		return
	case errors.As(err, &verrs):
		writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, err.Error())
		return
	}

	code := engine.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case engine.ErrCodeValidation, engine.ErrCodeEmptySelection:
		status = http.StatusBadRequest
	case engine.ErrCodePolicyDenied:
		status = http.StatusForbidden
	case engine.ErrCodeNotFound, engine.ErrCodeTargetNotFound:
		status = http.StatusNotFound
	case engine.ErrCodeAlreadyExists:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeError(w, status, code, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("invalid request body: %v", err), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func requestUser(r *http.Request, bodyUser string) string {
	if bodyUser != "" {
		return bodyUser
	}
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, engine.ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

type targetRequest struct {
	Name    string `json:"name"`
	Host    string `json:"host"`
	APIKey  string `json:"api_key"`
	VDOM    string `json:"vdom"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) handleAddTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	target := &engine.Target{
		Name:    strings.TrimSpace(req.Name),
		Host:    strings.TrimSpace(req.Host),
		APIKey:  req.APIKey,
		VDOM:    req.VDOM,
		Enabled: req.Enabled == nil || *req.Enabled,
	}
	if target.VDOM == "" {
		target.VDOM = s.defaultVDOM
	}
	if err := s.store.AddTarget(r.Context(), target); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

type targetPatchRequest struct {
	Name    *string `json:"name"`
	Host    *string `json:"host"`
	APIKey  *string `json:"api_key"`
	VDOM    *string `json:"vdom"`
	Enabled *bool   `json:"enabled"`
}

func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	var req targetPatchRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	patch := stores.TargetPatch{
		Name:    req.Name,
		Host:    req.Host,
		APIKey:  req.APIKey,
		VDOM:    req.VDOM,
		Enabled: req.Enabled,
	}
	target, err := s.store.UpdateTarget(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTarget(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.store.ListAuditLogs(r.Context(), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []stores.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ClearAuditLogs(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.logger.Info().Int64("cleared", n).Str("user", requestUser(r, "")).Msg("Audit log cleared")
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

// FanOutRequest is the body of POST /api/fanout. AllEnabled selects every
// enabled target instead of Targets.
type FanOutRequest struct {
	Operation  engine.Operation `json:"operation"`
	Targets    []string         `json:"targets"`
	AllEnabled bool             `json:"all_enabled,omitempty"`
	User       string           `json:"user,omitempty"`
}

func (s *Server) handleFanOut(w http.ResponseWriter, r *http.Request) {
	var req FanOutRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	ids := req.Targets
	if req.AllEnabled {
		sel, err := s.service.DefaultSelection(r.Context())
		if err != nil {
			s.writeErr(w, err)
			return
		}
		ids = sel
	}

	result, err := s.service.Execute(r.Context(), &req.Operation, ids, requestUser(r, req.User))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// LookupRequest is the body of POST /api/lookup.
type LookupRequest struct {
	Kind    engine.ResourceKind `json:"kind"`
	Names   []string            `json:"names"`
	Targets []string            `json:"targets"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	result, err := s.service.Lookup(r.Context(), req.Kind, req.Names, req.Targets)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
