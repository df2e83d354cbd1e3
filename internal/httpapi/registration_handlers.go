package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"aegisgate.org/internal/approval"
	"aegisgate.org/internal/registration"
)

type createRegistrationRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Reason   string `json:"reason,omitempty"`
}

func (a *API) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createRegistration(w, r)
	case http.MethodGet:
		a.listRegistrations(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createRegistration(w http.ResponseWriter, r *http.Request) {
	var req createRegistrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}
	if len(req.Username) < 3 {
		writeError(w, r, http.StatusBadRequest, "username must be at least 3 characters")
		return
	}
	if len(req.Password) < 6 {
		writeError(w, r, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	created, err := a.cfg.Registrations.Create(r.Context(), req.Username, req.Password, req.Reason)
	if err != nil {
		a.registrationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listRegistrations(w http.ResponseWriter, r *http.Request) {
	if _, err := a.currentAdmin(r); err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, err := parseNonNegativeInt(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit "+err.Error())
		return
	}
	if limit == 0 || limit > 500 {
		limit = 500
	}

	out, err := a.cfg.Registrations.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		a.registrationError(w, r, err)
		return
	}
	if out == nil {
		out = []registration.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

type reviewRequest struct {
	Signature string `json:"signature"`
	SignedAt  string `json:"signed_at"`
	Note      string `json:"note,omitempty"`
}

func (a *API) handleRegistrationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/registrations/")
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getRegistration(w, r, parts[0])
	case len(parts) == 2 && (parts[1] == registration.ActionApprove || parts[1] == registration.ActionReject):
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.reviewRegistration(w, r, parts[0], parts[1])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getRegistration(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := a.currentAdmin(r); err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	req, err := a.cfg.Registrations.Get(r.Context(), id)
	if err != nil {
		a.registrationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) reviewRegistration(w http.ResponseWriter, r *http.Request, id, action string) {
	reviewer, err := a.currentAdmin(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Signature) == "" || strings.TrimSpace(req.SignedAt) == "" {
		writeError(w, r, http.StatusBadRequest, "signature and signed_at are required")
		return
	}

	rev := registration.Review{
		RequestID:      id,
		Reviewer:       reviewer,
		Note:           req.Note,
		SignatureB64:   req.Signature,
		SignedAt:       req.SignedAt,
		RemoteAddr:     clientIP(r),
		RecentFailures: a.cfg.Logins.Failures().Count(reviewer.Username),
	}

	var out *registration.Request
	if action == registration.ActionApprove {
		out, err = a.cfg.Registrations.Approve(r.Context(), rev)
	} else {
		out, err = a.cfg.Registrations.Reject(r.Context(), rev)
	}
	if err != nil {
		a.registrationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) registrationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registration.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "registration request not found")
	case errors.Is(err, registration.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, registration.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, registration.ErrDenied):
		writeError(w, r, http.StatusForbidden, "review denied by policy")
	case errors.Is(err, registration.ErrChallengeRequired):
		writeError(w, r, http.StatusForbidden, "review challenged by policy, retry later")
	case errors.Is(err, approval.ErrNoKey):
		writeError(w, r, http.StatusForbidden, "no approval key registered")
	case errors.Is(err, approval.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, approval.ErrSignatureInvalid):
		writeError(w, r, http.StatusForbidden, "signature verification failed")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
