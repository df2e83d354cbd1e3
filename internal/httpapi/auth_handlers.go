package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"aegisgate.org/internal/admin"
	"aegisgate.org/internal/audit"
	"aegisgate.org/internal/challenge"
	"aegisgate.org/internal/login"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
}

type loginResponse struct {
	Token     string   `json:"token"`
	Username  string   `json:"username"`
	Role      string   `json:"role"`
	RiskScore int      `json:"risk_score"`
	Rules     []string `json:"rules,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	res, err := a.cfg.Logins.Login(r.Context(), login.Input{
		Username:   req.Username,
		Password:   req.Password,
		Code:       strings.TrimSpace(req.Code),
		RemoteAddr: clientIP(r),
	})
	switch {
	case err == nil:
	case errors.Is(err, admin.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "incorrect username or password")
		return
	case errors.Is(err, login.ErrDenied):
		payload := map[string]any{
			"error":      "login denied by policy",
			"decision":   "deny",
			"risk_score": res.RiskScore,
			"rules":      res.Rules,
		}
		writeJSON(w, http.StatusForbidden, payload)
		return
	case errors.Is(err, login.ErrChallengeRequired):
		payload := map[string]any{
			"error":              "challenge required",
			"challenge_required": true,
			"challenge_id":       res.Challenge.ID,
			"expires_at":         res.Challenge.ExpiresAt.Format(time.RFC3339),
			"risk_score":         res.RiskScore,
		}
		writeJSON(w, http.StatusUnauthorized, payload)
		return
	case errors.Is(err, challenge.ErrInvalidCode):
		writeError(w, r, http.StatusUnauthorized, "invalid verification code")
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		Username:  res.Admin.Username,
		Role:      res.Admin.Role,
		RiskScore: res.RiskScore,
		Rules:     res.Rules,
	})
}

type enrollResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

func (a *API) handleTOTPEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	acct, err := a.currentAdmin(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	secret, uri, err := a.cfg.Challenges.Enroll(r.Context(), acct.Username)
	if errors.Is(err, challenge.ErrConflict) {
		writeError(w, r, http.StatusConflict, "already enrolled")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "enrollment failed")
		return
	}

	if _, err := a.cfg.Trail.Record(r.Context(), audit.EventTOTPEnrolled, map[string]any{
		"username": acct.Username,
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit write failed")
		return
	}
	writeJSON(w, http.StatusOK, enrollResponse{
		Secret:          secret,
		ProvisioningURI: uri,
	})
}

type registerKeyRequest struct {
	PublicKeyPEM string `json:"public_key_pem"`
}

func (a *API) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	acct, err := a.currentAdmin(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req registerKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.PublicKeyPEM) == "" {
		writeError(w, r, http.StatusBadRequest, "public_key_pem is required")
		return
	}

	key, err := a.cfg.Verifier.RegisterKey(r.Context(), acct.ID, req.PublicKeyPEM)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid public key")
		return
	}

	if _, err := a.cfg.Trail.Record(r.Context(), audit.EventKeyRegistered, map[string]any{
		"username": acct.Username,
		"key_id":   key.ID,
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit write failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":     key.ID,
		"created_at": key.CreatedAt.Format(time.RFC3339),
	})
}
