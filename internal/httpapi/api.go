// Package httpapi is the HTTP surface over the auth core. Handlers stay
// thin: decode, validate, call the flow, map domain errors to statuses.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"aegisgate.org/internal/admin"
	"aegisgate.org/internal/approval"
	"aegisgate.org/internal/audit"
	"aegisgate.org/internal/challenge"
	"aegisgate.org/internal/login"
	"aegisgate.org/internal/obs"
	"aegisgate.org/internal/registration"
	"aegisgate.org/internal/stream"
)

// ReadyProbe checks external dependencies for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries everything the HTTP layer needs.
type Config struct {
	Version       string
	ReadyProbe    ReadyProbe
	Admins        *admin.Service
	Tokens        *admin.TokenIssuer
	Logins        *login.Flow
	Challenges    *challenge.Manager
	Verifier      *approval.Verifier
	Registrations *registration.Workflow
	Trail         *audit.Recorder
	Events        *stream.Stream

	RateBurst     int
	RatePerSecond int
}

// API is the HTTP layer.
type API struct {
	mux *http.ServeMux
	cfg Config
}

// New builds the route table.
func New(cfg Config) *API {
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	a := &API{
		mux: http.NewServeMux(),
		cfg: cfg,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/totp/enroll", a.handleTOTPEnroll)
	a.mux.HandleFunc("/v1/auth/keys", a.handleRegisterKey)

	a.mux.HandleFunc("/v1/registrations", a.handleRegistrations)
	a.mux.HandleFunc("/v1/registrations/", a.handleRegistrationByID)

	a.mux.HandleFunc("/v1/audit/events", a.handleAuditEvents)
	a.mux.HandleFunc("/v1/audit/stream", a.handleAuditStream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = RequestID(h)
	h = obs.Instrument(h)
	h = RateLimit(h, a.cfg.RateBurst, a.cfg.RatePerSecond)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return h
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "aegis-api",
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.ReadyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "aegis-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}
