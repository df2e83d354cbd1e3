package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"aegisgate.org/internal/audit"
)

const streamHeartbeat = 15 * time.Second

func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, err := a.currentAdmin(r); err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	afterID, err := parseNonNegativeInt(r.URL.Query().Get("after_id"), 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "after_id "+err.Error())
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

	events, err := a.cfg.Trail.List(r.Context(), int64(afterID), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit query failed")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleAuditStream serves live audit events over Server-Sent Events.
// Heartbeat comments keep idle connections from being reaped by proxies.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, err := a.currentAdmin(r); err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	if a.cfg.Events == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.cfg.Events.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
