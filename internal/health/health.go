// Package health provides the liveness and readiness probes plus the
// domain checks they evaluate: the recordings directory must be
// writable and the configured STT backend must hold credentials.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map with the result of each named check.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tkellem/callscribe/internal/config"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

type namedCheck struct {
	name  string
	check func(ctx context.Context) error
}

// Handler serves /healthz and /readyz. Safe for concurrent use once
// all checks are added.
type Handler struct {
	checks []namedCheck
}

func NewHandler() *Handler { return &Handler{} }

// Add registers a named readiness check, evaluated in registration
// order on every /readyz request.
func (h *Handler) Add(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz is the liveness probe; a process that serves HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every registered check passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.check(ctx)
		cancel()
		if err != nil {
			res.Checks[c.name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[c.name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// RecordingsDirCheck verifies the recordings directory exists and is
// writable by creating and removing a probe file.
func RecordingsDirCheck(dir string) func(ctx context.Context) error {
	return func(context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %q: %w", dir, err)
		}
		probe := filepath.Join(dir, ".readyz")
		if err := os.WriteFile(probe, nil, 0o644); err != nil {
			return fmt.Errorf("write probe in %q: %w", dir, err)
		}
		return os.Remove(probe)
	}
}

// STTCheck verifies the selected backend carries credentials.
func STTCheck(cfg config.STTConfig) func(ctx context.Context) error {
	return func(context.Context) error {
		switch cfg.Backend {
		case config.BackendBatch:
			if cfg.Batch.APIKey == "" {
				return errors.New("batch backend has no api key")
			}
		case config.BackendStreaming:
			if cfg.Streaming.APIKey == "" {
				return errors.New("streaming backend has no api key")
			}
		default:
			return fmt.Errorf("unknown backend %q", cfg.Backend)
		}
		return nil
	}
}
