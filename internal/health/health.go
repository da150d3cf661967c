// Package health serves the avatar server's probes. /healthz and the
// browser client's /healthcheck answer while the process serves HTTP; /readyz
// runs every [Checker] and answers 503 when one fails. Bodies are JSON with a
// "status" of "ok" or "fail", and /readyz adds a "checks" map by name.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name is the key in the JSON response (e.g. "tts", "sessions").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Capacity returns a Checker that fails while count() has reached limit.
// A limit of zero or less never fails.
func Capacity(name string, count func() int, limit int) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if n := count(); limit > 0 && n >= limit {
				return fmt.Errorf("%d of %d in use", n, limit)
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe routes for a fixed set of checkers.
type Handler struct {
	checkers []Checker
}

func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs the checkers concurrently, each bounded by [checkTimeout], and
// answers 200 only if all of them pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res, status := result{Status: "ok", Checks: make(map[string]string, len(errs))}, http.StatusOK
	for i, err := range errs {
		name := h.checkers[i].Name
		if err == nil {
			res.Checks[name] = "ok"
			continue
		}
		res.Checks[name] = "fail: " + err.Error()
		res.Status, status = "fail", http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	for _, pattern := range []string{"GET /healthcheck", "GET /healthz"} {
		mux.HandleFunc(pattern, h.Healthz)
	}
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
