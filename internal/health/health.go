// Package health serves the control server's liveness and readiness endpoints.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] and answers 503 when a required one fails. A
// failing advisory check leaves the server ready but reports it as
// "degraded", which is how a tripped voice circuit shows up: conversations
// fail fast but the client itself is fine.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Overall statuses reported in [Report.Status].
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

const (
	checkTimeout      = 5 * time.Second
	maxParallelChecks = 4
)

// ErrNotConfigured is reported by [Configured] checkers whose dependency is
// absent.
var ErrNotConfigured = errors.New("not configured")

// Checker is a named readiness check.
type Checker struct {
	// Name keys the check in [Report.Checks].
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Advisory checks never fail readiness.
	Advisory bool
}

// Configured returns a required checker that fails with [ErrNotConfigured]
// until present reports true.
func Configured(name string, present func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !present() {
			return ErrNotConfigured
		}
		return nil
	}}
}

// Advisory returns an advisory checker.
func Advisory(name string, check func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: check, Advisory: true}
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Advisory bool   `json:"advisory,omitempty"`
}

// Report is the JSON body of both endpoints.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves both endpoints. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers on each readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers 200 unless a required check fails, in which case it
// answers 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs every checker concurrently, each bounded by a five second
// deadline derived from ctx, and folds the results into a [Report].
func (h *Handler) Evaluate(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep = Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	)

	var g errgroup.Group
	g.SetLimit(maxParallelChecks)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			err := c.Check(cctx)
			cancel()

			res := CheckResult{OK: err == nil, Advisory: c.Advisory}
			if err != nil {
				res.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			switch {
			case res.OK:
			case !c.Advisory:
				rep.Status = StatusFail
			case rep.Status == StatusOK:
				rep.Status = StatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
