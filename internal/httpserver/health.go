package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ReadyzCheck is one named dependency probe, e.g. "postgres" or "sqs:webhook-events".
type ReadyzCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readyzReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Readyz runs all checks concurrently under one timeout and reports each result.
// Errors are not echoed; the endpoint is unauthenticated.
func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		report := readyzReport{Status: "ok", Checks: make(map[string]string, len(checks))}
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for _, c := range checks {
			c := c
			wg.Add(1)
			go func() {
				defer wg.Done()
				result := "ok"
				if err := c.Check(ctx); err != nil {
					result = "failing"
				}
				mu.Lock()
				report.Checks[c.Name] = result
				if result != "ok" {
					report.Status = "not ready"
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}
