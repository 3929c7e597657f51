package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// ReadyCheck is a named dependency check for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

const readyCheckTimeout = 2 * time.Second

// CheckAll runs every check with its own timeout and returns one result per check.
// A nil map value means the dependency is healthy.
func CheckAll(ctx context.Context, checks ...ReadyCheck) map[string]error {
	results := make(map[string]error, len(checks))
	for _, check := range checks {
		if check.Check == nil {
			continue
		}
		name := check.Name
		if name == "" {
			name = "dependency"
		}
		cctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
		results[name] = check.Check(cctx)
		cancel()
	}
	return results
}

// Ready reports the first failing check, if any.
func Ready(ctx context.Context, checks ...ReadyCheck) error {
	var errs []error
	for name, err := range CheckAll(ctx, checks...) {
		if err != nil {
			errs = append(errs, errors.New(name+": "+err.Error()))
		}
	}
	return errors.Join(errs...)
}

func NewBaseMuxWithReady(checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		report := map[string]string{}
		for name, err := range CheckAll(r.Context(), checks...) {
			if err != nil {
				status = http.StatusServiceUnavailable
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}
