// Package healthcheck evaluates the readiness of external dependencies.
package healthcheck

import (
	"context"
	"sort"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusError indicates check failed.
	StatusError = "error"
)

// Checker probes one dependency.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Run evaluates every check in name order and reports whether all passed.
func Run(ctx context.Context, checks map[string]Checker) ([]CheckResult, bool) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		item := CheckResult{Name: name, Status: StatusOK}
		if checks[name] == nil {
			continue
		}
		if err := checks[name].Ping(ctx); err != nil {
			item.Status = StatusError
			item.Detail = err.Error()
			healthy = false
		}
		results = append(results, item)
	}
	return results, healthy
}
