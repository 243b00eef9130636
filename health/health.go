// Package health checks the dependencies of a running bus: its destinations,
// its envelope store and its broker.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status of a check or of a whole report
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the outcome of one check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checker checks one dependency
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report is the combined outcome of a registry run
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Registry runs a set of checkers
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	limit    int
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithCheckTimeout bounds every single check
func WithCheckTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = timeout
	}
}

// WithConcurrency limits how many checks run at once
func WithConcurrency(limit int) RegistryOption {
	return func(r *Registry) {
		r.limit = limit
	}
}

// NewRegistry creates an empty registry
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		timeout: 5 * time.Second,
		limit:   4,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds checkers
func (r *Registry) Register(checkers ...Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, checkers...)
	r.mu.Unlock()
}

// Check runs every checker and reports the worst status. Results are sorted
// by name.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	g, gctx := errgroup.WithContext(ctx)
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}
	for i, c := range checkers {
		i, c := i, c
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()
			results[i] = run(cctx, c)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	report := Report{Status: StatusHealthy, Checks: results}
	for _, res := range results {
		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
	}
	return report
}

// run fills in the bookkeeping a checker left out
func run(ctx context.Context, c Checker) CheckResult {
	start := time.Now()
	res := c.Check(ctx)
	if res.Name == "" {
		res.Name = c.Name()
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = start
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if res.Status == "" {
		res.Status = StatusUnhealthy
	}
	return res
}
