package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/persistence"
)

// Pinger sends a probe to a destination. *messaging.Bus is a Pinger.
type Pinger interface {
	Ping(ctx context.Context, destination string) error
}

// DestinationChecker pings one destination of a bus
type DestinationChecker struct {
	pinger  Pinger
	address string
}

// NewDestinationChecker creates a checker for address
func NewDestinationChecker(pinger Pinger, address string) *DestinationChecker {
	return &DestinationChecker{pinger: pinger, address: address}
}

func (c *DestinationChecker) Name() string {
	return "destination:" + c.address
}

func (c *DestinationChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"address": c.address},
	}

	if err := c.pinger.Ping(ctx, c.address); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Destination did not accept ping"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Destination accepted ping"
	}
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// StoreChecker reads the pending envelopes and dead letters of a store
type StoreChecker struct {
	store           persistence.EnvelopeStore
	deadLetterLimit int
}

// NewStoreChecker creates a store checker. The store is reported degraded
// once it holds deadLetterLimit dead letters; zero disables the limit.
func NewStoreChecker(store persistence.EnvelopeStore, deadLetterLimit int) *StoreChecker {
	return &StoreChecker{store: store, deadLetterLimit: deadLetterLimit}
}

func (c *StoreChecker) Name() string {
	return "envelope_store"
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	pending, err := c.store.RecoverPending(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to read pending envelopes"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	dead, err := c.store.DeadLetters(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to read dead letters"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["pending"] = len(pending)
	result.Details["dead_letters"] = len(dead)
	if c.deadLetterLimit > 0 && len(dead) >= c.deadLetterLimit {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d dead letters", len(dead))
	} else {
		result.Status = StatusHealthy
		result.Message = "Store is readable"
	}
	result.Duration = time.Since(start)
	return result
}

// BrokerChecker dials a RabbitMQ broker and opens a channel
type BrokerChecker struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewBrokerChecker creates a checker for the broker at url
func NewBrokerChecker(url string, timeout time.Duration, logger *slog.Logger) *BrokerChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerChecker{url: url, timeout: timeout, logger: logger}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"url": rabbitmq.SanitizeURL(c.url)},
	}

	cm := rabbitmq.NewConnectionManager(c.url,
		rabbitmq.WithLogger(c.logger),
		rabbitmq.WithConnectTimeout(c.timeout),
		rabbitmq.WithMaxRetries(0),
	)
	defer cm.Close()

	if err := cm.Connect(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to connect"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	ch, err := cm.Channel()
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "Failed to create channel"
		result.Error = err.Error()
	} else {
		ch.Close()
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// MemoryChecker reports heap usage against thresholds in MB
type MemoryChecker struct {
	warningThreshold  float64
	criticalThreshold float64
}

// NewMemoryChecker creates a memory checker
func NewMemoryChecker(warningThreshold, criticalThreshold float64) *MemoryChecker {
	return &MemoryChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	allocMB := float64(m.Alloc) / 1024 / 1024

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"alloc_mb":   allocMB,
			"sys_mb":     float64(m.Sys) / 1024 / 1024,
			"num_gc":     m.NumGC,
			"goroutines": runtime.NumGoroutine(),
		},
	}

	switch {
	case allocMB >= c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Memory usage critical: %.2f MB", allocMB)
	case allocMB >= c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Memory usage high: %.2f MB", allocMB)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Memory usage normal: %.2f MB", allocMB)
	}
	result.Duration = time.Since(start)
	return result
}

// CheckFunc adapts a function to Checker
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) (Status, string, error)
}

// NewCheckFunc creates a named function checker
func NewCheckFunc(name string, fn func(ctx context.Context) (Status, string, error)) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Name() string {
	return c.name
}

func (c *CheckFunc) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.fn(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
		if status == "" || status == StatusHealthy {
			result.Status = StatusUnhealthy
		}
	}
	return result
}
