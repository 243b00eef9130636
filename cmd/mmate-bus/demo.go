package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/schema"
)

type demoOrder struct {
	ID    int `json:"id"`
	Items int `json:"items"`
}

func (demoOrder) MessageAlias() string { return "demo.order" }

type demoAudit struct {
	OrderID int `json:"orderId"`
}

func (demoAudit) MessageAlias() string { return "demo.audit" }

type demoQuote struct {
	Items int `json:"items"`
}

func (demoQuote) MessageAlias() string { return "demo.quote" }

type demoPrice struct {
	Total int `json:"total"`
}

func (demoPrice) MessageAlias() string { return "demo.price" }

// runDemo sends count orders to a sequential queue. Each order cascades an
// audit message handled on a parallel queue, and the last one asks the
// pricing queue for a quote.
func runDemo(ctx context.Context, cfg messaging.Config, logger *slog.Logger, count, threads int) error {
	var (
		handled sync.WaitGroup
		peak    atomic.Int32
		active  atomic.Int32
	)
	handled.Add(2 * count)
	counters := interceptors.NewCounters()

	bus, closeBus, err := startBus(ctx, cfg, logger, func(o *messaging.Options) error {
		o.LocalQueue("orders").Sequential().Subscribe("demo.order")
		o.LocalQueue("audit").MaximumThreads(threads).Subscribe("demo.audit")
		o.LocalQueue("pricing")
		validator := schema.NewValidator()
		for _, sample := range []any{demoOrder{}, demoAudit{}, demoQuote{}} {
			if err := validator.RegisterMessage(sample); err != nil {
				return err
			}
		}
		o.Use(
			interceptors.Logging(logger),
			interceptors.Metrics(counters),
			interceptors.Validation(validator),
		)

		g := o.Handlers()
		if err := messaging.Reply(g, func(ctx context.Context, order demoOrder) (demoAudit, error) {
			defer handled.Done()
			fmt.Printf("orders   handled order %d\n", order.ID)
			return demoAudit{OrderID: order.ID}, nil
		}); err != nil {
			return err
		}
		if err := messaging.Handle(g, func(ctx context.Context, audit demoAudit) error {
			defer handled.Done()
			n := active.Add(1)
			defer active.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			fmt.Printf("audit    recorded order %d\n", audit.OrderID)
			return nil
		}); err != nil {
			return err
		}
		return messaging.Reply(g, func(ctx context.Context, q demoQuote) (demoPrice, error) {
			return demoPrice{Total: q.Items * 25}, nil
		})
	})
	if err != nil {
		return err
	}
	defer closeBus()

	started := time.Now()
	for i := 1; i <= count; i++ {
		if err := bus.Send(ctx, demoOrder{ID: i, Items: i}); err != nil {
			return fmt.Errorf("failed to send order %d: %w", i, err)
		}
	}

	price, err := messaging.RequestFrom[demoPrice](ctx, bus, demoQuote{Items: count}, "local://pricing")
	if err != nil {
		return fmt.Errorf("quote failed: %w", err)
	}
	fmt.Printf("pricing  quoted %d items at %d\n", count, price.Total)

	done := make(chan struct{})
	go func() {
		handled.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	fmt.Printf("\n%d orders and %d audits handled in %s (peak audit parallelism %d)\n",
		count, count, time.Since(started).Round(time.Millisecond), peak.Load())

	stats := counters.Snapshot()
	types := make([]string, 0, len(stats))
	for t := range stats {
		types = append(types, t)
	}
	sort.Strings(types)
	fmt.Printf("\n%-12s %8s %8s %12s\n", "TYPE", "HANDLED", "ERRORS", "AVERAGE")
	for _, t := range types {
		s := stats[t]
		fmt.Printf("%-12s %8d %8d %12s\n", t, s.Handled, s.Errors, s.Average().Round(time.Microsecond))
	}
	return nil
}
