// Package interceptors provides middleware for the handlers of a bus.
//
// Every interceptor is a messaging.Middleware and is added through
// Options.Use. Middleware runs in the order it was added, with the handler
// called last:
//
//	opts := messaging.NewOptions().
//		Use(
//			interceptors.Logging(logger),
//			interceptors.Metrics(counters),
//			interceptors.Timeout(30*time.Second),
//			interceptors.CircuitBreaker(interceptors.NewBreaker("billing", 5, time.Minute)),
//		)
//
// Errors returned by an interceptor flow into the bus error policy like any
// handler error. Validation and SkipWithError failures are marked permanent so
// the envelope is moved to the error queue without retries.
package interceptors
