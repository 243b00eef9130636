// Package reliability holds the retry policies that decide whether a failed
// envelope is tried again and after what delay, and the circuit breaker that
// latches remote sending agents while their broker keeps failing.
//
//	policy := reliability.NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2, 5)
//	retry, delay := policy.ShouldRetry(env.Attempts, err)
package reliability
