// Package reliability provides the retry policies and circuit breaker that
// wrap message delivery attempts. Policies classify failures through the
// IsRetryable interface errors may implement; context cancellation is never
// retried.
package reliability
