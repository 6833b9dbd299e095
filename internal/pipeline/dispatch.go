package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/paygate/internal/providers"
)

// dispatch performs the upstream call with bounded per-attempt timeouts and
// exponential backoff. Only transient failures (timeout, 429, 5xx) are
// retried; a permanent failure aborts immediately. The caller owns the
// compensation path — dispatch never touches the ledger.
func (g *Gateway) dispatch(ctx context.Context, req *providers.Request, reqID string) (*providers.Result, error) {
	route := string(req.Operation)

	inv, ok := g.invokers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("dispatch: provider %q not configured", req.Provider)
	}

	var lastErr error

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if attempt > 1 {
			// 200ms, 400ms, 800ms, ... — capped by the attempt ceiling.
			delay := g.backoffBase << (attempt - 2)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			// The breaker may have opened mid-retry from concurrent failures.
			if !g.cb.Allow(req.Provider) {
				if g.metrics != nil {
					g.metrics.RecordCircuitBreakerRejection(req.Provider, g.cb.StateLabel(req.Provider))
				}
				break
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.dispatchTimeout)
		start := time.Now()
		res, err := inv.Invoke(attemptCtx, req)
		dur := time.Since(start)
		cancel()

		if err == nil {
			g.cb.RecordSuccess(req.Provider)
			if g.metrics != nil {
				g.metrics.ObserveDispatchAttempt(req.Provider, route, "success", dur)
				g.metrics.SetCircuitBreaker(req.Provider, int64(g.cb.State(req.Provider)))
			}
			return res, nil
		}

		g.cb.RecordFailure(req.Provider)

		reason := providers.Classify(err)
		if g.metrics != nil {
			g.metrics.ObserveDispatchAttempt(req.Provider, route, reason, dur)
			g.metrics.RecordError(req.Provider, reason)
			g.metrics.SetCircuitBreaker(req.Provider, int64(g.cb.State(req.Provider)))
		}
		g.log.WarnContext(ctx, "dispatch_attempt_failed",
			slog.String("request_id", reqID),
			slog.String("provider", req.Provider),
			slog.Int("attempt", attempt),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr = err

		if !providers.IsTransient(err) {
			return nil, fmt.Errorf("dispatch: permanent failure from %s: %w", req.Provider, err)
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("provider %q unavailable", req.Provider)
	}
	return nil, fmt.Errorf("dispatch: all %d attempt(s) failed: %w", g.maxAttempts, lastErr)
}
