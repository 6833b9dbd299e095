// Package pipeline is the facility request pipeline: the stage sequence that
// authenticates a caller, resolves the model, normalizes the request, obtains
// an approve/reject decision against the account's spending policy, commits
// a payment, dispatches the upstream call, and returns a normalized envelope
// with a payment receipt.
//
// Key design constraints:
//   - Exactly-once payment: at most one committed payment record per client
//     request id, under any retransmission pattern.
//   - A committed payment is always either dispatched or reversed; a failed
//     reversal flags the account for reconciliation instead of retrying.
//   - Rejections are side-effect free: no hold survives a rejected request.
//   - Rate limiter, metrics, and audit trail are optional and nil-safe. The
//     key store, ledger, and billing store are not: their failures fail the
//     request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/paygate/internal/audit"
	"github.com/nulpointcorp/paygate/internal/auth"
	"github.com/nulpointcorp/paygate/internal/billing"
	"github.com/nulpointcorp/paygate/internal/metrics"
	"github.com/nulpointcorp/paygate/internal/policy"
	"github.com/nulpointcorp/paygate/internal/providers"
	"github.com/nulpointcorp/paygate/internal/ratelimit"
	"github.com/nulpointcorp/paygate/internal/registry"
	"github.com/nulpointcorp/paygate/pkg/apierr"
)

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger used for stage events and dispatch
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// MaxAttempts is the maximum number of dispatch attempts per request
	// (including the first). Must be ≥ 1. Default: providers.MaxAttempts (3).
	MaxAttempts int

	// DispatchTimeout bounds each upstream attempt.
	// Default: providers.DispatchTimeout (30s).
	DispatchTimeout time.Duration

	// BackoffBase is the first retry delay; it doubles per attempt.
	// Default: providers.BackoffBase (200ms).
	BackoffBase time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// RateLimiter enforces a per-account request rate. Nil disables limiting.
	RateLimiter ratelimit.Limiter

	// Audit receives one event per pipeline outcome. Nil disables the trail.
	Audit *audit.Trail

	// StoreReady is the readiness probe for the billing/ledger backend,
	// reported by GET /readiness. Nil means always ready.
	StoreReady func() bool

	// CORSOrigins is the allowed CORS origin list. Empty means allow all.
	CORSOrigins []string
}

// Gateway runs the pipeline. All dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	keys     auth.KeyStore
	registry *registry.Registry
	engine   *policy.Engine
	executor *billing.Executor
	invokers map[string]providers.Invoker

	cb      *CircuitBreaker
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	limiter ratelimit.Limiter
	trail   *audit.Trail

	maxAttempts     int
	dispatchTimeout time.Duration
	backoffBase     time.Duration

	corsOrigins []string
}

// New creates a fully configured Gateway.
func New(
	baseCtx context.Context,
	keys auth.KeyStore,
	reg *registry.Registry,
	engine *policy.Engine,
	executor *billing.Executor,
	invokers map[string]providers.Invoker,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("pipeline: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = providers.MaxAttempts
	}

	dispatchTimeout := opts.DispatchTimeout
	if dispatchTimeout <= 0 {
		dispatchTimeout = providers.DispatchTimeout
	}

	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = providers.BackoffBase
	}

	names := make([]string, 0, len(invokers))
	for name := range invokers {
		names = append(names, name)
	}

	g := &Gateway{
		keys:            keys,
		registry:        reg,
		engine:          engine,
		executor:        executor,
		invokers:        invokers,
		cb:              NewCircuitBreaker(names, opts.CBConfig),
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		limiter:         opts.RateLimiter,
		trail:           opts.Audit,
		maxAttempts:     maxAttempts,
		dispatchTimeout: dispatchTimeout,
		backoffBase:     backoffBase,
		corsOrigins:     opts.CORSOrigins,
	}

	// Initialise circuit breaker gauges (closed) for known providers.
	if g.metrics != nil {
		for _, name := range names {
			g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
		}
	}

	if len(invokers) > 0 {
		g.health = NewHealthChecker(baseCtx, invokers, opts.StoreReady, g.metrics)
	}

	return g
}

// Close stops background workers.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// handle runs the full pipeline for one inbound request of the given
// operation type.
func (g *Gateway) handle(ctx *fasthttp.RequestCtx, op providers.Operation) {
	start := time.Now()
	route := string(op)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Auth gate.
	token := auth.ParseBearer(string(ctx.Request.Header.Peek("Authorization")))
	account, err := g.keys.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			apierr.WriteUnauthorized(ctx)
			return
		}
		g.log.ErrorContext(ctx, "keystore_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"authentication backend unavailable", apierr.CodeInternalError)
		return
	}

	// 2. Rate limit check (per account).
	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, account.ID)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("account_id", account.ID),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 3. Transform the endpoint payload into operation-tagged params.
	modelID, clientRequestID, params, err := transform(op, ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.CodeValidationError)
		return
	}
	if clientRequestID == "" {
		clientRequestID = reqID
	}

	// 4. Resolve the canonical model identifier.
	desc, err := g.registry.Resolve(modelID, op)
	if err != nil {
		code := apierr.CodeUnsupportedModel
		if errors.Is(err, registry.ErrInvalidFormat) {
			code = apierr.CodeInvalidModelFormat
		}
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), code)
		return
	}

	req := &providers.Request{
		AccountID:       account.ID,
		Operation:       op,
		Provider:        desc.Provider,
		Model:           desc.Model,
		Params:          params,
		EstimatedCost:   registry.EstimateCost(desc, params),
		ClientRequestID: clientRequestID,
	}

	g.log.InfoContext(ctx, "pipeline_request",
		slog.String("request_id", reqID),
		slog.String("account_id", account.ID),
		slog.String("operation", route),
		slog.String("model", modelID),
		slog.Int64("estimated_cost_micros", req.EstimatedCost),
	)

	// 5. Idempotency: a repeated client request id returns the original
	// receipt without touching the decision engine or the ledger.
	existing, err := g.executor.Find(ctx, account.ID, clientRequestID)
	if err != nil {
		g.log.ErrorContext(ctx, "payment_lookup_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"billing backend unavailable", apierr.CodeInternalError)
		return
	}
	if existing != nil && existing.Status == billing.StatusCommitted {
		g.log.InfoContext(ctx, "duplicate_client_request_id",
			slog.String("request_id", reqID),
			slog.String("client_request_id", clientRequestID),
			slog.String("payment_id", existing.ID),
		)
		g.writeReplay(ctx, modelID, existing)
		return
	}

	// 6. Circuit breaker — rejecting before the decision keeps the ledger
	// untouched while the provider is known to be failing.
	if !g.cb.Allow(desc.Provider) {
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection(desc.Provider, g.cb.StateLabel(desc.Provider))
			g.metrics.SetCircuitBreaker(desc.Provider, int64(g.cb.State(desc.Provider)))
		}
		g.log.WarnContext(ctx, "circuit_breaker_open",
			slog.String("request_id", reqID),
			slog.String("provider", desc.Provider),
		)
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			fmt.Sprintf("provider %q is temporarily unavailable", desc.Provider),
			apierr.CodeProviderError)
		return
	}

	// 7. Decision engine: policy checks, then an atomic ledger reservation.
	decision, err := g.engine.Decide(ctx, reqID, req)
	if err != nil {
		g.log.ErrorContext(ctx, "decision_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"decision backend unavailable", apierr.CodeInternalError)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordDecision(decision.Outcome, string(decision.Reason))
	}
	if !decision.Approved() {
		g.rejected(ctx, reqID, req, decision, start)
		return
	}

	// 8. Caller gone before commit → abort and release the hold. After the
	// commit below, cancellation no longer propagates.
	select {
	case <-ctx.Done():
		if relErr := g.engine.Release(g.baseCtx, decision.Reservation); relErr != nil {
			g.log.ErrorContext(g.baseCtx, "release_on_disconnect_failed",
				slog.String("request_id", reqID),
				slog.String("error", relErr.Error()),
			)
		}
		return
	default:
	}

	// 9. Payment executor: reservation → committed record, idempotent.
	rec, committed, err := g.executor.Commit(ctx, reqID, clientRequestID, decision.Reservation)
	if err != nil {
		g.commitFailed(ctx, reqID, err)
		return
	}
	if !committed {
		// Lost a race with a retransmission that committed first.
		g.writeReplay(ctx, modelID, rec)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordPaymentCommitted(desc.Provider, route, rec.Amount)
	}

	// 10. Dispatch. Funds are committed: the upstream call runs on a context
	// detached from the caller's connection so a disconnect cannot strand a
	// charged-but-undispatched payment.
	dispatchCtx := context.WithoutCancel(ctx)
	res, err := g.dispatch(dispatchCtx, req, reqID)
	if err != nil {
		g.dispatchFailed(ctx, dispatchCtx, reqID, req, rec, err, start)
		return
	}

	if err := g.executor.MarkDispatched(dispatchCtx, rec); err != nil {
		// The call succeeded and the charge stands; the record stays on the
		// reconciliation queue until a later sweep settles it.
		g.log.ErrorContext(ctx, "mark_dispatched_failed",
			slog.String("request_id", reqID),
			slog.String("payment_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	if g.metrics != nil {
		g.metrics.AddTokens(desc.Provider, route, res.Usage.InputTokens, res.Usage.OutputTokens)
	}
	g.recordAudit(reqID, req, "completed", "", rec, fasthttp.StatusOK, start)

	g.log.InfoContext(ctx, "pipeline_completed",
		slog.String("request_id", reqID),
		slog.String("payment_id", rec.ID),
		slog.String("model", modelID),
		slog.Duration("elapsed", time.Since(start)),
	)

	writeSuccess(ctx, normalize(res, modelID, clientRequestID), buildReceipt(rec), "")
}

// rejected writes the structured 402 for a decision engine rejection.
func (g *Gateway) rejected(
	ctx *fasthttp.RequestCtx,
	reqID string,
	req *providers.Request,
	decision *policy.Decision,
	start time.Time,
) {
	var msg string
	switch decision.Reason {
	case policy.ReasonInsufficientFunds:
		msg = "insufficient funds for the estimated request cost"
	case policy.ReasonPerRequestLimit:
		msg = "estimated cost exceeds the per-request spending cap"
	case policy.ReasonPolicyRestricted:
		msg = "the account's spending policy does not permit this request"
	default:
		msg = "request rejected by spending policy"
	}

	g.log.InfoContext(ctx, "pipeline_rejected",
		slog.String("request_id", reqID),
		slog.String("account_id", req.AccountID),
		slog.String("reason", string(decision.Reason)),
	)
	g.recordAudit(reqID, req, "rejected", string(decision.Reason), nil, fasthttp.StatusPaymentRequired, start)

	apierr.WriteBudgetRejection(ctx, string(decision.Reason), msg)
}

// commitFailed handles a payment executor failure. If the charge stands but
// could not be recorded, the caller sees a 502 with reversal=failed — they
// may have been charged, and the account is already flagged.
func (g *Gateway) commitFailed(ctx *fasthttp.RequestCtx, reqID string, err error) {
	var recErr *billing.ReconciliationError
	if errors.As(err, &recErr) {
		if g.metrics != nil {
			g.metrics.RecordReconciliationFlag()
		}
		g.log.ErrorContext(ctx, "commit_requires_reconciliation",
			slog.String("request_id", reqID),
			slog.String("payment_id", recErr.PaymentID),
			slog.String("error", err.Error()),
		)
		apierr.WriteProviderFailure(ctx, "payment could not be completed", false)
		return
	}

	g.log.ErrorContext(ctx, "commit_failed",
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
	)
	apierr.Write(ctx, fasthttp.StatusInternalServerError,
		"billing backend unavailable", apierr.CodeInternalError)
}

// dispatchFailed reverses the committed payment and writes the 502. The
// response states whether the reversal succeeded.
func (g *Gateway) dispatchFailed(
	ctx *fasthttp.RequestCtx,
	dispatchCtx context.Context,
	reqID string,
	req *providers.Request,
	rec *billing.Record,
	dispatchErr error,
	start time.Time,
) {
	route := string(req.Operation)

	revErr := g.executor.Reverse(dispatchCtx, rec)
	reversalOK := revErr == nil

	outcome := "reversed"
	if !reversalOK {
		outcome = "failed"
		var recErr *billing.ReconciliationError
		if errors.As(revErr, &recErr) && g.metrics != nil {
			g.metrics.RecordReconciliationFlag()
		}
	} else if g.metrics != nil {
		g.metrics.RecordPaymentReversed(req.Provider, route)
	}

	g.log.ErrorContext(ctx, "dispatch_failed",
		slog.String("request_id", reqID),
		slog.String("payment_id", rec.ID),
		slog.String("provider", req.Provider),
		slog.Bool("reversal_succeeded", reversalOK),
		slog.String("error", dispatchErr.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)
	g.recordAudit(reqID, req, outcome, providers.Classify(dispatchErr), rec, fasthttp.StatusBadGateway, start)

	apierr.WriteProviderFailure(ctx,
		fmt.Sprintf("provider %q failed to serve the request", req.Provider),
		reversalOK)
}

// writeReplay returns the original receipt for a duplicate client request id.
func (g *Gateway) writeReplay(ctx *fasthttp.RequestCtx, modelID string, rec *billing.Record) {
	data := map[string]any{
		"model":             modelID,
		"client_request_id": rec.ClientRequestID,
		"duplicate":         true,
	}
	writeSuccess(ctx, data, buildReceipt(rec),
		"duplicate client_request_id: returning the original receipt")
}

// recordAudit enqueues one pipeline outcome event. Never blocks.
func (g *Gateway) recordAudit(
	reqID string,
	req *providers.Request,
	outcome, reason string,
	rec *billing.Record,
	status int,
	start time.Time,
) {
	if g.trail == nil {
		return
	}

	ev := audit.Event{
		RequestID:       reqID,
		ClientRequestID: req.ClientRequestID,
		AccountID:       req.AccountID,
		Operation:       string(req.Operation),
		Provider:        req.Provider,
		Model:           req.Model,
		Outcome:         outcome,
		Reason:          reason,
		CostMicros:      req.EstimatedCost,
		LatencyMs:       uint32(time.Since(start).Milliseconds()),
		Status:          uint16(status),
	}
	if rec != nil {
		ev.PaymentID = rec.ID
		ev.CostMicros = rec.Amount
	}
	g.trail.Record(ev)
}
