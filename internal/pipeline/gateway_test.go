package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/paygate/internal/auth"
	"github.com/nulpointcorp/paygate/internal/billing"
	"github.com/nulpointcorp/paygate/internal/ledger"
	"github.com/nulpointcorp/paygate/internal/policy"
	"github.com/nulpointcorp/paygate/internal/providers"
	"github.com/nulpointcorp/paygate/internal/ratelimit"
	"github.com/nulpointcorp/paygate/internal/registry"
)

// --- helpers ----------------------------------------------------------------

// stubInvoker is a configurable in-memory provider.
type stubInvoker struct {
	name     string
	invokeFn func(ctx context.Context, req *providers.Request) (*providers.Result, error)
	calls    atomic.Int64
}

func (s *stubInvoker) Name() string                      { return s.name }
func (s *stubInvoker) Supports(providers.Operation) bool { return true }
func (s *stubInvoker) HealthCheck(context.Context) error { return nil }
func (s *stubInvoker) Invoke(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	s.calls.Add(1)
	return s.invokeFn(ctx, req)
}

// okInvoker always answers successfully.
func okInvoker(name string) *stubInvoker {
	return &stubInvoker{
		name: name,
		invokeFn: func(_ context.Context, req *providers.Request) (*providers.Result, error) {
			return &providers.Result{
				ID:        "res-1",
				Model:     req.Model,
				Operation: req.Operation,
				Text:      "hello from " + name,
				Usage:     providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

// providerErr carries an upstream HTTP status for transience classification.
type providerErr struct {
	status int
	msg    string
}

func (e *providerErr) Error() string   { return e.msg }
func (e *providerErr) HTTPStatus() int { return e.status }

// testEnv is a gateway with in-memory stores served over an in-memory
// listener.
type testEnv struct {
	gw     *Gateway
	ledger *ledger.MemoryLedger
	store  *billing.MemoryStore
	client *http.Client
}

const (
	testAPIKey  = "pk-test"
	testAccount = "acct-1"
)

func newTestEnv(t *testing.T, balance int64, invokers map[string]providers.Invoker, opts Options) *testEnv {
	t.Helper()

	keys := auth.NewMemoryKeyStore()
	if err := keys.Register(context.Background(), testAPIKey, testAccount); err != nil {
		t.Fatal(err)
	}

	l := ledger.NewMemoryLedger()
	if balance > 0 {
		if err := l.Credit(context.Background(), testAccount, balance); err != nil {
			t.Fatal(err)
		}
	}

	store := billing.NewMemoryStore()
	engine := policy.NewEngine(l, policy.NewMemoryStore(policy.Spending{}))
	executor := billing.NewExecutor(l, store, nil)

	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	if opts.DispatchTimeout == 0 {
		opts.DispatchTimeout = 5 * time.Second
	}

	gw := New(context.Background(), keys, registry.Default(), engine, executor, invokers, opts)
	t.Cleanup(gw.Close)

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &testEnv{gw: gw, ledger: l, store: store, client: client}
}

// respEnvelope mirrors both the success and error response shapes.
type respEnvelope struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
	Receipt struct {
		PaymentID   string    `json:"payment_id"`
		Amount      float64   `json:"amount"`
		Currency    string    `json:"currency"`
		CommittedAt time.Time `json:"committed_at"`
	} `json:"receipt"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *testEnv) post(t *testing.T, path, apiKey string, body string) (*http.Response, respEnvelope) {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var env respEnvelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("failed to parse response %q: %v", data, err)
		}
	}
	return resp, env
}

func (e *testEnv) balance(t *testing.T) int64 {
	t.Helper()
	bal, err := e.ledger.Balance(context.Background(), testAccount)
	if err != nil {
		t.Fatal(err)
	}
	return bal
}

const completionBody = `{"model":"openai/gpt-4o-mini","text":"hello","max_tokens":100,"client_request_id":"cli-1"}`

// --- auth gate --------------------------------------------------------------

func TestHandle_MissingAPIKey(t *testing.T) {
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": okInvoker("openai")}, Options{})

	resp, body := env.post(t, "/v1/text/completion", "", completionBody)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	if body.Code != "unauthorized" {
		t.Errorf("expected code unauthorized, got %s", body.Code)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("401 must carry WWW-Authenticate")
	}
}

func TestHandle_UnknownAPIKey(t *testing.T) {
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": okInvoker("openai")}, Options{})

	resp, _ := env.post(t, "/v1/text/completion", "pk-wrong", completionBody)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

// --- validation and model resolution ----------------------------------------

func TestHandle_ValidationError(t *testing.T) {
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": okInvoker("openai")}, Options{})

	resp, body := env.post(t, "/v1/text/completion", testAPIKey,
		`{"model":"openai/gpt-4o-mini"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if body.Code != "validation_error" {
		t.Errorf("expected validation_error, got %s", body.Code)
	}
}

func TestHandle_InvalidModelFormat(t *testing.T) {
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": okInvoker("openai")}, Options{})

	resp, body := env.post(t, "/v1/text/completion", testAPIKey,
		`{"model":"gpt-4o-mini","text":"hi"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if body.Code != "invalid_model_format" {
		t.Errorf("expected invalid_model_format, got %s", body.Code)
	}
}

func TestHandle_UnsupportedModel(t *testing.T) {
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": okInvoker("openai")}, Options{})

	resp, body := env.post(t, "/v1/text/completion", testAPIKey,
		`{"model":"openai/gpt-99","text":"hi"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if body.Code != "unsupported_model" {
		t.Errorf("expected unsupported_model, got %s", body.Code)
	}
}

// --- happy path -------------------------------------------------------------

func TestHandle_CompletionSuccess(t *testing.T) {
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": okInvoker("openai")}, Options{})

	resp, body := env.post(t, "/v1/text/completion", testAPIKey, completionBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
	}
	if !body.Success {
		t.Error("expected success=true")
	}
	if body.Data["text"] != "hello from openai" {
		t.Errorf("wrong text: %v", body.Data["text"])
	}
	if body.Data["model"] != "openai/gpt-4o-mini" {
		t.Errorf("model must be the canonical id, got %v", body.Data["model"])
	}
	if body.Receipt.PaymentID == "" || body.Receipt.Currency != "USDC" {
		t.Errorf("incomplete receipt: %+v", body.Receipt)
	}
	if body.Receipt.Amount <= 0 {
		t.Errorf("receipt amount must be positive, got %v", body.Receipt.Amount)
	}

	// The estimated cost was actually charged.
	if env.balance(t) >= 1_000_000 {
		t.Error("balance must be debited after a completed request")
	}

	// The payment left the reconciliation queue.
	queue, err := env.store.Undispatched(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 0 {
		t.Errorf("completed payment should not sit on the queue, got %d", len(queue))
	}
}

func TestHandle_AllOperationRoutes(t *testing.T) {
	inv := &stubInvoker{
		name: "openai",
		invokeFn: func(_ context.Context, req *providers.Request) (*providers.Result, error) {
			res := &providers.Result{ID: "res", Model: req.Model, Operation: req.Operation}
			switch req.Operation {
			case providers.OpCompletion, providers.OpVision:
				res.Text = "ok"
			case providers.OpAudio:
				res.Audio = []byte("RIFF")
			case providers.OpImage:
				res.Images = []string{"https://img/1.png"}
			case providers.OpEmbedding:
				res.Embeddings = [][]float32{{0.1, 0.2}}
			}
			return res, nil
		},
	}
	env := newTestEnv(t, 100_000_000,
		map[string]providers.Invoker{"openai": inv, "anthropic": inv}, Options{})

	tests := []struct {
		path string
		body string
	}{
		{"/v1/text/completion", `{"model":"openai/gpt-4o-mini","text":"hi","client_request_id":"c1"}`},
		{"/v1/audio/speech", `{"model":"openai/tts-1","text":"hi","voice":"alloy","client_request_id":"c2"}`},
		{"/v1/images/generate", `{"model":"openai/dall-e-3","prompt":"a fox","client_request_id":"c3"}`},
		{"/v1/embeddings", `{"model":"openai/text-embedding-3-small","input":["a"],"client_request_id":"c4"}`},
		{"/v1/vision/analyze", `{"model":"anthropic/claude-3-5-sonnet","image":"https://x/i.png","prompt":"?","client_request_id":"c5"}`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := env.post(t, tt.path, testAPIKey, tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
			}
			if body.Receipt.PaymentID == "" {
				t.Error("every successful operation must return a receipt")
			}
		})
	}
}

// --- budget rejection -------------------------------------------------------

func TestHandle_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, 5, map[string]providers.Invoker{"openai": okInvoker("openai")}, Options{})

	resp, body := env.post(t, "/v1/text/completion", testAPIKey, completionBody)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if body.Code != "insufficient_funds" {
		t.Errorf("expected insufficient_funds, got %s", body.Code)
	}
	if body.Data["reason"] != "insufficient_funds" {
		t.Errorf("structured reason missing: %v", body.Data)
	}

	// Rejection is side-effect free.
	if env.balance(t) != 5 {
		t.Errorf("rejection must not touch the balance, got %d", env.balance(t))
	}
}

// --- idempotency ------------------------------------------------------------

func TestHandle_DuplicateClientRequestID(t *testing.T) {
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": okInvoker("openai")}, Options{})

	resp1, body1 := env.post(t, "/v1/text/completion", testAPIKey, completionBody)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first request failed: %d", resp1.StatusCode)
	}
	balanceAfterFirst := env.balance(t)

	// Retransmission with the same client_request_id.
	resp2, body2 := env.post(t, "/v1/text/completion", testAPIKey, completionBody)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("replay failed: %d", resp2.StatusCode)
	}
	if body2.Data["duplicate"] != true {
		t.Error("replay must be marked duplicate")
	}
	if body2.Receipt.PaymentID != body1.Receipt.PaymentID {
		t.Errorf("replay must return the original receipt: %s vs %s",
			body2.Receipt.PaymentID, body1.Receipt.PaymentID)
	}

	// Exactly-once: no second charge.
	if env.balance(t) != balanceAfterFirst {
		t.Errorf("duplicate charged the caller again: %d vs %d",
			env.balance(t), balanceAfterFirst)
	}
}

// --- provider failure and reversal ------------------------------------------

func TestHandle_PermanentFailureReverses(t *testing.T) {
	failing := &stubInvoker{
		name: "openai",
		invokeFn: func(context.Context, *providers.Request) (*providers.Result, error) {
			return nil, &providerErr{status: 400, msg: "unsupported parameter"}
		},
	}
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": failing}, Options{})

	resp, body := env.post(t, "/v1/text/completion", testAPIKey, completionBody)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body.Code != "provider_error" {
		t.Errorf("expected provider_error, got %s", body.Code)
	}
	if body.Data["reversal"] != "succeeded" {
		t.Errorf("response must state the reversal outcome, got %v", body.Data)
	}

	// Permanent failures are not retried.
	if got := failing.calls.Load(); got != 1 {
		t.Errorf("permanent failure must not be retried, got %d attempts", got)
	}

	// The charge was reversed in full.
	if env.balance(t) != 1_000_000 {
		t.Errorf("expected full refund, balance %d", env.balance(t))
	}

	rec, err := env.store.FindByClientRequestID(context.Background(), testAccount, "cli-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Status != billing.StatusReversed {
		t.Errorf("payment record must be reversed, got %+v", rec)
	}
}

func TestHandle_TransientFailureRetries(t *testing.T) {
	flaky := &stubInvoker{name: "openai"}
	flaky.invokeFn = func(_ context.Context, req *providers.Request) (*providers.Result, error) {
		if flaky.calls.Load() == 1 {
			return nil, &providerErr{status: 503, msg: "upstream overloaded"}
		}
		return &providers.Result{
			ID: "res-2", Model: req.Model, Operation: req.Operation, Text: "recovered",
		}, nil
	}
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": flaky}, Options{})

	resp, body := env.post(t, "/v1/text/completion", testAPIKey, completionBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected recovery after retry, got %d: %+v", resp.StatusCode, body)
	}
	if got := flaky.calls.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
	if body.Data["text"] != "recovered" {
		t.Errorf("wrong payload: %v", body.Data)
	}
}

func TestHandle_ExhaustedRetriesReverse(t *testing.T) {
	failing := &stubInvoker{
		name: "openai",
		invokeFn: func(context.Context, *providers.Request) (*providers.Result, error) {
			return nil, &providerErr{status: 503, msg: "down"}
		},
	}
	env := newTestEnv(t, 1_000_000,
		map[string]providers.Invoker{"openai": failing},
		Options{MaxAttempts: 2})

	resp, body := env.post(t, "/v1/text/completion", testAPIKey, completionBody)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if got := failing.calls.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
	if body.Data["reversal"] != "succeeded" {
		t.Errorf("expected reversal succeeded, got %v", body.Data)
	}
	if env.balance(t) != 1_000_000 {
		t.Errorf("expected full refund, balance %d", env.balance(t))
	}
}

// --- circuit breaker --------------------------------------------------------

func TestHandle_OpenBreakerRejectsWithoutCharge(t *testing.T) {
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": okInvoker("openai")}, Options{})

	for i := 0; i < providers.CBErrorThreshold; i++ {
		env.gw.cb.RecordFailure("openai")
	}

	resp, body := env.post(t, "/v1/text/completion", testAPIKey, completionBody)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 from open breaker, got %d", resp.StatusCode)
	}
	if body.Code != "provider_error" {
		t.Errorf("expected provider_error, got %s", body.Code)
	}

	// The breaker fires before the decision: no hold, no charge.
	if env.balance(t) != 1_000_000 {
		t.Errorf("open breaker must not touch the ledger, balance %d", env.balance(t))
	}
	rec, _ := env.store.FindByClientRequestID(context.Background(), testAccount, "cli-1")
	if rec != nil {
		t.Error("open breaker must not create a payment record")
	}
}

// --- rate limiting ----------------------------------------------------------

func TestHandle_RateLimited(t *testing.T) {
	env := newTestEnv(t, 100_000_000,
		map[string]providers.Invoker{"openai": okInvoker("openai")},
		Options{RateLimiter: ratelimit.NewMemoryLimiter(1)})

	resp1, _ := env.post(t, "/v1/text/completion", testAPIKey,
		`{"model":"openai/gpt-4o-mini","text":"hi","client_request_id":"r1"}`)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first request should pass, got %d", resp1.StatusCode)
	}

	resp2, body := env.post(t, "/v1/text/completion", testAPIKey,
		`{"model":"openai/gpt-4o-mini","text":"hi","client_request_id":"r2"}`)
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp2.StatusCode)
	}
	if body.Code != "rate_limit_exceeded" {
		t.Errorf("expected rate_limit_exceeded, got %s", body.Code)
	}
	if resp2.Header.Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}

// --- health endpoints -------------------------------------------------------

func TestHandle_HealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": okInvoker("openai")}, Options{})

	for _, path := range []string{"/health", "/readiness"} {
		req, _ := http.NewRequest("GET", "http://test"+path, nil)
		resp, err := env.client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestHandle_ReadinessFailsWhenStoreDown(t *testing.T) {
	env := newTestEnv(t, 1_000_000,
		map[string]providers.Invoker{"openai": okInvoker("openai")},
		Options{StoreReady: func() bool { return false }})

	req, _ := http.NewRequest("GET", "http://test/readiness", nil)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when the ledger backend is down, got %d", resp.StatusCode)
	}
}

// --- constructor ------------------------------------------------------------

func TestNew_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	New(nil, nil, nil, nil, nil, nil, Options{})
}

func TestDispatch_UnknownProvider(t *testing.T) {
	env := newTestEnv(t, 1_000_000, map[string]providers.Invoker{"openai": okInvoker("openai")}, Options{})

	req := &providers.Request{Provider: "ghost", Operation: providers.OpCompletion}
	if _, err := env.gw.dispatch(context.Background(), req, "req-1"); err == nil {
		t.Error("dispatch to an unconfigured provider must fail")
	} else if fmt.Sprint(err) == "" {
		t.Error("error must carry a message")
	}
}
