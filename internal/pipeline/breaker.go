package pipeline

import (
	"sync"
	"time"

	"github.com/nulpointcorp/paygate/internal/providers"
)

// cbState is the breaker position for one upstream.
//
// A closed breaker passes traffic. An open breaker short-circuits every
// request before any funds are reserved, so a dead upstream cannot drain
// an account through reserve/reverse churn. Half-open sits between the
// two: a single trial request decides whether the upstream recovered.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig tunes the per-upstream breakers. A zero field means "use the
// dispatch default" from the providers package, so config files only need
// to spell out what they override.
type CBConfig struct {
	// ErrorThreshold — consecutive-window failure count that opens the
	// breaker. Defaults to providers.CBErrorThreshold.
	ErrorThreshold int

	// TimeWindow — how long failures keep counting toward the threshold
	// before the tally restarts. Defaults to providers.CBTimeWindow.
	TimeWindow time.Duration

	// HalfOpenTimeout — cool-down before an open breaker admits a trial
	// request. Defaults to providers.CBHalfOpenTimeout.
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return providers.CBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return providers.CBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return providers.CBHalfOpenTimeout
}

// providerCB is the mutable state of one upstream's breaker.
type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // when the current failure tally began
	openedAt      time.Time // when the breaker last opened
	probeInflight bool      // a half-open trial request is outstanding
}

// CircuitBreaker keeps one independent breaker per upstream provider, keyed
// by invoker name. All methods are safe for concurrent use; each upstream
// locks only its own state, so one provider's trouble never contends with
// another's traffic.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
}

// NewCircuitBreaker builds breakers for the named upstreams, all starting
// closed. Zero cfg fields take the dispatch defaults.
func NewCircuitBreaker(names []string, cfg CBConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*providerCB, len(names)),
		cfg:      cfg,
	}
	for _, name := range names {
		cb.breakers[name] = &providerCB{
			state:       cbClosed,
			windowStart: time.Now(),
		}
	}
	return cb
}

// Allow decides whether the named upstream may take the next request.
// Closed always admits. Open rejects until the cool-down elapses, then
// flips to half-open and admits exactly one trial; while that trial is
// outstanding everything else is rejected. An upstream with no breaker
// is admitted — the pipeline may route to invokers registered after
// construction.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.breakerFor(provider)
	if pcb == nil {
		return true
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(pcb.openedAt) < cb.cfg.halfOpenTimeout() {
			return false
		}
		pcb.state = cbHalfOpen
		pcb.probeInflight = true
		return true

	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess closes the breaker for provider and clears its failure
// tally. A single successful call is taken as full recovery.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.breakerFor(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
}

// RecordFailure adds one failure to provider's tally. A tally that was
// started longer than TimeWindow ago restarts from this failure. Reaching
// the threshold opens the breaker.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.breakerFor(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()

	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// State reports provider's current breaker position. Unknown upstreams
// read as closed.
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.breakerFor(provider)
	if pcb == nil {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel renders the breaker position for log fields and metrics
// labels: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) breakerFor(provider string) *providerCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[provider]
}
