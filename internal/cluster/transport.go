package cluster

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dc-tec/deploysync/internal/auth"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
)

const (
	defaultRateLimitQPS   = 5.0
	defaultRateLimitBurst = 10

	// defaultCircuitBreakerFailureThreshold is sized against the 5rps rate
	// limit: 25 consecutive failures is roughly five seconds of a fully
	// unreachable apiserver, enough to stop hammering quickly while a single
	// dropped connection heals without tripping.
	defaultCircuitBreakerFailureThreshold = 25
	defaultCircuitBreakerOpenDuration     = 30 * time.Second
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

type circuitBreaker struct {
	failures         int
	state            circuitState
	openUntil        time.Time
	halfOpenInFlight bool
}

// TransportOptions tunes the per-environment request guard. Zero values fall
// back to the package defaults.
type TransportOptions struct {
	RateLimitQPS     float64
	RateLimitBurst   int
	FailureThreshold int
	OpenDuration     time.Duration
}

// Transport wraps a cluster client's http.RoundTripper with rate limiting, a
// circuit breaker, and bearer injection of short-lived credentials. When the
// apiserver answers 401 the cached credential is invalidated and the request
// is replayed once with a fresh token, so expiry mid-reconcile surfaces as a
// refresh rather than a failure.
type Transport struct {
	environment string
	base        http.RoundTripper
	tokens      auth.TokenProvider
	metrics     *Metrics

	limiter *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*circuitBreaker

	failureThreshold int
	openDuration     time.Duration
}

// NewTransport creates a Transport for one environment. tokens may be nil, in
// which case whatever authentication the underlying rest.Config carries is
// left untouched.
func NewTransport(environment string, base http.RoundTripper, tokens auth.TokenProvider, opts TransportOptions) *Transport {
	qps := opts.RateLimitQPS
	if qps <= 0 {
		qps = defaultRateLimitQPS
	}
	burst := opts.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}

	failureThreshold := opts.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = defaultCircuitBreakerFailureThreshold
	}
	openDuration := opts.OpenDuration
	if openDuration <= 0 {
		openDuration = defaultCircuitBreakerOpenDuration
	}

	if base == nil {
		base = http.DefaultTransport
	}

	return &Transport{
		environment:      environment,
		base:             base,
		tokens:           tokens,
		metrics:          NewMetrics(environment),
		limiter:          rate.NewLimiter(rate.Limit(qps), burst),
		breakers:         make(map[string]*circuitBreaker),
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.allow(req.Context(), req); err != nil {
		t.metrics.RecordRequest(outcomeRejected)
		return nil, err
	}

	resp, err := t.send(req)
	if err != nil {
		t.after(req, false)
		t.metrics.RecordRequest(outcomeFailure)
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && t.tokens != nil && replayable(req) {
		drainAndClose(resp)
		t.tokens.Invalidate()
		t.metrics.RecordCredentialRefresh()

		retry, retryErr := cloneForRetry(req)
		if retryErr != nil {
			t.after(req, false)
			t.metrics.RecordRequest(outcomeFailure)
			return nil, retryErr
		}
		resp, err = t.send(retry)
		if err != nil {
			t.after(req, false)
			t.metrics.RecordRequest(outcomeFailure)
			return nil, err
		}
	}

	// 429 and 5xx feed the breaker but pass through untouched; client-go and
	// the read/apply classifiers give them their meaning.
	success := resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500
	t.after(req, success)
	if success {
		t.metrics.RecordRequest(outcomeSuccess)
	} else {
		t.metrics.RecordRequest(outcomeFailure)
	}
	return resp, nil
}

// send injects the current bearer token and forwards the request.
func (t *Transport) send(req *http.Request) (*http.Response, error) {
	out := req
	if t.tokens != nil {
		token, err := t.tokens.Token(req.Context())
		if err != nil {
			return nil, syncerrors.WrapClusterUnreachable(fmt.Errorf("acquiring cluster credential: %w", err))
		}
		out = req.Clone(req.Context())
		out.Header.Set("Authorization", "Bearer "+token.Value)
	}
	return t.base.RoundTrip(out)
}

// replayable reports whether the request body can be reproduced for a retry.
func replayable(req *http.Request) bool {
	return req.Body == nil || req.GetBody != nil
}

func cloneForRetry(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replaying request body after credential refresh: %w", err)
		}
		retry.Body = body
	}
	return retry, nil
}

// hostKey keys breakers by host rather than by path. When an apiserver goes
// away every path fails together, and a per-path breaker would dilute the
// failure signal across resource types.
func (t *Transport) hostKey(req *http.Request) string {
	if req == nil || req.URL == nil || req.URL.Host == "" {
		return "unknown-host"
	}
	return req.URL.Host
}

func (t *Transport) allow(ctx context.Context, req *http.Request) error {
	if t == nil {
		return nil
	}

	key := t.hostKey(req)

	now := time.Now()
	t.mu.Lock()
	br := t.breakers[key]
	if br == nil {
		br = &circuitBreaker{state: circuitClosed}
		t.breakers[key] = br
	}

	switch br.state {
	case circuitOpen:
		if now.Before(br.openUntil) {
			until := br.openUntil
			t.mu.Unlock()
			return syncerrors.WrapClusterUnreachable(
				fmt.Errorf("cluster circuit breaker open for %s (retry after %s)", key, time.Until(until).Truncate(time.Second)),
			)
		}
		br.state = circuitHalfOpen
		br.halfOpenInFlight = false
	case circuitHalfOpen:
		if br.halfOpenInFlight {
			t.mu.Unlock()
			return syncerrors.WrapClusterUnreachable(
				fmt.Errorf("cluster circuit breaker half-open (probe in-flight) for %s", key),
			)
		}
	case circuitClosed:
	}

	wasHalfOpenProbe := false
	if br.state == circuitHalfOpen {
		br.halfOpenInFlight = true
		wasHalfOpenProbe = true
	}
	t.mu.Unlock()

	if err := t.limiter.Wait(ctx); err != nil {
		if wasHalfOpenProbe {
			t.mu.Lock()
			br.halfOpenInFlight = false
			t.mu.Unlock()
		}
		return err
	}

	return nil
}

func (t *Transport) after(req *http.Request, success bool) {
	if t == nil {
		return
	}

	key := t.hostKey(req)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	br := t.breakers[key]
	if br == nil {
		br = &circuitBreaker{state: circuitClosed}
		t.breakers[key] = br
	}

	switch br.state {
	case circuitHalfOpen:
		br.halfOpenInFlight = false
		if success {
			br.state = circuitClosed
			br.failures = 0
			br.openUntil = time.Time{}
			return
		}
		br.state = circuitOpen
		br.failures = t.failureThreshold
		br.openUntil = now.Add(t.openDuration)
		t.metrics.RecordCircuitOpen()
		return
	case circuitOpen:
		// Keep open; allow() handles transition to half-open when openUntil expires.
		if success {
			// A success while open is unexpected because allow() blocks, but
			// close the circuit rather than risk stuck-open behavior.
			br.state = circuitClosed
			br.failures = 0
			br.openUntil = time.Time{}
		}
		return
	case circuitClosed:
		if success {
			br.failures = 0
			return
		}
		br.failures++
		if br.failures >= t.failureThreshold {
			br.state = circuitOpen
			br.openUntil = now.Add(t.openDuration)
			t.metrics.RecordCircuitOpen()
		}
		return
	default:
	}
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
