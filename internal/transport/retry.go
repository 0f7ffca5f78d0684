// Package transport wraps http.RoundTripper with retry, backoff, and
// verbose request tracing for all provider traffic.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/link-assistant/agent/internal/agenterr"
	"github.com/link-assistant/agent/internal/bus"
	"github.com/link-assistant/agent/internal/config"
)

// maxTimeoutAttempts bounds consecutive timeout-class failures; other
// retryable classes run until the budget expires.
const maxTimeoutAttempts = 3

// Options tune the retry loop.
type Options struct {
	// InitialDelay seeds the exponential backoff.
	InitialDelay time.Duration
	// Factor multiplies the delay each attempt.
	Factor float64
	// Jitter is the symmetric fraction applied to each computed delay.
	Jitter float64
	// MaxDelay caps any single wait, including server Retry-After hints.
	MaxDelay time.Duration
	// MinInterval floors the wait between consecutive attempts.
	MinInterval time.Duration
	// Budget bounds total elapsed time from the first attempt.
	Budget time.Duration
}

// DefaultOptions returns the stock retry policy, adjusted by the
// RETRY_TIMEOUT, MAX_RETRY_DELAY, and MIN_RETRY_INTERVAL environment
// variables when set.
func DefaultOptions() Options {
	o := Options{
		InitialDelay: 2 * time.Second,
		Factor:       2,
		Jitter:       0.10,
		MaxDelay:     20 * time.Minute,
		MinInterval:  30 * time.Second,
		Budget:       7 * 24 * time.Hour,
	}
	if d, ok := config.EnvDuration("RETRY_TIMEOUT"); ok {
		o.Budget = d
	}
	if d, ok := config.EnvDuration("MAX_RETRY_DELAY"); ok {
		o.MaxDelay = d
	}
	if d, ok := config.EnvDuration("MIN_RETRY_INTERVAL"); ok {
		o.MinInterval = d
	}
	return o
}

// Retry is an http.RoundTripper that retries rate-limited, server, and
// network failures with jittered exponential backoff. Failed attempts are
// reported on the bus; verbose mode additionally traces every exchange.
type Retry struct {
	Base http.RoundTripper
	Opts Options

	// Root cuts backoff waits short. Per-attempt deadlines on the request
	// context apply only to the attempt itself, never to the waits between
	// attempts. Nil means waits watch the request context instead.
	Root context.Context

	Bus       *bus.Bus
	SessionID string
	// Verbose is checked per call so tracing can be toggled at runtime.
	Verbose func() bool

	randFloat func() float64
	now       func() time.Time
}

// New wraps base with the default retry policy.
func New(base http.RoundTripper) *Retry {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Retry{
		Base:      base,
		Opts:      DefaultOptions(),
		randFloat: rand.Float64,
		now:       time.Now,
	}
}

func (t *Retry) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	first := t.clock()()
	var lastResp *http.Response
	var lastErr error
	timeouts := 0

	for attempt := 1; ; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		start := t.clock()()
		resp, err := t.Base.RoundTrip(req)
		t.trace(req, body, resp, err, t.clock()().Sub(start))

		class := classify(resp, err)
		if !class.Retryable() {
			return resp, err
		}
		// Timeouts get a short attempt cap instead of the full budget: a
		// deadline that already expired three times will not start passing.
		if class == ClassTimeout {
			timeouts++
			if timeouts >= maxTimeoutAttempts {
				return nil, agenterr.Wrap(agenterr.KindTimeout, err,
					"request to %s timed out on %d consecutive attempts", req.URL.Host, timeouts)
			}
		} else {
			timeouts = 0
		}
		lastResp, lastErr = resp, err

		delay := t.delay(attempt, resp)
		if t.clock()().Sub(first)+delay > t.opts().Budget {
			break
		}
		if resp != nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
		}

		t.publishRetry(attempt, delay, class)
		if err := t.wait(req, delay); err != nil {
			return nil, err
		}
	}

	if lastErr != nil {
		return nil, agenterr.Wrap(agenterr.KindNetworkError, lastErr,
			"request to %s failed; retry budget of %s exhausted", req.URL.Host, t.opts().Budget)
	}
	return lastResp, nil
}

// delay computes the wait before the next attempt. A server Retry-After
// hint replaces the exponential schedule; both are floored by MinInterval
// and capped at MaxDelay.
func (t *Retry) delay(attempt int, resp *http.Response) time.Duration {
	o := t.opts()
	d := retryAfter(resp)
	if d == 0 {
		base := float64(o.InitialDelay)
		for n := 1; n < attempt; n++ {
			base *= o.Factor
		}
		jitter := 1 + o.Jitter*(2*t.rand()()-1)
		d = time.Duration(base * jitter)
	}
	if d < o.MinInterval {
		d = o.MinInterval
	}
	if d > o.MaxDelay {
		d = o.MaxDelay
	}
	return d
}

func (t *Retry) wait(req *http.Request, d time.Duration) error {
	root := t.Root
	if root == nil {
		root = req.Context()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-root.Done():
		return agenterr.Wrap(agenterr.KindCancelled, root.Err(), "retry wait aborted")
	}
}

func (t *Retry) publishRetry(attempt int, d time.Duration, class Class) {
	if t.Bus == nil {
		return
	}
	t.Bus.Publish(bus.Event{
		Kind:         bus.KindRetry,
		SessionID:    t.SessionID,
		Status:       class.String(),
		RetryAttempt: attempt,
		RetryWaitSec: d.Seconds(),
	})
}

func (t *Retry) opts() Options {
	if t.Opts == (Options{}) {
		return DefaultOptions()
	}
	return t.Opts
}

func (t *Retry) rand() func() float64 {
	if t.randFloat != nil {
		return t.randFloat
	}
	return rand.Float64
}

func (t *Retry) clock() func() time.Time {
	if t.now != nil {
		return t.now
	}
	return time.Now
}

// bufferBody drains the request body into memory so attempts can replay
// it. Returns nil for bodyless requests and for bodies that advertise no
// replay support and fail to read.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return data, nil
}
