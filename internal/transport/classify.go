package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class buckets an HTTP outcome for the retry decision.
type Class int

const (
	ClassOK Class = iota
	ClassRateLimited
	ClassServerRetryable
	ClassNetworkRetryable
	ClassTimeout
	ClassClientFatal
)

func (c Class) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassServerRetryable, ClassNetworkRetryable, ClassTimeout:
		return true
	}
	return false
}

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassRateLimited:
		return "rate-limited"
	case ClassServerRetryable:
		return "server-retryable"
	case ClassNetworkRetryable:
		return "network-retryable"
	case ClassTimeout:
		return "timeout"
	default:
		return "client-fatal"
	}
}

// classify maps a response or transport error to a Class.
func classify(resp *http.Response, err error) Class {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ClassTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ClassTimeout
		}
		if errors.Is(err, context.Canceled) {
			return ClassClientFatal
		}
		// Socket resets, DNS failures, idle connection closes.
		return ClassNetworkRetryable
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ClassRateLimited
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode >= 500:
		return ClassServerRetryable
	case resp.StatusCode >= 400:
		return ClassClientFatal
	default:
		return ClassOK
	}
}

// retryAfter extracts a server wait hint from Retry-After (seconds or HTTP
// date) or retry-after-ms. Zero means no hint.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if ms := resp.Header.Get("retry-after-ms"); ms != "" {
		if n, err := strconv.ParseFloat(strings.TrimSpace(ms), 64); err == nil && n > 0 {
			return time.Duration(n * float64(time.Millisecond))
		}
	}
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(strings.TrimSpace(ra), 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(ra); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
