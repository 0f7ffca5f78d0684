package transport

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/link-assistant/agent/internal/bus"
)

// traceBodyLimit caps how much of a request or response body a trace
// carries.
const traceBodyLimit = 4 << 10

// sanitizedHeaders are replaced with a marker before a trace is published.
var sanitizedHeaders = []string{"Authorization", "X-Api-Key", "X-Goog-Api-Key", "Cookie"}

// trace publishes an http.trace event for one exchange when verbose mode
// is on. The response body is captured as the consumer reads it, so the
// trace for a streaming response lands when the stream is drained.
func (t *Retry) trace(req *http.Request, reqBody []byte, resp *http.Response, err error, dur time.Duration) {
	if t.Bus == nil || t.Verbose == nil || !t.Verbose() {
		return
	}
	tr := &bus.HTTPTrace{
		Method:     req.Method,
		URL:        req.URL.String(),
		DurationMs: dur.Milliseconds(),
		ReqHeaders: sanitize(req.Header),
		Body:       clip(string(reqBody)),
	}
	if err != nil {
		tr.Error = err.Error()
		t.publishTrace(tr)
		return
	}
	tr.Status = resp.StatusCode
	resp.Body = &capturedBody{
		rc: resp.Body,
		done: func(captured string) {
			tr.Body = clip(tr.Body + "\n" + captured)
			t.publishTrace(tr)
		},
	}
}

func (t *Retry) publishTrace(tr *bus.HTTPTrace) {
	t.Bus.Publish(bus.Event{
		Kind:      bus.KindHTTPTrace,
		SessionID: t.SessionID,
		Trace:     tr,
	})
}

func sanitize(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	for _, k := range sanitizedHeaders {
		if _, ok := out[http.CanonicalHeaderKey(k)]; ok {
			out[http.CanonicalHeaderKey(k)] = []string{"[redacted]"}
		}
	}
	return out
}

func clip(s string) string {
	if len(s) <= traceBodyLimit {
		return s
	}
	return s[:traceBodyLimit] + "...[truncated]"
}

// capturedBody tees up to traceBodyLimit bytes of a response body and
// invokes done exactly once when the body reaches EOF or is closed.
type capturedBody struct {
	rc   io.ReadCloser
	buf  strings.Builder
	once sync.Once
	done func(captured string)
}

func (c *capturedBody) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 && c.buf.Len() < traceBodyLimit {
		c.buf.Write(p[:n])
	}
	if err == io.EOF {
		c.finish()
	}
	return n, err
}

func (c *capturedBody) Close() error {
	err := c.rc.Close()
	c.finish()
	return err
}

func (c *capturedBody) finish() {
	c.once.Do(func() { c.done(c.buf.String()) })
}
