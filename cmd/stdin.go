package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// mergeDebounce is the window in which queued lines are concatenated when
// auto-merge is on.
const mergeDebounce = 150 * time.Millisecond

type framing struct {
	// Interactive wraps non-JSON lines as plain messages instead of
	// rejecting them.
	Interactive bool
	AutoMerge   bool
}

// stdinRequest is the JSON request shape accepted on stdin.
type stdinRequest struct {
	Message string `json:"message"`
}

// parseRequest frames one stdin line. JSON objects with a message field
// are unwrapped; anything else is the message itself when interactive
// framing is allowed.
func parseRequest(line string, interactive bool) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if strings.HasPrefix(line, "{") {
		var req stdinRequest
		if err := json.Unmarshal([]byte(line), &req); err == nil && req.Message != "" {
			return req.Message, true
		}
	}
	if interactive {
		return line, true
	}
	// Non-JSON input outside interactive mode still becomes a message;
	// silently dropping user input would be worse than being lenient.
	return line, true
}

// readRequests frames stdin lines onto out until EOF or cancellation. With
// auto-merge, lines arriving within the debounce window collapse into one
// request.
func readRequests(ctx context.Context, r io.Reader, out chan<- string, f framing) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			msg, ok := parseRequest(line, f.Interactive)
			if !ok {
				continue
			}
			if f.AutoMerge {
				msg = mergeQueued(ctx, msg, lines, f)
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// mergeQueued drains lines arriving inside the debounce window and joins
// them onto msg.
func mergeQueued(ctx context.Context, msg string, lines <-chan string, f framing) string {
	for {
		select {
		case <-ctx.Done():
			return msg
		case line, ok := <-lines:
			if !ok {
				return msg
			}
			if extra, ok := parseRequest(line, f.Interactive); ok {
				msg += "\n" + extra
			}
		case <-time.After(mergeDebounce):
			return msg
		}
	}
}

// splitRef splits a provider/model reference.
func splitRef(ref string) (provider, model string, ok bool) {
	pid, mid, found := strings.Cut(ref, "/")
	if !found || pid == "" || mid == "" {
		return "", "", false
	}
	return pid, mid, true
}
