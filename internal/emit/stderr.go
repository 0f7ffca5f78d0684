package emit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
)

// RuntimeErrorWriter wraps non-JSON lines written to it as RuntimeError
// envelopes before passing them on. JSON lines pass through untouched, so
// the emitter's own error envelopes survive interception.
type RuntimeErrorWriter struct {
	Emitter *Emitter
	Dst     io.Writer

	buf bytes.Buffer
}

func (w *RuntimeErrorWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it buffered until the newline arrives.
			w.buf.WriteString(line)
			break
		}
		w.emitLine(line[:len(line)-1])
	}
	return len(p), nil
}

// Flush drains any trailing partial line.
func (w *RuntimeErrorWriter) Flush() {
	if w.buf.Len() > 0 {
		w.emitLine(w.buf.String())
		w.buf.Reset()
	}
}

func (w *RuntimeErrorWriter) emitLine(line string) {
	if line == "" {
		return
	}
	if json.Valid([]byte(line)) {
		w.Dst.Write([]byte(line))
		w.Dst.Write([]byte{'\n'})
		return
	}
	w.Emitter.EmitRaw(w.Dst, map[string]any{
		"type":      "error",
		"errorType": "RuntimeError",
		"message":   line,
	})
}

// CaptureRuntimeStderr replaces the process stderr with a pipe whose reader
// re-wraps non-JSON lines (runtime panics, stray library prints) as JSON
// envelopes on the original stderr. The returned restore function flushes
// and puts the original fd back.
func CaptureRuntimeStderr(e *Emitter) (restore func(), err error) {
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	os.Stderr = w

	rw := &RuntimeErrorWriter{Emitter: e, Dst: orig}
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			rw.emitLine(sc.Text())
		}
	}()

	return func() {
		w.Close()
		<-done
		r.Close()
		os.Stderr = orig
	}, nil
}
