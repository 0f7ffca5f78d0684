package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/link-assistant/agent/internal/bus"
)

func decodeAll(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(data))
	var out []map[string]any
	for dec.More() {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			t.Fatalf("decode: %v\n%s", err, data)
		}
		out = append(out, m)
	}
	return out
}

func TestEmitRoutesErrorsToStderr(t *testing.T) {
	var out, errOut bytes.Buffer
	e := &Emitter{Out: &out, Err: &errOut, Compact: true}

	e.Emit(bus.Event{Kind: bus.KindTextFinal, SessionID: "s1", Text: "hi", Time: time.Now()})
	e.Emit(bus.Event{Kind: bus.KindError, SessionID: "s1", ErrorType: "ModelNotFound",
		Message: "nope", Hint: []string{"gpt-5"}, Time: time.Now()})

	if got := decodeAll(t, out.Bytes()); len(got) != 1 || got[0]["type"] != "text.final" {
		t.Fatalf("stdout %v", got)
	}
	errs := decodeAll(t, errOut.Bytes())
	if len(errs) != 1 || errs[0]["errorType"] != "ModelNotFound" {
		t.Fatalf("stderr %v", errs)
	}
	hints, _ := errs[0]["hint"].([]any)
	if len(hints) != 1 || hints[0] != "gpt-5" {
		t.Fatalf("hint %v", errs[0]["hint"])
	}
}

func TestEmitCompactIsOneLine(t *testing.T) {
	var out bytes.Buffer
	e := &Emitter{Out: &out, Err: &out, Compact: true}
	e.Emit(bus.Event{Kind: bus.KindStatus, Status: "ready", Time: time.Now()})

	line := strings.TrimSuffix(out.String(), "\n")
	if strings.Contains(line, "\n") {
		t.Fatalf("compact output spans lines: %q", line)
	}
}

func TestEmitDefaultIsIndented(t *testing.T) {
	var out bytes.Buffer
	e := &Emitter{Out: &out, Err: &out}
	e.Emit(bus.Event{Kind: bus.KindStatus, Status: "ready", Time: time.Now()})
	if !strings.Contains(out.String(), "\n  ") {
		t.Fatalf("expected indentation: %q", out.String())
	}
}

func TestEmitOpencodeTimeIsUnixMillis(t *testing.T) {
	var out bytes.Buffer
	e := &Emitter{Out: &out, Err: &out, Compact: true}
	now := time.Now()
	e.Emit(bus.Event{Kind: bus.KindStatus, Status: "x", Time: now})

	got := decodeAll(t, out.Bytes())[0]
	millis, ok := got["time"].(float64)
	if !ok || int64(millis) != now.UnixMilli() {
		t.Fatalf("time %v", got["time"])
	}
}

func TestEmitClaudeStandard(t *testing.T) {
	var out bytes.Buffer
	e := &Emitter{Out: &out, Err: &out, Compact: true, Standard: StandardClaude}
	e.Emit(bus.Event{Kind: bus.KindTextFinal, SessionID: "s1", Text: "hi", Time: time.Now()})

	got := decodeAll(t, out.Bytes())[0]
	if _, ok := got["session_id"]; !ok {
		t.Fatalf("missing session_id: %v", got)
	}
	if _, ok := got["sessionID"]; ok {
		t.Fatalf("camelCase key survived: %v", got)
	}
	ts, _ := got["time"].(string)
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Fatalf("time %q not ISO-8601: %v", ts, err)
	}
}

func TestEmitClaudeStandardIsSingleLinePerEvent(t *testing.T) {
	var out bytes.Buffer
	e := &Emitter{Out: &out, Err: &out, Standard: StandardClaude}
	e.Emit(bus.Event{Kind: bus.KindTextFinal, SessionID: "s1", Text: "hi", Time: time.Now()})
	e.Emit(bus.Event{Kind: bus.KindStatus, Status: "ready", Time: time.Now()})

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d:\n%s", len(lines), out.String())
	}
	for _, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Fatalf("line is not standalone JSON: %q", line)
		}
	}
}

func TestEmitTruncatesLongStrings(t *testing.T) {
	var out bytes.Buffer
	e := &Emitter{Out: &out, Err: &out, Compact: true}
	e.Emit(bus.Event{Kind: bus.KindTextFinal, Text: strings.Repeat("x", 10_000), Time: time.Now()})

	got := decodeAll(t, out.Bytes())[0]
	text, _ := got["text"].(string)
	if len(text) > maxStringLen+32 || !strings.HasSuffix(text, "[truncated]") {
		t.Fatalf("text len %d suffix %q", len(text), text[len(text)-20:])
	}
}

func TestEmitSkipsTracesUnlessVerbose(t *testing.T) {
	var out bytes.Buffer
	e := &Emitter{Out: &out, Err: &out, Compact: true}
	e.Emit(bus.Event{Kind: bus.KindHTTPTrace, Trace: &bus.HTTPTrace{Method: "GET"}, Time: time.Now()})
	e.Emit(bus.Event{Kind: bus.KindLog, Level: "debug", Message: "noise", Time: time.Now()})
	if out.Len() != 0 {
		t.Fatalf("quiet mode leaked: %s", out.String())
	}

	e.Verbose = true
	e.Emit(bus.Event{Kind: bus.KindHTTPTrace, Trace: &bus.HTTPTrace{Method: "GET"}, Time: time.Now()})
	if len(decodeAll(t, out.Bytes())) != 1 {
		t.Fatal("verbose mode should emit traces")
	}
}

func TestToSnake(t *testing.T) {
	cases := map[string]string{
		"sessionID":        "session_id",
		"errorType":        "error_type",
		"finishReason":     "finish_reason",
		"type":             "type",
		"respondedModelID": "responded_model_id",
		"retryWaitSec":     "retry_wait_sec",
	}
	for in, want := range cases {
		if got := toSnake(in); got != want {
			t.Errorf("toSnake(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRuntimeErrorWriterWrapsNonJSON(t *testing.T) {
	var dst bytes.Buffer
	w := &RuntimeErrorWriter{Emitter: &Emitter{Compact: true}, Dst: &dst}

	w.Write([]byte("panic: runtime error: index out of range\n"))
	w.Write([]byte(`{"type":"error","message":"already json"}` + "\n"))
	w.Write([]byte("goroutine 1 [run"))
	w.Write([]byte("ning]:\n"))
	w.Flush()

	got := decodeAll(t, dst.Bytes())
	if len(got) != 3 {
		t.Fatalf("got %d envelopes: %s", len(got), dst.String())
	}
	if got[0]["errorType"] != "RuntimeError" || !strings.Contains(got[0]["message"].(string), "panic") {
		t.Fatalf("first envelope %v", got[0])
	}
	if got[1]["message"] != "already json" {
		t.Fatalf("json passthrough %v", got[1])
	}
	if got[2]["message"] != "goroutine 1 [running]:" {
		t.Fatalf("split line reassembly %v", got[2])
	}
}
