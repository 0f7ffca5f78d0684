package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/link-assistant/agent/internal/agenterr"
	"github.com/link-assistant/agent/internal/bus"
	"github.com/link-assistant/agent/internal/emit"
	"github.com/link-assistant/agent/internal/session"
)

var (
	flagModel            string
	flagPrompt           string
	flagSystemMessage    string
	flagSystemFile       string
	flagAppendSystem     []string
	flagAppendSystemFile []string
	flagResume           string
	flagContinue         bool
	flagNoFork           bool
	flagServer           bool
	flagAlwaysAccept     bool
	flagAutoMerge        bool
	flagInteractive      bool
	flagGenerateTitle    bool
	flagSummarize        bool
	flagOutputModel      bool
	flagRetryTimeout     int
)

// stdout and stderr are swapped by tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
	stdin  io.Reader = os.Stdin
)

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagModel, "model", "", "Model reference, provider/model or a short name")
	f.StringVarP(&flagPrompt, "prompt", "p", "", "Run a single request instead of reading stdin")
	f.StringVar(&flagSystemMessage, "system-message", "", "Replace the system prompt verbatim")
	f.StringVar(&flagSystemFile, "system-message-file", "", "Replace the system prompt with a file's contents")
	f.StringArrayVar(&flagAppendSystem, "append-system-message", nil, "Append an entry to the system prompt (repeatable)")
	f.StringArrayVar(&flagAppendSystemFile, "append-system-message-file", nil, "Append a file's contents to the system prompt (repeatable)")
	f.StringVarP(&flagResume, "resume", "r", "", "Resume a session by id")
	f.BoolVarP(&flagContinue, "continue", "c", false, "Resume the most recent session")
	f.BoolVar(&flagNoFork, "no-fork", false, "Append to the resumed session instead of forking it")
	f.BoolVar(&flagServer, "server", false, "Run as a server (unsupported)")
	f.BoolVar(&flagAlwaysAccept, "always-accept-stdin", false, "Keep accepting stdin requests after each turn")
	f.BoolVar(&flagAutoMerge, "auto-merge-queued-messages", false, "Merge lines arriving within the debounce window into one request")
	f.BoolVar(&flagInteractive, "interactive", false, "Wrap non-JSON stdin lines as messages")
	f.BoolVar(&flagGenerateTitle, "generate-title", false, "Derive a session title from the first user message")
	f.BoolVar(&flagSummarize, "summarize-session", false, "Emit a session summary status event after each turn")
	f.BoolVar(&flagOutputModel, "output-response-model", false, "Emit the responding model id as a status event")
	f.IntVar(&flagRetryTimeout, "retry-timeout", 0, "Override the HTTP retry budget, in seconds")
}

func runAgent(cmd *cobra.Command, args []string) error {
	if flagServer {
		return errors.New("server mode is not supported")
	}

	workdir, err := os.Getwd()
	if err != nil {
		return err
	}
	a, err := newApp(workdir)
	if err != nil {
		fmt.Fprintf(stderr, `{"type":"error","errorType":"ConfigInvalid","message":%q}`+"\n", err.Error())
		return err
	}
	defer a.close()

	restore, err := emit.CaptureRuntimeStderr(a.emitter)
	if err == nil {
		defer restore()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Backoff waits between retry attempts watch the signal context, not
	// any per-attempt deadline an SDK puts on the request.
	a.rt.Root = ctx

	if err := a.resolver.Build(ctx); err != nil {
		a.publishError(err)
		return err
	}
	a.startMCP(ctx)

	opts, err := a.runOptions(args)
	if err != nil {
		a.publishError(err)
		return err
	}

	runtime := &session.Runtime{
		Store:      a.store,
		Bus:        a.bus,
		Resolver:   a.resolver,
		Registry:   a.registry,
		Dispatcher: a.disp,
		Workspace:  a.workdir,
	}

	requests, err := a.requestSource(ctx)
	if err != nil {
		a.publishError(err)
		return err
	}

	alwaysAccept := flagAlwaysAccept || a.cfg.Stdin.AlwaysAccept

	var runErr error
	first := true
	for req := range requests {
		ro := opts
		if !first {
			// Later turns continue the session the first turn created or
			// resumed.
			ro.SessionID, ro.Continue, ro.NoFork = "", true, true
		}
		first = false

		if err := runtime.Run(ctx, ro, req); err != nil {
			runErr = err
			break
		}
		a.afterTurn(ctx)
		if !alwaysAccept && flagPrompt == "" {
			break
		}
	}
	if first {
		a.bus.Publish(bus.Event{Kind: bus.KindStatus, Status: "no-input", Message: "No input"})
	}
	return runErr
}

// runOptions translates flags into session run options.
func (a *app) runOptions(args []string) (session.RunOptions, error) {
	opts := session.RunOptions{
		SessionID:     flagResume,
		Continue:      flagContinue,
		NoFork:        flagNoFork,
		GenerateTitle: flagGenerateTitle,
	}

	if flagModel != "" {
		pid, mid, err := a.splitModelRef(flagModel)
		if err != nil {
			return opts, err
		}
		opts.Provider, opts.Model = pid, mid
	}

	switch {
	case flagSystemFile != "":
		data, err := os.ReadFile(flagSystemFile)
		if err != nil {
			return opts, fmt.Errorf("read system message file: %w", err)
		}
		opts.HasSystemOverride, opts.SystemOverride = true, string(data)
	case flagSystemMessage != "" || flagChanged("system-message"):
		opts.HasSystemOverride, opts.SystemOverride = true, flagSystemMessage
	}

	opts.AppendSystem = append([]string{}, flagAppendSystem...)
	for _, path := range flagAppendSystemFile {
		data, err := os.ReadFile(path)
		if err != nil {
			return opts, fmt.Errorf("read append system message file: %w", err)
		}
		opts.AppendSystem = append(opts.AppendSystem, string(data))
	}
	return opts, nil
}

func flagChanged(name string) bool {
	f := rootCmd.Flags().Lookup(name)
	return f != nil && f.Changed
}

// requestSource yields one request per turn: the --prompt flag, or framed
// stdin lines.
func (a *app) requestSource(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 1)
	if flagPrompt != "" {
		out <- flagPrompt
		close(out)
		return out, nil
	}

	mode := "stdin-stream"
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		mode = "interactive"
	}
	a.bus.Publish(bus.Event{Kind: bus.KindStatus, Status: "listening", Message: "mode=" + mode})

	interactive := flagInteractive || mode == "interactive"
	go func() {
		defer close(out)
		readRequests(ctx, stdin, out, framing{
			Interactive: interactive || a.cfg.Stdin.Interactive,
			AutoMerge:   flagAutoMerge || a.cfg.Stdin.AutoMerge,
		})
	}()
	return out, nil
}

// afterTurn emits the optional post-turn status events.
func (a *app) afterTurn(ctx context.Context) {
	if !flagSummarize && !flagOutputModel {
		return
	}
	sess, err := a.store.MostRecent(ctx)
	if err != nil || sess == nil {
		return
	}
	if flagOutputModel {
		a.bus.Publish(bus.Event{
			Kind:      bus.KindStatus,
			SessionID: sess.ID,
			Status:    "response-model",
			Message:   sess.Provider + "/" + sess.Model,
		})
	}
	if flagSummarize {
		a.bus.Publish(bus.Event{
			Kind:      bus.KindStatus,
			SessionID: sess.ID,
			Status:    "session-summary",
			Message: fmt.Sprintf("turns=%d tools=%d tokens=%d/%d",
				sess.LLMTurns, sess.ToolCalls, sess.InputTokens, sess.OutputTokens),
		})
	}
}

func (a *app) publishError(err error) {
	a.bus.Publish(bus.Event{
		Kind:      bus.KindError,
		ErrorType: string(agenterr.KindOf(err)),
		Message:   err.Error(),
	})
}

// splitModelRef parses provider/model, resolving bare short names through
// the catalog.
func (a *app) splitModelRef(ref string) (string, string, error) {
	if pid, mid, ok := splitRef(ref); ok {
		return pid, mid, nil
	}
	if pid, mid, ok := a.resolver.ResolveShortName(ref); ok {
		return pid, mid, nil
	}
	return "", "", fmt.Errorf("cannot resolve model reference %q; use provider/model", ref)
}
