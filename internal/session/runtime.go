package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/link-assistant/agent/internal/agenterr"
	"github.com/link-assistant/agent/internal/bus"
	"github.com/link-assistant/agent/internal/catalog"
	"github.com/link-assistant/agent/internal/llm"
	"github.com/link-assistant/agent/internal/prompt"
	"github.com/link-assistant/agent/internal/stream"
	"github.com/link-assistant/agent/internal/tools"
)

const (
	// defaultMaxSteps caps the agentic loop so a confused model cannot
	// spin forever.
	defaultMaxSteps = 100
	// defaultRetryBudget is the number of times one step may be retried
	// on a transient provider failure before the session errors out.
	defaultRetryBudget = 2

	titleMaxLen = 80
)

// ModelSource resolves model references to live handles. Satisfied by
// provider.Resolver.
type ModelSource interface {
	GetModel(ctx context.Context, providerID, modelID string) (llm.LanguageModel, catalog.Model, error)
	DefaultModel() (providerID, modelID string, ok bool)
	OAuth(providerID string) bool
}

// Runtime drives a session: it resolves the model once, replays history,
// and loops model step / tool execution until the model stops asking for
// tools or something terminal happens.
type Runtime struct {
	Store      *Store
	Bus        *bus.Bus
	Resolver   ModelSource
	Registry   *tools.Registry
	Dispatcher *tools.Dispatcher
	Workspace  string

	// MaxSteps and RetryBudget override the defaults when positive.
	MaxSteps    int
	RetryBudget int
	// RetryBaseDelay scales the linear backoff between step retries.
	RetryBaseDelay time.Duration
}

// RunOptions selects the session and model for one run.
type RunOptions struct {
	// SessionID resumes an existing session. Continue resumes the most
	// recent one instead. Both default to forking the resumed session;
	// NoFork appends to it in place.
	SessionID string
	Continue  bool
	NoFork    bool

	// Provider and Model pin the model. When empty the stored session
	// identity or the resolver default applies.
	Provider string
	Model    string

	// HasSystemOverride distinguishes an explicit empty system message
	// from no override.
	HasSystemOverride  bool
	SystemOverride     string
	AppendSystem       []string
	CustomInstructions string

	// GenerateTitle derives a session title from the first user message.
	GenerateTitle bool
}

// Run processes one user message through the agentic loop and returns when
// the session is idle. A returned error has already been published on the
// bus.
func (r *Runtime) Run(ctx context.Context, opts RunOptions, userText string) error {
	sess, err := r.prepare(ctx, opts)
	if err != nil {
		return r.fail(ctx, "", err)
	}

	handle, model, err := r.Resolver.GetModel(ctx, sess.Provider, sess.Model)
	if err != nil {
		return r.fail(ctx, sess.ID, err)
	}

	r.publish(bus.Event{
		Kind:      bus.KindSessionCreated,
		SessionID: sess.ID,
		ModelID:   sess.Provider + "/" + sess.Model,
	})

	user := llm.UserText(userText)
	if err := r.Store.AddMessage(ctx, sess.ID, user); err != nil {
		return r.fail(ctx, sess.ID, err)
	}
	if err := r.Store.IncrementUserTurns(ctx, sess.ID); err != nil {
		return r.fail(ctx, sess.ID, err)
	}
	if opts.GenerateTitle && sess.Title == "" {
		if err := r.Store.SetTitle(ctx, sess.ID, titleFrom(userText)); err != nil {
			return r.fail(ctx, sess.ID, err)
		}
	}

	system := prompt.Compose(prompt.Options{
		ProviderID:         sess.Provider,
		ModelID:            sess.Model,
		OAuth:              r.Resolver.OAuth(sess.Provider),
		HasOverride:        opts.HasSystemOverride,
		Override:           opts.SystemOverride,
		Append:             opts.AppendSystem,
		CustomInstructions: opts.CustomInstructions,
		Workspace:          r.Workspace,
	})

	if err := r.loop(ctx, sess, handle, model, system); err != nil {
		return r.fail(ctx, sess.ID, err)
	}

	r.publish(bus.Event{Kind: bus.KindSessionIdle, SessionID: sess.ID})
	return nil
}

// prepare creates or resumes the session and freezes its model identity.
func (r *Runtime) prepare(ctx context.Context, opts RunOptions) (*Session, error) {
	var base *Session
	var err error
	switch {
	case opts.SessionID != "":
		base, err = r.Store.Get(ctx, opts.SessionID)
		if err != nil {
			return nil, err
		}
		if base == nil {
			return nil, agenterr.New(agenterr.KindConfigInvalid,
				"session %q not found", opts.SessionID)
		}
	case opts.Continue:
		base, err = r.Store.MostRecent(ctx)
		if err != nil {
			return nil, err
		}
		// No history yet: fall through to a fresh session.
	}

	if base != nil {
		if !opts.NoFork {
			return r.Store.Fork(ctx, base.ID)
		}
		return base, nil
	}

	pid, mid := opts.Provider, opts.Model
	if pid == "" || mid == "" {
		dp, dm, ok := r.Resolver.DefaultModel()
		if !ok {
			return nil, agenterr.New(agenterr.KindProviderNotFound,
				"no provider is configured; run `link-agent auth login` or set an API key")
		}
		if pid == "" {
			pid = dp
		}
		if mid == "" {
			mid = dm
		}
	}

	sess := &Session{Provider: pid, Model: mid, CWD: r.Workspace}
	if err := r.Store.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// loop is the model step / tool execution cycle. It returns nil once the
// model finishes without requesting tools.
func (r *Runtime) loop(ctx context.Context, sess *Session, handle llm.LanguageModel, model catalog.Model, system []string) error {
	maxSteps := r.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	budget := r.RetryBudget
	if budget <= 0 {
		budget = defaultRetryBudget
	}

	var specs []llm.ToolSpec
	if r.Registry != nil && model.ToolCall {
		specs = r.Registry.Specs()
	}

	retries := 0
	for step := 1; step <= maxSteps; step++ {
		history, err := r.Store.Messages(ctx, sess.ID)
		if err != nil {
			return err
		}

		res, err := r.step(ctx, sess, handle, model, system, history, specs, step)
		if err != nil {
			if agenterr.KindOf(err).Retryable() || agenterr.KindOf(err) == agenterr.KindProviderZeroTokens {
				if retries < budget {
					retries++
					base := r.RetryBaseDelay
					if base <= 0 {
						base = time.Second
					}
					wait := time.Duration(retries) * base
					r.publish(bus.Event{
						Kind:         bus.KindRetry,
						SessionID:    sess.ID,
						RetryAttempt: retries,
						RetryWaitSec: wait.Seconds(),
						Message:      err.Error(),
					})
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return agenterr.Wrap(agenterr.KindCancelled, ctx.Err(), "session interrupted")
					}
					step--
					continue
				}
			}
			return err
		}
		retries = 0

		if err := r.persistStep(ctx, sess, res); err != nil {
			return err
		}

		if res.FinishReason == llm.FinishToolCalls {
			continue
		}
		return nil
	}
	return agenterr.New(agenterr.KindUnknown,
		"session exceeded %d steps without finishing", maxSteps)
}

// step streams one model turn through the processor.
func (r *Runtime) step(ctx context.Context, sess *Session, handle llm.LanguageModel, model catalog.Model, system []string, history []llm.Message, specs []llm.ToolSpec, step int) (stream.StepResult, error) {
	req := llm.Request{
		Model:     handle.ModelID(),
		System:    system,
		Messages:  history,
		Tools:     specs,
		SessionID: sess.ID,
	}
	if model.Limit.Output > 0 {
		req.MaxOutputTokens = int(model.Limit.Output)
	}

	s, err := handle.Stream(ctx, req)
	if err != nil {
		return stream.StepResult{}, err
	}
	proc := &stream.Processor{
		Bus:        r.Bus,
		Dispatcher: r.Dispatcher,
		Model:      model,
		ModelID:    sess.Provider + "/" + sess.Model,
		SessionID:  sess.ID,
		Step:       step,
	}
	return proc.Run(ctx, s)
}

// persistStep stores the assistant turn, its tool results, and the step
// metrics.
func (r *Runtime) persistStep(ctx context.Context, sess *Session, res stream.StepResult) error {
	if err := r.Store.AddMessage(ctx, sess.ID, res.Message); err != nil {
		return err
	}
	for _, tr := range res.ToolResults {
		msg := llm.ToolResultMessage(tr.ID, tr.Name, tr.Content, tr.IsError)
		if err := r.Store.AddMessage(ctx, sess.ID, msg); err != nil {
			return err
		}
	}
	return r.Store.AddMetrics(ctx, sess.ID, 1, len(res.ToolResults),
		res.Usage.InputTokens, res.Usage.OutputTokens)
}

// fail publishes a terminal error event and returns the error.
func (r *Runtime) fail(ctx context.Context, sessionID string, err error) error {
	ev := bus.Event{
		Kind:      bus.KindError,
		SessionID: sessionID,
		ErrorType: string(agenterr.KindOf(err)),
		Message:   err.Error(),
	}
	var ae *agenterr.Error
	if errors.As(err, &ae) {
		ev.Hint = ae.Hint
	}
	r.publish(ev)
	return err
}

func (r *Runtime) publish(e bus.Event) {
	if r.Bus != nil {
		r.Bus.Publish(e)
	}
}

// titleFrom truncates the first user message at a word boundary.
func titleFrom(text string) string {
	title := strings.TrimSpace(text)
	if nl := strings.IndexByte(title, '\n'); nl >= 0 {
		title = title[:nl]
	}
	if len(title) <= titleMaxLen {
		return title
	}
	cut := title[:titleMaxLen]
	if sp := strings.LastIndexByte(cut, ' '); sp > titleMaxLen/2 {
		cut = cut[:sp]
	}
	return cut + "…"
}
