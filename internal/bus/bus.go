package bus

import (
	"sync"
	"time"

	"github.com/link-assistant/agent/internal/llm"
	"github.com/link-assistant/agent/internal/xsync"
)

// subscriberBuffer is the per-subscriber delivery buffer. A subscriber that
// falls this far behind starts losing events rather than blocking publishers.
const subscriberBuffer = 256

// Filter selects which events a subscriber receives. Zero values match
// everything.
type Filter struct {
	SessionID string
	Kinds     []Kind
}

func (f Filter) matches(e Event) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if e.Kind == k {
			return true
		}
	}
	return false
}

type subscriber struct {
	filter Filter
	ch     chan Event
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// sessionState backs the derived idle predicate. Idle is recomputed on every
// relevant event, never retained.
type sessionState struct {
	assistantFinished bool
	pending           map[string]bool
	terminalError     bool
	waiters           []chan struct{}
}

func (st *sessionState) idle() bool {
	if st.terminalError {
		return true
	}
	return st.assistantFinished && len(st.pending) == 0
}

// Bus fans events out to subscribers. Publish never blocks: a full
// subscriber buffer drops the event for that subscriber only.
type Bus struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	seqs     map[string]*xsync.Seq
	sessions map[string]*sessionState
	dropped  int64

	// OnDrop, if set, is invoked outside the lock with the number of events
	// dropped so far. Used to surface a warning on the log stream.
	OnDrop func(total int64)
}

func New() *Bus {
	return &Bus{
		subs:     make(map[*subscriber]struct{}),
		seqs:     make(map[string]*xsync.Seq),
		sessions: make(map[string]*sessionState),
	}
}

// Publish stamps the event with time and per-session sequence, updates the
// idle state, and delivers to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.SessionID != "" {
		seq := b.seqs[e.SessionID]
		if seq == nil {
			seq = &xsync.Seq{}
			b.seqs[e.SessionID] = seq
		}
		e.Seq = seq.Next()
		b.updateIdleLocked(e)
	}

	var dropped int64
	var toNotify []chan struct{}
	for sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped++
			dropped = b.dropped
		}
	}
	if e.SessionID != "" {
		if st := b.sessions[e.SessionID]; st != nil && st.idle() {
			toNotify = st.waiters
			st.waiters = nil
		}
	}
	onDrop := b.OnDrop
	b.mu.Unlock()

	for _, w := range toNotify {
		close(w)
	}
	if dropped > 0 && onDrop != nil {
		onDrop(dropped)
	}
	return e
}

func (b *Bus) updateIdleLocked(e Event) {
	st := b.sessions[e.SessionID]
	if st == nil {
		st = &sessionState{pending: make(map[string]bool)}
		b.sessions[e.SessionID] = st
	}
	switch e.Kind {
	case KindStepStart:
		st.assistantFinished = false
	case KindStepFinish:
		// A step that ended to run tools has not finished the assistant
		// message; the loop will start another step.
		st.assistantFinished = e.FinishReason != llm.FinishToolCalls
	case KindToolCall:
		// Model-side results surface as terminal-state tool.call events
		// without a separate tool.result, so both clear the pending set.
		if e.ToolCall != nil {
			if e.ToolCall.State.Terminal() {
				delete(st.pending, e.ToolCall.ID)
			} else {
				st.pending[e.ToolCall.ID] = true
			}
		}
	case KindToolResult:
		if e.ToolResult != nil {
			delete(st.pending, e.ToolResult.ID)
		}
	case KindError:
		st.terminalError = true
	}
}

// Subscribe registers a new subscriber. The returned cancel is idempotent
// and closes the event channel.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	sub := &subscriber{filter: filter, ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		_, ok := b.subs[sub]
		delete(b.subs, sub)
		b.mu.Unlock()
		if ok {
			sub.close()
		}
	}
	return sub.ch, cancel
}

// WaitIdle returns a channel that closes once the session is idle: the last
// assistant message finished with no pending tool calls, or a terminal error
// was published. Already-idle sessions complete immediately.
func (b *Bus) WaitIdle(sessionID string) <-chan struct{} {
	done := make(chan struct{})
	b.mu.Lock()
	st := b.sessions[sessionID]
	if st == nil {
		st = &sessionState{pending: make(map[string]bool)}
		b.sessions[sessionID] = st
	}
	if st.idle() {
		b.mu.Unlock()
		close(done)
		return done
	}
	st.waiters = append(st.waiters, done)
	b.mu.Unlock()
	return done
}

// Dropped returns the total number of events dropped across subscribers.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
