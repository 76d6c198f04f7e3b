// Package typing tracks whether the assistant is composing a reply in a
// conversation, and hands out the dispatch ticket that keeps at most one
// request in flight per conversation.
package typing

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/events"
)

type State string

const (
	Idle               State = "idle"
	AssistantComposing State = "assistant-composing"
)

const DefaultTimeout = 45 * time.Second

type entry struct {
	state     State
	changedAt time.Time
	ticket    *Ticket
	timer     *time.Timer
	seq       uint64
}

type Coordinator struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	sink    events.EventSink
	now     func() time.Time
	pending []events.Event
}

type Option func(*Coordinator)

func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

func WithEventSink(sink events.EventSink) Option {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func NewCoordinator(options ...Option) *Coordinator {
	ret := &Coordinator{
		entries: map[string]*entry{},
		timeout: DefaultTimeout,
		sink:    events.NullSink{},
		now:     time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Ticket is held for the lifetime of one dispatch.
type Ticket struct {
	c              *Coordinator
	conversationID string
	ended          bool
}

// Begin moves the conversation to AssistantComposing. It fails with ErrBusy
// while a previous ticket for the same conversation is still held, even if
// that ticket's indicator has already timed out.
func (c *Coordinator) Begin(conversationID string) (*Ticket, error) {
	c.mu.Lock()
	defer c.flush()

	e := c.entryLocked(conversationID)
	if e.ticket != nil {
		return nil, conversation.NewValidationError("conversation", conversation.ErrBusy)
	}
	t := &Ticket{c: c, conversationID: conversationID}
	e.ticket = t
	c.publish(c.composeLocked(conversationID, e, t))
	return t, nil
}

// Touch re-arms the safety timeout, re-entering AssistantComposing if the
// indicator had already timed out.
func (t *Ticket) Touch() {
	c := t.c
	c.mu.Lock()
	defer c.flush()
	if t.ended {
		return
	}
	e := c.entryLocked(t.conversationID)
	if e.ticket != t {
		return
	}
	c.publish(c.composeLocked(t.conversationID, e, t))
}

// End returns the conversation to Idle and releases the ticket. Calling it
// more than once is harmless.
func (t *Ticket) End() {
	c := t.c
	c.mu.Lock()
	defer c.flush()
	if t.ended {
		return
	}
	t.ended = true
	e := c.entryLocked(t.conversationID)
	if e.ticket != t {
		return
	}
	e.ticket = nil
	c.publish(c.idleLocked(t.conversationID, e, false))
}

func (t *Ticket) ConversationID() string {
	return t.conversationID
}

// Clear forces the conversation to Idle and drops any held ticket.
func (c *Coordinator) Clear(conversationID string) {
	c.mu.Lock()
	defer c.flush()
	e, ok := c.entries[conversationID]
	if !ok {
		return
	}
	if e.ticket != nil {
		e.ticket.ended = true
		e.ticket = nil
	}
	c.publish(c.idleLocked(conversationID, e, false))
	delete(c.entries, conversationID)
}

func (c *Coordinator) State(conversationID string) (State, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok {
		return Idle, time.Time{}
	}
	return e.state, e.changedAt
}

// Busy reports whether any conversation holds a dispatch ticket.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.ticket != nil {
			return true
		}
	}
	return false
}

func (c *Coordinator) entryLocked(conversationID string) *entry {
	e, ok := c.entries[conversationID]
	if !ok {
		e = &entry{state: Idle}
		c.entries[conversationID] = e
	}
	return e
}

func (c *Coordinator) composeLocked(conversationID string, e *entry, t *Ticket) events.Event {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.seq++
	seq := e.seq
	e.timer = time.AfterFunc(c.timeout, func() {
		c.expire(conversationID, t, seq)
	})
	if e.state == AssistantComposing {
		return nil
	}
	e.state = AssistantComposing
	e.changedAt = c.now()
	log.Debug().Str("conversation_id", conversationID).Msg("assistant composing")
	return events.NewTypingChangedEvent(conversationID, true, e.changedAt, false)
}

func (c *Coordinator) idleLocked(conversationID string, e *entry, timedOut bool) events.Event {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.seq++
	if e.state == Idle {
		return nil
	}
	e.state = Idle
	e.changedAt = c.now()
	log.Debug().Str("conversation_id", conversationID).Bool("timed_out", timedOut).Msg("assistant idle")
	return events.NewTypingChangedEvent(conversationID, false, e.changedAt, timedOut)
}

func (c *Coordinator) expire(conversationID string, t *Ticket, seq uint64) {
	c.mu.Lock()
	defer c.flush()
	e, ok := c.entries[conversationID]
	if !ok || e.ticket != t || t.ended || e.seq != seq {
		return
	}
	log.Warn().Str("conversation_id", conversationID).Dur("timeout", c.timeout).Msg("typing indicator timed out")
	c.publish(c.idleLocked(conversationID, e, true))
}

// publish queues ev until the lock is released; sinks may call back into
// the coordinator.
func (c *Coordinator) publish(ev events.Event) {
	if ev != nil {
		c.pending = append(c.pending, ev)
	}
}

// flush releases the lock and delivers queued events in order.
func (c *Coordinator) flush() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ev := range pending {
		events.Publish(c.sink, ev)
	}
}
