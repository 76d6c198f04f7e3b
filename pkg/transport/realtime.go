package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/helpers"
	"github.com/go-go-golems/colloquy/pkg/wire"
)

const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultResponseTimeout = 15 * time.Second
)

var (
	ErrDisconnected    = errors.New("connection lost")
	ErrResponseTimeout = errors.New("timed out waiting for response")
	ErrClosed          = errors.New("channel closed")
)

// Link is one established duplex connection to the backend.
type Link struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Closer releases the connection, may be nil.
	Closer func() error
}

func (l *Link) Close() error {
	if l == nil || l.Closer == nil {
		return nil
	}
	return l.Closer()
}

type Dialer interface {
	Dial(ctx context.Context) (*Link, error)
}

type DialerFunc func(ctx context.Context) (*Link, error)

func (f DialerFunc) Dial(ctx context.Context) (*Link, error) {
	return f(ctx)
}

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type result struct {
	msg *conversation.Message
	err error
}

type pendingRequest struct {
	conversationID string
	onTyping       func()
	done           chan result
}

func (p *pendingRequest) resolve(r result) {
	select {
	case p.done <- r:
	default:
	}
}

// Realtime is the primary channel: a watermill publisher/subscriber pair
// where the client publishes on wire.TopicClient and listens on the per-user
// server topic.
type Realtime struct {
	dialer          Dialer
	userID          string
	connectTimeout  time.Duration
	responseTimeout time.Duration
	backoff         Backoff
	logger          zerolog.Logger

	mu            sync.Mutex
	state         State
	everConnected bool
	reconnecting  bool
	closed        bool
	link          *Link
	cancelLink    context.CancelFunc
	pending       map[string]*pendingRequest
	closeCh       chan struct{}
	wg            sync.WaitGroup
}

var _ Channel = (*Realtime)(nil)

type RealtimeOption func(*Realtime)

func WithConnectTimeout(d time.Duration) RealtimeOption {
	return func(r *Realtime) {
		r.connectTimeout = d
	}
}

func WithResponseTimeout(d time.Duration) RealtimeOption {
	return func(r *Realtime) {
		r.responseTimeout = d
	}
}

func WithBackoff(b Backoff) RealtimeOption {
	return func(r *Realtime) {
		r.backoff = b
	}
}

func NewRealtime(dialer Dialer, userID string, options ...RealtimeOption) *Realtime {
	ret := &Realtime{
		dialer:          dialer,
		userID:          userID,
		connectTimeout:  DefaultConnectTimeout,
		responseTimeout: DefaultResponseTimeout,
		backoff:         DefaultBackoff(),
		pending:         map[string]*pendingRequest{},
		closeCh:         make(chan struct{}),
	}
	for _, o := range options {
		o(ret)
	}
	ret.logger = log.With().Str("component", "realtime").Str("user_id", userID).Logger()
	return ret
}

func (r *Realtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connect dials and completes the join handshake. Send calls it on first use.
func (r *Realtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.state != Disconnected {
		r.mu.Unlock()
		return nil
	}
	r.state = Connecting
	r.mu.Unlock()

	err := r.connect(ctx)
	if err != nil {
		r.mu.Lock()
		r.state = Disconnected
		r.mu.Unlock()
		r.scheduleReconnect()
	}
	return err
}

func (r *Realtime) Send(ctx context.Context, req *Request) (*conversation.Message, error) {
	if err := r.ready(ctx); err != nil {
		return nil, conversation.NewTransportError(err)
	}

	p := &pendingRequest{
		conversationID: req.ConversationID,
		onTyping:       req.OnTyping,
		done:           make(chan result, 1),
	}
	r.mu.Lock()
	link := r.link
	if r.state != Connected || link == nil {
		r.mu.Unlock()
		return nil, conversation.NewTransportError(conversation.ErrNotConnected)
	}
	r.pending[req.RequestID] = p
	r.mu.Unlock()
	defer r.forget(req.RequestID, p)

	payload, err := wire.Encode(wire.EventSendMessage, &wire.SendMessage{
		Content:        req.Content,
		UserID:         r.userID,
		ConversationID: req.ConversationID,
		RequestID:      req.RequestID,
		ModelID:        req.ModelID,
		History:        nonNilHistory(req.History),
		Attachment:     req.Attachment,
	})
	if err != nil {
		return nil, conversation.NewTransportError(err)
	}
	if err := r.publish(ctx, link, req.RequestID, payload); err != nil {
		return nil, conversation.NewTransportError(err)
	}
	r.logger.Debug().Str("request_id", req.RequestID).Str("conversation_id", req.ConversationID).Msg("message sent")

	timer := time.NewTimer(r.responseTimeout)
	defer timer.Stop()
	select {
	case res := <-p.done:
		if res.err != nil {
			return nil, conversation.NewTransportError(res.err)
		}
		return res.msg, nil
	case <-timer.C:
		return nil, conversation.NewTransportError(ErrResponseTimeout)
	case <-ctx.Done():
		return nil, conversation.NewTransportError(ctx.Err())
	}
}

// Close stops reconnecting and fails requests still waiting.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closeCh)
	link, cancel := r.link, r.cancelLink
	r.link, r.cancelLink = nil, nil
	r.state = Disconnected
	r.failPendingLocked(ErrClosed)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := link.Close()
	r.wg.Wait()
	return err
}

// ready connects on first use. Once a connection has existed, reconnecting
// happens in the background and callers fail fast until it succeeds.
func (r *Realtime) ready(ctx context.Context) error {
	r.mu.Lock()
	closed, state, ever := r.closed, r.state, r.everConnected
	r.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case state == Connected:
		return nil
	case state == Connecting || ever:
		return conversation.ErrNotConnected
	}
	return r.Connect(ctx)
}

func (r *Realtime) connect(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	link, err := r.dialer.Dial(cctx)
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	linkCtx, cancelLink := context.WithCancel(context.Background())
	msgs, err := link.Subscriber.Subscribe(linkCtx, wire.ServerTopic(r.userID))
	if err != nil {
		cancelLink()
		_ = link.Close()
		return errors.Wrap(err, "subscribe")
	}

	if err := r.handshake(cctx, link, msgs); err != nil {
		cancelLink()
		_ = link.Close()
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancelLink()
		_ = link.Close()
		return ErrClosed
	}
	r.link = link
	r.cancelLink = cancelLink
	r.state = Connected
	r.everConnected = true
	r.reconnecting = false
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info().Msg("realtime channel connected")
	go r.read(link, msgs)
	return nil
}

func (r *Realtime) handshake(ctx context.Context, link *Link, msgs <-chan *message.Message) error {
	payload, err := wire.Encode(wire.EventJoin, &wire.Join{UserID: r.userID})
	if err != nil {
		return err
	}
	if err := r.publish(ctx, link, "", payload); err != nil {
		return errors.Wrap(err, "join")
	}
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return errors.Wrap(ErrDisconnected, "handshake")
			}
			msg.Ack()
			env, err := wire.Decode(msg.Payload)
			if err != nil {
				r.logger.Debug().Err(err).Msg("ignoring malformed message during handshake")
				continue
			}
			if env.Type == wire.EventJoined {
				return nil
			}
			r.logger.Debug().Str("type", string(env.Type)).Msg("ignoring message before handshake completed")
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "handshake")
		}
	}
}

func (r *Realtime) publish(ctx context.Context, link *Link, requestID string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if requestID != "" {
		msg.SetContext(helpers.ContextWithCorrelationID(ctx, requestID))
	}
	pub := helpers.CorrelationPublisherDecorator{Publisher: link.Publisher}
	return pub.Publish(wire.TopicClient, msg)
}

func (r *Realtime) read(link *Link, msgs <-chan *message.Message) {
	defer r.wg.Done()
	for msg := range msgs {
		msg.Ack()
		r.dispatch(msg)
	}
	r.disconnected(link)
}

func (r *Realtime) dispatch(msg *message.Message) {
	env, err := wire.Decode(msg.Payload)
	if err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed message")
		return
	}

	switch env.Type {
	case wire.EventNewMessage:
		nm, err := wire.DecodePayload[wire.NewMessage](env)
		if err != nil || nm.Message == nil {
			r.logger.Warn().Err(err).Msg("dropping malformed newMessage")
			return
		}
		if p := r.lookup(nm.RequestID, nm.ConversationID); p != nil {
			p.resolve(result{msg: nm.Message})
		}
	case wire.EventAITyping:
		t, err := wire.DecodePayload[wire.Typing](env)
		if err != nil {
			return
		}
		if p := r.lookup(t.RequestID, t.ConversationID); p != nil && p.onTyping != nil {
			p.onTyping()
		}
	case wire.EventAITypingDone:
		r.logger.Trace().Msg("backend finished composing")
	case wire.EventError:
		e, err := wire.DecodePayload[wire.Error](env)
		if err != nil {
			return
		}
		if p := r.lookup(e.RequestID, e.ConversationID); p != nil {
			p.resolve(result{err: &ApplicationError{Message: e.Message}})
			return
		}
		r.logger.Warn().Str("error", e.Message).Msg("backend reported an error")
	case wire.EventJoined:
	default:
		r.logger.Debug().Str("type", string(env.Type)).Msg("ignoring unknown event")
	}
}

// lookup finds the request a server event belongs to. Events for unknown
// requests or another conversation are stale and dropped.
func (r *Realtime) lookup(requestID string, conversationID string) *pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[requestID]
	if !ok || p.conversationID != conversationID {
		r.logger.Debug().
			Str("request_id", requestID).
			Str("conversation_id", conversationID).
			Msg("discarding stale event")
		return nil
	}
	return p
}

func (r *Realtime) forget(requestID string, p *pendingRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[requestID] == p {
		delete(r.pending, requestID)
	}
}

func (r *Realtime) disconnected(link *Link) {
	r.mu.Lock()
	if r.link != link {
		r.mu.Unlock()
		return
	}
	cancel := r.cancelLink
	r.link, r.cancelLink = nil, nil
	r.state = Disconnected
	r.failPendingLocked(ErrDisconnected)
	closed := r.closed
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = link.Close()
	if !closed {
		r.logger.Warn().Msg("realtime channel disconnected")
		r.scheduleReconnect()
	}
}

func (r *Realtime) failPendingLocked(err error) {
	for id, p := range r.pending {
		p.resolve(result{err: err})
		delete(r.pending, id)
	}
}

func (r *Realtime) scheduleReconnect() {
	r.mu.Lock()
	if r.closed || r.reconnecting {
		r.mu.Unlock()
		return
	}
	r.reconnecting = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.reconnectLoop()
}

func (r *Realtime) reconnectLoop() {
	defer r.wg.Done()

	for attempt := 0; ; attempt++ {
		delay := r.backoff.Duration(attempt)
		r.logger.Debug().Int("attempt", attempt+1).Dur("delay", delay).Msg("reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-r.closeCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		r.mu.Lock()
		if r.closed || r.state != Disconnected {
			r.reconnecting = false
			r.mu.Unlock()
			return
		}
		r.state = Connecting
		r.mu.Unlock()

		err := r.connect(context.Background())
		if err == nil {
			return
		}
		r.mu.Lock()
		if r.state == Connecting {
			r.state = Disconnected
		}
		r.mu.Unlock()
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
	}
}

func nonNilHistory(h []conversation.HistoryEntry) []conversation.HistoryEntry {
	if h == nil {
		return []conversation.HistoryEntry{}
	}
	return h
}
