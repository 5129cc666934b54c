package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

type channelState int

const (
	stateClosed channelState = iota
	stateJoining
	stateJoined
	stateErrored
	stateLeft
)

// Channel is a joinable topic multiplexed over a Conn.
type Channel struct {
	conn   *Conn
	topic  string
	params any

	mu       sync.Mutex
	state    channelState
	joinRef  string
	pending  map[string]chan protocol.Envelope
	handlers []func(error)
}

func newChannel(c *Conn, topic string, params any) *Channel {
	return &Channel{
		conn:    c,
		topic:   topic,
		params:  params,
		pending: make(map[string]chan protocol.Envelope),
	}
}

// Topic returns the channel's topic.
func (ch *Channel) Topic() string {
	return ch.topic
}

// Join sends phx_join and waits up to timeout for the server's reply.
// A reply that does not arrive in time yields a timeout status.
func (ch *Channel) Join(ctx context.Context, timeout time.Duration) (protocol.Reply, error) {
	ch.mu.Lock()
	switch ch.state {
	case stateJoining, stateJoined:
		ch.mu.Unlock()
		return protocol.Reply{}, ErrAlreadyJoined
	case stateLeft:
		ch.mu.Unlock()
		return protocol.Reply{}, ErrNotJoined
	}
	ref := ch.conn.nextRef()
	ch.joinRef = ref
	ch.state = stateJoining
	wait := make(chan protocol.Envelope, 1)
	ch.pending[ref] = wait
	ch.mu.Unlock()

	env, err := protocol.NewEnvelope(ch.topic, protocol.EventJoin, ref, ch.params)
	if err != nil {
		ch.dropPending(ref)
		ch.setState(stateClosed)
		return protocol.Reply{}, err
	}
	env.JoinRef = ref

	reply, err := ch.request(ctx, env, wait, timeout)
	ch.mu.Lock()
	if ch.state == stateJoining {
		if err == nil && reply.OK() {
			ch.state = stateJoined
		} else {
			ch.state = stateClosed
		}
	}
	ch.mu.Unlock()
	return reply, err
}

// Push sends event on the joined channel and waits up to timeout for the reply.
// A non-nil payload is sent as a binary frame.
func (ch *Channel) Push(ctx context.Context, event string, payload []byte, timeout time.Duration) (protocol.Reply, error) {
	ch.mu.Lock()
	if ch.state != stateJoined {
		ch.mu.Unlock()
		return protocol.Reply{}, ErrNotJoined
	}
	ref := ch.conn.nextRef()
	joinRef := ch.joinRef
	wait := make(chan protocol.Envelope, 1)
	ch.pending[ref] = wait
	ch.mu.Unlock()

	env := protocol.Envelope{
		V:       protocol.ProtocolVersion,
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   ch.topic,
		Event:   event,
	}
	if payload != nil {
		env.Binary = payload
	} else {
		env.Payload = json.RawMessage(`{}`)
	}
	return ch.request(ctx, env, wait, timeout)
}

func (ch *Channel) request(ctx context.Context, env protocol.Envelope, wait chan protocol.Envelope, timeout time.Duration) (protocol.Reply, error) {
	if err := ch.conn.Send(env); err != nil {
		ch.dropPending(env.Ref)
		return protocol.Reply{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case replyEnv, ok := <-wait:
		if !ok {
			return protocol.Reply{}, ErrNotJoined
		}
		var reply protocol.Reply
		if err := replyEnv.DecodePayload(&reply); err != nil {
			return protocol.Reply{}, fmt.Errorf("decode reply: %w", err)
		}
		return reply, nil
	case <-timer.C:
		ch.dropPending(env.Ref)
		return protocol.Reply{Status: protocol.StatusTimeout}, nil
	case <-ctx.Done():
		ch.dropPending(env.Ref)
		return protocol.Reply{}, ctx.Err()
	}
}

// OnError registers fn to be called when the channel errors or closes unexpectedly.
func (ch *Channel) OnError(fn func(error)) {
	ch.mu.Lock()
	ch.handlers = append(ch.handlers, fn)
	ch.mu.Unlock()
}

// IsJoined reports whether the channel is currently joined.
func (ch *Channel) IsJoined() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == stateJoined
}

// Leave sends phx_leave if joined and releases the topic. Pending requests are abandoned.
func (ch *Channel) Leave() {
	ch.mu.Lock()
	if ch.state == stateLeft {
		ch.mu.Unlock()
		return
	}
	wasJoined := ch.state == stateJoined || ch.state == stateJoining
	joinRef := ch.joinRef
	ch.state = stateLeft
	for ref, wait := range ch.pending {
		delete(ch.pending, ref)
		close(wait)
	}
	ch.mu.Unlock()

	ch.conn.removeChannel(ch.topic, ch)

	if wasJoined {
		env, err := protocol.NewEnvelope(ch.topic, protocol.EventLeave, ch.conn.nextRef(), struct{}{})
		if err != nil {
			return
		}
		env.JoinRef = joinRef
		if err := ch.conn.Send(env); err != nil {
			ch.conn.logger.Debug("leave not sent", "topic", ch.topic, "error", err)
		}
	}
}

func (ch *Channel) handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventReply:
		ch.mu.Lock()
		wait, ok := ch.pending[env.Ref]
		if ok {
			delete(ch.pending, env.Ref)
		}
		ch.mu.Unlock()
		if ok {
			wait <- env
		}
	case protocol.EventError, protocol.EventClose:
		ch.mu.Lock()
		stale := env.JoinRef != "" && env.JoinRef != ch.joinRef
		ch.mu.Unlock()
		if stale {
			return
		}
		if env.Event == protocol.EventClose {
			ch.triggerError(ErrChannelClosed)
			return
		}
		var reason protocol.ErrorReason
		if len(env.Payload) > 0 {
			_ = env.DecodePayload(&reason)
		}
		if reason.Reason != "" {
			ch.triggerError(fmt.Errorf("%w: %s", ErrChannelErrored, reason.Reason))
		} else {
			ch.triggerError(ErrChannelErrored)
		}
	default:
		ch.conn.logger.Debug("unhandled channel event", "topic", ch.topic, "event", env.Event)
	}
}

// triggerError moves a live channel to the errored state and runs its handlers.
func (ch *Channel) triggerError(err error) {
	ch.mu.Lock()
	if ch.state == stateLeft || ch.state == stateErrored {
		ch.mu.Unlock()
		return
	}
	ch.state = stateErrored
	handlers := make([]func(error), len(ch.handlers))
	copy(handlers, ch.handlers)
	ch.mu.Unlock()

	for _, fn := range handlers {
		fn(err)
	}
}

func (ch *Channel) dropPending(ref string) {
	ch.mu.Lock()
	delete(ch.pending, ref)
	ch.mu.Unlock()
}

func (ch *Channel) setState(s channelState) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == stateLeft
}
