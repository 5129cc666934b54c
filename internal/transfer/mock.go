package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

// ErrMockNotJoined is returned by MockChannel.Push on a channel that is not joined.
var ErrMockNotJoined = errors.New("mock channel not joined")

// Responder decides the reply to the index-th push on ch.
type Responder func(ch *MockChannel, event string, payload []byte, index int) protocol.Reply

// Push is one recorded push.
type Push struct {
	Event   string
	Payload []byte
}

// MockTransport is an in-memory Transport for tests. Every Open returns a
// fresh MockChannel that answers pushes through Responder.
type MockTransport struct {
	mu        sync.Mutex
	JoinReply protocol.Reply
	JoinErr   error
	OpenErr   error
	Responder Responder
	channels  []*MockChannel
}

var _ Transport = (*MockTransport)(nil)
var _ Channel = (*MockChannel)(nil)

// NewMockTransport returns a transport whose joins succeed with cfg as the
// join response.
func NewMockTransport(cfg protocol.UploadConfig) *MockTransport {
	return &MockTransport{JoinReply: OKReply(cfg)}
}

// Open implements Transport.
func (t *MockTransport) Open(topic string, params any) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	ch := &MockChannel{
		Topic:     topic,
		Params:    params,
		joinReply: t.JoinReply,
		joinErr:   t.JoinErr,
		responder: t.Responder,
	}
	t.channels = append(t.channels, ch)
	return ch, nil
}

// Channels returns the channels opened so far.
func (t *MockTransport) Channels() []*MockChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*MockChannel(nil), t.channels...)
}

// Last returns the most recently opened channel, or nil.
func (t *MockTransport) Last() *MockChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.channels) == 0 {
		return nil
	}
	return t.channels[len(t.channels)-1]
}

// MockChannel records what an uploader does with a sub-channel.
type MockChannel struct {
	Topic  string
	Params any

	mu        sync.Mutex
	joinReply protocol.Reply
	joinErr   error
	responder Responder
	joined    bool
	pushes    []Push
	handlers  []func(error)
	left      int
}

// Join implements Channel.
func (c *MockChannel) Join(ctx context.Context, timeout time.Duration) (protocol.Reply, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Reply{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinErr != nil {
		return protocol.Reply{}, c.joinErr
	}
	if c.joinReply.Status == "" {
		c.joinReply.Status = protocol.StatusOK
	}
	if c.joinReply.OK() {
		c.joined = true
	}
	return c.joinReply, nil
}

// Push implements Channel. The payload is copied before it is recorded.
func (c *MockChannel) Push(ctx context.Context, event string, payload []byte, timeout time.Duration) (protocol.Reply, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Reply{}, err
	}
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return protocol.Reply{}, ErrMockNotJoined
	}
	p := Push{Event: event, Payload: append([]byte(nil), payload...)}
	index := len(c.pushes)
	c.pushes = append(c.pushes, p)
	responder := c.responder
	c.mu.Unlock()

	if responder == nil {
		return protocol.Reply{Status: protocol.StatusOK}, nil
	}
	return responder(c, event, p.Payload, index), nil
}

// OnError implements Channel.
func (c *MockChannel) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// IsJoined implements Channel.
func (c *MockChannel) IsJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Leave implements Channel.
func (c *MockChannel) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = false
	c.left++
}

// Fail simulates the remote side closing the channel.
func (c *MockChannel) Fail(err error) {
	c.mu.Lock()
	c.joined = false
	handlers := append([]func(error){}, c.handlers...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// Unjoin drops the joined flag without notifying handlers.
func (c *MockChannel) Unjoin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = false
}

// Pushes returns the recorded pushes.
func (c *MockChannel) Pushes() []Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Push(nil), c.pushes...)
}

// Chunks returns the payloads of recorded chunk pushes.
func (c *MockChannel) Chunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, p := range c.pushes {
		if p.Event == protocol.EventChunk {
			out = append(out, p.Payload)
		}
	}
	return out
}

// LeaveCount returns how many times Leave was called.
func (c *MockChannel) LeaveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

// OKReply builds an ok reply carrying response.
func OKReply(response any) protocol.Reply {
	raw, _ := json.Marshal(response)
	return protocol.Reply{Status: protocol.StatusOK, Response: raw}
}

// ErrorReply builds an error reply carrying reason.
func ErrorReply(reason string) protocol.Reply {
	raw, _ := json.Marshal(protocol.ErrorReason{Reason: reason})
	return protocol.Reply{Status: protocol.StatusError, Response: raw}
}

// TimeoutReply is the reply produced when no acknowledgment arrives in time.
func TimeoutReply() protocol.Reply {
	return protocol.Reply{Status: protocol.StatusTimeout}
}
