package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrTopicInUse is returned when a live channel already exists for the topic.
	ErrTopicInUse = errors.New("topic already has an open channel")
	// ErrNotJoined is returned when pushing on a channel that is not joined.
	ErrNotJoined = errors.New("channel not joined")
	// ErrAlreadyJoined is returned when joining a channel twice.
	ErrAlreadyJoined = errors.New("channel already joined")
	// ErrChannelClosed is delivered to error handlers when the server closes a channel.
	ErrChannelClosed = errors.New("channel closed by server")
	// ErrChannelErrored is delivered to error handlers when the server reports a channel error.
	ErrChannelErrored = errors.New("channel errored")
)

type frame struct {
	kind int
	data []byte
}

// Conn is one websocket connection multiplexing many topic channels.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan frame
	done     chan struct{}
	closing  chan struct{}
	closeMu  sync.Once
	writeMu  sync.Mutex
	refSeq   atomic.Uint64

	mu       sync.Mutex
	channels map[string]*Channel
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Dial establishes a websocket connection to the server.
// wsURL should be the full websocket URL including path.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan frame, 256),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
		channels: make(map[string]*Channel),
	}
	go c.writeLoop()
	return c, nil
}

// Channel returns a new channel for topic. params are sent with the join.
// Only one live channel may exist per topic.
func (c *Conn) Channel(topic string, params any) (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.channels[topic]; ok && !existing.isClosed() {
		return nil, fmt.Errorf("%w: %s", ErrTopicInUse, topic)
	}
	ch := newChannel(c, topic, params)
	c.channels[topic] = ch
	return ch, nil
}

// ReadLoop reads frames and dispatches them to channels until the connection
// closes or ctx is cancelled. Open channels are notified of the loss.
func (c *Conn) ReadLoop(ctx context.Context) error {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closing:
				return
			case <-ticker.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.conn.Close()
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("websocket read error", "error", err)
			}
			c.failChannels(fmt.Errorf("%w: %v", ErrClosed, err))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		switch messageType {
		case websocket.TextMessage:
			if err := json.Unmarshal(message, &env); err != nil {
				c.logger.Warn("invalid JSON envelope", "error", err)
				continue
			}
		case websocket.BinaryMessage:
			env, err = protocol.DecodeBinary(message)
			if err != nil {
				c.logger.Warn("invalid binary frame", "error", err)
				continue
			}
		default:
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	ch := c.channels[env.Topic]
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("message for unknown topic", "topic", env.Topic, "event", env.Event)
		return
	}
	ch.handle(env)
}

func (c *Conn) failChannels(err error) {
	c.mu.Lock()
	open := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		open = append(open, ch)
	}
	c.mu.Unlock()
	for _, ch := range open {
		ch.triggerError(err)
	}
}

func (c *Conn) removeChannel(topic string, ch *Channel) {
	c.mu.Lock()
	if c.channels[topic] == ch {
		delete(c.channels, topic)
	}
	c.mu.Unlock()
}

func (c *Conn) nextRef() string {
	return strconv.FormatUint(c.refSeq.Add(1), 10)
}

// Send queues an envelope. Envelopes carrying Binary go out as binary frames.
func (c *Conn) Send(env protocol.Envelope) error {
	var f frame
	if env.Binary != nil {
		data, err := protocol.EncodeBinary(env)
		if err != nil {
			return err
		}
		f = frame{kind: websocket.BinaryMessage, data: data}
	} else {
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		f = frame{kind: websocket.TextMessage, data: data}
	}

	select {
	case c.sendChan <- f:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.closing:
		return ErrClosed
	}
}

// writeLoop serializes writes to the websocket connection.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.closing:
			c.drain()
			return
		case f := <-c.sendChan:
			if err := c.write(f); err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}
		}
	}
}

// drain flushes frames queued before Close, such as a final leave.
func (c *Conn) drain() {
	for {
		select {
		case f := <-c.sendChan:
			if err := c.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(f.kind, f.data)
}

// Close closes the websocket connection.
func (c *Conn) Close() error {
	var err error
	c.closeMu.Do(func() {
		close(c.closing)
		<-c.done
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
