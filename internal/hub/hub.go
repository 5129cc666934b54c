package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

// ErrTopicOwned is returned when a topic is already claimed by another connection.
var ErrTopicOwned = errors.New("topic owned by another connection")

// ErrUnknownConn is returned for operations on a connection that is not registered.
var ErrUnknownConn = errors.New("unknown connection")

const queueSize = 256

// conn holds a connection's out-queue and the topics it owns.
type conn struct {
	send   chan protocol.Envelope
	done   chan struct{}
	topics map[string]struct{}
}

// Hub tracks websocket connections and which connection owns each topic.
// A topic has at most one owner; an upload ref can only be streamed by one
// connection at a time.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*conn  // connID -> conn
	owners map[string]string // topic -> connID
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		conns:  make(map[string]*conn),
		owners: make(map[string]string),
	}
}

// Register adds a connection and starts its writer goroutine. Envelopes
// queued for the connection are passed to send in order. The returned
// function releases every topic the connection owns and stops the writer;
// it returns those topics.
func (h *Hub) Register(connID string, send func(env protocol.Envelope) error) (unregister func() []string) {
	c := &conn{
		send:   make(chan protocol.Envelope, queueSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
	go func() {
		defer close(c.done)
		for env := range c.send {
			if err := send(env); err != nil {
				// drain so producers never block on a dead connection
				for range c.send {
				}
				return
			}
		}
	}()

	h.mu.Lock()
	if old, ok := h.conns[connID]; ok {
		h.dropLocked(connID, old)
	}
	h.conns[connID] = c
	h.mu.Unlock()

	var once sync.Once
	return func() []string {
		var released []string
		once.Do(func() {
			h.mu.Lock()
			if h.conns[connID] != c {
				h.mu.Unlock()
				return
			}
			released = h.dropLocked(connID, c)
			h.mu.Unlock()

			select {
			case <-c.done:
			case <-time.After(time.Second):
			}
		})
		return released
	}
}

// dropLocked removes c and closes its queue. h.mu must be held.
func (h *Hub) dropLocked(connID string, c *conn) []string {
	released := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		if h.owners[topic] == connID {
			delete(h.owners, topic)
		}
		released = append(released, topic)
	}
	delete(h.conns, connID)
	close(c.send)
	return released
}

// Claim makes connID the owner of topic. Claiming a topic the connection
// already owns is a no-op.
func (h *Hub) Claim(topic, connID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	if owner, owned := h.owners[topic]; owned && owner != connID {
		return ErrTopicOwned
	}
	h.owners[topic] = connID
	c.topics[topic] = struct{}{}
	return nil
}

// Release gives up connID's ownership of topic.
func (h *Hub) Release(topic, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owners[topic] == connID {
		delete(h.owners, topic)
	}
	if c, ok := h.conns[connID]; ok {
		delete(c.topics, topic)
	}
}

// Owner returns the connection owning topic.
func (h *Hub) Owner(topic string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.owners[topic]
	return id, ok
}

// SendTo queues env for connID. It returns false if the connection is
// unknown or its queue is full.
func (h *Hub) SendTo(connID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Publish queues env for the owner of topic.
func (h *Hub) Publish(topic string, env protocol.Envelope) bool {
	h.mu.RLock()
	connID, ok := h.owners[topic]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.SendTo(connID, env)
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
