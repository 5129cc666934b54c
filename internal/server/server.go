package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/sealdrop/internal/catalog"
	"github.com/sheerbytes/sealdrop/internal/config"
	"github.com/sheerbytes/sealdrop/internal/hub"
	"github.com/sheerbytes/sealdrop/internal/session"
	"github.com/sheerbytes/sealdrop/internal/transfer"
	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

const (
	maxPendingTickets = 10_000
	frameOverhead     = 4096
)

// Options configure a Server.
type Options struct {
	ObjectsDir       string
	Secret           []byte
	PublicURL        string
	ChunkSize        int
	ChunkTimeout     time.Duration
	TicketTTL        time.Duration
	MaxObjectSize    int64
	MaxConns         int
	MaxConnsPerIP    int
	UploadsPerMinute int
	MessagesPerSec   float64
	MessageBurst     int
}

// OptionsFromConfig derives server options from the loaded configuration.
func OptionsFromConfig(cfg config.ServerConfig) Options {
	return Options{
		ObjectsDir:       filepath.Join(cfg.DataDir, "objects"),
		Secret:           []byte(cfg.Secret),
		PublicURL:        cfg.PublicURL,
		ChunkSize:        cfg.ChunkSize,
		ChunkTimeout:     cfg.ChunkTimeout,
		TicketTTL:        cfg.TicketTTL,
		MaxObjectSize:    cfg.MaxObjectSize,
		MaxConns:         cfg.MaxConns,
		MaxConnsPerIP:    cfg.MaxConnsPerIP,
		UploadsPerMinute: cfg.UploadsPerMinute,
		MessagesPerSec:   cfg.MessagesPerSec,
		MessageBurst:     cfg.MessageBurst,
	}
}

// upload is an upload in progress on one connection.
type upload struct {
	ref      string
	topic    string
	connID   string
	joinRef  string
	ticket   session.Ticket
	receiver *transfer.Receiver
}

// Server is the remote endpoint: it issues upload tickets, accepts chunked
// uploads over the channel protocol and serves the stored objects.
type Server struct {
	opts     Options
	logger   *slog.Logger
	store    *session.Store
	hub      *hub.Hub
	catalog  *catalog.Catalog
	tokens   *tokenSigner
	expiry   *expiryManager
	limiter  *ipLimiter
	conns    *connLimiter
	upgrader websocket.Upgrader

	mu      sync.Mutex
	uploads map[string]*upload // ref -> upload
}

// New creates a server storing objects under opts.ObjectsDir and their
// metadata in cat.
func New(opts Options, cat *catalog.Catalog, logger *slog.Logger) (*Server, error) {
	cfg := transfer.NormalizeChunkConfig(transfer.ChunkConfig{ChunkSize: opts.ChunkSize, ChunkTimeout: opts.ChunkTimeout})
	opts.ChunkSize, opts.ChunkTimeout = cfg.ChunkSize, cfg.ChunkTimeout
	if opts.MessagesPerSec <= 0 {
		opts.MessagesPerSec = 500
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 1000
	}
	if err := os.MkdirAll(opts.ObjectsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	tokens, err := newTokenSigner(opts.Secret)
	if err != nil {
		return nil, fmt.Errorf("init token signer: %w", err)
	}
	if len(opts.Secret) == 0 {
		logger.Warn("no token secret configured, using a random per-process secret")
	}
	return &Server{
		opts:    opts,
		logger:  logger,
		store:   session.NewStore(opts.TicketTTL),
		hub:     hub.New(),
		catalog: cat,
		tokens:  tokens,
		expiry:  newExpiryManager(),
		limiter: newIPLimiter(opts.UploadsPerMinute),
		conns:   newConnLimiter(opts.MaxConns, opts.MaxConnsPerIP),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		uploads: make(map[string]*upload),
	}, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /uploads", s.handleCreateUpload)
	mux.HandleFunc("GET /socket", s.handleSocket)
	mux.HandleFunc("GET /objects/{ref}", s.handleObject)
	mux.HandleFunc("GET /files/{ref}", s.handleFile)
	return mux
}

// Close stops ticket timers and discards uploads that never finished.
func (s *Server) Close() {
	s.expiry.stopAll()
	s.mu.Lock()
	pending := make([]*upload, 0, len(s.uploads))
	for ref, u := range s.uploads {
		pending = append(pending, u)
		delete(s.uploads, ref)
	}
	s.mu.Unlock()
	for _, u := range pending {
		u.receiver.Abort()
	}
}

// startUpload registers a fresh receiver for ticket on connID. A rejoin by
// the same connection discards the previous partial upload.
func (s *Server) startUpload(ticket session.Ticket, topic, connID, joinRef string) (*upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.uploads[ticket.Ref]; ok {
		if existing.connID != connID {
			return nil, hub.ErrTopicOwned
		}
		existing.receiver.Abort()
		delete(s.uploads, ticket.Ref)
	}
	rcv, err := transfer.NewReceiver(s.opts.ObjectsDir, ticket.Ref, s.opts.MaxObjectSize)
	if err != nil {
		return nil, err
	}
	u := &upload{
		ref:      ticket.Ref,
		topic:    topic,
		connID:   connID,
		joinRef:  joinRef,
		ticket:   ticket,
		receiver: rcv,
	}
	s.uploads[ticket.Ref] = u
	return u, nil
}

// lookup returns the upload for ref owned by connID.
func (s *Server) lookup(ref, connID string) *upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[ref]
	if !ok || u.connID != connID {
		return nil
	}
	return u
}

// remove forgets u if it is still registered.
func (s *Server) remove(u *upload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads[u.ref] == u {
		delete(s.uploads, u.ref)
	}
}

// abort discards the uncommitted upload for ref on connID, if any.
func (s *Server) abort(ref, connID string) {
	if u := s.lookup(ref, connID); u != nil {
		s.remove(u)
		u.receiver.Abort()
		s.logger.Debug("upload aborted", "ref", ref, "bytes", u.receiver.Written())
	}
}

// abortConn discards every upload owned by connID.
func (s *Server) abortConn(connID string) {
	s.mu.Lock()
	var owned []*upload
	for ref, u := range s.uploads {
		if u.connID == connID {
			owned = append(owned, u)
			delete(s.uploads, ref)
		}
	}
	s.mu.Unlock()
	for _, u := range owned {
		u.receiver.Abort()
		s.logger.Info("upload abandoned", "ref", u.ref, "bytes", u.receiver.Written())
	}
}

// expire runs when a ticket's lifetime ends. An upload still streaming on
// it is discarded and its channel receives phx_error.
func (s *Server) expire(ref string) {
	s.store.Delete(ref)

	s.mu.Lock()
	u, ok := s.uploads[ref]
	if ok {
		delete(s.uploads, ref)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("upload ticket expired", "ref", ref)
		return
	}

	u.receiver.Abort()
	env, err := protocol.NewEnvelope(u.topic, protocol.EventError, "", protocol.ErrorReason{Reason: protocol.ReasonExpired})
	if err == nil {
		env.JoinRef = u.joinRef
		s.hub.Publish(u.topic, env)
	}
	s.hub.Release(u.topic, u.connID)
	s.logger.Info("upload ticket expired during upload", "ref", ref, "bytes", u.receiver.Written())
}
