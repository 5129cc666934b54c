package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/sealdrop/internal/catalog"
	"github.com/sheerbytes/sealdrop/internal/transfer"
	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// socketConn is the server side of one websocket connection.
type socketConn struct {
	server    *Server
	ws        *websocket.Conn
	id        string
	logger    *slog.Logger
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	release, ok := s.conns.Acquire(ip)
	if !ok {
		sendError(w, http.StatusTooManyRequests, "connection limit reached")
		return
	}
	defer release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(int64(s.opts.ChunkSize) + frameOverhead)

	connID := protocol.NewRef()
	sc := &socketConn{
		server: s,
		ws:     ws,
		id:     connID,
		logger: s.logger.With("conn_id", connID, "remote", ip),
	}
	sc.serve()
}

func (sc *socketConn) serve() {
	s := sc.server
	unregister := s.hub.Register(sc.id, sc.write)
	defer func() {
		s.abortConn(sc.id)
		unregister()
		sc.logger.Debug("socket disconnected")
	}()
	sc.logger.Debug("socket connected")

	sc.ws.SetReadDeadline(time.Now().Add(pongWait))
	sc.ws.SetPongHandler(func(string) error {
		sc.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				sc.writeMu.Lock()
				_ = sc.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				sc.writeMu.Unlock()
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(s.opts.MessagesPerSec), s.opts.MessageBurst)
	for {
		messageType, message, err := sc.ws.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				sc.logger.Info("websocket idle timeout")
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sc.logger.Error("websocket read error", "error", err)
			}
			return
		}
		sc.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.Allow() {
			sc.logger.Warn("websocket message rate limit exceeded")
			return
		}

		env, err := decodeFrame(messageType, message)
		if err != nil {
			sc.logger.Warn("invalid frame", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			sc.logger.Warn("invalid envelope", "error", err)
			continue
		}
		sc.route(env)
	}
}

func decodeFrame(messageType int, message []byte) (protocol.Envelope, error) {
	switch messageType {
	case websocket.TextMessage:
		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			return protocol.Envelope{}, err
		}
		return env, nil
	case websocket.BinaryMessage:
		return protocol.DecodeBinary(message)
	}
	return protocol.Envelope{}, fmt.Errorf("unsupported message type %d", messageType)
}

func (sc *socketConn) route(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventHeartbeat:
		sc.reply(env, protocol.StatusOK, nil)
	case protocol.EventJoin:
		sc.join(env)
	case protocol.EventLeave:
		sc.leave(env)
	case protocol.EventChunk:
		sc.chunk(env)
	case protocol.EventFinished:
		sc.finish(env)
	default:
		sc.replyError(env, protocol.ReasonUnknownEvent)
	}
}

func (sc *socketConn) join(env protocol.Envelope) {
	s := sc.server
	ref, ok := protocol.UploadRef(env.Topic)
	if !ok {
		sc.replyError(env, protocol.ReasonNotFound)
		return
	}
	var params protocol.JoinParams
	_ = env.DecodePayload(&params)

	ticket, ok := s.store.Get(ref)
	if !ok {
		sc.replyError(env, protocol.ReasonNotFound)
		return
	}
	if !s.tokens.Verify(ref, ticket.ExpiresAt, params.Token) {
		sc.logger.Warn("join rejected", "ref", ref, "reason", protocol.ReasonUnauthorized)
		sc.replyError(env, protocol.ReasonUnauthorized)
		return
	}
	if err := s.hub.Claim(env.Topic, sc.id); err != nil {
		sc.replyError(env, protocol.ReasonAlreadyActive)
		return
	}
	if _, err := s.startUpload(ticket, env.Topic, sc.id, env.JoinRef); err != nil {
		s.hub.Release(env.Topic, sc.id)
		sc.logger.Error("start upload failed", "ref", ref, "error", err)
		sc.replyError(env, protocol.ReasonUnavailable)
		return
	}

	sc.logger.Info("upload joined", "ref", ref, "name", ticket.Name, "size", ticket.Size)
	sc.reply(env, protocol.StatusOK, protocol.UploadConfig{
		ChunkSize:      s.opts.ChunkSize,
		ChunkTimeoutMs: int(s.opts.ChunkTimeout / time.Millisecond),
	})
}

func (sc *socketConn) chunk(env protocol.Envelope) {
	u := sc.current(env)
	if u == nil {
		sc.replyError(env, protocol.ReasonNotJoined)
		return
	}
	offset, err := u.receiver.Write(env.Binary)
	if err != nil {
		reason := transfer.RejectReason(err)
		sc.logger.Warn("chunk rejected", "ref", u.ref, "offset", offset, "reason", reason, "error", err)
		sc.replyError(env, reason)
		return
	}
	sc.reply(env, protocol.StatusOK, protocol.ChunkAck{Offset: offset})
}

func (sc *socketConn) finish(env protocol.Envelope) {
	s := sc.server
	u := sc.current(env)
	if u == nil {
		sc.replyError(env, protocol.ReasonNotJoined)
		return
	}
	s.remove(u)

	stored, err := u.receiver.Commit()
	if err != nil {
		sc.logger.Error("commit failed", "ref", u.ref, "error", err)
		sc.replyError(env, transfer.RejectReason(err))
		return
	}
	rec := catalog.Record{
		Ref:        u.ref,
		Name:       u.ticket.Name,
		Size:       u.ticket.Size,
		StoredSize: stored.Size,
		CRC32:      stored.CRC32,
		Encrypted:  u.ticket.Encrypted,
		Path:       stored.Path,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.catalog.Put(rec); err != nil {
		os.Remove(stored.Path)
		sc.logger.Error("catalog write failed", "ref", u.ref, "error", err)
		sc.replyError(env, protocol.ReasonUnavailable)
		return
	}
	s.expiry.cancel(u.ref)
	s.store.Delete(u.ref)

	sc.logger.Info("upload stored", "ref", u.ref, "bytes", stored.Size, "crc32", fmt.Sprintf("%08x", stored.CRC32))
	sc.reply(env, protocol.StatusOK, protocol.ObjectInfo{
		Ref:        rec.Ref,
		Name:       rec.Name,
		Size:       rec.Size,
		StoredSize: rec.StoredSize,
		Encrypted:  rec.Encrypted,
		CreatedAt:  rec.CreatedAt,
	})
}

func (sc *socketConn) leave(env protocol.Envelope) {
	s := sc.server
	if ref, ok := protocol.UploadRef(env.Topic); ok {
		s.abort(ref, sc.id)
	}
	s.hub.Release(env.Topic, sc.id)
	sc.reply(env, protocol.StatusOK, nil)
}

// current returns the upload env addresses on this connection. Pushes
// carrying a join ref from an earlier join are ignored.
func (sc *socketConn) current(env protocol.Envelope) *upload {
	ref, ok := protocol.UploadRef(env.Topic)
	if !ok {
		return nil
	}
	u := sc.server.lookup(ref, sc.id)
	if u == nil || (env.JoinRef != "" && env.JoinRef != u.joinRef) {
		return nil
	}
	return u
}

func (sc *socketConn) reply(req protocol.Envelope, status string, response any) {
	env, err := protocol.NewReply(req, status, response)
	if err != nil {
		sc.logger.Error("failed to build reply", "error", err)
		return
	}
	if !sc.server.hub.SendTo(sc.id, env) {
		// A lost ack would leave the uploader waiting for a timeout.
		sc.logger.Warn("reply dropped, closing connection", "topic", req.Topic, "event", req.Event)
		sc.close()
	}
}

// close drops the socket; the read loop then exits and aborts the
// connection's uploads.
func (sc *socketConn) close() {
	sc.closeOnce.Do(func() {
		_ = sc.ws.Close()
	})
}

func (sc *socketConn) replyError(req protocol.Envelope, reason string) {
	sc.reply(req, protocol.StatusError, protocol.ErrorReason{Reason: reason})
}

// write is the hub's sender for this connection.
func (sc *socketConn) write(env protocol.Envelope) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	sc.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sc.ws.WriteJSON(env); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			sc.logger.Debug("websocket write failed", "error", err)
		}
		return err
	}
	return nil
}
