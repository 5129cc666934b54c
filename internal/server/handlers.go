package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"os"
	"time"

	"github.com/sheerbytes/sealdrop/internal/catalog"
	"github.com/sheerbytes/sealdrop/internal/transfer"
	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

const maxRequestBytes = 4096

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	if ip := clientIP(r); !s.limiter.Allow(ip) {
		sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req protocol.UploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := transfer.ValidateName(req.Name); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Size < 0 {
		sendError(w, http.StatusBadRequest, "invalid size")
		return
	}
	if req.Size > s.opts.MaxObjectSize {
		sendError(w, http.StatusRequestEntityTooLarge, protocol.ReasonTooLarge)
		return
	}
	if s.store.Count() >= maxPendingTickets && len(s.store.CleanupExpired(time.Now())) == 0 {
		sendError(w, http.StatusTooManyRequests, "upload limit reached")
		return
	}

	ticket := s.store.Create(req.Name, req.Size, req.Encrypted)
	if !ticket.ExpiresAt.IsZero() {
		ref := ticket.Ref
		s.expiry.schedule(ref, time.Until(ticket.ExpiresAt), func() { s.expire(ref) })
	}

	resp := protocol.UploadTicket{
		Ref:            ticket.Ref,
		Topic:          protocol.UploadTopic(ticket.Ref),
		Token:          s.tokens.Sign(ticket.Ref, ticket.ExpiresAt),
		ChunkSize:      s.opts.ChunkSize,
		ChunkTimeoutMs: int(s.opts.ChunkTimeout / time.Millisecond),
		ExpiresAt:      ticket.ExpiresAt,
	}
	writeJSON(w, http.StatusCreated, resp)
	s.logger.Info("upload ticket issued", "ref", ticket.Ref, "name", req.Name, "size", req.Size, "encrypted", req.Encrypted)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, protocol.ObjectInfo{
		Ref:        rec.Ref,
		Name:       rec.Name,
		Size:       rec.Size,
		StoredSize: rec.StoredSize,
		Encrypted:  rec.Encrypted,
		URL:        s.fileURL(r, rec.Ref),
		CreatedAt:  rec.CreatedAt,
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		s.logger.Error("stored object missing", "ref", rec.Ref, "path", rec.Path, "error", err)
		if errors.Is(err, os.ErrNotExist) {
			if err := s.catalog.Delete(rec.Ref); err != nil {
				s.logger.Warn("failed to drop stale record", "ref", rec.Ref, "error", err)
			}
		}
		sendError(w, http.StatusNotFound, protocol.ReasonNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Name}))
	http.ServeContent(w, r, "", rec.CreatedAt, f)
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) (catalog.Record, bool) {
	ref := r.PathValue("ref")
	if transfer.ValidateName(ref) != nil {
		sendError(w, http.StatusNotFound, protocol.ReasonNotFound)
		return catalog.Record{}, false
	}
	rec, err := s.catalog.Get(ref)
	if errors.Is(err, catalog.ErrNotFound) {
		sendError(w, http.StatusNotFound, protocol.ReasonNotFound)
		return catalog.Record{}, false
	}
	if err != nil {
		s.logger.Error("catalog lookup failed", "ref", ref, "error", err)
		sendError(w, http.StatusServiceUnavailable, protocol.ReasonUnavailable)
		return catalog.Record{}, false
	}
	return rec, true
}

func (s *Server) fileURL(r *http.Request, ref string) string {
	base := s.opts.PublicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/files/" + ref
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
