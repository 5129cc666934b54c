package clienthttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

func TestCreateUpload_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/uploads" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req protocol.UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Name != "a.txt" || req.Size != 3 || !req.Encrypted {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(protocol.UploadTicket{
			Ref:            "ref-1",
			Topic:          protocol.UploadTopic("ref-1"),
			Token:          "tok",
			ChunkSize:      1024,
			ChunkTimeoutMs: 5000,
			ExpiresAt:      time.Now().Add(time.Minute),
		})
	}))
	defer server.Close()

	ticket, err := New(server.URL).CreateUpload(context.Background(), protocol.UploadRequest{Name: "a.txt", Size: 3, Encrypted: true})
	if err != nil {
		t.Fatalf("CreateUpload() error = %v", err)
	}
	if ticket.Ref != "ref-1" || ticket.Token != "tok" {
		t.Errorf("unexpected ticket %+v", ticket)
	}
	if ticket.UploadConfig().ChunkTimeout() != 5*time.Second {
		t.Errorf("chunk timeout = %s", ticket.UploadConfig().ChunkTimeout())
	}
}

func TestCreateUpload_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded"}`))
	}))
	defer server.Close()

	_, err := New(server.URL).CreateUpload(context.Background(), protocol.UploadRequest{Name: "a"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusTooManyRequests || se.Message != "rate limit exceeded" {
		t.Errorf("unexpected error %+v", se)
	}
}

func TestCreateUpload_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	if _, err := New(server.URL).CreateUpload(context.Background(), protocol.UploadRequest{Name: "a"}); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestStat_NotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := New(server.URL).Stat(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStat_DefaultsURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/objects/abc" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(protocol.ObjectInfo{Ref: "abc", Name: "x", Size: 9})
	}))
	defer server.Close()

	c := New(server.URL)
	info, err := c.Stat(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.URL != server.URL+"/files/abc" {
		t.Errorf("URL = %s", info.URL)
	}
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/files/gone" {
			http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	c := New(server.URL)
	body, err := c.Fetch(context.Background(), server.URL+"/files/abc")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "payload" {
		t.Errorf("body = %q", data)
	}

	if _, err := c.Fetch(context.Background(), server.URL+"/files/gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/socket",
		"https://drop.example.com/":  "wss://drop.example.com/socket",
		"localhost:9000":             "ws://localhost:9000/socket",
		"https://example.com/prefix": "wss://example.com/prefix/socket",
	}
	for in, want := range tests {
		if got := New(in).SocketURL(); got != want {
			t.Errorf("SocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
