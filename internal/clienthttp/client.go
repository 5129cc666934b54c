package clienthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sheerbytes/sealdrop/pkg/protocol"
)

// requestTimeout bounds metadata requests. Object fetches are bounded only by
// the caller's context.
const requestTimeout = 5 * time.Second

// ErrNotFound is returned when the server has no object or ticket for a ref.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Is matches ErrNotFound for 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Client talks to the sealdropd HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for serverURL. A missing scheme defaults to http.
func New(serverURL string) *Client {
	base := strings.TrimRight(serverURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, http: &http.Client{}}
}

// BaseURL returns the normalized server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SocketURL returns the websocket endpoint matching the server URL.
func (c *Client) SocketURL() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket"
	return u.String()
}

// CreateUpload requests an upload ticket via POST /uploads.
func (c *Client) CreateUpload(ctx context.Context, req protocol.UploadRequest) (protocol.UploadTicket, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.UploadTicket{}, fmt.Errorf("encode request: %w", err)
	}
	var ticket protocol.UploadTicket
	if err := c.doJSON(ctx, http.MethodPost, "/uploads", body, &ticket); err != nil {
		return protocol.UploadTicket{}, err
	}
	if ticket.Ref == "" || ticket.Token == "" {
		return protocol.UploadTicket{}, fmt.Errorf("incomplete upload ticket")
	}
	return ticket, nil
}

// Stat returns the metadata of a stored object via GET /objects/{ref}.
func (c *Client) Stat(ctx context.Context, ref string) (protocol.ObjectInfo, error) {
	var info protocol.ObjectInfo
	if err := c.doJSON(ctx, http.MethodGet, "/objects/"+url.PathEscape(ref), nil, &info); err != nil {
		return protocol.ObjectInfo{}, err
	}
	if info.URL == "" {
		info.URL = c.baseURL + "/files/" + url.PathEscape(ref)
	}
	return info, nil
}

// Fetch opens the byte stream at rawURL. The caller closes the body.
func (c *Client) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
