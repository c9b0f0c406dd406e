package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"notes-sync/auth"
	"notes-sync/domain"
)

const (
	notesPath        = "/api/notes"
	maxResponseBytes = 16 << 20
)

// Client talks to a notes HTTP API.
type Client struct {
	BaseURL     string
	HTTP        *http.Client
	Credentials *auth.Credentials
	Logger      *log.Logger

	dropped atomic.Uint64
}

// NewClient returns a Client for baseURL.
func NewClient(baseURL string, creds *auth.Credentials) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: http.DefaultClient, Credentials: creds}
}

// FetchNotes retrieves the full collection, oldest first. The response is a
// JSON array of notes or an object with a "notes" array. Items that do not
// decode are logged and skipped.
func (c *Client) FetchNotes(ctx context.Context) ([]domain.Note, error) {
	body, err := c.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	items, err := noteItems(body)
	if err != nil {
		return nil, err
	}
	notes := make([]domain.Note, 0, len(items))
	for i, raw := range items {
		n, err := domain.DecodeNote(raw)
		if err != nil {
			skipNote(c.Logger, i, err)
			c.dropped.Add(1)
			continue
		}
		notes = append(notes, n)
	}
	domain.SortOldestFirst(notes)
	return notes, nil
}

// Dropped returns the number of snapshot items skipped as malformed.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

func noteItems(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	var items []json.RawMessage
	if len(body) > 0 && body[0] == '[' {
		if err := sonic.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode notes: %w", err)
		}
		return items, nil
	}
	var env struct {
		Notes []json.RawMessage `json:"notes"`
	}
	if err := sonic.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode notes: %w", err)
	}
	return env.Notes, nil
}

// CreateNote posts a creation request and returns the note echoed back, or
// the requested fields when the server does not echo one.
func (c *Client) CreateNote(ctx context.Context, title, body string) (domain.Note, error) {
	payload, err := sonic.Marshal(struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}{title, body})
	if err != nil {
		return domain.Note{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, payload)
	if err != nil {
		return domain.Note{}, err
	}
	// servers that accept asynchronously do not echo a note
	note, err := domain.DecodeNote(resp)
	if err != nil {
		return domain.Note{Title: title, Body: body, Status: domain.StatusPending}, nil
	}
	return note, nil
}

func (c *Client) do(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+notesPath, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.Credentials.Apply(req.Header); err != nil {
		return nil, err
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, notesPath, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, notesPath, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, notesPath, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, notesPath, e.StatusCode, e.Body)
}
