package api

import (
	"context"

	"notes-sync/domain"
	"notes-sync/reconcile"
)

// Notes is the read side the handlers observe.
type Notes interface {
	Snapshot() reconcile.View
	Subscribe() (<-chan reconcile.View, func())
}

// Creator submits creation requests to the write side. The returned note is
// never applied locally.
type Creator interface {
	CreateNote(ctx context.Context, title, body string) (domain.Note, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the create call fails.
	Remove(ctx context.Context, userID, key string) error
}

const postNoteMaxSize = 64 * 1024 // 64 KiB

type postNoteRequest struct {
	Title   string  `json:"title"`
	Body    *string `json:"body"`
	Content *string `json:"content"`
}

// POST /api/notes response body
type postNoteResponse struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Error          string `json:"error,omitempty"`
}

// CreateFailure reports an asynchronous create that did not reach the write
// side.
type CreateFailure struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Title          string `json:"title"`
	Error          string `json:"error"`

	userID string
}
