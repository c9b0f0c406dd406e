package domain

import "github.com/bytedance/sonic"

// CreateNote is the command type sent to the write side.
const CreateNote = "create-note"

// Command represents a write request for the notes collection.
type Command struct {
	ID             string                 `json:"id,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	EntityType     string                 `json:"entityType"`
	Type           string                 `json:"type"`
	Data           sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp      int64                  `json:"timestamp"`
}

// CommandEnvelope wraps a command with the owner of the collection.
type CommandEnvelope struct {
	OwnerID string  `json:"ownerId"`
	Command Command `json:"command"`
}

// CreateNoteData is the payload of a create-note command.
type CreateNoteData struct {
	NoteID    string `json:"noteId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}
