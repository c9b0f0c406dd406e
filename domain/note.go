package domain

import (
	"slices"
	"strings"
	"time"
)

// Status reflects downstream processing of a note.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDone:
		return true
	}
	return false
}

// Note is a single entry of the notes collection.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
}

// NoteFields carries a subset of the mutable note fields. A nil field is not
// part of the change.
type NoteFields struct {
	Title  *string `json:"title,omitempty"`
	Body   *string `json:"body,omitempty"`
	Status *Status `json:"status,omitempty"`
}

// Empty reports whether no field is carried.
func (f NoteFields) Empty() bool {
	return f.Title == nil && f.Body == nil && f.Status == nil
}

// Apply replaces exactly the carried fields on n.
func (f NoteFields) Apply(n *Note) {
	if f.Title != nil {
		n.Title = *f.Title
	}
	if f.Body != nil {
		n.Body = *f.Body
	}
	if f.Status != nil {
		n.Status = *f.Status
	}
}

// SortOldestFirst orders notes by creation time, ties broken by id. Snapshot
// sources return notes in this order.
func SortOldestFirst(notes []Note) {
	slices.SortStableFunc(notes, func(a, b Note) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
