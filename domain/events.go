package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const (
	NoteEntity  = "note"
	NoteCreated = "note-created"
	NoteUpdated = "note-updated"
)

// ChangeKind tags a Change.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota + 1
	ChangeUpdated
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return NoteCreated
	case ChangeUpdated:
		return NoteUpdated
	}
	return "unknown"
}

// Change is a decoded stream notification. Created changes carry Note,
// updated changes carry ID and Fields.
type Change struct {
	Kind   ChangeKind
	Note   Note
	ID     string
	Fields NoteFields
}

// EntityID returns the id of the note the change refers to.
func (c Change) EntityID() string {
	if c.Kind == ChangeCreated {
		return c.Note.ID
	}
	return c.ID
}

// Event is the envelope published on the push channel.
type Event struct {
	ID         string          `json:"id,omitempty"`
	EntityID   string          `json:"entityId"`
	EntityType string          `json:"entityType"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Time       int64           `json:"time"`
}

type noteCreatedData struct {
	Title     string          `json:"title"`
	Body      *string         `json:"body"`
	Content   *string         `json:"content"`
	CreatedAt json.RawMessage `json:"createdAt"`
	Status    string          `json:"status"`
}

type noteUpdatedData struct {
	Title   *string `json:"title"`
	Body    *string `json:"body"`
	Content *string `json:"content"`
	Status  *string `json:"status"`
}

// bareNote is the shape of a note pushed without an envelope.
type bareNote struct {
	ID        string          `json:"id"`
	NoteID    string          `json:"noteId"`
	Title     string          `json:"title"`
	Body      *string         `json:"body"`
	Content   *string         `json:"content"`
	CreatedAt json.RawMessage `json:"createdAt"`
	Status    string          `json:"status"`
}

// DecodeChange parses a push payload. Both the event envelope and a bare note
// object (treated as a creation) are accepted.
func DecodeChange(payload []byte) (Change, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Change{}, fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(payload, &probe); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if probe.Type == "" {
		return decodeBareNote(payload)
	}

	var ev Event
	if err := sonic.Unmarshal(payload, &ev); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.EntityType != "" && ev.EntityType != NoteEntity {
		return Change{}, fmt.Errorf("%w: unexpected entity type %q", ErrMalformedEvent, ev.EntityType)
	}
	if strings.TrimSpace(ev.EntityID) == "" {
		return Change{}, fmt.Errorf("%w: missing entity id", ErrMalformedEvent)
	}

	switch ev.Type {
	case NoteCreated:
		var data noteCreatedData
		if len(ev.Data) > 0 {
			if err := sonic.Unmarshal(ev.Data, &data); err != nil {
				return Change{}, fmt.Errorf("%w: parse %s: %v", ErrMalformedEvent, ev.Type, err)
			}
		}
		note, err := data.note(ev.EntityID, ev.Time)
		if err != nil {
			return Change{}, err
		}
		return Change{Kind: ChangeCreated, Note: note}, nil
	case NoteUpdated:
		if len(ev.Data) == 0 {
			return Change{}, fmt.Errorf("%w: %s without data", ErrMalformedEvent, ev.Type)
		}
		var data noteUpdatedData
		if err := sonic.Unmarshal(ev.Data, &data); err != nil {
			return Change{}, fmt.Errorf("%w: parse %s: %v", ErrMalformedEvent, ev.Type, err)
		}
		fields, err := data.fields()
		if err != nil {
			return Change{}, err
		}
		return Change{Kind: ChangeUpdated, ID: ev.EntityID, Fields: fields}, nil
	default:
		return Change{}, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, ev.Type)
	}
}

// DecodeNote parses a single note object in the bare note shape.
func DecodeNote(raw []byte) (Note, error) {
	c, err := decodeBareNote(bytes.TrimSpace(raw))
	if err != nil {
		return Note{}, err
	}
	return c.Note, nil
}

func decodeBareNote(payload []byte) (Change, error) {
	var bn bareNote
	if err := sonic.Unmarshal(payload, &bn); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	id := bn.ID
	if id == "" {
		id = bn.NoteID
	}
	if strings.TrimSpace(id) == "" {
		return Change{}, fmt.Errorf("%w: missing note id", ErrMalformedEvent)
	}
	data := noteCreatedData{
		Title:     bn.Title,
		Body:      bn.Body,
		Content:   bn.Content,
		CreatedAt: bn.CreatedAt,
		Status:    bn.Status,
	}
	note, err := data.note(id, 0)
	if err != nil {
		return Change{}, err
	}
	return Change{Kind: ChangeCreated, Note: note}, nil
}

func (d noteCreatedData) note(id string, eventTime int64) (Note, error) {
	n := Note{ID: id, Title: d.Title, Status: StatusPending}
	switch {
	case d.Body != nil:
		n.Body = *d.Body
	case d.Content != nil:
		n.Body = *d.Content
	}
	if d.Status != "" {
		n.Status = Status(d.Status)
		if !n.Status.Valid() {
			return Note{}, fmt.Errorf("%w: invalid status %q", ErrMalformedEvent, d.Status)
		}
	}
	createdAt, err := parseCreatedAt(d.CreatedAt)
	if err != nil {
		return Note{}, err
	}
	if createdAt.IsZero() && eventTime > 0 {
		createdAt = time.UnixMilli(eventTime).UTC()
	}
	n.CreatedAt = createdAt
	return n, nil
}

func (d noteUpdatedData) fields() (NoteFields, error) {
	f := NoteFields{Title: d.Title, Body: d.Body}
	if f.Body == nil {
		f.Body = d.Content
	}
	if d.Status != nil {
		s := Status(*d.Status)
		if !s.Valid() {
			return NoteFields{}, fmt.Errorf("%w: invalid status %q", ErrMalformedEvent, *d.Status)
		}
		f.Status = &s
	}
	if f.Empty() {
		return NoteFields{}, fmt.Errorf("%w: update carries no fields", ErrMalformedEvent)
	}
	return f, nil
}

// parseCreatedAt accepts RFC 3339 strings and unix milliseconds.
func parseCreatedAt(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := sonic.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: createdAt: %v", ErrMalformedEvent, err)
		}
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: createdAt: %v", ErrMalformedEvent, err)
		}
		return t.UTC(), nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: createdAt: %v", ErrMalformedEvent, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// EncodeChange builds the envelope for c, stamped with t.
func EncodeChange(c Change, t time.Time) ([]byte, error) {
	ev := Event{EntityType: NoteEntity, Time: t.UnixMilli()}
	var data any
	switch c.Kind {
	case ChangeCreated:
		ev.Type = NoteCreated
		ev.EntityID = c.Note.ID
		data = struct {
			Title     string `json:"title"`
			Body      string `json:"body"`
			CreatedAt string `json:"createdAt,omitempty"`
			Status    Status `json:"status,omitempty"`
		}{c.Note.Title, c.Note.Body, formatTime(c.Note.CreatedAt), c.Note.Status}
	case ChangeUpdated:
		ev.Type = NoteUpdated
		ev.EntityID = c.ID
		data = c.Fields
	default:
		return nil, fmt.Errorf("encode change: unknown kind %d", c.Kind)
	}
	raw, err := sonic.Marshal(data)
	if err != nil {
		return nil, err
	}
	ev.Data = raw
	return sonic.Marshal(ev)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
