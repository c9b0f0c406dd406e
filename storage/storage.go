// Package storage provides the snapshot fetch and create call backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"notes-sync/domain"
)

type entityLister interface {
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

type messageQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage reads notes from Azure Tables and submits creations to the command
// queue. All notes of one owner share a partition.
type Storage struct {
	notesTable   entityLister
	commandQueue messageQueue
	owner        string
	now          func() time.Time
	logger       *log.Logger
	dropped      atomic.Uint64
}

// New creates a Storage instance from the given connection string. logger may
// be nil.
func New(connStr, notesTable, commandQueue, owner string, logger *log.Logger) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, fmt.Errorf("tables client: %w", err)
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, commandQueue, &queueClientOptions)
	if err != nil {
		return nil, fmt.Errorf("queue client: %w", err)
	}
	return &Storage{
		notesTable:   svc.NewClient(notesTable),
		commandQueue: cq,
		owner:        owner,
		now:          time.Now,
		logger:       logger,
	}, nil
}

var retryStatusCodes = []int{408, 429, 500, 502, 503, 504}

type noteEntity struct {
	aztables.Entity
	Title     string `json:"Title"`
	Body      string `json:"Body"`
	Status    string `json:"Status"`
	CreatedAt string `json:"CreatedAt"`
}

func (e noteEntity) note() (domain.Note, error) {
	n := domain.Note{ID: e.RowKey, Title: e.Title, Body: e.Body, Status: domain.Status(e.Status)}
	if n.Status == "" {
		n.Status = domain.StatusPending
	}
	if !n.Status.Valid() {
		return domain.Note{}, fmt.Errorf("note %s: %w: invalid status %q", e.RowKey, domain.ErrMalformedEvent, e.Status)
	}
	switch {
	case e.CreatedAt != "":
		t, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
		if err != nil {
			return domain.Note{}, fmt.Errorf("note %s: createdAt: %w", e.RowKey, err)
		}
		n.CreatedAt = t.UTC()
	case !time.Time(e.Timestamp).IsZero():
		n.CreatedAt = time.Time(e.Timestamp).UTC()
	}
	return n, nil
}

// FetchNotes lists every note of the owner, oldest first. A missing table is
// an empty collection. Rows that do not decode are logged and skipped.
func (s *Storage) FetchNotes(ctx context.Context) ([]domain.Note, error) {
	filter := "PartitionKey eq '" + strings.ReplaceAll(s.owner, "'", "''") + "'"
	pager := s.notesTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	notes := []domain.Note{}
	index := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			var re *azcore.ResponseError
			if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
				return []domain.Note{}, nil
			}
			return nil, fmt.Errorf("list notes: %w", err)
		}
		for _, raw := range resp.Entities {
			n, err := decodeEntity(raw)
			if err != nil {
				skipNote(s.logger, index, err)
				s.dropped.Add(1)
			} else {
				notes = append(notes, n)
			}
			index++
		}
	}
	domain.SortOldestFirst(notes)
	return notes, nil
}

// Dropped returns the number of rows skipped as malformed.
func (s *Storage) Dropped() uint64 {
	return s.dropped.Load()
}

func decodeEntity(raw []byte) (domain.Note, error) {
	var ent noteEntity
	if err := sonic.Unmarshal(raw, &ent); err != nil {
		return domain.Note{}, fmt.Errorf("%w: note entity: %v", domain.ErrMalformedEvent, err)
	}
	return ent.note()
}

func skipNote(logger *log.Logger, index int, err error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger.WithError(err).WithField("index", index).Warn("skipping malformed snapshot note")
}

// CreateNote enqueues a create-note command and returns the note it will
// produce. The note appears in the collection only through the stream.
func (s *Storage) CreateNote(ctx context.Context, title, body string) (domain.Note, error) {
	now := s.now().UTC()
	note := domain.Note{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      body,
		CreatedAt: now,
		Status:    domain.StatusPending,
	}
	data, err := sonic.Marshal(domain.CreateNoteData{
		NoteID:    note.ID,
		Title:     title,
		Body:      body,
		CreatedAt: now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return domain.Note{}, err
	}
	cmdID := uuid.NewString()
	env := domain.CommandEnvelope{
		OwnerID: s.owner,
		Command: domain.Command{
			ID:             cmdID,
			IdempotencyKey: cmdID,
			EntityType:     domain.NoteEntity,
			Type:           domain.CreateNote,
			Data:           sonic.NoCopyRawMessage(data),
			Timestamp:      now.UnixMilli(),
		},
	}
	msg, err := sonic.Marshal(env)
	if err != nil {
		return domain.Note{}, err
	}
	if _, err := s.commandQueue.EnqueueMessage(ctx, string(msg), nil); err != nil {
		return domain.Note{}, fmt.Errorf("enqueue %s: %w", domain.CreateNote, err)
	}
	return note, nil
}
