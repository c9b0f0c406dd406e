package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

type fakeTableCreator struct {
	err   error
	calls int
}

func (f *fakeTableCreator) CreateTable(context.Context, *aztables.CreateTableOptions) (aztables.CreateTableResponse, error) {
	f.calls++
	return aztables.CreateTableResponse{}, f.err
}

type fakeQueueCreator struct {
	err   error
	calls int
}

func (f *fakeQueueCreator) Create(context.Context, *azqueue.CreateOptions) (azqueue.CreateResponse, error) {
	f.calls++
	return azqueue.CreateResponse{}, f.err
}

func TestProvisionCreatesResources(t *testing.T) {
	table, queue := &fakeTableCreator{}, &fakeQueueCreator{}
	if err := provision(context.Background(), table, queue); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if table.calls != 1 || queue.calls != 1 {
		t.Fatalf("expected one create each, got table=%d queue=%d", table.calls, queue.calls)
	}
}

func TestProvisionToleratesExisting(t *testing.T) {
	table := &fakeTableCreator{err: &azcore.ResponseError{StatusCode: 409, ErrorCode: string(aztables.TableAlreadyExists)}}
	queue := &fakeQueueCreator{err: &azcore.ResponseError{StatusCode: 409, ErrorCode: queueAlreadyExists}}
	if err := provision(context.Background(), table, queue); err != nil {
		t.Fatalf("existing resources must not fail: %v", err)
	}
}

func TestProvisionPropagatesErrors(t *testing.T) {
	boom := errors.New("forbidden")
	if err := provision(context.Background(), &fakeTableCreator{err: boom}, &fakeQueueCreator{}); !errors.Is(err, boom) {
		t.Fatalf("expected table error, got %v", err)
	}
	if err := provision(context.Background(), &fakeTableCreator{}, &fakeQueueCreator{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected queue error, got %v", err)
	}
}
