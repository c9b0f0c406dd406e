package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

const queueAlreadyExists = "QueueAlreadyExists"

type tableCreator interface {
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
}

type queueCreator interface {
	Create(ctx context.Context, options *azqueue.CreateOptions) (azqueue.CreateResponse, error)
}

// Provision creates the notes table and the command queue when missing.
func Provision(ctx context.Context, connStr, notesTable, commandQueue string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return fmt.Errorf("tables client: %w", err)
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, commandQueue, nil)
	if err != nil {
		return fmt.Errorf("queue client: %w", err)
	}
	return provision(ctx, svc.NewClient(notesTable), q)
}

func provision(ctx context.Context, table tableCreator, queue queueCreator) error {
	if _, err := table.CreateTable(ctx, nil); err != nil && !isAlreadyExists(err, string(aztables.TableAlreadyExists)) {
		return fmt.Errorf("create table: %w", err)
	}
	if _, err := queue.Create(ctx, nil); err != nil && !isAlreadyExists(err, queueAlreadyExists) {
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

func isAlreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
