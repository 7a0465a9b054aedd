// Package store holds the service's external Postgres surfaces: the
// chat metadata lookup and the archive-job sink. In-memory fakes back
// the tests.
package store

import (
	"context"
	"time"
)

// ArchiveJob is one durable archive-queue row. Data carries the chat's
// session scratchpad as JSON.
type ArchiveJob struct {
	ChatID           int64
	Created          time.Time
	NotBefore        time.Time
	Data             []byte
	RetriesRemaining int
}

// DefaultRetries is the retry budget written on every new archive job.
const DefaultRetries = 4

// ArchiveStore accepts archive jobs for asynchronous processing by the
// downstream archiver.
type ArchiveStore interface {
	EnqueueArchiveJob(ctx context.Context, job ArchiveJob) error
}
