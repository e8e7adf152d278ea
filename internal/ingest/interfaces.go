package ingest

import (
	"context"
	"time"
)

// TaskStore persists task records. Status changes go through compare-and-set
// style updates so the runner and the reaper never clobber each other.
type TaskStore interface {
	CreateTask(ctx context.Context, task TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	// TransitionTask moves a task from the expected prior status to the next
	// one, replacing the message and retry count. It returns false (and no
	// error) when the task is no longer in the expected status.
	TransitionTask(ctx context.Context, id string, from, to TaskStatus, message string, retryCount int) (bool, error)
	// RecordRetry refreshes message, retry count and updated_at on a task
	// still in progress, keeping an actively retrying task out of the
	// reaper's staleness window.
	RecordRetry(ctx context.Context, id string, retryCount int, message string) error
	// ReapStale fails every IN_PROGRESS task whose updated_at is older than
	// cutoff, appending note to its message. Returns the number reaped.
	ReapStale(ctx context.Context, cutoff time.Time, note string) (int, error)
}

// DocumentStore persists ingested documents.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, id string) (Document, error)
	ListDocuments(ctx context.Context, collectionID int64) ([]Document, error)
	// FindByContentHash looks up an existing document with identical content
	// in the collection; ok is false when none exists.
	FindByContentHash(ctx context.Context, collectionID int64, hash string) (Document, bool, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes ingestion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for ingestion tasks.
type Queue interface {
	Enqueue(ctx context.Context, msg TaskMessage) error
	Dequeue(ctx context.Context) (TaskMessage, error)
}

// Hasher computes digests for content deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and document IDs.
type IDGenerator interface {
	NewID() (string, error)
}
