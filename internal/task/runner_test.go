package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/ingest"
	"github.com/ebenwert/ingestd/internal/pipeline"
)

type transition struct {
	from, to ingest.TaskStatus
	message  string
	retries  int
}

type fakeTaskStore struct {
	mu          sync.Mutex
	rec         ingest.TaskRecord
	transitions []transition
	retryCalls  []string
}

func newFakeTaskStore(status ingest.TaskStatus) *fakeTaskStore {
	return &fakeTaskStore{rec: ingest.TaskRecord{
		ID:     "task-1",
		Source: ingest.SourceCrawledURL,
		Status: status,
	}}
}

func (s *fakeTaskStore) CreateTask(context.Context, ingest.TaskRecord) error { return nil }

func (s *fakeTaskStore) GetTask(context.Context, string) (ingest.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, nil
}

func (s *fakeTaskStore) TransitionTask(_ context.Context, _ string, from, to ingest.TaskStatus, message string, retryCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Status != from {
		return false, nil
	}
	s.rec.Status = to
	s.rec.Message = message
	s.rec.RetryCount = retryCount
	s.transitions = append(s.transitions, transition{from: from, to: to, message: message, retries: retryCount})
	return true, nil
}

func (s *fakeTaskStore) RecordRetry(_ context.Context, _ string, retryCount int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.RetryCount = retryCount
	s.rec.Message = message
	s.retryCalls = append(s.retryCalls, message)
	return nil
}

func (s *fakeTaskStore) ReapStale(context.Context, time.Time, string) (int, error) { return 0, nil }

func (s *fakeTaskStore) status() ingest.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Status
}

func (s *fakeTaskStore) message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Message
}

type fakeDocStore struct {
	mu        sync.Mutex
	created   []ingest.Document
	existing  *ingest.Document
	createErr error
}

func (s *fakeDocStore) CreateDocument(_ context.Context, doc ingest.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, doc)
	return nil
}

func (s *fakeDocStore) GetDocument(context.Context, string) (ingest.Document, error) {
	return ingest.Document{}, errors.New("not found")
}

func (s *fakeDocStore) ListDocuments(context.Context, int64) ([]ingest.Document, error) {
	return nil, nil
}

func (s *fakeDocStore) FindByContentHash(context.Context, int64, string) (ingest.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existing != nil {
		return *s.existing, true, nil
	}
	return ingest.Document{}, false, nil
}

type fakeBlobStore struct {
	mu    sync.Mutex
	paths []string
}

func (s *fakeBlobStore) PutObject(_ context.Context, path, _ string, _ []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
	return "mem://" + path, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload)
	return "msg-1", nil
}

// fakePipe returns scripted errors per attempt, then results. A nil script
// entry means success.
type fakePipe struct {
	mu      sync.Mutex
	script  []error
	result  pipeline.Result
	calls   int
	block   bool
	waitCtx bool
}

func (p *fakePipe) Run(ctx context.Context, _ string) (pipeline.Result, error) {
	if p.block {
		// Simulates a wedged browser that ignores cancellation.
		time.Sleep(2 * time.Second)
		return pipeline.Result{}, errors.New("wedged")
	}
	if p.waitCtx {
		// Simulates a slow render that does honor cancellation.
		<-ctx.Done()
		return pipeline.Result{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.calls
	p.calls++
	if call < len(p.script) && p.script[call] != nil {
		return pipeline.Result{}, p.script[call]
	}
	return p.result, nil
}

func (p *fakePipe) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeHasher struct{}

func (fakeHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("h-%d", len(data)), nil
}

type fakeIDs struct{ next int }

func (g *fakeIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("doc-%d", g.next), nil
}

func goodResult() pipeline.Result {
	return pipeline.Result{
		Extraction: ingest.ExtractionResult{
			Headline:       "Quarterly Report",
			Body:           "body text of the article",
			ParagraphCount: 4,
			Strategy:       ingest.StrategyArticleTag,
			Metadata: ingest.ExtractionMetadata{
				SourceURL: "https://example.com/report",
			},
		},
		Page: ingest.RenderedPage{
			URL:      "https://example.com/report",
			FinalURL: "https://example.com/report",
			HTML:     []byte("<html><body>snapshot</body></html>"),
			Duration: 2 * time.Second,
		},
	}
}

func testMessage() ingest.TaskMessage {
	return ingest.TaskMessage{TaskID: "task-1", URL: "https://example.com/report", CollectionID: 7}
}

type runnerDeps struct {
	tasks *fakeTaskStore
	docs  *fakeDocStore
	blobs *fakeBlobStore
	pub   *fakePublisher
	pipe  *fakePipe
}

func newTestRunner(t *testing.T, cfg Config, deps runnerDeps, retry *RetryPolicy) *Runner {
	t.Helper()
	if retry == nil {
		retry = NewRetryPolicy().WithBackoff(time.Millisecond, 5*time.Millisecond)
	}
	// Assign through untyped nils so an omitted dependency stays a nil
	// interface rather than a non-nil interface wrapping a nil pointer.
	var blobs ingest.BlobStore
	if deps.blobs != nil {
		blobs = deps.blobs
	}
	var pub ingest.Publisher
	if deps.pub != nil {
		pub = deps.pub
	}
	return NewRunner(cfg, nil, deps.tasks, deps.docs, blobs, pub,
		deps.pipe, retry, fakeHasher{}, nil, &fakeIDs{}, zap.NewNop())
}

func TestProcessSuccessStoresDocumentAndPublishes(t *testing.T) {
	t.Parallel()

	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusPending),
		docs:  &fakeDocStore{},
		blobs: &fakeBlobStore{},
		pub:   &fakePublisher{},
		pipe:  &fakePipe{result: goodResult()},
	}
	r := newTestRunner(t, Config{Topic: "ingest-events"}, deps, nil)

	r.Process(context.Background(), testMessage())

	require.Equal(t, ingest.TaskStatusSuccess, deps.tasks.status())
	require.Equal(t, "document created (strategy: article_tag)", deps.tasks.message())

	require.Len(t, deps.docs.created, 1)
	doc := deps.docs.created[0]
	require.Equal(t, int64(7), doc.CollectionID)
	require.Equal(t, "Quarterly Report", doc.Title)
	require.Equal(t, ingest.StrategyArticleTag, doc.Metadata.ExtractionStrategy)
	require.NotEmpty(t, doc.ContentHash)
	require.Contains(t, doc.Metadata.SnapshotURI, "mem://snapshots/task-1/")

	require.Len(t, deps.pub.events, 1)
	event, ok := deps.pub.events[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "task-1", event["task_id"])
	require.Equal(t, doc.ID, event["document_id"])
}

func TestProcessDeduplicatesOnContentHash(t *testing.T) {
	t.Parallel()

	existing := ingest.Document{ID: "doc-existing", CollectionID: 7, ContentHash: "h-24"}
	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusPending),
		docs:  &fakeDocStore{existing: &existing},
		pipe:  &fakePipe{result: goodResult()},
	}
	r := newTestRunner(t, Config{}, deps, nil)

	r.Process(context.Background(), testMessage())

	require.Equal(t, ingest.TaskStatusSuccess, deps.tasks.status())
	require.Contains(t, deps.tasks.message(), "duplicate content, reused existing document")
	require.Empty(t, deps.docs.created)
}

func TestProcessRejectedURLFailsWithGenericMessage(t *testing.T) {
	t.Parallel()

	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusPending),
		docs:  &fakeDocStore{},
		pipe: &fakePipe{script: []error{
			&ingest.URLRejectedError{URL: "http://169.254.169.254/", Reason: ingest.RejectBlockedHost},
		}},
	}
	r := newTestRunner(t, Config{}, deps, nil)

	r.Process(context.Background(), testMessage())

	require.Equal(t, ingest.TaskStatusFailed, deps.tasks.status())
	require.Equal(t, ingest.GenericRejectionMessage, deps.tasks.message())
	// Rejections are never retried.
	require.Equal(t, 1, deps.pipe.callCount())
	require.Empty(t, deps.tasks.retryCalls)
}

func TestProcessRetriesTransientThenFails(t *testing.T) {
	t.Parallel()

	timeoutErr := &ingest.RenderError{URL: "https://example.com/report", Stage: "navigate", Err: context.DeadlineExceeded}
	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusPending),
		docs:  &fakeDocStore{},
		pipe:  &fakePipe{script: []error{timeoutErr, timeoutErr}},
	}
	retry := NewRetryPolicy().WithMaxAttempts(2).WithBackoff(time.Millisecond, 5*time.Millisecond)
	r := newTestRunner(t, Config{}, deps, retry)

	r.Process(context.Background(), testMessage())

	require.Equal(t, 2, deps.pipe.callCount())
	require.Len(t, deps.tasks.retryCalls, 1)
	require.Contains(t, deps.tasks.retryCalls[0], "attempt 1/2")

	require.Equal(t, ingest.TaskStatusFailed, deps.tasks.status())
	require.Contains(t, deps.tasks.message(), "timeout")
	require.Equal(t, "fetch failed after 2 attempts: navigation timeout", deps.tasks.message())
	require.Equal(t, 1, deps.tasks.rec.RetryCount)
}

func TestProcessRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusPending),
		docs:  &fakeDocStore{},
		pipe: &fakePipe{
			script: []error{&ingest.RenderError{URL: "u", Stage: "navigate", Err: errors.New("tab crashed")}},
			result: goodResult(),
		},
	}
	r := newTestRunner(t, Config{}, deps, nil)

	r.Process(context.Background(), testMessage())

	require.Equal(t, 2, deps.pipe.callCount())
	require.Equal(t, ingest.TaskStatusSuccess, deps.tasks.status())
	require.Len(t, deps.docs.created, 1)
}

func TestProcessExtractionFailureListsStrategies(t *testing.T) {
	t.Parallel()

	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusPending),
		docs:  &fakeDocStore{},
		pipe: &fakePipe{script: []error{
			&ingest.ExtractionError{URL: "u", Attempted: ingest.Strategies()},
		}},
	}
	r := newTestRunner(t, Config{}, deps, nil)

	r.Process(context.Background(), testMessage())

	require.Equal(t, ingest.TaskStatusFailed, deps.tasks.status())
	require.Equal(t,
		"no content could be extracted (strategies tried: article_tag, main_tag, largest_block_heuristic)",
		deps.tasks.message())
	require.Equal(t, 1, deps.pipe.callCount())
}

func TestProcessSkipsUnclaimableTask(t *testing.T) {
	t.Parallel()

	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusDismissed),
		docs:  &fakeDocStore{},
		pipe:  &fakePipe{result: goodResult()},
	}
	r := newTestRunner(t, Config{}, deps, nil)

	r.Process(context.Background(), testMessage())

	require.Equal(t, ingest.TaskStatusDismissed, deps.tasks.status())
	require.Zero(t, deps.pipe.callCount())
}

func TestProcessStopsWhenDismissedMidFlight(t *testing.T) {
	t.Parallel()

	timeoutErr := &ingest.RenderError{URL: "u", Stage: "navigate", Err: context.DeadlineExceeded}
	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusPending),
		docs:  &fakeDocStore{},
		pipe:  &fakePipe{script: []error{timeoutErr, timeoutErr, timeoutErr}},
	}
	r := newTestRunner(t, Config{}, deps, nil)

	// Dismiss the task after the first attempt claims it. The dismissal
	// check before attempt two must stop the work without overwriting the
	// DISMISSED status.
	go func() {
		time.Sleep(500 * time.Microsecond)
		deps.tasks.mu.Lock()
		deps.tasks.rec.Status = ingest.TaskStatusDismissed
		deps.tasks.mu.Unlock()
	}()

	r.Process(context.Background(), testMessage())

	require.Equal(t, ingest.TaskStatusDismissed, deps.tasks.status())
	for _, tr := range deps.tasks.transitions {
		require.NotEqual(t, ingest.TaskStatusSuccess, tr.to)
		require.NotEqual(t, ingest.TaskStatusFailed, tr.to)
	}
}

func TestProcessDocumentStoreFailureFailsTask(t *testing.T) {
	t.Parallel()

	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusPending),
		docs:  &fakeDocStore{createErr: errors.New("insert failed")},
		pipe:  &fakePipe{result: goodResult()},
	}
	r := newTestRunner(t, Config{}, deps, nil)

	r.Process(context.Background(), testMessage())

	require.Equal(t, ingest.TaskStatusFailed, deps.tasks.status())
	require.Equal(t, "failed to store extracted document", deps.tasks.message())
}

func TestProcessSucceedsWithoutBlobStoreOrPublisher(t *testing.T) {
	t.Parallel()

	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusPending),
		docs:  &fakeDocStore{},
		pipe:  &fakePipe{result: goodResult()},
	}
	r := newTestRunner(t, Config{}, deps, nil)

	r.Process(context.Background(), testMessage())

	require.Equal(t, ingest.TaskStatusSuccess, deps.tasks.status())
	require.Len(t, deps.docs.created, 1)
	require.Empty(t, deps.docs.created[0].Metadata.SnapshotURI)
}

func TestProcessSoftTimeoutFailsCleanly(t *testing.T) {
	t.Parallel()

	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusPending),
		docs:  &fakeDocStore{},
		pipe:  &fakePipe{waitCtx: true},
	}
	cfg := Config{SoftTimeout: 20 * time.Millisecond, HardTimeout: 500 * time.Millisecond}
	r := newTestRunner(t, cfg, deps, nil)

	start := time.Now()
	r.Process(context.Background(), testMessage())

	// The soft handler, not the hard watchdog, must have ended the task.
	require.Less(t, time.Since(start), cfg.HardTimeout)
	require.Equal(t, ingest.TaskStatusFailed, deps.tasks.status())
	require.Equal(t, "task exceeded soft time limit", deps.tasks.message())
}

func TestProcessHardTimeoutAbandonsTask(t *testing.T) {
	t.Parallel()

	deps := runnerDeps{
		tasks: newFakeTaskStore(ingest.TaskStatusPending),
		docs:  &fakeDocStore{},
		pipe:  &fakePipe{block: true},
	}
	cfg := Config{SoftTimeout: 20 * time.Millisecond, HardTimeout: 60 * time.Millisecond}
	r := newTestRunner(t, cfg, deps, nil)

	start := time.Now()
	r.Process(context.Background(), testMessage())

	require.Less(t, time.Since(start), time.Second)
	// No terminal status is written; the wedged row is the reaper's job.
	require.Equal(t, ingest.TaskStatusInProgress, deps.tasks.status())
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultSoftTimeout, cfg.SoftTimeout)
	require.Equal(t, DefaultHardTimeout, cfg.HardTimeout)
	require.Greater(t, cfg.HardTimeout, cfg.SoftTimeout)
	require.Equal(t, "snapshots", cfg.BlobPrefix)
	require.Equal(t, ingest.SourceCrawledURL, cfg.Source)
}
