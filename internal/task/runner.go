// Package task runs queued ingestion work through the extraction pipeline,
// enforcing the status lifecycle, retry policy and time limits.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/ingest"
	"github.com/ebenwert/ingestd/internal/metrics"
	"github.com/ebenwert/ingestd/internal/pipeline"
)

// Default time limits. The soft limit bounds a single task end to end; the
// hard limit is the last line of defense against a wedged browser. Both must
// stay below the reaper's grace period.
const (
	DefaultSoftTimeout = 10 * time.Minute
	DefaultHardTimeout = 15 * time.Minute

	msgProcessingStarted = "processing started"
	msgSoftTimeout       = "task exceeded soft time limit"
	msgStoreFailed       = "failed to store extracted document"
)

// PipelineRunner is the fetch-and-extract operation a runner executes per
// attempt. Satisfied by *pipeline.Pipeline.
type PipelineRunner interface {
	Run(ctx context.Context, rawURL string) (pipeline.Result, error)
}

// Config tunes a Runner.
type Config struct {
	SoftTimeout time.Duration
	HardTimeout time.Duration
	// BlobPrefix is the object path prefix for archived page snapshots.
	// Snapshots are skipped when no blob store is configured.
	BlobPrefix  string
	ContentType string
	// Topic receives document-created events when a publisher is configured.
	Topic  string
	Source string
}

func (c Config) withDefaults() Config {
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = DefaultSoftTimeout
	}
	if c.HardTimeout <= c.SoftTimeout {
		c.HardTimeout = c.SoftTimeout + 5*time.Minute
	}
	if c.BlobPrefix == "" {
		c.BlobPrefix = "snapshots"
	}
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	if c.Source == "" {
		c.Source = ingest.SourceCrawledURL
	}
	return c
}

// Runner consumes task messages and drives each one to a terminal status.
type Runner struct {
	cfg       Config
	queue     ingest.Queue
	tasks     ingest.TaskStore
	docs      ingest.DocumentStore
	blobs     ingest.BlobStore
	publisher ingest.Publisher
	pipe      PipelineRunner
	retry     *RetryPolicy
	hasher    ingest.Hasher
	clock     ingest.Clock
	ids       ingest.IDGenerator
	logger    *zap.Logger
}

// NewRunner wires a runner. blobs and publisher may be nil; snapshots and
// events are then skipped.
func NewRunner(
	cfg Config,
	queue ingest.Queue,
	tasks ingest.TaskStore,
	docs ingest.DocumentStore,
	blobs ingest.BlobStore,
	publisher ingest.Publisher,
	pipe PipelineRunner,
	retry *RetryPolicy,
	hasher ingest.Hasher,
	clock ingest.Clock,
	ids ingest.IDGenerator,
	logger *zap.Logger,
) *Runner {
	if retry == nil {
		retry = NewRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg.withDefaults(),
		queue:     queue,
		tasks:     tasks,
		docs:      docs,
		blobs:     blobs,
		publisher: publisher,
		pipe:      pipe,
		retry:     retry,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

// Run consumes the queue until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		msg, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		r.Process(ctx, msg)
	}
}

type attemptOutcome struct {
	result   pipeline.Result
	err      error
	attempts int
}

// Process drives one task message to completion. Exported so a dispatcher or
// test can feed messages directly.
func (r *Runner) Process(ctx context.Context, msg ingest.TaskMessage) {
	started := r.now()

	ok, err := r.tasks.TransitionTask(ctx, msg.TaskID,
		ingest.TaskStatusPending, ingest.TaskStatusInProgress, msgProcessingStarted, 0)
	if err != nil {
		r.logger.Error("claim task failed", zap.String("task_id", msg.TaskID), zap.Error(err))
		return
	}
	if !ok {
		// Dismissed before work started, or another worker got here first.
		r.logger.Info("task not claimable, skipping", zap.String("task_id", msg.TaskID))
		return
	}

	softCtx, cancel := context.WithTimeout(ctx, r.cfg.SoftTimeout)
	defer cancel()

	outcome := make(chan attemptOutcome, 1)
	go func() {
		result, attempts, err := r.attempt(softCtx, msg)
		outcome <- attemptOutcome{result: result, err: err, attempts: attempts}
	}()

	hard := time.NewTimer(r.cfg.HardTimeout)
	defer hard.Stop()

	select {
	case out := <-outcome:
		r.finish(ctx, msg, out, started)
	case <-hard.C:
		// The attempt goroutine is wedged past even the soft deadline firing.
		// Cancel and walk away; the reaper will fail the row once it goes
		// stale. Writing FAILED here could race a worker that eventually
		// unwedges.
		cancel()
		r.logger.Error("hard time limit exceeded, abandoning attempt",
			zap.String("task_id", msg.TaskID),
			zap.String("url", msg.URL),
			zap.Duration("hard_timeout", r.cfg.HardTimeout))
	case <-ctx.Done():
		r.logger.Warn("shutdown while task in progress, leaving for reaper",
			zap.String("task_id", msg.TaskID))
	}
}

// attempt runs the pipeline with bounded retries. Returns the attempt count
// alongside the final result or error.
func (r *Runner) attempt(ctx context.Context, msg ingest.TaskMessage) (pipeline.Result, int, error) {
	attempt := 0
	for {
		attempt++

		if err := r.checkDismissed(ctx, msg.TaskID); err != nil {
			return pipeline.Result{}, attempt, err
		}

		result, err := r.pipe.Run(ctx, msg.URL)
		if err == nil {
			return result, attempt, nil
		}
		if !r.retry.ShouldRetry(ctx, err, attempt) {
			// A soft-deadline expiry surfaces as the context error itself so
			// the terminal message names the time limit, not the stage the
			// pipeline happened to be in.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return pipeline.Result{}, attempt, ctxErr
			}
			return pipeline.Result{}, attempt, err
		}

		metrics.TaskRetried()
		retryMsg := fmt.Sprintf("retrying after transient failure (attempt %d/%d)", attempt, r.retry.MaxAttempts())
		if rerr := r.tasks.RecordRetry(ctx, msg.TaskID, attempt, retryMsg); rerr != nil {
			r.logger.Warn("record retry failed", zap.String("task_id", msg.TaskID), zap.Error(rerr))
		}
		r.logger.Warn("attempt failed, retrying",
			zap.String("task_id", msg.TaskID),
			zap.String("url", msg.URL),
			zap.Int("attempt", attempt),
			zap.Error(err))

		wait := time.NewTimer(r.retry.Backoff(attempt))
		select {
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			return pipeline.Result{}, attempt, ctx.Err()
		}
	}
}

func (r *Runner) checkDismissed(ctx context.Context, taskID string) error {
	rec, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		// Transient store trouble should not kill the attempt.
		r.logger.Warn("dismissal check failed", zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	if rec.Status == ingest.TaskStatusDismissed {
		return ingest.ErrTaskDismissed
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, msg ingest.TaskMessage, out attemptOutcome, started time.Time) {
	if out.err != nil {
		r.fail(ctx, msg, out, started)
		return
	}

	doc, reused, err := r.storeDocument(ctx, msg, out.result)
	if err != nil {
		r.logger.Error("document store failed",
			zap.String("task_id", msg.TaskID), zap.Error(err))
		r.setTerminal(ctx, msg.TaskID, ingest.TaskStatusFailed, msgStoreFailed, out.attempts-1, started)
		return
	}

	metrics.ExtractionSucceeded(string(out.result.Extraction.Strategy))
	metrics.RenderObserved(out.result.Page.Duration)
	r.publishDocumentCreated(ctx, msg, doc, out.result)

	successMsg := fmt.Sprintf("document created (strategy: %s)", out.result.Extraction.Strategy)
	if reused {
		successMsg = fmt.Sprintf("duplicate content, reused existing document (strategy: %s)", out.result.Extraction.Strategy)
	}
	r.setTerminal(ctx, msg.TaskID, ingest.TaskStatusSuccess, successMsg, out.attempts-1, started)
	r.logger.Info("task succeeded",
		zap.String("task_id", msg.TaskID),
		zap.String("document_id", doc.ID),
		zap.String("strategy", string(out.result.Extraction.Strategy)),
		zap.Bool("deduplicated", reused))
}

func (r *Runner) fail(ctx context.Context, msg ingest.TaskMessage, out attemptOutcome, started time.Time) {
	if errors.Is(out.err, ingest.ErrTaskDismissed) {
		r.logger.Info("task dismissed mid-flight, stopping",
			zap.String("task_id", msg.TaskID))
		metrics.TaskFinished(string(ingest.TaskStatusDismissed), r.now().Sub(started))
		return
	}

	r.logger.Warn("task failed",
		zap.String("task_id", msg.TaskID),
		zap.String("url", msg.URL),
		zap.Int("attempts", out.attempts),
		zap.Error(out.err))

	r.setTerminal(ctx, msg.TaskID, ingest.TaskStatusFailed, r.failureMessage(out), out.attempts-1, started)
}

// failureMessage builds the user-visible terminal message. Rejection details
// stay in the logs; users only ever see the generic text.
func (r *Runner) failureMessage(out attemptOutcome) string {
	var rejected *ingest.URLRejectedError
	if errors.As(out.err, &rejected) {
		return ingest.GenericRejectionMessage
	}

	var extraction *ingest.ExtractionError
	if errors.As(out.err, &extraction) {
		names := make([]string, len(extraction.Attempted))
		for i, s := range extraction.Attempted {
			names[i] = string(s)
		}
		return fmt.Sprintf("no content could be extracted (strategies tried: %s)", strings.Join(names, ", "))
	}

	var render *ingest.RenderError
	if errors.As(out.err, &render) {
		if render.Timeout() {
			return fmt.Sprintf("fetch failed after %d attempts: navigation timeout", out.attempts)
		}
		return fmt.Sprintf("fetch failed after %d attempts", out.attempts)
	}

	if errors.Is(out.err, context.DeadlineExceeded) {
		return msgSoftTimeout
	}

	return fmt.Sprintf("fetch failed after %d attempts", out.attempts)
}

// storeDocument deduplicates on content hash before inserting. Returns the
// stored (or reused) document and whether it was a duplicate.
func (r *Runner) storeDocument(ctx context.Context, msg ingest.TaskMessage, result pipeline.Result) (ingest.Document, bool, error) {
	hash, err := r.hasher.Hash([]byte(result.Extraction.Body))
	if err != nil {
		return ingest.Document{}, false, fmt.Errorf("hash content: %w", err)
	}

	if existing, found, err := r.docs.FindByContentHash(ctx, msg.CollectionID, hash); err != nil {
		r.logger.Warn("dedup lookup failed", zap.String("task_id", msg.TaskID), zap.Error(err))
	} else if found {
		return existing, true, nil
	}

	id, err := r.ids.NewID()
	if err != nil {
		return ingest.Document{}, false, fmt.Errorf("generate document id: %w", err)
	}

	doc := ingest.Document{
		ID:           id,
		CollectionID: msg.CollectionID,
		Title:        result.Extraction.Headline,
		Body:         result.Extraction.Body,
		ContentHash:  hash,
		CreatedAt:    r.now(),
		Metadata: ingest.DocumentMetadata{
			ExtractionStrategy: result.Extraction.Strategy,
			SourceURL:          result.Extraction.Metadata.SourceURL,
			Author:             result.Extraction.Metadata.Author,
			CanonicalURL:       result.Extraction.Metadata.CanonicalURL,
			SnapshotURI:        r.archiveSnapshot(ctx, msg, hash, result.Page.HTML),
		},
	}

	if err := r.docs.CreateDocument(ctx, doc); err != nil {
		return ingest.Document{}, false, fmt.Errorf("create document: %w", err)
	}
	return doc, false, nil
}

// archiveSnapshot writes the raw HTML snapshot. Best effort; an archive
// failure never fails the task.
func (r *Runner) archiveSnapshot(ctx context.Context, msg ingest.TaskMessage, hash string, html []byte) string {
	if r.blobs == nil || len(html) == 0 {
		return ""
	}
	path := fmt.Sprintf("%s/%s/%s.html", r.cfg.BlobPrefix, msg.TaskID, hash)
	uri, err := r.blobs.PutObject(ctx, path, r.cfg.ContentType, html)
	if err != nil {
		r.logger.Warn("snapshot archive failed",
			zap.String("task_id", msg.TaskID), zap.Error(err))
		return ""
	}
	return uri
}

// publishDocumentCreated emits the ingestion event. Best effort.
func (r *Runner) publishDocumentCreated(ctx context.Context, msg ingest.TaskMessage, doc ingest.Document, result pipeline.Result) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	event := map[string]any{
		"task_id":       msg.TaskID,
		"document_id":   doc.ID,
		"collection_id": msg.CollectionID,
		"url":           msg.URL,
		"strategy":      string(result.Extraction.Strategy),
		"content_hash":  doc.ContentHash,
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, event); err != nil {
		r.logger.Warn("event publish failed",
			zap.String("task_id", msg.TaskID), zap.Error(err))
	}
}

func (r *Runner) setTerminal(ctx context.Context, taskID string, status ingest.TaskStatus, message string, retries int, started time.Time) {
	if retries < 0 {
		retries = 0
	}
	ok, err := r.tasks.TransitionTask(ctx, taskID, ingest.TaskStatusInProgress, status, message, retries)
	if err != nil {
		r.logger.Error("terminal transition failed",
			zap.String("task_id", taskID),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	if !ok {
		// Reaped or dismissed out from under us; their word stands.
		r.logger.Info("terminal transition lost race",
			zap.String("task_id", taskID),
			zap.String("status", string(status)))
		return
	}
	metrics.TaskFinished(string(status), r.now().Sub(started))
}

func (r *Runner) now() time.Time {
	if r.clock != nil {
		return r.clock.Now()
	}
	return time.Now()
}
