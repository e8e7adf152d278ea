// Package ingest defines core types shared across the ingestion subsystems.
package ingest

import "time"

// TaskStatus represents the lifecycle state of an ingestion task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusSuccess    TaskStatus = "SUCCESS"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusDismissed  TaskStatus = "DISMISSED"
)

// Source kinds recorded on task rows.
const (
	SourceCrawledURL = "crawled_url"
	SourceFileUpload = "file_upload"
	SourceVideo      = "video"
)

// TaskRecord is the persisted unit of background work.
type TaskRecord struct {
	ID           string     `json:"id"`
	Source       string     `json:"source"`
	CollectionID int64      `json:"collection_id"`
	Status       TaskStatus `json:"status"`
	Message      string     `json:"message"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Strategy identifies which extraction strategy produced a result.
type Strategy string

// The closed set of extraction strategies, tried in this order.
const (
	StrategyArticleTag   Strategy = "article_tag"
	StrategyMainTag      Strategy = "main_tag"
	StrategyLargestBlock Strategy = "largest_block_heuristic"
)

// Strategies returns the ordered strategy chain.
func Strategies() []Strategy {
	return []Strategy{StrategyArticleTag, StrategyMainTag, StrategyLargestBlock}
}

// Valid reports whether s is one of the known strategy identifiers.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyArticleTag, StrategyMainTag, StrategyLargestBlock:
		return true
	default:
		return false
	}
}

// RenderedPage is the DOM snapshot handed to the extractor.
type RenderedPage struct {
	URL        string
	FinalURL   string
	Title      string
	StatusCode int
	HTML       []byte
	UsedJS     bool
	Duration   time.Duration
}

// ExtractionMetadata carries optional page-level facts discovered during extraction.
type ExtractionMetadata struct {
	Title        string `json:"title,omitempty"`
	Author       string `json:"author,omitempty"`
	CanonicalURL string `json:"canonical_url,omitempty"`
	SourceURL    string `json:"source_url"`
	RenderMs     int64  `json:"render_ms,omitempty"`
}

// ExtractionResult is the outcome of a successful extraction. Strategy is
// always one of the enumerated identifiers; a result with an empty strategy
// must never be constructed.
type ExtractionResult struct {
	Headline       string
	Body           string
	ParagraphCount int
	Strategy       Strategy
	Metadata       ExtractionMetadata
}

// DocumentMetadata is the structured metadata persisted with a Document.
type DocumentMetadata struct {
	ExtractionStrategy Strategy `json:"extraction_strategy"`
	SourceURL          string   `json:"source_url"`
	Author             string   `json:"author,omitempty"`
	CanonicalURL       string   `json:"canonical_url,omitempty"`
	SnapshotURI        string   `json:"snapshot_uri,omitempty"`
}

// Document is the durable output of a successful ingestion.
type Document struct {
	ID           string           `json:"id"`
	CollectionID int64            `json:"collection_id"`
	Title        string           `json:"title"`
	Body         string           `json:"body"`
	Metadata     DocumentMetadata `json:"metadata"`
	ContentHash  string           `json:"content_hash"`
	CreatedAt    time.Time        `json:"created_at"`
}

// TaskMessage is the queue payload handed to a worker.
type TaskMessage struct {
	TaskID       string
	URL          string
	CollectionID int64
	Submitted    int64
}
