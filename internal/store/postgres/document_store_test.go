package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ebenwert/ingestd/internal/ingest"
)

func newMockDocStore(t *testing.T) (*DocumentStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store := NewDocumentStoreWithPool(mock)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

func sampleDoc() ingest.Document {
	return ingest.Document{
		ID:           "d1",
		CollectionID: 7,
		Title:        "Quarterly Report",
		Body:         "extracted body",
		ContentHash:  "abc123",
		CreatedAt:    fixedNow,
		Metadata: ingest.DocumentMetadata{
			ExtractionStrategy: ingest.StrategyArticleTag,
			SourceURL:          "https://example.com/report",
		},
	}
}

func metaJSON(t *testing.T, doc ingest.Document) []byte {
	t.Helper()
	meta, err := json.Marshal(doc.Metadata)
	require.NoError(t, err)
	return meta
}

func TestCreateDocument(t *testing.T) {
	t.Parallel()

	store, mock := newMockDocStore(t)
	doc := sampleDoc()
	mock.ExpectExec("INSERT INTO documents").
		WithArgs(doc.ID, doc.CollectionID, doc.Title, doc.Body, metaJSON(t, doc), doc.ContentHash, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateDocument(context.Background(), doc))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDocumentRoundTripsMetadata(t *testing.T) {
	t.Parallel()

	store, mock := newMockDocStore(t)
	doc := sampleDoc()
	mock.ExpectQuery("SELECT (.+) FROM documents").
		WithArgs("d1").
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "collection_id", "title", "body", "metadata", "content_hash", "created_at"}).
			AddRow(doc.ID, doc.CollectionID, doc.Title, doc.Body, metaJSON(t, doc), doc.ContentHash, doc.CreatedAt))

	got, err := store.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, ingest.StrategyArticleTag, got.Metadata.ExtractionStrategy)
	require.Equal(t, "https://example.com/report", got.Metadata.SourceURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDocuments(t *testing.T) {
	t.Parallel()

	store, mock := newMockDocStore(t)
	doc := sampleDoc()
	mock.ExpectQuery("SELECT (.+) FROM documents WHERE collection_id").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "collection_id", "title", "body", "metadata", "content_hash", "created_at"}).
			AddRow("d1", int64(7), doc.Title, doc.Body, metaJSON(t, doc), "h1", fixedNow).
			AddRow("d2", int64(7), doc.Title, doc.Body, metaJSON(t, doc), "h2", fixedNow.Add(time.Minute)))

	docs, err := store.ListDocuments(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "d1", docs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByContentHash(t *testing.T) {
	t.Parallel()

	store, mock := newMockDocStore(t)
	doc := sampleDoc()
	mock.ExpectQuery("SELECT (.+) FROM documents WHERE collection_id (.+) content_hash").
		WithArgs(int64(7), "abc123").
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "collection_id", "title", "body", "metadata", "content_hash", "created_at"}).
			AddRow(doc.ID, doc.CollectionID, doc.Title, doc.Body, metaJSON(t, doc), doc.ContentHash, doc.CreatedAt))

	got, found, err := store.FindByContentHash(context.Background(), 7, "abc123")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "d1", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByContentHashMiss(t *testing.T) {
	t.Parallel()

	store, mock := newMockDocStore(t)
	mock.ExpectQuery("SELECT (.+) FROM documents WHERE collection_id (.+) content_hash").
		WithArgs(int64(7), "nope").
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "collection_id", "title", "body", "metadata", "content_hash", "created_at"}))

	_, found, err := store.FindByContentHash(context.Background(), 7, "nope")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}
