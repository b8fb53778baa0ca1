package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

func newMockStore(t *testing.T) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewRecordStoreWithPool(mock, "articles")
	require.NoError(t, err)
	return store, mock
}

func TestNewRecordStoreWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStoreWithPool(mock, "articles; DROP TABLE x")
	require.Error(t, err)

	_, err = NewRecordStoreWithPool(nil, "articles")
	require.Error(t, err)
}

func TestUpsertInsertsByIdentifierTier(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := harvest.Record{
		Identifier: "10.1126/science.abc123",
		Title:      "Quantum Dots",
		Authors:    []string{"A. Author", "B. Author"},
		Venue:      "Science",
		DetailURL:  "https://www.science.org/doi/10.1126/science.abc123",
	}

	mock.ExpectQuery(`(?s)INSERT INTO articles.*WHERE NOT EXISTS \(SELECT 1 FROM articles WHERE identifier = \$11\)`).
		WithArgs(
			"10.1126/science.abc123",
			"Quantum Dots",
			[]string{"A. Author", "B. Author"},
			"Science",
			"",
			[]string{},
			pgxmock.AnyArg(),
			rec.DetailURL,
			"",
			nil,
			"10.1126/science.abc123",
		).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	res, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, harvest.UpsertResult{Outcome: harvest.Inserted, ID: 7}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStoresTrimmedKeys(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`WHERE identifier = \$11`).
		WithArgs("10.1126/science.xyz", "Padded Title", []string{}, "", "", []string{}, pgxmock.AnyArg(),
			"", "", "f00d", "10.1126/science.xyz").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))

	res, err := store.Upsert(context.Background(), harvest.Record{
		Identifier:  "  10.1126/science.xyz\n",
		Title:       " Padded Title ",
		Fingerprint: " f00d ",
	})
	require.NoError(t, err)
	assert.Equal(t, harvest.Inserted, res.Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDuplicateOnNoRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`WHERE title = \$11`).
		WithArgs(nil, "Only Title", []string{}, "", "", []string{}, pgxmock.AnyArg(), "", "", nil, "Only Title").
		WillReturnError(pgx.ErrNoRows)

	res, err := store.Upsert(context.Background(), harvest.Record{Title: "Only Title"})
	require.NoError(t, err)
	assert.Equal(t, harvest.Duplicate, res.Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertUniqueViolationIsDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`WHERE fingerprint = \$11`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "abc").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	res, err := store.Upsert(context.Background(), harvest.Record{Title: "T", Fingerprint: "abc"})
	require.NoError(t, err)
	assert.Equal(t, harvest.Duplicate, res.Outcome)
}

func TestUpsertBackendErrorIsStoreUnavailable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO articles`).WillReturnError(errors.New("connection reset"))

	_, err := store.Upsert(context.Background(), harvest.Record{Title: "T"})
	require.ErrorIs(t, err, harvest.ErrStoreUnavailable)
}

func TestUpsertRequiresTitle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	_, err := store.Upsert(context.Background(), harvest.Record{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExists(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM articles WHERE identifier = \$1\)`).
		WithArgs("10.1/x").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.Exists(context.Background(), harvest.Record{Identifier: "10.1/x", Title: "X"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(context.Background(), harvest.Record{})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDetailsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE articles SET`).
		WithArgs(int64(3), "abstract", []string{"k"}, pgxmock.AnyArg(), "https://x/pdf").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SaveDetails(context.Background(), harvest.Record{
		ID: 3, Abstract: "abstract", Keywords: []string{"k"}, ArtifactURL: "https://x/pdf",
	})
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestMarkDownloaded(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM articles`).
		WithArgs(int64(5), "abc").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`UPDATE articles SET`).
		WithArgs(int64(5), "/tmp/out/Paper.pdf", "abc").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkDownloaded(context.Background(), 5, "/tmp/out/Paper.pdf", "abc"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDownloadedDropsFingerprintDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM articles`).
		WithArgs(int64(5), "abc").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	err := store.MarkDownloaded(context.Background(), 5, "/tmp/out/Paper.pdf", "abc")
	require.ErrorIs(t, err, harvest.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDownloadedUniqueRace(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM articles`).
		WithArgs(int64(5), "abc").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`UPDATE articles SET`).
		WithArgs(int64(5), "/tmp/a.pdf", "abc").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec(`DELETE FROM articles WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	err := store.MarkDownloaded(context.Background(), 5, "/tmp/a.pdf", "abc")
	require.ErrorIs(t, err, harvest.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedTruncates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	long := make([]byte, 900)
	for i := range long {
		long[i] = 'e'
	}
	mock.ExpectExec(`attempts = attempts \+ 1`).
		WithArgs(int64(2), string(long[:harvest.MaxErrorLen])).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkFailed(context.Background(), 2, string(long)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueFailedSkipsAccessDenied(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`status = 'failed' AND attempts < \$1 AND last_error NOT LIKE \$2`).
		WithArgs(3, "access_denied:%").
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := store.RequeueFailed(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestFetchPendingScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	published := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
	cols := []string{
		"id", "identifier", "title", "authors", "venue", "abstract", "keywords", "publication_date",
		"detail_url", "artifact_url", "local_path", "fingerprint", "status", "attempts", "last_error",
	}
	mock.ExpectQuery(`FROM articles\s+WHERE status = \$1\s+ORDER BY id\s+LIMIT \$2`).
		WithArgs("pending", 10).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(1), "10.1/a", "A", []string{"X"}, "Science", "", []string{}, published,
				"https://d/a", "", "", "", "pending", 0, "").
			AddRow(int64(2), "", "B", []string{}, "", "", []string{}, nil,
				"https://d/b", "", "", "", "pending", 1, "transfer_failed: eof"))

	recs, err := store.FetchPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "10.1/a", recs[0].Identifier)
	require.NotNil(t, recs[0].PublicationDate)
	assert.True(t, published.Equal(*recs[0].PublicationDate))
	assert.Nil(t, recs[1].PublicationDate)
	assert.Equal(t, harvest.StatusPending, recs[1].State.Status)
	assert.Equal(t, 1, recs[1].State.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByStatusZeroLimit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	recs, err := store.ListByStatus(context.Background(), harvest.StatusFailed, 0)
	require.NoError(t, err)
	assert.Nil(t, recs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for range Schema("articles") {
		mock.ExpectExec(`CREATE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
