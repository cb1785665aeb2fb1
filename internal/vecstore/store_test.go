package vecstore

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"

	"github.com/hoangsonww/lumina-core/internal/log"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool() error = %v", err)
	}
	t.Cleanup(mock.Close)

	store, err := New(mock, log.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store, mock
}

func TestNew_RequiresDB(t *testing.T) {
	if _, err := New(nil, log.NewNop()); err == nil {
		t.Fatal("New(nil) should fail")
	}
}

func TestUpsert(t *testing.T) {
	store, mock := newMockStore(t)

	records := []Record{
		{ID: "doc::0", Embedding: []float32{0.1, 0.2}, Metadata: map[string]any{"source_id": "doc"}},
		{ID: "doc::1", Embedding: []float32{0.3, 0.4}, Metadata: map[string]any{"source_id": "doc"}},
	}

	for _, rec := range records {
		mock.ExpectExec("INSERT INTO vector_records").
			WithArgs("knowledge", rec.ID, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	if err := store.Upsert(context.Background(), "knowledge", records); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsert_EmptyIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	if err := store.Upsert(context.Background(), "knowledge", nil); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestQuery(t *testing.T) {
	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"id", "score", "metadata"}).
		AddRow("a::0", 0.93, []byte(`{"text":"alpha","chunk_index":0}`)).
		AddRow("b::2", 0.81, []byte(`{"text":"beta","chunk_index":2}`))

	mock.ExpectQuery("SELECT id, 1 - \\(embedding <=> \\$2\\)").
		WithArgs("knowledge", pgxmock.AnyArg(), 5).
		WillReturnRows(rows)

	matches, err := store.Query(context.Background(), "knowledge", []float32{0.1, 0.2}, 5)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2", len(matches))
	}
	if matches[0].ID != "a::0" || matches[0].Score != 0.93 {
		t.Errorf("matches[0] = %+v, want a::0 at 0.93", matches[0])
	}
	if got := matches[0].Metadata["text"]; got != "alpha" {
		t.Errorf("metadata text = %v, want alpha", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestQuery_BadMetadataDoesNotFail(t *testing.T) {
	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"id", "score", "metadata"}).
		AddRow("a::0", 0.5, []byte(`not json`))

	mock.ExpectQuery("SELECT id").
		WithArgs("knowledge", pgxmock.AnyArg(), 3).
		WillReturnRows(rows)

	matches, err := store.Query(context.Background(), "knowledge", []float32{0.1}, 3)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("len(matches) = %d, want 1", len(matches))
	}
	if len(matches[0].Metadata) != 0 {
		t.Errorf("metadata = %v, want empty", matches[0].Metadata)
	}
}

func TestQuery_RejectsNonPositiveTopK(t *testing.T) {
	store, _ := newMockStore(t)

	if _, err := store.Query(context.Background(), "knowledge", []float32{0.1}, 0); err == nil {
		t.Fatal("Query() with topK=0 should fail")
	}
}

func TestDeleteWhere(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM vector_records").
		WithArgs("knowledge", []byte(`{"source_id":"resume"}`)).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	deleted, err := store.DeleteBySource(context.Background(), "knowledge", "resume")
	if err != nil {
		t.Fatalf("DeleteBySource() error = %v", err)
	}
	if deleted != 7 {
		t.Errorf("deleted = %d, want 7", deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteWhere_NoMatchesIsNotAnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM vector_records").
		WithArgs("knowledge", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	deleted, err := store.DeleteBySource(context.Background(), "knowledge", "missing")
	if err != nil {
		t.Fatalf("DeleteBySource() error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
}

func TestDeleteWhere_RejectsEmptyFilter(t *testing.T) {
	store, _ := newMockStore(t)

	if _, err := store.DeleteWhere(context.Background(), "knowledge", nil); err == nil {
		t.Fatal("DeleteWhere() with empty filter should fail")
	}
}

func TestCount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT count").
		WithArgs("knowledge").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := store.Count(context.Background(), "knowledge")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 42 {
		t.Errorf("count = %d, want 42", count)
	}
}
