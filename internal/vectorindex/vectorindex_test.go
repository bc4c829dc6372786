package vectorindex

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	idx, err := Open(context.Background(), db, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return idx
}

func TestUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	must(idx.Upsert(ctx, "skills", "a", []float32{1, 0, 0}, map[string]any{"name": "a"}))
	must(idx.Upsert(ctx, "skills", "b", []float32{0, 1, 0}, map[string]any{"name": "b"}))
	must(idx.Upsert(ctx, "skills", "c", []float32{0.9, 0.1, 0}, map[string]any{"name": "c"}))

	results, err := idx.Search(ctx, "skills", []float32{1, 0, 0}, 2, 0)
	must(err)
	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	if results[0].ID != "a" {
		t.Fatalf("want top result 'a', got %q", results[0].ID)
	}
	if results[0].Score < results[1].Score {
		t.Fatalf("results not sorted descending: %+v", results)
	}
}

func TestUpsertReplacesPriorVector(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t)

	if err := idx.Upsert(ctx, "skills", "a", []float32{1, 0}, nil); err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(ctx, "skills", "a", []float32{0, 1}, nil); err != nil {
		t.Fatal(err)
	}
	results, err := idx.Search(ctx, "skills", []float32{0, 1}, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Score < 0.99 {
		t.Fatalf("expected replaced vector to match query closely, got %+v", results)
	}
}

func TestSearchDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t)
	if err := idx.Upsert(ctx, "skills", "a", []float32{1, 0, 0}, nil); err != nil {
		t.Fatal(err)
	}
	_, err := idx.Search(ctx, "skills", []float32{1, 0}, 1, 0)
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestDeleteRemovesVector(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t)
	if err := idx.Upsert(ctx, "skills", "a", []float32{1, 0}, nil); err != nil {
		t.Fatal(err)
	}
	if err := idx.Delete(ctx, "skills", "a"); err != nil {
		t.Fatal(err)
	}
	results, err := idx.Search(ctx, "skills", []float32{1, 0}, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results after delete, got %+v", results)
	}
}

func TestSearchTieBreakByID(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t)
	if err := idx.Upsert(ctx, "skills", "z", []float32{1, 0}, nil); err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(ctx, "skills", "a", []float32{1, 0}, nil); err != nil {
		t.Fatal(err)
	}
	results, err := idx.Search(ctx, "skills", []float32{1, 0}, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ID != "a" {
		t.Fatalf("expected tie-break by id ascending, got %q first", results[0].ID)
	}
}
