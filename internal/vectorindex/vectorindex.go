// Package vectorindex implements the persistent K->embedding store and
// cosine k-NN search described in spec §4.1. Storage is SQLite
// (github.com/mattn/go-sqlite3, matching internal/persistence); embeddings
// are kept as JSON-encoded float32 slices and search is brute-force cosine
// similarity, the same approach used by the retrieval pack's nevindra-oasis
// sqlite store for its skills/messages/chunks vector search.
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/cis-node/cis/internal/cerr"
)

// Result is a single search hit.
type Result struct {
	ID       string
	Score    float32
	Metadata map[string]any
}

// Index is a persistent, per-collection vector store with exact cosine k-NN.
type Index struct {
	db     *sql.DB
	logger *slog.Logger

	// dims caches the fixed embedding dimension observed per collection so
	// upsert can reject mismatches without a query (spec: "dimension
	// mismatch fails with InvalidInput").
	dims map[string]int
}

// Open creates/opens the vector index table in the given SQLite database
// connection. The caller owns db's lifecycle (shared with other persistence
// tables per spec §6 "single storage adapter").
func Open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS vector_index (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	embedding  TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	dims       INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_vector_index_collection ON vector_index(collection);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, "vectorindex", "create schema", err)
	}
	idx := &Index{db: db, logger: logger, dims: map[string]int{}}
	if err := idx.loadDims(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) loadDims(ctx context.Context) error {
	rows, err := idx.db.QueryContext(ctx, `SELECT collection, MAX(dims) FROM vector_index GROUP BY collection`)
	if err != nil {
		return cerr.Wrap(cerr.KindInternal, "vectorindex", "load dims", err)
	}
	defer rows.Close()
	for rows.Next() {
		var coll string
		var d int
		if err := rows.Scan(&coll, &d); err != nil {
			return cerr.Wrap(cerr.KindInternal, "vectorindex", "scan dims", err)
		}
		idx.dims[coll] = d
	}
	return rows.Err()
}

// Upsert replaces any prior vector with the same id (spec §4.1).
func (idx *Index) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	if id == "" {
		return cerr.New(cerr.KindInvalidInput, "vectorindex", "id must be non-empty")
	}
	if len(vector) == 0 {
		return cerr.New(cerr.KindInvalidInput, "vectorindex", "vector must be non-empty")
	}
	if want, ok := idx.dims[collection]; ok && want != len(vector) {
		return cerr.New(cerr.KindInvalidInput, "vectorindex",
			fmt.Sprintf("dimension mismatch: collection %q expects %d, got %d", collection, want, len(vector)))
	}

	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return cerr.Wrap(cerr.KindInternal, "vectorindex", "marshal vector", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return cerr.Wrap(cerr.KindInternal, "vectorindex", "marshal metadata", err)
	}

	_, err = idx.db.ExecContext(ctx, `
INSERT INTO vector_index (collection, id, embedding, metadata, dims, updated_at)
VALUES (?, ?, ?, ?, ?, strftime('%s','now'))
ON CONFLICT(collection, id) DO UPDATE SET
	embedding = excluded.embedding,
	metadata = excluded.metadata,
	dims = excluded.dims,
	updated_at = excluded.updated_at
`, collection, id, string(vecJSON), string(metaJSON), len(vector))
	if err != nil {
		return cerr.Wrap(cerr.KindInternal, "vectorindex", "upsert", err)
	}
	idx.dims[collection] = len(vector)
	return nil
}

// Delete removes a vector by id within a collection.
func (idx *Index) Delete(ctx context.Context, collection, id string) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM vector_index WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return cerr.Wrap(cerr.KindInternal, "vectorindex", "delete", err)
	}
	return nil
}

// Search returns the top-k nearest neighbours to query within collection,
// filtered to score >= minScore, sorted by score descending with ties
// broken by id ascending for deterministic output (spec §4.1, §4.4).
func (idx *Index) Search(ctx context.Context, collection string, query []float32, k int, minScore float32) ([]Result, error) {
	if k <= 0 {
		return nil, cerr.New(cerr.KindInvalidInput, "vectorindex", "k must be positive")
	}
	if want, ok := idx.dims[collection]; ok && want != len(query) {
		return nil, cerr.New(cerr.KindInvalidInput, "vectorindex",
			fmt.Sprintf("dimension mismatch: collection %q expects %d, got %d", collection, want, len(query)))
	}

	rows, err := idx.db.QueryContext(ctx, `SELECT id, embedding, metadata FROM vector_index WHERE collection = ?`, collection)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, "vectorindex", "query", err)
	}
	defer rows.Close()

	var candidates []Result
	for rows.Next() {
		var id, vecJSON, metaJSON string
		if err := rows.Scan(&id, &vecJSON, &metaJSON); err != nil {
			return nil, cerr.Wrap(cerr.KindInternal, "vectorindex", "scan", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
			return nil, cerr.Wrap(cerr.KindInternal, "vectorindex", "unmarshal vector", err)
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			meta = map[string]any{}
		}
		score := cosineSimilarity(query, vec)
		if score < minScore {
			continue
		}
		candidates = append(candidates, Result{ID: id, Score: score, Metadata: meta})
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, "vectorindex", "rows", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// cosineSimilarity computes the cosine similarity between two equal-length
// vectors. Mismatched lengths are treated as zero overlap past the shorter
// vector's length (callers are expected to have already validated
// dimensions via Upsert/Search).
func cosineSimilarity(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
