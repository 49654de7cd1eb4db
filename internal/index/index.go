// Package index maintains the SQLite-backed vector index over memory chunks.
// When an embedding engine is configured, queries rank chunks by cosine
// similarity; otherwise a keyword LIKE search serves as the fallback.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"impulseguard/internal/embedding"
	"impulseguard/internal/logging"
	"impulseguard/internal/memory"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the on-disk name of the index database.
const DBFileName = "index.db"

// Result is one ranked chunk from a query.
type Result struct {
	Chunk      memory.Chunk
	Similarity float64
}

// Index is the chunk store. All access goes through one *sql.DB guarded by a
// mutex; SQLite handles a single writer well and the corpus is tiny.
type Index struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	engine embedding.Engine
}

// New opens (or creates) the index database under dir. engine may be nil.
func New(dir string, engine embedding.Engine) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	path := filepath.Join(dir, DBFileName)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		file TEXT NOT NULL,
		section TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logging.Index("Index opened: %s (engine=%s)", path, engineName(engine))
	return &Index{db: db, path: path, engine: engine}, nil
}

func engineName(e embedding.Engine) string {
	if e == nil {
		return "keyword-fallback"
	}
	return e.Name()
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db.Close()
}

// Reindex replaces the entire index with the given chunks in one transaction.
func (ix *Index) Reindex(ctx context.Context, chunks []memory.Chunk) error {
	timer := logging.StartTimer(logging.CategoryIndex, "Reindex")
	defer timer.Stop()

	embeddings, err := ix.embedAll(ctx, chunks)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reindex: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chunks"); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}
	if err := insertChunks(tx, chunks, embeddings); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reindex: %w", err)
	}

	logging.Index("Reindexed %d chunks", len(chunks))
	return nil
}

// UpsertFile replaces the indexed chunks of a single memory file.
func (ix *Index) UpsertFile(ctx context.Context, file string, chunks []memory.Chunk) error {
	embeddings, err := ix.embedAll(ctx, chunks)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chunks WHERE file = ?", file); err != nil {
		return fmt.Errorf("failed to remove stale chunks for %s: %w", file, err)
	}
	if err := insertChunks(tx, chunks, embeddings); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}

	logging.IndexDebug("Upserted %d chunks for %s", len(chunks), file)
	return nil
}

func (ix *Index) embedAll(ctx context.Context, chunks []memory.Chunk) ([][]float32, error) {
	if ix.engine == nil || len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := ix.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	return embeddings, nil
}

func insertChunks(tx *sql.Tx, chunks []memory.Chunk, embeddings [][]float32) error {
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO chunks (id, file, section, content, embedding) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		var embJSON sql.NullString
		if embeddings != nil && i < len(embeddings) {
			raw, err := json.Marshal(embeddings[i])
			if err != nil {
				return fmt.Errorf("failed to encode embedding for %s: %w", c.ID, err)
			}
			embJSON = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := stmt.Exec(c.ID, c.File, c.Section, c.Content, embJSON); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

// Query returns the top-k chunks most relevant to the query text, restricted
// to the named files when any are given. With an embedding engine the ranking
// is cosine similarity over the stored chunks; without one it degrades to a
// keyword LIKE search ordered by recency.
func (ix *Index) Query(ctx context.Context, query string, k int, files ...string) ([]Result, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "Query")
	defer timer.Stop()

	if k <= 0 {
		k = 3
	}

	if ix.engine != nil {
		results, err := ix.queryVector(ctx, query, k, files)
		if err == nil {
			return results, nil
		}
		logging.Get(logging.CategoryIndex).Warn("Vector query failed, falling back to keywords: %v", err)
	}
	return ix.queryKeyword(query, k, files)
}

// fileFilter renders an optional "AND file IN (...)" clause.
func fileFilter(files []string) (string, []interface{}) {
	if len(files) == 0 {
		return "", nil
	}
	marks := make([]string, len(files))
	args := make([]interface{}, len(files))
	for i, f := range files {
		marks[i] = "?"
		args[i] = f
	}
	return " AND file IN (" + strings.Join(marks, ", ") + ")", args
}

func (ix *Index) queryVector(ctx context.Context, query string, k int, files []string) ([]Result, error) {
	queryVec, err := ix.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	filter, args := fileFilter(files)

	ix.mu.RLock()
	rows, err := ix.db.Query("SELECT id, file, section, content, embedding FROM chunks WHERE embedding IS NOT NULL"+filter, args...)
	if err != nil {
		ix.mu.RUnlock()
		return nil, err
	}

	var chunks []memory.Chunk
	var corpus [][]float32
	for rows.Next() {
		var c memory.Chunk
		var embJSON string
		if err := rows.Scan(&c.ID, &c.File, &c.Section, &c.Content, &embJSON); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			continue
		}
		chunks = append(chunks, c)
		corpus = append(corpus, vec)
	}
	rows.Close()
	ix.mu.RUnlock()

	ranked := embedding.FindTopK(queryVec, corpus, k)
	results := make([]Result, 0, len(ranked))
	for _, r := range ranked {
		results = append(results, Result{Chunk: chunks[r.Index], Similarity: r.Similarity})
	}
	logging.IndexDebug("Vector query %q returned %d results", query, len(results))
	return results, nil
}

func (ix *Index) queryKeyword(query string, k int, files []string) ([]Result, error) {
	keywords := strings.Fields(strings.ToLower(query))
	if len(keywords) == 0 {
		return nil, nil
	}

	var conditions []string
	var args []interface{}
	for _, kw := range keywords {
		conditions = append(conditions, "LOWER(content) LIKE ?")
		args = append(args, "%"+kw+"%")
	}
	filter, filterArgs := fileFilter(files)
	sqlQuery := fmt.Sprintf(
		"SELECT id, file, section, content FROM chunks WHERE (%s)%s ORDER BY created_at DESC LIMIT ?",
		strings.Join(conditions, " OR "), filter,
	)
	args = append(args, filterArgs...)
	args = append(args, k)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rows, err := ix.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var c memory.Chunk
		if err := rows.Scan(&c.ID, &c.File, &c.Section, &c.Content); err != nil {
			continue
		}
		results = append(results, Result{Chunk: c})
	}
	logging.IndexDebug("Keyword query %q returned %d results", query, len(results))
	return results, nil
}

// Count returns the number of indexed chunks.
func (ix *Index) Count() (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var n int
	if err := ix.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Purge drops all chunks from the index.
func (ix *Index) Purge() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, err := ix.db.Exec("DELETE FROM chunks"); err != nil {
		return fmt.Errorf("failed to purge index: %w", err)
	}
	logging.Index("Index purged")
	return nil
}
