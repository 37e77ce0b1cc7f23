// Package db backs the vector index with Postgres and the pgvector
// extension through bun. One row in collections holds the manifest; entries
// holds the chunk rows with their embedding vectors. Search ranks in SQL
// with the pgvector distance operators, so all three similarity metrics are
// supported.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the database/sql "postgres" driver for tooling that opens
	// the DSN directly; the store itself connects through pgdriver.
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"docqa/internal/models"
)

// Collection is the manifest row for a named collection. The name is the
// stable lookup key; the ID changes on every rebuild.
type Collection struct {
	bun.BaseModel `bun:"table:collections,alias:c"`

	ID           string    `bun:"id,pk"`
	Name         string    `bun:"name,notnull"`
	Dimension    int       `bun:"dimension,notnull"`
	Metric       string    `bun:"metric,notnull"`
	ChunkSize    int       `bun:"chunk_size,notnull"`
	ChunkOverlap int       `bun:"chunk_overlap,notnull"`
	EntryCount   int       `bun:"entry_count,notnull"`
	UpdatedAt    time.Time `bun:"updated_at,notnull"`
}

// Entry is one stored chunk with its embedding.
type Entry struct {
	bun.BaseModel `bun:"table:entries,alias:e"`

	ChunkID      string            `bun:"chunk_id,pk"`
	CollectionID string            `bun:"collection_id,notnull"`
	Seq          int               `bun:"seq,notnull"`
	Text         string            `bun:"content,notnull"`
	StartOffset  int               `bun:"start_offset,notnull"`
	EndOffset    int               `bun:"end_offset,notnull"`
	Overlap      int               `bun:"overlap,notnull"`
	Metadata     map[string]string `bun:"metadata,type:jsonb"`
	Embedding    string            `bun:"embedding"` // pgvector literal, e.g. "[0.1,0.2]"
	Score        float64           `bun:"score,scanonly"`
}

// Store implements the pipeline's vector index on Postgres/pgvector.
type Store struct {
	db         *bun.DB
	collection string
}

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn, password string, debug bool) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn), pgdriver.WithPassword(password)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// New returns a store for one named collection on an open connection.
func New(db *bun.DB, collection string) *Store {
	return &Store{db: db, collection: collection}
}

// initSchema creates the extension and tables. The embedding column is typed
// with the collection's dimensionality, so it runs per rebuild, not once.
func initSchema(ctx context.Context, db bun.IDB, dim int) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS collections (
			id text PRIMARY KEY,
			name text NOT NULL UNIQUE,
			dimension integer NOT NULL,
			metric text NOT NULL,
			chunk_size integer NOT NULL,
			chunk_overlap integer NOT NULL,
			entry_count integer NOT NULL,
			updated_at timestamptz NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS entries (
			chunk_id text PRIMARY KEY,
			collection_id text NOT NULL REFERENCES collections (id) ON DELETE CASCADE,
			seq integer NOT NULL,
			content text NOT NULL,
			start_offset integer NOT NULL,
			end_offset integer NOT NULL,
			overlap integer NOT NULL,
			metadata jsonb,
			embedding vector(%d) NOT NULL
		)`, dim),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: initializing schema: %v", models.ErrPersistence, err)
		}
	}
	return nil
}

// Manifest loads the collection row, or ErrNotIndexed when absent.
func (s *Store) Manifest(ctx context.Context) (models.Manifest, error) {
	var col Collection
	err := s.db.NewSelect().Model(&col).Where("name = ?", s.collection).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUndefinedTable(err) {
			return models.Manifest{}, fmt.Errorf("%w: no collection %s", models.ErrNotIndexed, s.collection)
		}
		return models.Manifest{}, fmt.Errorf("%w: loading collection %s: %v", models.ErrPersistence, s.collection, err)
	}
	metric, err := models.ParseMetric(col.Metric)
	if err != nil {
		return models.Manifest{}, err
	}
	return models.Manifest{
		CollectionID: col.ID,
		Dimension:    col.Dimension,
		Metric:       metric,
		ChunkSize:    col.ChunkSize,
		ChunkOverlap: col.ChunkOverlap,
		EntryCount:   col.EntryCount,
		UpdatedAt:    col.UpdatedAt,
	}, nil
}

// Count returns the number of entries, zero when the collection is missing.
func (s *Store) Count(ctx context.Context) (int, error) {
	man, err := s.Manifest(ctx)
	if errors.Is(err, models.ErrNotIndexed) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := s.db.NewSelect().Model((*Entry)(nil)).
		Where("collection_id = ?", man.CollectionID).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: counting entries: %v", models.ErrPersistence, err)
	}
	return n, nil
}

// Upsert inserts entries, replacing rows whose chunk ID already exists while
// keeping their original sequence.
func (s *Store) Upsert(ctx context.Context, entries []models.Entry) error {
	man, err := s.Manifest(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if len(e.Vector) != man.Dimension {
			return fmt.Errorf("%w: entry %s has dimension %d, collection has %d",
				models.ErrDimensionMismatch, e.Chunk.ID, len(e.Vector), man.Dimension)
		}
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var maxSeq sql.NullInt64
		if err := tx.NewSelect().Model((*Entry)(nil)).
			ColumnExpr("max(seq)").
			Where("collection_id = ?", man.CollectionID).
			Scan(ctx, &maxSeq); err != nil {
			return err
		}
		seq := int(maxSeq.Int64) + 1

		for _, e := range entries {
			row := toRow(e, man.CollectionID)
			row.Seq = seq
			res, err := tx.NewUpdate().Model(row).
				Column("content", "start_offset", "end_offset", "overlap", "metadata", "embedding").
				WherePK().
				Where("collection_id = ?", man.CollectionID).
				Exec(ctx)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				continue // replaced in place, original seq kept
			}
			if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return err
			}
			seq++
		}

		n, err := tx.NewSelect().Model((*Entry)(nil)).
			Where("collection_id = ?", man.CollectionID).Count(ctx)
		if err != nil {
			return err
		}
		_, err = tx.NewUpdate().Model((*Collection)(nil)).
			Set("entry_count = ?", n).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", man.CollectionID).
			Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: upserting entries: %v", models.ErrPersistence, err)
	}
	return nil
}

// Rebuild replaces the collection wholesale inside one transaction, so a
// concurrent reader sees the old rows or the new rows, never a mix. When the
// embedding dimensionality changed, the embedding column is retyped as part
// of the same transaction, so rebuilding with a consistent provider recovers
// from a dimension mismatch.
func (s *Store) Rebuild(ctx context.Context, man models.Manifest, entries []models.Entry) error {
	for _, e := range entries {
		if len(e.Vector) != man.Dimension {
			return fmt.Errorf("%w: entry %s has dimension %d, manifest declares %d",
				models.ErrDimensionMismatch, e.Chunk.ID, len(e.Vector), man.Dimension)
		}
	}
	storedDim, err := embeddingDimension(ctx, s.db)
	if err != nil {
		return err
	}
	if err := initSchema(ctx, s.db, man.Dimension); err != nil {
		return err
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Collection)(nil)).
			Where("name = ?", s.collection).Exec(ctx); err != nil {
			return err
		}
		if storedDim != 0 && storedDim != man.Dimension {
			// Retyping needs the table empty; rows of another collection
			// still pin the old dimensionality.
			n, err := tx.NewSelect().Model((*Entry)(nil)).Count(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: entries table holds dimension %d vectors for another collection",
					models.ErrDimensionMismatch, storedDim)
			}
			if _, err := tx.ExecContext(ctx, alterEmbeddingSQL(man.Dimension)); err != nil {
				return err
			}
		}
		col := &Collection{
			ID:           man.CollectionID,
			Name:         s.collection,
			Dimension:    man.Dimension,
			Metric:       string(man.Metric),
			ChunkSize:    man.ChunkSize,
			ChunkOverlap: man.ChunkOverlap,
			EntryCount:   len(entries),
			UpdatedAt:    time.Now().UTC(),
		}
		if _, err := tx.NewInsert().Model(col).Exec(ctx); err != nil {
			return err
		}
		for i, e := range entries {
			row := toRow(e, man.CollectionID)
			row.Seq = i
			if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrDimensionMismatch) {
			return err
		}
		return fmt.Errorf("%w: rebuilding collection %s: %v", models.ErrPersistence, s.collection, err)
	}
	return nil
}

// Search ranks entries in SQL using the pgvector operator for the metric,
// with the sequence as tie-break.
func (s *Store) Search(ctx context.Context, query []float32, k int, metric models.Metric) ([]models.SearchResult, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", models.ErrInvalidConfig, k)
	}
	man, err := s.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	if man.EntryCount == 0 {
		return nil, fmt.Errorf("%w: collection %s is empty", models.ErrNotIndexed, s.collection)
	}
	if len(query) != man.Dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, collection has %d",
			models.ErrDimensionMismatch, len(query), man.Dimension)
	}

	// pgvector operators return distances; scoreExpr converts each to a
	// similarity where higher is better, matching the other backends.
	var scoreExpr string
	switch metric {
	case models.MetricEuclidean:
		scoreExpr = "-(embedding <-> ?::vector)"
	case models.MetricDot:
		scoreExpr = "-(embedding <#> ?::vector)"
	default:
		scoreExpr = "1 - (embedding <=> ?::vector)"
	}
	lit := vectorLiteral(query)

	var rows []Entry
	err = s.db.NewSelect().Model(&rows).
		ColumnExpr("e.*").
		ColumnExpr(scoreExpr+" AS score", lit).
		Where("collection_id = ?", man.CollectionID).
		OrderExpr("score DESC, seq ASC").
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: searching collection %s: %v", models.ErrPersistence, s.collection, err)
	}

	results := make([]models.SearchResult, len(rows))
	for i, r := range rows {
		results[i] = models.SearchResult{
			Chunk: models.Chunk{
				ID:       r.ChunkID,
				Text:     r.Text,
				Start:    r.StartOffset,
				End:      r.EndOffset,
				Overlap:  r.Overlap,
				Metadata: r.Metadata,
			},
			Score: float32(r.Score),
		}
	}
	return results, nil
}

// Drop removes the collection row; entry rows cascade.
func (s *Store) Drop(ctx context.Context) error {
	_, err := s.db.NewDelete().Model((*Collection)(nil)).
		Where("name = ?", s.collection).Exec(ctx)
	if err != nil && !isUndefinedTable(err) {
		return fmt.Errorf("%w: dropping collection %s: %v", models.ErrPersistence, s.collection, err)
	}
	return nil
}

// Close releases the underlying connection. Each store handle owns its own
// connection, so an invalidated handle never pins one.
func (s *Store) Close() error { return s.db.Close() }

func toRow(e models.Entry, collection string) *Entry {
	return &Entry{
		ChunkID:      e.Chunk.ID,
		CollectionID: collection,
		Seq:          e.Seq,
		Text:         e.Chunk.Text,
		StartOffset:  e.Chunk.Start,
		EndOffset:    e.Chunk.End,
		Overlap:      e.Chunk.Overlap,
		Metadata:     e.Chunk.Metadata,
		Embedding:    vectorLiteral(e.Vector),
	}
}

// embeddingDimension reports the dimensionality of the entries table's
// embedding column, or 0 when the table has never been created. pgvector
// stores the dimension in the column's type modifier.
func embeddingDimension(ctx context.Context, db bun.IDB) (int, error) {
	var typmod sql.NullInt64
	err := db.NewSelect().
		ColumnExpr("atttypmod").
		TableExpr("pg_attribute").
		Where("attrelid = 'entries'::regclass").
		Where("attname = 'embedding'").
		Scan(ctx, &typmod)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUndefinedTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: reading embedding dimension: %v", models.ErrPersistence, err)
	}
	if !typmod.Valid || typmod.Int64 < 1 {
		return 0, nil
	}
	return int(typmod.Int64), nil
}

func alterEmbeddingSQL(dim int) string {
	return fmt.Sprintf("ALTER TABLE entries ALTER COLUMN embedding TYPE vector(%d)", dim)
}

// vectorLiteral renders a pgvector input literal like "[0.1,0.2,0.3]".
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}

// isUndefinedTable matches Postgres error 42P01, raised when the schema has
// never been initialized. Treated the same as a missing collection.
func isUndefinedTable(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "42P01"
	}
	return false
}
