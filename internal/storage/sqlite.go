package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"scoperoute/internal/knowledge"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates or opens a SQLite database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS passages (
			id TEXT PRIMARY KEY,
			cube TEXT NOT NULL,
			source TEXT,
			title TEXT,
			text TEXT,
			embedding BLOB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_passages_cube ON passages(cube);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// --- PassageStore Implementation ---

func (s *SQLiteStore) SavePassages(ctx context.Context, items []knowledge.VectorItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertPassages(ctx, tx, items); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceCube swaps the whole content of a cube in one transaction and
// returns how many rows were removed. On error the cube is left untouched.
func (s *SQLiteStore) ReplaceCube(ctx context.Context, cube string, items []knowledge.VectorItem) (int64, error) {
	for _, item := range items {
		if item.Passage.Cube != cube {
			return 0, fmt.Errorf("passage %s belongs to cube %q, not %q", item.Passage.ID, item.Passage.Cube, cube)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM passages WHERE cube = ?", cube)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := upsertPassages(ctx, tx, items); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}

func upsertPassages(ctx context.Context, tx *sql.Tx, items []knowledge.VectorItem) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO passages (id, cube, source, title, text, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cube=excluded.cube,
			source=excluded.source,
			title=excluded.title,
			text=excluded.text,
			embedding=excluded.embedding
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, item := range items {
		p := item.Passage
		blob, err := encodeVector(item.Embedding)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.Cube, p.Source, p.Title, p.Text, blob); err != nil {
			return fmt.Errorf("failed to save passage %s: %w", p.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) CountByCube(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT cube, COUNT(*) FROM passages GROUP BY cube")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var cube string
		var n int
		if err := rows.Scan(&cube, &n); err != nil {
			return nil, err
		}
		counts[cube] = n
	}
	return counts, rows.Err()
}

// --- VectorStore Implementation ---

// SearchCube scores every passage of the cube in memory and returns the topK
// best by cosine similarity. topK <= 0 returns them all.
func (s *SQLiteStore) SearchCube(ctx context.Context, cube string, queryVector []float32, topK int) ([]knowledge.Passage, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, cube, source, title, text, embedding FROM passages WHERE cube = ?", cube)
	if err != nil {
		return nil, fmt.Errorf("failed to query passages: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		passage knowledge.Passage
		score   float32
	}
	var candidates []candidate

	for rows.Next() {
		var p knowledge.Passage
		var source, title sql.NullString
		var blob []byte
		if err := rows.Scan(&p.ID, &p.Cube, &source, &title, &p.Text, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan passage: %w", err)
		}
		p.Source = source.String
		p.Title = title.String

		embedding, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("passage %s: %w", p.ID, err)
		}
		candidates = append(candidates, candidate{passage: p, score: cosineSimilarity(queryVector, embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Stable on id so equal scores come back in a deterministic order.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].passage.ID < candidates[j].passage.ID
	})

	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	result := make([]knowledge.Passage, len(candidates))
	for i, c := range candidates {
		result[i] = c.passage
	}
	return result, nil
}

func encodeVector(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has odd length %d", len(blob))
	}
	v := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float32
	for i := 0; i < len(a); i++ {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(magA))) * float32(math.Sqrt(float64(magB))))
}
