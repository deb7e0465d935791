package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/embedder"
	"github.com/soyeahso/docchat/internal/vectorstore"
)

// VectorStore implements vectorstore.Store on the chunks table. Similarity
// is computed in process over the session's rows.
type VectorStore struct {
	db  *DB
	emb embedder.Embedder
}

// NewVectorStore creates a vector store using the given database and embedder.
func NewVectorStore(db *DB, emb embedder.Embedder) *VectorStore {
	return &VectorStore{db: db, emb: emb}
}

// Add embeds all chunks, then stores them in one transaction.
func (v *VectorStore) Add(ctx context.Context, sessionID domain.SessionID, chunks []domain.Chunk) error {
	if err := vectorstore.CheckChunks(sessionID, chunks); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	vecs, err := vectorstore.EmbedChunks(ctx, v.emb, chunks)
	if err != nil {
		return err
	}

	tx, err := v.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (session_id, file_name, metadata, text, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare add: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.DateTime)
	for i, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			string(sessionID), c.Metadata.FileName, string(meta), c.Text, encodeVector(vecs[i]), now,
		); err != nil {
			return fmt.Errorf("inserting chunk %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add: %w", err)
	}

	v.db.log.Debug().Str("session", string(sessionID)).Int("chunks", len(chunks)).Msg("chunks stored")
	return nil
}

// Search scores every chunk of the session against the query.
func (v *VectorStore) Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Result, error) {
	if q.SessionID == "" {
		return nil, vectorstore.ErrMissingSession
	}
	qvec, err := vectorstore.EmbedQuery(ctx, v.emb, q.Text)
	if err != nil {
		return nil, err
	}

	rows, err := v.db.sql.QueryContext(ctx,
		`SELECT metadata, text, embedding FROM chunks WHERE session_id = ? ORDER BY id`,
		string(q.SessionID),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []vectorstore.Result
	for rows.Next() {
		var metaJSON, text string
		var blob []byte
		if err := rows.Scan(&metaJSON, &text, &blob); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		var meta domain.Metadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		score := vectorstore.Cosine(qvec, decodeVector(blob))
		if !vectorstore.Keep(q, meta, score) {
			continue
		}
		results = append(results, vectorstore.Result{
			Chunk: domain.Chunk{Text: text, Metadata: meta},
			Score: score,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return vectorstore.Rank(results, q.TopK), nil
}

// Delete removes the session's chunks matching filter.
func (v *VectorStore) Delete(ctx context.Context, sessionID domain.SessionID, filter map[string]string) (int, error) {
	if sessionID == "" {
		return 0, vectorstore.ErrMissingSession
	}
	if len(filter) == 0 {
		res, err := v.db.sql.ExecContext(ctx, `DELETE FROM chunks WHERE session_id = ?`, string(sessionID))
		if err != nil {
			return 0, fmt.Errorf("delete: %w", err)
		}
		n, err := res.RowsAffected()
		return int(n), err
	}

	rows, err := v.db.sql.QueryContext(ctx,
		`SELECT id, metadata FROM chunks WHERE session_id = ?`, string(sessionID))
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	var ids []any
	for rows.Next() {
		var id int64
		var metaJSON string
		if err := rows.Scan(&id, &metaJSON); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning chunk: %w", err)
		}
		var meta domain.Metadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			rows.Close()
			return 0, fmt.Errorf("decoding metadata: %w", err)
		}
		if meta.Matches(filter) {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := v.db.sql.ExecContext(ctx, `DELETE FROM chunks WHERE id IN (`+placeholders+`)`, ids...)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close is a no-op; the database is owned by the caller.
func (v *VectorStore) Close() error { return nil }

// encodeVector packs a vector as little-endian float32s.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
