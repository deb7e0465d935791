package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/docchat/internal/domain"
)

// DocumentStore records which files were uploaded to each session.
type DocumentStore struct {
	db *DB
}

// NewDocumentStore creates a document store using the given database.
func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// Record stores an upload. Uploading the same file name again replaces the
// earlier record.
func (d *DocumentStore) Record(ctx context.Context, sessionID domain.SessionID, doc domain.Document) error {
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}
	if doc.UploadID == "" {
		doc.UploadID = uuid.NewString()
	}

	tx, err := d.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE session_id = ? AND file_name = ?`,
		string(sessionID), doc.FileName,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, session_id, file_name, kind, chunks, bytes, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.UploadID, string(sessionID), doc.FileName, doc.Kind,
		doc.Chunks, doc.Bytes, doc.UploadedAt.UTC().Format(time.DateTime),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns the session's documents, oldest upload first.
func (d *DocumentStore) List(ctx context.Context, sessionID domain.SessionID) ([]domain.Document, error) {
	rows, err := d.db.sql.QueryContext(ctx,
		`SELECT id, file_name, kind, chunks, bytes, uploaded_at
		 FROM documents WHERE session_id = ?
		 ORDER BY uploaded_at, rowid`,
		string(sessionID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		var doc domain.Document
		var uploadedAt string
		if err := rows.Scan(&doc.UploadID, &doc.FileName, &doc.Kind, &doc.Chunks, &doc.Bytes, &uploadedAt); err != nil {
			return nil, err
		}
		doc.UploadedAt, _ = time.Parse(time.DateTime, uploadedAt)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Remove deletes the record for one file. It reports whether one existed.
func (d *DocumentStore) Remove(ctx context.Context, sessionID domain.SessionID, fileName string) (bool, error) {
	res, err := d.db.sql.ExecContext(ctx,
		`DELETE FROM documents WHERE session_id = ? AND file_name = ?`,
		string(sessionID), fileName,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Clear removes every record of the session.
func (d *DocumentStore) Clear(ctx context.Context, sessionID domain.SessionID) error {
	_, err := d.db.sql.ExecContext(ctx, `DELETE FROM documents WHERE session_id = ?`, string(sessionID))
	return err
}
