package session

import (
	"context"
	"sync"
	"time"

	"github.com/soyeahso/docchat/internal/domain"
)

// DocumentLog records which files a session has uploaded. store.DocumentStore
// is the SQLite implementation.
type DocumentLog interface {
	Record(ctx context.Context, sessionID domain.SessionID, doc domain.Document) error
	List(ctx context.Context, sessionID domain.SessionID) ([]domain.Document, error)
	Remove(ctx context.Context, sessionID domain.SessionID, fileName string) (bool, error)
	Clear(ctx context.Context, sessionID domain.SessionID) error
}

// MemoryDocumentLog is an in-process DocumentLog.
type MemoryDocumentLog struct {
	mu   sync.Mutex
	docs map[domain.SessionID][]domain.Document
}

func NewMemoryDocumentLog() *MemoryDocumentLog {
	return &MemoryDocumentLog{docs: make(map[domain.SessionID][]domain.Document)}
}

func (l *MemoryDocumentLog) Record(_ context.Context, sessionID domain.SessionID, doc domain.Document) error {
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	docs := l.docs[sessionID]
	for i, d := range docs {
		if d.FileName == doc.FileName {
			docs = append(docs[:i], docs[i+1:]...)
			break
		}
	}
	l.docs[sessionID] = append(docs, doc)
	return nil
}

func (l *MemoryDocumentLog) List(_ context.Context, sessionID domain.SessionID) ([]domain.Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Document(nil), l.docs[sessionID]...), nil
}

func (l *MemoryDocumentLog) Remove(_ context.Context, sessionID domain.SessionID, fileName string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	docs := l.docs[sessionID]
	for i, d := range docs {
		if d.FileName == fileName {
			l.docs[sessionID] = append(docs[:i], docs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (l *MemoryDocumentLog) Clear(_ context.Context, sessionID domain.SessionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.docs, sessionID)
	return nil
}
