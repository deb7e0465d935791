package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/logging"
	"github.com/soyeahso/docchat/internal/vectorstore"
	"github.com/soyeahso/docchat/internal/vectorstore/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := Open(MemoryPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenInMemory(t *testing.T) {
	db := testDB(t)
	require.NotNil(t, db.SQL())

	var fk int
	require.NoError(t, db.sql.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpenFileUsesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "docchat.db")
	db, err := Open(path, logging.New(nil, "silent"))
	require.NoError(t, err)
	defer db.Close()
	assert.FileExists(t, path)

	var mode string
	require.NoError(t, db.sql.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestMigrate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := db.schemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	require.NoError(t, db.migrate(ctx))
	v, err = db.schemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	db := testDB(t)
	_, err := db.sql.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations)+1))
	require.NoError(t, err)

	err = db.migrate(context.Background())
	assert.ErrorContains(t, err, "newer than this build")
}

func TestSchema_TablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"sessions", "messages", "documents", "chunks"}
	for _, table := range tables {
		var name string
		err := db.sql.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

// --- Session Store tests ---

func TestSessionStore_GetOrCreate(t *testing.T) {
	db := testDB(t)
	ss := NewSQLiteSessionStore(db)

	sess := ss.GetOrCreate("conn-1")
	require.NotNil(t, sess)
	assert.Equal(t, domain.SessionID("conn-1"), sess.ID)
	assert.False(t, sess.CreatedAt.IsZero())

	again := ss.GetOrCreate("conn-1")
	assert.Equal(t, sess.ID, again.ID)
	assert.Len(t, ss.List(), 1)
}

func TestSessionStore_Get_NotFound(t *testing.T) {
	db := testDB(t)
	ss := NewSQLiteSessionStore(db)

	assert.Nil(t, ss.Get("nonexistent"))
}

func TestSessionStore_Append(t *testing.T) {
	db := testDB(t)
	ss := NewSQLiteSessionStore(db)

	ss.Append("conn-1", domain.Message{Role: domain.RoleUser, Content: "Hello!", Timestamp: time.Now()})
	ss.Append("conn-1", domain.Message{Role: domain.RoleAssistant, Content: "Hi there!"})

	got := ss.Get("conn-1")
	require.NotNil(t, got, "append creates the session")
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "Hello!", got.Messages[0].Content)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.False(t, got.Messages[1].Timestamp.IsZero())
}

func TestSessionStore_Append_WithToolCalls(t *testing.T) {
	db := testDB(t)
	ss := NewSQLiteSessionStore(db)

	ss.Append("conn-1", domain.Message{
		Role:    domain.RoleAssistant,
		Content: "Let me check.",
		ToolCalls: []domain.ToolCall{
			{ID: "tc-1", Name: "document_retriever", Input: `{"query":"test"}`, Output: "found"},
		},
	})

	got := ss.Get("conn-1")
	require.NotNil(t, got)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].ToolCalls, 1)
	assert.Equal(t, "document_retriever", got.Messages[0].ToolCalls[0].Name)
	assert.Equal(t, `{"query":"test"}`, got.Messages[0].ToolCalls[0].Input)
}

func TestSessionStore_History(t *testing.T) {
	db := testDB(t)
	ss := NewSQLiteSessionStore(db)

	ss.Append("conn-1", domain.Message{Role: domain.RoleUser, Content: "Question"})
	ss.Append("conn-1", domain.Message{Role: domain.RoleAssistant, Content: "Answer"})
	ss.Append("conn-2", domain.Message{Role: domain.RoleUser, Content: "Elsewhere"})

	history := ss.History("conn-1", 0)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "Question", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "Answer", history[1].Content)
}

func TestSessionStore_HistoryLimitKeepsNewest(t *testing.T) {
	db := testDB(t)
	ss := NewSQLiteSessionStore(db)

	for _, c := range []string{"one", "two", "three", "four"} {
		ss.Append("conn-1", domain.Message{Role: domain.RoleUser, Content: c})
	}

	history := ss.History("conn-1", 2)
	require.Len(t, history, 2)
	assert.Equal(t, "three", history[0].Content)
	assert.Equal(t, "four", history[1].Content)
}

func TestSessionStore_History_Empty(t *testing.T) {
	db := testDB(t)
	ss := NewSQLiteSessionStore(db)

	assert.Nil(t, ss.History("nonexistent", 10))
}

func TestSessionStore_Clear(t *testing.T) {
	db := testDB(t)
	ss := NewSQLiteSessionStore(db)

	ss.Append("conn-1", domain.Message{Role: domain.RoleUser, Content: "Question"})
	ss.Clear("conn-1")

	assert.Nil(t, ss.Get("conn-1"))
	assert.Nil(t, ss.History("conn-1", 0))

	var n int
	require.NoError(t, db.sql.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n))
	assert.Zero(t, n, "messages cascade with the session")
}

func TestSessionStore_List(t *testing.T) {
	db := testDB(t)
	ss := NewSQLiteSessionStore(db)

	assert.Nil(t, ss.List())

	ss.GetOrCreate("a")
	ss.GetOrCreate("b")
	assert.ElementsMatch(t, []domain.SessionID{"a", "b"}, ss.List())
}

// --- Document Store tests ---

func TestDocumentStore_RecordAndList(t *testing.T) {
	db := testDB(t)
	ds := NewDocumentStore(db)
	ctx := context.Background()

	require.NoError(t, ds.Record(ctx, "s1", domain.Document{FileName: "a.txt", Kind: "txt", Chunks: 2, Bytes: 10}))
	require.NoError(t, ds.Record(ctx, "s1", domain.Document{FileName: "b.pdf", Kind: "pdf", Chunks: 5, Bytes: 99}))
	require.NoError(t, ds.Record(ctx, "s2", domain.Document{FileName: "c.md", Kind: "md", Chunks: 1, Bytes: 3}))

	docs, err := ds.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a.txt", docs[0].FileName)
	assert.Equal(t, 2, docs[0].Chunks)
	assert.Equal(t, "b.pdf", docs[1].FileName)
	assert.Equal(t, "pdf", docs[1].Kind)
	assert.False(t, docs[1].UploadedAt.IsZero())
}

func TestDocumentStore_RecordReplacesSameFile(t *testing.T) {
	db := testDB(t)
	ds := NewDocumentStore(db)
	ctx := context.Background()

	require.NoError(t, ds.Record(ctx, "s1", domain.Document{FileName: "a.txt", Chunks: 2}))
	require.NoError(t, ds.Record(ctx, "s1", domain.Document{FileName: "a.txt", Chunks: 7}))

	docs, err := ds.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 7, docs[0].Chunks)
}

func TestDocumentStore_RemoveAndClear(t *testing.T) {
	db := testDB(t)
	ds := NewDocumentStore(db)
	ctx := context.Background()

	require.NoError(t, ds.Record(ctx, "s1", domain.Document{FileName: "a.txt"}))
	require.NoError(t, ds.Record(ctx, "s1", domain.Document{FileName: "b.txt"}))

	ok, err := ds.Remove(ctx, "s1", "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ds.Remove(ctx, "s1", "a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ds.Clear(ctx, "s1"))
	docs, err := ds.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

// --- Vector Store tests ---

func TestVectorStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, emb *storetest.Embedder) vectorstore.Store {
		return NewVectorStore(testDB(t), emb)
	})
}

func TestVectorStoreGuardedConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, emb *storetest.Embedder) vectorstore.Store {
		return vectorstore.NewGuard(NewVectorStore(testDB(t), emb))
	})
}

func TestVectorStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docchat.db")
	log := logging.New(nil, "silent")
	ctx := context.Background()

	db, err := Open(path, log)
	require.NoError(t, err)
	emb := storetest.NewEmbedder()
	require.NoError(t, NewVectorStore(db, emb).Add(ctx, "s1", []domain.Chunk{storetest.Chunk("s1", "a.txt", "apples")}))
	require.NoError(t, db.Close())

	db, err = Open(path, log)
	require.NoError(t, err)
	defer db.Close()

	rs, err := NewVectorStore(db, emb).Search(ctx, vectorstore.Query{SessionID: "s1", Text: "apples", TopK: 1})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.InDelta(t, 1.0, rs[0].Score, 1e-6)
}

func TestVectorEncoding(t *testing.T) {
	vec := []float32{0, 1.5, -2.25, 3e-7}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
	assert.Len(t, encodeVector(vec), 16)
	assert.Empty(t, decodeVector(nil))
}
