package postgres

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/soyeahso/docchat/internal/logging"
	"github.com/soyeahso/docchat/internal/vectorstore"
	"github.com/soyeahso/docchat/internal/vectorstore/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set DOCCHAT_TEST_POSTGRES_DSN to a database with pgvector available to
// run these tests.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("DOCCHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DOCCHAT_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

var tableSeq atomic.Int64

func TestConformance(t *testing.T) {
	dsn := testDSN(t)

	storetest.Run(t, func(t *testing.T, emb *storetest.Embedder) vectorstore.Store {
		table := fmt.Sprintf("docchat_test_%d_%d", os.Getpid(), tableSeq.Add(1))
		s, err := Open(context.Background(), dsn, emb, logging.New(nil, "silent"), WithTable(table))
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = s.conn.Exec(`DROP TABLE IF EXISTS ` + table)
			s.Close()
		})
		return s
	})
}

func TestOpenRejectsBadTableName(t *testing.T) {
	_, err := Open(context.Background(), "postgres://unused", storetest.NewEmbedder(),
		logging.New(nil, "silent"), WithTable("chunks; DROP TABLE x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid table name")
}

func TestFilterJSON(t *testing.T) {
	f, err := filterJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", f)

	f, err = filterJSON(map[string]string{"file_name": "a.txt"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"file_name":"a.txt"}`, f)
}
