package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	store, err := NewSQLiteStore(SQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "db", "sessions.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newTestSQLiteStore(t)
	})
}

func TestSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(SQLiteConfig{})
	var storageErr *StorageError
	assert.ErrorAs(t, err, &storageErr)
}

func TestSQLiteStore_SearchScopedToSession(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	a := New("a")
	a.Transcript = sampleTranscript()
	require.NoError(t, store.Save(ctx, a))
	b := New("b")
	require.NoError(t, store.Save(ctx, b))

	hits, err := store.Search(ctx, "b", "Lisbon flights", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.Search(ctx, "a", "Lisbon", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestSQLiteStore_ResaveKeepsSearchIndexInSync(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	sess := New("resave")
	sess.Transcript = sampleTranscript()
	require.NoError(t, store.Save(ctx, sess))

	sess.Transcript = sess.Transcript[:1]
	require.NoError(t, store.Save(ctx, sess))

	hits, err := store.Search(ctx, "resave", "TP123", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
