package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/concierge/pkg/conversation"
)

func newTestFileStore(t *testing.T) (*FileStore, string) {
	dir := t.TempDir()
	store, err := NewFileStore(FileConfig{Dir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestFileStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, _ := newTestFileStore(t)
		return store
	})
}

func TestFileStore_RequiresDir(t *testing.T) {
	_, err := NewFileStore(FileConfig{})
	var storageErr *StorageError
	assert.ErrorAs(t, err, &storageErr)
}

func TestFileStore_CloseLogsToInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	store, err := NewFileStore(FileConfig{Dir: t.TempDir(), Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)})
	require.NoError(t, err)

	require.NoError(t, store.Close())
	assert.Contains(t, buf.String(), "File session store closed")
}

func TestFileStore_Layout(t *testing.T) {
	store, dir := newTestFileStore(t)
	ctx := context.Background()

	sess := New("layout")
	sess.Transcript = sampleTranscript()
	sess.Memory["home_airport"] = "SFO"
	require.NoError(t, store.Save(ctx, sess))

	data, err := os.ReadFile(filepath.Join(dir, "layout.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"sessionKey":"layout"`)

	_, err = os.Stat(filepath.Join(dir, "layout.memory.json"))
	assert.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileStore_SkipsCorruptLines(t *testing.T) {
	store, dir := newTestFileStore(t)

	content := `{"sessionKey":"torn","message":{"role":"user","content":"hello","timestamp":"2026-03-14T09:26:53Z"}}
{"sessionKey":"torn","message":{"role":"assis
{"sessionKey":"torn","message":{"role":"","content":""}}
{"sessionKey":"torn","message":{"role":"assistant","content":"hi","timestamp":"2026-03-14T09:26:54Z"}}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "torn.jsonl"), []byte(content), 0600))

	sess, err := store.Load(context.Background(), "torn")
	require.NoError(t, err)
	require.Len(t, sess.Transcript, 2)
	assert.Equal(t, conversation.RoleUser, sess.Transcript[0].Role)
	assert.Equal(t, "hi", sess.Transcript[1].Content)
}

func TestFileStore_CorruptMemoryIsStorageError(t *testing.T) {
	store, dir := newTestFileStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.memory.json"), []byte("{not json"), 0600))

	_, err := store.Load(context.Background(), "bad")
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "bad", storageErr.SessionID)
}

func TestFileStore_SaveFailsWhenDirUnwritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	store, dir := newTestFileStore(t)
	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { os.Chmod(dir, 0700) })

	err := store.Save(context.Background(), New("locked"))
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "save", storageErr.Op)
}

func TestFileStore_CanceledContext(t *testing.T) {
	store, _ := newTestFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Load(ctx, "any")
	assert.ErrorIs(t, err, context.Canceled)
}
