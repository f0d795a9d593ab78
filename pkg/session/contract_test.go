package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/concierge/pkg/conversation"
)

var testTime = time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)

func sampleTranscript() []conversation.Message {
	return []conversation.Message{
		{Role: conversation.RoleUser, Content: "find flights to Lisbon in May", Timestamp: testTime},
		{
			Role:    conversation.RoleAssistant,
			Content: "calling tool flight_search",
			ToolCall: &conversation.ToolCall{
				ID:        "call_1",
				Name:      "flight_search",
				Arguments: map[string]interface{}{"destination": "LIS", "passengers": float64(2)},
			},
			Timestamp: testTime.Add(time.Second),
		},
		{
			Role:       conversation.RoleTool,
			Content:    `{"flights":[{"id":"TP123","price":189}]}`,
			ToolName:   "flight_search",
			ToolCallID: "call_1",
			Timestamp:  testTime.Add(2 * time.Second),
		},
		{Role: conversation.RoleAssistant, Content: "TP123 to Lisbon costs 189 EUR.", Timestamp: testTime.Add(3 * time.Second)},
	}
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("load unknown session returns empty session", func(t *testing.T) {
		store := newStore(t)
		sess, err := store.Load(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, "fresh", sess.ID)
		assert.Empty(t, sess.Transcript)
		assert.NotNil(t, sess.Memory)
		assert.Empty(t, sess.Memory)
	})

	t.Run("save then load returns exactly what was saved", func(t *testing.T) {
		store := newStore(t)
		sess := New("trip-1")
		sess.Transcript = sampleTranscript()
		sess.Memory = map[string]interface{}{
			"home_airport":         "SFO",
			"approval:book_flight": true,
			"preferences":          map[string]interface{}{"seat": "aisle", "bags": float64(1)},
			"recent_destinations":  []interface{}{"LIS", "OPO"},
		}
		require.NoError(t, store.Save(ctx, sess))
		assert.False(t, sess.UpdatedAt.IsZero())

		loaded, err := store.Load(ctx, "trip-1")
		require.NoError(t, err)
		assert.Equal(t, sess.Transcript, loaded.Transcript)
		assert.Equal(t, sess.Memory, loaded.Memory)
	})

	t.Run("save replaces previous content", func(t *testing.T) {
		store := newStore(t)
		sess := New("trip-2")
		sess.Transcript = sampleTranscript()
		sess.Memory["k"] = "v1"
		require.NoError(t, store.Save(ctx, sess))

		sess.Transcript = sess.Transcript[:1]
		delete(sess.Memory, "k")
		sess.Memory["other"] = "v2"
		require.NoError(t, store.Save(ctx, sess))

		loaded, err := store.Load(ctx, "trip-2")
		require.NoError(t, err)
		assert.Len(t, loaded.Transcript, 1)
		assert.Equal(t, map[string]interface{}{"other": "v2"}, loaded.Memory)
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		store := newStore(t)
		a := New("alpha")
		a.Append(conversation.Message{Role: conversation.RoleUser, Content: "alpha goal", Timestamp: testTime})
		require.NoError(t, store.Save(ctx, a))

		b, err := store.Load(ctx, "beta")
		require.NoError(t, err)
		assert.Empty(t, b.Transcript)
	})

	t.Run("invalid id is a storage error", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Load(ctx, "../escape")
		var storageErr *StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, "load", storageErr.Op)
		assert.True(t, errors.Is(err, ErrInvalidID))

		err = store.Save(ctx, New(""))
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, "save", storageErr.Op)
	})

	t.Run("search ranks by matched terms", func(t *testing.T) {
		store := newStore(t)
		searcher, ok := store.(Searcher)
		require.True(t, ok)

		sess := New("search")
		sess.Transcript = sampleTranscript()
		require.NoError(t, store.Save(ctx, sess))

		hits, err := searcher.Search(ctx, "search", "cheap flights Lisbon", 2)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.LessOrEqual(t, len(hits), 2)
		for _, hit := range hits {
			assert.Contains(t, []int{0, 1, 2, 3}, hit.Seq)
		}

		hits, err = searcher.Search(ctx, "search", "zz", 3)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("list and delete", func(t *testing.T) {
		store := newStore(t)
		lister, ok := store.(Lister)
		require.True(t, ok)

		for _, id := range []string{"one", "two"} {
			sess := New(id)
			sess.Transcript = sampleTranscript()
			require.NoError(t, store.Save(ctx, sess))
		}

		infos, err := lister.List(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(infos))
		for _, info := range infos {
			ids = append(ids, info.ID)
			assert.Equal(t, 4, info.Messages)
		}
		assert.ElementsMatch(t, []string{"one", "two"}, ids)

		require.NoError(t, lister.Delete(ctx, "one"))
		require.NoError(t, lister.Delete(ctx, "never-existed"))

		loaded, err := store.Load(ctx, "one")
		require.NoError(t, err)
		assert.Empty(t, loaded.Transcript)
	})

	t.Run("concurrent saves to different sessions", func(t *testing.T) {
		store := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sess := New("parallel-" + string(rune('a'+i)))
				sess.Transcript = sampleTranscript()
				assert.NoError(t, store.Save(ctx, sess))
			}(i)
		}
		wg.Wait()

		loaded, err := store.Load(ctx, "parallel-c")
		require.NoError(t, err)
		assert.Len(t, loaded.Transcript, 4)
	})
}
