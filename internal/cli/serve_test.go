package cli

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/harun/concierge/internal/config"
	"github.com/harun/concierge/pkg/commandqueue"
	"github.com/harun/concierge/pkg/coretools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainQueue(t *testing.T) {
	queue := commandqueue.New(commandqueue.Config{Logger: zerolog.Nop()})
	defer queue.Close()

	t.Run("idle queue drains at once", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.True(t, drainQueue(ctx, queue, zerolog.Nop()))
	})

	t.Run("waits for a finishing run", func(t *testing.T) {
		go func() {
			_, _ = queue.EnqueueWithContext(context.Background(), commandqueue.SessionLane("trip-1"), func(ctx context.Context) (interface{}, error) {
				time.Sleep(50 * time.Millisecond)
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool { return queue.LaneCount() == 1 }, time.Second, 5*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.True(t, drainQueue(ctx, queue, zerolog.Nop()))
	})

	t.Run("gives up at the deadline", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		go func() {
			_, _ = queue.EnqueueWithContext(context.Background(), commandqueue.SessionLane("trip-2"), func(ctx context.Context) (interface{}, error) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool { return queue.LaneCount() == 1 }, time.Second, 5*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.False(t, drainQueue(ctx, queue, zerolog.Nop()))
	})
}

func TestReloadAppliesToolPolicy(t *testing.T) {
	cfg, err := config.Load(writeTestConfig(t, nil))
	require.NoError(t, err)

	rt, err := newRuntime(context.Background(), cfg, io.Discard)
	require.NoError(t, err)
	defer rt.Close()

	offered := func() []string {
		var names []string
		for _, schema := range rt.registry.Schemas() {
			names = append(names, schema.Name)
		}
		return names
	}
	require.Contains(t, offered(), coretools.BookFlight)

	cfg.Agent.Tools.Deny = []string{coretools.BookFlight}
	rt.reloadConfig(cfg)
	assert.NotContains(t, offered(), coretools.BookFlight)
	assert.Contains(t, offered(), coretools.FlightSearch)

	cfg.Agent.Tools.Allow = []string{""}
	rt.reloadConfig(cfg)
	assert.NotContains(t, offered(), coretools.BookFlight, "invalid policy keeps the previous one")
}
