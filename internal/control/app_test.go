package control

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/marketpulse/internal/analysis"
	"github.com/vietddude/marketpulse/internal/core/config"
	"github.com/vietddude/marketpulse/internal/jobs"
)

func TestNew_MemoryWiring(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Redis.URL = ""

	app, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Close()

	assert.Equal(t, []string{config.DepMarket, config.DepSearch, config.DepLLM}, app.Registry().Names())
	assert.Len(t, app.caches, 3)
	assert.Nil(t, app.db)
	assert.Nil(t, app.grpcServer)

	b, ok := app.Registry().Get(config.DepLLM)
	require.True(t, ok)
	assert.Equal(t, "closed", b.Snapshot().State)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = time.Second

	app, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err = app.Jobs().Submit(context.Background(), analysis.Request{MarketURL: "fed-march"})
	assert.ErrorIs(t, err, jobs.ErrShuttingDown)
}

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) CleanupExpired(context.Context) int {
	c.calls.Add(1)
	return 1
}

func TestSweep(t *testing.T) {
	a, b := &countingSweeper{}, &countingSweeper{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sweep(ctx, []Sweeper{a, b}, 5*time.Millisecond, slog.New(slog.DiscardHandler))
		close(done)
	}()

	require.Eventually(t, func() bool { return a.calls.Load() >= 2 && b.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
