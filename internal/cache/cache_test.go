package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/vietddude/marketpulse/internal/infra/redis"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRemote is an in-memory Remote that can be switched to fail.
type fakeRemote struct {
	mu    sync.Mutex
	data  map[string][]byte
	ttls  map[string]time.Duration
	fail  bool
	calls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (f *fakeRemote) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fail {
		return nil, errConnRefused
	}
	v, ok := f.data[key]
	if !ok {
		return nil, redisclient.ErrMiss
	}
	return v, nil
}

func (f *fakeRemote) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.fail {
		return errConnRefused
	}
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeRemote) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if f.fail {
		return 0, errConnRefused
	}
	n := 0
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			delete(f.data, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeRemote) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type payload struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory[string]("test", 30*time.Second, WithClock(clock.Now))

	c.Set(ctx, "k", "v")

	clock.Advance(29 * time.Second)
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is removed on read")
}

func TestMemory_OverwriteRefreshesTimestamp(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory[int]("test", 10*time.Second, WithClock(clock.Now))

	c.Set(ctx, "k", 1)
	clock.Advance(8 * time.Second)
	c.Set(ctx, "k", 2)
	clock.Advance(8 * time.Second)

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestMemory_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory[string]("test", time.Minute, WithClock(clock.Now))

	c.Set(ctx, "a", "1")
	c.Set(ctx, "b", "2")
	clock.Advance(time.Minute)

	assert.Equal(t, 2, c.CleanupExpired(ctx))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.CleanupExpired(ctx))
}

func TestMemory_CleanupKeepsLiveEntries(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory[string]("test", time.Minute, WithClock(clock.Now))

	c.Set(ctx, "old", "1")
	clock.Advance(45 * time.Second)
	c.Set(ctx, "new", "2")
	clock.Advance(20 * time.Second)

	assert.Equal(t, 1, c.CleanupExpired(ctx))
	_, ok := c.Get(ctx, "new")
	assert.True(t, ok)
}

func TestMemory_Clear(t *testing.T) {
	ctx := context.Background()
	c := NewMemory[string]("test", time.Minute)
	c.Set(ctx, "a", "1")
	c.Clear(ctx)
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestDistributed_RoundTrip(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := NewDistributed[payload]("search", 5*time.Minute, remote)

	_, ok := c.Get(ctx, "q")
	assert.False(t, ok)

	c.Set(ctx, "q", payload{Title: "rates", Tags: []string{"fed"}})
	v, ok := c.Get(ctx, "q")
	require.True(t, ok)
	assert.Equal(t, payload{Title: "rates", Tags: []string{"fed"}}, v)

	assert.Contains(t, remote.data, "search:q")
	assert.Equal(t, 5*time.Minute, remote.ttls["search:q"])
	assert.Equal(t, 0, c.CleanupExpired(ctx))
	assert.False(t, c.Degraded())
}

func TestDistributed_CorruptValueIsMiss(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.data["llm:k"] = []byte("{not json")
	c := NewDistributed[payload]("llm", time.Minute, remote)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, c.Degraded(), "corruption does not downgrade")
}

func TestDistributed_FallbackIsPermanent(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := NewDistributed[string]("market", time.Minute, remote)

	c.Set(ctx, "a", "1")
	remote.fail = true

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "fallback starts empty")
	require.True(t, c.Degraded())

	callsAtDowngrade := remote.Calls()
	remote.fail = false

	c.Set(ctx, "b", "2")
	v, ok := c.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	c.Clear(ctx)
	c.CleanupExpired(ctx)

	assert.Equal(t, callsAtDowngrade, remote.Calls(), "remote must not be contacted after downgrade")
}

func TestDistributed_CallerCancellationKeepsRedis(t *testing.T) {
	remote := newFakeRemote()
	c := NewDistributed[string]("search", time.Minute, remote)
	c.Set(context.Background(), "a", "1")

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := c.Get(canceled, "a")
	assert.False(t, ok, "cancelled lookup is a miss")
	c.Set(canceled, "b", "2")
	c.Clear(canceled)
	require.False(t, c.Degraded())

	expired, stop := context.WithTimeout(context.Background(), -time.Second)
	defer stop()
	_, ok = c.Get(expired, "a")
	assert.False(t, ok)
	require.False(t, c.Degraded())

	before := remote.Calls()
	c.Set(context.Background(), "c", "3")
	v, ok := c.Get(context.Background(), "a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, before+2, remote.Calls(), "healthy calls still reach redis")
	assert.NotContains(t, remote.data, "search:b")
}

func TestDistributed_SetFailureKeepsValue(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.fail = true
	c := NewDistributed[string]("market", time.Minute, remote)

	c.Set(ctx, "a", "1")
	v, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, 1, remote.Calls())
}

func TestDistributed_NilRemoteStartsDegraded(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	c := NewDistributed[string]("llm", time.Minute, FromClient(nil), WithClock(clock.Now))

	require.True(t, c.Degraded())
	c.Set(ctx, "a", "1")
	c.Set(ctx, "b", "2")
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, c.CleanupExpired(ctx))
}

func TestDistributed_ClearOnlyNamespace(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.data["other:x"] = []byte(`"keep"`)
	c := NewDistributed[string]("search", time.Minute, remote)

	c.Set(ctx, "a", "1")
	c.Clear(ctx)

	assert.NotContains(t, remote.data, "search:a")
	assert.Contains(t, remote.data, "other:x")
}

func TestDistributed_ConcurrentDowngrade(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.fail = true
	c := NewDistributed[int]("test", time.Minute, remote)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set(ctx, "k", i)
			c.Get(ctx, "k")
		}(i)
	}
	wg.Wait()

	assert.True(t, c.Degraded())
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)
}

func TestKey(t *testing.T) {
	a := Key("openai", "title", 0.42, map[string]int{"b": 2, "a": 1})
	b := Key("openai", "title", 0.42, map[string]int{"a": 1, "b": 2})
	c := Key("openai", "title", 0.43, map[string]int{"a": 1, "b": 2})
	d := Key("tavily", "title", 0.42, map[string]int{"a": 1, "b": 2})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.True(t, strings.HasPrefix(a, "openai:"))
	assert.Len(t, strings.TrimPrefix(a, "openai:"), 64)
}
