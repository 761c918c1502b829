package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func recordingPolicy(attempts int, base, max time.Duration) (Policy, *[]time.Duration) {
	var delays []time.Duration
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   base,
		MaxDelay:    max,
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}, &delays
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	for _, m := range []int{1, 2, 3, 7} {
		p, delays := recordingPolicy(m, time.Millisecond, time.Second)

		var calls int
		_, err := Do(context.Background(), p, func(context.Context) (int, error) {
			calls++
			return 0, fmt.Errorf("boom %d", calls)
		})

		require.Error(t, err)
		assert.Equal(t, m, calls)
		assert.Len(t, *delays, m-1)

		var exhausted *ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, m, exhausted.Attempts)
		assert.Equal(t, fmt.Sprintf("boom %d", m), exhausted.Err.Error())
		assert.Contains(t, err.Error(), fmt.Sprintf("failed after %d attempts", m))
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	p, delays := recordingPolicy(5, time.Second, time.Minute)

	var calls int
	v, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
}

func TestDo_BackoffSchedule(t *testing.T) {
	p, delays := recordingPolicy(8, 100*time.Millisecond, time.Second)

	_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
		return 0, errors.New("timeout")
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
		time.Second,
	}
	assert.Equal(t, want, *delays)

	for k := 1; k <= 20; k++ {
		got := Backoff(p, k)
		expected := p.BaseDelay << (k - 1)
		if expected > p.MaxDelay || expected <= 0 {
			expected = p.MaxDelay
		}
		assert.Equal(t, expected, got, "k=%d", k)
		if k > 1 {
			assert.GreaterOrEqual(t, got, Backoff(p, k-1))
		}
	}
}

func TestDo_NonRetryable(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		calls int
	}{
		{"client error", statusErr(400), 1},
		{"not found", statusErr(404), 1},
		{"rate limited", statusErr(429), 3},
		{"server error", statusErr(503), 3},
		{"permanent", Permanent(errors.New("bad input")), 1},
		{"canceled", context.Canceled, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := recordingPolicy(3, time.Millisecond, time.Millisecond)
			var calls int
			_, err := Do(context.Background(), p, func(context.Context) (int, error) {
				calls++
				return 0, tt.err
			})
			require.Error(t, err)
			assert.Equal(t, tt.calls, calls)
			assert.False(t, IsPermanent(err), "permanent marker is stripped")
		})
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	var calls int
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("transient")
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGo_DeliversResult(t *testing.T) {
	var calls atomic.Int32
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	ch := Go(context.Background(), p, func(context.Context) (int, error) {
		if calls.Add(1) < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		assert.Equal(t, 42, res.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestGo_MatchesDoOnExhaustion(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	res := <-Go(context.Background(), p, func(context.Context) (int, error) {
		return 0, errors.New("down")
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, res.Err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
}
