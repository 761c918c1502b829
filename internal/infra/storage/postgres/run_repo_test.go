package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/marketpulse/internal/core/domain"
	"github.com/vietddude/marketpulse/internal/infra/storage"
)

// Runs against a real database only when MARKETPULSE_TEST_DATABASE_URL is set.
func newTestRepo(t *testing.T) *RunRepo {
	t.Helper()
	url := os.Getenv("MARKETPULSE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MARKETPULSE_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := NewDB(ctx, Config{URL: url, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	return NewRunRepo(db)
}

func TestRunRepo_Lifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	phases := []string{"market", "news", "signal", "report"}

	id, err := repo.Create(ctx, domain.NewRunRecord(uuid.NewString(), phases, json.RawMessage(`{"slug":"fed"}`), time.Now().UTC()))
	require.NoError(t, err)

	_, err = repo.Create(ctx, domain.NewRunRecord(id, phases, nil, time.Now().UTC()))
	assert.ErrorIs(t, err, storage.ErrRunExists)

	require.NoError(t, repo.UpdatePhase(ctx, id, "market", domain.PhaseDone, json.RawMessage(`{"market_snapshot":{"yes":0.4}}`)))
	require.NoError(t, repo.UpdatePhase(ctx, id, "news", domain.PhaseError, nil))

	err = repo.UpdatePhase(ctx, id, "market", domain.PhasePending, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	err = repo.UpdatePhase(ctx, uuid.NewString(), "market", domain.PhaseDone, nil)
	assert.ErrorIs(t, err, storage.ErrRunNotFound)

	require.NoError(t, repo.SaveSnapshot(ctx, id, json.RawMessage(`{"final":true}`)))

	rec, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, phases, rec.PhaseOrder)
	assert.Equal(t, domain.PhaseDone, rec.Phases["market"])
	assert.Equal(t, domain.PhaseError, rec.Phases["news"])
	assert.Equal(t, domain.PhasePending, rec.Phases["signal"])
	assert.JSONEq(t, `{"market_snapshot":{"yes":0.4}}`, string(rec.Fields["market"]))
	assert.NotContains(t, rec.Fields, "news")
	assert.JSONEq(t, `{"slug":"fed"}`, string(rec.Input))
	assert.JSONEq(t, `{"final":true}`, string(rec.Snapshot))

	stale, err := repo.ListStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Contains(t, stale, id)
}
