package runs

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/domain"
	dbtest "github.com/aristath/strategos/internal/testing"
)

func newTestRepos(t *testing.T) (*RunRepo, *SignalRepo, int64) {
	t.Helper()
	db, cleanup := dbtest.NewTestDB(t, "engine")
	t.Cleanup(cleanup)

	// Run logs and signals reference a strategy row
	res, err := dbtest.GetRawConnection(db).Exec(`
		INSERT INTO strategies (name, type, symbol, status, schedule_interval, parameters, created_at)
		VALUES ('fixture', 'TA', 'BTCUSDT', 'ACTIVE', 300, '{}', ?)`, time.Now().Unix())
	require.NoError(t, err)
	strategyID, err := res.LastInsertId()
	require.NoError(t, err)

	return NewRunRepo(db, zerolog.Nop()), NewSignalRepo(db, zerolog.Nop()), strategyID
}

func TestOpenAssignsIDAndDefaults(t *testing.T) {
	repo, _, strategyID := newTestRepos(t)

	run := &domain.RunLog{StrategyID: strategyID}
	require.NoError(t, repo.Open(run))
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.StartedAt.IsZero())

	loaded, err := repo.Get(run.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, domain.OutcomeOK, loaded.Outcome)
	assert.Nil(t, loaded.FinishedAt)
	assert.Empty(t, loaded.Error)
}

func TestCloseFinalizesOutcome(t *testing.T) {
	repo, _, strategyID := newTestRepos(t)

	run := &domain.RunLog{StrategyID: strategyID}
	require.NoError(t, repo.Open(run))
	require.NoError(t, repo.Close(run.ID, domain.OutcomeFailed, "no price available"))

	loaded, err := repo.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, loaded.Outcome)
	assert.Equal(t, "no price available", loaded.Error)
	require.NotNil(t, loaded.FinishedAt)
	assert.False(t, loaded.FinishedAt.Before(loaded.StartedAt))
}

func TestGetMissingRun(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	run, err := repo.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestRecentRunsNewestFirst(t *testing.T) {
	repo, _, strategyID := newTestRepos(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		run := &domain.RunLog{StrategyID: strategyID, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, repo.Open(run))
	}

	recent, err := repo.Recent(strategyID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].StartedAt.After(recent[1].StartedAt))
}

func TestSaveAndLoadTrace(t *testing.T) {
	repo, _, strategyID := newTestRepos(t)

	run := &domain.RunLog{StrategyID: strategyID}
	require.NoError(t, repo.Open(run))

	trace := domain.NewTrace()
	trace.Add(domain.StepFetch, "klines_1h",
		map[string]interface{}{"symbol": "BTCUSDT"},
		map[string]interface{}{"bars": 300},
		15*time.Millisecond)
	trace.Add(domain.StepScore, "aggregate", nil,
		map[string]interface{}{"score": 61.5}, 0)
	require.NoError(t, repo.SaveTrace(run.ID, trace))

	steps, err := repo.Steps(run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].StepIndex)
	assert.Equal(t, domain.StepFetch, steps[0].Kind)
	assert.Equal(t, "klines_1h", steps[0].Label)
	assert.NotEmpty(t, steps[0].InputDigest)
	assert.NotEmpty(t, steps[0].Details)
	assert.EqualValues(t, 15, steps[0].DurationMs)
	assert.Equal(t, 2, steps[1].StepIndex)
	assert.Empty(t, steps[1].InputDigest)
}

func TestSaveEmptyTraceIsNoop(t *testing.T) {
	repo, _, strategyID := newTestRepos(t)

	run := &domain.RunLog{StrategyID: strategyID}
	require.NoError(t, repo.Open(run))
	require.NoError(t, repo.SaveTrace(run.ID, domain.NewTrace()))

	steps, err := repo.Steps(run.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestSignalAppendAndRecent(t *testing.T) {
	_, signals, strategyID := newTestRepos(t)

	base := time.Now().Add(-time.Hour)
	for i, action := range []domain.Action{domain.ActionHold, domain.ActionBuy, domain.ActionSell} {
		s := &domain.Signal{
			StrategyID:    strategyID,
			Symbol:        "BTCUSDT",
			Action:        action,
			Conviction:    float64(40 + 10*i),
			PriceAtSignal: 98_000,
			Reason:        "test",
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, signals.Append(s))
		assert.NotEmpty(t, s.ID)
	}

	recent, err := signals.Recent(strategyID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, domain.ActionSell, recent[0].Action)
	assert.Equal(t, domain.ActionBuy, recent[1].Action)

	all, err := signals.Recent(0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSignalCarriesRawAnalysis(t *testing.T) {
	_, signals, strategyID := newTestRepos(t)

	s := &domain.Signal{
		StrategyID:  strategyID,
		Symbol:      "BTCUSDT",
		Action:      domain.ActionBuy,
		Conviction:  80,
		RawAnalysis: []byte{0x81, 0xa1, 0x61, 0x01}, // msgpack {"a":1}
	}
	require.NoError(t, signals.Append(s))

	recent, err := signals.Recent(strategyID, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, s.RawAnalysis, recent[0].RawAnalysis)
}
