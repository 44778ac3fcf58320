package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobby"
)

type stubDB struct {
	mu      sync.Mutex
	batches [][]*pgx.QueuedQuery
	err     error
}

type stubBatchResults struct{ err error }

func (s *stubDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]*pgx.QueuedQuery(nil), b.QueuedQueries...))
	return &stubBatchResults{err: s.err}
}

func (s *stubDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (s *stubDB) Batches() [][]*pgx.QueuedQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*pgx.QueuedQuery(nil), s.batches...)
}

func (r *stubBatchResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, r.err }
func (r *stubBatchResults) Query() (pgx.Rows, error)         { return nil, r.err }
func (r *stubBatchResults) QueryRow() pgx.Row                { return nil }
func (r *stubBatchResults) Close() error                     { return r.err }

func sampleResult(channel string) lobby.MatchResult {
	return lobby.MatchResult{
		Channel:    channel,
		Beatmap:    lobby.Beatmap{ID: 75, Title: "Kenji Ninuma - DISCO PRINCE [Normal]"},
		StartedAt:  time.Now().Add(-2 * time.Minute),
		FinishedAt: time.Now(),
		Results: []lobby.PlayerResult{
			{Name: "peppy", Score: 1000000, Passed: true},
			{Name: "Cookiezi", Score: 900000, Passed: true},
		},
	}
}

func TestMatchStore_FlushesOnMaxBatch(t *testing.T) {
	db := &stubDB{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newMatchStore(ctx, db, StoreConfig{MaxBatch: 2, FlushEvery: time.Hour}, zaptest.NewLogger(t))

	require.NoError(t, s.Record(ctx, sampleResult("#mp_1")))
	require.NoError(t, s.Record(ctx, sampleResult("#mp_2")))

	require.Eventually(t, func() bool { return len(db.Batches()) == 1 }, 2*time.Second, 5*time.Millisecond)
	// One match row plus one score row per player, for each match.
	assert.Len(t, db.Batches()[0], 6)
	assert.Equal(t, uint64(2), s.Written())
}

func TestMatchStore_FlushesOnTimer(t *testing.T) {
	db := &stubDB{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newMatchStore(ctx, db, StoreConfig{MaxBatch: 10, FlushEvery: 20 * time.Millisecond}, zaptest.NewLogger(t))

	require.NoError(t, s.Record(ctx, sampleResult("#mp_1")))
	require.Eventually(t, func() bool { return len(db.Batches()) == 1 }, 2*time.Second, 5*time.Millisecond)

	args := db.Batches()[0][0].Arguments
	assert.Equal(t, "#mp_1", args[1])
	require.NotNil(t, args[2])
	assert.Equal(t, int64(1), *args[2].(*int64))
}

func TestMatchStore_FlushesOnCancel(t *testing.T) {
	db := &stubDB{}
	ctx, cancel := context.WithCancel(context.Background())
	s := newMatchStore(ctx, db, StoreConfig{MaxBatch: 10, FlushEvery: time.Hour}, zaptest.NewLogger(t))

	aborted := sampleResult("#osu")
	aborted.Aborted = true
	aborted.Results = nil
	require.NoError(t, s.Record(ctx, aborted))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("store did not stop")
	}
	batches := db.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	// Not a lobby channel: no numeric match id.
	assert.Nil(t, batches[0][0].Arguments[2].(*int64))
	assert.Equal(t, true, batches[0][0].Arguments[7])
}

func TestMatchStore_RejectsWhenFull(t *testing.T) {
	db := &stubDB{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newMatchStore(ctx, db, StoreConfig{QueueSize: 1}, zaptest.NewLogger(t))
	<-s.Done()

	require.NoError(t, s.Record(context.Background(), sampleResult("#mp_1")))
	assert.ErrorIs(t, s.Record(context.Background(), sampleResult("#mp_1")), ErrStoreFull)
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestMatchStore_FlushErrorIsNotCounted(t *testing.T) {
	db := &stubDB{err: errors.New("connection refused")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newMatchStore(ctx, db, StoreConfig{MaxBatch: 1, FlushEvery: time.Hour}, zaptest.NewLogger(t))

	require.NoError(t, s.Record(ctx, sampleResult("#mp_1")))
	require.Eventually(t, func() bool { return len(db.Batches()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), s.Written())
}
