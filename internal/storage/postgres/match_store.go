package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobby"
)

// ErrStoreFull is returned by Record when the write queue is saturated.
var ErrStoreFull = errors.New("match store queue full")

const (
	insertMatch = `
insert into matches (
  id, channel, match_id, beatmap_id, beatmap_title, started_at, finished_at, aborted, players
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
on conflict (id) do nothing;`

	insertScore = `
insert into match_scores (match_id, player, score, passed)
values ($1,$2,$3,$4)
on conflict (match_id, player) do nothing;`

	selectRecent = `
select id, channel, coalesce(match_id, 0), coalesce(beatmap_id, 0), beatmap_title,
       started_at, finished_at, aborted, players
from matches
where channel = $1
order by finished_at desc
limit $2;`
)

// StoreConfig sets batching parameters for match inserts.
type StoreConfig struct {
	// MaxBatch is the number of queued matches that forces a flush.
	MaxBatch int
	// FlushEvery is the periodic flush interval.
	FlushEvery time.Duration
	// QueueSize is the capacity of the write queue.
	QueueSize int
	// FlushTimeout bounds one batch round trip.
	FlushTimeout time.Duration
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 32
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	return c
}

// StoredMatch is one row of match history.
type StoredMatch struct {
	ID           uuid.UUID            `json:"id"`
	Channel      string               `json:"channel"`
	MatchID      int64                `json:"match_id"`
	BeatmapID    int64                `json:"beatmap_id"`
	BeatmapTitle string               `json:"beatmap_title"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	FinishedAt   time.Time            `json:"finished_at"`
	Aborted      bool                 `json:"aborted"`
	Players      []lobby.PlayerResult `json:"players"`
}

type db interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// MatchStore records finished and aborted matches asynchronously through
// pgx.Batch. It implements lobby.MatchSink.
type MatchStore struct {
	input   chan lobby.MatchResult
	config  StoreConfig
	db      db
	logger  *zap.Logger
	dropped atomic.Uint64
	written atomic.Uint64
	done    chan struct{}
}

// NewMatchStore creates a store writing to pool and starts its flush loop.
// The loop flushes what is queued and exits when ctx is cancelled.
//
// Precondition: pool must be connected; logger must not be nil.
// Postcondition: Done is closed after ctx is cancelled and the final flush completes.
func NewMatchStore(ctx context.Context, pool *Pool, cfg StoreConfig, logger *zap.Logger) *MatchStore {
	return newMatchStore(ctx, pool.DB(), cfg, logger)
}

func newMatchStore(ctx context.Context, conn db, cfg StoreConfig, logger *zap.Logger) *MatchStore {
	cfg = cfg.withDefaults()
	s := &MatchStore{
		input:  make(chan lobby.MatchResult, cfg.QueueSize),
		config: cfg,
		db:     conn,
		logger: logger.With(zap.String("component", "match_store")),
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Record queues result for insertion. It never blocks.
//
// Postcondition: Returns ErrStoreFull when the queue is saturated.
func (s *MatchStore) Record(_ context.Context, result lobby.MatchResult) error {
	select {
	case s.input <- result:
		return nil
	default:
		n := s.dropped.Add(1)
		if n%100 == 1 {
			s.logger.Warn("queue full, dropping match", zap.String("channel", result.Channel), zap.Uint64("dropped", n))
		}
		return ErrStoreFull
	}
}

// Dropped returns the number of matches rejected by a full queue.
func (s *MatchStore) Dropped() uint64 { return s.dropped.Load() }

// Written returns the number of matches sent to the database.
func (s *MatchStore) Written() uint64 { return s.written.Load() }

// Done is closed when the flush loop has exited.
func (s *MatchStore) Done() <-chan struct{} { return s.done }

// Recent returns up to limit matches played in channel, newest first.
//
// Precondition: limit > 0.
func (s *MatchStore) Recent(ctx context.Context, channel string, limit int) ([]StoredMatch, error) {
	rows, err := s.db.Query(ctx, selectRecent, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("querying matches for %s: %w", channel, err)
	}
	defer rows.Close()

	var out []StoredMatch
	for rows.Next() {
		var m StoredMatch
		var players []byte
		if err := rows.Scan(&m.ID, &m.Channel, &m.MatchID, &m.BeatmapID, &m.BeatmapTitle,
			&m.StartedAt, &m.FinishedAt, &m.Aborted, &players); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		if err := json.Unmarshal(players, &m.Players); err != nil {
			return nil, fmt.Errorf("decoding players of match %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}
	return out, nil
}

func (s *MatchStore) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.config.FlushEvery)
	defer ticker.Stop()

	batch := &pgx.Batch{}
	pending := 0

	flush := func() {
		if pending == 0 {
			return
		}
		// The parent context may already be cancelled during the final flush.
		dbCtx, cancel := context.WithTimeout(context.Background(), s.config.FlushTimeout)
		defer cancel()

		if err := s.db.SendBatch(dbCtx, batch).Close(); err != nil {
			s.logger.Error("flushing matches", zap.Int("matches", pending), zap.Error(err))
		} else {
			s.written.Add(uint64(pending))
			s.logger.Debug("flushed matches", zap.Int("matches", pending))
		}
		batch = &pgx.Batch{}
		pending = 0
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case res := <-s.input:
					if s.queue(batch, res) {
						pending++
					}
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case res := <-s.input:
			if s.queue(batch, res) {
				pending++
			}
			if pending >= s.config.MaxBatch {
				flush()
			}
		}
	}
}

// queue adds the statements for res to batch.
func (s *MatchStore) queue(batch *pgx.Batch, res lobby.MatchResult) bool {
	players, err := json.Marshal(res.Results)
	if err != nil {
		s.logger.Error("encoding results", zap.String("channel", res.Channel), zap.Error(err))
		return false
	}
	id := uuid.New()

	var matchID, beatmapID *int64
	if n, ok := lobby.ParseMatchChannel(res.Channel); ok {
		matchID = &n
	}
	if res.Beatmap.ID > 0 {
		beatmapID = &res.Beatmap.ID
	}
	var startedAt *time.Time
	if !res.StartedAt.IsZero() {
		t := res.StartedAt.UTC()
		startedAt = &t
	}
	finishedAt := res.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	batch.Queue(insertMatch,
		id, res.Channel, matchID, beatmapID, res.Beatmap.Title,
		startedAt, finishedAt.UTC(), res.Aborted, players,
	)
	for _, r := range res.Results {
		batch.Queue(insertScore, id, r.Name, r.Score, r.Passed)
	}
	return true
}
