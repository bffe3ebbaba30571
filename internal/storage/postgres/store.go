package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ammscope/internal/model"
)

// Store provides Postgres persistence for pool events and oracle observations.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InsertEvents appends pool events.
func (s *Store) InsertEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(`
			INSERT INTO pool_events (
				event_type, pool_address, sender, recipient,
				amount_low_in, amount_high_in, amount_low_out, amount_high_out,
				shares, reserve_low, reserve_high, event_ts, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		`,
			event.Type,
			event.Pool,
			event.Sender,
			event.Recipient,
			event.AmountLowIn,
			event.AmountHighIn,
			event.AmountLowOut,
			event.AmountHighOut,
			event.Shares,
			event.ReserveLow,
			event.ReserveHigh,
			int64(event.Timestamp),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// UpsertObservations inserts oracle observations, skipping duplicates for the
// same pool and timestamp.
func (s *Store) UpsertObservations(ctx context.Context, observations []model.Observation) error {
	if len(observations) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, obs := range observations {
		batch.Queue(`
			INSERT INTO oracle_observations (
				pool_address, observed_ts, price_low_cumulative, price_high_cumulative, created_at
			) VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (pool_address, observed_ts) DO NOTHING
		`,
			obs.Pool,
			int64(obs.Timestamp),
			obs.PriceLowCumulative,
			obs.PriceHighCumulative,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range observations {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
