// Package admission implements the idempotent received-event store. The
// primary key on received_events is the only serialization point: a provider
// message id is admitted at most once unless its in-flight record goes stale.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/imhub/internal/channel"
	"github.com/memohai/imhub/internal/db"
)

const (
	messageExistsSQL = `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`

	insertSQL = `
INSERT INTO received_events (id, app_id, data, provider, event_name, processing, created_at, admitted_at)
VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
ON CONFLICT (id) DO NOTHING
RETURNING id`

	reclaimSQL = `
UPDATE received_events
SET admitted_at = $2
WHERE id = $1 AND processing AND admitted_at <= $3
RETURNING id`

	processingSQL = `SELECT processing FROM received_events WHERE id = $1`

	releaseSQL = `UPDATE received_events SET admitted_at = $2 WHERE id = $1 AND processing`

	completeSQL = `
UPDATE received_events
SET processing = FALSE, completed_at = COALESCE(completed_at, $2)
WHERE id = $1`

	recordColumns = `id, app_id, data, provider, event_name, processing, created_at, admitted_at, completed_at`

	getSQL = `SELECT ` + recordColumns + ` FROM received_events WHERE id = $1`

	listStaleSQL = `SELECT ` + recordColumns + `
FROM received_events
WHERE processing AND admitted_at <= $1
ORDER BY admitted_at
LIMIT $2`
)

// epoch marks a released admission: any cutoff reclaims it.
var epoch = time.Unix(0, 0).UTC()

// Store persists received events in Postgres.
type Store struct {
	db         db.DBTX
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewStore creates a store. In-flight records admitted more than staleAfter
// ago may be reclaimed; zero disables reclaiming.
func NewStore(log *slog.Logger, pool *pgxpool.Pool, staleAfter time.Duration) *Store {
	return newStore(log, pool, staleAfter)
}

func newStore(log *slog.Logger, conn db.DBTX, staleAfter time.Duration) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:         conn,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     log.With(slog.String("service", "admission")),
	}
}

// StaleAfter returns the configured staleness threshold.
func (s *Store) StaleAfter() time.Duration {
	return s.staleAfter
}

// Admit tries to take ownership of rec.ID.
func (s *Store) Admit(ctx context.Context, rec Record) (Outcome, error) {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return 0, fmt.Errorf("admit: empty id")
	}

	var answered bool
	if err := s.db.QueryRow(ctx, messageExistsSQL, id).Scan(&answered); err != nil {
		return 0, fmt.Errorf("check message %s: %w", id, err)
	}
	if answered {
		return Completed, nil
	}

	now := s.now().UTC()
	var inserted string
	err := s.db.QueryRow(ctx, insertSQL,
		id, rec.AppID, []byte(rec.Data), rec.Provider.String(), rec.EventName, rec.CreatedAt.UTC(), now,
	).Scan(&inserted)
	switch {
	case err == nil:
		return Admitted, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("insert received event %s: %w", id, err)
	}

	var reclaimed string
	err = s.db.QueryRow(ctx, reclaimSQL, id, now, s.cutoff(now)).Scan(&reclaimed)
	switch {
	case err == nil:
		s.logger.Warn("reclaimed stale in-flight event", slog.String("external_id", id))
		return Admitted, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("reclaim received event %s: %w", id, err)
	}

	var processing bool
	if err := s.db.QueryRow(ctx, processingSQL, id).Scan(&processing); err != nil {
		return 0, fmt.Errorf("read received event %s: %w", id, err)
	}
	if processing {
		return InFlight, nil
	}
	return Completed, nil
}

// cutoff is the admission time at or before which an in-flight record is stale.
// Released records sit at the epoch and are always reclaimable.
func (s *Store) cutoff(now time.Time) time.Time {
	if s.staleAfter <= 0 {
		return epoch
	}
	return now.Add(-s.staleAfter)
}

// Release makes an in-flight admission immediately reclaimable, so a
// provider retry can admit the event again.
func (s *Store) Release(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, releaseSQL, id, epoch); err != nil {
		return fmt.Errorf("release received event %s: %w", id, err)
	}
	return nil
}

// Complete flips the record to processing=false. Completing an unknown or
// already completed id is not an error.
func (s *Store) Complete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, completeSQL, id, s.now().UTC()); err != nil {
		return fmt.Errorf("complete received event %s: %w", id, err)
	}
	return nil
}

// Get reads a record.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, getSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get received event %s: %w", id, err)
	}
	return rec, nil
}

// ListStale lists in-flight records admitted at or before cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, listStaleSQL, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale received events: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec      Record
		provider string
		data     []byte
	)
	if err := row.Scan(&rec.ID, &rec.AppID, &data, &provider, &rec.EventName,
		&rec.Processing, &rec.CreatedAt, &rec.AdmittedAt, &rec.CompletedAt); err != nil {
		return Record{}, err
	}
	rec.Data = data
	rec.Provider = channel.ChannelType(provider)
	return rec, nil
}
