package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepBatch = 100

type staleLister interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Record, error)
}

// Sweeper periodically reports in-flight records older than the staleness
// threshold. It never mutates records; reclaiming happens on the next
// delivery of the event.
type Sweeper struct {
	store      staleLister
	staleAfter time.Duration
	spec       string
	cron       *cron.Cron
	now        func() time.Time
	logger     *slog.Logger
}

func NewSweeper(log *slog.Logger, store *Store, spec string) *Sweeper {
	return newSweeper(log, store, store.StaleAfter(), spec)
}

func newSweeper(log *slog.Logger, store staleLister, staleAfter time.Duration, spec string) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:      store,
		staleAfter: staleAfter,
		spec:       spec,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:        time.Now,
		logger:     log.With(slog.String("service", "admission_sweeper")),
	}
}

// Start schedules the sweep. A zero threshold or empty spec disables it.
func (s *Sweeper) Start() error {
	if s.staleAfter <= 0 || s.spec == "" {
		s.logger.Info("stale sweep disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Sweep(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("stale sweep scheduled", slog.String("spec", s.spec), slog.Duration("stale_after", s.staleAfter))
	return nil
}

// Stop halts scheduling and waits for a running sweep.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Sweep logs stale in-flight records and returns how many were found.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.staleAfter)
	records, err := s.store.ListStale(ctx, cutoff, sweepBatch)
	if err != nil {
		s.logger.Error("list stale events failed", slog.Any("error", err))
		return 0
	}
	for _, rec := range records {
		s.logger.Warn("stale in-flight event",
			slog.String("external_id", rec.ID),
			slog.String("app_id", rec.AppID),
			slog.String("provider", rec.Provider.String()),
			slog.Time("admitted_at", rec.AdmittedAt),
		)
	}
	return len(records)
}
