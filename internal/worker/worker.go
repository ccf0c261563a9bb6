// Package worker drains the dispatch queue: each job is re-validated against
// its admission record, processed, answered in the originating chat and
// completed.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/imhub/internal/admission"
	"github.com/memohai/imhub/internal/apps"
	"github.com/memohai/imhub/internal/channel"
	"github.com/memohai/imhub/internal/completion"
	"github.com/memohai/imhub/internal/queue"
)

type Queue interface {
	Dequeue(ctx context.Context) (queue.Delivery, error)
	Ack(ctx context.Context, id string) error
	RequeueExpired(ctx context.Context) (int, error)
}

type RecordReader interface {
	Get(ctx context.Context, id string) (admission.Record, error)
}

type AppResolver interface {
	Resolve(ctx context.Context, appID string) (apps.App, error)
}

type Completer interface {
	Complete(ctx context.Context, in completion.Input) error
}

// Processor produces the answer for a job. A nil result means nothing is
// posted back.
type Processor interface {
	Process(ctx context.Context, job queue.Job) (*completion.Result, error)
}

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	Timeout      time.Duration
}

type Pool struct {
	queue     Queue
	records   RecordReader
	apps      AppResolver
	registry  *channel.Registry
	processor Processor
	completer Completer
	opts      Options
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(log *slog.Logger, q Queue, records RecordReader, resolver AppResolver, registry *channel.Registry, processor Processor, completer Completer, opts Options) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Pool{
		queue:     q,
		records:   records,
		apps:      resolver,
		registry:  registry,
		processor: processor,
		completer: completer,
		opts:      opts,
		logger:    log.With(slog.String("service", "worker")),
	}
}

// Start launches the requeue loop and the workers. It is a no-op when the
// pool is already running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.requeueLoop(ctx)
	}()
	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	p.logger.Info("worker pool started", slog.Int("concurrency", p.opts.Concurrency))
}

// Shutdown stops the workers and waits for in-progress jobs or ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.queue.RequeueExpired(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("requeue expired jobs failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With(slog.Int("worker", id))
	for ctx.Err() == nil {
		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("run job failed", slog.Any("error", err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// RunOnce handles at most one due job. It reports whether a job was taken.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	delivery, err := p.queue.Dequeue(ctx)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	job := delivery.Job
	log := p.logger.With(slog.String("job_id", job.ID), slog.Int("attempt", delivery.Attempts))

	rec, err := p.records.Get(ctx, job.ID)
	switch {
	case errors.Is(err, admission.ErrNotFound):
		log.Warn("dropping job without received event")
		return true, p.queue.Ack(ctx, job.ID)
	case err != nil:
		// Left in flight; the visibility timeout brings it back.
		return true, err
	case !rec.Processing:
		log.Info("skipping completed event")
		return true, p.queue.Ack(ctx, job.ID)
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	result, procErr := p.processor.Process(jobCtx, job)
	if procErr != nil && ctx.Err() != nil {
		// Interrupted by shutdown. Left unacked; the visibility timeout requeues it.
		log.Warn("job interrupted", slog.Any("error", procErr))
		return true, nil
	}
	if procErr != nil {
		log.Error("process job failed", slog.Any("error", procErr))
		result = nil
	}
	if result != nil && result.Message != nil {
		if err := p.deliver(jobCtx, rec, result.Message.Content); err != nil {
			log.Error("deliver answer failed", slog.Any("error", err))
		}
	}

	if err := p.completer.Complete(context.WithoutCancel(ctx), completion.Input{ExternalID: job.ID, Result: result}); err != nil {
		log.Error("complete job failed", slog.Any("error", err))
	}
	return true, p.queue.Ack(context.WithoutCancel(ctx), job.ID)
}

func (p *Pool) deliver(ctx context.Context, rec admission.Record, text string) error {
	event, err := rec.Event()
	if err != nil {
		return err
	}
	app, err := p.apps.Resolve(ctx, rec.AppID)
	if err != nil {
		return err
	}
	provider, ok := p.registry.Get(app.Provider)
	if !ok {
		return errors.New("no provider for " + app.Provider.String())
	}
	return provider.SendNotice(ctx, app.ChannelConfig(), event, text)
}
