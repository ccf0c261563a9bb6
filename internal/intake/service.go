// Package intake runs the provider-agnostic webhook pipeline: challenge,
// app lookup, normalization, quota gate, admission, content scan, history
// attachment and enqueue.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/memohai/imhub/internal/admission"
	"github.com/memohai/imhub/internal/apps"
	"github.com/memohai/imhub/internal/channel"
	"github.com/memohai/imhub/internal/history"
	"github.com/memohai/imhub/internal/policy"
	"github.com/memohai/imhub/internal/queue"
)

var (
	// ErrAdmissionConflict means another delivery of the event is in flight.
	ErrAdmissionConflict = errors.New("message in processing")
	// ErrAlreadyCompleted means the event was answered before.
	ErrAlreadyCompleted = errors.New("message already completed")
	// ErrQuotaExhausted means the app may not consume tokens; a notice was sent.
	ErrQuotaExhausted = errors.New("quota exhausted")
)

type AppResolver interface {
	Resolve(ctx context.Context, appID string) (apps.App, error)
}

type Admitter interface {
	Admit(ctx context.Context, rec admission.Record) (admission.Outcome, error)
	Release(ctx context.Context, id string) error
}

type TermMatcher interface {
	Match(ctx context.Context, organizationID, text string) []string
}

type HistoryFetcher interface {
	Fetch(ctx context.Context, rootID string, limit int) []history.Message
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) error
}

// Outcome describes how a push was answered when no error occurred.
type Outcome int

const (
	// OutcomeAccepted means the event was admitted and enqueued.
	OutcomeAccepted Outcome = iota + 1
	// OutcomeChallenge means a URL verification token must be echoed.
	OutcomeChallenge
	// OutcomeReply means the provider rendered the HTTP answer itself.
	OutcomeReply
	// OutcomeIgnored means the push is acknowledged without processing.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeChallenge:
		return "challenge"
	case OutcomeReply:
		return "reply"
	case OutcomeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Request is one webhook push addressed to an app of a provider.
type Request struct {
	Provider channel.ChannelType
	AppID    string
	Raw      channel.Request
}

type Result struct {
	Outcome   Outcome
	Challenge string
	Reply     *channel.Response
	Reason    string
	Job       *queue.Job
}

type Options struct {
	HistoryLimit  int
	DispatchDelay time.Duration
	Notices       policy.Notices
}

type Service struct {
	registry  *channel.Registry
	apps      AppResolver
	admission Admitter
	terms     TermMatcher
	history   HistoryFetcher
	queue     Enqueuer
	opts      Options
	logger    *slog.Logger
}

func NewService(log *slog.Logger, registry *channel.Registry, resolver AppResolver, admitter Admitter, terms TermMatcher, fetcher HistoryFetcher, q Enqueuer, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	opts.HistoryLimit = history.ClampLimit(opts.HistoryLimit)
	if opts.DispatchDelay < 0 {
		opts.DispatchDelay = 0
	}
	return &Service{
		registry:  registry,
		apps:      resolver,
		admission: admitter,
		terms:     terms,
		history:   fetcher,
		queue:     q,
		opts:      opts,
		logger:    log.With(slog.String("service", "intake")),
	}
}

// Handle processes one push. Soft rejections are reported as
// ErrAdmissionConflict, ErrAlreadyCompleted and ErrQuotaExhausted; a missing
// app as apps.ErrAppNotFound.
func (s *Service) Handle(ctx context.Context, req Request) (Result, error) {
	provider, ok := s.registry.Get(req.Provider)
	if !ok {
		return Result{}, fmt.Errorf("unsupported provider %q: %w", req.Provider, apps.ErrAppNotFound)
	}
	if token, ok := provider.Challenge(req.Raw.Body); ok {
		return Result{Outcome: OutcomeChallenge, Challenge: token}, nil
	}

	log := s.logger.With(slog.String("provider", req.Provider.String()), slog.String("app_id", req.AppID))

	app, err := s.apps.Resolve(ctx, req.AppID)
	switch {
	case errors.Is(err, apps.ErrAppMisconfigured):
		log.Warn("app misconfigured", slog.Any("error", err))
		return ignored("app misconfigured"), nil
	case err != nil:
		return Result{}, err
	}
	if app.Provider != req.Provider {
		return Result{}, fmt.Errorf("app %s serves %s: %w", app.ID, app.Provider, apps.ErrAppNotFound)
	}

	parsed, err := provider.ParseEvent(ctx, app.ChannelConfig(), req.Raw)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrEnvelope), errors.Is(err, channel.ErrMalformedPayload):
			log.Warn("push rejected", slog.Any("error", err))
			return ignored(err.Error()), nil
		case errors.Is(err, channel.ErrInvalidConfig):
			log.Warn("app misconfigured", slog.Any("error", err))
			return ignored("app misconfigured"), nil
		default:
			return Result{}, fmt.Errorf("parse event: %w", err)
		}
	}
	if parsed.Reply != nil {
		return Result{Outcome: OutcomeReply, Reply: parsed.Reply}, nil
	}
	if parsed.Event == nil {
		log.Debug("push ignored", slog.String("reason", parsed.Ignored))
		return ignored(parsed.Ignored), nil
	}
	event := *parsed.Event
	event.AppID = app.ID
	event.Provider = req.Provider
	log = log.With(slog.String("external_id", event.ExternalID))

	if decision := policy.CheckQuota(app, s.opts.Notices); !decision.Allowed {
		if err := provider.SendNotice(ctx, app.ChannelConfig(), event, decision.Notice); err != nil {
			log.Error("send quota notice failed", slog.Any("error", err))
		}
		return Result{}, fmt.Errorf("%w: %s", ErrQuotaExhausted, decision.Reason)
	}

	rec, err := admission.NewRecord(event)
	if err != nil {
		return Result{}, fmt.Errorf("build received event: %w", err)
	}
	outcome, err := s.admission.Admit(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("admit: %w", err)
	}
	switch outcome {
	case admission.InFlight:
		return Result{}, ErrAdmissionConflict
	case admission.Completed:
		return Result{}, ErrAlreadyCompleted
	}

	job := queue.Job{
		ID:             rec.ID,
		ReceivedEvent:  rec,
		History:        []history.Message{},
		App:            app.Ref(),
		SensitiveWords: s.terms.Match(ctx, app.OrganizationID, event.Text),
	}
	if event.InThread() && req.Provider != channel.TypeFeishuSummary {
		job.History = s.history.Fetch(ctx, event.RootID, s.opts.HistoryLimit)
	}
	if len(job.SensitiveWords) > 0 {
		log.Info("sensitive terms matched", slog.Any("terms", job.SensitiveWords))
	}

	if err := s.queue.Enqueue(ctx, job, s.opts.DispatchDelay); err != nil {
		if rerr := s.admission.Release(context.WithoutCancel(ctx), rec.ID); rerr != nil {
			log.Error("release admission failed", slog.Any("error", rerr))
		}
		return Result{}, fmt.Errorf("enqueue: %w", err)
	}
	log.Info("event admitted", slog.Int("history", len(job.History)))
	return Result{Outcome: OutcomeAccepted, Job: &job}, nil
}

func ignored(reason string) Result {
	return Result{Outcome: OutcomeIgnored, Reason: reason}
}
