// Package completion records the outcome of a dispatched job and closes its
// admission record.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/memohai/imhub/internal/admission"
	"github.com/memohai/imhub/internal/db"
)

// Pool is the subset of *pgxpool.Pool the service needs.
type Pool interface {
	db.DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

type AdmissionStore interface {
	Get(ctx context.Context, id string) (admission.Record, error)
	Complete(ctx context.Context, id string) error
}

type TermMatcher interface {
	Match(ctx context.Context, organizationID, text string) []string
}

// Answer is the reply produced for an event.
type Answer struct {
	Content        string `json:"content" validate:"required"`
	ConversationID string `json:"conversationId,omitempty"`
}

type Usage struct {
	PromptTokens     int64 `json:"promptTokens" validate:"gte=0"`
	CompletionTokens int64 `json:"completionTokens" validate:"gte=0"`
	TotalTokens      int64 `json:"totalTokens" validate:"gte=0"`
}

// Result is what the processor reports for a job. ResourceID names the AI
// resource to charge; it defaults to none.
type Result struct {
	Message    *Answer `json:"message" validate:"required"`
	Usage      *Usage  `json:"usage,omitempty"`
	ResourceID string  `json:"resourceId,omitempty"`
}

// Input closes the event ExternalID. A nil Result only flips the record.
type Input struct {
	ExternalID string
	Result     *Result
}

const (
	insertMessageSQL = `
INSERT INTO messages (id, app_id, conversation_id, content, is_ai_answer)
VALUES ($1, $2, $3, $4, TRUE)
ON CONFLICT (id) DO NOTHING`

	insertUsageSQL = `
INSERT INTO usages (id, app_id, message_id, ai_resource_id, prompt_tokens, completion_tokens, total_tokens)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`

	chargeResourceSQL = `
UPDATE ai_resources
SET token_remains = token_remains - $2, updated_at = now()
WHERE id = $1`

	orgSQL = `SELECT organization_id FROM apps WHERE id = $1`

	insertHitSQL = `
INSERT INTO sensitive_word_hits (message_id, organization_id, word)
VALUES ($1, $2, $3)`
)

type Service struct {
	db        Pool
	admission AdmissionStore
	terms     TermMatcher
	logger    *slog.Logger
}

func NewService(log *slog.Logger, pool Pool, store AdmissionStore, terms TermMatcher) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:        pool,
		admission: store,
		terms:     terms,
		logger:    log.With(slog.String("service", "completion")),
	}
}

// Complete persists the result, logs sensitive hits of the answer and then
// always marks the event completed. The persist error, if any, is returned
// after the record is flipped. An unknown event is not flipped.
func (s *Service) Complete(ctx context.Context, in Input) error {
	id := strings.TrimSpace(in.ExternalID)
	if id == "" {
		return fmt.Errorf("external id is required")
	}
	rec, err := s.admission.Get(ctx, id)
	if errors.Is(err, admission.ErrNotFound) {
		return fmt.Errorf("load received event %s: %w", id, err)
	}
	log := s.logger.With(slog.String("external_id", id), slog.String("app_id", rec.AppID))

	var persistErr error
	switch {
	case err != nil:
		// Without the record nothing can be persisted, but the flip still runs.
		persistErr = fmt.Errorf("load received event %s: %w", id, err)
		log.Error("load received event failed", slog.Any("error", err))
	case in.Result != nil && in.Result.Message != nil:
		var inserted bool
		inserted, persistErr = s.persist(ctx, rec, *in.Result)
		switch {
		case persistErr != nil:
			log.Error("persist completion failed", slog.Any("error", persistErr))
		case !inserted:
			log.Info("answer already recorded")
		default:
			s.logHits(ctx, log, rec, in.Result.Message.Content)
		}
	}

	if err := s.admission.Complete(context.WithoutCancel(ctx), id); err != nil {
		log.Error("mark event completed failed", slog.Any("error", err))
		return errors.Join(persistErr, fmt.Errorf("complete received event: %w", err))
	}
	log.Info("event completed", slog.Bool("answered", in.Result != nil && persistErr == nil))
	return persistErr
}

// persist reports false when the answer was already stored; usage and charge
// are then skipped so a repeated completion never bills twice.
func (s *Service) persist(ctx context.Context, rec admission.Record, res Result) (bool, error) {
	conversationID := strings.TrimSpace(res.Message.ConversationID)
	if conversationID == "" {
		if event, err := rec.Event(); err == nil {
			conversationID = event.ConversationID
		}
	}
	var inserted bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertMessageSQL, rec.ID, rec.AppID, conversationID, res.Message.Content)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		inserted = tag.RowsAffected() > 0
		if !inserted || res.Usage == nil {
			return nil
		}
		if _, err := tx.Exec(ctx, insertUsageSQL, uuid.New(), rec.AppID, rec.ID, res.ResourceID,
			res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Usage.TotalTokens); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
		if res.ResourceID == "" || res.Usage.TotalTokens <= 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, chargeResourceSQL, res.ResourceID, res.Usage.TotalTokens); err != nil {
			return fmt.Errorf("charge ai resource: %w", err)
		}
		return nil
	})
	return inserted && err == nil, err
}

func (s *Service) logHits(ctx context.Context, log *slog.Logger, rec admission.Record, content string) {
	if s.terms == nil {
		return
	}
	var orgID string
	if err := s.db.QueryRow(ctx, orgSQL, rec.AppID).Scan(&orgID); err != nil {
		log.Warn("load organization failed", slog.Any("error", err))
		return
	}
	for _, word := range s.terms.Match(ctx, orgID, content) {
		if _, err := s.db.Exec(ctx, insertHitSQL, rec.ID, orgID, word); err != nil {
			log.Warn("log sensitive hit failed", slog.String("word", word), slog.Any("error", err))
		}
	}
}
