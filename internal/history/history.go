// Package history reads the answered turns of a conversation thread.
package history

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/imhub/internal/db"
)

// MaxLimit bounds every history window.
const MaxLimit = 50

const fetchSQL = `
SELECT id, app_id, conversation_id, content, is_ai_answer, created_at
FROM messages
WHERE conversation_id = $1 AND is_ai_answer
ORDER BY created_at DESC
LIMIT $2`

// Message is a stored answer.
type Message struct {
	ID             string    `json:"id"`
	AppID          string    `json:"appId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	IsAIAnswer     bool      `json:"isAIAnswer"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Resolver fetches conversation history.
type Resolver struct {
	db     db.DBTX
	logger *slog.Logger
}

func NewResolver(log *slog.Logger, pool *pgxpool.Pool) *Resolver {
	return newResolver(log, pool)
}

func newResolver(log *slog.Logger, conn db.DBTX) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		db:     conn,
		logger: log.With(slog.String("service", "history")),
	}
}

// ClampLimit maps non-positive or oversized limits to MaxLimit.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Fetch returns the AI answers of the conversation rooted at rootID, newest
// first. Query errors are logged and yield an empty history.
func (r *Resolver) Fetch(ctx context.Context, rootID string, limit int) []Message {
	rootID = strings.TrimSpace(rootID)
	if rootID == "" {
		return []Message{}
	}
	limit = ClampLimit(limit)
	rows, err := r.db.Query(ctx, fetchSQL, rootID, limit)
	if err != nil {
		r.logger.Warn("fetch history failed", slog.String("root_id", rootID), slog.Any("error", err))
		return []Message{}
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.AppID, &m.ConversationID, &m.Content, &m.IsAIAnswer, &m.CreatedAt); err != nil {
			r.logger.Warn("scan history failed", slog.String("root_id", rootID), slog.Any("error", err))
			return []Message{}
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		r.logger.Warn("fetch history failed", slog.String("root_id", rootID), slog.Any("error", err))
		return []Message{}
	}
	return out
}
