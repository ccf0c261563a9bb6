package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/memohai/imhub/internal/db"
)

const termCacheKeyPrefix = "imhub:terms:"

// TermSource loads the sensitive terms of an organization.
type TermSource interface {
	Terms(ctx context.Context, organizationID string) ([]string, error)
}

// PGTermSource reads terms from the sensitive_words table.
type PGTermSource struct {
	db db.DBTX
}

func NewPGTermSource(pool *pgxpool.Pool) *PGTermSource {
	return &PGTermSource{db: pool}
}

func (s *PGTermSource) Terms(ctx context.Context, organizationID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT word FROM sensitive_words WHERE organization_id = $1 ORDER BY word`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("query sensitive words: %w", err)
	}
	defer rows.Close()
	var terms []string
	for rows.Next() {
		var word string
		if err := rows.Scan(&word); err != nil {
			return nil, err
		}
		terms = append(terms, word)
	}
	return terms, rows.Err()
}

// Scanner matches text against an organization's sensitive terms. Term sets
// are cached in Redis; a nil client disables caching.
type Scanner struct {
	source TermSource
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewScanner(log *slog.Logger, source TermSource, cache *redis.Client, ttl time.Duration) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: log.With(slog.String("service", "policy_scanner")),
	}
}

// Match returns the terms contained in text, compared case-insensitively.
// Lookup failures are logged and yield no matches.
func (s *Scanner) Match(ctx context.Context, organizationID, text string) []string {
	if strings.TrimSpace(text) == "" || strings.TrimSpace(organizationID) == "" {
		return nil
	}
	terms, err := s.terms(ctx, organizationID)
	if err != nil {
		s.logger.Warn("load sensitive terms failed",
			slog.String("organization_id", organizationID), slog.Any("error", err))
		return nil
	}
	return MatchTerms(text, terms)
}

// Invalidate drops the cached term set of an organization.
func (s *Scanner) Invalidate(ctx context.Context, organizationID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, termCacheKeyPrefix+organizationID).Err()
}

func (s *Scanner) terms(ctx context.Context, organizationID string) ([]string, error) {
	key := termCacheKeyPrefix + organizationID
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var terms []string
			if jsonErr := json.Unmarshal(raw, &terms); jsonErr == nil {
				return terms, nil
			}
		case !errors.Is(err, redis.Nil):
			s.logger.Debug("term cache read failed", slog.Any("error", err))
		}
	}
	if s.source == nil {
		return nil, errors.New("term source not configured")
	}
	terms, err := s.source.Terms(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && s.ttl > 0 {
		if terms == nil {
			terms = []string{}
		}
		payload, _ := json.Marshal(terms)
		if err := s.cache.Set(ctx, key, payload, s.ttl).Err(); err != nil {
			s.logger.Debug("term cache write failed", slog.Any("error", err))
		}
	}
	return terms, nil
}

// MatchTerms returns each distinct term contained in text, in term order.
func MatchTerms(text string, terms []string) []string {
	lowered := strings.ToLower(text)
	seen := make(map[string]struct{}, len(terms))
	var matched []string
	for _, term := range terms {
		t := strings.TrimSpace(term)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		if strings.Contains(lowered, key) {
			seen[key] = struct{}{}
			matched = append(matched, t)
		}
	}
	return matched
}
