// Package apps resolves tenant applications and their AI resource quota.
package apps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/imhub/internal/channel"
	"github.com/memohai/imhub/internal/db"
)

const resolveAppSQL = `
SELECT a.id, a.name, a.provider, a.config, a.organization_id,
       r.id, r.model, r.token_remains
FROM apps a
LEFT JOIN ai_resources r ON r.id = a.ai_resource_id
WHERE a.id = $1`

// Directory looks applications up by public id.
type Directory struct {
	db       db.DBTX
	registry *channel.Registry
	logger   *slog.Logger
}

func NewDirectory(log *slog.Logger, pool *pgxpool.Pool, registry *channel.Registry) *Directory {
	return newDirectory(log, pool, registry)
}

func newDirectory(log *slog.Logger, conn db.DBTX, registry *channel.Registry) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		db:       conn,
		registry: registry,
		logger:   log.With(slog.String("service", "apps")),
	}
}

// Resolve returns the app with its AI resource. It fails with ErrAppNotFound
// for unknown ids and ErrAppMisconfigured when the provider credentials are
// unusable.
func (d *Directory) Resolve(ctx context.Context, appID string) (App, error) {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return App{}, ErrAppNotFound
	}
	var (
		app          App
		provider     string
		rawConfig    []byte
		resourceID   *string
		model        *string
		tokenRemains *int64
	)
	err := d.db.QueryRow(ctx, resolveAppSQL, appID).Scan(
		&app.ID, &app.Name, &provider, &rawConfig, &app.OrganizationID,
		&resourceID, &model, &tokenRemains,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return App{}, ErrAppNotFound
		}
		return App{}, fmt.Errorf("query app %s: %w", appID, err)
	}
	app.Provider = channel.ChannelType(strings.ToLower(strings.TrimSpace(provider)))
	if resourceID != nil {
		app.AIResource = &AIResource{ID: *resourceID}
		if model != nil {
			app.AIResource.Model = *model
		}
		if tokenRemains != nil {
			app.AIResource.TokenRemains = *tokenRemains
		}
	}

	if len(rawConfig) == 0 {
		return app, fmt.Errorf("%w: app %s has no config", ErrAppMisconfigured, appID)
	}
	cfg, err := channel.DecodeConfigMap(rawConfig)
	if err != nil {
		return app, fmt.Errorf("%w: app %s config: %v", ErrAppMisconfigured, appID, err)
	}
	if len(cfg) == 0 {
		return app, fmt.Errorf("%w: app %s has no config", ErrAppMisconfigured, appID)
	}
	app.Config = cfg
	if d.registry != nil {
		if err := d.registry.ValidateConfig(app.Provider, cfg); err != nil {
			return app, fmt.Errorf("%w: app %s: %v", ErrAppMisconfigured, appID, err)
		}
	}
	return app, nil
}
