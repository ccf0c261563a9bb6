package apps

import (
	"errors"

	"github.com/memohai/imhub/internal/channel"
)

var (
	ErrAppNotFound      = errors.New("app not found")
	ErrAppMisconfigured = errors.New("app misconfigured")
)

// AIResource is the token budget linked to an application.
type AIResource struct {
	ID           string `json:"id"`
	Model        string `json:"model,omitempty"`
	TokenRemains int64  `json:"tokenRemains"`
}

// Exhausted reports whether no tokens remain.
func (r AIResource) Exhausted() bool {
	return r.TokenRemains <= 0
}

// App is a tenant application receiving pushes for one provider.
type App struct {
	ID             string
	Name           string
	Provider       channel.ChannelType
	Config         map[string]any
	OrganizationID string
	AIResource     *AIResource
}

// ChannelConfig returns the view of the app a provider needs.
func (a App) ChannelConfig() channel.AppConfig {
	return channel.AppConfig{
		ID:          a.ID,
		Name:        a.Name,
		Type:        a.Provider,
		Credentials: a.Config,
	}
}

// Ref is the credential-free app description carried in dispatch jobs.
type Ref struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Provider       channel.ChannelType `json:"provider"`
	OrganizationID string              `json:"organizationId"`
	AIResource     *AIResource         `json:"aiResource,omitempty"`
}

// Ref returns the job-safe description of the app.
func (a App) Ref() Ref {
	return Ref{
		ID:             a.ID,
		Name:           a.Name,
		Provider:       a.Provider,
		OrganizationID: a.OrganizationID,
		AIResource:     a.AIResource,
	}
}
