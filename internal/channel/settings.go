package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/driplinehq/dripline/internal/errs"
	"github.com/driplinehq/dripline/internal/pool"
)

// Settings is the tenant's channel configuration row. Channel selects the
// transport; the remaining fields are credentials for whichever transport
// is active.
type Settings struct {
	TenantID string
	Channel  string // chat | push | conversions | "" (none configured)

	ChatBaseURL  string
	ChatInstance string
	ChatToken    string

	PushURL       string
	PushServerKey string

	ConvURL         string
	ConvAccessToken string
	ConvPixelID     string
}

// Configured reports whether any transport is set up.
func (s Settings) Configured() bool { return s.Channel != "" }

// SettingsSource resolves a tenant's channel settings.
type SettingsSource interface {
	ChannelSettings(ctx context.Context, tenantID string) (Settings, error)
}

// PGSettings reads channel settings from the tenant's own database,
// reached through the shared tenant connection pool.
type PGSettings struct {
	Pools *pool.TenantPools
}

func (p *PGSettings) ChannelSettings(ctx context.Context, tenantID string) (Settings, error) {
	conn, err := p.Pools.Acquire(ctx, tenantID)
	if err != nil {
		return Settings{}, err
	}

	s := Settings{TenantID: tenantID}
	err = conn.QueryRow(ctx, `
		SELECT channel, chat_base_url, chat_instance, chat_token,
		       push_url, push_server_key,
		       conv_url, conv_access_token, conv_pixel_id
		FROM channel_settings
		LIMIT 1`).Scan(
		&s.Channel, &s.ChatBaseURL, &s.ChatInstance, &s.ChatToken,
		&s.PushURL, &s.PushServerKey,
		&s.ConvURL, &s.ConvAccessToken, &s.ConvPixelID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Tenant exists but never configured a channel.
		return Settings{TenantID: tenantID}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read channel settings for %s: %w", tenantID, err)
	}
	return s, nil
}

// Resolver picks the delivery adapter for a tenant from its settings.
// Resolution happens once per delivery attempt, never cached here, so a
// settings change between attempts takes effect immediately.
type Resolver struct {
	Source SettingsSource
	Client *http.Client
}

// Resolve returns the adapter configured for the tenant.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (Adapter, error) {
	s, err := r.Source.ChannelSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	switch s.Channel {
	case Chat:
		return NewChatAdapter(s, r.Client), nil
	case Push:
		return NewPushAdapter(s, r.Client), nil
	case Conversions:
		return NewConversionsAdapter(s, r.Client), nil
	case "":
		return nil, &errs.NoChannelError{TenantID: tenantID}
	default:
		return nil, &errs.NoChannelError{TenantID: tenantID}
	}
}
