// Package providers builds the configured DNS providers at startup.
package providers

import (
	"context"
	"errors"

	"go_acmebot/internal/config"
	"go_acmebot/internal/dns"
	"go_acmebot/internal/dns/providers/cloudflare"
	"go_acmebot/internal/dns/providers/route53"
)

// ErrNoProvider is returned when no provider credentials are configured
var ErrNoProvider = errors.New("no dns provider configured")

// New returns every provider with credentials in cfg, in a fixed order
func New(ctx context.Context, cfg *config.Config) ([]dns.Provider, error) {
	var list []dns.Provider

	if cfg.Cloudflare.APIToken != "" {
		list = append(list, cloudflare.NewCloudflareProvider(cloudflare.Config{
			Email:    cfg.Cloudflare.Email,
			APIToken: cfg.Cloudflare.APIToken,
		}))
	}

	if cfg.Route53.Enabled {
		p, err := route53.New(ctx, route53.Config{
			Region:          cfg.Route53.Region,
			AccessKeyID:     cfg.Route53.AccessKeyID,
			SecretAccessKey: cfg.Route53.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}

	if len(list) == 0 {
		return nil, ErrNoProvider
	}
	return list, nil
}
