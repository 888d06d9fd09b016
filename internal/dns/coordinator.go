package dns

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"go_acmebot/internal/retry"
)

// PublishedRecord remembers where a record group was written, for cleanup
type PublishedRecord struct {
	Zone         Zone     `json:"zone"`
	RecordName   string   `json:"recordName"`
	RelativeName string   `json:"relativeName"`
	Values       []string `json:"values"`
}

// CoordinatorConfig holds coordinator dependencies
type CoordinatorConfig struct {
	Providers []Provider
	Locker    RecordLocker
	Logger    *logrus.Entry
}

// Coordinator resolves zones across every configured provider and writes
// challenge records with replace semantics.
type Coordinator struct {
	providers map[string]Provider
	order     []string
	locker    RecordLocker
	logger    *logrus.Entry
}

// NewCoordinator creates a coordinator. At least one provider is required.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("no dns provider configured")
	}

	c := &Coordinator{
		providers: make(map[string]Provider, len(cfg.Providers)),
		locker:    cfg.Locker,
		logger:    cfg.Logger,
	}
	if c.locker == nil {
		c.locker = NewLocalLocker(0)
	}
	if c.logger == nil {
		c.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c.logger = c.logger.WithField("component", "dns-coordinator")

	for _, p := range cfg.Providers {
		if _, dup := c.providers[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate dns provider name %q", p.Name())
		}
		c.providers[p.Name()] = p
		c.order = append(c.order, p.Name())
	}
	return c, nil
}

// ProviderNames lists configured providers in configuration order
func (c *Coordinator) ProviderNames() []string {
	return append([]string(nil), c.order...)
}

// ListAllZones lists zones from every provider. Zones are never cached.
func (c *Coordinator) ListAllZones(ctx context.Context) ([]Zone, error) {
	var all []Zone
	for _, name := range c.order {
		zones, err := c.providers[name].ListZones(ctx)
		if err != nil {
			return nil, fmt.Errorf("list zones from %s: %w", name, err)
		}
		for _, z := range zones {
			z.Provider = name
			all = append(all, z)
		}
	}
	return all, nil
}

// ResolveAll maps every name to its owning zone. A name without a zone is a
// fatal precondition failure.
func (c *Coordinator) ResolveAll(ctx context.Context, names []string) (map[string]Zone, error) {
	zones, err := c.ListAllZones(ctx)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]Zone, len(names))
	for _, name := range names {
		z, err := ResolveZone(name, zones)
		if err != nil {
			return nil, &retry.Error{Kind: retry.KindFatal, Reason: err.Error()}
		}
		resolved[name] = z
	}
	return resolved, nil
}

// PublishChallenges replaces each group's record set: existing TXT values at
// the name are deleted, then exactly the group's values are created.
// Repeating the call with the same owner is safe. On error the records
// locked so far are returned with it so the caller can clean them up.
func (c *Coordinator) PublishChallenges(ctx context.Context, owner string, groups []RecordGroup) ([]PublishedRecord, error) {
	zones, err := c.ListAllZones(ctx)
	if err != nil {
		return nil, err
	}

	published := make([]PublishedRecord, 0, len(groups))
	for _, g := range groups {
		zone, err := ResolveZone(g.RecordName, zones)
		if err != nil {
			return published, &retry.Error{Kind: retry.KindFatal, Reason: err.Error()}
		}
		provider := c.providers[zone.Provider]
		rel := NormalizeRelativeName(g.RecordName, zone.Name)

		ok, err := c.locker.Acquire(ctx, LockKey(zone, rel), owner)
		if err != nil {
			return published, retry.Retriable(err)
		}
		if !ok {
			return published, retry.Retriable(fmt.Errorf("%w: %s", ErrRecordBusy, g.RecordName))
		}

		record := PublishedRecord{
			Zone:         zone,
			RecordName:   g.RecordName,
			RelativeName: rel,
			Values:       g.Values,
		}
		// 锁已持有，失败时也要交给调用方清理
		if err := provider.DeleteTxtRecord(ctx, zone, rel); err != nil && !errors.Is(err, ErrRecordNotFound) {
			return append(published, record), fmt.Errorf("delete %s in %s: %w", rel, zone.Name, err)
		}
		if err := provider.CreateTxtRecord(ctx, zone, rel, g.Values); err != nil {
			return append(published, record), fmt.Errorf("create %s in %s: %w", rel, zone.Name, err)
		}

		c.logger.WithFields(logrus.Fields{
			"provider": zone.Provider,
			"zone":     zone.Name,
			"record":   rel,
			"values":   len(g.Values),
			"owner":    owner,
		}).Info("Challenge record published")

		published = append(published, record)
	}
	return published, nil
}

// CleanupChallenges deletes published records and releases their locks.
// Every record is attempted; the first error is returned.
func (c *Coordinator) CleanupChallenges(ctx context.Context, owner string, records []PublishedRecord) error {
	var firstErr error
	for _, r := range records {
		provider, ok := c.providers[r.Zone.Provider]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("dns provider %q is no longer configured", r.Zone.Provider)
			}
			continue
		}

		if err := provider.DeleteTxtRecord(ctx, r.Zone, r.RelativeName); err != nil && !errors.Is(err, ErrRecordNotFound) {
			c.logger.WithError(err).WithField("record", r.RecordName).Warn("Failed to delete challenge record")
			if firstErr == nil {
				firstErr = fmt.Errorf("delete %s in %s: %w", r.RelativeName, r.Zone.Name, err)
			}
			continue
		}

		if err := c.locker.Release(ctx, LockKey(r.Zone, r.RelativeName), owner); err != nil {
			c.logger.WithError(err).WithField("record", r.RecordName).Warn("Failed to release record lock")
		}
	}
	return firstErr
}

// PropagationSeconds is the longest propagation hint among the providers
// owning the given records
func (c *Coordinator) PropagationSeconds(records []PublishedRecord) int {
	max := 0
	for _, r := range records {
		if p, ok := c.providers[r.Zone.Provider]; ok && p.PropagationSeconds() > max {
			max = p.PropagationSeconds()
		}
	}
	return max
}
