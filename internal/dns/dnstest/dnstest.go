// Package dnstest provides in-memory DNS collaborators for tests.
package dnstest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go_acmebot/internal/dns"
)

// Call records one mutating provider call
type Call struct {
	Op     string
	Zone   string
	Name   string
	Values []string
}

// Provider is an in-memory dns.Provider. Records are keyed by FQDN.
type Provider struct {
	ProviderName string
	Zones        []dns.Zone
	Propagation  int

	// ListErr, if set, is returned by ListZones
	ListErr error
	// CreateErr, if set, is returned by CreateTxtRecord
	CreateErr error

	mu      sync.Mutex
	records map[string][]string
	calls   []Call
}

// NewProvider creates a provider serving zones with the given names
func NewProvider(name string, zoneNames ...string) *Provider {
	p := &Provider{ProviderName: name, records: make(map[string][]string)}
	for i, z := range zoneNames {
		p.Zones = append(p.Zones, dns.Zone{
			ID:          fmt.Sprintf("%s-zone-%d", name, i+1),
			Name:        z,
			NameServers: []string{"ns1." + z, "ns2." + z},
			Provider:    name,
		})
	}
	return p
}

func (p *Provider) Name() string { return p.ProviderName }

func (p *Provider) PropagationSeconds() int { return p.Propagation }

func (p *Provider) ListZones(ctx context.Context) ([]dns.Zone, error) {
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	return append([]dns.Zone(nil), p.Zones...), nil
}

func (p *Provider) CreateTxtRecord(ctx context.Context, zone dns.Zone, relativeName string, values []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{Op: "create", Zone: zone.Name, Name: relativeName, Values: append([]string(nil), values...)})
	if p.CreateErr != nil {
		return p.CreateErr
	}
	fqdn := dns.ToFQDN(zone.Name, relativeName)
	p.records[fqdn] = append(p.records[fqdn], values...)
	return nil
}

func (p *Provider) DeleteTxtRecord(ctx context.Context, zone dns.Zone, relativeName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{Op: "delete", Zone: zone.Name, Name: relativeName})
	fqdn := dns.ToFQDN(zone.Name, relativeName)
	if _, ok := p.records[fqdn]; !ok {
		return dns.ErrRecordNotFound
	}
	delete(p.records, fqdn)
	return nil
}

// Values returns the TXT values currently stored at fqdn
func (p *Provider) Values(fqdn string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.records[strings.TrimSuffix(fqdn, ".")]...)
}

// RecordNames lists every FQDN holding values
func (p *Provider) RecordNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.records))
	for n := range p.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Calls returns the mutating calls made so far
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Resolver answers TXT lookups from one or more in-memory providers
type Resolver struct {
	Providers []*Provider
	// Err, if set, is returned for every lookup
	Err error

	mu      sync.Mutex
	lookups int
}

func (r *Resolver) LookupTXT(ctx context.Context, fqdn string) ([]string, error) {
	r.mu.Lock()
	r.lookups++
	r.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	for _, p := range r.Providers {
		if v := p.Values(fqdn); len(v) > 0 {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", dns.ErrTXTNotFound, fqdn)
}

// Lookups reports how many lookups were made
func (r *Resolver) Lookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}
