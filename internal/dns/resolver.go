package dns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mdns "github.com/miekg/dns"

	"go_acmebot/internal/retry"
)

var (
	// ErrTXTNotFound means the name has no TXT answer yet
	ErrTXTNotFound = errors.New("TXT record not found")

	// ErrNoResolverReachable means every configured nameserver failed to answer
	ErrNoResolverReachable = errors.New("no configured resolver reachable")
)

// DefaultNameservers are used when none are configured
var DefaultNameservers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// TXTResolver looks up TXT values for verification
type TXTResolver interface {
	LookupTXT(ctx context.Context, fqdn string) ([]string, error)
}

// Resolver queries recursive nameservers directly, independent of the
// provider APIs used to write records.
type Resolver struct {
	nameservers []string
	udp         *mdns.Client
	tcp         *mdns.Client
}

// NewResolver creates a resolver for the given host:port nameservers
func NewResolver(nameservers []string, timeout time.Duration) *Resolver {
	if len(nameservers) == 0 {
		nameservers = DefaultNameservers
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	normalized := make([]string, 0, len(nameservers))
	for _, ns := range nameservers {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			continue
		}
		if !strings.Contains(ns, ":") {
			ns += ":53"
		}
		normalized = append(normalized, ns)
	}

	return &Resolver{
		nameservers: normalized,
		udp:         &mdns.Client{Net: "udp", Timeout: timeout},
		tcp:         &mdns.Client{Net: "tcp", Timeout: timeout},
	}
}

// LookupTXT returns the TXT values at fqdn from the first nameserver that answers
func (r *Resolver) LookupTXT(ctx context.Context, fqdn string) ([]string, error) {
	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(fqdn), mdns.TypeTXT)
	msg.RecursionDesired = true

	var (
		lastErr  error
		answered bool
	)
	for _, ns := range r.nameservers {
		in, _, err := r.udp.ExchangeContext(ctx, msg, ns)
		if err == nil && in.Truncated {
			in, _, err = r.tcp.ExchangeContext(ctx, msg, ns)
		}
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", ns, err)
			continue
		}
		answered = true

		switch in.Rcode {
		case mdns.RcodeSuccess:
		case mdns.RcodeNameError:
			return nil, fmt.Errorf("%w: %s (NXDOMAIN from %s)", ErrTXTNotFound, fqdn, ns)
		default:
			lastErr = fmt.Errorf("%s answered %s for %s", ns, mdns.RcodeToString[in.Rcode], fqdn)
			continue
		}

		var values []string
		for _, rr := range in.Answer {
			if txt, ok := rr.(*mdns.TXT); ok {
				values = append(values, strings.Join(txt.Txt, ""))
			}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: %s (empty answer from %s)", ErrTXTNotFound, fqdn, ns)
		}
		return values, nil
	}

	if !answered {
		if lastErr == nil {
			return nil, ErrNoResolverReachable
		}
		return nil, fmt.Errorf("%w: %v", ErrNoResolverReachable, lastErr)
	}
	return nil, retry.Retriable(lastErr)
}
