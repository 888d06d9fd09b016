package dns

import (
	"context"
	"errors"
	"strings"

	"go_acmebot/internal/retry"
)

// VerifyChallenges checks that every group's values are visible through the
// resolver. Missing or stale answers are retriable; an unreachable resolver is fatal.
func VerifyChallenges(ctx context.Context, resolver TXTResolver, groups []RecordGroup) retry.Result[struct{}] {
	for _, g := range groups {
		got, err := resolver.LookupTXT(ctx, g.RecordName)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoResolverReachable):
			return retry.Fail[struct{}](err.Error())
		case errors.Is(err, ErrTXTNotFound):
			return retry.Retryf[struct{}]("%s: not yet visible: %v", g.RecordName, err)
		default:
			return retry.Retryf[struct{}]("%s: lookup failed: %v", g.RecordName, err)
		}

		for _, want := range g.Values {
			if !containsString(got, want) {
				return retry.Retryf[struct{}]("%s: value mismatch: want %q, resolver returned [%s]",
					g.RecordName, want, strings.Join(got, ", "))
			}
		}
	}
	return retry.Ok(struct{}{})
}
