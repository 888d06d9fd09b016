package ari

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Decision sources
const (
	SourceARI    = "ari"
	SourceExpiry = "expiry"
)

// RenewalDecision is the outcome of one evaluation. It is not persisted.
type RenewalDecision struct {
	ShouldRenew  bool   `json:"shouldRenew"`
	Source       string `json:"source"`
	Reason       string `json:"reason"`
	FallbackUsed bool   `json:"fallbackUsed"`
}

// InfoFetcher is the part of Client the evaluator needs
type InfoFetcher interface {
	GetRenewalInfo(ctx context.Context, ariBase, certificateID string) (RenewalInfo, error)
}

// EvaluatorConfig holds evaluator settings
type EvaluatorConfig struct {
	Fetcher               InfoFetcher
	UseARI                bool
	RenewBeforeExpiryDays int
	Logger                *logrus.Entry
}

// Evaluator decides whether a certificate is due for renewal
type Evaluator struct {
	fetcher     InfoFetcher
	useARI      bool
	renewBefore time.Duration
	logger      *logrus.Entry
}

// NewEvaluator creates a new renewal evaluator
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	days := cfg.RenewBeforeExpiryDays
	if days <= 0 {
		days = 30
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Evaluator{
		fetcher:     cfg.Fetcher,
		useARI:      cfg.UseARI,
		renewBefore: time.Duration(days) * 24 * time.Hour,
		logger:      logger.WithField("component", "ari-evaluator"),
	}
}

// EvaluateRenewal prefers the CA's suggested window and falls back to the
// certificate's expiry when ARI is unavailable or misbehaves.
func (e *Evaluator) EvaluateRenewal(ctx context.Context, cert *x509.Certificate, now time.Time, ariBase string) RenewalDecision {
	if !e.useARI || ariBase == "" || e.fetcher == nil {
		return ExpiryDecision(cert.NotAfter, now, e.renewBefore, false)
	}

	id, err := ComputeIdentifier(cert)
	if err != nil {
		e.logger.WithError(err).Warn("Cannot compute ARI identifier, using expiry")
		return ExpiryDecision(cert.NotAfter, now, e.renewBefore, true)
	}

	info, err := e.fetcher.GetRenewalInfo(ctx, ariBase, id.CertificateID)
	if err != nil {
		e.logger.WithError(err).WithField("certificate_id", id.CertificateID).Warn("Renewal info unavailable, using expiry")
		return ExpiryDecision(cert.NotAfter, now, e.renewBefore, true)
	}
	if !info.Valid() {
		e.logger.WithField("certificate_id", id.CertificateID).Warnf("Malformed suggested window [%s, %s], using expiry",
			info.SuggestedWindowStart.Format(time.RFC3339), info.SuggestedWindowEnd.Format(time.RFC3339))
		return ExpiryDecision(cert.NotAfter, now, e.renewBefore, true)
	}

	return WindowDecision(info, now)
}

// WindowDecision renews once now reaches two thirds of the suggested window,
// or immediately when the window has already closed.
func WindowDecision(info RenewalInfo, now time.Time) RenewalDecision {
	start, end := info.SuggestedWindowStart, info.SuggestedWindowEnd
	threshold := start.Add(end.Sub(start) * 2 / 3)

	switch {
	case now.After(end):
		return RenewalDecision{
			ShouldRenew: true,
			Source:      SourceARI,
			Reason:      fmt.Sprintf("suggested window ended at %s", end.Format(time.RFC3339)),
		}
	case !now.Before(threshold):
		return RenewalDecision{
			ShouldRenew: true,
			Source:      SourceARI,
			Reason:      fmt.Sprintf("reached renewal point %s of window [%s, %s]", threshold.Format(time.RFC3339), start.Format(time.RFC3339), end.Format(time.RFC3339)),
		}
	default:
		return RenewalDecision{
			ShouldRenew: false,
			Source:      SourceARI,
			Reason:      fmt.Sprintf("renewal point %s not reached", threshold.Format(time.RFC3339)),
		}
	}
}

// ExpiryDecision renews when the certificate expires within renewBefore
func ExpiryDecision(expiresOn, now time.Time, renewBefore time.Duration, fallback bool) RenewalDecision {
	remaining := expiresOn.Sub(now)
	d := RenewalDecision{
		ShouldRenew:  remaining <= renewBefore,
		Source:       SourceExpiry,
		FallbackUsed: fallback,
	}
	if d.ShouldRenew {
		d.Reason = fmt.Sprintf("expires on %s, within %d days", expiresOn.Format(time.RFC3339), int(renewBefore.Hours()/24))
	} else {
		d.Reason = fmt.Sprintf("expires on %s", expiresOn.Format(time.RFC3339))
	}
	return d
}
