package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go_acmebot/internal/retry"
)

// RenewalInfo is the CA's suggested renewal window for one certificate
type RenewalInfo struct {
	SuggestedWindowStart time.Time `json:"suggestedWindowStart"`
	SuggestedWindowEnd   time.Time `json:"suggestedWindowEnd"`
	ExplanationURL       string    `json:"explanationUrl,omitempty"`
}

// Valid reports whether the window is well formed
func (r RenewalInfo) Valid() bool {
	return !r.SuggestedWindowStart.IsZero() && r.SuggestedWindowStart.Before(r.SuggestedWindowEnd)
}

type renewalInfoResponse struct {
	SuggestedWindow struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"suggestedWindow"`
	ExplanationURL string `json:"explanationURL"`
}

// Source serves renewal info through the ACME session of the configured CA
type Source interface {
	RenewalInfoURL() string
	FetchRenewalInfo(certificateID string) (*http.Response, error)
}

// Client fetches renewal information from the CA's renewalInfo endpoint
type Client struct {
	httpClient *http.Client
	source     Source
}

// NewClient creates a new ARI client
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

// WithSource routes lookups for the session's own renewalInfo endpoint
// through the session. Other bases are fetched directly.
func (c *Client) WithSource(src Source) *Client {
	c.source = src
	return c
}

// GetRenewalInfo fetches {ariBase}/{certificateID}
func (c *Client) GetRenewalInfo(ctx context.Context, ariBase, certificateID string) (RenewalInfo, error) {
	resp, err := c.fetch(ctx, strings.TrimRight(ariBase, "/"), certificateID)
	if err != nil {
		return RenewalInfo{}, retry.Retriable(fmt.Errorf("renewal info request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return RenewalInfo{}, fmt.Errorf("failed to read renewal info: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("renewal info returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if retry.ClassifyHTTPStatus(resp.StatusCode) == retry.KindRetriable {
			return RenewalInfo{}, retry.Retriable(err)
		}
		return RenewalInfo{}, err
	}

	var parsed renewalInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return RenewalInfo{}, fmt.Errorf("failed to parse renewal info: %w", err)
	}

	return RenewalInfo{
		SuggestedWindowStart: parsed.SuggestedWindow.Start,
		SuggestedWindowEnd:   parsed.SuggestedWindow.End,
		ExplanationURL:       parsed.ExplanationURL,
	}, nil
}

func (c *Client) fetch(ctx context.Context, base, certificateID string) (*http.Response, error) {
	if c.source != nil && strings.TrimRight(c.source.RenewalInfoURL(), "/") == base {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return c.source.FetchRenewalInfo(certificateID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+certificateID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}
