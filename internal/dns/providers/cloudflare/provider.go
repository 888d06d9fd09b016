package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go_acmebot/internal/dns"
	"go_acmebot/internal/retry"
)

const (
	cloudflareAPIBase = "https://api.cloudflare.com/client/v4"
	requestTimeout    = 10 * time.Second

	// ProviderName is the name zones from this provider carry
	ProviderName = "cloudflare"

	challengeTTL       = 60
	propagationSeconds = 10
	zonesPerPage       = 50
)

// Config holds Cloudflare credentials. Either APIToken alone (bearer), or
// Email plus APIToken as the global API key.
type Config struct {
	Email    string
	APIToken string
	BaseURL  string
	Client   *http.Client
}

// CloudflareProvider implements dns.Provider for Cloudflare API
type CloudflareProvider struct {
	email    string
	apiToken string
	baseURL  string
	client   *http.Client
}

// NewCloudflareProvider creates a new Cloudflare DNS provider
func NewCloudflareProvider(cfg Config) *CloudflareProvider {
	p := &CloudflareProvider{
		email:    cfg.Email,
		apiToken: cfg.APIToken,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		client:   cfg.Client,
	}
	if p.baseURL == "" {
		p.baseURL = cloudflareAPIBase
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: requestTimeout}
	}
	return p
}

// CloudflareRecord represents a Cloudflare DNS record (API response)
type CloudflareRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
}

// CloudflareZone represents a Cloudflare zone (API response)
type CloudflareZone struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	NameServers []string `json:"name_servers"`
}

// CloudflareResponse represents a Cloudflare API response
type CloudflareResponse struct {
	Success    bool              `json:"success"`
	Errors     []CloudflareError `json:"errors"`
	Result     json.RawMessage   `json:"result"`
	ResultInfo *ResultInfo       `json:"result_info,omitempty"`
}

// ResultInfo carries pagination of list endpoints
type ResultInfo struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}

// CloudflareError represents a Cloudflare API error
type CloudflareError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *CloudflareProvider) Name() string { return ProviderName }

func (p *CloudflareProvider) PropagationSeconds() int { return propagationSeconds }

// ListZones lists every active zone the token can access
func (p *CloudflareProvider) ListZones(ctx context.Context) ([]dns.Zone, error) {
	var zones []dns.Zone
	for page := 1; ; page++ {
		path := fmt.Sprintf("/zones?per_page=%d&page=%d", zonesPerPage, page)

		cfResp, err := p.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var items []CloudflareZone
		if err := json.Unmarshal(cfResp.Result, &items); err != nil {
			return nil, fmt.Errorf("failed to parse result: %w", err)
		}
		for _, z := range items {
			if z.Status != "" && z.Status != "active" {
				continue
			}
			zones = append(zones, dns.Zone{
				ID:          z.ID,
				Name:        strings.ToLower(strings.TrimSuffix(z.Name, ".")),
				NameServers: z.NameServers,
				Provider:    ProviderName,
			})
		}

		if cfResp.ResultInfo == nil || page >= cfResp.ResultInfo.TotalPages {
			break
		}
	}
	return zones, nil
}

// CreateTxtRecord creates one TXT record per value. Cloudflare groups them
// into a single record set when answering queries.
func (p *CloudflareProvider) CreateTxtRecord(ctx context.Context, zone dns.Zone, relativeName string, values []string) error {
	fqdn := dns.ToFQDN(zone.Name, relativeName)

	for _, value := range values {
		payload := map[string]interface{}{
			"type":    "TXT",
			"name":    fqdn,
			"content": value,
			"ttl":     challengeTTL,
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		path := fmt.Sprintf("/zones/%s/dns_records", zone.ID)
		if _, err := p.do(ctx, http.MethodPost, path, body); err != nil {
			return fmt.Errorf("failed to create record %s: %w", fqdn, err)
		}
	}
	return nil
}

// DeleteTxtRecord deletes every TXT record at relativeName.
// Returns dns.ErrRecordNotFound when there is nothing to delete.
func (p *CloudflareProvider) DeleteTxtRecord(ctx context.Context, zone dns.Zone, relativeName string) error {
	fqdn := dns.ToFQDN(zone.Name, relativeName)

	records, err := p.findTxtRecords(ctx, zone.ID, fqdn)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return dns.ErrRecordNotFound
	}

	for _, r := range records {
		path := fmt.Sprintf("/zones/%s/dns_records/%s", zone.ID, r.ID)
		if _, err := p.do(ctx, http.MethodDelete, path, nil); err != nil && err != dns.ErrRecordNotFound {
			return fmt.Errorf("failed to delete record %s: %w", r.ID, err)
		}
	}
	return nil
}

// findTxtRecords finds TXT records by exact name
func (p *CloudflareProvider) findTxtRecords(ctx context.Context, zoneID, fqdn string) ([]CloudflareRecord, error) {
	q := url.Values{}
	q.Set("type", "TXT")
	q.Set("name", fqdn)
	q.Set("per_page", "100")

	cfResp, err := p.do(ctx, http.MethodGet, fmt.Sprintf("/zones/%s/dns_records?%s", zoneID, q.Encode()), nil)
	if err != nil {
		return nil, err
	}

	var records []CloudflareRecord
	if err := json.Unmarshal(cfResp.Result, &records); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return records, nil
}

// do sends one API request and decodes the envelope. 5xx and 429 responses
// are marked retriable; record-not-found codes map to dns.ErrRecordNotFound.
func (p *CloudflareProvider) do(ctx context.Context, method, path string, body []byte) (*CloudflareResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if p.email != "" {
		req.Header.Set("X-Auth-Email", p.email)
		req.Header.Set("X-Auth-Key", p.apiToken)
	} else {
		req.Header.Set("Authorization", "Bearer "+p.apiToken)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, retry.Retriable(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	// Check for 404 - record not found
	if resp.StatusCode == http.StatusNotFound && method == http.MethodDelete {
		return nil, dns.ErrRecordNotFound
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Retriable(fmt.Errorf("failed to read response: %w", err))
	}

	if retry.ClassifyHTTPStatus(resp.StatusCode) == retry.KindRetriable {
		return nil, retry.Retriable(fmt.Errorf("cloudflare API returned HTTP %d", resp.StatusCode))
	}

	var cfResp CloudflareResponse
	if err := json.Unmarshal(respBody, &cfResp); err != nil {
		return nil, fmt.Errorf("failed to parse response (HTTP %d): %w", resp.StatusCode, err)
	}

	if !cfResp.Success {
		// Check for record not found error code (81044)
		for _, e := range cfResp.Errors {
			if e.Code == 81044 || e.Code == 81043 {
				return nil, dns.ErrRecordNotFound
			}
		}
		return nil, fmt.Errorf("cloudflare API error: %s", formatErrors(cfResp.Errors))
	}

	return &cfResp, nil
}

// formatErrors formats Cloudflare API errors into a readable string
func formatErrors(errors []CloudflareError) string {
	if len(errors) == 0 {
		return "unknown error"
	}

	var errMsgs []string
	for _, e := range errors {
		errMsgs = append(errMsgs, fmt.Sprintf("[%d] %s", e.Code, e.Message))
	}

	return fmt.Sprintf("%v", errMsgs)
}
