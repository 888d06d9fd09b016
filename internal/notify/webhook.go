package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Event types
const (
	EventCompleted = "certificate_completed"
	EventFailed    = "certificate_failed"
)

// Notifier reports workflow outcomes. Delivery is best effort; callers log
// returned errors and carry on.
type Notifier interface {
	NotifyCompleted(ctx context.Context, certificateName string, expiresOn time.Time, dnsNames []string) error
	NotifyFailed(ctx context.Context, certificateName string, dnsNames []string, reason string) error
}

// Payload is the JSON body posted to the webhook
type Payload struct {
	Event           string     `json:"event"`
	CertificateName string     `json:"certificate_name"`
	DNSNames        []string   `json:"dns_names"`
	ExpiresOn       *time.Time `json:"expires_on,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Timestamp       string     `json:"timestamp"`
}

// WebhookNotifier posts a JSON payload to a fixed URL
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *logrus.Entry
	now    func() time.Time
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(url string, logger *logrus.Entry) *WebhookNotifier {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.WithField("component", "webhook"),
		now:    time.Now,
	}
}

func (w *WebhookNotifier) NotifyCompleted(ctx context.Context, certificateName string, expiresOn time.Time, dnsNames []string) error {
	return w.send(ctx, Payload{
		Event:           EventCompleted,
		CertificateName: certificateName,
		DNSNames:        dnsNames,
		ExpiresOn:       &expiresOn,
	})
}

func (w *WebhookNotifier) NotifyFailed(ctx context.Context, certificateName string, dnsNames []string, reason string) error {
	return w.send(ctx, Payload{
		Event:           EventFailed,
		CertificateName: certificateName,
		DNSNames:        dnsNames,
		Reason:          reason,
	})
}

func (w *WebhookNotifier) send(ctx context.Context, p Payload) error {
	p.Timestamp = w.now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}

	w.logger.WithFields(logrus.Fields{
		"event":       p.Event,
		"certificate": p.CertificateName,
	}).Info("Webhook delivered")
	return nil
}

// NopNotifier drops every notification
type NopNotifier struct{}

func (NopNotifier) NotifyCompleted(context.Context, string, time.Time, []string) error { return nil }

func (NopNotifier) NotifyFailed(context.Context, string, []string, string) error { return nil }

// New returns a webhook notifier, or NopNotifier when url is empty
func New(url string, logger *logrus.Entry) Notifier {
	if url == "" {
		return NopNotifier{}
	}
	return NewWebhookNotifier(url, logger)
}
