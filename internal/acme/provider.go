package acme

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
)

// Order status values, as reported by the CA
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// ChallengeTypeDNS01 is the only challenge type the session answers
const ChallengeTypeDNS01 = "dns-01"

// Order is a CA-tracked request to issue a certificate.
// Status is only ever taken from the server.
type Order struct {
	URL               string   `json:"url"`
	Status            string   `json:"status"`
	FinalizeURL       string   `json:"finalizeUrl"`
	CertificateURL    string   `json:"certificateUrl,omitempty"`
	AuthorizationURLs []string `json:"authorizationUrls"`
	Identifiers       []string `json:"identifiers,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// Challenge is one validation method offered for an authorization
type Challenge struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Token  string `json:"token"`
	Status string `json:"status"`
}

// Authorization is the CA's proof requirement for one identifier
type Authorization struct {
	URL        string      `json:"url"`
	Identifier string      `json:"identifier"`
	Status     string      `json:"status"`
	Wildcard   bool        `json:"wildcard"`
	Challenges []Challenge `json:"challenges"`
}

// DNS01 returns the authorization's dns-01 challenge
func (a Authorization) DNS01() (Challenge, bool) {
	for _, c := range a.Challenges {
		if c.Type == ChallengeTypeDNS01 {
			return c, true
		}
	}
	return Challenge{}, false
}

// Session wraps the ACME v2 operations the workflow drives. Errors reported
// by the CA are returned unchanged; callers classify them with Classify.
type Session interface {
	// CreateOrder creates a new order. replacesCertID is the ARI identifier of
	// the certificate being renewed, or empty.
	CreateOrder(ctx context.Context, names []string, replacesCertID string) (Order, error)

	// GetOrder always fetches the current order from the CA
	GetOrder(ctx context.Context, url string) (Order, error)

	GetAuthorization(ctx context.Context, url string) (Authorization, error)

	// AnswerChallenge tells the CA the challenge is ready to be validated
	AnswerChallenge(ctx context.Context, url string) error

	// Finalize submits a DER encoded CSR without waiting for issuance
	Finalize(ctx context.Context, url string, csr []byte) (Order, error)

	// DownloadCertificate returns the PEM chain of a valid order. With a
	// preferred chain name, an alternate chain whose root matches is chosen.
	DownloadCertificate(ctx context.Context, order Order, preferredChain string) ([]byte, error)

	// KeyAuthorization builds the key authorization for a challenge token
	KeyAuthorization(token string) (string, error)

	// RenewalInfoURL is the directory's renewalInfo base, empty when the CA has none
	RenewalInfoURL() string
}

// DNS01Value is the TXT record value for a key authorization
func DNS01Value(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
