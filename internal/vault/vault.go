package vault

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

var (
	// ErrCertificateNotFound means the vault holds no issued certificate under the name
	ErrCertificateNotFound = errors.New("certificate not found in vault")

	// ErrNoPendingRequest means Merge was called without an outstanding CSR
	ErrNoPendingRequest = errors.New("no pending certificate signing request")

	// ErrKeyMismatch means the merged chain was not issued for the pending key
	ErrKeyMismatch = errors.New("certificate public key does not match pending key")
)

// Key types
const (
	KeyTypeRSA = "RSA"
	KeyTypeEC  = "EC"
)

// KeyParams selects the private key of a certificate
type KeyParams struct {
	KeyType  string `json:"keyType"`
	KeySize  int    `json:"keySize,omitempty"`
	KeyCurve string `json:"keyCurve,omitempty"`
	ReuseKey bool   `json:"reuseKey"`
}

// LegoKeyType maps the params onto a certcrypto key type
func (k KeyParams) LegoKeyType() (certcrypto.KeyType, error) {
	switch k.KeyType {
	case KeyTypeRSA:
		switch k.KeySize {
		case 2048:
			return certcrypto.RSA2048, nil
		case 3072:
			return certcrypto.RSA3072, nil
		case 4096:
			return certcrypto.RSA4096, nil
		}
		return "", fmt.Errorf("unsupported RSA key size %d", k.KeySize)
	case KeyTypeEC:
		switch k.KeyCurve {
		case "P-256":
			return certcrypto.EC256, nil
		case "P-384":
			return certcrypto.EC384, nil
		}
		return "", fmt.Errorf("unsupported EC curve %q", k.KeyCurve)
	}
	return "", fmt.Errorf("unsupported key type %q", k.KeyType)
}

// CSRRequest describes the certificate a CSR is requested for. Policy is
// stored verbatim so renewals can rebuild the original request.
type CSRRequest struct {
	DNSNames []string
	Key      KeyParams
	Policy   json.RawMessage
}

// StoredCertificate is the result of merging an issued chain
type StoredCertificate struct {
	Name         string    `json:"name"`
	Version      int       `json:"version"`
	SerialNumber string    `json:"serialNumber"`
	IssuerCN     string    `json:"issuerCn"`
	ExpiresOn    time.Time `json:"expiresOn"`
	DNSNames     []string  `json:"dnsNames"`
}

// CertificateItem is one managed certificate as listed by the vault
type CertificateItem struct {
	Name      string            `json:"name"`
	Tags      map[string]string `json:"tags"`
	DNSNames  []string          `json:"dnsNames"`
	ExpiresOn time.Time         `json:"expiresOn"`
	IssuerCN  string            `json:"issuerCn"`
	Version   int               `json:"version"`
	Policy    json.RawMessage   `json:"policy,omitempty"`
}

// Tag keys of the managed tag pair
const (
	TagIssuer   = "Issuer"
	TagEndpoint = "Endpoint"
)

// Vault stores private keys and issued certificates
type Vault interface {
	// RequestCertificateSigningRequest returns a DER CSR for name. Calling it
	// again while a request is pending returns the same bytes.
	RequestCertificateSigningRequest(ctx context.Context, name string, req CSRRequest) ([]byte, error)

	// MergeCertificate joins an issued PEM chain with the pending key
	MergeCertificate(ctx context.Context, name string, chainPEM []byte) (StoredCertificate, error)

	// ListCertificates lists certificates carrying this service's tag pair
	ListCertificates(ctx context.Context) ([]CertificateItem, error)

	// GetCertificate returns the current leaf certificate
	GetCertificate(ctx context.Context, name string) (*x509.Certificate, error)
}
