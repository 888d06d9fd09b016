package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go_acmebot/internal/domainutil"
	"go_acmebot/internal/vault"
)

// CertificatePolicy describes the certificate one workflow instance issues.
// It is immutable once the instance is created.
type CertificatePolicy struct {
	CertificateName string   `json:"certificateName"`
	DNSNames        []string `json:"dnsNames"`
	KeyType         string   `json:"keyType"`
	KeySize         int      `json:"keySize,omitempty"`
	KeyCurve        string   `json:"keyCurve,omitempty"`
	ReuseKey        bool     `json:"reuseKey"`
	DNSAlias        string   `json:"dnsAlias,omitempty"`
	DNSProviderName string   `json:"dnsProviderName,omitempty"`
}

// ErrInvalidPolicy wraps every policy validation failure
var ErrInvalidPolicy = errors.New("invalid certificate policy")

// Normalize fills in defaults: normalized DNS names, the certificate name
// derived from the first name, and the default key parameters.
func (p CertificatePolicy) Normalize() (CertificatePolicy, error) {
	names, err := domainutil.NormalizeDNSNames(p.DNSNames)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	p.DNSNames = names

	if p.DNSAlias != "" {
		alias, err := domainutil.Normalize(p.DNSAlias)
		if err != nil {
			return p, fmt.Errorf("%w: dns alias: %v", ErrInvalidPolicy, err)
		}
		p.DNSAlias = alias
	}

	if p.CertificateName == "" {
		p.CertificateName = certificateNameFor(names[0])
	}

	p.KeyType = strings.ToUpper(strings.TrimSpace(p.KeyType))
	switch p.KeyType {
	case "":
		p.KeyType = vault.KeyTypeRSA
		if p.KeySize == 0 {
			p.KeySize = 2048
		}
	case vault.KeyTypeRSA:
		if p.KeySize == 0 {
			p.KeySize = 2048
		}
	case vault.KeyTypeEC:
		if p.KeyCurve == "" {
			p.KeyCurve = "P-256"
		}
	}
	return p, p.Validate()
}

// Validate checks the policy without touching the network
func (p CertificatePolicy) Validate() error {
	if len(p.DNSNames) == 0 {
		return fmt.Errorf("%w: dns names must not be empty", ErrInvalidPolicy)
	}
	if p.CertificateName == "" {
		return fmt.Errorf("%w: certificate name is empty", ErrInvalidPolicy)
	}
	for _, r := range p.CertificateName {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return fmt.Errorf("%w: certificate name %q may only contain letters, digits and '-'", ErrInvalidPolicy, p.CertificateName)
		}
	}
	if _, err := p.KeyParams().LegoKeyType(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return nil
}

// KeyParams returns the vault key parameters of the policy
func (p CertificatePolicy) KeyParams() vault.KeyParams {
	return vault.KeyParams{
		KeyType:  p.KeyType,
		KeySize:  p.KeySize,
		KeyCurve: p.KeyCurve,
		ReuseKey: p.ReuseKey,
	}
}

// ValidationNames are the names whose challenge records get published.
// With an alias every authorization validates through the alias.
func (p CertificatePolicy) ValidationNames() []string {
	if p.DNSAlias != "" {
		return []string{p.DNSAlias}
	}
	return p.DNSNames
}

// JSON returns the stored form of the policy
func (p CertificatePolicy) JSON() json.RawMessage {
	b, _ := json.Marshal(p)
	return b
}

// certificateNameFor turns *.example.com into wildcard-example-com
func certificateNameFor(dnsName string) string {
	name := strings.ReplaceAll(dnsName, "*", "wildcard")
	return strings.ReplaceAll(name, ".", "-")
}

// PolicyFromItem rebuilds the issuance policy the vault stored with a certificate
func PolicyFromItem(item vault.CertificateItem) (CertificatePolicy, error) {
	var policy CertificatePolicy
	if len(item.Policy) > 0 {
		if err := json.Unmarshal(item.Policy, &policy); err != nil {
			return policy, fmt.Errorf("stored policy of %s is corrupt: %w", item.Name, err)
		}
	}
	policy.CertificateName = item.Name
	if len(policy.DNSNames) == 0 {
		policy.DNSNames = item.DNSNames
	}
	return policy, nil
}
