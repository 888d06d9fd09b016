package workflow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_acmebot/internal/vault"
)

func TestCertificatePolicy_Normalize(t *testing.T) {
	tests := []struct {
		in       CertificatePolicy
		wantName string
		wantKey  string
	}{
		{CertificatePolicy{DNSNames: []string{"Example.COM"}}, "example-com", "RSA"},
		{CertificatePolicy{DNSNames: []string{"*.example.com", "example.com"}}, "wildcard-example-com", "RSA"},
		{CertificatePolicy{DNSNames: []string{"a.example.com"}, KeyType: "ec"}, "a-example-com", "EC"},
		{CertificatePolicy{CertificateName: "custom", DNSNames: []string{"a.example.com"}}, "custom", "RSA"},
	}

	for _, tt := range tests {
		got, err := tt.in.Normalize()
		require.NoError(t, err)
		if got.CertificateName != tt.wantName {
			t.Errorf("Normalize(%v).CertificateName = %q; want %q", tt.in.DNSNames, got.CertificateName, tt.wantName)
		}
		if got.KeyType != tt.wantKey {
			t.Errorf("Normalize(%v).KeyType = %q; want %q", tt.in.DNSNames, got.KeyType, tt.wantKey)
		}
	}
}

func TestCertificatePolicy_NormalizeDefaults(t *testing.T) {
	p, err := CertificatePolicy{DNSNames: []string{"example.com", "example.com"}}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, p.DNSNames)
	assert.Equal(t, 2048, p.KeySize)

	p, err = CertificatePolicy{DNSNames: []string{"example.com"}, KeyType: "EC"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "P-256", p.KeyCurve)
}

func TestCertificatePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   CertificatePolicy
	}{
		{"no names", CertificatePolicy{}},
		{"ip address", CertificatePolicy{DNSNames: []string{"10.0.0.1"}}},
		{"inner wildcard", CertificatePolicy{DNSNames: []string{"a.*.example.com"}}},
		{"rsa size", CertificatePolicy{DNSNames: []string{"example.com"}, KeyType: "RSA", KeySize: 1024}},
		{"curve", CertificatePolicy{DNSNames: []string{"example.com"}, KeyType: "EC", KeyCurve: "P-521"}},
		{"key type", CertificatePolicy{DNSNames: []string{"example.com"}, KeyType: "DSA"}},
		{"name chars", CertificatePolicy{CertificateName: "a.b", DNSNames: []string{"example.com"}}},
		{"bad alias", CertificatePolicy{DNSNames: []string{"example.com"}, DNSAlias: "no_dots"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.in.Normalize()
			if !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("Normalize() error = %v; want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestCertificatePolicy_ValidationNames(t *testing.T) {
	p := CertificatePolicy{DNSNames: []string{"a.example.com", "b.example.com"}}
	assert.Equal(t, p.DNSNames, p.ValidationNames())

	p.DNSAlias = "validation.example.net"
	assert.Equal(t, []string{"validation.example.net"}, p.ValidationNames())
}

func TestPolicyFromItem(t *testing.T) {
	p, err := PolicyFromItem(vault.CertificateItem{Name: "x", DNSNames: []string{"x.example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "x", p.CertificateName)
	assert.Equal(t, []string{"x.example.com"}, p.DNSNames)

	stored := CertificatePolicy{DNSNames: []string{"a.example.com"}, KeyType: vault.KeyTypeEC, DNSAlias: "acme.example.net"}
	p, err = PolicyFromItem(vault.CertificateItem{Name: "a", DNSNames: []string{"ignored"}, Policy: stored.JSON()})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.com"}, p.DNSNames)
	assert.Equal(t, "acme.example.net", p.DNSAlias)

	_, err = PolicyFromItem(vault.CertificateItem{Name: "x", Policy: json.RawMessage(`{`)})
	assert.Error(t, err)
}
