package vault

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_acmebot/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	return NewStore(StoreConfig{
		DB:       testutil.NewDB(t),
		Issuer:   "acmebot",
		Endpoint: "https://ca/dir",
		Logger:   testutil.Logger(),
	})
}

var ecKey = KeyParams{KeyType: KeyTypeEC, KeyCurve: "P-256"}

// issueFor signs a chain for the key inside a CSR
func issueFor(t *testing.T, csrDER []byte, notAfter time.Time) []byte {
	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(t, err)
	leaf := testutil.IssueCert(t, testutil.CertOptions{
		CommonName: csr.Subject.CommonName,
		DNSNames:   csr.DNSNames,
		IssuerCN:   "R3",
		Serial:     0x0abc,
		NotAfter:   notAfter,
		PublicKey:  csr.PublicKey,
	})
	intermediate := testutil.IssueCert(t, testutil.CertOptions{CommonName: "R3", IssuerCN: "Root"})
	return testutil.PEMChain(leaf, intermediate)
}

func TestKeyParams_LegoKeyType(t *testing.T) {
	tests := []struct {
		params  KeyParams
		wantErr bool
	}{
		{KeyParams{KeyType: KeyTypeRSA, KeySize: 2048}, false},
		{KeyParams{KeyType: KeyTypeRSA, KeySize: 4096}, false},
		{KeyParams{KeyType: KeyTypeRSA, KeySize: 1024}, true},
		{KeyParams{KeyType: KeyTypeEC, KeyCurve: "P-384"}, false},
		{KeyParams{KeyType: KeyTypeEC, KeyCurve: "P-521"}, true},
		{KeyParams{KeyType: "DSA"}, true},
	}

	for _, tt := range tests {
		_, err := tt.params.LegoKeyType()
		if (err != nil) != tt.wantErr {
			t.Errorf("LegoKeyType(%+v) error = %v; wantErr %v", tt.params, err, tt.wantErr)
		}
	}
}

func TestRequestCSR_IsIdempotentWhilePending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	req := CSRRequest{DNSNames: []string{"example.com", "*.example.com"}, Key: ecKey}

	first, err := s.RequestCertificateSigningRequest(ctx, "example-com", req)
	require.NoError(t, err)

	again, err := s.RequestCertificateSigningRequest(ctx, "example-com", req)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	csr, err := x509.ParseCertificateRequest(first)
	require.NoError(t, err)
	assert.Equal(t, "example.com", csr.Subject.CommonName)
	assert.ElementsMatch(t, req.DNSNames, csr.DNSNames)

	changed, err := s.RequestCertificateSigningRequest(ctx, "example-com", CSRRequest{DNSNames: []string{"example.com"}, Key: ecKey})
	require.NoError(t, err)
	assert.NotEqual(t, first, changed, "a different name set needs a new CSR")
}

func TestRequestCSR_KeyChangeReplacesPendingCSR(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	names := []string{"example.com"}

	tests := []struct {
		name   string
		key    KeyParams
		reused bool
	}{
		{"first request", ecKey, false},
		{"same params", ecKey, true},
		{"curve changed", KeyParams{KeyType: KeyTypeEC, KeyCurve: "P-384"}, false},
		{"type changed", KeyParams{KeyType: KeyTypeRSA, KeySize: 2048}, false},
		{"size changed", KeyParams{KeyType: KeyTypeRSA, KeySize: 3072}, false},
		{"same size again", KeyParams{KeyType: KeyTypeRSA, KeySize: 3072}, true},
	}

	var prev []byte
	for _, tt := range tests {
		der, err := s.RequestCertificateSigningRequest(ctx, "example-com", CSRRequest{DNSNames: names, Key: tt.key})
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.reused, string(der) == string(prev), tt.name)

		csr, err := x509.ParseCertificateRequest(der)
		require.NoError(t, err, tt.name)
		switch pub := csr.PublicKey.(type) {
		case *ecdsa.PublicKey:
			assert.Equal(t, tt.key.KeyCurve, pub.Curve.Params().Name, tt.name)
		case *rsa.PublicKey:
			assert.Equal(t, tt.key.KeySize, pub.N.BitLen(), tt.name)
		}
		prev = der
	}
}

func TestMergeCertificate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	policy := json.RawMessage(`{"dnsNames":["example.com"]}`)

	_, err := s.MergeCertificate(ctx, "missing", nil)
	assert.True(t, errors.Is(err, ErrCertificateNotFound))

	der, err := s.RequestCertificateSigningRequest(ctx, "example-com", CSRRequest{DNSNames: []string{"example.com"}, Key: ecKey, Policy: policy})
	require.NoError(t, err)

	notAfter := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second)
	chain := issueFor(t, der, notAfter)

	stored, err := s.MergeCertificate(ctx, "example-com", chain)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, "abc", stored.SerialNumber)
	assert.Equal(t, "R3", stored.IssuerCN)
	assert.True(t, stored.ExpiresOn.Equal(notAfter.UTC()), "expires %v", stored.ExpiresOn)

	// replaying the merge returns the stored result
	replayed, err := s.MergeCertificate(ctx, "example-com", chain)
	require.NoError(t, err)
	assert.Equal(t, stored.Version, replayed.Version)

	cert, err := s.GetCertificate(ctx, "example-com")
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, cert.DNSNames)

	items, err := s.ListCertificates(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "acmebot", items[0].Tags[TagIssuer])
	assert.JSONEq(t, string(policy), string(items[0].Policy))
}

func TestMergeCertificate_KeyMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.RequestCertificateSigningRequest(ctx, "example-com", CSRRequest{DNSNames: []string{"example.com"}, Key: ecKey})
	require.NoError(t, err)

	foreign := testutil.PEMChain(testutil.IssueCert(t, testutil.CertOptions{CommonName: "example.com"}))
	_, err = s.MergeCertificate(ctx, "example-com", foreign)
	assert.True(t, errors.Is(err, ErrKeyMismatch), "got %v", err)
}

func TestRequestCSR_ReuseKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	names := []string{"example.com"}

	der, err := s.RequestCertificateSigningRequest(ctx, "example-com", CSRRequest{DNSNames: names, Key: ecKey})
	require.NoError(t, err)
	_, err = s.MergeCertificate(ctx, "example-com", issueFor(t, der, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	firstCSR, _ := x509.ParseCertificateRequest(der)

	reuse := ecKey
	reuse.ReuseKey = true
	der2, err := s.RequestCertificateSigningRequest(ctx, "example-com", CSRRequest{DNSNames: names, Key: reuse})
	require.NoError(t, err)
	reusedCSR, _ := x509.ParseCertificateRequest(der2)
	assert.True(t, firstCSR.PublicKey.(*ecdsa.PublicKey).Equal(reusedCSR.PublicKey))

	_, err = s.MergeCertificate(ctx, "example-com", issueFor(t, der2, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	der3, err := s.RequestCertificateSigningRequest(ctx, "example-com", CSRRequest{DNSNames: names, Key: ecKey})
	require.NoError(t, err)
	freshCSR, _ := x509.ParseCertificateRequest(der3)
	assert.False(t, firstCSR.PublicKey.(*ecdsa.PublicKey).Equal(freshCSR.PublicKey))
}

func TestListCertificates_FiltersByTags(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.NewDB(t)
	mine := NewStore(StoreConfig{DB: gdb, Issuer: "acmebot", Endpoint: "https://ca/dir", Logger: testutil.Logger()})
	other := NewStore(StoreConfig{DB: gdb, Issuer: "acmebot", Endpoint: "https://staging/dir", Logger: testutil.Logger()})

	for _, tc := range []struct {
		s    *Store
		name string
	}{{mine, "a"}, {other, "b"}} {
		der, err := tc.s.RequestCertificateSigningRequest(ctx, tc.name, CSRRequest{DNSNames: []string{tc.name + ".example.com"}, Key: ecKey})
		require.NoError(t, err)
		_, err = tc.s.MergeCertificate(ctx, tc.name, issueFor(t, der, time.Now().Add(time.Hour)))
		require.NoError(t, err)
	}

	// pending only, never issued
	_, err := mine.RequestCertificateSigningRequest(ctx, "c", CSRRequest{DNSNames: []string{"c.example.com"}, Key: ecKey})
	require.NoError(t, err)

	items, err := mine.ListCertificates(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].Name)
}
