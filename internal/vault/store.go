package vault

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"go_acmebot/internal/model"
)

// StoreConfig holds store dependencies. Issuer and Endpoint form the tag
// pair that marks a certificate as managed here.
type StoreConfig struct {
	DB       *gorm.DB
	Issuer   string
	Endpoint string
	Logger   *logrus.Entry
}

// Store is a Vault kept in the service database
type Store struct {
	db       *gorm.DB
	issuer   string
	endpoint string
	logger   *logrus.Entry
}

// NewStore creates a database backed vault
func NewStore(cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		db:       cfg.DB,
		issuer:   cfg.Issuer,
		endpoint: cfg.Endpoint,
		logger:   cfg.Logger.WithField("component", "vault"),
	}
}

func (s *Store) load(ctx context.Context, name string) (*model.VaultCertificate, error) {
	var row model.VaultCertificate
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCertificateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate %s: %w", name, err)
	}
	return &row, nil
}

// RequestCertificateSigningRequest implements Vault
func (s *Store) RequestCertificateSigningRequest(ctx context.Context, name string, req CSRRequest) ([]byte, error) {
	if len(req.DNSNames) == 0 {
		return nil, errors.New("csr request has no dns names")
	}
	keyType, err := req.Key.LegoKeyType()
	if err != nil {
		return nil, err
	}

	row, err := s.load(ctx, name)
	if err != nil && !errors.Is(err, ErrCertificateNotFound) {
		return nil, err
	}

	// 已有未完成的 CSR 且域名和密钥参数一致时直接返回
	if row != nil && row.PendingCSRPem != "" && pemKeyFits(row.PendingKeyPem, keyType) {
		if der, names, perr := decodeCSR(row.PendingCSRPem); perr == nil && sameNames(names, req.DNSNames) {
			s.logger.WithField("certificate", name).Debug("Returning pending CSR")
			return der, nil
		}
	}

	var key crypto.PrivateKey
	if req.Key.ReuseKey && row != nil && pemKeyFits(row.KeyPem, keyType) {
		key, err = certcrypto.ParsePEMPrivateKey([]byte(row.KeyPem))
		if err != nil {
			return nil, fmt.Errorf("failed to parse current key of %s: %w", name, err)
		}
	} else {
		key, err = certcrypto.GeneratePrivateKey(keyType)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
	}

	commonName := req.DNSNames[0]
	if len(commonName) > 64 {
		commonName = ""
	}
	der, err := certcrypto.GenerateCSR(key, commonName, req.DNSNames, false)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CSR: %w", err)
	}

	namesJSON, err := json.Marshal(req.DNSNames)
	if err != nil {
		return nil, err
	}
	policy := req.Policy
	if len(policy) == 0 {
		policy = json.RawMessage("{}")
	}

	if row == nil {
		row = &model.VaultCertificate{Name: name}
	}
	row.TagIssuer = s.issuer
	row.TagEndpoint = s.endpoint
	row.DNSNames = datatypes.JSON(namesJSON)
	row.Policy = datatypes.JSON(policy)
	row.KeyType = req.Key.KeyType
	row.PendingKeyPem = string(certcrypto.PEMEncode(key))
	row.PendingCSRPem = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))

	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return nil, fmt.Errorf("failed to save CSR for %s: %w", name, err)
	}

	s.logger.WithFields(logrus.Fields{
		"certificate": name,
		"key_type":    keyType,
		"reuse_key":   req.Key.ReuseKey,
	}).Info("CSR created")
	return der, nil
}

// MergeCertificate implements Vault. Merging the chain already stored is a no-op.
func (s *Store) MergeCertificate(ctx context.Context, name string, chainPEM []byte) (StoredCertificate, error) {
	row, err := s.load(ctx, name)
	if err != nil {
		return StoredCertificate{}, err
	}

	certs, err := certcrypto.ParsePEMBundle(chainPEM)
	if err != nil {
		return StoredCertificate{}, fmt.Errorf("failed to parse certificate chain: %w", err)
	}
	leaf := certs[0]

	if row.PendingKeyPem == "" {
		if row.CertificatePem == string(chainPEM) {
			return stored(row, leaf), nil
		}
		return StoredCertificate{}, ErrNoPendingRequest
	}

	key, err := certcrypto.ParsePEMPrivateKey([]byte(row.PendingKeyPem))
	if err != nil {
		return StoredCertificate{}, fmt.Errorf("failed to parse pending key: %w", err)
	}
	if !publicKeyMatches(leaf, key) {
		return StoredCertificate{}, ErrKeyMismatch
	}

	expires := leaf.NotAfter
	row.KeyPem = row.PendingKeyPem
	row.PendingKeyPem = ""
	row.PendingCSRPem = ""
	row.CertificatePem = string(chainPEM)
	row.SerialNumber = fmt.Sprintf("%x", leaf.SerialNumber)
	row.IssuerCN = leaf.Issuer.CommonName
	row.ExpiresOn = &expires
	row.Version++

	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return StoredCertificate{}, fmt.Errorf("failed to store certificate %s: %w", name, err)
	}

	s.logger.WithFields(logrus.Fields{
		"certificate": name,
		"version":     row.Version,
		"expires_on":  expires,
	}).Info("Certificate merged")
	return stored(row, leaf), nil
}

// ListCertificates implements Vault
func (s *Store) ListCertificates(ctx context.Context) ([]CertificateItem, error) {
	var rows []model.VaultCertificate
	err := s.db.WithContext(ctx).
		Where("tag_issuer = ? AND tag_endpoint = ?", s.issuer, s.endpoint).
		Where("certificate_pem IS NOT NULL AND certificate_pem <> ''").
		Order("name ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}

	items := make([]CertificateItem, 0, len(rows))
	for _, row := range rows {
		item := CertificateItem{
			Name:     row.Name,
			Tags:     map[string]string{TagIssuer: row.TagIssuer, TagEndpoint: row.TagEndpoint},
			IssuerCN: row.IssuerCN,
			Version:  row.Version,
			Policy:   json.RawMessage(row.Policy),
		}
		if row.ExpiresOn != nil {
			item.ExpiresOn = *row.ExpiresOn
		}
		_ = json.Unmarshal(row.DNSNames, &item.DNSNames)
		items = append(items, item)
	}
	return items, nil
}

// GetCertificate implements Vault
func (s *Store) GetCertificate(ctx context.Context, name string) (*x509.Certificate, error) {
	row, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if row.CertificatePem == "" {
		return nil, ErrCertificateNotFound
	}
	return certcrypto.ParsePEMCertificate([]byte(row.CertificatePem))
}

func stored(row *model.VaultCertificate, leaf *x509.Certificate) StoredCertificate {
	out := StoredCertificate{
		Name:         row.Name,
		Version:      row.Version,
		SerialNumber: fmt.Sprintf("%x", leaf.SerialNumber),
		IssuerCN:     leaf.Issuer.CommonName,
		ExpiresOn:    leaf.NotAfter,
	}
	_ = json.Unmarshal(row.DNSNames, &out.DNSNames)
	return out
}

func decodeCSR(pemData string) ([]byte, []string, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, nil, errors.New("invalid CSR PEM")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return block.Bytes, csr.DNSNames, nil
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, n := range a {
		seen[strings.ToLower(n)]++
	}
	for _, n := range b {
		seen[strings.ToLower(n)]--
	}
	for _, v := range seen {
		if v != 0 {
			return false
		}
	}
	return true
}

func publicKeyMatches(leaf *x509.Certificate, key crypto.PrivateKey) bool {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return false
	}
	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(signer.Public())
}

// pemKeyFits reports whether the PEM key has the type, size or curve of want
func pemKeyFits(keyPEM string, want certcrypto.KeyType) bool {
	if keyPEM == "" {
		return false
	}
	key, err := certcrypto.ParsePEMPrivateKey([]byte(keyPEM))
	if err != nil {
		return false
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		bits := map[certcrypto.KeyType]int{
			certcrypto.RSA2048: 2048,
			certcrypto.RSA3072: 3072,
			certcrypto.RSA4096: 4096,
		}
		return bits[want] == k.N.BitLen()
	case *ecdsa.PrivateKey:
		switch want {
		case certcrypto.EC256:
			return k.Curve == elliptic.P256()
		case certcrypto.EC384:
			return k.Curve == elliptic.P384()
		}
	}
	return false
}
