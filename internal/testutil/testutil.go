// Package testutil holds helpers shared by package tests.
package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go_acmebot/internal/db"
)

// NewDB opens a migrated in-memory sqlite database. One connection keeps
// every query on the same memory database.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.Migrate(gdb, Logger()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// Logger returns a logger that discards output
func Logger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// CertOptions describes a test certificate
type CertOptions struct {
	CommonName   string
	DNSNames     []string
	IssuerCN     string
	Serial       int64
	AuthorityKey []byte
	NotBefore    time.Time
	NotAfter     time.Time
	// PublicKey is the certified key; a throwaway key is used when nil
	PublicKey crypto.PublicKey
}

// IssueCert creates a DER certificate signed by a throwaway key. The
// signature is not meant to verify; only parsed fields matter.
func IssueCert(t *testing.T, opts CertOptions) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Serial == 0 {
		opts.Serial = 1
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = opts.NotBefore.Add(90 * 24 * time.Hour)
	}
	if opts.IssuerCN == "" {
		opts.IssuerCN = "Test CA"
	}

	tmpl := &x509.Certificate{
		SerialNumber:   big.NewInt(opts.Serial),
		Subject:        pkix.Name{CommonName: opts.CommonName},
		DNSNames:       opts.DNSNames,
		NotBefore:      opts.NotBefore,
		NotAfter:       opts.NotAfter,
		AuthorityKeyId: opts.AuthorityKey,
	}
	parent := &x509.Certificate{
		SerialNumber: big.NewInt(1000),
		Subject:      pkix.Name{CommonName: opts.IssuerCN},
		SubjectKeyId: opts.AuthorityKey,
	}

	var pub crypto.PublicKey = &key.PublicKey
	if opts.PublicKey != nil {
		pub = opts.PublicKey
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return der
}

// PEMChain encodes DER certificates as one PEM bundle
func PEMChain(ders ...[]byte) []byte {
	var out []byte
	for _, d := range ders {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: d})...)
	}
	return out
}
