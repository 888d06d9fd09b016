package ari

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNoAuthorityKeyID is returned for certificates without an AKI extension.
// Such certificates cannot be looked up through ARI.
var ErrNoAuthorityKeyID = errors.New("certificate has no authority key identifier")

// CertificateIdentifier identifies an issued certificate to the CA
type CertificateIdentifier struct {
	AuthorityKeyIdentifierHex string `json:"authorityKeyIdentifierHex"`
	SerialNumberHex           string `json:"serialNumberHex"`
	CertificateID             string `json:"certificateId"`
}

// ComputeIdentifier derives the ARI certificate id: base64url (no padding)
// of the AKI keyIdentifier bytes followed by the serial number bytes.
func ComputeIdentifier(cert *x509.Certificate) (CertificateIdentifier, error) {
	if cert == nil {
		return CertificateIdentifier{}, errors.New("certificate is nil")
	}
	if len(cert.AuthorityKeyId) == 0 {
		return CertificateIdentifier{}, ErrNoAuthorityKeyID
	}
	if cert.SerialNumber == nil || cert.SerialNumber.Sign() < 0 {
		return CertificateIdentifier{}, fmt.Errorf("certificate has invalid serial number")
	}

	serial := serialBytes(cert)

	raw := make([]byte, 0, len(cert.AuthorityKeyId)+len(serial))
	raw = append(raw, cert.AuthorityKeyId...)
	raw = append(raw, serial...)

	return CertificateIdentifier{
		AuthorityKeyIdentifierHex: hex.EncodeToString(cert.AuthorityKeyId),
		SerialNumberHex:           hex.EncodeToString(serial),
		CertificateID:             base64.RawURLEncoding.EncodeToString(raw),
	}, nil
}

// serialBytes returns the DER INTEGER content octets of the serial, so a
// serial with the high bit set keeps its leading zero byte.
func serialBytes(cert *x509.Certificate) []byte {
	b := cert.SerialNumber.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	if b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}
