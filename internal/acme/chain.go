package acme

import (
	"crypto/x509"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
)

// SelectChain picks the chain whose top certificate was issued by (or is)
// preferred. The default chain comes first and wins when nothing matches.
func SelectChain(defaultChain []byte, alternates [][]byte, preferred string) []byte {
	if preferred == "" {
		return defaultChain
	}

	for _, chain := range append([][]byte{defaultChain}, alternates...) {
		certs, err := certcrypto.ParsePEMBundle(chain)
		if err != nil || len(certs) == 0 {
			continue
		}
		if matchesRoot(certs[len(certs)-1], preferred) {
			return chain
		}
	}
	return defaultChain
}

func matchesRoot(top *x509.Certificate, name string) bool {
	return strings.EqualFold(top.Issuer.CommonName, name) || strings.EqualFold(top.Subject.CommonName, name)
}
