package dns

import "strings"

// ChallengePrefix is the label DNS-01 challenge records live under
const ChallengePrefix = "_acme-challenge"

// ToFQDN converts a relative DNS name to a Fully Qualified Domain Name (FQDN)
//
// Rules:
// - zone = "example.com"
// - name = "@"               -> fqdn = "example.com"
// - name = "_acme-challenge" -> fqdn = "_acme-challenge.example.com"
// - name = "a.b"             -> fqdn = "a.b.example.com"
//
// If name is already a FQDN (contains the zone), it will be returned as-is.
func ToFQDN(zone string, name string) string {
	zone = strings.TrimSuffix(strings.TrimSpace(zone), ".")
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")

	if name == "" || name == "@" {
		return zone
	}

	if strings.HasSuffix(name, "."+zone) || name == zone {
		return name
	}

	return name + "." + zone
}

// NormalizeRelativeName converts any name format to a relative name (non-FQDN)
//
// Rules:
// - zone = "example.com"
// - name = "example.com"                  -> "@"
// - name = "_acme-challenge.example.com"  -> "_acme-challenge"
// - name = "_acme-challenge.a.example.com." -> "_acme-challenge.a" (trailing dot removed)
// - name = "@"                            -> "@"
// - name = "a.b"                          -> "a.b"
//
// Providers always receive relative names produced here.
func NormalizeRelativeName(name, zone string) string {
	zone = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(zone), "."))
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))

	if name == "" || name == zone {
		return "@"
	}

	if strings.HasSuffix(name, "."+zone) {
		return strings.TrimSuffix(name, "."+zone)
	}

	return name
}

// ChallengeRecordName returns the TXT record name validating domain.
// A wildcard shares the record of its base name.
func ChallengeRecordName(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	domain = strings.TrimPrefix(domain, "*.")
	return ChallengePrefix + "." + domain
}
