package dns

import (
	"fmt"
	"sort"
	"strings"
)

// ResolveZone picks the zone owning dnsName: among zones equal to the name or
// a label-aligned suffix of it, the one with the longest name wins.
func ResolveZone(dnsName string, zones []Zone) (Zone, error) {
	name := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(dnsName)), ".")
	name = strings.TrimPrefix(name, "*.")

	var (
		best  Zone
		found bool
	)
	for _, z := range zones {
		zoneName := strings.TrimSuffix(strings.ToLower(z.Name), ".")
		if zoneName == "" {
			continue
		}
		if name != zoneName && !strings.HasSuffix(name, "."+zoneName) {
			continue
		}
		if !found || len(zoneName) > len(strings.TrimSuffix(best.Name, ".")) {
			best = z
			found = true
		}
	}

	if !found {
		return Zone{}, fmt.Errorf("%w for %s", ErrZoneNotFound, dnsName)
	}
	return best, nil
}

// ChallengeResult is the TXT record one authorization expects
type ChallengeResult struct {
	ChallengeURL   string `json:"challengeUrl"`
	DNSRecordName  string `json:"dnsRecordName"`
	DNSRecordValue string `json:"dnsRecordValue"`
}

// RecordGroup is the full value set for one record name
type RecordGroup struct {
	RecordName string   `json:"recordName"`
	Values     []string `json:"values"`
}

// GroupByRecordName merges challenge values sharing a record name, e.g.
// example.com and *.example.com. Groups are sorted by record name and
// values keep first-seen order without duplicates.
func GroupByRecordName(results []ChallengeResult) []RecordGroup {
	index := make(map[string]int)
	var groups []RecordGroup

	for _, r := range results {
		name := strings.TrimSuffix(strings.ToLower(r.DNSRecordName), ".")
		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, RecordGroup{RecordName: name})
		}
		if !containsString(groups[i].Values, r.DNSRecordValue) {
			groups[i].Values = append(groups[i].Values, r.DNSRecordValue)
		}
	}

	sort.Slice(groups, func(a, b int) bool {
		return groups[a].RecordName < groups[b].RecordName
	})
	return groups
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
