package dns

import (
	"context"
	"errors"
)

var (
	// ErrRecordNotFound is returned by providers when a record set does not exist
	ErrRecordNotFound = errors.New("dns record not found")

	// ErrZoneNotFound means no configured zone owns a name
	ErrZoneNotFound = errors.New("no configured dns zone")
)

// Zone is a DNS zone hosted by one provider. Two zones are equal iff their IDs are.
type Zone struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	NameServers []string `json:"nameServers,omitempty"`
	Provider    string   `json:"provider"`
}

// Equal compares zone identity
func (z Zone) Equal(other Zone) bool {
	return z.ID == other.ID
}

// Provider defines the interface for DNS providers
type Provider interface {
	// Name is the configured provider name, stamped onto every Zone it returns
	Name() string

	// ListZones returns all zones the credentials can manage. Names are ASCII without trailing dot.
	ListZones(ctx context.Context) ([]Zone, error)

	// CreateTxtRecord creates a TXT record set with the given values at relativeName ("@" for apex)
	CreateTxtRecord(ctx context.Context, zone Zone, relativeName string, values []string) error

	// DeleteTxtRecord deletes every TXT value at relativeName.
	// A missing record returns nil or ErrRecordNotFound.
	DeleteTxtRecord(ctx context.Context, zone Zone, relativeName string) error

	// PropagationSeconds is how long the vendor needs before new records are served
	PropagationSeconds() int
}
