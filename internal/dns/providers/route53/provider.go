package route53

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"

	"go_acmebot/internal/dns"
	"go_acmebot/internal/retry"
)

const (
	// ProviderName is the name zones from this provider carry
	ProviderName = "route53"

	challengeTTL = 60

	// Route53 needs up to a minute to sync a change to all authoritative servers
	propagationSeconds = 60
)

// API is the subset of the route53 client the provider calls
type API interface {
	ListHostedZones(ctx context.Context, in *route53.ListHostedZonesInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesOutput, error)
	ListResourceRecordSets(ctx context.Context, in *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// Config holds Route53 credentials. Empty keys fall back to the default
// AWS credential chain (env, shared profile, instance role).
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Provider implements dns.Provider for Amazon Route53
type Provider struct {
	api API
}

// New loads AWS configuration and creates a provider
func New(ctx context.Context, cfg Config) (*Provider, error) {
	// Bound credential loading so an unreachable metadata service cannot hang startup
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(loadCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("route53: load AWS config: %w", err)
	}
	return NewWithAPI(route53.NewFromConfig(awsCfg)), nil
}

// NewWithAPI creates a provider over an existing client
func NewWithAPI(api API) *Provider {
	return &Provider{api: api}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) PropagationSeconds() int { return propagationSeconds }

// ListZones lists public hosted zones
func (p *Provider) ListZones(ctx context.Context) ([]dns.Zone, error) {
	var zones []dns.Zone
	var marker *string
	for {
		out, err := p.api.ListHostedZones(ctx, &route53.ListHostedZonesInput{Marker: marker})
		if err != nil {
			return nil, classify(fmt.Errorf("route53: list hosted zones: %w", err))
		}
		for _, hz := range out.HostedZones {
			if hz.Config != nil && hz.Config.PrivateZone {
				continue
			}
			zones = append(zones, dns.Zone{
				ID:       strings.TrimPrefix(aws.ToString(hz.Id), "/hostedzone/"),
				Name:     strings.ToLower(strings.TrimSuffix(aws.ToString(hz.Name), ".")),
				Provider: ProviderName,
			})
		}
		if !out.IsTruncated || out.NextMarker == nil {
			break
		}
		marker = out.NextMarker
	}
	return zones, nil
}

// CreateTxtRecord writes the whole value set with one UPSERT
func (p *Provider) CreateTxtRecord(ctx context.Context, zone dns.Zone, relativeName string, values []string) error {
	name := dns.ToFQDN(zone.Name, relativeName) + "."

	records := make([]types.ResourceRecord, 0, len(values))
	for _, v := range values {
		records = append(records, types.ResourceRecord{Value: aws.String(quote(v))})
	}

	_, err := p.api.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zone.ID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("acme dns-01 challenge"),
			Changes: []types.Change{{
				Action: types.ChangeActionUpsert,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name:            aws.String(name),
					Type:            types.RRTypeTxt,
					TTL:             aws.Int64(challengeTTL),
					ResourceRecords: records,
				},
			}},
		},
	})
	if err != nil {
		return classify(fmt.Errorf("route53: upsert %s: %w", name, err))
	}
	return nil
}

// DeleteTxtRecord deletes the record set at relativeName. Route53 only
// deletes an exact match, so the current set is read first.
func (p *Provider) DeleteTxtRecord(ctx context.Context, zone dns.Zone, relativeName string) error {
	name := dns.ToFQDN(zone.Name, relativeName) + "."

	out, err := p.api.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zone.ID),
		StartRecordName: aws.String(name),
		StartRecordType: types.RRTypeTxt,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return classify(fmt.Errorf("route53: list %s: %w", name, err))
	}

	var current *types.ResourceRecordSet
	for i := range out.ResourceRecordSets {
		rrs := out.ResourceRecordSets[i]
		if strings.EqualFold(aws.ToString(rrs.Name), name) && rrs.Type == types.RRTypeTxt {
			current = &rrs
			break
		}
	}
	if current == nil {
		return dns.ErrRecordNotFound
	}

	_, err = p.api.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zone.ID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action:            types.ChangeActionDelete,
				ResourceRecordSet: current,
			}},
		},
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "InvalidChangeBatch" && strings.Contains(ae.ErrorMessage(), "not found") {
			return dns.ErrRecordNotFound
		}
		return classify(fmt.Errorf("route53: delete %s: %w", name, err))
	}
	return nil
}

// Values returns the unquoted values of a TXT record set
func Values(rrs types.ResourceRecordSet) []string {
	out := make([]string, 0, len(rrs.ResourceRecords))
	for _, r := range rrs.ResourceRecords {
		out = append(out, strings.Trim(aws.ToString(r.Value), `"`))
	}
	return out
}

func quote(v string) string {
	return `"` + strings.Trim(v, `"`) + `"`
}

// classify marks throttling and server-side faults retriable
func classify(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "Throttling", "ThrottlingException", "PriorRequestNotComplete", "ServiceUnavailable":
			return retry.Retriable(err)
		}
		if ae.ErrorFault() == smithy.FaultServer {
			return retry.Retriable(err)
		}
	}
	return err
}
