package dns

import (
	"context"

	"github.com/gin-gonic/gin"

	"go_acmebot/internal/dns"
	"go_acmebot/internal/httpx"
)

// ZoneLister lists hosted zones across providers
type ZoneLister interface {
	ProviderNames() []string
	ListAllZones(ctx context.Context) ([]dns.Zone, error)
}

// Handler handles DNS API requests
type Handler struct {
	zones ZoneLister
}

// NewHandler creates a new DNS handler
func NewHandler(zones ZoneLister) *Handler {
	return &Handler{zones: zones}
}

// ZonesResponse lists zones and the providers they came from
type ZonesResponse struct {
	Providers []string   `json:"providers"`
	Items     []dns.Zone `json:"items"`
	Total     int        `json:"total"`
}

// Zones handles GET /api/v1/dns/zones
func (h *Handler) Zones(c *gin.Context) {
	zones, err := h.zones.ListAllZones(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrDNSProvider("failed to list dns zones", err))
		return
	}
	if zones == nil {
		zones = []dns.Zone{}
	}
	httpx.OK(c, ZonesResponse{
		Providers: h.zones.ProviderNames(),
		Items:     zones,
		Total:     len(zones),
	})
}
