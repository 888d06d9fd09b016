package certificates

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"go_acmebot/internal/ari"
	"go_acmebot/internal/httpx"
	"go_acmebot/internal/vault"
	"go_acmebot/internal/workflow"
)

// Engine starts certificate workflows
type Engine interface {
	Start(ctx context.Context, policy workflow.CertificatePolicy) (string, error)
	StartRenewal(ctx context.Context, policy workflow.CertificatePolicy, replacesCertID string) (string, error)
}

// Handler handles certificate API requests
type Handler struct {
	engine Engine
	vault  vault.Vault
	useARI bool
	logger *logrus.Entry
}

// NewHandler creates a new handler. With useARI a manual renewal names the
// certificate it replaces.
func NewHandler(engine Engine, v vault.Vault, useARI bool, logger *logrus.Entry) *Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		engine: engine,
		vault:  v,
		useARI: useARI,
		logger: logger.WithField("component", "api"),
	}
}

// IssueRequest represents an issuance request
type IssueRequest struct {
	CertificateName string   `json:"certificateName"`
	DNSNames        []string `json:"dnsNames" binding:"required,min=1"`
	KeyType         string   `json:"keyType"`
	KeySize         int      `json:"keySize"`
	KeyCurve        string   `json:"keyCurve"`
	ReuseKey        bool     `json:"reuseKey"`
	DNSAlias        string   `json:"dnsAlias"`
	DNSProviderName string   `json:"dnsProviderName"`
}

// StartResponse is returned when a workflow was accepted
type StartResponse struct {
	InstanceID      string `json:"instance_id"`
	CertificateName string `json:"certificate_name"`
}

// Issue handles POST /api/v1/certificates/issue
func (h *Handler) Issue(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request: "+err.Error()))
		return
	}

	policy, err := workflow.CertificatePolicy{
		CertificateName: req.CertificateName,
		DNSNames:        req.DNSNames,
		KeyType:         req.KeyType,
		KeySize:         req.KeySize,
		KeyCurve:        req.KeyCurve,
		ReuseKey:        req.ReuseKey,
		DNSAlias:        req.DNSAlias,
		DNSProviderName: req.DNSProviderName,
	}.Normalize()
	if err != nil {
		httpx.FailErr(c, httpx.ErrInvalidPolicy(err.Error()))
		return
	}

	h.start(c, policy, func(ctx context.Context) (string, error) {
		return h.engine.Start(ctx, policy)
	})
}

// List handles GET /api/v1/certificates
func (h *Handler) List(c *gin.Context) {
	items, err := h.vault.ListCertificates(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list certificates", err))
		return
	}
	httpx.OKItems(c, items, int64(len(items)))
}

// Renew handles POST /api/v1/certificates/:name/renew
func (h *Handler) Renew(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	items, err := h.vault.ListCertificates(ctx)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list certificates", err))
		return
	}
	var item *vault.CertificateItem
	for i := range items {
		if items[i].Name == name {
			item = &items[i]
			break
		}
	}
	if item == nil {
		httpx.FailErr(c, httpx.ErrNotFound("certificate not found"))
		return
	}

	policy, err := workflow.PolicyFromItem(*item)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("stored policy is unreadable", err))
		return
	}
	replaces := h.replacesID(ctx, name)

	h.start(c, policy, func(ctx context.Context) (string, error) {
		return h.engine.StartRenewal(ctx, policy, replaces)
	})
}

// replacesID returns the ARI id of the current certificate, or "" when it
// cannot be derived
func (h *Handler) replacesID(ctx context.Context, name string) string {
	if !h.useARI {
		return ""
	}
	cert, err := h.vault.GetCertificate(ctx, name)
	if err != nil {
		h.logger.WithError(err).WithField("certificate", name).Warn("Renewing without replaces: current certificate unavailable")
		return ""
	}
	id, err := ari.ComputeIdentifier(cert)
	if err != nil {
		h.logger.WithError(err).WithField("certificate", name).Warn("Renewing without replaces")
		return ""
	}
	return id.CertificateID
}

func (h *Handler) start(c *gin.Context, policy workflow.CertificatePolicy, run func(ctx context.Context) (string, error)) {
	ctx := c.Request.Context()

	id, err := run(ctx)
	if errors.Is(err, workflow.ErrAlreadyRunning) {
		httpx.FailErr(c, httpx.ErrWorkflowRunning(policy.CertificateName))
		return
	}
	if errors.Is(err, workflow.ErrInvalidPolicy) {
		httpx.FailErr(c, httpx.ErrInvalidPolicy(err.Error()))
		return
	}
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to start workflow", err))
		return
	}

	h.logger.WithFields(logrus.Fields{
		"certificate": policy.CertificateName,
		"instance_id": id,
		"user":        c.GetString("username"),
	}).Info("Workflow started")
	httpx.Accepted(c, StartResponse{InstanceID: id, CertificateName: policy.CertificateName})
}
