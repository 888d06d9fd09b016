package v1

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_acmebot/internal/auth"
	"go_acmebot/internal/config"
	"go_acmebot/internal/dns"
	"go_acmebot/internal/model"
	"go_acmebot/internal/testutil"
	"go_acmebot/internal/vault"
	"go_acmebot/internal/workflow"
)

type startCall struct {
	policy   workflow.CertificatePolicy
	replaces string
	renewal  bool
}

type fakeEngine struct {
	mu      sync.Mutex
	calls   []startCall
	running map[string]bool
}

// record starts an instance unless the certificate already has one
func (e *fakeEngine) record(c startCall) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[c.policy.CertificateName] {
		return "", workflow.ErrAlreadyRunning
	}
	e.calls = append(e.calls, c)
	return "instance-" + c.policy.CertificateName, nil
}

func (e *fakeEngine) Start(ctx context.Context, policy workflow.CertificatePolicy) (string, error) {
	if _, err := policy.Normalize(); err != nil {
		return "", err
	}
	return e.record(startCall{policy: policy})
}

func (e *fakeEngine) StartRenewal(ctx context.Context, policy workflow.CertificatePolicy, replaces string) (string, error) {
	return e.record(startCall{policy: policy, replaces: replaces, renewal: true})
}

func (e *fakeEngine) Status(ctx context.Context, id string) (workflow.Status, error) {
	if id != "known" {
		return workflow.Status{}, workflow.ErrInstanceNotFound
	}
	return workflow.Status{InstanceID: id, State: model.WorkflowStatusRunning, Attempt: 1}, nil
}

func (e *fakeEngine) Events(ctx context.Context, id string) ([]model.WorkflowEvent, error) {
	if id != "known" {
		return nil, workflow.ErrInstanceNotFound
	}
	return []model.WorkflowEvent{{InstanceID: id, Seq: 1, Step: "precondition/resolve-zones", Kind: model.WorkflowEventActivity, Status: "ok"}}, nil
}

type fakeZones struct{}

func (fakeZones) ProviderNames() []string { return []string{"cloudflare"} }

func (fakeZones) ListAllZones(ctx context.Context) ([]dns.Zone, error) {
	return []dns.Zone{{ID: "z1", Name: "example.com", Provider: "cloudflare"}}, nil
}

type harness struct {
	router *gin.Engine
	engine *fakeEngine
	vault  *vault.Store
	token  string
}

func newHarness(t *testing.T, useARI bool) *harness {
	gin.SetMode(gin.TestMode)
	auth.InitJWT("api-test-secret")

	gdb := testutil.NewDB(t)
	_, err := auth.EnsureUser(context.Background(), gdb, "ops", "s3cret")
	require.NoError(t, err)

	cfg := &config.Config{
		JWT:  config.JWTConfig{Secret: "api-test-secret", ExpireMinutes: 60, Issuer: "go_acmebot"},
		Acme: config.AcmeConfig{UseARI: useARI},
	}
	h := &harness{
		router: gin.New(),
		engine: &fakeEngine{running: map[string]bool{}},
		vault:  vault.NewStore(vault.StoreConfig{DB: gdb, Issuer: "acmebot", Endpoint: "https://ca/dir", Logger: testutil.Logger()}),
	}
	SetupRouter(h.router, Deps{
		DB:     gdb,
		Config: cfg,
		Engine: h.engine,
		Vault:  h.vault,
		Zones:  fakeZones{},
		Logger: testutil.Logger(),
	})

	w := h.do(t, "POST", "/api/v1/auth/login", map[string]string{"username": "ops", "password": "s3cret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	h.token = resp.Data.Token
	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// storeCertificate issues a certificate for name through the vault
func (h *harness) storeCertificate(t *testing.T, name, dnsName string) {
	t.Helper()
	ctx := context.Background()
	policy := workflow.CertificatePolicy{CertificateName: name, DNSNames: []string{dnsName}, KeyType: vault.KeyTypeEC, KeyCurve: "P-256"}
	der, err := h.vault.RequestCertificateSigningRequest(ctx, name, vault.CSRRequest{
		DNSNames: []string{dnsName},
		Key:      policy.KeyParams(),
		Policy:   policy.JSON(),
	})
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)

	leaf := testutil.IssueCert(t, testutil.CertOptions{
		CommonName:   dnsName,
		DNSNames:     []string{dnsName},
		AuthorityKey: []byte{0x01, 0x02},
		Serial:       7,
		NotAfter:     time.Now().Add(10 * 24 * time.Hour),
		PublicKey:    csr.PublicKey,
	})
	_, err = h.vault.MergeCertificate(ctx, name, testutil.PEMChain(leaf))
	require.NoError(t, err)
}

func TestPingAndAuth(t *testing.T) {
	h := newHarness(t, false)

	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/ping", nil).Code)

	token := h.token
	h.token = ""
	assert.Equal(t, http.StatusUnauthorized, h.do(t, "GET", "/api/v1/certificates", nil).Code)
	h.token = "garbage"
	assert.Equal(t, http.StatusUnauthorized, h.do(t, "GET", "/api/v1/certificates", nil).Code)
	h.token = ""
	assert.Equal(t, http.StatusUnauthorized, h.do(t, "POST", "/api/v1/auth/login", map[string]string{"username": "ops", "password": "wrong"}).Code)

	h.token = token
	w := h.do(t, "GET", "/api/v1/me", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"ops"`)
}

func TestIssue(t *testing.T) {
	h := newHarness(t, false)

	w := h.do(t, "POST", "/api/v1/certificates/issue", map[string]interface{}{
		"dnsNames": []string{"example.com", "*.example.com"},
		"keyType":  "EC",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"instance_id":"instance-example-com"`)
	require.Len(t, h.engine.calls, 1)
	assert.Equal(t, "P-256", h.engine.calls[0].policy.KeyCurve)
	assert.False(t, h.engine.calls[0].renewal)

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"missing names", map[string]interface{}{}, http.StatusBadRequest},
		{"bad name", map[string]interface{}{"dnsNames": []string{"example.com"}, "certificateName": "bad name"}, http.StatusBadRequest},
		{"bad key", map[string]interface{}{"dnsNames": []string{"example.com"}, "keyType": "DSA"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.do(t, "POST", "/api/v1/certificates/issue", tt.body).Code)
		})
	}

	h.engine.running["example-com"] = true
	w = h.do(t, "POST", "/api/v1/certificates/issue", map[string]interface{}{"dnsNames": []string{"example.com"}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"code":3002`)
}

func TestRenew(t *testing.T) {
	h := newHarness(t, true)
	h.storeCertificate(t, "www-example-com", "www.example.com")

	w := h.do(t, "GET", "/api/v1/certificates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"www-example-com"`)

	w = h.do(t, "POST", "/api/v1/certificates/www-example-com/renew", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, h.engine.calls, 1)
	call := h.engine.calls[0]
	assert.True(t, call.renewal)
	assert.Equal(t, "AQIH", call.replaces)
	assert.Equal(t, []string{"www.example.com"}, call.policy.DNSNames)
	assert.Equal(t, vault.KeyTypeEC, call.policy.KeyType)

	assert.Equal(t, http.StatusNotFound, h.do(t, "POST", "/api/v1/certificates/missing/renew", nil).Code)

	h.engine.running["www-example-com"] = true
	assert.Equal(t, http.StatusConflict, h.do(t, "POST", "/api/v1/certificates/www-example-com/renew", nil).Code)
}

func TestRenew_WithoutARI(t *testing.T) {
	h := newHarness(t, false)
	h.storeCertificate(t, "www-example-com", "www.example.com")

	w := h.do(t, "POST", "/api/v1/certificates/www-example-com/renew", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "", h.engine.calls[0].replaces)
}

func TestWorkflowsAndZones(t *testing.T) {
	h := newHarness(t, false)

	w := h.do(t, "GET", "/api/v1/workflows/known", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"running"`)

	w = h.do(t, "GET", "/api/v1/workflows/known/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"step":"precondition/resolve-zones"`)

	assert.Equal(t, http.StatusNotFound, h.do(t, "GET", "/api/v1/workflows/unknown", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, "GET", "/api/v1/workflows/unknown/events", nil).Code)

	w = h.do(t, "GET", "/api/v1/dns/zones", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"providers":["cloudflare"]`)
	assert.Contains(t, w.Body.String(), `"name":"example.com"`)
}
