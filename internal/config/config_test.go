package config

import (
	"os"
	"path/filepath"
	"testing"
)

func setRequired(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/test")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CLOUDFLARE_API_TOKEN", "token")
	t.Setenv("ROUTE53_ENABLED", "")
}

func TestLoad(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.RenewWorker.MaxJitterSec != 600 {
		t.Errorf("Expected MaxJitterSec 600, got %d", cfg.RenewWorker.MaxJitterSec)
	}
	if len(cfg.DNS.Nameservers) != 2 {
		t.Errorf("Expected 2 default nameservers, got %v", cfg.DNS.Nameservers)
	}
	if cfg.Admin.Username != "admin" || cfg.Admin.Password != "" {
		t.Errorf("Expected default admin without password, got %+v", cfg.Admin)
	}
	if cfg.Vault.Endpoint != cfg.Acme.Endpoint {
		t.Errorf("Expected vault endpoint tag to default to %s, got %s", cfg.Acme.Endpoint, cfg.Vault.Endpoint)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{"mysql", "MYSQL_DSN"},
		{"jwt", "JWT_SECRET"},
		{"dns provider", "CLOUDFLARE_API_TOKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.unset, "")

			if _, err := Load(); err == nil {
				t.Errorf("Expected error when %s is missing", tt.unset)
			}
		})
	}
}

func TestLoad_Route53OnlyIsEnough(t *testing.T) {
	setRequired(t)
	t.Setenv("CLOUDFLARE_API_TOKEN", "")
	t.Setenv("ROUTE53_ENABLED", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !cfg.Route53.Enabled {
		t.Error("Route53 should be enabled")
	}
}

func TestLoad_EABMustBePaired(t *testing.T) {
	setRequired(t)
	t.Setenv("ACME_EAB_KID", "kid")
	t.Setenv("ACME_EAB_HMAC_KEY", "")

	if _, err := Load(); err == nil {
		t.Error("Expected error when only ACME_EAB_KID is set")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "redis.example.com:6379")
	t.Setenv("REDIS_DB", "5")
	t.Setenv("DNS_NAMESERVERS", " 9.9.9.9:53 , ,1.0.0.1 ")
	t.Setenv("ACME_USE_ARI", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis.example.com:6379" || cfg.Redis.DB != 5 {
		t.Errorf("Unexpected redis config: %+v", cfg.Redis)
	}
	if got := cfg.DNS.Nameservers; len(got) != 2 || got[0] != "9.9.9.9:53" || got[1] != "1.0.0.1" {
		t.Errorf("Unexpected nameservers: %v", got)
	}
	if cfg.Acme.UseARI {
		t.Error("ARI should be disabled")
	}
}

func TestLoadFromINI_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acmebot.ini")
	content := `
[mysql]
dsn = ini:dsn@tcp(localhost:3306)/acme

[jwt]
secret = ini-secret

[route53]
enabled = true
region = eu-west-1

[renew_worker]
max_jitter_sec = 120

[http]
addr = :7070
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MYSQL_DSN", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("CLOUDFLARE_API_TOKEN", "")
	t.Setenv("ROUTE53_ENABLED", "")
	t.Setenv("HTTP_ADDR", ":9090")

	cfg, err := LoadFromINI(path)
	if err != nil {
		t.Fatalf("LoadFromINI() failed: %v", err)
	}

	if cfg.MySQL.DSN != "ini:dsn@tcp(localhost:3306)/acme" {
		t.Errorf("Expected INI DSN, got %s", cfg.MySQL.DSN)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("Expected env HTTPAddr :9090, got %s", cfg.HTTPAddr)
	}
	if cfg.Route53.Region != "eu-west-1" {
		t.Errorf("Expected region eu-west-1, got %s", cfg.Route53.Region)
	}
	if cfg.RenewWorker.MaxJitterSec != 120 {
		t.Errorf("Expected MaxJitterSec 120, got %d", cfg.RenewWorker.MaxJitterSec)
	}
}
