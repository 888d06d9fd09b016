package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL       MySQLConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Admin       AdminConfig
	Migrate     bool
	HTTPAddr    string
	Log         LogConfig
	Acme        AcmeConfig
	DNS         DNSConfig
	Cloudflare  CloudflareConfig
	Route53     Route53Config
	Webhook     WebhookConfig
	Vault       VaultConfig
	RenewWorker RenewWorkerConfig
	Workflow    WorkflowConfig
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration. Record locks fall back to
// in-process locks when Redis is disabled.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// AdminConfig seeds the first operator account when Password is set
type AdminConfig struct {
	Username string
	Password string
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// AcmeConfig holds CA and account settings
type AcmeConfig struct {
	Endpoint              string
	ContactEmail          string
	PreferredChain        string
	UseARI                bool
	RenewBeforeExpiryDays int
	EABKid                string
	EABHmacKey            string
}

// DNSConfig holds challenge verification settings
type DNSConfig struct {
	Nameservers      []string
	VerifyTimeoutSec int
	LockTTLSec       int
}

// CloudflareConfig holds Cloudflare credentials. Email is only set when
// APIToken is a global API key.
type CloudflareConfig struct {
	Email    string
	APIToken string
}

// Route53Config holds AWS credentials for Route53
type Route53Config struct {
	Enabled         bool
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// WebhookConfig holds the notification endpoint
type WebhookConfig struct {
	URL string
}

// VaultConfig holds the tag pair marking certificates managed by this service
type VaultConfig struct {
	Issuer   string
	Endpoint string
}

// RenewWorkerConfig holds renewal scheduler configuration
type RenewWorkerConfig struct {
	Enabled      bool
	IntervalSec  int
	MaxJitterSec int
}

// WorkflowConfig holds orchestration engine configuration
type WorkflowConfig struct {
	MaxRunSec   int
	Concurrency int
}

const letsEncryptDirectory = "https://acme-v02.api.letsencrypt.org/directory"

// lookup returns the raw value for a setting, or "" when unset
type lookup func(envKey, iniSection, iniKey string) string

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	return build(func(envKey, _, _ string) string {
		return os.Getenv(envKey)
	})
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Priority: ENV > INI > default
	return build(func(envKey, iniSection, iniKey string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		return cfgFile.Section(iniSection).Key(iniKey).String()
	})
}

func build(get lookup) (*Config, error) {
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := strings.TrimSpace(get(envKey, iniSection, iniKey)); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := get(envKey, iniSection, iniKey); value != "" {
			if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				return intValue
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := strings.ToLower(strings.TrimSpace(get(envKey, iniSection, iniKey))); value != "" {
			return value == "1" || value == "true" || value == "yes" || value == "on"
		}
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Enabled:  getValueBool("REDIS_ENABLED", "redis", "enabled", false),
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "go_acmebot"),
		},
		Admin: AdminConfig{
			Username: getValue("ADMIN_USERNAME", "admin", "username", "admin"),
			Password: getValue("ADMIN_PASSWORD", "admin", "password", ""),
		},
		Migrate:  getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr: getValue("HTTP_ADDR", "http", "addr", ":8080"),
		Log: LogConfig{
			Level:  getValue("LOG_LEVEL", "log", "level", "info"),
			Format: getValue("LOG_FORMAT", "log", "format", "text"),
		},
		Acme: AcmeConfig{
			Endpoint:              getValue("ACME_ENDPOINT", "acme", "endpoint", letsEncryptDirectory),
			ContactEmail:          getValue("ACME_CONTACT_EMAIL", "acme", "contact_email", ""),
			PreferredChain:        getValue("ACME_PREFERRED_CHAIN", "acme", "preferred_chain", ""),
			UseARI:                getValueBool("ACME_USE_ARI", "acme", "use_ari", true),
			RenewBeforeExpiryDays: getValueInt("ACME_RENEW_BEFORE_EXPIRY_DAYS", "acme", "renew_before_expiry_days", 30),
			EABKid:                getValue("ACME_EAB_KID", "acme", "eab_kid", ""),
			EABHmacKey:            getValue("ACME_EAB_HMAC_KEY", "acme", "eab_hmac_key", ""),
		},
		DNS: DNSConfig{
			Nameservers:      splitList(getValue("DNS_NAMESERVERS", "dns", "nameservers", "8.8.8.8:53,1.1.1.1:53")),
			VerifyTimeoutSec: getValueInt("DNS_VERIFY_TIMEOUT_SEC", "dns", "verify_timeout_sec", 5),
			LockTTLSec:       getValueInt("DNS_LOCK_TTL_SEC", "dns", "lock_ttl_sec", 1800),
		},
		Cloudflare: CloudflareConfig{
			Email:    getValue("CLOUDFLARE_EMAIL", "cloudflare", "email", ""),
			APIToken: getValue("CLOUDFLARE_API_TOKEN", "cloudflare", "api_token", ""),
		},
		Route53: Route53Config{
			Enabled:         getValueBool("ROUTE53_ENABLED", "route53", "enabled", false),
			Region:          getValue("ROUTE53_REGION", "route53", "region", "us-east-1"),
			AccessKeyID:     getValue("ROUTE53_ACCESS_KEY_ID", "route53", "access_key_id", ""),
			SecretAccessKey: getValue("ROUTE53_SECRET_ACCESS_KEY", "route53", "secret_access_key", ""),
		},
		Webhook: WebhookConfig{
			URL: getValue("WEBHOOK_URL", "webhook", "url", ""),
		},
		Vault: VaultConfig{
			Issuer:   getValue("VAULT_TAG_ISSUER", "vault", "issuer", "acmebot"),
			Endpoint: getValue("VAULT_TAG_ENDPOINT", "vault", "endpoint", ""),
		},
		RenewWorker: RenewWorkerConfig{
			Enabled:      getValueBool("RENEW_WORKER_ENABLED", "renew_worker", "enabled", true),
			IntervalSec:  getValueInt("RENEW_WORKER_INTERVAL_SEC", "renew_worker", "interval_sec", 43200),
			MaxJitterSec: getValueInt("RENEW_WORKER_MAX_JITTER_SEC", "renew_worker", "max_jitter_sec", 600),
		},
		Workflow: WorkflowConfig{
			MaxRunSec:   getValueInt("WORKFLOW_MAX_RUN_SEC", "workflow", "max_run_sec", 3600),
			Concurrency: getValueInt("WORKFLOW_CONCURRENCY", "workflow", "concurrency", 4),
		},
	}

	// 端点标签默认取 ACME 目录地址
	if cfg.Vault.Endpoint == "" {
		cfg.Vault.Endpoint = cfg.Acme.Endpoint
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields
func (c *Config) Validate() error {
	if c.MySQL.DSN == "" {
		return fmt.Errorf("MYSQL_DSN is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !c.HasDNSProvider() {
		return fmt.Errorf("no DNS provider configured: set CLOUDFLARE_API_TOKEN or ROUTE53_ENABLED")
	}
	if (c.Acme.EABKid == "") != (c.Acme.EABHmacKey == "") {
		return fmt.Errorf("ACME_EAB_KID and ACME_EAB_HMAC_KEY must be set together")
	}
	if c.RenewWorker.MaxJitterSec < 0 {
		return fmt.Errorf("RENEW_WORKER_MAX_JITTER_SEC must not be negative")
	}
	return nil
}

// HasDNSProvider reports whether at least one DNS provider is configured
func (c *Config) HasDNSProvider() bool {
	return c.Cloudflare.APIToken != "" || c.Route53.Enabled
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
