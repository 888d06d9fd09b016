package model

import (
	"time"

	"gorm.io/datatypes"
)

// VaultCertificate holds a managed key pair and its current certificate.
// PendingCSRPem is set between RequestCSR and Merge.
type VaultCertificate struct {
	ID             int            `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string         `gorm:"type:varchar(255);not null;uniqueIndex" json:"name"`
	TagIssuer      string         `gorm:"type:varchar(128);not null;index:idx_vault_tags" json:"tagIssuer"`
	TagEndpoint    string         `gorm:"type:varchar(255);not null;index:idx_vault_tags" json:"tagEndpoint"`
	DNSNames       datatypes.JSON `gorm:"column:dns_names;not null" json:"dnsNames"`
	Policy         datatypes.JSON `gorm:"not null" json:"policy"`
	KeyType        string         `gorm:"type:varchar(8);not null" json:"keyType"` // RSA|EC
	KeyPem         string         `gorm:"type:text" json:"-"`
	PendingKeyPem  string         `gorm:"type:text" json:"-"`
	PendingCSRPem  string         `gorm:"column:pending_csr_pem;type:text" json:"-"`
	CertificatePem string         `gorm:"type:text" json:"certificatePem,omitempty"`
	SerialNumber   string         `gorm:"type:varchar(128)" json:"serialNumber"`
	IssuerCN       string         `gorm:"column:issuer_cn;type:varchar(255)" json:"issuerCn"`
	ExpiresOn      *time.Time     `json:"expiresOn"`
	Version        int            `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for VaultCertificate
func (VaultCertificate) TableName() string {
	return "vault_certificates"
}
