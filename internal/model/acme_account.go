package model

import "time"

// AcmeAccount is a registered ACME account, one per (directory, email)
type AcmeAccount struct {
	ID            int       `gorm:"primaryKey;autoIncrement" json:"id"`
	DirectoryURL  string    `gorm:"type:varchar(255);not null;uniqueIndex:uk_directory_email" json:"directoryUrl"`
	Email         string    `gorm:"type:varchar(255);not null;uniqueIndex:uk_directory_email" json:"email"`
	AccountKeyPem string    `gorm:"type:text;not null" json:"-"` // Private key for ACME account
	AccountURL    string    `gorm:"type:varchar(500)" json:"accountUrl"` // kid returned by newAccount
	KeyThumbprint string    `gorm:"type:varchar(64)" json:"keyThumbprint"` // RFC 7638 JWK thumbprint
	EabKid        string    `gorm:"type:varchar(255)" json:"eabKid"` // External Account Binding Key ID
	Status        string    `gorm:"type:varchar(20);not null;default:pending" json:"status"` // pending|active|inactive
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for AcmeAccount
func (AcmeAccount) TableName() string {
	return "acme_accounts"
}

// AcmeAccount status constants
const (
	AcmeAccountStatusPending  = "pending"
	AcmeAccountStatusActive   = "active"
	AcmeAccountStatusInactive = "inactive"
)
