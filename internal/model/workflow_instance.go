package model

import (
	"time"

	"gorm.io/datatypes"
)

// WorkflowInstance is one execution of the certificate workflow
type WorkflowInstance struct {
	ID              string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Kind            string         `gorm:"type:varchar(16);not null;default:issue" json:"kind"` // issue|renew
	CertificateName string         `gorm:"type:varchar(255);not null;index" json:"certificateName"`
	Policy          datatypes.JSON `gorm:"not null" json:"policy"`
	ReplacesCertID  string         `gorm:"column:replaces_cert_id;type:varchar(255)" json:"replacesCertId,omitempty"`
	Status          string         `gorm:"type:varchar(20);not null;default:running;index" json:"status"` // running|succeeded|failed
	// RunningKey is the certificate name while running and NULL afterwards;
	// its unique index allows one running instance per certificate
	RunningKey *string `gorm:"type:varchar(255);uniqueIndex:uk_workflow_running_key" json:"-"`
	RetryPolicy     string         `gorm:"type:varchar(32);not null;default:single" json:"retryPolicy"`
	Attempt         int            `gorm:"not null;default:1" json:"attempt"`
	Result          datatypes.JSON `json:"result,omitempty"`
	Reason          string         `gorm:"type:text" json:"reason,omitempty"`
	Deadline        time.Time      `json:"deadline"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for WorkflowInstance
func (WorkflowInstance) TableName() string {
	return "workflow_instances"
}

// WorkflowInstance status constants
const (
	WorkflowStatusRunning   = "running"
	WorkflowStatusSucceeded = "succeeded"
	WorkflowStatusFailed    = "failed"
)

// WorkflowInstance kind constants
const (
	WorkflowKindIssue = "issue"
	WorkflowKindRenew = "renew"
)
