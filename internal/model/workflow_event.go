package model

import (
	"time"

	"gorm.io/datatypes"
)

// WorkflowEvent is one committed entry of an instance's history.
// Replay returns Output for an already recorded (instance, seq).
type WorkflowEvent struct {
	ID         int            `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID string         `gorm:"type:varchar(36);not null;uniqueIndex:uk_instance_seq" json:"instanceId"`
	Seq        int            `gorm:"not null;uniqueIndex:uk_instance_seq" json:"seq"`
	Attempt    int            `gorm:"not null;default:1" json:"attempt"`
	Step       string         `gorm:"type:varchar(64);not null" json:"step"`
	Kind       string         `gorm:"type:varchar(16);not null" json:"kind"` // activity|timer|random
	Input      datatypes.JSON `json:"input,omitempty"`
	Output     datatypes.JSON `json:"output,omitempty"`
	Status     string         `gorm:"type:varchar(16);not null" json:"status"` // ok|retriable|fatal
	Reason     string         `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName specifies the table name for WorkflowEvent
func (WorkflowEvent) TableName() string {
	return "workflow_events"
}

// WorkflowEvent kind constants
const (
	WorkflowEventActivity = "activity"
	WorkflowEventTimer    = "timer"
	WorkflowEventRandom   = "random"
)
