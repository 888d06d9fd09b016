package model

import (
	"time"

	"gorm.io/datatypes"
)

// RenewalRun records one renewal scheduler pass. A run without FinishedAt
// is resumed by the next pass with its recorded FireAt.
type RenewalRun struct {
	ID         int            `gorm:"primaryKey;autoIncrement" json:"id"`
	JitterSec  int            `gorm:"not null" json:"jitterSec"`
	FireAt     time.Time      `json:"fireAt"`
	Evaluated  int            `gorm:"not null;default:0" json:"evaluated"`
	Decisions  datatypes.JSON `json:"decisions"`
	Candidates datatypes.JSON `json:"candidates"`
	Started    int            `gorm:"not null;default:0" json:"started"`
	Failed     int            `gorm:"not null;default:0" json:"failed"`
	FinishedAt *time.Time     `json:"finishedAt"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName specifies the table name for RenewalRun
func (RenewalRun) TableName() string {
	return "renewal_runs"
}
