package sqlite

import "time"

type ConsolidationRunModel struct {
	ID           uint   `gorm:"primaryKey"`
	RunID        string `gorm:"uniqueIndex;not null"`
	PolicyIDs    string `gorm:"not null"`
	FileCount    int    `gorm:"not null"`
	EntityCount  int    `gorm:"not null"`
	NodeCount    int    `gorm:"not null"`
	WarningCount int    `gorm:"not null;default:0"`
	DurationMS   int64  `gorm:"not null;default:0"`
	CreatedAt    time.Time
}

func (ConsolidationRunModel) TableName() string { return "consolidation_runs" }

type TraceParseRunModel struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"uniqueIndex;not null"`
	PolicyID   string `gorm:"index"`
	LogCount   int    `gorm:"not null"`
	StepCount  int    `gorm:"not null"`
	ErrorCount int    `gorm:"not null;default:0"`
	DurationMS int64  `gorm:"not null;default:0"`
	CreatedAt  time.Time
}

func (TraceParseRunModel) TableName() string { return "trace_parse_runs" }
