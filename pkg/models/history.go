package models

import (
	"time"

	"github.com/google/uuid"
)

type AuditPhase string

const (
	AuditPhaseInit       AuditPhase = "init"
	AuditPhaseAIRequest  AuditPhase = "ai-request"
	AuditPhaseAIResponse AuditPhase = "ai-response"
	AuditPhaseCompleted  AuditPhase = "completed"
	AuditPhaseError      AuditPhase = "error"
	AuditPhaseDBError    AuditPhase = "db-error"
)

type ScanHistory struct {
	ID           uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	Target       string        `json:"target" gorm:"not null;index"`
	RawReport    string        `json:"raw_report" gorm:"type:text"`
	ReportHash   string        `json:"report_hash,omitempty" gorm:"type:varchar(16)"`
	Summary      string        `json:"summary" gorm:"type:text"`
	HasCompleted bool          `json:"has_completed" gorm:"not null;default:false"`
	Duration     time.Duration `json:"duration"`
	UserID       string        `json:"user_id" gorm:"not null;index"`
	CreatedAt    time.Time     `json:"created_at"`

	Findings     []Finding    `json:"findings,omitempty" gorm:"foreignKey:ScanHistoryID"`
	Technologies []Technology `json:"technologies,omitempty" gorm:"foreignKey:ScanHistoryID"`
}

type IASummary struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	ScanHistoryID uuid.UUID `json:"scan_history_id" gorm:"type:uuid;uniqueIndex;not null"`
	Summary       string    `json:"summary" gorm:"type:text"`
	RawResponse   string    `json:"raw_response" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
}

func (IASummary) TableName() string {
	return "ia_summaries"
}

type UserUsage struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	UserID       string    `json:"user_id" gorm:"not null;uniqueIndex:idx_user_usage_day"`
	Date         time.Time `json:"date" gorm:"type:date;not null;uniqueIndex:idx_user_usage_day"`
	RequestCount int       `json:"request_count" gorm:"not null;default:0"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type AuditLog struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	Phase         AuditPhase `json:"phase" gorm:"type:varchar(32);not null;index"`
	UserID        string     `json:"user_id" gorm:"not null;index"`
	ScanHistoryID *uuid.UUID `json:"scan_history_id,omitempty" gorm:"type:uuid"`
	RunID         string     `json:"run_id,omitempty" gorm:"type:varchar(36);index"`
	RemoteIP      string     `json:"remote_ip,omitempty"`
	Message       string     `json:"message,omitempty" gorm:"type:text"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Caller identifies who requested a scan.
type Caller struct {
	UserID   string `json:"user_id"`
	IsAdmin  bool   `json:"is_admin"`
	RemoteIP string `json:"remote_ip,omitempty"`
}

// UsageDay truncates t to the UTC calendar day used as the quota key.
func UsageDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const (
	EventScanCompleted = "scan.completed"
	EventScanFailed    = "scan.failed"
)

// ScanEvent announces the end of a scan run to external subscribers.
type ScanEvent struct {
	Type      string        `json:"type"`
	RunID     string        `json:"run_id"`
	UserID    string        `json:"user_id"`
	Target    string        `json:"target"`
	HistoryID string        `json:"history_id,omitempty"`
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`
	Findings  int           `json:"findings"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}
