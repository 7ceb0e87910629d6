package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInformational Severity = "informational"
	SeverityLow           Severity = "low"
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
	SeverityCritical      Severity = "critical"
)

var severityVocabulary = map[string]Severity{
	"critical":      SeverityCritical,
	"critico":       SeverityCritical,
	"crítico":       SeverityCritical,
	"critica":       SeverityCritical,
	"crítica":       SeverityCritical,
	"high":          SeverityHigh,
	"alto":          SeverityHigh,
	"alta":          SeverityHigh,
	"medium":        SeverityMedium,
	"moderate":      SeverityMedium,
	"medio":         SeverityMedium,
	"médio":         SeverityMedium,
	"media":         SeverityMedium,
	"média":         SeverityMedium,
	"moderado":      SeverityMedium,
	"low":           SeverityLow,
	"baixo":         SeverityLow,
	"baixa":         SeverityLow,
	"info":          SeverityInformational,
	"informational": SeverityInformational,
	"informativo":   SeverityInformational,
	"informativa":   SeverityInformational,
	"informação":    SeverityInformational,
	"informacao":    SeverityInformational,
	"none":          SeverityInformational,
}

// ParseSeverity accepts the English and Portuguese terms used by analysts and the
// summarization service. Unknown values return an error and SeverityInformational.
func ParseSeverity(s string) (Severity, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if sev, ok := severityVocabulary[key]; ok {
		return sev, nil
	}
	return SeverityInformational, fmt.Errorf("unknown severity: %q", s)
}

func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// Rank orders severities: Informational=1 ... Critical=5, unknown=0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInformational:
		return 1
	default:
		return 0
	}
}

func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

func (s Severity) String() string {
	return string(s)
}

func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type Finding struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	ScanHistoryID  uuid.UUID `json:"scan_history_id" gorm:"type:uuid;index;not null"`
	Type           string    `json:"type" gorm:"not null"`
	Description    string    `json:"description"`
	Severity       Severity  `json:"severity" gorm:"type:varchar(16);not null"`
	Evidence       string    `json:"evidence"`
	Recommendation string    `json:"recommendation"`
	CreatedAt      time.Time `json:"created_at"`
}

func (f *Finding) Validate() error {
	if f.Type == "" {
		return fmt.Errorf("finding type is required")
	}
	if !f.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", f.Severity)
	}
	return nil
}

type Technology struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	ScanHistoryID uuid.UUID `json:"scan_history_id" gorm:"type:uuid;index;not null"`
	Name          string    `json:"name" gorm:"not null"`
	Version       string    `json:"version,omitempty"`
	Category      string    `json:"category"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

func (t *Technology) Label() string {
	if t.Version == "" {
		return t.Name
	}
	return t.Name + " " + t.Version
}

type FindingStats struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"by_severity"`
	Highest    Severity         `json:"highest"`
}

func SummarizeFindings(findings []Finding) FindingStats {
	stats := FindingStats{BySeverity: make(map[Severity]int), Highest: SeverityInformational}
	for _, f := range findings {
		stats.Total++
		stats.BySeverity[f.Severity]++
		stats.Highest = MaxSeverity(stats.Highest, f.Severity)
	}
	return stats
}
