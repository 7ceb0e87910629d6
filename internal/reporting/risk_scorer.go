package reporting

import (
	"math"
	"sort"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
)

const maxScore = 10.0

// RiskScorer turns summarizer findings into a 0-10 score for display.
type RiskScorer struct {
	severityWeights map[models.Severity]float64
}

func NewRiskScorer() *RiskScorer {
	return NewRiskScorerWithWeights(nil)
}

func NewRiskScorerWithWeights(override map[models.Severity]float64) *RiskScorer {
	base := map[models.Severity]float64{
		models.SeverityCritical:      10.0,
		models.SeverityHigh:          7.5,
		models.SeverityMedium:        5.0,
		models.SeverityLow:           2.5,
		models.SeverityInformational: 1.0,
	}
	for k, v := range override {
		base[k] = v
	}
	return &RiskScorer{severityWeights: base}
}

// SortFindings returns a copy ordered from most to least severe. Findings of equal
// severity keep their input order.
func (rs *RiskScorer) SortFindings(findings []models.Finding) []models.Finding {
	sorted := make([]models.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
	})
	return sorted
}

func (rs *RiskScorer) FindingScore(f models.Finding) float64 {
	if w, ok := rs.severityWeights[f.Severity]; ok {
		return w
	}
	return rs.severityWeights[models.SeverityInformational]
}

// OverallScore blends the worst finding with the average so one critical issue
// dominates but a long tail of low findings still raises the score.
func (rs *RiskScorer) OverallScore(findings []models.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var total, worst float64
	for _, f := range findings {
		s := rs.FindingScore(f)
		total += s
		worst = math.Max(worst, s)
	}
	avg := total / float64(len(findings))
	score := 0.7*worst + 0.3*avg
	if score > maxScore {
		score = maxScore
	}
	return math.Round(score*100) / 100
}

// Counts tallies findings per severity.
func Counts(findings []models.Finding) map[models.Severity]int {
	out := make(map[models.Severity]int)
	for _, f := range findings {
		out[f.Severity]++
	}
	return out
}
