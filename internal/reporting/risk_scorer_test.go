package reporting

import (
	"testing"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/stretchr/testify/assert"
)

func findings(sev ...models.Severity) []models.Finding {
	out := make([]models.Finding, len(sev))
	for i, s := range sev {
		out[i] = models.Finding{Type: string(s), Severity: s}
	}
	return out
}

func TestOverallScore(t *testing.T) {
	rs := NewRiskScorer()

	assert.Zero(t, rs.OverallScore(nil))
	assert.Equal(t, 10.0, rs.OverallScore(findings(models.SeverityCritical)))
	assert.Equal(t, 1.0, rs.OverallScore(findings(models.SeverityInformational)))
	// worst 7.5, avg (7.5+2.5)/2 = 5
	assert.Equal(t, 6.75, rs.OverallScore(findings(models.SeverityHigh, models.SeverityLow)))
}

func TestOverallScoreUnknownSeverity(t *testing.T) {
	rs := NewRiskScorer()
	assert.Equal(t, 1.0, rs.OverallScore(findings("bogus")))
}

func TestCustomWeights(t *testing.T) {
	rs := NewRiskScorerWithWeights(map[models.Severity]float64{models.SeverityLow: 4})
	assert.Equal(t, 4.0, rs.FindingScore(models.Finding{Severity: models.SeverityLow}))
	assert.Equal(t, 7.5, rs.FindingScore(models.Finding{Severity: models.SeverityHigh}))
}

func TestSortFindings(t *testing.T) {
	rs := NewRiskScorer()
	in := findings(models.SeverityLow, models.SeverityCritical, models.SeverityMedium, models.SeverityLow)
	in[0].Description = "first low"
	in[3].Description = "second low"

	out := rs.SortFindings(in)
	assert.Equal(t, models.SeverityCritical, out[0].Severity)
	assert.Equal(t, models.SeverityMedium, out[1].Severity)
	assert.Equal(t, "first low", out[2].Description)
	assert.Equal(t, "second low", out[3].Description)
	assert.Equal(t, models.SeverityLow, in[0].Severity, "input is not reordered")
}

func TestCounts(t *testing.T) {
	c := Counts(findings(models.SeverityHigh, models.SeverityHigh, models.SeverityLow))
	assert.Equal(t, 2, c[models.SeverityHigh])
	assert.Equal(t, 1, c[models.SeverityLow])
	assert.Zero(t, c[models.SeverityCritical])
}
