package models

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"Critical", SeverityCritical},
		{"CRÍTICO", SeverityCritical},
		{"alto", SeverityHigh},
		{" High ", SeverityHigh},
		{"Médio", SeverityMedium},
		{"moderate", SeverityMedium},
		{"baixa", SeverityLow},
		{"informativo", SeverityInformational},
		{"info", SeverityInformational},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSeverity(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := ParseSeverity("catastrophic")
	assert.Error(t, err)
	assert.Equal(t, SeverityInformational, got)
}

func TestSeverityOrdering(t *testing.T) {
	ordered := []Severity{SeverityInformational, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Rank(), ordered[i-1].Rank())
		assert.True(t, ordered[i].AtLeast(ordered[i-1]))
	}
	assert.Equal(t, 0, Severity("bogus").Rank())
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh))
}

func TestSummarizeFindings(t *testing.T) {
	stats := SummarizeFindings([]Finding{
		{Type: "a", Severity: SeverityLow},
		{Type: "b", Severity: SeverityCritical},
		{Type: "c", Severity: SeverityLow},
	})
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.BySeverity[SeverityLow])
	assert.Equal(t, SeverityCritical, stats.Highest)
}

func TestAggregateReportOnlyEmitsPresentNamespaces(t *testing.T) {
	r := NewAggregateScanReport("https://example.com", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	r.Merge(&PortSection{})
	r.Merge(&RobotsSection{Report: RobotsReport{RobotsFound: true}})

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Contains(t, doc, "target")
	assert.Contains(t, doc, "timestamp")
	assert.Contains(t, doc, NamespacePorts)
	assert.Contains(t, doc, NamespaceRobots)
	assert.NotContains(t, doc, NamespaceSSL)
	assert.NotContains(t, doc, NamespaceHeaders)
	assert.JSONEq(t, `[]`, string(doc[NamespacePorts]))
	assert.Equal(t, []string{NamespacePorts, NamespaceRobots}, r.Namespaces())
}

func TestAggregateReportUnionsArrays(t *testing.T) {
	r := NewAggregateScanReport("https://example.com", time.Now())
	r.Merge(&PortSection{Results: []PortResult{{IP: "192.0.2.1", Port: 22, Open: true}}})
	r.Merge(&PortSection{Results: []PortResult{{IP: "192.0.2.2", Port: 80, Open: true}, {IP: "192.0.2.2", Port: 443, Open: true}}})

	require.Len(t, r.Ports, 3)
	assert.Equal(t, "192.0.2.1", r.Ports[0].IP)
	assert.Equal(t, 443, r.Ports[2].Port)
}

func TestAggregateReportScalarFirstWins(t *testing.T) {
	r := NewAggregateScanReport("https://example.com", time.Now())
	r.Merge(&HeaderSection{StatusCode: 200, Headers: map[string]string{"Server": "nginx"}})
	r.Merge(&HeaderSection{StatusCode: 503, Headers: map[string]string{"Server": "apache", "Via": "proxy"}})

	assert.Equal(t, 200, r.StatusCode)
	assert.Equal(t, "nginx", r.Headers["Server"])
	assert.Equal(t, "proxy", r.Headers["Via"])

	r.Merge(&RobotsSection{Report: RobotsReport{SitemapURL: "https://example.com/a.xml"}})
	r.Merge(&RobotsSection{Report: RobotsReport{SitemapURL: "https://example.com/b.xml", SitemapFound: true}})
	assert.Equal(t, "https://example.com/a.xml", r.Robots.SitemapURL)
	assert.True(t, r.Robots.SitemapFound)
}

func TestAggregateReportCloneIsDeep(t *testing.T) {
	r := NewAggregateScanReport("https://example.com", time.Now())
	r.Merge(&HeaderSection{Headers: map[string]string{"Server": "nginx"}, Cookies: []CookieReport{{Name: "sid", Issues: []string{"x"}}}})

	c := r.Clone()
	c.Headers["Server"] = "changed"
	c.Cookies[0].Issues[0] = "changed"
	c.MapStrings(func(s string) string { return s + "!" })

	assert.Equal(t, "nginx", r.Headers["Server"])
	assert.Equal(t, "x", r.Cookies[0].Issues[0])
	assert.Equal(t, "https://example.com", r.Target)
	assert.True(t, c.Has(NamespaceCookies))
}

func TestScanTarget(t *testing.T) {
	target := ScanTarget{Scheme: "https", Host: "example.com"}
	assert.Equal(t, "https://example.com", target.String())
	assert.Equal(t, "https://example.com/robots.txt", target.URL("robots.txt"))
	assert.NoError(t, target.Validate())
	assert.Error(t, ScanTarget{Scheme: "ftp", Host: "example.com"}.Validate())
	assert.Error(t, ScanTarget{Scheme: "http", Host: "example.com:80"}.Validate())
}

func TestUsageDay(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	ts := time.Date(2024, 3, 10, 22, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), UsageDay(ts))
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 75*time.Second, cfg.Scan.GlobalTimeout)
	assert.Equal(t, 5, cfg.Quota.MaxDailyRequests)
	assert.Equal(t, 20, cfg.Scanners.Ports.MaxParallel)
	assert.Equal(t, 10, cfg.Scanners.Paths.MaxParallel)
	assert.Equal(t, 3*time.Second, cfg.Scanners.Ports.ConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.Scanners.Ports.ReadTimeout)
	assert.Len(t, cfg.Scanners.Ports.Ports, 20)
}

func TestConfigValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quota.MaxDailyRequests = 0
	cfg.Storage.Type = "postgres"
	cfg.Scan.EnabledScanners = []string{"nmap"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota.max_daily_requests")
	assert.Contains(t, err.Error(), "storage.dsn")
	assert.Contains(t, err.Error(), `unknown scanner "nmap"`)
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.yaml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			cfg := DefaultConfig()
			cfg.Quota.MaxDailyRequests = 9
			cfg.Scan.GlobalTimeout = 80 * time.Second
			require.NoError(t, cfg.Save(path))

			loaded := &Config{}
			require.NoError(t, loaded.Load(path))
			assert.Equal(t, 9, loaded.Quota.MaxDailyRequests)
			assert.Equal(t, 80*time.Second, loaded.Scan.GlobalTimeout)
			assert.Equal(t, cfg.Scanners.Ports.Ports, loaded.Scanners.Ports.Ports)
		})
	}
}
