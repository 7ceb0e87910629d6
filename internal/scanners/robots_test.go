package scanners

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRobotsScanner() *RobotsScanner {
	return NewRobotsScanner(NewHTTPClient(2*time.Second, DefaultMaxRedirects, "", utils.NewNopLogger()), utils.NewNopLogger())
}

func alertRules(alerts []models.RobotsAlert) []string {
	var out []string
	for _, a := range alerts {
		out = append(out, a.Rule)
	}
	return out
}

func TestRobotsScannerScan(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "User-agent: *\nDisallow: /admin/\nDisallow: /backup.zip\nDisallow: /.git/\nDisallow: /staging/\nCrawl-delay: 30\nNoindex: /private\nSitemap: %s/sitemap.xml\nSitemap: %s/sitemap2.xml\n", base, base)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<urlset></urlset>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base := srv.URL

	section, err := newRobotsScanner().Scan(context.Background(), targetFor(srv))
	require.NoError(t, err)

	report := section.(*models.RobotsSection).Report
	assert.True(t, report.RobotsFound)
	assert.True(t, report.SitemapFound)
	assert.Equal(t, base+"/sitemap.xml", report.SitemapURL)

	rules := alertRules(report.Alerts)
	for _, want := range []string{
		"admin-path-disclosed", "backup-reference", "vcs-or-env-reference",
		"large-crawl-delay", "multiple-sitemaps", "non-standard-directive", "staging-paths",
	} {
		assert.Contains(t, rules, want)
	}
	assert.NotContains(t, rules, "global-disallow")
}

func TestRobotsScannerRejectsNonPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>User-agent: *</html>"))
	}))
	defer srv.Close()

	section, err := newRobotsScanner().Scan(context.Background(), targetFor(srv))
	require.NoError(t, err)
	report := section.(*models.RobotsSection).Report
	assert.False(t, report.RobotsFound)
	assert.Equal(t, []string{"invalid-content-type"}, alertRules(report.Alerts))
}

func TestRobotsScannerMissingFile(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	section, err := newRobotsScanner().Scan(context.Background(), targetFor(srv))
	require.NoError(t, err)
	report := section.(*models.RobotsSection).Report
	assert.False(t, report.RobotsFound)
	assert.Equal(t, []string{"not-found"}, alertRules(report.Alerts))
}

func TestRobotsScannerUnreachableIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := targetFor(srv)
	srv.Close()

	section, err := newRobotsScanner().Scan(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch-failed"}, alertRules(section.(*models.RobotsSection).Report.Alerts))
}

func TestRobotsScannerReturnsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newRobotsScanner().Scan(ctx, targetFor(srv))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateRobotsHeuristics(t *testing.T) {
	body := "User-agent: *\nDisallow: /\n\nUser-agent: Googlebot\nDisallow: /search?q=\nDisallow: /wp-content/\nDisallow: /api/v1/\nDisallow: /login\nDisallow: /config/\n"
	directives, total := parseRobots([]byte(body))
	rules := alertRules(evaluateRobots(directives, total))

	for _, want := range []string{"global-disallow", "query-string-rule", "wordpress-paths", "api-paths", "login-paths", "config-reference"} {
		assert.Contains(t, rules, want)
	}

	allow := "User-agent: *\nDisallow:\n"
	directives, total = parseRobots([]byte(allow))
	assert.Equal(t, []string{"allow-everything"}, alertRules(evaluateRobots(directives, total)))
}

func TestParseRobotsCapsLines(t *testing.T) {
	var b strings.Builder
	b.WriteString("User-agent: *\n")
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&b, "Allow: /page-%d\n", i)
	}
	directives, total := parseRobots([]byte(b.String()))
	assert.Equal(t, 301, total)
	assert.Len(t, directives, MaxRobotsLines)

	alerts := evaluateRobots(directives, total)
	require.Len(t, alerts, 1)
	assert.Equal(t, "large-file", alerts[0].Rule)
	assert.Equal(t, models.SeverityLow, alerts[0].Severity)
}
