package scanners

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	MaxRobotsLines  = 200
	robotsBodyLimit = 64 << 10
	largeCrawlDelay = 10
	maxAlertSamples = 5
)

type robotsDirective struct {
	line  int
	key   string
	value string
	agent string
}

// robotsRule inspects the parsed directives and returns the 1-based line of the
// first match plus sample values. A zero line means no match.
type robotsRule struct {
	name     string
	severity models.Severity
	message  string
	match    func(d []robotsDirective, totalLines int) (line int, samples []string)
}

func disallowContaining(needles ...string) func([]robotsDirective, int) (int, []string) {
	return func(ds []robotsDirective, _ int) (int, []string) {
		first, samples := 0, []string(nil)
		for _, d := range ds {
			if d.key != "disallow" && d.key != "allow" {
				continue
			}
			v := strings.ToLower(d.value)
			for _, n := range needles {
				if strings.Contains(v, n) {
					if first == 0 {
						first = d.line
					}
					if len(samples) < maxAlertSamples {
						samples = append(samples, d.value)
					}
					break
				}
			}
		}
		return first, samples
	}
}

var standardRobotsDirectives = map[string]bool{
	"user-agent": true, "disallow": true, "allow": true, "sitemap": true, "crawl-delay": true, "host": true,
}

var robotsRules = []robotsRule{
	{
		name: "admin-path-disclosed", severity: models.SeverityMedium,
		message: "robots.txt references administrative paths",
		match:   disallowContaining("/admin", "/administrator", "/wp-admin", "/cpanel", "/manager", "/backend"),
	},
	{
		name: "global-disallow", severity: models.SeverityLow,
		message: "all crawling is disallowed for every user agent",
		match: func(ds []robotsDirective, _ int) (int, []string) {
			for _, d := range ds {
				if d.key == "disallow" && d.agent == "*" && strings.TrimSpace(d.value) == "/" {
					return d.line, []string{d.value}
				}
			}
			return 0, nil
		},
	},
	{
		name: "multiple-sitemaps", severity: models.SeverityInformational,
		message: "robots.txt declares more than one sitemap",
		match: func(ds []robotsDirective, _ int) (int, []string) {
			var lines []int
			var samples []string
			for _, d := range ds {
				if d.key == "sitemap" {
					lines = append(lines, d.line)
					if len(samples) < maxAlertSamples {
						samples = append(samples, d.value)
					}
				}
			}
			if len(lines) < 2 {
				return 0, nil
			}
			return lines[1], samples
		},
	},
	{
		name: "large-crawl-delay", severity: models.SeverityLow,
		message: "crawl-delay is large enough to hinder indexing",
		match: func(ds []robotsDirective, _ int) (int, []string) {
			for _, d := range ds {
				if d.key != "crawl-delay" {
					continue
				}
				if v, err := strconv.ParseFloat(strings.TrimSpace(d.value), 64); err == nil && v > largeCrawlDelay {
					return d.line, []string{d.value}
				}
			}
			return 0, nil
		},
	},
	{
		name: "query-string-rule", severity: models.SeverityLow,
		message: "disallowed paths contain query strings, hinting at parameterised endpoints",
		match:   disallowContaining("?"),
	},
	{
		name: "wordpress-paths", severity: models.SeverityInformational,
		message: "WordPress paths are referenced",
		match:   disallowContaining("/wp-content", "/wp-includes", "/wp-json", "xmlrpc.php"),
	},
	{
		name: "backup-reference", severity: models.SeverityHigh,
		message: "backup files or directories are referenced",
		match:   disallowContaining("backup", ".bak", ".old", ".sql", ".zip", ".tar", ".gz", "dump"),
	},
	{
		name: "vcs-or-env-reference", severity: models.SeverityHigh,
		message: "version control or environment files are referenced",
		match:   disallowContaining("/.git", "/.svn", "/.hg", "/.env"),
	},
	{
		name: "api-paths", severity: models.SeverityLow,
		message: "API endpoints are referenced",
		match:   disallowContaining("/api", "/graphql", "/v1/", "/v2/", "/rest/"),
	},
	{
		name: "staging-paths", severity: models.SeverityMedium,
		message: "staging, development or internal paths are referenced",
		match:   disallowContaining("staging", "/dev", "/test", "/beta", "/internal", "/tmp", "/private"),
	},
	{
		name: "login-paths", severity: models.SeverityLow,
		message: "authentication endpoints are referenced",
		match:   disallowContaining("login", "signin", "sign-in", "/auth", "/account"),
	},
	{
		name: "allow-everything", severity: models.SeverityInformational,
		message: "the wildcard user agent has an empty Disallow, allowing everything",
		match: func(ds []robotsDirective, _ int) (int, []string) {
			for _, d := range ds {
				if d.key == "disallow" && d.agent == "*" && strings.TrimSpace(d.value) == "" {
					return d.line, nil
				}
			}
			return 0, nil
		},
	},
	{
		name: "large-file", severity: models.SeverityLow,
		message: fmt.Sprintf("robots.txt exceeds %d lines; only the first %d were analysed", MaxRobotsLines, MaxRobotsLines),
		match: func(_ []robotsDirective, total int) (int, []string) {
			if total > MaxRobotsLines {
				return MaxRobotsLines, nil
			}
			return 0, nil
		},
	},
	{
		name: "config-reference", severity: models.SeverityMedium,
		message: "configuration or database locations are referenced",
		match:   disallowContaining("config", "database", "/db", "phpmyadmin", ".ini", ".yml", ".yaml", ".conf"),
	},
	{
		name: "non-standard-directive", severity: models.SeverityInformational,
		message: "robots.txt uses non-standard directives",
		match: func(ds []robotsDirective, _ int) (int, []string) {
			first, samples := 0, []string(nil)
			for _, d := range ds {
				if standardRobotsDirectives[d.key] {
					continue
				}
				if first == 0 {
					first = d.line
				}
				if len(samples) < maxAlertSamples {
					samples = append(samples, d.key)
				}
			}
			return first, samples
		},
	},
}

type RobotsScanner struct {
	client *HTTPClient
	logger *logrus.Logger
}

func NewRobotsScanner(client *HTTPClient, logger *logrus.Logger) *RobotsScanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &RobotsScanner{client: client, logger: logger}
}

func (s *RobotsScanner) Name() string { return NameRobots }

func (s *RobotsScanner) Empty() models.Section {
	return &models.RobotsSection{Report: models.RobotsReport{Alerts: []models.RobotsAlert{}}}
}

// Scan never fails on target behaviour; problems become alerts. Only
// cancellation is returned as an error.
func (s *RobotsScanner) Scan(ctx context.Context, target models.ScanTarget) (models.Section, error) {
	report := models.RobotsReport{Alerts: []models.RobotsAlert{}}
	section := &models.RobotsSection{}

	resp, err := s.client.Get(ctx, target.URL("/robots.txt"), robotsBodyLimit)
	if err != nil {
		if ctx.Err() != nil {
			return s.Empty(), ctx.Err()
		}
		report.Alerts = append(report.Alerts, models.RobotsAlert{
			Rule: "fetch-failed", Severity: models.SeverityInformational,
			Message: "robots.txt could not be fetched",
		})
		section.Report = report
		return section, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		report.Alerts = append(report.Alerts, models.RobotsAlert{
			Rule: "not-found", Severity: models.SeverityInformational,
			Message: fmt.Sprintf("robots.txt returned HTTP %d", resp.StatusCode),
		})
		section.Report = report
		return section, nil
	}
	if ct := resp.Header.Get("Content-Type"); !isPlainText(ct) {
		report.Alerts = append(report.Alerts, models.RobotsAlert{
			Rule: "invalid-content-type", Severity: models.SeverityLow,
			Message: fmt.Sprintf("robots.txt served as %q instead of text/plain; ignored", ct),
		})
		section.Report = report
		return section, nil
	}

	report.RobotsFound = true
	directives, total := parseRobots(resp.Body)
	report.Alerts = append(report.Alerts, evaluateRobots(directives, total)...)

	for _, d := range directives {
		if d.key == "sitemap" && d.value != "" {
			report.SitemapURL = d.value
			break
		}
	}
	if report.SitemapURL != "" {
		found, alert := s.checkSitemap(ctx, target, report.SitemapURL)
		if ctx.Err() != nil {
			return s.Empty(), ctx.Err()
		}
		report.SitemapFound = found
		if alert != nil {
			report.Alerts = append(report.Alerts, *alert)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"target":  target.String(),
		"alerts":  len(report.Alerts),
		"sitemap": report.SitemapFound,
	}).Debug("robots scan finished")
	section.Report = report
	return section, nil
}

// checkSitemap follows the sitemap only when it lives on the target host.
func (s *RobotsScanner) checkSitemap(ctx context.Context, target models.ScanTarget, raw string) (bool, *models.RobotsAlert) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false, &models.RobotsAlert{Rule: "sitemap-invalid", Severity: models.SeverityInformational, Message: "sitemap URL is not a valid http(s) URL"}
	}
	host := strings.ToLower(u.Host)
	if host != target.Host && !strings.HasSuffix(host, "."+target.Host) {
		return false, &models.RobotsAlert{Rule: "sitemap-offsite", Severity: models.SeverityInformational, Message: "sitemap is hosted on another domain and was not fetched"}
	}
	resp, err := s.client.Fetch(ctx, http.MethodGet, raw, 0)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &models.RobotsAlert{Rule: "sitemap-unreachable", Severity: models.SeverityLow, Message: "declared sitemap is not reachable"}
	}
	return true, nil
}

func isPlainText(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/plain"
}

// parseRobots reads at most MaxRobotsLines lines and returns the directives found
// together with the total line count of the body.
func parseRobots(body []byte) ([]robotsDirective, int) {
	var (
		out   []robotsDirective
		agent string
		total int
	)
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 4096), robotsBodyLimit)
	for sc.Scan() {
		total++
		if total > MaxRobotsLines {
			continue
		}
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "user-agent" {
			agent = value
		}
		out = append(out, robotsDirective{line: total, key: key, value: value, agent: agent})
	}
	return out, total
}

// evaluateRobots runs every heuristic; each matching rule yields one alert.
func evaluateRobots(directives []robotsDirective, totalLines int) []models.RobotsAlert {
	alerts := []models.RobotsAlert{}
	for _, rule := range robotsRules {
		line, samples := rule.match(directives, totalLines)
		if line == 0 {
			continue
		}
		msg := rule.message
		if len(samples) > 0 {
			msg += ": " + strings.Join(samples, ", ")
		}
		alerts = append(alerts, models.RobotsAlert{Rule: rule.name, Severity: rule.severity, Message: msg, Line: line})
	}
	return alerts
}
