package scanners

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/bl4ck0w1/lynxscan/internal/evasion/timing"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	CategoryBackup     = "backup"
	CategoryConfig     = "config"
	CategoryVCS        = "vcs"
	CategoryAdmin      = "admin"
	CategoryMonitoring = "monitoring"
	CategoryDebug      = "debug"
	CategoryInfo       = "info"

	DefaultPathParallel = 10
	pathBodyLimit       = 2 << 10
	maxEvidenceLength   = 200
)

// PathEntry is one well-known sensitive path. Check, when set, must find evidence
// in the body of a 2xx response before the path is reported.
type PathEntry struct {
	Path     string
	Category string
	Check    func(body []byte) (evidence string, ok bool)
}

var (
	envSecretRE    = regexp.MustCompile(`(?mi)^\s*(?:export\s+)?[A-Z0-9_]*(?:KEY|SECRET|TOKEN|PASSWORD|PASS|PWD|DSN|DATABASE_URL|CREDENTIALS?)[A-Z0-9_]*\s*=\s*\S+`)
	gitRefRE       = regexp.MustCompile(`(?m)^ref:\s*refs/[^\s]+`)
	gitConfigRE    = regexp.MustCompile(`(?m)^\[(?:core|remote "[^"]*")\]`)
	sqlDumpRE      = regexp.MustCompile(`(?i)(?:-- MySQL dump|-- PostgreSQL database dump|CREATE TABLE|INSERT INTO)`)
	awsKeyRE       = regexp.MustCompile(`(?i)aws_(?:access_key_id|secret_access_key)\s*=`)
	htpasswdRE     = regexp.MustCompile(`(?m)^[^:\s]+:(?:\$apr1\$|\$2[aby]\$|\{SHA\}|\$5\$|\$6\$)`)
	npmTokenRE     = regexp.MustCompile(`_authToken\s*=`)
	wpConfigRE     = regexp.MustCompile(`DB_PASSWORD|DB_USER`)
	dirListingRE   = regexp.MustCompile(`(?i)<title>Index of /`)
	phpinfoRE      = regexp.MustCompile(`(?i)<title>phpinfo\(\)</title>|PHP Version \d`)
	actuatorRE     = regexp.MustCompile(`"_links"\s*:`)
	actuatorEnvRE  = regexp.MustCompile(`"(?:propertySources|activeProfiles)"\s*:`)
	promMetricsRE  = regexp.MustCompile(`(?m)^# (?:HELP|TYPE) \w+`)
	apacheStatusRE = regexp.MustCompile(`(?i)Apache Server (?:Status|Information)`)
	openAPIRE      = regexp.MustCompile(`"(?:openapi|swagger)"\s*:\s*"`)
)

func matchRE(re *regexp.Regexp) func([]byte) (string, bool) {
	return func(body []byte) (string, bool) {
		m := re.Find(body)
		if m == nil {
			return "", false
		}
		return utils.Truncate(strings.TrimSpace(string(m)), maxEvidenceLength), true
	}
}

func matchPrefix(magic []byte, label string) func([]byte) (string, bool) {
	return func(body []byte) (string, bool) {
		if bytes.HasPrefix(body, magic) {
			return label, true
		}
		return "", false
	}
}

// envCheck reports the variable names only so secret values never reach the report.
func envCheck(body []byte) (string, bool) {
	matches := envSecretRE.FindAll(body, 5)
	if len(matches) == 0 {
		return "", false
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name, _, _ := strings.Cut(strings.TrimSpace(string(m)), "=")
		names = append(names, strings.TrimSpace(strings.TrimPrefix(name, "export ")))
	}
	return "secret-like variables: " + strings.Join(names, ", "), true
}

// DefaultSensitivePaths is probed against every target.
var DefaultSensitivePaths = []PathEntry{
	{Path: "/.env", Category: CategoryConfig, Check: envCheck},
	{Path: "/.env.local", Category: CategoryConfig, Check: envCheck},
	{Path: "/.env.production", Category: CategoryConfig, Check: envCheck},
	{Path: "/.env.backup", Category: CategoryConfig, Check: envCheck},
	{Path: "/wp-config.php.bak", Category: CategoryConfig, Check: matchRE(wpConfigRE)},
	{Path: "/config.php.bak", Category: CategoryConfig, Check: matchRE(envSecretRE)},
	{Path: "/.aws/credentials", Category: CategoryConfig, Check: matchRE(awsKeyRE)},
	{Path: "/.npmrc", Category: CategoryConfig, Check: matchRE(npmTokenRE)},
	{Path: "/.htpasswd", Category: CategoryConfig, Check: matchRE(htpasswdRE)},
	{Path: "/web.config", Category: CategoryConfig, Check: matchRE(regexp.MustCompile(`(?i)<connectionStrings|<configuration>`))},
	{Path: "/.git/HEAD", Category: CategoryVCS, Check: matchRE(gitRefRE)},
	{Path: "/.git/config", Category: CategoryVCS, Check: matchRE(gitConfigRE)},
	{Path: "/.svn/entries", Category: CategoryVCS, Check: matchRE(regexp.MustCompile(`(?m)^(?:\d+\s*$|dir\s*$)`))},
	{Path: "/.svn/wc.db", Category: CategoryVCS, Check: matchPrefix([]byte("SQLite format 3\x00"), "SQLite working copy database")},
	{Path: "/.hg/requires", Category: CategoryVCS, Check: matchRE(regexp.MustCompile(`(?m)^(?:revlogv1|store|fncache|dotencode)$`))},
	{Path: "/backup.sql", Category: CategoryBackup, Check: matchRE(sqlDumpRE)},
	{Path: "/dump.sql", Category: CategoryBackup, Check: matchRE(sqlDumpRE)},
	{Path: "/database.sql", Category: CategoryBackup, Check: matchRE(sqlDumpRE)},
	{Path: "/db.sql", Category: CategoryBackup, Check: matchRE(sqlDumpRE)},
	{Path: "/backup.zip", Category: CategoryBackup, Check: matchPrefix([]byte("PK\x03\x04"), "ZIP archive signature")},
	{Path: "/www.zip", Category: CategoryBackup, Check: matchPrefix([]byte("PK\x03\x04"), "ZIP archive signature")},
	{Path: "/backup.tar.gz", Category: CategoryBackup, Check: matchPrefix([]byte{0x1f, 0x8b}, "gzip archive signature")},
	{Path: "/site.tar.gz", Category: CategoryBackup, Check: matchPrefix([]byte{0x1f, 0x8b}, "gzip archive signature")},
	{Path: "/backup/", Category: CategoryBackup, Check: matchRE(dirListingRE)},
	{Path: "/phpinfo.php", Category: CategoryDebug, Check: matchRE(phpinfoRE)},
	{Path: "/info.php", Category: CategoryDebug, Check: matchRE(phpinfoRE)},
	{Path: "/_profiler/", Category: CategoryDebug, Check: matchRE(regexp.MustCompile(`(?i)Symfony Profiler`))},
	{Path: "/elmah.axd", Category: CategoryDebug, Check: matchRE(regexp.MustCompile(`(?i)Error Log for`))},
	{Path: "/trace.axd", Category: CategoryDebug, Check: matchRE(regexp.MustCompile(`(?i)Application Trace`))},
	{Path: "/actuator/env", Category: CategoryMonitoring, Check: matchRE(actuatorEnvRE)},
	{Path: "/actuator/heapdump", Category: CategoryMonitoring, Check: matchPrefix([]byte("JAVA PROFILE"), "Java heap dump signature")},
	{Path: "/actuator", Category: CategoryMonitoring, Check: matchRE(actuatorRE)},
	{Path: "/actuator/health", Category: CategoryMonitoring},
	{Path: "/server-status", Category: CategoryMonitoring, Check: matchRE(apacheStatusRE)},
	{Path: "/server-info", Category: CategoryMonitoring, Check: matchRE(apacheStatusRE)},
	{Path: "/metrics", Category: CategoryMonitoring, Check: matchRE(promMetricsRE)},
	{Path: "/admin", Category: CategoryAdmin},
	{Path: "/administrator/", Category: CategoryAdmin},
	{Path: "/admin.php", Category: CategoryAdmin},
	{Path: "/wp-admin/", Category: CategoryAdmin},
	{Path: "/wp-login.php", Category: CategoryAdmin},
	{Path: "/phpmyadmin/", Category: CategoryAdmin},
	{Path: "/adminer.php", Category: CategoryAdmin},
	{Path: "/manager/html", Category: CategoryAdmin},
	{Path: "/login", Category: CategoryAdmin},
	{Path: "/uploads/", Category: CategoryInfo, Check: matchRE(dirListingRE)},
	{Path: "/swagger.json", Category: CategoryInfo, Check: matchRE(openAPIRE)},
	{Path: "/openapi.json", Category: CategoryInfo, Check: matchRE(openAPIRE)},
	{Path: "/.DS_Store", Category: CategoryInfo, Check: matchPrefix([]byte("\x00\x00\x00\x01Bud1"), "macOS directory metadata")},
}

// PathSeverity rates a probed path. ok is false when the outcome is not worth
// reporting.
func PathSeverity(entry PathEntry, status int, hasEvidence bool) (models.Severity, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.SeverityLow, true
	case status < 200 || status >= 300:
		return "", false
	case entry.Check != nil && !hasEvidence:
		return "", false
	}
	switch entry.Category {
	case CategoryBackup, CategoryConfig, CategoryVCS:
		return models.SeverityCritical, true
	case CategoryAdmin, CategoryDebug:
		return models.SeverityHigh, true
	case CategoryMonitoring:
		return models.SeverityMedium, true
	default:
		return models.SeverityLow, true
	}
}

type PathsConfig struct {
	MaxParallel       int
	RequestsPerSecond float64
	Paths             []PathEntry
}

type SensitivePathScanner struct {
	client  *HTTPClient
	config  PathsConfig
	limiter *timing.RateLimiter
	logger  *logrus.Logger
}

// NewSensitivePathScanner expects a client that does not follow redirects.
func NewSensitivePathScanner(client *HTTPClient, config PathsConfig, logger *logrus.Logger) *SensitivePathScanner {
	if logger == nil {
		logger = logrus.New()
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = DefaultPathParallel
	}
	if len(config.Paths) == 0 {
		config.Paths = DefaultSensitivePaths
	}
	return &SensitivePathScanner{
		client:  client,
		config:  config,
		limiter: timing.NewRateLimiter(config.RequestsPerSecond, config.MaxParallel, logger),
		logger:  logger,
	}
}

func (s *SensitivePathScanner) Name() string { return NamePaths }

func (s *SensitivePathScanner) Empty() models.Section {
	return &models.SensitivePathSection{Report: models.SensitivePathReport{Results: []models.PathResult{}}}
}

type pathOutcome struct {
	index  int
	result models.PathResult
	report bool
}

func (s *SensitivePathScanner) Scan(ctx context.Context, target models.ScanTarget) (models.Section, error) {
	catchAll := s.detectCatchAll(ctx, target)
	if ctx.Err() != nil {
		return s.Empty(), ctx.Err()
	}

	sem := semaphore.NewWeighted(int64(s.config.MaxParallel))
	outcomes := make(chan pathOutcome)
	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range s.config.Paths {
		i, entry := i, entry
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			out := pathOutcome{index: i}
			out.result, out.report = s.checkPath(gctx, target, entry, catchAll)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			select {
			case outcomes <- out:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	var waitErr error
	go func() {
		waitErr = g.Wait()
		close(outcomes)
	}()

	var kept []pathOutcome
	checked := 0
	for out := range outcomes {
		checked++
		if out.report {
			kept = append(kept, out)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].index < kept[j].index })

	section := &models.SensitivePathSection{Report: models.SensitivePathReport{Results: []models.PathResult{}, Checked: checked}}
	for _, out := range kept {
		section.Report.Results = append(section.Report.Results, out.result)
	}

	s.logger.WithFields(logrus.Fields{
		"target":    target.String(),
		"checked":   checked,
		"reported":  len(kept),
		"catch_all": catchAll,
	}).Debug("sensitive path scan finished")
	return section, waitErr
}

// detectCatchAll reports whether the target answers 2xx for a path that cannot
// exist. Existence-only findings are unreliable on such targets.
func (s *SensitivePathScanner) detectCatchAll(ctx context.Context, target models.ScanTarget) bool {
	if err := s.limiter.Wait(ctx); err != nil {
		return false
	}
	resp, err := s.client.Fetch(ctx, http.MethodGet, target.URL("/lynxscan-"+uuid.NewString()), 0)
	if err != nil {
		return false
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (s *SensitivePathScanner) checkPath(ctx context.Context, target models.ScanTarget, entry PathEntry, catchAll bool) (models.PathResult, bool) {
	url := target.URL(entry.Path)
	res := models.PathResult{Path: entry.Path, Category: entry.Category, Method: http.MethodHead}

	resp, err := s.request(ctx, http.MethodHead, url, 0)
	if err != nil || resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		res.Method = http.MethodGet
		resp, err = s.request(ctx, http.MethodGet, url, pathBodyLimit)
		if err != nil {
			s.logger.Debugf("sensitive path %s: %v", url, err)
			return res, false
		}
	}
	res.StatusCode = resp.StatusCode

	evidence := ""
	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if success && entry.Check != nil {
		body := resp.Body
		if res.Method == http.MethodHead {
			full, err := s.request(ctx, http.MethodGet, url, pathBodyLimit)
			if err != nil {
				return res, false
			}
			body = full.Body
		}
		evidence, _ = entry.Check(body)
	}
	if success && entry.Check == nil && catchAll {
		return res, false
	}

	sev, ok := PathSeverity(entry, resp.StatusCode, evidence != "")
	if !ok {
		return res, false
	}
	res.Severity = sev
	res.Evidence = evidence
	return res, true
}

func (s *SensitivePathScanner) request(ctx context.Context, method, url string, limit int64) (*HTTPResponse, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := s.client.Fetch(ctx, method, url, limit)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		s.limiter.RecordThrottled()
	} else {
		s.limiter.RecordSuccess()
	}
	return resp, nil
}
