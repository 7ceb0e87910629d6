package scanners

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/sirupsen/logrus"
)

// headerBodyLimit bounds the landing page read; only headers are analysed.
const headerBodyLimit = 4 << 10

// HeaderRule evaluates one security header value. ok=false marks the header weak
// and reason says why.
type HeaderRule struct {
	Name  string
	Check func(value string) (ok bool, reason string)
}

var SecurityHeaderRules = []HeaderRule{
	{Name: "Strict-Transport-Security", Check: checkHSTS},
	{Name: "Content-Security-Policy", Check: checkCSP},
	{Name: "X-Frame-Options", Check: checkFrameOptions},
	{Name: "X-Content-Type-Options", Check: checkContentTypeOptions},
	{Name: "Referrer-Policy", Check: checkReferrerPolicy},
	{Name: "Permissions-Policy", Check: checkNonEmpty},
	{Name: "X-XSS-Protection", Check: checkXSSProtection},
}

type HeaderScanner struct {
	client *HTTPClient
	logger *logrus.Logger
}

func NewHeaderScanner(client *HTTPClient, logger *logrus.Logger) *HeaderScanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &HeaderScanner{client: client, logger: logger}
}

func (s *HeaderScanner) Name() string { return NameHeaders }

func (s *HeaderScanner) Empty() models.Section {
	return &models.HeaderSection{Headers: map[string]string{}}
}

func (s *HeaderScanner) Scan(ctx context.Context, target models.ScanTarget) (models.Section, error) {
	resp, err := s.client.Get(ctx, target.URL("/"), headerBodyLimit)
	if err != nil {
		if ctx.Err() != nil {
			return s.Empty(), ctx.Err()
		}
		return s.Empty(), fmt.Errorf("header scan of %s: %w", target, err)
	}

	section := &models.HeaderSection{
		StatusCode:      resp.StatusCode,
		Headers:         flattenHeaders(resp.Header),
		SecurityHeaders: EvaluateSecurityHeaders(resp.Header),
	}
	for _, raw := range resp.Header.Values("Set-Cookie") {
		if c, ok := ParseSetCookie(raw); ok {
			section.Cookies = append(section.Cookies, c)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"target":  target.String(),
		"status":  resp.StatusCode,
		"missing": len(section.SecurityHeaders.Missing),
		"cookies": len(section.Cookies),
	}).Debug("header scan finished")
	return section, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 || strings.EqualFold(k, "Set-Cookie") {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = strings.Join(v, ", ")
	}
	return out
}

// EvaluateSecurityHeaders classifies every rule header as present, weak or missing.
func EvaluateSecurityHeaders(h http.Header) models.SecurityHeaderReport {
	report := models.SecurityHeaderReport{
		Present: []models.HeaderCheck{},
		Weak:    []models.HeaderCheck{},
		Missing: []string{},
	}
	for _, rule := range SecurityHeaderRules {
		value := strings.TrimSpace(h.Get(rule.Name))
		if value == "" {
			report.Missing = append(report.Missing, rule.Name)
			continue
		}
		if ok, reason := rule.Check(value); !ok {
			report.Weak = append(report.Weak, models.HeaderCheck{Name: rule.Name, Value: value, Reason: reason})
			continue
		}
		report.Present = append(report.Present, models.HeaderCheck{Name: rule.Name, Value: value})
	}
	return report
}

func checkHSTS(v string) (bool, string) {
	for _, d := range strings.Split(v, ";") {
		d = strings.TrimSpace(d)
		if !strings.HasPrefix(strings.ToLower(d), "max-age") {
			continue
		}
		_, raw, found := strings.Cut(d, "=")
		if !found {
			return false, "max-age has no value"
		}
		age, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(raw), `"`), 10, 64)
		if err != nil {
			return false, "max-age is not a number"
		}
		if age <= 0 {
			return false, "max-age=0 disables HSTS"
		}
		return true, ""
	}
	return false, "max-age directive missing"
}

func checkCSP(v string) (bool, string) {
	for _, d := range strings.Split(v, ";") {
		fields := strings.Fields(strings.ToLower(d))
		if len(fields) == 0 {
			continue
		}
		if fields[0] != "script-src" && fields[0] != "default-src" {
			continue
		}
		for _, src := range fields[1:] {
			if src == "'unsafe-inline'" {
				return false, fields[0] + " allows 'unsafe-inline'"
			}
		}
	}
	return true, ""
}

func checkFrameOptions(v string) (bool, string) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "DENY", "SAMEORIGIN":
		return true, ""
	}
	return false, "expected DENY or SAMEORIGIN"
}

func checkContentTypeOptions(v string) (bool, string) {
	if strings.EqualFold(strings.TrimSpace(v), "nosniff") {
		return true, ""
	}
	return false, "expected nosniff"
}

func checkReferrerPolicy(v string) (bool, string) {
	for _, p := range strings.Split(v, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "unsafe-url", "no-referrer-when-downgrade":
			return false, "policy leaks full URLs to third parties"
		}
	}
	return true, ""
}

func checkNonEmpty(v string) (bool, string) {
	if strings.TrimSpace(v) == "" {
		return false, "empty value"
	}
	return true, ""
}

func checkXSSProtection(v string) (bool, string) {
	n := strings.ToLower(strings.Join(strings.Fields(v), ""))
	if n == "0" || strings.HasPrefix(n, "1;mode=block") {
		return true, ""
	}
	return false, "expected 0 or 1; mode=block"
}

