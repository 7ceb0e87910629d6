package scanners

import (
	"strings"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
)

const (
	prefixSecure = "__Secure-"
	prefixHost   = "__Host-"
)

// ParseSetCookie parses one Set-Cookie header value and rates it. ok is false when
// the value carries no cookie name.
func ParseSetCookie(raw string) (models.CookieReport, bool) {
	parts := strings.Split(raw, ";")
	name, value, _ := strings.Cut(parts[0], "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return models.CookieReport{}, false
	}
	value = strings.Trim(strings.TrimSpace(value), `"`)

	c := models.CookieReport{Name: name, Value: MaskCookieValue(value), ValueLength: len(value)}
	sameSiteSet := false
	for _, attr := range parts[1:] {
		key, value, _ := strings.Cut(strings.TrimSpace(attr), "=")
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "secure":
			c.Secure = true
		case "httponly":
			c.HttpOnly = true
		case "samesite":
			sameSiteSet = true
			c.SameSite = CanonicalSameSite(value)
		case "domain":
			c.Domain = value
		case "path":
			c.Path = value
		}
	}

	switch {
	case strings.HasPrefix(name, prefixHost):
		c.Prefix = prefixHost
	case strings.HasPrefix(name, prefixSecure):
		c.Prefix = prefixSecure
	}

	c.Issues = cookieIssues(c, sameSiteSet)
	c.Risk = CookieRisk(c)
	if len(prefixIssues(c)) > 0 {
		c.Risk = models.MaxSeverity(c.Risk, models.SeverityLow)
	}
	return c, true
}

// MaskCookieValue keeps at most the first four bytes of values longer than eight
// and masks the rest. Shorter values are fully masked.
func MaskCookieValue(v string) string {
	switch {
	case v == "":
		return ""
	case len(v) <= 8:
		return strings.Repeat("*", len(v))
	default:
		return v[:4] + strings.Repeat("*", len(v)-4)
	}
}

// CookieRisk rates a cookie on its flags alone.
func CookieRisk(c models.CookieReport) models.Severity {
	switch {
	case !c.HttpOnly && !c.Secure:
		return models.SeverityCritical
	case !c.HttpOnly:
		return models.SeverityHigh
	case !c.Secure:
		return models.SeverityMedium
	case c.SameSite == "" || c.SameSite == "None":
		return models.SeverityLow
	default:
		return models.SeverityInformational
	}
}

// CanonicalSameSite maps a SameSite attribute to Strict, Lax or None. Unknown values
// are returned unchanged.
func CanonicalSameSite(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return "Strict"
	case "lax":
		return "Lax"
	case "none":
		return "None"
	}
	return strings.TrimSpace(v)
}

func cookieIssues(c models.CookieReport, sameSiteSet bool) []string {
	var issues []string
	if !c.HttpOnly {
		issues = append(issues, "missing HttpOnly flag")
	}
	if !c.Secure {
		issues = append(issues, "missing Secure flag")
	}
	switch {
	case !sameSiteSet || c.SameSite == "":
		issues = append(issues, "SameSite attribute not set")
	case c.SameSite == "None":
		issues = append(issues, "SameSite=None allows cross-site sending")
	}
	return append(issues, prefixIssues(c)...)
}

func prefixIssues(c models.CookieReport) []string {
	var issues []string
	switch c.Prefix {
	case prefixSecure:
		if !c.Secure {
			issues = append(issues, "__Secure- prefix requires the Secure flag")
		}
	case prefixHost:
		if !c.Secure {
			issues = append(issues, "__Host- prefix requires the Secure flag")
		}
		if c.Domain != "" {
			issues = append(issues, "__Host- prefix forbids a Domain attribute")
		}
		if c.Path != "/" {
			issues = append(issues, "__Host- prefix requires Path=/")
		}
	}
	return issues
}
