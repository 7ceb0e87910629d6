package models

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	NamespaceStatusCode      = "statusCodeHttpRequest"
	NamespaceHeaders         = "headers"
	NamespaceSecurityHeaders = "securityHeaders"
	NamespaceCookies         = "cookies"
	NamespacePorts           = "resultsPortScanner"
	NamespaceSSL             = "resultsSslScanner"
	NamespaceRedirect        = "resultsHttpRedirectScanner"
	NamespaceSensitivePaths  = "sensitivePathScanner"
	NamespaceRobots          = "robotsScanner"
)

// Section is the typed output of a single scanner. A section owns the namespaces
// it lists and only ever writes to those when merged.
type Section interface {
	Namespaces() []string
	MergeInto(r *AggregateScanReport)
}

type HeaderCheck struct {
	Name   string `json:"name"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type SecurityHeaderReport struct {
	Present []HeaderCheck `json:"present"`
	Weak    []HeaderCheck `json:"weak"`
	Missing []string      `json:"missing"`
}

// CookieReport describes one Set-Cookie header. Value holds only a masked prefix of
// the cookie value; ValueLength is the length of the unmasked value.
type CookieReport struct {
	Name        string   `json:"name"`
	Value       string   `json:"value,omitempty"`
	ValueLength int      `json:"value_length"`
	Secure      bool     `json:"secure"`
	HttpOnly    bool     `json:"http_only"`
	SameSite    string   `json:"same_site,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	Path        string   `json:"path,omitempty"`
	Prefix      string   `json:"prefix,omitempty"`
	Risk        Severity `json:"risk"`
	Issues      []string `json:"issues,omitempty"`
}

type PortResult struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Open    bool   `json:"open"`
	Banner  string `json:"banner,omitempty"`
	Service string `json:"service,omitempty"`
}

type SSLResult struct {
	Port               int       `json:"port"`
	Reachable          bool      `json:"reachable"`
	Subject            string    `json:"subject,omitempty"`
	Issuer             string    `json:"issuer,omitempty"`
	DNSNames           []string  `json:"dns_names,omitempty"`
	ValidFrom          time.Time `json:"valid_from,omitempty"`
	ValidTo            time.Time `json:"valid_to,omitempty"`
	Expired            bool      `json:"expired"`
	DaysToExpire       int       `json:"days_to_expire"`
	SignatureAlgorithm string    `json:"signature_algorithm,omitempty"`
	WeakSignature      bool      `json:"weak_signature"`
	PublicKeyAlgorithm string    `json:"public_key_algorithm,omitempty"`
	PublicKeyBits      int       `json:"public_key_bits,omitempty"`
	WeakKey            bool      `json:"weak_key"`
	TLSVersion         string    `json:"tls_version,omitempty"`
	CipherSuite        string    `json:"cipher_suite,omitempty"`
	ChainValid         bool      `json:"chain_valid"`
	ChainError         string    `json:"chain_error,omitempty"`
	RevocationStatus   string    `json:"revocation_status,omitempty"`
	Error              string    `json:"error,omitempty"`
}

type RedirectResult struct {
	IP               string   `json:"ip"`
	Reachable        bool     `json:"reachable"`
	StatusCode       int      `json:"status_code,omitempty"`
	Location         string   `json:"location,omitempty"`
	RedirectsToHTTPS bool     `json:"redirects_to_https"`
	Severity         Severity `json:"severity,omitempty"`
	Message          string   `json:"message,omitempty"`
}

type PathResult struct {
	Path       string   `json:"path"`
	Category   string   `json:"category"`
	Method     string   `json:"method"`
	StatusCode int      `json:"status_code"`
	Severity   Severity `json:"severity"`
	Evidence   string   `json:"evidence,omitempty"`
}

type SensitivePathReport struct {
	Results []PathResult `json:"results"`
	Checked int          `json:"checked"`
}

type RobotsAlert struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
}

type RobotsReport struct {
	RobotsFound  bool          `json:"robots_found"`
	SitemapFound bool          `json:"sitemap_found"`
	SitemapURL   string        `json:"sitemap_url"`
	Alerts       []RobotsAlert `json:"alerts"`
}

// AggregateScanReport is the merged output of one scan run.
type AggregateScanReport struct {
	Target    string
	Timestamp time.Time

	StatusCode      int
	Headers         map[string]string
	SecurityHeaders SecurityHeaderReport
	Cookies         []CookieReport
	Ports           []PortResult
	SSL             []SSLResult
	Redirects       []RedirectResult
	SensitivePaths  SensitivePathReport
	Robots          RobotsReport

	present map[string]bool
}

func NewAggregateScanReport(target string, ts time.Time) *AggregateScanReport {
	return &AggregateScanReport{
		Target:    target,
		Timestamp: ts,
		Headers:   make(map[string]string),
		present:   make(map[string]bool),
	}
}

func (r *AggregateScanReport) markPresent(namespaces ...string) {
	if r.present == nil {
		r.present = make(map[string]bool)
	}
	for _, ns := range namespaces {
		r.present[ns] = true
	}
}

// Merge applies a section with union semantics: slices are concatenated, maps are
// merged key by key and, for scalars, the first non-zero value is kept.
func (r *AggregateScanReport) Merge(s Section) {
	if s == nil {
		return
	}
	s.MergeInto(r)
	r.markPresent(s.Namespaces()...)
}

func (r *AggregateScanReport) Has(namespace string) bool {
	return r.present[namespace]
}

func (r *AggregateScanReport) Namespaces() []string {
	out := make([]string, 0, len(r.present))
	for ns := range r.present {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

func (r *AggregateScanReport) MarshalJSON() ([]byte, error) {
	doc := map[string]interface{}{
		"target":    r.Target,
		"timestamp": r.Timestamp,
	}
	for ns := range r.present {
		switch ns {
		case NamespaceStatusCode:
			doc[ns] = r.StatusCode
		case NamespaceHeaders:
			doc[ns] = nonNilMap(r.Headers)
		case NamespaceSecurityHeaders:
			sh := r.SecurityHeaders
			if sh.Present == nil {
				sh.Present = []HeaderCheck{}
			}
			if sh.Weak == nil {
				sh.Weak = []HeaderCheck{}
			}
			if sh.Missing == nil {
				sh.Missing = []string{}
			}
			doc[ns] = sh
		case NamespaceCookies:
			doc[ns] = nonNilSlice(r.Cookies)
		case NamespacePorts:
			doc[ns] = nonNilSlice(r.Ports)
		case NamespaceSSL:
			doc[ns] = nonNilSlice(r.SSL)
		case NamespaceRedirect:
			doc[ns] = nonNilSlice(r.Redirects)
		case NamespaceSensitivePaths:
			sp := r.SensitivePaths
			sp.Results = nonNilSlice(sp.Results)
			doc[ns] = sp
		case NamespaceRobots:
			rb := r.Robots
			rb.Alerts = nonNilSlice(rb.Alerts)
			doc[ns] = rb
		}
	}
	return json.Marshal(doc)
}

// Clone returns a deep copy so post-processing never mutates the aggregated report.
func (r *AggregateScanReport) Clone() *AggregateScanReport {
	c := *r
	c.Headers = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		c.Headers[k] = v
	}
	c.SecurityHeaders = SecurityHeaderReport{
		Present: append([]HeaderCheck(nil), r.SecurityHeaders.Present...),
		Weak:    append([]HeaderCheck(nil), r.SecurityHeaders.Weak...),
		Missing: append([]string(nil), r.SecurityHeaders.Missing...),
	}
	c.Cookies = make([]CookieReport, len(r.Cookies))
	for i, ck := range r.Cookies {
		ck.Issues = append([]string(nil), ck.Issues...)
		c.Cookies[i] = ck
	}
	c.Ports = append([]PortResult(nil), r.Ports...)
	c.SSL = make([]SSLResult, len(r.SSL))
	for i, s := range r.SSL {
		s.DNSNames = append([]string(nil), s.DNSNames...)
		c.SSL[i] = s
	}
	c.Redirects = append([]RedirectResult(nil), r.Redirects...)
	c.SensitivePaths.Results = append([]PathResult(nil), r.SensitivePaths.Results...)
	c.Robots.Alerts = append([]RobotsAlert(nil), r.Robots.Alerts...)
	c.present = make(map[string]bool, len(r.present))
	for k, v := range r.present {
		c.present[k] = v
	}
	return &c
}

// MapStrings rewrites every free-text field of the report in place.
func (r *AggregateScanReport) MapStrings(fn func(string) string) {
	r.Target = fn(r.Target)

	headers := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		headers[fn(k)] = fn(v)
	}
	r.Headers = headers

	mapChecks := func(checks []HeaderCheck) {
		for i := range checks {
			checks[i].Name = fn(checks[i].Name)
			checks[i].Value = fn(checks[i].Value)
			checks[i].Reason = fn(checks[i].Reason)
		}
	}
	mapChecks(r.SecurityHeaders.Present)
	mapChecks(r.SecurityHeaders.Weak)
	for i := range r.SecurityHeaders.Missing {
		r.SecurityHeaders.Missing[i] = fn(r.SecurityHeaders.Missing[i])
	}

	for i := range r.Cookies {
		c := &r.Cookies[i]
		c.Name, c.SameSite, c.Domain, c.Path, c.Prefix = fn(c.Name), fn(c.SameSite), fn(c.Domain), fn(c.Path), fn(c.Prefix)
		for j := range c.Issues {
			c.Issues[j] = fn(c.Issues[j])
		}
	}
	for i := range r.Ports {
		p := &r.Ports[i]
		p.IP, p.Banner, p.Service = fn(p.IP), fn(p.Banner), fn(p.Service)
	}
	for i := range r.SSL {
		s := &r.SSL[i]
		s.Subject, s.Issuer = fn(s.Subject), fn(s.Issuer)
		s.SignatureAlgorithm, s.PublicKeyAlgorithm = fn(s.SignatureAlgorithm), fn(s.PublicKeyAlgorithm)
		s.TLSVersion, s.CipherSuite = fn(s.TLSVersion), fn(s.CipherSuite)
		s.ChainError, s.RevocationStatus, s.Error = fn(s.ChainError), fn(s.RevocationStatus), fn(s.Error)
		for j := range s.DNSNames {
			s.DNSNames[j] = fn(s.DNSNames[j])
		}
	}
	for i := range r.Redirects {
		d := &r.Redirects[i]
		d.IP, d.Location, d.Message = fn(d.IP), fn(d.Location), fn(d.Message)
	}
	for i := range r.SensitivePaths.Results {
		p := &r.SensitivePaths.Results[i]
		p.Path, p.Category, p.Method, p.Evidence = fn(p.Path), fn(p.Category), fn(p.Method), fn(p.Evidence)
	}
	r.Robots.SitemapURL = fn(r.Robots.SitemapURL)
	for i := range r.Robots.Alerts {
		a := &r.Robots.Alerts[i]
		a.Rule, a.Message = fn(a.Rule), fn(a.Message)
	}
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

type HeaderSection struct {
	StatusCode      int
	Headers         map[string]string
	SecurityHeaders SecurityHeaderReport
	Cookies         []CookieReport
}

func (s *HeaderSection) Namespaces() []string {
	return []string{NamespaceStatusCode, NamespaceHeaders, NamespaceSecurityHeaders, NamespaceCookies}
}

func (s *HeaderSection) MergeInto(r *AggregateScanReport) {
	if r.StatusCode == 0 {
		r.StatusCode = s.StatusCode
	}
	if r.Headers == nil {
		r.Headers = make(map[string]string, len(s.Headers))
	}
	for k, v := range s.Headers {
		if _, exists := r.Headers[k]; !exists {
			r.Headers[k] = v
		}
	}
	r.SecurityHeaders.Present = append(r.SecurityHeaders.Present, s.SecurityHeaders.Present...)
	r.SecurityHeaders.Weak = append(r.SecurityHeaders.Weak, s.SecurityHeaders.Weak...)
	r.SecurityHeaders.Missing = append(r.SecurityHeaders.Missing, s.SecurityHeaders.Missing...)
	r.Cookies = append(r.Cookies, s.Cookies...)
}

type PortSection struct {
	Results []PortResult
}

func (s *PortSection) Namespaces() []string { return []string{NamespacePorts} }

func (s *PortSection) MergeInto(r *AggregateScanReport) {
	r.Ports = append(r.Ports, s.Results...)
}

type SSLSection struct {
	Results []SSLResult
}

func (s *SSLSection) Namespaces() []string { return []string{NamespaceSSL} }

func (s *SSLSection) MergeInto(r *AggregateScanReport) {
	r.SSL = append(r.SSL, s.Results...)
}

type RedirectSection struct {
	Results []RedirectResult
}

func (s *RedirectSection) Namespaces() []string { return []string{NamespaceRedirect} }

func (s *RedirectSection) MergeInto(r *AggregateScanReport) {
	r.Redirects = append(r.Redirects, s.Results...)
}

type SensitivePathSection struct {
	Report SensitivePathReport
}

func (s *SensitivePathSection) Namespaces() []string { return []string{NamespaceSensitivePaths} }

func (s *SensitivePathSection) MergeInto(r *AggregateScanReport) {
	r.SensitivePaths.Results = append(r.SensitivePaths.Results, s.Report.Results...)
	if r.SensitivePaths.Checked == 0 {
		r.SensitivePaths.Checked = s.Report.Checked
	}
}

type RobotsSection struct {
	Report RobotsReport
}

func (s *RobotsSection) Namespaces() []string { return []string{NamespaceRobots} }

func (s *RobotsSection) MergeInto(r *AggregateScanReport) {
	r.Robots.RobotsFound = r.Robots.RobotsFound || s.Report.RobotsFound
	r.Robots.SitemapFound = r.Robots.SitemapFound || s.Report.SitemapFound
	if r.Robots.SitemapURL == "" {
		r.Robots.SitemapURL = s.Report.SitemapURL
	}
	r.Robots.Alerts = append(r.Robots.Alerts, s.Report.Alerts...)
}
