// Package sanitize prepares scan output for storage and for the summarizer.
package sanitize

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"golang.org/x/text/unicode/norm"
)

// nulForms are the encodings of NUL that survive URL and HTML round trips. The
// backslash escapes are handled by stripEscapedNUL.
var nulForms = []string{
	"\x00",
	"%00",
	"&#0;",
	"&#x0;",
	"&#00;",
	"&#x00;",
}

// escapedNULs are removed only where their backslash starts an escape, so an
// escaped backslash followed by the same text (`\\u0000`) is left intact.
var escapedNULs = []string{`\u0000`, `\x00`}

func stripEscapedNUL(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			i++
			continue
		}
		skipped := false
		for _, form := range escapedNULs {
			if strings.HasPrefix(s[i:], form) {
				i += len(form)
				skipped = true
				break
			}
		}
		if skipped {
			continue
		}
		end := i + 2
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
		i = end
	}
	return b.String()
}

// String removes invalid UTF-8, every encoded NUL and the C0 controls other
// than tab, LF and CR (plus DEL), then applies NFC. String is idempotent.
func String(s string) string {
	if s == "" {
		return s
	}
	for {
		next := pass(s)
		if next == s {
			return s
		}
		s = next
	}
}

func pass(s string) string {
	s = strings.ToValidUTF8(s, "")
	for {
		before := s
		s = stripEscapedNUL(s)
		for _, form := range nulForms {
			s = strings.ReplaceAll(s, form, "")
		}
		if s == before {
			break
		}
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
	return norm.NFC.String(s)
}

// Bytes sanitizes a raw document such as a summarizer response.
func Bytes(b []byte) []byte {
	if utf8.Valid(b) && !needsWork(b) {
		return b
	}
	return []byte(String(string(b)))
}

func needsWork(b []byte) bool {
	for _, c := range b {
		if (c < 0x20 && c != '\t' && c != '\n' && c != '\r') || c == 0x7f || c >= 0x80 || c == '\\' || c == '%' || c == '&' {
			return true
		}
	}
	return false
}

// NormalizeReport returns a sanitized deep copy of r. The timestamp becomes UTC
// with second precision, header names take canonical MIME case and enumerated
// values take their canonical spelling.
func NormalizeReport(r *models.AggregateScanReport) *models.AggregateScanReport {
	out := r.Clone()
	out.MapStrings(String)
	out.Timestamp = out.Timestamp.UTC().Truncate(time.Second)

	headers := make(map[string]string, len(out.Headers))
	for k, v := range out.Headers {
		ck := http.CanonicalHeaderKey(k)
		if _, exists := headers[ck]; exists {
			continue
		}
		headers[ck] = v
	}
	out.Headers = headers

	for i := range out.Cookies {
		out.Cookies[i].SameSite = canonicalSameSite(out.Cookies[i].SameSite)
	}
	for i := range out.Ports {
		out.Ports[i].Service = strings.ToLower(strings.TrimSpace(out.Ports[i].Service))
	}
	for i := range out.SSL {
		out.SSL[i].ValidFrom = out.SSL[i].ValidFrom.UTC().Truncate(time.Second)
		out.SSL[i].ValidTo = out.SSL[i].ValidTo.UTC().Truncate(time.Second)
	}
	return out
}

func canonicalSameSite(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return "Strict"
	case "lax":
		return "Lax"
	case "none":
		return "None"
	}
	return v
}
