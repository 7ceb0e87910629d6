package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
)

var (
	ErrMissingSummary  = errors.New("summarizer response has no resumo")
	ErrInvalidResponse = errors.New("summarizer response is not a JSON object")
)

// Response is a parsed summarizer answer. Findings and technologies are not yet
// bound to a scan history.
type Response struct {
	Summary      string
	Findings     []models.Finding
	Technologies []models.Technology
	// Raw is the JSON document the fields were parsed from.
	Raw string
	// Skipped counts array entries that could not be decoded.
	Skipped int
}

type document struct {
	Summary      *text           `json:"resumo"`
	Findings     json.RawMessage `json:"achados"`
	Technologies json.RawMessage `json:"tecnologias"`
}

type finding struct {
	Description    text `json:"descricao"`
	Category       text `json:"categoria"`
	Risk           text `json:"risco"`
	Evidence       text `json:"evidencia"`
	Recommendation text `json:"recomendacao"`
}

type technology struct {
	Name        text `json:"nome_tecnologia"`
	Version     text `json:"versao"`
	Category    text `json:"categoria_tecnologia"`
	Description text `json:"descricao_tecnologia"`
}

// text accepts JSON strings, numbers, booleans and null.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
	case bytes.Equal(b, []byte("true")) || bytes.Equal(b, []byte("false")):
		*t = text(b)
	default:
		if _, err := strconv.ParseFloat(string(b), 64); err != nil {
			return fmt.Errorf("expected a scalar, got %s", b)
		}
		*t = text(b)
	}
	return nil
}

func (t text) String() string { return strings.TrimSpace(string(t)) }

// Parse decodes a summarizer answer. A missing or empty resumo is an error;
// malformed achados or tecnologias entries are skipped.
func Parse(raw []byte) (*Response, error) {
	body := extractJSON(raw)
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if doc.Summary == nil || doc.Summary.String() == "" {
		return nil, ErrMissingSummary
	}

	resp := &Response{Summary: doc.Summary.String(), Raw: string(body)}

	for _, item := range decodeArray(doc.Findings, &resp.Skipped) {
		var f finding
		if err := json.Unmarshal(item, &f); err != nil {
			resp.Skipped++
			continue
		}
		sev, _ := models.ParseSeverity(f.Risk.String())
		category := f.Category.String()
		if category == "" {
			category = "general"
		}
		resp.Findings = append(resp.Findings, models.Finding{
			Type:           category,
			Description:    f.Description.String(),
			Severity:       sev,
			Evidence:       f.Evidence.String(),
			Recommendation: f.Recommendation.String(),
		})
	}

	for _, item := range decodeArray(doc.Technologies, &resp.Skipped) {
		var t technology
		if err := json.Unmarshal(item, &t); err != nil || t.Name.String() == "" {
			resp.Skipped++
			continue
		}
		resp.Technologies = append(resp.Technologies, models.Technology{
			Name:        t.Name.String(),
			Version:     NormalizeVersion(t.Version.String()),
			Category:    t.Category.String(),
			Description: t.Description.String(),
		})
	}
	return resp, nil
}

func decodeArray(raw json.RawMessage, skipped *int) []json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		*skipped++
		return nil
	}
	return items
}

// extractJSON strips markdown fences and any prose around the outermost object.
func extractJSON(raw []byte) []byte {
	s := bytes.TrimSpace(raw)
	if bytes.HasPrefix(s, []byte("```")) {
		if nl := bytes.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = bytes.TrimSuffix(bytes.TrimSpace(s), []byte("```"))
	}
	start := bytes.IndexByte(s, '{')
	end := bytes.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

var versionToken = regexp.MustCompile(`v?\d+(?:\.\d+){0,3}(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?`)

// NormalizeVersion pulls a version number out of free text such as "nginx/1.25.3"
// or "v8.2". Text without a parseable version is returned trimmed.
func NormalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "unknown", "desconhecida", "desconhecido", "n/a", "null", "-":
		return ""
	}
	token := versionToken.FindString(v)
	if token == "" {
		return v
	}
	if _, err := semver.NewVersion(token); err != nil {
		return v
	}
	return strings.TrimPrefix(token, "v")
}
