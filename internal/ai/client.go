package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/sirupsen/logrus"
)

const (
	maxResponseSize = 1 << 20
	retryDelay      = time.Second
)

var ErrNotConfigured = errors.New("summarizer endpoint is not configured")

// SystemPrompt fixes the answer shape the parser expects.
const SystemPrompt = `You are a security analyst. You receive the JSON report of an external reconnaissance scan.
Answer with a single JSON object and nothing else, using exactly these keys:
{"resumo": string, "achados": [{"descricao": string, "categoria": string, "risco": "Crítico|Alto|Médio|Baixo|Informativo", "evidencia": string, "recomendacao": string}],
 "tecnologias": [{"nome_tecnologia": string, "versao": string, "categoria_tecnologia": string, "descricao_tecnologia": string}]}
Write the text fields in Portuguese. Base every finding on evidence present in the report.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model,omitempty"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	maxRetries int
	retryDelay time.Duration
	http       *http.Client
	logger     *logrus.Logger
	metrics    *utils.MetricsCollector
}

func NewClient(cfg models.AIConfig, metrics *utils.MetricsCollector, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
		http:       &http.Client{Timeout: timeout},
		logger:     logger,
		metrics:    metrics,
	}
}

// Summarize sends the report and returns the raw answer content. Parsing is left
// to the caller so the answer can be sanitized first.
func (c *Client) Summarize(ctx context.Context, report []byte) ([]byte, error) {
	if c.endpoint == "" {
		return nil, ErrNotConfigured
	}
	start := time.Now()
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: string(report)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding summarizer request: %w", err)
	}

	var content []byte
	err = utils.RetryWithContext(ctx, c.maxRetries+1, c.retryDelay, func() error {
		var callErr error
		content, callErr = c.call(ctx, payload)
		if callErr != nil {
			c.logger.Debugf("summarizer call failed: %v", callErr)
		}
		return callErr
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.ObserveDuration(utils.MetricSummarizerDuration, start, map[string]string{"outcome": outcome})
	if err != nil {
		return nil, fmt.Errorf("summarizer: %w", err)
	}
	return content, nil
}

func (c *Client) call(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, utils.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("summarizer returned %s", resp.Status)
	case resp.StatusCode >= 400:
		return nil, utils.Permanent(fmt.Errorf("summarizer returned %s: %s", resp.Status, utils.Truncate(string(body), 200)))
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err == nil && len(chat.Choices) > 0 {
		return []byte(chat.Choices[0].Message.Content), nil
	}
	// Plain endpoints answer with the document itself.
	return body, nil
}
