package scanners

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxRedirects = 5
	DefaultUserAgent    = "Mozilla/5.0 (compatible; LynxScan/1.0)"
)

type HTTPResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Truncated  bool
}

// HTTPClient issues requests against scan targets. Certificates are never verified:
// the TLS scanner reports on them separately.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	logger    *logrus.Logger
}

// NewHTTPClient builds a client that follows at most maxRedirects redirects. A
// negative maxRedirects disables redirect following.
func NewHTTPClient(timeout time.Duration, maxRedirects int, userAgent string, logger *logrus.Logger) *HTTPClient {
	if logger == nil {
		logger = logrus.New()
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if maxRedirects < 0 {
				return http.ErrUseLastResponse
			}
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	return &HTTPClient{client: client, userAgent: userAgent, logger: logger}
}

// Fetch performs a request and reads at most limit bytes of the body. A limit of
// zero skips the body entirely.
func (c *HTTPClient) Fetch(ctx context.Context, method, url string, limit int64) (*HTTPResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	out := &HTTPResponse{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}
	if limit > 0 && method != http.MethodHead {
		body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil && len(body) == 0 {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		if int64(len(body)) > limit {
			body = body[:limit]
			out.Truncated = true
		}
		out.Body = body
	}
	return out, nil
}

func (c *HTTPClient) Get(ctx context.Context, url string, limit int64) (*HTTPResponse, error) {
	return c.Fetch(ctx, http.MethodGet, url, limit)
}

func (c *HTTPClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}
