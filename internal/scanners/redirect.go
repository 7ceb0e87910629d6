package scanners

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bl4ck0w1/lynxscan/internal/probe"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultRedirectPort = 80

type RedirectScanner struct {
	prober    *probe.Prober
	resolver  AddressResolver
	port      int
	userAgent string
	logger    *logrus.Logger
}

func NewRedirectScanner(prober *probe.Prober, resolver AddressResolver, port int, userAgent string, logger *logrus.Logger) *RedirectScanner {
	if logger == nil {
		logger = logrus.New()
	}
	if port <= 0 {
		port = DefaultRedirectPort
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &RedirectScanner{prober: prober, resolver: resolver, port: port, userAgent: userAgent, logger: logger}
}

func (s *RedirectScanner) Name() string { return NameRedirect }

func (s *RedirectScanner) Empty() models.Section { return &models.RedirectSection{} }

func (s *RedirectScanner) Scan(ctx context.Context, target models.ScanTarget) (models.Section, error) {
	addrs, err := resolveIPv4(ctx, s.resolver, target.Host)
	if err != nil {
		return s.Empty(), fmt.Errorf("resolving %s: %w", target.Host, err)
	}

	request := []byte("GET / HTTP/1.1\r\nHost: " + target.Host + "\r\nUser-Agent: " + s.userAgent +
		"\r\nAccept: */*\r\nConnection: close\r\n\r\n")

	results := make(chan models.RedirectResult)
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			res := models.RedirectResult{IP: addr}
			raw, err := s.prober.Exchange(gctx, addr, s.port, request)
			switch {
			case gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				res.Message = err.Error()
			default:
				res = ClassifyRedirect(addr, raw)
			}
			select {
			case results <- res:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	var waitErr error
	go func() {
		waitErr = g.Wait()
		close(results)
	}()

	section := &models.RedirectSection{}
	for res := range results {
		section.Results = append(section.Results, res)
	}
	sort.Slice(section.Results, func(i, j int) bool { return section.Results[i].IP < section.Results[j].IP })

	s.logger.WithFields(logrus.Fields{"target": target.Host, "addresses": len(addrs)}).Debug("redirect scan finished")
	return section, waitErr
}

// ClassifyRedirect rates the raw response an address gave to a plain HTTP request.
func ClassifyRedirect(addr string, raw []byte) models.RedirectResult {
	res := models.RedirectResult{IP: addr, Reachable: true}
	status, location, ok := parseHTTPHead(string(raw))
	if !ok {
		res.Severity = models.SeverityMedium
		res.Message = "unrecognized response on plain HTTP"
		return res
	}
	res.StatusCode = status
	res.Location = location

	lower := strings.ToLower(location)
	switch {
	case status >= 300 && status < 400 && strings.HasPrefix(lower, "https://"):
		res.RedirectsToHTTPS = true
		res.Severity = models.SeverityInformational
		res.Message = "plain HTTP redirects to HTTPS"
	case status >= 300 && status < 400 && location != "":
		res.Severity = models.SeverityHigh
		res.Message = "plain HTTP redirects to another plain HTTP location"
	case status == 400:
		res.Severity = models.SeverityLow
		res.Message = "plain HTTP request rejected with 400"
	default:
		res.Severity = models.SeverityMedium
		res.Message = "content served over plain HTTP without redirect"
	}
	return res
}

func parseHTTPHead(raw string) (status int, location string, ok bool) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")
	parts := strings.Fields(lines[0])
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, "", false
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil || status < 100 || status > 599 {
		return 0, "", false
	}
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if found && strings.EqualFold(strings.TrimSpace(name), "Location") {
			location = strings.TrimSpace(value)
			break
		}
	}
	return status, location, true
}
