package scanners

import (
	"crypto/x509"
	"fmt"

	"github.com/bl4ck0w1/lynxscan/internal/probe"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/sirupsen/logrus"
)

type Dependencies struct {
	Resolver AddressResolver
	Metrics  *utils.MetricsCollector
	Logger   *logrus.Logger
	// DialFunc replaces the TCP dialer of every prober.
	DialFunc probe.DialFunc
	// Roots replaces the system pool used to verify certificate chains.
	Roots *x509.CertPool
}

// NewDefaultScanners builds the scanners enabled in cfg, in registration order.
func NewDefaultScanners(cfg *models.Config, deps Dependencies) ([]Scanner, error) {
	if deps.Resolver == nil {
		return nil, fmt.Errorf("scanners: an address resolver is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	ua := cfg.Global.UserAgent
	sc := cfg.Scanners

	newProber := func(c probe.Config) *probe.Prober {
		opts := []probe.Option{probe.WithMetrics(deps.Metrics)}
		if deps.DialFunc != nil {
			opts = append(opts, probe.WithDialFunc(deps.DialFunc))
		}
		return probe.NewProber(c, logger, opts...)
	}

	var out []Scanner
	for _, name := range models.DefaultScanners {
		if !cfg.IsScannerEnabled(name) {
			continue
		}
		switch name {
		case NameHeaders:
			out = append(out, NewHeaderScanner(NewHTTPClient(sc.Headers.Timeout, DefaultMaxRedirects, ua, logger), logger))
		case NameSSL:
			hello, err := ClientHelloByName(sc.SSL.ClientHello)
			if err != nil {
				return nil, err
			}
			prober := newProber(probe.Config{ConnectTimeout: sc.SSL.ConnectTimeout, MaxParallel: len(sc.SSL.Ports)})
			out = append(out, NewSSLScanner(prober, SSLConfig{
				Ports:            sc.SSL.Ports,
				HandshakeTimeout: sc.SSL.ConnectTimeout,
				OCSPTimeout:      sc.SSL.OCSPTimeout,
				ClientHello:      hello,
				Roots:            deps.Roots,
			}, logger))
		case NamePorts:
			prober := newProber(probe.Config{
				ConnectTimeout: sc.Ports.ConnectTimeout,
				ReadTimeout:    sc.Ports.ReadTimeout,
				MaxParallel:    sc.Ports.MaxParallel,
				GrabBanner:     true,
			})
			out = append(out, NewPortScanner(prober, deps.Resolver, sc.Ports.Ports, logger))
		case NameRedirect:
			prober := newProber(probe.Config{
				ConnectTimeout: sc.Redirect.ConnectTimeout,
				ReadTimeout:    sc.Redirect.ReadTimeout,
				MaxParallel:    sc.Redirect.MaxParallel,
			})
			port := DefaultRedirectPort
			if len(sc.Redirect.Ports) > 0 {
				port = sc.Redirect.Ports[0]
			}
			out = append(out, NewRedirectScanner(prober, deps.Resolver, port, ua, logger))
		case NamePaths:
			out = append(out, NewSensitivePathScanner(NewHTTPClient(sc.Paths.Timeout, -1, ua, logger), PathsConfig{
				MaxParallel:       sc.Paths.MaxParallel,
				RequestsPerSecond: float64(sc.Paths.RequestsPerSecond),
			}, logger))
		case NameRobots:
			out = append(out, NewRobotsScanner(NewHTTPClient(sc.Robots.Timeout, DefaultMaxRedirects, ua, logger), logger))
		}
	}
	return out, nil
}
