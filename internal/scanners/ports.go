package scanners

import (
	"context"
	"fmt"
	"sort"

	"github.com/bl4ck0w1/lynxscan/internal/probe"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type PortScanner struct {
	prober   *probe.Prober
	resolver AddressResolver
	ports    []int
	logger   *logrus.Logger
}

// NewPortScanner probes ports on every IPv4 address of the target. The prober
// must be configured to grab banners for services to be classified.
func NewPortScanner(prober *probe.Prober, resolver AddressResolver, ports []int, logger *logrus.Logger) *PortScanner {
	if logger == nil {
		logger = logrus.New()
	}
	if len(ports) == 0 {
		ports = models.DefaultPorts
	}
	return &PortScanner{
		prober:   prober,
		resolver: resolver,
		ports:    append([]int(nil), ports...),
		logger:   logger,
	}
}

func (s *PortScanner) Name() string { return NamePorts }

func (s *PortScanner) Empty() models.Section { return &models.PortSection{} }

// Scan reports open ports only, sorted by address then port.
func (s *PortScanner) Scan(ctx context.Context, target models.ScanTarget) (models.Section, error) {
	addrs, err := resolveIPv4(ctx, s.resolver, target.Host)
	if err != nil {
		return s.Empty(), fmt.Errorf("resolving %s: %w", target.Host, err)
	}

	results := make(chan probe.Result)
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		for _, port := range s.ports {
			addr, port := addr, port
			g.Go(func() error {
				res, err := s.prober.Probe(gctx, addr, port)
				if err != nil {
					return err
				}
				select {
				case results <- res:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
	}

	var waitErr error
	go func() {
		waitErr = g.Wait()
		close(results)
	}()

	section := &models.PortSection{}
	for res := range results {
		if !res.Reachable {
			continue
		}
		section.Results = append(section.Results, models.PortResult{
			IP:      res.Address,
			Port:    res.Port,
			Open:    true,
			Banner:  res.Banner,
			Service: ServiceFor(res.Port, res.Banner),
		})
	}
	sort.Slice(section.Results, func(i, j int) bool {
		a, b := section.Results[i], section.Results[j]
		if a.IP != b.IP {
			return a.IP < b.IP
		}
		return a.Port < b.Port
	})

	s.logger.WithFields(logrus.Fields{
		"target":    target.Host,
		"addresses": len(addrs),
		"open":      len(section.Results),
	}).Debug("port scan finished")

	if waitErr != nil {
		return section, waitErr
	}
	return section, nil
}
