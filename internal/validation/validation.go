package validation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

var (
	ErrInvalidTarget      = errors.New("invalid target")
	ErrUnresolvableTarget = errors.New("target does not resolve")
)

var labelRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// NormalizeTarget reduces raw user input to its canonical https authority. Scheme
// matching is case-insensitive; an http:// prefix is accepted but the plain-HTTP side
// is covered by the redirect scanner, so port, path, query and fragment are dropped
// and the scheme is always https.
func NormalizeTarget(raw string) (models.ScanTarget, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return models.ScanTarget{}, fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}

	const scheme = "https"
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "https://"):
		s = s[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		s = s[len("http://"):]
	case strings.Contains(lower, "://"):
		return models.ScanTarget{}, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidTarget, raw)
	}

	u, err := url.Parse(scheme + "://" + s)
	if err != nil {
		return models.ScanTarget{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	host, err := normalizeHost(u.Hostname())
	if err != nil {
		return models.ScanTarget{}, err
	}
	if p := u.Port(); p != "" {
		if _, err := net.LookupPort("tcp", p); err != nil {
			return models.ScanTarget{}, fmt.Errorf("%w: bad port %q", ErrInvalidTarget, p)
		}
	}

	return models.ScanTarget{Scheme: scheme, Host: host}, nil
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return "", fmt.Errorf("%w: IP literals are not scannable targets", ErrInvalidTarget)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return "", fmt.Errorf("%w: localhost is not a scannable target", ErrInvalidTarget)
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if len(ascii) > 253 {
		return "", fmt.Errorf("%w: host name too long", ErrInvalidTarget)
	}
	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return "", fmt.Errorf("%w: %q is not a fully qualified domain", ErrInvalidTarget, host)
	}
	for _, l := range labels {
		if !labelRE.MatchString(l) {
			return "", fmt.Errorf("%w: invalid label %q", ErrInvalidTarget, l)
		}
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(ascii); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return ascii, nil
}

type Validator struct {
	resolver HostResolver
	logger   *logrus.Logger
}

func NewValidator(resolver HostResolver, logger *logrus.Logger) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Validator{resolver: resolver, logger: logger}
}

// Validate normalizes raw and checks that the host resolves. No other traffic is
// sent to the target.
func (v *Validator) Validate(ctx context.Context, raw string) (models.ScanTarget, error) {
	target, err := NormalizeTarget(raw)
	if err != nil {
		return models.ScanTarget{}, err
	}

	addrs, err := v.resolver.LookupHost(ctx, target.Host)
	if err != nil {
		if ctx.Err() != nil {
			return models.ScanTarget{}, ctx.Err()
		}
		v.logger.WithField("host", target.Host).Debugf("target resolution failed: %v", err)
		return models.ScanTarget{}, fmt.Errorf("%w: %s: %v", ErrUnresolvableTarget, target.Host, err)
	}
	if len(addrs) == 0 {
		return models.ScanTarget{}, fmt.Errorf("%w: %s has no addresses", ErrUnresolvableTarget, target.Host)
	}

	v.logger.WithFields(logrus.Fields{"target": target.String(), "addresses": len(addrs)}).Debug("target validated")
	return target, nil
}
