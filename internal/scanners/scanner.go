package scanners

import (
	"context"
	"errors"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
)

const (
	NameHeaders  = "headers"
	NameSSL      = "ssl"
	NamePorts    = "ports"
	NameRedirect = "redirect"
	NamePaths    = "paths"
	NameRobots   = "robots"
)

var ErrNoAddresses = errors.New("target has no IPv4 addresses")

// Scanner is a single-purpose network probe. Scan returns the section it managed
// to build; a non-nil error means the section is empty or partial. Cancellation is
// reported as ctx.Err().
type Scanner interface {
	Name() string
	Scan(ctx context.Context, target models.ScanTarget) (models.Section, error)
	Empty() models.Section
}

type Result struct {
	Scanner  string
	Section  models.Section
	Err      error
	Duration time.Duration
}

func (r Result) Failed() bool {
	return r.Err != nil
}

// AddressResolver returns the IPv4 addresses of a host.
type AddressResolver interface {
	LookupIPv4(ctx context.Context, host string) ([]string, error)
}

// StaticResolver resolves every host to the same address list.
type StaticResolver []string

func (s StaticResolver) LookupIPv4(context.Context, string) ([]string, error) {
	if len(s) == 0 {
		return nil, ErrNoAddresses
	}
	return append([]string(nil), s...), nil
}

func resolveIPv4(ctx context.Context, r AddressResolver, host string) ([]string, error) {
	addrs, err := r.LookupIPv4(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}
	return addrs, nil
}
