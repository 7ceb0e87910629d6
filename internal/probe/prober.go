package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultReadTimeout    = 2 * time.Second
	DefaultMaxParallel    = 20

	// ReadBufferSize caps every read issued by a probe.
	ReadBufferSize = 1024
	// MaxBannerLength caps the banner kept in results.
	MaxBannerLength = 512
)

// webPorts get a minimal HTTP request before reading, since HTTP servers stay silent.
var webPorts = map[int]bool{80: true, 8080: true}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Result struct {
	Address   string        `json:"address"`
	Port      int           `json:"port"`
	Reachable bool          `json:"reachable"`
	Banner    string        `json:"banner,omitempty"`
	Latency   time.Duration `json:"latency"`
	Err       error         `json:"-"`
}

type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxParallel    int
	HostHeader     string
	GrabBanner     bool
}

type Option func(*Prober)

func WithDialFunc(dial DialFunc) Option {
	return func(p *Prober) { p.dial = dial }
}

func WithMetrics(m *utils.MetricsCollector) Option {
	return func(p *Prober) { p.metrics = m }
}

type Prober struct {
	config  Config
	sem     *semaphore.Weighted
	dial    DialFunc
	logger  *logrus.Logger
	metrics *utils.MetricsCollector

	inFlight atomic.Int64
	peak     atomic.Int64
	total    atomic.Int64
	open     atomic.Int64
}

func NewProber(config Config, logger *logrus.Logger, opts ...Option) *Prober {
	if logger == nil {
		logger = logrus.New()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = DefaultMaxParallel
	}

	p := &Prober{
		config: config,
		sem:    semaphore.NewWeighted(int64(config.MaxParallel)),
		logger: logger,
	}
	dialer := &net.Dialer{}
	p.dial = dialer.DialContext
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe connects to address:port and, when configured, captures a banner. Connection
// failures are reported through Result; the error return is reserved for ctx.
func (p *Prober) Probe(ctx context.Context, address string, port int) (Result, error) {
	res := Result{Address: address, Port: port}

	if err := p.acquire(ctx); err != nil {
		return res, err
	}
	defer p.release()

	start := time.Now()
	conn, err := p.connect(ctx, address, port)
	res.Latency = time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Err = err
		p.record(false)
		return res, nil
	}
	defer conn.Close()

	res.Reachable = true
	p.record(true)

	if p.config.GrabBanner {
		banner, err := p.grabBanner(ctx, conn, address, port)
		if err != nil {
			p.logger.Debugf("banner grab on %s:%d: %v", address, port, err)
		}
		res.Banner = banner
	}
	return res, nil
}

// Exchange connects, writes request and returns at most ReadBufferSize bytes of the
// response. It shares the concurrency bound with Probe.
func (p *Prober) Exchange(ctx context.Context, address string, port int, request []byte) ([]byte, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	conn, err := p.connect(ctx, address, port)
	if err != nil {
		p.record(false)
		return nil, err
	}
	defer conn.Close()
	p.record(true)

	if err := p.deadline(ctx, conn); err != nil {
		return nil, err
	}
	if _, err := conn.Write(request); err != nil {
		return nil, fmt.Errorf("write to %s:%d: %w", address, port, err)
	}
	buf, err := readCapped(conn, ReadBufferSize)
	if len(buf) == 0 && err != nil {
		return nil, fmt.Errorf("read from %s:%d: %w", address, port, err)
	}
	return buf, nil
}

// Dial returns a raw connection under the connect timeout. The caller owns the conn
// and the returned release func, which must be called once the conn is closed.
func (p *Prober) Dial(ctx context.Context, address string, port int) (net.Conn, func(), error) {
	if err := p.acquire(ctx); err != nil {
		return nil, nil, err
	}
	conn, err := p.connect(ctx, address, port)
	if err != nil {
		p.release()
		p.record(false)
		return nil, nil, err
	}
	p.record(true)
	var once sync.Once
	return conn, func() { once.Do(p.release) }, nil
}

func (p *Prober) connect(ctx context.Context, address string, port int) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()
	conn, err := p.dial(dialCtx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("connect %s:%d: %w", address, port, err)
	}
	return conn, nil
}

func (p *Prober) grabBanner(ctx context.Context, conn net.Conn, address string, port int) (string, error) {
	if err := p.deadline(ctx, conn); err != nil {
		return "", err
	}
	if webPorts[port] {
		host := p.config.HostHeader
		if host == "" {
			host = address
		}
		req := "HEAD / HTTP/1.1\r\nHost: " + host + "\r\nConnection: close\r\n\r\n"
		if _, err := conn.Write([]byte(req)); err != nil {
			return "", err
		}
	}
	buf, err := readCapped(conn, ReadBufferSize)
	banner := strings.TrimSpace(string(buf))
	return utils.Truncate(banner, MaxBannerLength), err
}

func (p *Prober) deadline(ctx context.Context, conn net.Conn) error {
	d := time.Now().Add(p.config.ReadTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		d = dl
	}
	return conn.SetDeadline(d)
}

func readCapped(conn net.Conn, limit int) ([]byte, error) {
	buf := make([]byte, limit)
	n := 0
	for n < limit {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && n > 0 {
				return buf[:n], nil
			}
			return buf[:n], err
		}
	}
	return buf[:n], nil
}

func (p *Prober) acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	cur := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if cur <= peak || p.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	return nil
}

func (p *Prober) release() {
	p.inFlight.Add(-1)
	p.sem.Release(1)
}

func (p *Prober) record(reachable bool) {
	p.total.Add(1)
	if reachable {
		p.open.Add(1)
	}
	p.metrics.IncCounter(utils.MetricProbesTotal, 1, map[string]string{"reachable": strconv.FormatBool(reachable)})
}

func (p *Prober) MaxParallel() int {
	return p.config.MaxParallel
}

func (p *Prober) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_probes":    p.total.Load(),
		"reachable":       p.open.Load(),
		"in_flight":       p.inFlight.Load(),
		"peak_in_flight":  p.peak.Load(),
		"max_parallel":    p.config.MaxParallel,
		"connect_timeout": p.config.ConnectTimeout.String(),
		"read_timeout":    p.config.ReadTimeout.String(),
	}
}

func (p *Prober) PeakInFlight() int {
	return int(p.peak.Load())
}

func (p *Prober) TotalProbes() int {
	return int(p.total.Load())
}
