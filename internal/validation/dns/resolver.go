package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
	mdns "github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNXDomain  = errors.New("dns: no such host")
	ErrNoRecords = errors.New("dns: no address records")
)

// RcodeError carries a non-success response code from the server.
type RcodeError struct {
	Name  string
	Rcode int
}

func (e *RcodeError) Error() string {
	return fmt.Sprintf("dns: %s for %s", mdns.RcodeToString[e.Rcode], e.Name)
}

func (e *RcodeError) Is(target error) bool {
	return target == ErrNXDomain && e.Rcode == mdns.RcodeNameError
}

type Record struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
	TTL   uint32 `json:"ttl"`
}

type Resolver struct {
	servers     []string
	timeout     time.Duration
	maxRetries  int
	udpClient   *mdns.Client
	tcpClient   *mdns.Client
	logger      *logrus.Logger
	mu          sync.Mutex
	cache       *Cache
	rotateIndex int
}

type Cache struct {
	entries    map[string]*cacheEntry
	mu         sync.RWMutex
	defaultTTL time.Duration
}

type cacheEntry struct {
	records    []Record
	expiration time.Time
}

func NewResolver(servers []string, timeout time.Duration, maxRetries int, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	if len(servers) == 0 {
		servers = getSystemResolvers()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Resolver{
		servers:    servers,
		timeout:    timeout,
		maxRetries: maxRetries,
		udpClient: &mdns.Client{
			Net:     "udp",
			Timeout: timeout,
			UDPSize: 1232,
		},
		tcpClient: &mdns.Client{
			Net:     "tcp",
			Timeout: timeout,
		},
		logger: logger,
		cache: &Cache{
			entries:    make(map[string]*cacheEntry),
			defaultTTL: 5 * time.Minute,
		},
	}
}

// LookupIPv4 returns the distinct A record addresses of host in sorted order.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) ([]string, error) {
	return r.lookupAddrs(ctx, host, mdns.TypeA)
}

// LookupHost returns A and AAAA addresses. NXDOMAIN is reported as ErrNXDomain.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return r.lookupAddrs(ctx, host, mdns.TypeA, mdns.TypeAAAA)
}

func (r *Resolver) lookupAddrs(ctx context.Context, host string, types ...uint16) ([]string, error) {
	records, err := r.Resolve(ctx, host, types)
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, rec := range records {
		if rec.Type == "A" || rec.Type == "AAAA" {
			addrs = append(addrs, rec.Value)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%s: %w", host, ErrNoRecords)
	}
	sort.Strings(addrs)
	return addrs, nil
}

func (r *Resolver) Resolve(ctx context.Context, domain string, recordTypes []uint16) ([]Record, error) {
	asciiDomain, err := idna.Lookup.ToASCII(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if err != nil || asciiDomain == "" {
		return nil, fmt.Errorf("invalid domain %q: %v", domain, err)
	}

	if cached := r.cache.Get(asciiDomain, recordTypes); cached != nil {
		return cached, nil
	}

	var (
		results  []Record
		firstErr error
		mu       sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range recordTypes {
		rt := rt
		g.Go(func() error {
			recs, err := r.resolveWithRetry(gctx, asciiDomain, rt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Debugf("resolve %s type %s: %v", asciiDomain, mdns.TypeToString[rt], err)
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			results = append(results, recs...)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results = dedupeRecords(results)
	if len(results) == 0 && firstErr != nil {
		return nil, firstErr
	}
	r.cache.Set(asciiDomain, recordTypes, results)
	return results, nil
}

func (r *Resolver) resolveWithRetry(ctx context.Context, domain string, recordType uint16) ([]Record, error) {
	var records []Record
	err := NewRetryHandler(r.maxRetries, 200*time.Millisecond, r.logger).DoWithRetry(ctx, func() error {
		recs, err := r.resolveSingle(ctx, domain, recordType)
		if err != nil {
			return err
		}
		records = recs
		return nil
	})
	return records, err
}

func (r *Resolver) resolveSingle(ctx context.Context, domain string, recordType uint16) ([]Record, error) {
	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(domain), recordType)
	msg.RecursionDesired = true

	server := r.selectServer()
	resp, _, err := r.udpClient.ExchangeContext(ctx, msg, server)
	if err != nil || resp == nil || resp.Truncated {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, _, err = r.tcpClient.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, fmt.Errorf("dns query %s via %s: %w", domain, server, err)
		}
		if resp == nil {
			return nil, fmt.Errorf("nil DNS response from %s", server)
		}
	}

	if resp.Rcode != mdns.RcodeSuccess {
		return nil, &RcodeError{Name: domain, Rcode: resp.Rcode}
	}
	return r.parseAnswers(resp.Answer, domain), nil
}

func (r *Resolver) parseAnswers(rrs []mdns.RR, domain string) []Record {
	out := make([]Record, 0, len(rrs))
	trimDot := func(s string) string { return strings.TrimSuffix(s, ".") }
	for _, rr := range rrs {
		if rr == nil {
			continue
		}
		rec := Record{
			Name: trimDot(rr.Header().Name),
			Type: mdns.TypeToString[rr.Header().Rrtype],
			TTL:  rr.Header().Ttl,
		}
		switch rr := rr.(type) {
		case *mdns.A:
			rec.Value = rr.A.String()
		case *mdns.AAAA:
			rec.Value = rr.AAAA.String()
		case *mdns.CNAME:
			rec.Value = trimDot(rr.Target)
		default:
			r.logger.Debugf("skipping %T answer for %s", rr, domain)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (r *Resolver) selectServer() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	server := r.servers[r.rotateIndex%len(r.servers)]
	r.rotateIndex = (r.rotateIndex + 1) % len(r.servers)

	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return server
}

func (r *Resolver) GetServers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.servers...)
}

func (r *Resolver) ClearCache() { r.cache.Clear() }

func getSystemResolvers() []string {
	cfg, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return []string{"1.1.1.1:53", "8.8.8.8:53", "9.9.9.9:53"}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}

func (c *Cache) Get(domain string, recordTypes []uint16) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[cacheKey(domain, recordTypes)]
	if !ok || time.Now().After(entry.expiration) {
		return nil
	}
	return append([]Record(nil), entry.records...)
}

func (c *Cache) Set(domain string, recordTypes []uint16, records []Record) {
	if len(records) == 0 {
		return
	}
	ttl := c.defaultTTL
	for _, r := range records {
		if r.TTL > 0 {
			if rt := time.Duration(r.TTL) * time.Second; rt < ttl {
				ttl = rt
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(domain, recordTypes)] = &cacheEntry{
		records:    append([]Record(nil), records...),
		expiration: time.Now().Add(ttl),
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

func cacheKey(domain string, recordTypes []uint16) string {
	types := make([]string, 0, len(recordTypes))
	for _, rt := range recordTypes {
		types = append(types, mdns.TypeToString[rt])
	}
	sort.Strings(types)
	return strings.ToLower(domain) + "|" + strings.Join(types, ",")
}

func dedupeRecords(in []Record) []Record {
	type key struct{ t, v string }
	seen := make(map[key]bool, len(in))
	out := make([]Record, 0, len(in))
	for _, r := range in {
		k := key{t: r.Type, v: strings.ToLower(r.Value)}
		if !seen[k] {
			seen[k] = true
			out = append(out, r)
		}
	}
	return out
}
