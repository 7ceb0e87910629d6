package scanners

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bl4ck0w1/lynxscan/internal/probe"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyBanner(t *testing.T) {
	tests := map[string]string{
		"SSH-2.0-OpenSSH_9.6p1 Ubuntu":                       "ssh",
		"220 (vsFTPd 3.0.5)":                                 "ftp",
		"220 mail.example.com ESMTP Postfix":                 "smtp",
		"* OK [CAPABILITY IMAP4rev1] Dovecot ready.":         "imap",
		"5.7.44-log\x00mysql_native_password":                "mysql",
		"-NOAUTH Authentication required.":                   "redis",
		"HTTP/1.1 200 OK\r\nServer: nginx/1.25.3\r\n":        "http",
		"HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n": "http",
		"RFB 003.008":                                        "vnc",
		"\x00\x01\x02 binary garbage":                        ServiceUnknown,
		"   ":                                                ServiceUnknown,
	}
	for banner, want := range tests {
		assert.Equal(t, want, ClassifyBanner(banner), banner)
	}
}

func TestServiceForFallsBackToWellKnownPort(t *testing.T) {
	assert.Equal(t, "mysql", ServiceFor(3306, ""))
	assert.Equal(t, ServiceUnknown, ServiceFor(12345, ""))
	assert.Equal(t, "ssh", ServiceFor(2222, "SSH-2.0-dropbear"))
}

func TestPortScannerReportsOpenPortsWithServices(t *testing.T) {
	sshAddr := startListener(t, func(c net.Conn) {
		c.Write([]byte("SSH-2.0-OpenSSH_9.6\r\n"))
	})
	httpAddr := startListener(t, func(c net.Conn) {
		r := bufio.NewReader(c)
		line, _ := r.ReadString('\n')
		if line == "HEAD / HTTP/1.1\r\n" {
			c.Write([]byte("HTTP/1.1 200 OK\r\nServer: nginx\r\n\r\n"))
		}
	})
	silentAddr := startListener(t, func(c net.Conn) {
		time.Sleep(300 * time.Millisecond)
	})

	prober := probe.NewProber(probe.Config{GrabBanner: true, ReadTimeout: 200 * time.Millisecond}, utils.NewNopLogger(),
		probe.WithDialFunc(portDial(map[int]string{22: sshAddr, 80: httpAddr, 5432: silentAddr})))
	s := NewPortScanner(prober, StaticResolver{"192.0.2.20", "192.0.2.10"}, nil, utils.NewNopLogger())

	section, err := s.Scan(context.Background(), models.ScanTarget{Scheme: "https", Host: "example.com"})
	require.NoError(t, err)

	results := section.(*models.PortSection).Results
	require.Len(t, results, 6)
	assert.Equal(t, "192.0.2.10", results[0].IP)
	assert.Equal(t, 22, results[0].Port)
	assert.Equal(t, "ssh", results[0].Service)
	assert.Equal(t, 80, results[1].Port)
	assert.Equal(t, "http", results[1].Service)
	assert.Equal(t, 5432, results[2].Port)
	assert.Empty(t, results[2].Banner)
	assert.Equal(t, "postgresql", results[2].Service)
	assert.Equal(t, "192.0.2.20", results[3].IP)
	for _, r := range results {
		assert.True(t, r.Open)
	}
	assert.Equal(t, 2*len(models.DefaultPorts), prober.TotalProbes())
}

func TestPortScannerRespectsMaxParallel(t *testing.T) {
	var inFlight, peak atomic.Int64
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil, errRefused
	}

	prober := probe.NewProber(probe.Config{MaxParallel: 4}, utils.NewNopLogger(), probe.WithDialFunc(dial))
	addrs := StaticResolver{"192.0.2.1", "192.0.2.2", "192.0.2.3", "192.0.2.4", "192.0.2.5"}
	s := NewPortScanner(prober, addrs, nil, utils.NewNopLogger())

	section, err := s.Scan(context.Background(), models.ScanTarget{Scheme: "https", Host: "example.com"})
	require.NoError(t, err)
	assert.Empty(t, section.(*models.PortSection).Results)
	assert.LessOrEqual(t, peak.Load(), int64(4))
	assert.LessOrEqual(t, prober.PeakInFlight(), 4)
	assert.Equal(t, 100, prober.TotalProbes())
}

func TestPortScannerFailsWithoutAddresses(t *testing.T) {
	prober := probe.NewProber(probe.Config{}, utils.NewNopLogger())
	s := NewPortScanner(prober, StaticResolver{}, nil, utils.NewNopLogger())

	section, err := s.Scan(context.Background(), models.ScanTarget{Scheme: "https", Host: "example.com"})
	assert.ErrorIs(t, err, ErrNoAddresses)
	assert.Equal(t, s.Empty(), section)
}

func TestPortScannerPropagatesCancellation(t *testing.T) {
	prober := probe.NewProber(probe.Config{}, utils.NewNopLogger(), probe.WithDialFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	s := NewPortScanner(prober, StaticResolver{"192.0.2.1"}, nil, utils.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Scan(ctx, models.ScanTarget{Scheme: "https", Host: "example.com"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
