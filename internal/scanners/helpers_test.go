package scanners

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

// portDial routes dials by destination port to local listeners; every other port
// is refused.
func portDial(routes map[int]string) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		_, p, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		port, _ := strconv.Atoi(p)
		dst, ok := routes[port]
		if !ok {
			return nil, errRefused
		}
		var d net.Dialer
		return d.DialContext(ctx, network, dst)
	}
}

func startListener(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return ln.Addr().String()
}

func targetFor(srv *httptest.Server) models.ScanTarget {
	return models.ScanTarget{Scheme: "http", Host: srv.Listener.Addr().String()}
}
