package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bl4ck0w1/lynxscan/internal/scanners"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTarget = models.ScanTarget{Scheme: "https", Host: "example.com"}

func TestAggregatorEmitsNamespacesOfInvokedScanners(t *testing.T) {
	ports := portsScanner(models.PortResult{IP: "192.0.2.10", Port: 443, Open: true, Service: "https"})
	robots := robotsScanner(models.RobotsReport{RobotsFound: true})
	agg := NewAggregator([]scanners.Scanner{ports, robots}, nil, utils.NewNopLogger())

	report, results, err := agg.Run(context.Background(), testTarget)
	require.NoError(t, err)
	require.Len(t, results, 2)

	data, err := json.Marshal(report)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Len(t, doc, 4)
	assert.Contains(t, doc, models.NamespacePorts)
	assert.Contains(t, doc, models.NamespaceRobots)
	assert.NotContains(t, doc, models.NamespaceHeaders)
	assert.Equal(t, "https://example.com", report.Target)
}

func TestAggregatorIsolatesFailures(t *testing.T) {
	failing := headersScanner(200, nil)
	failing.err = errors.New("connection reset")
	panicking := robotsScanner(models.RobotsReport{})
	panicking.panics = true
	ports := portsScanner(models.PortResult{IP: "192.0.2.10", Port: 22, Open: true})

	agg := NewAggregator([]scanners.Scanner{failing, panicking, ports}, nil, utils.NewNopLogger())
	report, results, err := agg.Run(context.Background(), testTarget)
	require.NoError(t, err)

	byName := map[string]scanners.Result{}
	for _, r := range results {
		byName[r.Scanner] = r
	}
	assert.True(t, byName[scanners.NameHeaders].Failed())
	assert.True(t, byName[scanners.NameRobots].Failed())
	var pe *ScannerPanicError
	assert.ErrorAs(t, byName[scanners.NameRobots].Err, &pe)
	assert.False(t, byName[scanners.NamePorts].Failed())

	assert.True(t, report.Has(models.NamespaceHeaders))
	assert.True(t, report.Has(models.NamespaceRobots))
	require.Len(t, report.Ports, 1)
	assert.Equal(t, 22, report.Ports[0].Port)
}

func TestAggregatorUnionsSharedArrays(t *testing.T) {
	v4 := portsScanner(models.PortResult{IP: "192.0.2.1", Port: 80, Open: true})
	extra := portsScanner(
		models.PortResult{IP: "192.0.2.2", Port: 22, Open: true},
		models.PortResult{IP: "192.0.2.2", Port: 443, Open: true},
	)
	extra.name = "ports-extra"

	agg := NewAggregator([]scanners.Scanner{extra, v4}, nil, utils.NewNopLogger())
	report, _, err := agg.Run(context.Background(), testTarget)
	require.NoError(t, err)

	require.Len(t, report.Ports, 3)
	// "ports" sorts before "ports-extra"
	assert.Equal(t, "192.0.2.1", report.Ports[0].IP)
	assert.Equal(t, "192.0.2.2", report.Ports[1].IP)
}

func TestAggregatorScalarCollisionsFollowNameOrder(t *testing.T) {
	first := headersScanner(200, map[string]string{"Server": "nginx"})
	first.name = "a-headers"
	second := headersScanner(503, map[string]string{"Server": "apache", "Via": "1.1 proxy"})
	second.name = "b-headers"

	for i := 0; i < 5; i++ {
		agg := NewAggregator([]scanners.Scanner{second, first}, nil, utils.NewNopLogger())
		report, _, err := agg.Run(context.Background(), testTarget)
		require.NoError(t, err)
		assert.Equal(t, 200, report.StatusCode)
		assert.Equal(t, "nginx", report.Headers["Server"])
		assert.Equal(t, "1.1 proxy", report.Headers["Via"])
	}
}

func TestAggregatorPropagatesCancellation(t *testing.T) {
	slow := portsScanner()
	slow.delay = 5 * time.Second
	fast := robotsScanner(models.RobotsReport{RobotsFound: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	agg := NewAggregator([]scanners.Scanner{slow, fast}, nil, utils.NewNopLogger())
	report, results, err := agg.Run(ctx, testTarget)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, results, 2)
	assert.True(t, report.Robots.RobotsFound)
	assert.True(t, report.Has(models.NamespacePorts))
}

func TestAggregatorRecordsMetrics(t *testing.T) {
	metrics, err := utils.NewScanMetrics(false)
	require.NoError(t, err)
	failing := headersScanner(0, nil)
	failing.err = errors.New("tls: handshake failure")

	agg := NewAggregator([]scanners.Scanner{failing, portsScanner()}, metrics, utils.NewNopLogger())
	_, _, err = agg.Run(context.Background(), testTarget)
	require.NoError(t, err)

	families, err := metrics.GetRegistry().Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	assert.True(t, found[utils.MetricScannerDuration])
	assert.True(t, found[utils.MetricScannerFailures])
}
