package utils

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithContext(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := RetryWithContext(context.Background(), 3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		sentinel := errors.New("bad request")
		calls := 0
		err := RetryWithContext(context.Background(), 5, time.Millisecond, func() error {
			calls++
			return Permanent(sentinel)
		})
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RetryWithContext(ctx, 3, time.Millisecond, func() error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("exhausted attempts wrap last error", func(t *testing.T) {
		sentinel := errors.New("down")
		err := RetryWithContext(context.Background(), 2, time.Millisecond, func() error { return sentinel })
		assert.ErrorIs(t, err, sentinel)
		assert.Contains(t, err.Error(), "after 2 attempts")
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "h", Truncate("héllo", 2))
}

func TestCallerTokenRoundTrip(t *testing.T) {
	token, err := SignCallerToken("user-1", true, time.Minute, "s3cret")
	require.NoError(t, err)

	claims, err := ParseCallerToken(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.True(t, claims.IsAdmin())

	_, err = ParseCallerToken(token, "other")
	assert.Error(t, err)

	expired, err := SignCallerToken("user-1", false, -time.Hour, "s3cret")
	require.NoError(t, err)
	_, err = ParseCallerToken(expired, "s3cret")
	assert.Error(t, err)
}

func TestReportFingerprint(t *testing.T) {
	a := ReportFingerprint([]byte(`{"target":"https://example.com"}`))
	b := ReportFingerprint([]byte(`{"target":"https://example.com"}`))
	c := ReportFingerprint([]byte(`{"target":"https://example.org"}`))
	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestRedactSecrets(t *testing.T) {
	cfg := models.DefaultConfig()
	cfg.AI.APIKey = "sk-live"
	cfg.API.JWTSecret = ""

	out, ok := RedactSecrets(cfg).(map[string]interface{})
	require.True(t, ok)
	ai := out["ai"].(map[string]interface{})
	api := out["api"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", ai["api_key"])
	assert.Equal(t, "", api["jwt_secret"])
	assert.Equal(t, "1m0s", ai["timeout"])
}

func TestLogConfigFromGlobal(t *testing.T) {
	cfg := LogConfigFromGlobal(models.GlobalConfig{LogLevel: "warn", LogFile: "/tmp/x.log", Debug: true})
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "both", cfg.Output)
	assert.Equal(t, "/tmp/x.log", cfg.FileLocation)
}

func TestNewLoggerFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lynxscan.log")
	l, err := NewLogger(LogConfig{Level: "debug", Format: "json", Output: "file", FileLocation: path}, "lynxscan", "1.2.3")
	require.NoError(t, err)

	l.WithFields(logrus.Fields{"api_key": "sk-live", "dsn": "", "target": "https://example.com"}).Info("scan started")
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &entry))

	assert.Equal(t, "scan started", entry["message"])
	assert.Equal(t, "info", entry["severity"])
	assert.Equal(t, "lynxscan", entry["service"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, "[REDACTED]", entry["api_key"])
	assert.Equal(t, "", entry["dsn"])
	assert.Equal(t, "https://example.com", entry["target"])
	assert.Contains(t, entry["source"], "utils_test.go:")
}

func TestNewScanMetricsNilSafe(t *testing.T) {
	m, err := NewScanMetrics(false)
	require.NoError(t, err)
	m.IncCounter(MetricScansTotal, 1, map[string]string{"state": "completed"})

	var nilMetrics *MetricsCollector
	assert.NotPanics(t, func() {
		nilMetrics.IncCounter(MetricScansTotal, 1, map[string]string{"state": "completed"})
	})

	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, MetricScansTotal)
}
