package scanners

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPathScanner(paths []PathEntry) *SensitivePathScanner {
	client := NewHTTPClient(2*time.Second, -1, "", utils.NewNopLogger())
	return NewSensitivePathScanner(client, PathsConfig{MaxParallel: 4, Paths: paths}, utils.NewNopLogger())
}

func TestPathSeverity(t *testing.T) {
	env := PathEntry{Path: "/.env", Category: CategoryConfig, Check: envCheck}
	admin := PathEntry{Path: "/admin", Category: CategoryAdmin}
	health := PathEntry{Path: "/actuator/health", Category: CategoryMonitoring}

	sev, ok := PathSeverity(env, 200, true)
	assert.True(t, ok)
	assert.Equal(t, models.SeverityCritical, sev)

	_, ok = PathSeverity(env, 200, false)
	assert.False(t, ok, "a 2xx without evidence is not reported")

	sev, _ = PathSeverity(admin, 200, false)
	assert.Equal(t, models.SeverityHigh, sev)
	sev, _ = PathSeverity(health, 204, false)
	assert.Equal(t, models.SeverityMedium, sev)
	sev, _ = PathSeverity(env, 403, false)
	assert.Equal(t, models.SeverityLow, sev)

	_, ok = PathSeverity(admin, 404, false)
	assert.False(t, ok)
	_, ok = PathSeverity(admin, 302, false)
	assert.False(t, ok)
}

func TestActuatorEndpointsAreMedium(t *testing.T) {
	seen := 0
	for _, entry := range DefaultSensitivePaths {
		if !strings.HasPrefix(entry.Path, "/actuator") {
			continue
		}
		seen++
		sev, ok := PathSeverity(entry, 200, true)
		require.True(t, ok, entry.Path)
		assert.Equal(t, models.SeverityMedium, sev, entry.Path)
	}
	assert.GreaterOrEqual(t, seen, 4)
}

func TestEnvCheckHidesValues(t *testing.T) {
	evidence, ok := envCheck([]byte("APP_NAME=shop\nDB_PASSWORD=hunter2\nexport STRIPE_SECRET_KEY=sk_live_x\n"))
	require.True(t, ok)
	assert.Contains(t, evidence, "DB_PASSWORD")
	assert.Contains(t, evidence, "STRIPE_SECRET_KEY")
	assert.NotContains(t, evidence, "hunter2")

	_, ok = envCheck([]byte("<html><body>Not here</body></html>"))
	assert.False(t, ok)
}

func TestSensitivePathScannerScan(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.env", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("APP_ENV=prod\nDB_PASSWORD=hunter2\n"))
	})
	mux.HandleFunc("/.git/HEAD", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ref: refs/heads/main\n"))
	})
	mux.HandleFunc("/backup.sql", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>nothing to see</html>"))
	})
	mux.HandleFunc("/server-status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/admin", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>admin login</html>"))
	})
	mux.HandleFunc("/wp-admin/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/wp-login.php", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newPathScanner(nil)
	section, err := s.Scan(context.Background(), targetFor(srv))
	require.NoError(t, err)

	report := section.(*models.SensitivePathSection).Report
	assert.Equal(t, len(DefaultSensitivePaths), report.Checked)

	byPath := map[string]models.PathResult{}
	for _, r := range report.Results {
		byPath[r.Path] = r
	}
	require.Len(t, byPath, 4)

	assert.Equal(t, models.SeverityCritical, byPath["/.env"].Severity)
	assert.Contains(t, byPath["/.env"].Evidence, "DB_PASSWORD")
	assert.NotContains(t, byPath["/.env"].Evidence, "hunter2")
	assert.Equal(t, models.SeverityCritical, byPath["/.git/HEAD"].Severity)
	assert.Equal(t, "ref: refs/heads/main", byPath["/.git/HEAD"].Evidence)
	assert.Equal(t, models.SeverityLow, byPath["/server-status"].Severity)
	assert.Equal(t, http.StatusForbidden, byPath["/server-status"].StatusCode)
	assert.Equal(t, models.SeverityHigh, byPath["/admin"].Severity)
	assert.NotContains(t, byPath, "/backup.sql")
	assert.NotContains(t, byPath, "/wp-admin/")

	assert.Equal(t, "/.env", report.Results[0].Path, "results follow table order")
}

func TestSensitivePathScannerFallsBackToGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.git/config" {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte("[core]\n\trepositoryformatversion = 0\n"))
	}))
	defer srv.Close()

	s := newPathScanner([]PathEntry{{Path: "/.git/config", Category: CategoryVCS, Check: matchRE(gitConfigRE)}})
	section, err := s.Scan(context.Background(), targetFor(srv))
	require.NoError(t, err)

	results := section.(*models.SensitivePathSection).Report.Results
	require.Len(t, results, 1)
	assert.Equal(t, http.MethodGet, results[0].Method)
	assert.Equal(t, "[core]", results[0].Evidence)
}

func TestSensitivePathScannerIgnoresCatchAllTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>single page app</html>"))
	}))
	defer srv.Close()

	s := newPathScanner(nil)
	section, err := s.Scan(context.Background(), targetFor(srv))
	require.NoError(t, err)
	assert.Empty(t, section.(*models.SensitivePathSection).Report.Results)
}

func TestSensitivePathScannerRespectsMaxParallel(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	var paths []PathEntry
	for _, p := range []string{"/a", "/b", "/c", "/d", "/e", "/f", "/g", "/h"} {
		paths = append(paths, PathEntry{Path: p, Category: CategoryInfo})
	}
	client := NewHTTPClient(2*time.Second, -1, "", utils.NewNopLogger())
	s := NewSensitivePathScanner(client, PathsConfig{MaxParallel: 2, Paths: paths}, utils.NewNopLogger())

	section, err := s.Scan(context.Background(), targetFor(srv))
	require.NoError(t, err)
	assert.Equal(t, len(paths), section.(*models.SensitivePathSection).Report.Checked)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Greater(t, peak.Load(), int32(0))
}

func TestSensitivePathScannerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := newPathScanner(nil).Scan(ctx, targetFor(srv))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
