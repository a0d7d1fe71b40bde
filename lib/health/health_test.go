package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tarancss/chainwatch/lib/metrics"
	"github.com/tarancss/chainwatch/lib/store/sqlite"
)

func newTestChecker() *Checker {
	return New(metrics.NewWith(prometheus.NewRegistry(), "blockchain_module"))
}

func fixed(status string) CheckFunc {
	return func(ctx context.Context) Result {
		return Result{Status: status}
	}
}

func TestRollup(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		checks map[string]string
		want   string
	}{
		{"all healthy", map[string]string{
			"database": Healthy, "pool:LTC": Healthy, "upstream:LTC": Healthy,
		}, Healthy},
		{"one degraded", map[string]string{
			"database": Healthy, "pool:LTC": Degraded, "upstream:LTC": Healthy,
		}, Degraded},
		{"database down", map[string]string{
			"database": Unhealthy, "upstream:LTC": Healthy,
		}, Unhealthy},
		{"one upstream down", map[string]string{
			"database": Healthy, "upstream:LTC": Unhealthy, "upstream:DOGE": Healthy,
		}, Degraded},
		{"all upstreams down", map[string]string{
			"database": Healthy, "upstream:LTC": Unhealthy, "upstream:DOGE": Unhealthy,
		}, Unhealthy},
		{"broker down keeps serving", map[string]string{
			"database": Healthy, "upstream:LTC": Healthy, "broker": Unhealthy,
		}, Degraded},
	}

	for _, tc := range cases {
		c := newTestChecker()
		for name, status := range tc.checks {
			c.Register(name, fixed(status))
		}

		report := c.Run(ctx)
		if report.Status != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, report.Status, tc.want)
		}

		if report.Summary.Total != len(tc.checks) {
			t.Errorf("%s: summary total %d, want %d", tc.name, report.Summary.Total, len(tc.checks))
		}

		if c.Last().Status != report.Status {
			t.Errorf("%s: Last does not match Run", tc.name)
		}
	}
}

func TestDeregister(t *testing.T) {
	c := newTestChecker()
	c.Register("database", fixed(Healthy))
	c.Register("monitor:LTC", fixed(Healthy))
	c.Deregister("monitor:LTC")

	report := c.Run(context.Background())
	if _, ok := report.Components["monitor:LTC"]; ok {
		t.Error("deregistered check still reported")
	}

	if report.Summary.Total != 1 {
		t.Errorf("summary total: got %d, want 1", report.Summary.Total)
	}
}

func TestReadiness(t *testing.T) {
	c := newTestChecker()

	rec := httptest.NewRecorder()
	c.ReadyHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before boot: got %d, want 503", rec.Code)
	}

	c.SetReady(true)

	rec = httptest.NewRecorder()
	c.ReadyHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("after boot: got %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	c.LiveHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("liveness: got %d, want 200", rec.Code)
	}
}

func TestHandler(t *testing.T) {
	c := newTestChecker()
	c.Register("database", fixed(Unhealthy))

	rec := httptest.NewRecorder()
	c.Handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy report: got %d, want 503", rec.Code)
	}

	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("could not decode report: %v", err)
	}

	if report.Status != Unhealthy || report.Components["database"].Status != Unhealthy {
		t.Errorf("report: %+v", report)
	}
}

func TestDatabaseCheck(t *testing.T) {
	ctx := context.Background()

	dbh, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("could not open test db: %v", err)
	}

	check := DatabaseCheck(dbh)

	if res := check(ctx); res.Status != Healthy {
		t.Errorf("open db: got %s, want healthy", res.Status)
	}

	dbh.Close()

	if res := check(ctx); res.Status != Unhealthy {
		t.Errorf("closed db: got %s, want unhealthy", res.Status)
	}
}
