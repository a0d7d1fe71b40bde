// Package health runs the component checks behind the health endpoints. Components register
// named checks; the checker runs them periodically, rolls them up into an aggregate status and
// feeds the health gauges.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarancss/chainwatch/lib/logger"
	"github.com/tarancss/chainwatch/lib/metrics"
	"github.com/tarancss/chainwatch/lib/msg"
	"github.com/tarancss/chainwatch/lib/pool"
	"github.com/tarancss/chainwatch/lib/store"
)

// Component statuses. The aggregate is unhealthy only when the database is down or no
// upstream answers; any other failing check degrades the module but it keeps serving.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

const (
	checkTimeout    = 5 * time.Second
	DefaultInterval = 30 * time.Second
)

// Result is the outcome of one component check.
type Result struct {
	Status       string                 `json:"status"`
	ResponseTime float64                `json:"response_time"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Summary counts the components per status.
type Summary struct {
	Total     int `json:"total_components"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
}

// Report is the aggregate of one checker run.
type Report struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	ResponseTime float64           `json:"response_time"`
	Components   map[string]Result `json:"components"`
	Summary      Summary           `json:"summary"`
}

// CheckFunc runs one component check. The context carries the per-check timeout.
type CheckFunc func(ctx context.Context) Result

// Checker holds the registered checks and the last report.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	last   Report
	ready  atomic.Bool
	met    *metrics.Metrics
	log    zerolog.Logger
}

// New returns a checker feeding the given health gauges.
func New(met *metrics.Metrics) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		met:    met,
		log:    logger.GetLogger().With().Str("component", "health").Logger(),
	}
}

// Register adds or replaces a named check. Names are flat or <component>:<instance>, for
// example "database" or "upstream:LTC".
func (c *Checker) Register(name string, f CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[name] = f
}

// Deregister removes a named check, used when a coin monitor stops.
func (c *Checker) Deregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.checks, name)
}

// SetReady flips the readiness flag once boot completes, or back during shutdown.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// Run performs every registered check and rolls the results up.
func (c *Checker) Run(ctx context.Context) Report {
	start := time.Now()

	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, f := range c.checks {
		checks[name] = f
	}
	c.mu.RUnlock()

	report := Report{
		Timestamp:  start.UTC(),
		Components: make(map[string]Result, len(checks)),
	}

	upstreams, upstreamsDown := 0, 0

	for name, f := range checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		res := f(cctx)

		cancel()

		report.Components[name] = res
		report.Summary.Total++

		switch res.Status {
		case Healthy:
			report.Summary.Healthy++
		case Degraded:
			report.Summary.Degraded++
		default:
			report.Summary.Unhealthy++
		}

		if strings.HasPrefix(name, "upstream:") {
			upstreams++

			if res.Status == Unhealthy {
				upstreamsDown++
			}
		}

		c.gauge(name, res.Status)
	}

	switch {
	case report.Components["database"].Status == Unhealthy:
		report.Status = Unhealthy
	case upstreams > 0 && upstreamsDown == upstreams:
		report.Status = Unhealthy
	case report.Summary.Degraded > 0 || report.Summary.Unhealthy > 0:
		report.Status = Degraded
	default:
		report.Status = Healthy
	}

	report.ResponseTime = time.Since(start).Seconds()

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()

	if report.Status != Healthy {
		c.log.Warn().Str("status", report.Status).Int("unhealthy", report.Summary.Unhealthy).
			Int("degraded", report.Summary.Degraded).Msg("health check completed")
	}

	return report
}

// Loop re-runs the checks every interval until the context is done.
func (c *Checker) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	c.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Run(ctx)
		}
	}
}

// Last returns the most recent report without re-running the checks.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.last
}

// Handler serves the aggregate report, 503 when unhealthy.
func (c *Checker) Handler(w http.ResponseWriter, r *http.Request) {
	report := c.Run(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if report.Status == Unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(report)
}

// LiveHandler answers as long as the process serves requests.
func (c *Checker) LiveHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ReadyHandler answers 503 until SetReady(true) was called after boot.
func (c *Checker) ReadyHandler(w http.ResponseWriter, _ *http.Request) {
	if !c.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready"))

		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

// gauge records a check outcome on the health gauge. Names split at the colon into component
// and instance, flat names count as their own instance.
func (c *Checker) gauge(name, status string) {
	component, instance := name, name
	if i := strings.IndexByte(name, ':'); i >= 0 {
		component, instance = name[:i], name[i+1:]
	}

	v := 0.0

	switch status {
	case Healthy:
		v = 1
	case Degraded:
		v = 0.5
	}

	c.met.HealthStatus.WithLabelValues(component, instance).Set(v)
}

// timed builds a Result, filling the response time from the start of the check.
func timed(start time.Time, status string, details map[string]interface{}, err error) Result {
	res := Result{
		Status:       status,
		ResponseTime: time.Since(start).Seconds(),
		Details:      details,
	}
	if err != nil {
		res.Error = err.Error()
	}

	return res
}

// DatabaseCheck pings the store.
func DatabaseCheck(dbh store.DB) CheckFunc {
	return func(ctx context.Context) Result {
		start := time.Now()

		if err := dbh.Ping(ctx); err != nil {
			return timed(start, Unhealthy, nil, err)
		}

		return timed(start, Healthy, nil, nil)
	}
}

// PoolCheck reports the slot usage of a coin's connection pool and feeds the pool gauges.
func PoolCheck(coinSym string, p *pool.Pool, met *metrics.Metrics) CheckFunc {
	return func(ctx context.Context) Result {
		start := time.Now()
		st := p.Stats()

		met.PoolInUse.WithLabelValues(coinSym).Set(float64(st.InUse))
		met.PoolBroken.WithLabelValues(coinSym).Set(float64(st.Broken + st.Dead))

		details := map[string]interface{}{
			"size": st.Size, "free": st.Free, "in_use": st.InUse,
			"broken": st.Broken, "dead": st.Dead, "waiters": st.Waiters,
		}

		switch {
		case st.Dead == st.Size:
			return timed(start, Unhealthy, details, pool.ErrUpstreamUnavailable)
		case st.Broken+st.Dead > 0:
			return timed(start, Degraded, details, nil)
		default:
			return timed(start, Healthy, details, nil)
		}
	}
}

// UpstreamCheck probes the chain through the pool with a getblockchaininfo call.
func UpstreamCheck(p *pool.Pool) CheckFunc {
	return func(ctx context.Context) Result {
		start := time.Now()

		client, err := p.Acquire(ctx)
		if err != nil {
			status := Degraded // no free slot within the timeout
			if errors.Is(err, pool.ErrUpstreamUnavailable) {
				status = Unhealthy
			}

			return timed(start, status, nil, err)
		}

		info, err := client.GetBlockchainInfo(ctx)

		p.Release(client, err)

		if err != nil {
			return timed(start, Unhealthy, nil, err)
		}

		details := map[string]interface{}{"chain": info.Chain, "blocks": info.Blocks}

		return timed(start, Healthy, details, nil)
	}
}

// BrokerCheck probes the message broker. Setup is idempotent, so re-declaring serves as the
// probe.
func BrokerCheck(mb msg.Broker) CheckFunc {
	return func(ctx context.Context) Result {
		start := time.Now()

		if err := mb.Setup(); err != nil {
			return timed(start, Unhealthy, nil, err)
		}

		return timed(start, Healthy, nil, nil)
	}
}
