// Package monitor runs one watcher per coin and wires confirmed deposits into automatic funds
// collection. Monitors survive restarts: their state is persisted and restored on boot.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarancss/chainwatch/collector"
	"github.com/tarancss/chainwatch/lib/coin"
	"github.com/tarancss/chainwatch/lib/health"
	"github.com/tarancss/chainwatch/lib/logger"
	"github.com/tarancss/chainwatch/lib/metrics"
	"github.com/tarancss/chainwatch/lib/msg"
	"github.com/tarancss/chainwatch/lib/pool"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/user"
	"github.com/tarancss/chainwatch/monitor/watcher"
)

// Errors returned
var (
	ErrAlreadyRunning = errors.New("monitor already running")
	ErrNotRunning     = errors.New("monitor not running")
	ErrMonitorLimit   = errors.New("concurrent monitor limit reached")
)

const (
	stopTimeout    = 10 * time.Second
	collectTimeout = 2 * time.Minute
	staleAfter     = 5 * time.Minute
)

// run is one live coin monitor.
type run struct {
	w      *watcher.Watcher
	cancel context.CancelFunc
	done   chan struct{}
	userID int64
}

// Engine owns the coin watchers.
type Engine struct {
	db    store.DB
	reg   *coin.Registry
	pools map[string]*pool.Pool
	mb    msg.Broker
	met   *metrics.Metrics
	coll  *collector.Collector
	users *user.Manager

	maxReconnect int
	pollInterval time.Duration

	mu   sync.Mutex
	runs map[string]*run

	log zerolog.Logger
}

// New instantiates the monitor engine. maxReconnect bounds each watcher's WebSocket reconnect
// budget before it degrades to polling.
func New(dbh store.DB, reg *coin.Registry, pools map[string]*pool.Pool, mb msg.Broker,
	coll *collector.Collector, users *user.Manager, met *metrics.Metrics, maxReconnect int,
) *Engine {
	return &Engine{
		db:           dbh,
		reg:          reg,
		pools:        pools,
		mb:           mb,
		met:          met,
		coll:         coll,
		users:        users,
		maxReconnect: maxReconnect,
		pollInterval: watcher.DefaultPollInterval,
		runs:         make(map[string]*run),
		log:          logger.GetLogger().With().Str("component", "monitor").Logger(),
	}
}

// StartCoin starts monitoring a coin on behalf of a user. The user's concurrent monitor quota
// is enforced before the watcher starts; userID 0 is the system itself and is not budgeted.
func (e *Engine) StartCoin(ctx context.Context, symbol string, userID int64) error {
	cn, err := e.reg.Get(symbol)
	if err != nil {
		return err
	}

	p, ok := e.pools[cn.Symbol]
	if !ok {
		return fmt.Errorf("%w: no connection pool for %s", coin.ErrUnknownCoin, cn.Symbol)
	}

	limit, err := e.monitorBudget(ctx, userID)
	if err != nil {
		return err
	}

	// a restart grants a dead pool a fresh reconnect budget
	p.Revive()

	w := watcher.New(cn, watcher.Deps{
		DB:           e.db,
		Pool:         p,
		Broker:       e.mb,
		Metrics:      e.met,
		OnConfirmed:  e.autoCollect,
		StartedBy:    userID,
		MaxReconnect: e.maxReconnect,
		PollInterval: e.pollInterval,
	})

	// the run outlives the request that started it
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{w: w, cancel: cancel, done: make(chan struct{}), userID: userID}

	// quota check and registration under one lock, so concurrent starts by the same user
	// cannot both pass at limit-1
	e.mu.Lock()
	if _, ok = e.runs[cn.Symbol]; ok {
		e.mu.Unlock()
		cancel()

		return fmt.Errorf("%w: %s", ErrAlreadyRunning, cn.Symbol)
	}

	if limit > 0 {
		n := 0

		for _, rr := range e.runs {
			if rr.userID == userID {
				n++
			}
		}

		if n >= limit {
			e.mu.Unlock()
			cancel()

			return fmt.Errorf("%w: %d allowed", ErrMonitorLimit, limit)
		}
	}

	e.runs[cn.Symbol] = r
	e.mu.Unlock()

	go func() {
		defer close(r.done)

		if err := w.Run(runCtx); err != nil {
			e.log.Error().Err(err).Str("coin", cn.Symbol).Msg("monitor ended with error")
		}

		e.mu.Lock()
		if e.runs[cn.Symbol] == r {
			delete(e.runs, cn.Symbol)
		}
		e.mu.Unlock()
	}()

	e.saveState(cn.Symbol, r, store.MonitorRunning)
	e.log.Info().Str("coin", cn.Symbol).Int64("user_id", userID).Msg("monitor started")

	return nil
}

// StopCoin stops the coin's monitor and persists the stopped state.
func (e *Engine) StopCoin(ctx context.Context, symbol string) error {
	cn, err := e.reg.Get(symbol)
	if err != nil {
		return err
	}

	e.mu.Lock()
	r, ok := e.runs[cn.Symbol]

	if ok {
		delete(e.runs, cn.Symbol)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, cn.Symbol)
	}

	r.cancel()

	select {
	case <-r.done:
	case <-time.After(stopTimeout):
		e.log.Warn().Str("coin", cn.Symbol).Msg("monitor did not stop in time")
	}

	e.saveState(cn.Symbol, r, store.MonitorStopped)
	e.log.Info().Str("coin", cn.Symbol).Msg("monitor stopped")

	return nil
}

// StopAll stops every monitor, used on shutdown. Stopped states are persisted so Restore does
// not resurrect them.
func (e *Engine) StopAll() {
	e.mu.Lock()
	runs := make(map[string]*run, len(e.runs))

	for sym, r := range e.runs {
		runs[sym] = r

		delete(e.runs, sym)
	}
	e.mu.Unlock()

	for sym, r := range runs {
		r.cancel()

		select {
		case <-r.done:
		case <-time.After(stopTimeout):
			e.log.Warn().Str("coin", sym).Msg("monitor did not stop in time")
		}

		e.saveState(sym, r, store.MonitorStopped)
	}
}

// Restore restarts the monitors that were running or degraded when the service last stopped.
func (e *Engine) Restore(ctx context.Context) error {
	states, err := e.db.MonitorStates(ctx)
	if err != nil {
		return fmt.Errorf("could not load monitor states: %w", err)
	}

	for _, st := range states {
		if st.Status != store.MonitorRunning && st.Status != store.MonitorDegraded {
			continue
		}

		if err := e.StartCoin(ctx, st.Coin, st.UserID); err != nil {
			e.log.Error().Err(err).Str("coin", st.Coin).Msg("could not restore monitor")

			continue
		}

		e.log.Info().Str("coin", st.Coin).Msg("monitor restored")
	}

	return nil
}

// Status returns a snapshot of every running monitor, ordered by coin.
func (e *Engine) Status() []watcher.Stats {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))

	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]watcher.Stats, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.w.Stats())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })

	return out
}

// StatusCoin returns the snapshot of one coin's monitor.
func (e *Engine) StatusCoin(symbol string) (watcher.Stats, error) {
	cn, err := e.reg.Get(symbol)
	if err != nil {
		return watcher.Stats{}, err
	}

	e.mu.Lock()
	r, ok := e.runs[cn.Symbol]
	e.mu.Unlock()

	if !ok {
		return watcher.Stats{}, fmt.Errorf("%w: %s", ErrNotRunning, cn.Symbol)
	}

	return r.w.Stats(), nil
}

// WatchAddress forwards a newly registered address to its coin's monitor, if one runs.
func (e *Engine) WatchAddress(a store.MonitoredAddress) {
	e.mu.Lock()
	r, ok := e.runs[a.Coin]
	e.mu.Unlock()

	if ok {
		r.w.Watch(a)
	}
}

// UnwatchAddress takes an address out of watch on its coin's monitor, if one runs.
func (e *Engine) UnwatchAddress(coinSym, address string) {
	e.mu.Lock()
	r, ok := e.runs[coinSym]
	e.mu.Unlock()

	if ok {
		r.w.Unwatch(address)
	}
}

// HealthCheck builds the health probe of one coin's monitor: not running is unhealthy, degraded
// or stalled is degraded.
func (e *Engine) HealthCheck(symbol string) health.CheckFunc {
	return func(ctx context.Context) health.Result {
		st, err := e.StatusCoin(symbol)
		if err != nil {
			return health.Result{Status: health.Unhealthy, Error: err.Error()}
		}

		details := map[string]interface{}{
			"connected":    st.Connected,
			"addresses":    st.Addresses,
			"messages":     st.MessagesReceived,
			"transactions": st.TransactionsProcessed,
		}

		switch {
		case st.Degraded:
			return health.Result{Status: health.Degraded, Details: details, Error: "websocket down, polling only"}
		case time.Since(st.LastActivity) > staleAfter:
			return health.Result{Status: health.Degraded, Details: details, Error: "no recent activity"}
		default:
			return health.Result{Status: health.Healthy, Details: details}
		}
	}
}

// monitorBudget resolves the user's concurrent monitor quota, 0 meaning unbudgeted. The count
// against it happens inside StartCoin's critical section.
func (e *Engine) monitorBudget(ctx context.Context, userID int64) (int, error) {
	if userID == 0 {
		return 0, nil
	}

	p, err := e.users.PrincipalOf(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return e.users.MonitorBudget(p), nil
}

// autoCollect sweeps a confirmed deposit to the address's collection target. It runs on every
// confirmed transition; addresses without collection material and owners without the collect
// capability are skipped.
func (e *Engine) autoCollect(a store.MonitoredAddress, tx store.Transaction) {
	if a.CollectTo == "" || a.SweepKey == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
		defer cancel()

		p, err := e.users.PrincipalOf(ctx, a.UserID)
		if err != nil {
			e.log.Error().Err(err).Int64("user_id", a.UserID).Msg("could not resolve address owner for sweep")

			return
		}

		if !p.Can(user.CapCollectFunds) {
			e.log.Debug().Int64("user_id", a.UserID).Msg("owner may not collect funds, sweep skipped")

			return
		}

		out, err := e.coll.Collect(ctx, collector.Request{
			UserID:        a.UserID,
			Coin:          a.Coin,
			Address:       a.Address,
			MasterAddress: a.CollectTo,
			PrivateKey:    a.SweepKey,
			TriggerTxid:   tx.Txid,
		})

		switch {
		case errors.Is(err, collector.ErrBelowThreshold):
			e.log.Debug().Str("coin", a.Coin).Str("txid", tx.Txid).Msg("deposit below collection threshold")
		case errors.Is(err, collector.ErrAlreadyCollected):
			e.log.Debug().Str("coin", a.Coin).Str("txid", tx.Txid).Msg("deposit already collected")
		case err != nil:
			e.log.Error().Err(err).Str("coin", a.Coin).Str("txid", tx.Txid).Msg("automatic collection failed")
		default:
			e.log.Info().Str("coin", a.Coin).Str("txid", out.Txid).
				Str("amount", out.AmountSent.String()).Msg("deposit collected")
		}
	}()
}

// saveState persists a monitor lifecycle change.
func (e *Engine) saveState(sym string, r *run, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := r.w.Stats()

	startedAt := st.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	err := e.db.SaveMonitorState(ctx, store.MonitorState{
		Coin:      sym,
		UserID:    r.userID,
		Status:    status,
		Addresses: st.Addresses,
		StartedAt: startedAt,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		e.log.Error().Err(err).Str("coin", sym).Msg("could not save monitor state")
	}
}
