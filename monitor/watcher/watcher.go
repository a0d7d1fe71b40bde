// Package watcher implements the per-coin monitoring state machine. A Watcher subscribes to
// every watched address of its coin over the blockbook WebSocket and reconciles pending
// transactions through a poll loop, so confirmation counts converge even when WebSocket
// notifications arrive late, out of order or not at all.
//
// Confirmation counts never regress: updates carrying a lower count than the recorded one are
// ignored, in memory and in the store. The confirmed transition for a txid is decided exactly
// once under the watcher mutex and recorded in the store before the event is published.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tarancss/chainwatch/lib/coin"
	"github.com/tarancss/chainwatch/lib/logger"
	"github.com/tarancss/chainwatch/lib/metrics"
	"github.com/tarancss/chainwatch/lib/msg"
	"github.com/tarancss/chainwatch/lib/nownodes"
	"github.com/tarancss/chainwatch/lib/pool"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/util"
)

const (
	// DefaultPollInterval is how often pending transactions are re-checked against the chain.
	DefaultPollInterval = 30 * time.Second

	backoffBase    = time.Second
	backoffMax     = 30 * time.Second
	acquireTimeout = 5 * time.Second
	writeTimeout   = 10 * time.Second

	// upstream pacing for the poll loop, nownodes throttles bursty clients
	pollRate  = 5
	pollBurst = 5
)

// ConfirmedFunc is called once per txid when a transaction reaches its confirmation threshold.
// The monitor engine uses it to evaluate automatic funds collection.
type ConfirmedFunc func(addr store.MonitoredAddress, tx store.Transaction)

// Deps carries the collaborators of a Watcher.
type Deps struct {
	DB           store.DB
	Pool         *pool.Pool
	Broker       msg.Broker
	Metrics      *metrics.Metrics
	OnConfirmed  ConfirmedFunc
	StartedBy    int64
	MaxReconnect int
	PollInterval time.Duration
}

// Stats is a snapshot of a watcher's state, served by the monitor status endpoint.
type Stats struct {
	Coin                  string    `json:"coin"`
	Running               bool      `json:"is_running"`
	Connected             bool      `json:"connected"`
	Degraded              bool      `json:"degraded"`
	Addresses             int       `json:"monitored_addresses"`
	MessagesReceived      int64     `json:"messages_received"`
	TransactionsProcessed int64     `json:"transactions_processed"`
	Errors                int64     `json:"errors"`
	ReconnectAttempts     int       `json:"reconnect_attempts"`
	StartedAt             time.Time `json:"start_time"`
	LastActivity          time.Time `json:"last_activity"`
}

// txState is the in-memory confirmation state of one observed (txid, address) pair.
type txState struct {
	confirmations int
	status        string
}

// Watcher watches every monitored address of one coin.
type Watcher struct {
	cn        coin.Coin
	db        store.DB
	pl        *pool.Pool
	mb        msg.Broker
	met       *metrics.Metrics
	confirmed ConfirmedFunc
	startedBy int64

	maxReconnect int
	pollInterval time.Duration

	mu        sync.Mutex
	addrs     map[string]store.MonitoredAddress
	txs       map[string]*txState
	running   bool
	connected bool
	degraded  bool
	attempts  int
	startedAt time.Time
	lastAct   time.Time
	messages  int64
	processed int64
	errCount  int64

	wmu  sync.Mutex // guards writes to conn
	conn *websocket.Conn

	limiter *rate.Limiter
	revive  chan struct{}
	log     zerolog.Logger
}

// New returns a watcher for the coin. Call Run to start it.
func New(cn coin.Coin, d Deps) *Watcher {
	if d.PollInterval <= 0 {
		d.PollInterval = DefaultPollInterval
	}

	return &Watcher{
		cn:           cn,
		db:           d.DB,
		pl:           d.Pool,
		mb:           d.Broker,
		met:          d.Metrics,
		confirmed:    d.OnConfirmed,
		startedBy:    d.StartedBy,
		maxReconnect: d.MaxReconnect,
		pollInterval: d.PollInterval,
		addrs:        make(map[string]store.MonitoredAddress),
		txs:          make(map[string]*txState),
		limiter:      rate.NewLimiter(pollRate, pollBurst),
		revive:       make(chan struct{}, 1),
		log:          logger.GetLogger().With().Str("component", "watcher").Str("coin", cn.Symbol).Logger(),
	}
}

// Run loads the coin's active addresses and drives the WebSocket and poll loops until the
// context is cancelled. It returns the address count loading error, if any; loop errors are
// handled by reconnecting.
func (w *Watcher) Run(ctx context.Context) error {
	addrs, err := w.db.AddressesForCoin(ctx, w.cn.Symbol)
	if err != nil {
		return fmt.Errorf("could not load addresses for %s: %w", w.cn.Symbol, err)
	}

	w.mu.Lock()
	for _, a := range addrs {
		w.addrs[a.Address] = a
	}

	w.running = true
	w.startedAt = time.Now().UTC()
	w.lastAct = w.startedAt
	n := len(w.addrs)
	w.mu.Unlock()

	w.met.MonitoredAddresses.WithLabelValues(w.cn.Symbol).Set(float64(n))
	w.log.Info().Int("addresses", n).Msg("watcher started")

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		w.wsLoop(ctx)
	}()

	go func() {
		defer wg.Done()

		w.pollLoop(ctx)
	}()

	wg.Wait()

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.met.WebsocketConnections.WithLabelValues(w.cn.Symbol).Set(0)
	w.log.Info().Msg("watcher stopped")

	return nil
}

// Watch puts an address under watch and subscribes it on the live connection, used when a user
// registers an address while the coin monitor runs.
func (w *Watcher) Watch(a store.MonitoredAddress) {
	w.mu.Lock()
	w.addrs[a.Address] = a
	n := len(w.addrs)
	w.mu.Unlock()

	w.met.MonitoredAddresses.WithLabelValues(w.cn.Symbol).Set(float64(n))

	if err := w.send(nownodes.SubscribeMessage(a.Address)); err != nil {
		w.log.Debug().Err(err).Str("address", util.Truncate(a.Address, 10)).
			Msg("live subscribe failed, address picked up on reconnect")
	}
}

// Unwatch removes an address from watch. Notifications already in flight for it are dropped;
// its pending rows are skipped on the next poll cycle.
func (w *Watcher) Unwatch(address string) {
	w.mu.Lock()
	delete(w.addrs, address)
	n := len(w.addrs)
	w.mu.Unlock()

	w.met.MonitoredAddresses.WithLabelValues(w.cn.Symbol).Set(float64(n))
}

// Stats returns a snapshot of the watcher state.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Stats{
		Coin:                  w.cn.Symbol,
		Running:               w.running,
		Connected:             w.connected,
		Degraded:              w.degraded,
		Addresses:             len(w.addrs),
		MessagesReceived:      w.messages,
		TransactionsProcessed: w.processed,
		Errors:                w.errCount,
		ReconnectAttempts:     w.attempts,
		StartedAt:             w.startedAt,
		LastActivity:          w.lastAct,
	}
}

// wsLoop dials, subscribes and reads until the connection breaks, then reconnects with
// exponential backoff. When the reconnect budget is spent the loop parks in degraded state
// until a successful poll revives it, polling keeps the watcher converging meanwhile.
func (w *Watcher) wsLoop(ctx context.Context) {
	for {
		err := w.wsSession(ctx)
		if ctx.Err() != nil {
			return
		}

		w.met.WebsocketConnections.WithLabelValues(w.cn.Symbol).Set(0)

		w.mu.Lock()
		w.connected = false
		w.attempts++
		attempt := w.attempts
		w.mu.Unlock()

		w.met.WebsocketReconnects.WithLabelValues(w.cn.Symbol, reconnectReason(err)).Inc()

		if attempt > w.maxReconnect {
			w.park(ctx)

			if ctx.Err() != nil {
				return
			}

			continue
		}

		w.log.Warn().Err(err).Int("attempt", attempt).Msg("websocket connection lost, reconnecting")

		backoff := backoffBase << (attempt - 1)
		if backoff > backoffMax || backoff <= 0 {
			backoff = backoffMax
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// park flips the watcher to degraded and waits for a revive signal from the poll loop. Other
// coins are unaffected, each watcher owns its goroutines and pool.
func (w *Watcher) park(ctx context.Context) {
	w.mu.Lock()
	w.degraded = true
	w.mu.Unlock()

	w.saveState(store.MonitorDegraded)
	w.log.Error().Int("max_attempts", w.maxReconnect).
		Msg("websocket reconnect budget spent, monitoring degraded to polling")

	select {
	case <-ctx.Done():
		return
	case <-w.revive:
	}

	w.mu.Lock()
	w.degraded = false
	w.attempts = 0
	w.mu.Unlock()

	w.saveState(store.MonitorRunning)
	w.log.Info().Msg("upstream reachable again, websocket monitoring resumed")
}

// wsSession runs one connection: dial through the pool, subscribe everything, read until error.
func (w *Watcher) wsSession(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, acquireTimeout)
	client, err := w.pl.Acquire(actx)

	cancel()

	if err != nil {
		return err
	}

	conn, err := client.DialWS(ctx)

	// the dial error also tells the pool about a broken upstream
	w.pl.Release(client, err)

	if err != nil {
		return err
	}

	w.wmu.Lock()
	w.conn = conn
	w.wmu.Unlock()

	defer func() {
		w.wmu.Lock()
		w.conn = nil
		w.wmu.Unlock()

		conn.Close()
	}()

	// unblock the read loop on cancellation
	sessionDone := make(chan struct{})
	defer close(sessionDone)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	w.mu.Lock()
	w.connected = true
	w.attempts = 0
	addrs := make([]string, 0, len(w.addrs))

	for a := range w.addrs {
		addrs = append(addrs, a)
	}
	w.mu.Unlock()

	w.met.WebsocketConnections.WithLabelValues(w.cn.Symbol).Set(1)

	for _, a := range addrs {
		if err = w.send(nownodes.SubscribeMessage(a)); err != nil {
			return fmt.Errorf("could not subscribe %s: %w", util.Truncate(a, 10), err)
		}
	}

	w.log.Info().Int("addresses", len(addrs)).Msg("websocket connected, addresses subscribed")

	for {
		var m nownodes.WSMessage
		if err = conn.ReadJSON(&m); err != nil {
			return err
		}

		w.mu.Lock()
		w.messages++
		w.lastAct = time.Now().UTC()
		w.mu.Unlock()

		switch m.Method {
		case "ping":
			if err = w.send(nownodes.PongMessage(m)); err != nil {
				return err
			}
		case "subscribe":
			var n nownodes.TxNotification
			if err = json.Unmarshal(m.Params, &n); err != nil {
				w.countError()
				w.log.Error().Err(err).Msg("could not decode transaction notification")

				continue
			}

			w.apply(ctx, n)
		}
	}
}

// send writes one message on the live connection, safe for concurrent use.
func (w *Watcher) send(m nownodes.WSMessage) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()

	if w.conn == nil {
		return errors.New("websocket not connected")
	}

	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return w.conn.WriteJSON(m)
}

// pollLoop re-checks pending transactions against the chain every interval. A fully successful
// cycle while degraded revives the WebSocket loop.
func (w *Watcher) pollLoop(ctx context.Context) {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ok := w.pollPending(ctx); !ok {
				continue
			}

			w.mu.Lock()
			w.lastAct = time.Now().UTC()
			degraded := w.degraded
			w.mu.Unlock()

			if degraded {
				select {
				case w.revive <- struct{}{}:
				default:
				}
			}
		}
	}
}

// pollPending fetches the chain state of every pending transaction and applies the updates.
// It reports whether the cycle completed without upstream errors.
func (w *Watcher) pollPending(ctx context.Context) bool {
	pending, err := w.db.PendingTransactions(ctx, w.cn.Symbol)
	if err != nil {
		w.countError()
		w.log.Error().Err(err).Msg("could not load pending transactions")

		return false
	}

	ok := true

	for _, p := range pending {
		if ctx.Err() != nil {
			return false
		}

		w.mu.Lock()
		_, watched := w.addrs[p.Address]
		w.mu.Unlock()

		// removed addresses stop cleanly on the next cycle
		if !watched {
			continue
		}

		tx, err := w.fetchTx(ctx, p.Txid)
		if err != nil {
			w.countError()
			w.log.Warn().Err(err).Str("txid", util.Truncate(p.Txid, 10)).Msg("poll failed")

			ok = false

			continue
		}

		w.apply(ctx, nownodes.TxNotification{
			Txid:          p.Txid,
			Address:       p.Address,
			Amount:        p.Amount,
			Confirmations: tx.Confirmations,
			Timestamp:     tx.BlockTime,
		})
	}

	return ok
}

func (w *Watcher) fetchTx(ctx context.Context, txid string) (nownodes.Tx, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nownodes.Tx{}, err
	}

	actx, cancel := context.WithTimeout(ctx, acquireTimeout)
	client, err := w.pl.Acquire(actx)

	cancel()

	if err != nil {
		return nownodes.Tx{}, err
	}

	tx, err := client.GetTransaction(ctx, txid)

	w.pl.Release(client, err)

	return tx, err
}

// apply folds one confirmation observation into the state machine. Unknown addresses are
// dropped, known txids only ever grow their confirmation count, and the confirmed transition
// fires at most once per (txid, address).
func (w *Watcher) apply(ctx context.Context, n nownodes.TxNotification) {
	if n.Txid == "" || n.Address == "" {
		return
	}

	w.mu.Lock()
	owner, watched := w.addrs[n.Address]
	w.mu.Unlock()

	if !watched {
		w.log.Debug().Str("address", util.Truncate(n.Address, 10)).
			Msg("notification for address not under watch")

		return
	}

	key := n.Txid + "/" + n.Address
	st := w.seed(ctx, owner.UserID, key, n)

	w.mu.Lock()
	conf := st.confirmations
	if n.Confirmations > conf {
		conf = n.Confirmations
	}

	status := w.statusFor(conf)
	w.mu.Unlock()

	ts := time.Unix(n.Timestamp, 0).UTC()
	if n.Timestamp == 0 {
		ts = time.Now().UTC()
	}

	tx := store.Transaction{
		UserID:        owner.UserID,
		Coin:          w.cn.Symbol,
		Txid:          n.Txid,
		Address:       n.Address,
		Amount:        n.Amount,
		Confirmations: conf,
		Status:        status,
		Timestamp:     ts,
	}

	// the store keeps the maximum confirmation count, so racing writers cannot regress it
	if err := w.db.SaveTransaction(ctx, tx); err != nil {
		w.countError()
		w.log.Error().Err(err).Str("txid", util.Truncate(n.Txid, 10)).Msg("could not save transaction")

		return
	}

	// the in-memory state is committed only now that the row is durable, so a failed save
	// leaves it behind and the next delivery of the same observation retries the write. The
	// transition is decided under the mutex at commit time, a racing writer that committed
	// CONFIRMED first wins and this one fires no second event.
	w.mu.Lock()

	firstSeen := st.status == ""

	if conf < st.confirmations {
		conf = st.confirmations
	}

	status = w.statusFor(conf)
	transition := st.status != store.TxConfirmed && status == store.TxConfirmed
	st.confirmations = conf
	st.status = status
	w.processed++
	w.mu.Unlock()

	tx.Confirmations = conf
	tx.Status = status

	w.met.TransactionsProcessed.WithLabelValues(w.cn.Symbol, status).Inc()

	if firstSeen && !transition {
		w.publish(msg.TxSeen, tx)
		w.log.Info().Str("txid", util.Truncate(n.Txid, 10)).Int("confirmations", conf).
			Str("amount", util.FormatAmount(n.Amount, w.cn.Decimals, w.cn.Symbol)).
			Msg("new transaction detected")
	}

	if transition {
		w.publish(msg.TxConfirmed, tx)
		w.log.Info().Str("txid", util.Truncate(n.Txid, 10)).Int("confirmations", conf).
			Msg("transaction confirmed")

		if w.confirmed != nil {
			w.confirmed(owner, tx)
		}
	}
}

// seed returns the in-memory state for key, creating it from the stored row on first sight so
// restarts do not re-announce transactions already tracked.
func (w *Watcher) seed(ctx context.Context, userID int64, key string, n nownodes.TxNotification) *txState {
	w.mu.Lock()

	st, ok := w.txs[key]
	if ok {
		w.mu.Unlock()

		return st
	}
	w.mu.Unlock()

	var prior *store.Transaction

	row, err := w.db.TransactionByTxid(ctx, userID, w.cn.Symbol, n.Txid, n.Address)
	if err == nil {
		prior = &row
	} else if !errors.Is(err, store.ErrNotFound) {
		w.countError()
		w.log.Error().Err(err).Str("txid", util.Truncate(n.Txid, 10)).Msg("could not read stored transaction")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// another goroutine may have seeded while the store was read
	if st, ok = w.txs[key]; ok {
		return st
	}

	st = &txState{}
	if prior != nil {
		st.confirmations = prior.Confirmations
		st.status = prior.Status
	}

	w.txs[key] = st

	return st
}

// statusFor maps a confirmation count to the transaction status of this coin.
func (w *Watcher) statusFor(confirmations int) string {
	switch {
	case confirmations >= w.cn.RequiredConfirmations:
		return store.TxConfirmed
	case confirmations > 0:
		return store.TxConfirming
	default:
		return store.TxMempool
	}
}

func (w *Watcher) publish(status string, tx store.Transaction) {
	err := w.mb.PublishTx(w.cn.Symbol, msg.TxEvent{
		Coin:          tx.Coin,
		Txid:          tx.Txid,
		Address:       tx.Address,
		Amount:        tx.Amount,
		Confirmations: tx.Confirmations,
		Status:        status,
		UserID:        tx.UserID,
		Timestamp:     tx.Timestamp,
	})
	if err != nil {
		w.countError()
		w.log.Error().Err(err).Str("txid", util.Truncate(tx.Txid, 10)).Msg("could not publish transaction event")
	}
}

func (w *Watcher) saveState(status string) {
	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()

	w.mu.Lock()
	m := store.MonitorState{
		Coin:      w.cn.Symbol,
		UserID:    w.startedBy,
		Status:    status,
		Addresses: len(w.addrs),
		StartedAt: w.startedAt,
		UpdatedAt: time.Now().UTC(),
	}
	w.mu.Unlock()

	if err := w.db.SaveMonitorState(ctx, m); err != nil {
		w.log.Error().Err(err).Msg("could not save monitor state")
	}
}

func (w *Watcher) countError() {
	w.mu.Lock()
	w.errCount++
	w.mu.Unlock()
}

// reconnectReason labels the websocket reconnect metric.
func reconnectReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, pool.ErrExhausted), errors.Is(err, pool.ErrUpstreamUnavailable):
		return "pool"
	case websocket.IsUnexpectedCloseError(err):
		return "connection_closed"
	default:
		return "connection_failed"
	}
}
