// Package collector sweeps confirmed funds from monitored addresses to a master address.
//
// A sweep is keyed by the txid that triggered it: the collection marker row is written before
// anything is broadcast, so a trigger txid can never pay out twice, whatever crashes or
// retries happen in between.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tarancss/chainwatch/lib/coin"
	"github.com/tarancss/chainwatch/lib/logger"
	"github.com/tarancss/chainwatch/lib/metrics"
	"github.com/tarancss/chainwatch/lib/msg"
	"github.com/tarancss/chainwatch/lib/nownodes"
	"github.com/tarancss/chainwatch/lib/pool"
	"github.com/tarancss/chainwatch/lib/store"
)

// Errors returned
var (
	ErrBelowThreshold   = errors.New("confirmed balance below collection threshold")
	ErrAlreadyCollected = errors.New("funds for this trigger were already collected")
	ErrBroadcastFailed  = errors.New("could not broadcast collection transaction")
	ErrBadKey           = errors.New("invalid private key")
)

const (
	minKeyLen        = 30
	broadcastRetries = 3
	retryBase        = time.Second
	settleTimeout    = 10 * time.Second
)

// Request describes one sweep.
type Request struct {
	UserID        int64
	Coin          string
	Address       string
	MasterAddress string
	PrivateKey    string
	// TriggerTxid is the confirmed incoming txid for automatic sweeps. Manual sweeps leave
	// it empty and get a unique manual trigger.
	TriggerTxid string
}

// Outcome reports a settled sweep.
type Outcome struct {
	CollectionID int64           `json:"collection_id"`
	Txid         string          `json:"txid"`
	AmountSent   decimal.Decimal `json:"amount_sent"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Fee          decimal.Decimal `json:"fee"`
	UTXOs        int             `json:"utxos"`
}

// Eligibility is the answer to a pre-collection check.
type Eligibility struct {
	CanCollect       bool            `json:"can_collect"`
	ConfirmedBalance decimal.Decimal `json:"confirmed_balance"`
	MinCollection    decimal.Decimal `json:"min_collection_amount"`
	Fee              decimal.Decimal `json:"collection_fee"`
	AmountAfterFee   decimal.Decimal `json:"amount_after_fee"`
	UTXOs            int             `json:"utxos"`
}

// Collector runs sweeps against the per-coin connection pools.
type Collector struct {
	db    store.DB
	reg   *coin.Registry
	pools map[string]*pool.Pool
	mb    msg.Broker
	met   *metrics.Metrics
	log   zerolog.Logger
}

// New returns a collector. The pools map is keyed by coin symbol and shared with the monitor.
func New(dbh store.DB, reg *coin.Registry, pools map[string]*pool.Pool, mb msg.Broker, met *metrics.Metrics) *Collector {
	return &Collector{
		db:    dbh,
		reg:   reg,
		pools: pools,
		mb:    mb,
		met:   met,
		log:   logger.GetLogger().With().Str("component", "collector").Logger(),
	}
}

// CheckEligibility reports whether a sweep of the address would pay out, and how much.
func (c *Collector) CheckEligibility(ctx context.Context, coinSym, address string) (Eligibility, error) {
	cn, err := c.reg.Get(coinSym)
	if err != nil {
		return Eligibility{}, err
	}

	utxos, err := c.confirmedUTXOs(ctx, cn, address)
	if err != nil {
		return Eligibility{}, err
	}

	return eligibility(cn, utxos), nil
}

// Collect performs a sweep end to end. The marker row is persisted before the broadcast, a
// duplicate trigger returns ErrAlreadyCollected without touching the chain. A marker left
// behind by a failed broadcast is taken over, so those deposits stay collectable.
func (c *Collector) Collect(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()

	cn, err := c.reg.Get(req.Coin)
	if err != nil {
		return Outcome{}, err
	}

	if len(req.PrivateKey) < minKeyLen {
		return Outcome{}, ErrBadKey
	}

	if err = cn.ValidateAddress(req.MasterAddress); err != nil {
		return Outcome{}, fmt.Errorf("master address: %w", err)
	}

	if req.TriggerTxid == "" {
		req.TriggerTxid = "manual-" + uuid.NewString()
	}

	utxos, err := c.confirmedUTXOs(ctx, cn, req.Address)
	if err != nil {
		return Outcome{}, err
	}

	elig := eligibility(cn, utxos)
	if !elig.CanCollect {
		return Outcome{}, fmt.Errorf("%w: confirmed %s %s, minimum %s",
			ErrBelowThreshold, elig.ConfirmedBalance, cn.Symbol, cn.MinCollectionAmount)
	}

	coll := store.Collection{
		UserID:        req.UserID,
		Coin:          cn.Symbol,
		Address:       req.Address,
		TriggerTxid:   req.TriggerTxid,
		AmountSent:    elig.AmountAfterFee,
		TotalAmount:   elig.ConfirmedBalance,
		Fee:           cn.CollectionFee,
		MasterAddress: req.MasterAddress,
		Status:        store.CollectPending,
		CreatedAt:     time.Now().UTC(),
	}

	id, err := c.db.CreateCollection(ctx, coll)
	if errors.Is(err, store.ErrDuplicate) {
		return Outcome{}, fmt.Errorf("%w: trigger %s", ErrAlreadyCollected, req.TriggerTxid)
	}

	if err != nil {
		return Outcome{}, err
	}

	txid, err := c.sweep(ctx, cn, req, utxos, elig.AmountAfterFee)
	if err != nil {
		c.settle(ctx, cn, coll, id, "", store.CollectFailed)

		return Outcome{}, err
	}

	c.settle(ctx, cn, coll, id, txid, store.CollectSent)
	c.met.CollectedAmount.WithLabelValues(cn.Symbol).Add(elig.AmountAfterFee.InexactFloat64())

	c.log.Info().Str("coin", cn.Symbol).Str("txid", txid).
		Str("amount", elig.AmountAfterFee.String()).Int64("user_id", req.UserID).
		Dur("took", time.Since(start)).Msg("funds collected")

	return Outcome{
		CollectionID: id,
		Txid:         txid,
		AmountSent:   elig.AmountAfterFee,
		TotalAmount:  elig.ConfirmedBalance,
		Fee:          cn.CollectionFee,
		UTXOs:        elig.UTXOs,
	}, nil
}

// sweep builds, signs and broadcasts the collection transaction.
func (c *Collector) sweep(ctx context.Context, cn coin.Coin, req Request, utxos []nownodes.UTXO, send decimal.Decimal) (string, error) {
	inputs := make([]nownodes.TxInput, len(utxos))
	for i, u := range utxos {
		inputs[i] = nownodes.TxInput{Txid: u.Txid, Vout: u.Vout}
	}

	outputs := map[string]decimal.Decimal{req.MasterAddress: cn.Round(send)}

	signed, err := c.buildAndSign(ctx, cn, inputs, outputs, req.PrivateKey)
	if err != nil {
		return "", err
	}

	return c.broadcast(ctx, cn, signed)
}

func (c *Collector) buildAndSign(ctx context.Context, cn coin.Coin, inputs []nownodes.TxInput, outputs map[string]decimal.Decimal, key string) (string, error) {
	p := c.pools[cn.Symbol]

	client, err := p.Acquire(ctx)
	if err != nil {
		return "", err
	}

	raw, err := client.CreateRawTransaction(ctx, inputs, outputs)
	if err != nil {
		p.Release(client, err)

		return "", fmt.Errorf("could not create collection transaction: %w", err)
	}

	signed, err := client.SignRawTransactionWithKey(ctx, raw, []string{key})

	p.Release(client, err)

	if err != nil {
		return "", fmt.Errorf("could not sign collection transaction: %w", err)
	}

	return signed, nil
}

// broadcast sends the signed transaction, retrying transient transport failures with a fresh
// slot. Node rejections are permanent and fail immediately.
func (c *Collector) broadcast(ctx context.Context, cn coin.Coin, signed string) (string, error) {
	p := c.pools[cn.Symbol]

	var lastErr error

	for attempt := 0; attempt <= broadcastRetries; attempt++ {
		if attempt > 0 {
			// wait 1s, 2s, 4s
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, ctx.Err())
			case <-time.After(retryBase << (attempt - 1)):
			}
		}

		client, err := p.Acquire(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
		}

		txid, err := client.SendRawTransaction(ctx, signed)

		p.Release(client, err)

		if err == nil {
			return txid, nil
		}

		lastErr = err

		if !transient(err) {
			break
		}

		c.log.Warn().Str("coin", cn.Symbol).Int("attempt", attempt+1).Err(err).
			Msg("broadcast failed, retrying")
	}

	return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, lastErr)
}

// settle finishes the marker row, records the metric and publishes the collection event. The
// row must settle even when the caller's context is gone, a pending marker blocks its trigger
// for good.
func (c *Collector) settle(_ context.Context, cn coin.Coin, coll store.Collection, id int64, txid, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := c.db.FinishCollection(ctx, id, txid, status); err != nil {
		c.log.Error().Int64("collection_id", id).Err(err).Msg("could not finish collection record")
	}

	outcome := "success"
	if status != store.CollectSent {
		outcome = "failed"
	}

	c.met.FundsCollections.WithLabelValues(cn.Symbol, outcome).Inc()

	err := c.mb.PublishCollection(cn.Symbol, msg.CollectionEvent{
		Coin:          cn.Symbol,
		TriggerTxid:   coll.TriggerTxid,
		Txid:          txid,
		Address:       coll.Address,
		MasterAddress: coll.MasterAddress,
		AmountSent:    coll.AmountSent,
		Fee:           coll.Fee,
		Status:        status,
		UserID:        coll.UserID,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		c.log.Error().Str("coin", cn.Symbol).Err(err).Msg("could not publish collection event")
	}

	aerr := c.db.LogActivity(ctx, store.Activity{
		UserID:       coll.UserID,
		Action:       "funds_collected",
		ResourceType: "collection",
		ResourceID:   coll.TriggerTxid,
		Details:      fmt.Sprintf(`{"status":%q,"txid":%q}`, status, txid),
		Timestamp:    time.Now().UTC(),
	})
	if aerr != nil {
		c.log.Error().Err(aerr).Msg("could not record activity")
	}
}

// confirmedUTXOs fetches the address UTXOs and keeps the confirmed ones.
func (c *Collector) confirmedUTXOs(ctx context.Context, cn coin.Coin, address string) ([]nownodes.UTXO, error) {
	p := c.pools[cn.Symbol]
	if p == nil {
		return nil, fmt.Errorf("%w: %s", coin.ErrUnknownCoin, cn.Symbol)
	}

	client, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	utxos, err := client.GetUTXOs(ctx, address)

	p.Release(client, err)

	if err != nil {
		return nil, fmt.Errorf("could not fetch UTXOs: %w", err)
	}

	confirmed := utxos[:0]

	for _, u := range utxos {
		if u.Confirmations >= 1 {
			confirmed = append(confirmed, u)
		}
	}

	return confirmed, nil
}

// eligibility applies the coin thresholds to a confirmed UTXO set.
func eligibility(cn coin.Coin, utxos []nownodes.UTXO) Eligibility {
	total := decimal.Zero
	for _, u := range utxos {
		total = total.Add(u.Value)
	}

	e := Eligibility{
		ConfirmedBalance: total,
		MinCollection:    cn.MinCollectionAmount,
		Fee:              cn.CollectionFee,
		AmountAfterFee:   decimal.Zero,
		UTXOs:            len(utxos),
	}

	if total.LessThan(cn.MinCollectionAmount) {
		return e
	}

	send := total.Sub(cn.CollectionFee)
	if send.IsPositive() {
		e.CanCollect = true
		e.AmountAfterFee = send
	}

	return e
}

// transient reports whether a broadcast failure is worth retrying. Node rejections come back
// as RPC errors and are permanent.
func transient(err error) bool {
	var rpcErr *nownodes.RPCError
	if errors.As(err, &rpcErr) {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
