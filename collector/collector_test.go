package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/tarancss/chainwatch/lib/coin"
	"github.com/tarancss/chainwatch/lib/config"
	"github.com/tarancss/chainwatch/lib/metrics"
	"github.com/tarancss/chainwatch/lib/msg"
	"github.com/tarancss/chainwatch/lib/nownodes"
	"github.com/tarancss/chainwatch/lib/pool"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/store/sqlite"
)

const testKey = "cVt4o7BGAig1UXywgGSmARhxMdzP5qvQsxKkSsc1XEkw3tDTQFpy"

type fakeUTXO struct {
	Txid          string `json:"txid"`
	Vout          int    `json:"vout"`
	Value         string `json:"value"`
	Confirmations int    `json:"confirmations"`
}

// fakeChain serves the blockbook UTXO endpoint and the node JSON-RPC methods the collector
// drives.
type fakeChain struct {
	srv        *httptest.Server
	mu         sync.Mutex
	utxos      []fakeUTXO
	sends      atomic.Int32
	lastInputs atomic.Int32
	rejectSend atomic.Bool
}

func (f *fakeChain) setUTXOs(u []fakeUTXO) {
	f.mu.Lock()
	f.utxos = u
	f.mu.Unlock()
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()

	f := &fakeChain{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/v2/utxo/") {
			f.mu.Lock()
			u := f.utxos
			f.mu.Unlock()

			_ = json.NewEncoder(w).Encode(u)

			return
		}

		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}

		_ = json.NewDecoder(r.Body).Decode(&req)

		switch req.Method {
		case "getblockchaininfo":
			rpcResult(w, map[string]interface{}{"chain": "main", "blocks": 100})
		case "createrawtransaction":
			var inputs []nownodes.TxInput

			_ = json.Unmarshal(req.Params[0], &inputs)
			f.lastInputs.Store(int32(len(inputs)))
			rpcResult(w, "00aaff")
		case "signrawtransactionwithkey":
			rpcResult(w, map[string]interface{}{"hex": "00aaffsigned", "complete": true})
		case "sendrawtransaction":
			f.sends.Add(1)

			if f.rejectSend.Load() {
				rpcError(w, -26, "dust")

				return
			}

			rpcResult(w, "sweeptxid01")
		default:
			rpcError(w, -32601, "method not found")
		}
	}))

	t.Cleanup(f.srv.Close)

	return f
}

func rpcResult(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": v, "error": nil, "id": "chainwatch"})
}

func rpcError(w http.ResponseWriter, code int, message string) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"result": nil,
		"error":  map[string]interface{}{"code": code, "message": message},
		"id":     "chainwatch",
	})
}

func newTestCollector(t *testing.T, f *fakeChain) (*Collector, store.DB, string) {
	t.Helper()

	dbh, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("could not open test db: %v", err)
	}

	t.Cleanup(func() { dbh.Close() })

	reg, err := coin.NewRegistry(map[string]config.Coin{
		"LTC": {
			Name: "Litecoin", Decimals: 8,
			BlockbookURL: f.srv.URL, RPCURL: f.srv.URL,
			RequiredConfirmations: 3, MinCollectionAmount: 0.001, CollectionFee: 0.0001,
		},
	})
	if err != nil {
		t.Fatalf("could not build registry: %v", err)
	}

	cn, _ := reg.Get("LTC")

	p, err := pool.New(2, 1, func() (*nownodes.Client, error) { return nownodes.New(cn, "test-key"), nil })
	if err != nil {
		t.Fatalf("could not build pool: %v", err)
	}

	t.Cleanup(func() { p.Close() })

	c := New(dbh, reg, map[string]*pool.Pool{"LTC": p}, msg.NewNop(),
		metrics.NewWith(prometheus.NewRegistry(), "blockchain_module"))

	master := base58.CheckEncode(bytes.Repeat([]byte{0x11}, 20), 48) // checksum-valid 'L' address

	return c, dbh, master
}

func TestCollectSweepsConfirmedFunds(t *testing.T) {
	ctx := context.Background()
	f := newFakeChain(t)
	f.setUTXOs([]fakeUTXO{
		{Txid: "aa01", Vout: 0, Value: "50000000", Confirmations: 3},
		{Txid: "bb02", Vout: 1, Value: "20000000", Confirmations: 0},
	})

	c, dbh, master := newTestCollector(t, f)

	out, err := c.Collect(ctx, Request{
		UserID:        1,
		Coin:          "ltc",
		Address:       "ltc1qwatch",
		MasterAddress: master,
		PrivateKey:    testKey,
		TriggerTxid:   "aa01",
	})
	if err != nil {
		t.Fatalf("could not collect: %v", err)
	}

	if out.Txid != "sweeptxid01" {
		t.Errorf("sweep txid: got %q", out.Txid)
	}

	if !out.AmountSent.Equal(decimal.RequireFromString("0.4999")) {
		t.Errorf("amount sent: got %s, want 0.4999", out.AmountSent)
	}

	if !out.TotalAmount.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("total: got %s, want 0.5", out.TotalAmount)
	}

	if out.UTXOs != 1 || f.lastInputs.Load() != 1 {
		t.Errorf("unconfirmed UTXO included: outcome %d, inputs %d", out.UTXOs, f.lastInputs.Load())
	}

	colls, err := dbh.CollectionsByAddress(ctx, "LTC", "ltc1qwatch")
	if err != nil {
		t.Fatalf("could not read collections: %v", err)
	}

	if len(colls) != 1 || colls[0].Status != store.CollectSent || colls[0].Txid != "sweeptxid01" {
		t.Errorf("marker row: %+v", colls)
	}

	acts, err := dbh.ActivitiesByUser(ctx, 1, 10)
	if err != nil {
		t.Fatalf("could not read activities: %v", err)
	}

	if len(acts) != 1 || acts[0].Action != "funds_collected" {
		t.Errorf("activity trail: %+v", acts)
	}
}

func TestCollectBelowThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFakeChain(t)
	f.setUTXOs([]fakeUTXO{{Txid: "aa01", Vout: 0, Value: "50000", Confirmations: 3}}) // 0.0005

	c, dbh, master := newTestCollector(t, f)

	_, err := c.Collect(ctx, Request{
		UserID: 1, Coin: "LTC", Address: "ltc1qwatch",
		MasterAddress: master, PrivateKey: testKey, TriggerTxid: "aa01",
	})
	if !errors.Is(err, ErrBelowThreshold) {
		t.Fatalf("dust sweep: got %v, want ErrBelowThreshold", err)
	}

	colls, err := dbh.CollectionsByAddress(ctx, "LTC", "ltc1qwatch")
	if err != nil {
		t.Fatalf("could not read collections: %v", err)
	}

	if len(colls) != 0 {
		t.Errorf("threshold skip left a marker: %+v", colls)
	}

	if f.sends.Load() != 0 {
		t.Error("threshold skip still broadcast")
	}
}

func TestCollectDuplicateTrigger(t *testing.T) {
	ctx := context.Background()
	f := newFakeChain(t)
	f.setUTXOs([]fakeUTXO{{Txid: "aa01", Vout: 0, Value: "50000000", Confirmations: 3}})

	c, _, master := newTestCollector(t, f)

	req := Request{
		UserID: 1, Coin: "LTC", Address: "ltc1qwatch",
		MasterAddress: master, PrivateKey: testKey, TriggerTxid: "aa01",
	}

	if _, err := c.Collect(ctx, req); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}

	if _, err := c.Collect(ctx, req); !errors.Is(err, ErrAlreadyCollected) {
		t.Fatalf("second sweep: got %v, want ErrAlreadyCollected", err)
	}

	if f.sends.Load() != 1 {
		t.Errorf("broadcasts: got %d, want 1", f.sends.Load())
	}
}

func TestCollectBroadcastRejected(t *testing.T) {
	ctx := context.Background()
	f := newFakeChain(t)
	f.setUTXOs([]fakeUTXO{{Txid: "aa01", Vout: 0, Value: "50000000", Confirmations: 3}})
	f.rejectSend.Store(true)

	c, dbh, master := newTestCollector(t, f)

	_, err := c.Collect(ctx, Request{
		UserID: 1, Coin: "LTC", Address: "ltc1qwatch",
		MasterAddress: master, PrivateKey: testKey, TriggerTxid: "aa01",
	})
	if !errors.Is(err, ErrBroadcastFailed) {
		t.Fatalf("rejected broadcast: got %v, want ErrBroadcastFailed", err)
	}

	// node rejections are permanent, no retry
	if f.sends.Load() != 1 {
		t.Errorf("broadcasts: got %d, want 1", f.sends.Load())
	}

	colls, err := dbh.CollectionsByAddress(ctx, "LTC", "ltc1qwatch")
	if err != nil {
		t.Fatalf("could not read collections: %v", err)
	}

	if len(colls) != 1 || colls[0].Status != store.CollectFailed {
		t.Errorf("marker row: %+v", colls)
	}
}

func TestCollectRetryAfterFailedSweep(t *testing.T) {
	ctx := context.Background()
	f := newFakeChain(t)
	f.setUTXOs([]fakeUTXO{{Txid: "aa01", Vout: 0, Value: "50000000", Confirmations: 3}})
	f.rejectSend.Store(true)

	c, dbh, master := newTestCollector(t, f)

	req := Request{
		UserID: 1, Coin: "LTC", Address: "ltc1qwatch",
		MasterAddress: master, PrivateKey: testKey, TriggerTxid: "aa01",
	}

	if _, err := c.Collect(ctx, req); !errors.Is(err, ErrBroadcastFailed) {
		t.Fatalf("rejected broadcast: got %v, want ErrBroadcastFailed", err)
	}

	// a failed marker does not retire the deposit, the next attempt takes it over
	f.rejectSend.Store(false)

	out, err := c.Collect(ctx, req)
	if err != nil {
		t.Fatalf("retry after failed sweep: %v", err)
	}

	if out.Txid != "sweeptxid01" {
		t.Errorf("retry txid: got %q", out.Txid)
	}

	colls, err := dbh.CollectionsByAddress(ctx, "LTC", "ltc1qwatch")
	if err != nil {
		t.Fatalf("could not read collections: %v", err)
	}

	if len(colls) != 1 || colls[0].Status != store.CollectSent || colls[0].Txid != "sweeptxid01" {
		t.Errorf("marker row after retry: %+v", colls)
	}
}

func TestCollectValidation(t *testing.T) {
	ctx := context.Background()
	f := newFakeChain(t)
	c, _, master := newTestCollector(t, f)

	if _, err := c.Collect(ctx, Request{Coin: "XMR", MasterAddress: master, PrivateKey: testKey}); !errors.Is(err, coin.ErrUnknownCoin) {
		t.Errorf("unknown coin: got %v", err)
	}

	if _, err := c.Collect(ctx, Request{Coin: "LTC", MasterAddress: master, PrivateKey: "short"}); !errors.Is(err, ErrBadKey) {
		t.Errorf("short key: got %v", err)
	}

	if _, err := c.Collect(ctx, Request{Coin: "LTC", MasterAddress: "bogus", PrivateKey: testKey}); !errors.Is(err, coin.ErrBadAddress) {
		t.Errorf("bad master address: got %v", err)
	}
}

func TestManualTriggerGenerated(t *testing.T) {
	ctx := context.Background()
	f := newFakeChain(t)
	f.setUTXOs([]fakeUTXO{{Txid: "aa01", Vout: 0, Value: "50000000", Confirmations: 3}})

	c, dbh, master := newTestCollector(t, f)

	if _, err := c.Collect(ctx, Request{
		UserID: 1, Coin: "LTC", Address: "ltc1qwatch",
		MasterAddress: master, PrivateKey: testKey,
	}); err != nil {
		t.Fatalf("manual sweep failed: %v", err)
	}

	colls, err := dbh.CollectionsByAddress(ctx, "LTC", "ltc1qwatch")
	if err != nil {
		t.Fatalf("could not read collections: %v", err)
	}

	if len(colls) != 1 || !strings.HasPrefix(colls[0].TriggerTxid, "manual-") {
		t.Errorf("manual trigger: %+v", colls)
	}
}

func TestCheckEligibility(t *testing.T) {
	ctx := context.Background()
	f := newFakeChain(t)
	f.setUTXOs([]fakeUTXO{
		{Txid: "aa01", Vout: 0, Value: "150000000", Confirmations: 2},
		{Txid: "bb02", Vout: 0, Value: "99000000", Confirmations: 0},
	})

	c, _, _ := newTestCollector(t, f)

	elig, err := c.CheckEligibility(ctx, "LTC", "ltc1qwatch")
	if err != nil {
		t.Fatalf("could not check eligibility: %v", err)
	}

	if !elig.CanCollect {
		t.Error("eligible balance reported as not collectable")
	}

	if !elig.ConfirmedBalance.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("confirmed balance: got %s, want 1.5", elig.ConfirmedBalance)
	}

	if !elig.AmountAfterFee.Equal(decimal.RequireFromString("1.4999")) {
		t.Errorf("after fee: got %s, want 1.4999", elig.AmountAfterFee)
	}

	if elig.UTXOs != 1 {
		t.Errorf("confirmed utxos: got %d, want 1", elig.UTXOs)
	}

	f.setUTXOs([]fakeUTXO{{Txid: "cc03", Vout: 0, Value: "50000", Confirmations: 5}})

	elig, err = c.CheckEligibility(ctx, "LTC", "ltc1qwatch")
	if err != nil {
		t.Fatalf("could not check eligibility: %v", err)
	}

	if elig.CanCollect {
		t.Error("dust balance reported as collectable")
	}
}
