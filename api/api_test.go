package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/tarancss/hd"

	"github.com/tarancss/chainwatch/collector"
	"github.com/tarancss/chainwatch/lib/coin"
	"github.com/tarancss/chainwatch/lib/config"
	"github.com/tarancss/chainwatch/lib/health"
	"github.com/tarancss/chainwatch/lib/metrics"
	"github.com/tarancss/chainwatch/lib/msg"
	"github.com/tarancss/chainwatch/lib/nownodes"
	"github.com/tarancss/chainwatch/lib/pool"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/store/sqlite"
	"github.com/tarancss/chainwatch/lib/user"
	"github.com/tarancss/chainwatch/monitor"
)

const sweepKey = "cVt4o7BGAig1UXywgGSmARhxMdzP5qvQsxKkSsc1XEkw3tDTQFpy"

// fakeNode serves the blockbook REST endpoints, their websocket and the node RPC in one server
// so the full service can run against it.
type fakeNode struct {
	srv *httptest.Server
	up  websocket.Upgrader

	mu    sync.Mutex
	utxos string
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()

	f := &fakeNode{utxos: "[]"}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case websocket.IsWebSocketUpgrade(r):
			conn, err := f.up.Upgrade(w, r, nil)
			if err != nil {
				return
			}

			for {
				var m nownodes.WSMessage
				if err := conn.ReadJSON(&m); err != nil {
					return
				}
			}
		case strings.HasPrefix(r.URL.Path, "/api/v2/address/"):
			addr := strings.TrimPrefix(r.URL.Path, "/api/v2/address/")
			fmt.Fprintf(w, `{"address":%q,"balance":"150000000","unconfirmedBalance":"0","txs":2}`, addr)
		case strings.HasPrefix(r.URL.Path, "/api/v2/utxo/"):
			f.mu.Lock()
			u := f.utxos
			f.mu.Unlock()

			fmt.Fprint(w, u)
		case strings.HasPrefix(r.URL.Path, "/api/v2/tx/"):
			txid := strings.TrimPrefix(r.URL.Path, "/api/v2/tx/")
			fmt.Fprintf(w,
				`{"txid":%q,"blockHeight":100,"confirmations":3,"blockTime":1700000000,"value":"50000000"}`, txid)
		default:
			var req struct {
				Method string `json:"method"`
			}

			_ = json.NewDecoder(r.Body).Decode(&req)

			switch req.Method {
			case "getblockchaininfo":
				rpcResult(w, map[string]interface{}{"chain": "main", "blocks": 100})
			case "createrawtransaction":
				rpcResult(w, "00aaff")
			case "signrawtransactionwithkey":
				rpcResult(w, map[string]interface{}{"hex": "00aaffsigned", "complete": true})
			case "sendrawtransaction":
				rpcResult(w, "sweeptxid01")
			default:
				rpcResult(w, nil)
			}
		}
	}))

	t.Cleanup(f.srv.Close)

	return f
}

func rpcResult(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": v, "error": nil, "id": "chainwatch"})
}

func (f *fakeNode) setUTXOs(s string) {
	f.mu.Lock()
	f.utxos = s
	f.mu.Unlock()
}

// ltcAddr builds a valid base58check Litecoin address from a filler byte.
func ltcAddr(b byte) string {
	return base58.CheckEncode(bytes.Repeat([]byte{b}, 20), 48)
}

type testAPI struct {
	srv      *httptest.Server
	svc      *Service
	db       store.DB
	users    *user.Manager
	checker  *health.Checker
	node     *fakeNode
	adminKey string
}

func newTestAPI(t *testing.T, opts ...func(*config.Settings)) *testAPI {
	t.Helper()

	ctx := context.Background()
	node := newFakeNode(t)

	dbh, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("could not open test db: %v", err)
	}

	t.Cleanup(func() { dbh.Close() })

	reg, err := coin.NewRegistry(map[string]config.Coin{
		"LTC": {
			Name: "Litecoin", Decimals: 8,
			BlockbookURL: node.srv.URL, RPCURL: node.srv.URL,
			RequiredConfirmations: 3, MinCollectionAmount: 0.001, CollectionFee: 0.0001,
		},
	})
	if err != nil {
		t.Fatalf("could not build registry: %v", err)
	}

	cn, _ := reg.Get("LTC")

	p, err := pool.New(2, 2, func() (*nownodes.Client, error) { return nownodes.New(cn, "test-key"), nil })
	if err != nil {
		t.Fatalf("could not build pool: %v", err)
	}

	t.Cleanup(p.Close)

	pools := map[string]*pool.Pool{"LTC": p}

	cfg := config.Settings{
		LogLevel:             "error",
		ConnectionPoolSize:   2,
		DefaultConfirmations: 3,
		MaxReconnectAttempts: 3,
		Monitoring:           config.Monitoring{Enabled: false},
		Rest: config.Rest{
			Enabled: true, Host: "127.0.0.1", Port: 8080,
			APIKeyRequired: true, RateLimit: 100, EnableAuth: true,
		},
		Multiuser: config.Multiuser{
			Enabled:        true,
			SessionTimeout: 3600,
			DefaultQuotas: config.Quotas{
				MaxMonitoredAddresses: 5,
				MaxConcurrentMonitors: 5,
				CanCollectFunds:       false,
				CanCreateAddresses:    true,
				CanViewTransactions:   true,
			},
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	met := metrics.NewWith(prometheus.NewRegistry(), "blockchain_module")
	users := user.NewManager(dbh, cfg.Multiuser)
	coll := collector.New(dbh, reg, pools, msg.NewNop(), met)
	engine := monitor.New(dbh, reg, pools, msg.NewNop(), coll, users, met, 3)

	t.Cleanup(engine.StopAll)

	checker := health.New(met)
	checker.Register("database", health.DatabaseCheck(dbh))

	seed, _ := hex.DecodeString(
		"642ce4e20f09c9f4d285c2b336063eaafbe4cb06dece8134f3a64bdd8f8c0c24" +
			"df73e1a2e7056359b6db61e179ff45e5ada51d14f07b30becb6d92b961d35df4")

	hdw, err := hd.Init(seed)
	if err != nil {
		t.Fatalf("could not init HD wallet: %v", err)
	}

	adminKey, err := users.EnsureAdmin(ctx, "")
	if err != nil {
		t.Fatalf("could not provision admin: %v", err)
	}

	svc := New(Deps{
		Config:    cfg,
		Coins:     reg,
		DB:        dbh,
		Pools:     pools,
		Users:     users,
		Engine:    engine,
		Collector: coll,
		Health:    checker,
		Metrics:   met,
		Wallet:    hdw,
	})

	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)

	return &testAPI{
		srv: srv, svc: svc, db: dbh, users: users,
		checker: checker, node: node, adminKey: adminKey,
	}
}

// register creates an account and returns its id and API key.
func (h *testAPI) register(t *testing.T, username, role string) (int64, string) {
	t.Helper()

	u, key, err := h.users.Register(context.Background(), username, username+"@test.local", role)
	if err != nil {
		t.Fatalf("could not register %s: %v", username, err)
	}

	return u.ID, key
}

func (h *testAPI) setQuotas(t *testing.T, userID int64, q store.Quotas) {
	t.Helper()

	q.UserID = userID

	if err := h.db.SetQuotas(context.Background(), q); err != nil {
		t.Fatalf("could not set quotas: %v", err)
	}
}

type env struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// call performs a request authenticated by an API key, returning the status and envelope.
func (h *testAPI) call(t *testing.T, method, path, key string, body interface{}) (int, env) {
	t.Helper()

	var rd io.Reader

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("could not marshal body: %v", err)
		}

		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("could not build request: %v", err)
	}

	if key != "" {
		req.Header.Set("X-API-Key", key)
	}

	return h.do(t, req)
}

func (h *testAPI) do(t *testing.T, req *http.Request) (int, env) {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	var e env
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("could not decode reply of %s %s: %v", req.Method, req.URL.Path, err)
	}

	return resp.StatusCode, e
}

func dataInto(t *testing.T, e env, v interface{}) {
	t.Helper()

	if err := json.Unmarshal(e.Data, v); err != nil {
		t.Fatalf("could not decode data %s: %v", e.Data, err)
	}
}

func dataMap(t *testing.T, e env) map[string]interface{} {
	t.Helper()

	m := map[string]interface{}{}
	dataInto(t, e, &m)

	return m
}

func TestAuthAndEnvelope(t *testing.T) {
	h := newTestAPI(t)

	status, e := h.call(t, "GET", "/api/v1/profile", "", nil)
	if status != http.StatusUnauthorized || e.Success || e.Error == "" {
		t.Errorf("no key: got status %d envelope %+v, want 401 with error", status, e)
	}

	if status, _ = h.call(t, "GET", "/api/v1/profile", "user_bogus", nil); status != http.StatusUnauthorized {
		t.Errorf("bad key: got status %d, want 401", status)
	}

	status, e = h.call(t, "GET", "/api/v1/profile", h.adminKey, nil)
	if status != http.StatusOK || !e.Success {
		t.Fatalf("admin key: got status %d envelope %+v, want 200 success", status, e)
	}

	var profile struct {
		User store.User `json:"user"`
	}

	dataInto(t, e, &profile)

	if profile.User.Username != "admin" || profile.User.Role != store.RoleAdmin {
		t.Errorf("profile user = %+v, want the admin account", profile.User)
	}

	// public endpoints answer without credentials
	if status, e = h.call(t, "GET", "/api/v1/info", "", nil); status != http.StatusOK || !e.Success {
		t.Errorf("info: got status %d envelope %+v, want 200 success", status, e)
	}
}

func TestRequestIDHeader(t *testing.T) {
	h := newTestAPI(t)

	resp, err := http.Get(h.srv.URL + "/api/v1/info")
	if err != nil {
		t.Fatalf("info request: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing from reply")
	}
}

func TestLoginSessionFlow(t *testing.T) {
	h := newTestAPI(t)
	_, key := h.register(t, "alice", store.RoleUser)

	status, e := h.call(t, "POST", "/api/v1/auth/login", "", map[string]string{"api_key": key})
	if status != http.StatusOK || !e.Success {
		t.Fatalf("login: got status %d envelope %+v, want 200 success", status, e)
	}

	var login struct {
		User         store.User `json:"user"`
		SessionToken string     `json:"session_token"`
		ExpiresIn    int        `json:"expires_in"`
	}

	dataInto(t, e, &login)

	if login.User.Username != "alice" || login.SessionToken == "" {
		t.Fatalf("login data = %+v, want alice with a session token", login)
	}

	if login.ExpiresIn < 3500 || login.ExpiresIn > 3600 {
		t.Errorf("expires_in = %d, want about 3600", login.ExpiresIn)
	}

	// the session token authenticates as a bearer credential
	req, err := http.NewRequest("GET", h.srv.URL+"/api/v1/profile", nil)
	if err != nil {
		t.Fatalf("could not build request: %v", err)
	}

	req.Header.Set("Authorization", "Bearer "+login.SessionToken)

	status, e = h.do(t, req)
	if status != http.StatusOK {
		t.Fatalf("profile via session: got status %d, want 200", status)
	}

	var profile struct {
		User store.User `json:"user"`
	}

	dataInto(t, e, &profile)

	if profile.User.Username != "alice" {
		t.Errorf("session resolved to %q, want alice", profile.User.Username)
	}

	if status, _ = h.call(t, "POST", "/api/v1/auth/login", "", map[string]string{"api_key": "user_wrong"}); status != http.StatusUnauthorized {
		t.Errorf("login with bad key: got status %d, want 401", status)
	}
}

func TestAddressLifecycle(t *testing.T) {
	h := newTestAPI(t)
	_, key := h.register(t, "alice", store.RoleUser)
	_, otherKey := h.register(t, "bob", store.RoleUser)

	addr := ltcAddr(0x31)

	status, e := h.call(t, "POST", "/api/v1/addresses/monitor", key,
		map[string]string{"coin": "ltc", "address": addr, "label": "deposits"})
	if status != http.StatusOK || !e.Success {
		t.Fatalf("add address: got status %d envelope %+v, want 200 success", status, e)
	}

	var added struct {
		ID int64 `json:"id"`
	}

	dataInto(t, e, &added)

	if added.ID == 0 {
		t.Fatal("add address returned no id")
	}

	// re-adding the same address is idempotent and answers the same row
	status, e = h.call(t, "POST", "/api/v1/addresses/monitor", key,
		map[string]string{"coin": "LTC", "address": addr})
	if status != http.StatusOK {
		t.Fatalf("re-add: got status %d, want 200", status)
	}

	var readded struct {
		ID int64 `json:"id"`
	}

	dataInto(t, e, &readded)

	if readded.ID != added.ID {
		t.Errorf("re-add returned id %d, want %d", readded.ID, added.ID)
	}

	// a malformed address is rejected before any write
	if status, _ = h.call(t, "POST", "/api/v1/addresses/monitor", key,
		map[string]string{"coin": "LTC", "address": "nonsense"}); status != http.StatusBadRequest {
		t.Errorf("bad address: got status %d, want 400", status)
	}

	status, e = h.call(t, "GET", "/api/v1/addresses?coin=LTC", key, nil)
	if status != http.StatusOK {
		t.Fatalf("list addresses: got status %d, want 200", status)
	}

	var list struct {
		Addresses []store.MonitoredAddress `json:"addresses"`
		Total     int                      `json:"total"`
	}

	dataInto(t, e, &list)

	if list.Total != 1 || len(list.Addresses) != 1 || list.Addresses[0].Address != addr {
		t.Fatalf("address list = %+v, want exactly the added address", list)
	}

	// other users cannot see or remove the row
	if status, e = h.call(t, "GET", "/api/v1/addresses", otherKey, nil); status != http.StatusOK {
		t.Fatalf("list as bob: got status %d, want 200", status)
	}

	dataInto(t, e, &list)

	if list.Total != 0 {
		t.Errorf("bob sees %d addresses, want 0", list.Total)
	}

	if status, _ = h.call(t, "DELETE", fmt.Sprintf("/api/v1/addresses/%d/monitor", added.ID), otherKey, nil); status != http.StatusNotFound {
		t.Errorf("remove as bob: got status %d, want 404", status)
	}

	if status, _ = h.call(t, "DELETE", "/api/v1/addresses/abc/monitor", key, nil); status != http.StatusBadRequest {
		t.Errorf("remove with bad id: got status %d, want 400", status)
	}

	if status, _ = h.call(t, "DELETE", fmt.Sprintf("/api/v1/addresses/%d/monitor", added.ID), key, nil); status != http.StatusOK {
		t.Errorf("remove: got status %d, want 200", status)
	}

	status, e = h.call(t, "GET", "/api/v1/addresses", key, nil)
	if status != http.StatusOK {
		t.Fatalf("list after remove: got status %d, want 200", status)
	}

	dataInto(t, e, &list)

	if list.Total != 0 {
		t.Errorf("after remove %d addresses remain, want 0", list.Total)
	}
}

func TestAddressQuota(t *testing.T) {
	h := newTestAPI(t)
	uid, key := h.register(t, "alice", store.RoleUser)
	h.setQuotas(t, uid, store.Quotas{
		MaxMonitoredAddresses: 1, CanCreateAddresses: true, CanViewTransactions: true,
	})

	if status, _ := h.call(t, "POST", "/api/v1/addresses/monitor", key,
		map[string]string{"coin": "LTC", "address": ltcAddr(0x41)}); status != http.StatusOK {
		t.Fatalf("first add: got status %d, want 200", status)
	}

	status, e := h.call(t, "POST", "/api/v1/addresses/monitor", key,
		map[string]string{"coin": "LTC", "address": ltcAddr(0x42)})
	if status != http.StatusForbidden || e.Success {
		t.Errorf("over quota: got status %d envelope %+v, want 403", status, e)
	}
}

func TestCapabilityGates(t *testing.T) {
	h := newTestAPI(t)
	uid, key := h.register(t, "vera", store.RoleViewer)
	h.setQuotas(t, uid, store.Quotas{CanViewTransactions: true})

	if status, _ := h.call(t, "POST", "/api/v1/addresses/monitor", key,
		map[string]string{"coin": "LTC", "address": ltcAddr(0x51)}); status != http.StatusForbidden {
		t.Errorf("add without capability: got status %d, want 403", status)
	}

	// the collection path is gated before any chain interaction
	if status, _ := h.call(t, "POST", "/api/v1/collect/LTC", key, map[string]string{
		"address": ltcAddr(0x52), "private_key": sweepKey, "master_address": ltcAddr(0x53),
	}); status != http.StatusForbidden {
		t.Errorf("collect without capability: got status %d, want 403", status)
	}

	if status, _ := h.call(t, "GET", "/api/v1/collect/LTC/eligibility?address="+ltcAddr(0x52), key, nil); status != http.StatusForbidden {
		t.Errorf("eligibility without capability: got status %d, want 403", status)
	}

	// reads stay allowed
	if status, _ := h.call(t, "GET", "/api/v1/transactions", key, nil); status != http.StatusOK {
		t.Errorf("transactions with view capability: got status %d, want 200", status)
	}
}

func TestRateLimitPerMinute(t *testing.T) {
	h := newTestAPI(t)
	uid, key := h.register(t, "alice", store.RoleUser)

	// a tiny per-user override so the bucket empties after two requests
	ctx := context.Background()

	u, err := h.db.UserByID(ctx, uid)
	if err != nil {
		t.Fatalf("could not load user: %v", err)
	}

	u.RateLimit = 2
	if err = h.db.UpdateUser(ctx, u); err != nil {
		t.Fatalf("could not update user: %v", err)
	}

	for i := 0; i < 2; i++ {
		if status, _ := h.call(t, "GET", "/api/v1/coins", key, nil); status != http.StatusOK {
			t.Fatalf("request %d: got status %d, want 200", i+1, status)
		}
	}

	req, err := http.NewRequest("GET", h.srv.URL+"/api/v1/coins", nil)
	if err != nil {
		t.Fatalf("could not build request: %v", err)
	}

	req.Header.Set("X-API-Key", key)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("third request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("third request: got status %d, want 429", resp.StatusCode)
	}

	if resp.Header.Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", resp.Header.Get("Retry-After"))
	}

	// admins are not throttled
	for i := 0; i < 5; i++ {
		if status, _ := h.call(t, "GET", "/api/v1/coins", h.adminKey, nil); status != http.StatusOK {
			t.Fatalf("admin request %d: got status %d, want 200", i+1, status)
		}
	}
}

func TestDailyBudget(t *testing.T) {
	h := newTestAPI(t)
	uid, key := h.register(t, "alice", store.RoleUser)
	h.setQuotas(t, uid, store.Quotas{
		MaxDailyAPICalls: 2, CanCreateAddresses: true, CanViewTransactions: true,
	})

	for i := 0; i < 2; i++ {
		if status, _ := h.call(t, "GET", "/api/v1/coins", key, nil); status != http.StatusOK {
			t.Fatalf("request %d: got status %d, want 200", i+1, status)
		}
	}

	if status, _ := h.call(t, "GET", "/api/v1/coins", key, nil); status != http.StatusTooManyRequests {
		t.Errorf("over budget: got status %d, want 429", status)
	}
}

func TestCoinsEndpoints(t *testing.T) {
	h := newTestAPI(t)
	_, key := h.register(t, "alice", store.RoleUser)

	status, e := h.call(t, "GET", "/api/v1/coins", key, nil)
	if status != http.StatusOK {
		t.Fatalf("coins: got status %d, want 200", status)
	}

	var coins struct {
		Coins []coin.Coin `json:"coins"`
		Total int         `json:"total"`
	}

	dataInto(t, e, &coins)

	if coins.Total != 1 || coins.Coins[0].Symbol != "LTC" {
		t.Errorf("coins = %+v, want just LTC", coins)
	}

	if status, _ = h.call(t, "GET", "/api/v1/coins/LTC", key, nil); status != http.StatusOK {
		t.Errorf("coin detail: got status %d, want 200", status)
	}

	status, e = h.call(t, "GET", "/api/v1/coins/XMR", key, nil)
	if status != http.StatusNotFound || e.Success || e.Error == "" {
		t.Errorf("unknown coin: got status %d envelope %+v, want 404 with error", status, e)
	}
}

func TestMonitorLifecycleOverHTTP(t *testing.T) {
	h := newTestAPI(t)

	if status, _ := h.call(t, "POST", "/api/v1/monitor/ltc/start", h.adminKey, nil); status != http.StatusOK {
		t.Fatalf("start: got status %d, want 200", status)
	}

	if status, _ := h.call(t, "POST", "/api/v1/monitor/LTC/start", h.adminKey, nil); status != http.StatusConflict {
		t.Errorf("second start: got status %d, want 409", status)
	}

	status, e := h.call(t, "GET", "/api/v1/monitor/LTC/status", h.adminKey, nil)
	if status != http.StatusOK {
		t.Fatalf("status: got status %d, want 200", status)
	}

	st := dataMap(t, e)
	if st["running"] != true {
		t.Errorf("status data = %v, want running true", st)
	}

	status, e = h.call(t, "GET", "/api/v1/monitor/status", h.adminKey, nil)
	if status != http.StatusOK {
		t.Fatalf("all status: got status %d, want 200", status)
	}

	var all struct {
		Total int `json:"total"`
	}

	dataInto(t, e, &all)

	if all.Total != 1 {
		t.Errorf("running monitors = %d, want 1", all.Total)
	}

	if status, _ = h.call(t, "POST", "/api/v1/monitor/LTC/stop", h.adminKey, nil); status != http.StatusOK {
		t.Fatalf("stop: got status %d, want 200", status)
	}

	if status, _ = h.call(t, "POST", "/api/v1/monitor/LTC/stop", h.adminKey, nil); status != http.StatusNotFound {
		t.Errorf("second stop: got status %d, want 404", status)
	}

	status, e = h.call(t, "GET", "/api/v1/monitor/LTC/status", h.adminKey, nil)
	if status != http.StatusOK {
		t.Fatalf("status after stop: got status %d, want 200", status)
	}

	var stopped struct {
		Running   bool               `json:"running"`
		LastState store.MonitorState `json:"last_state"`
	}

	dataInto(t, e, &stopped)

	if stopped.Running || stopped.LastState.Status != store.MonitorStopped {
		t.Errorf("status after stop = %+v, want stopped last state", stopped)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	h := newTestAPI(t)
	_, key := h.register(t, "alice", store.RoleUser)

	addr := ltcAddr(0x61)

	if status, _ := h.call(t, "POST", "/api/v1/addresses/monitor", key,
		map[string]string{"coin": "LTC", "address": addr}); status != http.StatusOK {
		t.Fatalf("add address: got status %d, want 200", status)
	}

	status, e := h.call(t, "GET", "/api/v1/addresses/LTC/balance/"+addr, key, nil)
	if status != http.StatusOK {
		t.Fatalf("balance: got status %d, want 200", status)
	}

	var bal struct {
		Coin      string          `json:"coin"`
		Balance   decimal.Decimal `json:"balance"`
		Formatted string          `json:"formatted"`
	}

	dataInto(t, e, &bal)

	if bal.Coin != "LTC" || !bal.Balance.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("balance data = %+v, want 1.5 LTC", bal)
	}

	if bal.Formatted != "1.50000000 LTC" {
		t.Errorf("formatted = %q, want 1.50000000 LTC", bal.Formatted)
	}

	// addresses not monitored by the caller are hidden
	if status, _ = h.call(t, "GET", "/api/v1/addresses/LTC/balance/"+ltcAddr(0x62), key, nil); status != http.StatusNotFound {
		t.Errorf("foreign balance: got status %d, want 404", status)
	}

	// admins may query any address
	if status, _ = h.call(t, "GET", "/api/v1/addresses/LTC/balance/"+ltcAddr(0x62), h.adminKey, nil); status != http.StatusOK {
		t.Errorf("admin balance: got status %d, want 200", status)
	}
}

func TestManualCollectOverHTTP(t *testing.T) {
	h := newTestAPI(t)
	uid, key := h.register(t, "alice", store.RoleUser)
	h.setQuotas(t, uid, store.Quotas{
		MaxMonitoredAddresses: 5, CanCollectFunds: true, CanCreateAddresses: true, CanViewTransactions: true,
	})

	depAddr := ltcAddr(0x71)
	master := ltcAddr(0x72)

	h.node.setUTXOs(`[{"txid":"dep01","vout":0,"value":"100000000","confirmations":3}]`)

	status, e := h.call(t, "GET", "/api/v1/collect/LTC/eligibility?address="+depAddr, key, nil)
	if status != http.StatusOK {
		t.Fatalf("eligibility: got status %d, want 200", status)
	}

	var el collector.Eligibility

	dataInto(t, e, &el)

	if !el.CanCollect || !el.ConfirmedBalance.Equal(decimal.RequireFromString("1")) {
		t.Errorf("eligibility = %+v, want collectable balance 1", el)
	}

	status, e = h.call(t, "POST", "/api/v1/collect/LTC", key, map[string]string{
		"address": depAddr, "private_key": sweepKey, "master_address": master,
	})
	if status != http.StatusOK || !e.Success {
		t.Fatalf("collect: got status %d envelope %+v, want 200 success", status, e)
	}

	var out collector.Outcome

	dataInto(t, e, &out)

	if out.Txid != "sweeptxid01" || out.UTXOs != 1 {
		t.Errorf("collect outcome = %+v, want broadcast sweeptxid01 of 1 utxo", out)
	}

	// the request body must be complete
	if status, _ = h.call(t, "POST", "/api/v1/collect/LTC", key, map[string]string{
		"address": depAddr, "master_address": master,
	}); status != http.StatusBadRequest {
		t.Errorf("collect without key: got status %d, want 400", status)
	}

	// nothing confirmed to sweep
	h.node.setUTXOs(`[]`)

	if status, _ = h.call(t, "POST", "/api/v1/collect/LTC", key, map[string]string{
		"address": depAddr, "private_key": sweepKey, "master_address": master,
	}); status != http.StatusBadRequest {
		t.Errorf("collect below threshold: got status %d, want 400", status)
	}
}

func TestTransactionEndpoints(t *testing.T) {
	h := newTestAPI(t)
	uid, key := h.register(t, "alice", store.RoleUser)
	_, otherKey := h.register(t, "bob", store.RoleUser)

	ctx := context.Background()
	addr := ltcAddr(0x81)

	for i, st := range []string{store.TxConfirmed, store.TxMempool} {
		if err := h.db.SaveTransaction(ctx, store.Transaction{
			UserID: uid, Coin: "LTC", Txid: fmt.Sprintf("tx%02d", i), Address: addr,
			Amount: decimal.RequireFromString("0.5"), Confirmations: i, Status: st,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("could not seed transaction: %v", err)
		}
	}

	status, e := h.call(t, "GET", "/api/v1/transactions?coin=LTC&status=confirmed", key, nil)
	if status != http.StatusOK {
		t.Fatalf("transactions: got status %d, want 200", status)
	}

	var list struct {
		Transactions []store.Transaction `json:"transactions"`
		Total        int                 `json:"total"`
	}

	dataInto(t, e, &list)

	if list.Total != 1 || list.Transactions[0].Txid != "tx00" {
		t.Fatalf("filtered transactions = %+v, want just the confirmed tx00", list)
	}

	status, e = h.call(t, "GET", "/api/v1/transactions/tx01", key, nil)
	if status != http.StatusOK {
		t.Fatalf("transaction detail: got status %d, want 200", status)
	}

	var tx store.Transaction

	dataInto(t, e, &tx)

	if tx.Txid != "tx01" || tx.Status != store.TxMempool {
		t.Errorf("transaction = %+v, want the seeded tx01", tx)
	}

	// rows of other users stay invisible
	if status, _ = h.call(t, "GET", "/api/v1/transactions/tx01", otherKey, nil); status != http.StatusNotFound {
		t.Errorf("foreign transaction: got status %d, want 404", status)
	}

	if status, _ = h.call(t, "GET", "/api/v1/transactions/nope", key, nil); status != http.StatusNotFound {
		t.Errorf("unknown txid: got status %d, want 404", status)
	}
}

func TestDeriveAddress(t *testing.T) {
	h := newTestAPI(t)
	_, key := h.register(t, "alice", store.RoleUser)

	status, e := h.call(t, "GET", "/api/v1/addresses/derive?wallet=1&change=external&id=2", key, nil)
	if status != http.StatusOK {
		t.Fatalf("derive: got status %d, want 200", status)
	}

	var d struct {
		Address string `json:"address"`
	}

	dataInto(t, e, &d)

	if !strings.HasPrefix(d.Address, "0x") || len(d.Address) != 42 {
		t.Errorf("derived address = %q, want 0x-prefixed 20 bytes", d.Address)
	}

	// derivation is deterministic
	_, e2 := h.call(t, "GET", "/api/v1/addresses/derive?wallet=1&change=0&id=2", key, nil)

	var d2 struct {
		Address string `json:"address"`
	}

	dataInto(t, e2, &d2)

	if d.Address != d2.Address {
		t.Errorf("same path derived %q and %q", d.Address, d2.Address)
	}

	if status, _ = h.call(t, "GET", "/api/v1/addresses/derive?change=0&id=2", key, nil); status != http.StatusBadRequest {
		t.Errorf("derive without wallet: got status %d, want 400", status)
	}

	if status, _ = h.call(t, "GET", "/api/v1/addresses/derive?wallet=1&change=5&id=2", key, nil); status != http.StatusBadRequest {
		t.Errorf("derive with bad change: got status %d, want 400", status)
	}
}

func TestAdminEndpoints(t *testing.T) {
	h := newTestAPI(t)
	_, key := h.register(t, "alice", store.RoleUser)

	status, e := h.call(t, "GET", "/api/v1/admin/users", key, nil)
	if status != http.StatusForbidden || !strings.Contains(e.Error, "admin access required") {
		t.Errorf("admin list as user: got status %d envelope %+v, want 403", status, e)
	}

	status, e = h.call(t, "GET", "/api/v1/admin/users", h.adminKey, nil)
	if status != http.StatusOK {
		t.Fatalf("admin list: got status %d, want 200", status)
	}

	var users struct {
		Users []store.User `json:"users"`
		Total int          `json:"total"`
	}

	dataInto(t, e, &users)

	if users.Total != 2 {
		t.Errorf("user total = %d, want 2 (admin and alice)", users.Total)
	}

	// create an account with a quota override and use its key right away
	status, e = h.call(t, "POST", "/api/v1/admin/users", h.adminKey, map[string]interface{}{
		"username": "carol", "email": "carol@test.local", "role": store.RoleUser,
		"quotas": map[string]interface{}{
			"max_monitored_addresses": 1, "can_create_addresses": true, "can_view_transactions": true,
		},
	})
	if status != http.StatusOK {
		t.Fatalf("create user: got status %d envelope %+v, want 200", status, e)
	}

	var created struct {
		User   store.User `json:"user"`
		APIKey string     `json:"api_key"`
	}

	dataInto(t, e, &created)

	if created.User.Username != "carol" || created.APIKey == "" {
		t.Fatalf("created = %+v, want carol with an API key", created)
	}

	if status, _ = h.call(t, "GET", "/api/v1/profile", created.APIKey, nil); status != http.StatusOK {
		t.Errorf("new key: got status %d, want 200", status)
	}

	status, e = h.call(t, "GET", fmt.Sprintf("/api/v1/admin/users/%d", created.User.ID), h.adminKey, nil)
	if status != http.StatusOK {
		t.Fatalf("get user: got status %d, want 200", status)
	}

	var detail struct {
		Quotas store.Quotas `json:"quotas"`
	}

	dataInto(t, e, &detail)

	if detail.Quotas.MaxMonitoredAddresses != 1 {
		t.Errorf("quota override = %+v, want max 1 address", detail.Quotas)
	}

	// suspending the account cuts its access
	if status, _ = h.call(t, "PUT", fmt.Sprintf("/api/v1/admin/users/%d", created.User.ID), h.adminKey,
		map[string]string{"status": store.StatusSuspended}); status != http.StatusOK {
		t.Fatalf("suspend: got status %d, want 200", status)
	}

	if status, _ = h.call(t, "GET", "/api/v1/profile", created.APIKey, nil); status != http.StatusUnauthorized {
		t.Errorf("suspended key: got status %d, want 401", status)
	}

	if status, _ = h.call(t, "PUT", fmt.Sprintf("/api/v1/admin/users/%d", created.User.ID), h.adminKey,
		map[string]string{"status": "frozen"}); status != http.StatusBadRequest {
		t.Errorf("unknown status: got status %d, want 400", status)
	}

	// key reset invalidates the old key
	status, e = h.call(t, "POST", "/api/v1/admin/users/9999/api-key/reset", h.adminKey, nil)
	if status != http.StatusNotFound {
		t.Errorf("reset key of unknown user: got status %d, want 404", status)
	}

	uid, oldKey := h.register(t, "dave", store.RoleUser)

	status, e = h.call(t, "POST", fmt.Sprintf("/api/v1/admin/users/%d/api-key/reset", uid), h.adminKey, nil)
	if status != http.StatusOK {
		t.Fatalf("reset key: got status %d, want 200", status)
	}

	var reset struct {
		NewAPIKey string `json:"new_api_key"`
	}

	dataInto(t, e, &reset)

	if status, _ = h.call(t, "GET", "/api/v1/profile", oldKey, nil); status != http.StatusUnauthorized {
		t.Errorf("old key after reset: got status %d, want 401", status)
	}

	if status, _ = h.call(t, "GET", "/api/v1/profile", reset.NewAPIKey, nil); status != http.StatusOK {
		t.Errorf("new key after reset: got status %d, want 200", status)
	}

	// deletion ends authentication, and admins cannot delete themselves
	if status, _ = h.call(t, "DELETE", fmt.Sprintf("/api/v1/admin/users/%d", uid), h.adminKey, nil); status != http.StatusOK {
		t.Fatalf("delete user: got status %d, want 200", status)
	}

	if status, _ = h.call(t, "GET", "/api/v1/profile", reset.NewAPIKey, nil); status != http.StatusUnauthorized {
		t.Errorf("deleted user key: got status %d, want 401", status)
	}

	if status, _ = h.call(t, "DELETE", "/api/v1/admin/users/1", h.adminKey, nil); status != http.StatusBadRequest {
		t.Errorf("self delete: got status %d, want 400", status)
	}

	status, e = h.call(t, "GET", "/api/v1/admin/stats", h.adminKey, nil)
	if status != http.StatusOK {
		t.Fatalf("admin stats: got status %d, want 200", status)
	}

	var stats struct {
		Totals store.Stats `json:"totals"`
	}

	dataInto(t, e, &stats)

	if stats.Totals.Users < 2 {
		t.Errorf("stats totals = %+v, want at least 2 users", stats.Totals)
	}
}

func TestKeylessReadOnly(t *testing.T) {
	h := newTestAPI(t, func(cfg *config.Settings) {
		cfg.Rest.APIKeyRequired = false
	})

	if status, _ := h.call(t, "GET", "/api/v1/coins", "", nil); status != http.StatusOK {
		t.Errorf("keyless coins: got status %d, want 200", status)
	}

	if status, _ := h.call(t, "GET", "/api/v1/transactions", "", nil); status != http.StatusOK {
		t.Errorf("keyless transactions: got status %d, want 200", status)
	}

	// anonymous callers stay read-only
	if status, _ := h.call(t, "POST", "/api/v1/addresses/monitor", "",
		map[string]string{"coin": "LTC", "address": ltcAddr(0x91)}); status != http.StatusForbidden {
		t.Errorf("keyless write: got status %d, want 403", status)
	}

	// a presented key still has to be valid
	if status, _ := h.call(t, "GET", "/api/v1/coins", "user_bogus", nil); status != http.StatusUnauthorized {
		t.Errorf("bogus key in keyless mode: got status %d, want 401", status)
	}
}

func TestAuthDisabled(t *testing.T) {
	h := newTestAPI(t, func(cfg *config.Settings) {
		cfg.Rest.EnableAuth = false
	})

	// every caller acts as the admin
	status, e := h.call(t, "GET", "/api/v1/admin/users", "", nil)
	if status != http.StatusOK || !e.Success {
		t.Errorf("admin list with auth off: got status %d envelope %+v, want 200", status, e)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestAPI(t)

	rawGet := func(path string) int {
		resp, err := http.Get(h.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()

		_, _ = io.Copy(io.Discard, resp.Body)

		return resp.StatusCode
	}

	if got := rawGet("/health/live"); got != http.StatusOK {
		t.Errorf("liveness: got status %d, want 200", got)
	}

	if got := rawGet("/health/ready"); got != http.StatusServiceUnavailable {
		t.Errorf("readiness before boot: got status %d, want 503", got)
	}

	h.checker.SetReady(true)

	if got := rawGet("/health/ready"); got != http.StatusOK {
		t.Errorf("readiness after boot: got status %d, want 200", got)
	}

	// the aggregate report is public and runs the registered checks
	resp, err := http.Get(h.srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	defer resp.Body.Close()

	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("could not decode health report: %v", err)
	}

	if resp.StatusCode != http.StatusOK || report.Status != health.Healthy {
		t.Errorf("health report = %+v status %d, want healthy 200", report, resp.StatusCode)
	}

	if _, ok := report.Components["database"]; !ok {
		t.Error("health report misses the database component")
	}
}
