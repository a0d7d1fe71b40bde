package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/tarancss/hd"

	"github.com/tarancss/chainwatch/collector"
	"github.com/tarancss/chainwatch/lib/coin"
	"github.com/tarancss/chainwatch/lib/nownodes"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/user"
	"github.com/tarancss/chainwatch/lib/util"
	"github.com/tarancss/chainwatch/monitor"
)

// homeHandler just replies a welcome message to the client.
func (s *Service) homeHandler(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, map[string]string{
		"message": "chainwatch: blockchain address monitoring and funds collection",
	}, nil)
}

// infoHandler replies the public module description.
func (s *Service) infoHandler(w http.ResponseWriter, r *http.Request) {
	symbols := s.reg.Symbols()
	sort.Strings(symbols)

	s.reply(w, r, map[string]interface{}{
		"name":           "chainwatch",
		"version":        Version,
		"coins":          symbols,
		"features":       []string{"websocket_monitoring", "funds_collection", "multi_user", "rest_api"},
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}, nil)
}

// loginHandler exchanges an API key for a session token.
func (s *Service) loginHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	var req struct {
		APIKey string `json:"api_key"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: body must be JSON with an api_key field", errBadRequest)

		return
	}

	var sess store.Session
	if sess, err = s.users.Login(r.Context(), req.APIKey, remoteIP(r), r.UserAgent()); err != nil {
		return
	}

	var p *user.Principal
	if p, err = s.users.PrincipalOf(r.Context(), sess.UserID); err != nil {
		return
	}

	out = map[string]interface{}{
		"user":          p.User,
		"session_token": sess.Token,
		"expires_in":    int(time.Until(sess.ExpiresAt).Round(time.Second).Seconds()),
	}
}

// profileHandler replies the account and quotas of the caller.
func (s *Service) profileHandler(w http.ResponseWriter, r *http.Request) {
	p := s.principal(r)

	s.reply(w, r, map[string]interface{}{"user": p.User, "quotas": p.Quotas}, nil)
}

// updateProfileHandler changes the mutable profile fields of the caller.
func (s *Service) updateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	p := s.principal(r)

	var req struct {
		Email    *string          `json:"email"`
		Settings *json.RawMessage `json:"settings"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: invalid JSON body", errBadRequest)

		return
	}

	u := p.User

	if req.Email != nil {
		if !strings.Contains(*req.Email, "@") {
			err = fmt.Errorf("%w: invalid email", errBadRequest)

			return
		}

		u.Email = *req.Email
	}

	if req.Settings != nil {
		u.Settings = string(*req.Settings)
	}

	if err = s.users.UpdateProfile(r.Context(), u); err != nil {
		return
	}

	out = map[string]string{"message": "profile updated"}
}

// userStatsHandler replies the aggregate counters of the caller.
func (s *Service) userStatsHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	var st store.Stats
	if st, err = s.users.UserStats(r.Context(), s.principal(r).User.ID); err != nil {
		return
	}

	out = st
}

// activityHandler replies the audit trail of the caller, most recent first.
func (s *Service) activityHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	limit, _ := pageParams(r)

	var acts []store.Activity
	if acts, err = s.db.ActivitiesByUser(r.Context(), s.principal(r).User.ID, limit); err != nil {
		return
	}

	out = map[string]interface{}{"activity": acts, "total": len(acts)}
}

// resetKeyHandler regenerates the caller's API key. The old key stops working immediately.
func (s *Service) resetKeyHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	var key string
	if key, err = s.users.ResetAPIKey(r.Context(), s.principal(r).User.ID); err != nil {
		return
	}

	out = map[string]string{"api_key": key, "message": "previous API key is no longer valid"}
}

// coinsHandler replies the configured coins.
func (s *Service) coinsHandler(w http.ResponseWriter, r *http.Request) {
	symbols := s.reg.Symbols()
	sort.Strings(symbols)

	list := make([]coin.Coin, 0, len(symbols))

	for _, sym := range symbols {
		c, _ := s.reg.Get(sym)
		list = append(list, c)
	}

	s.reply(w, r, map[string]interface{}{"coins": list, "total": len(list)}, nil)
}

// coinHandler replies the configuration of one coin.
func (s *Service) coinHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	var c coin.Coin
	if c, err = s.reg.Get(mux.Vars(r)["symbol"]); err != nil {
		return
	}

	out = c
}

// addressesHandler replies the monitored addresses of the caller, optionally filtered by coin.
func (s *Service) addressesHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	var rows []store.MonitoredAddress
	if rows, err = s.db.AddressesByUser(r.Context(), s.principal(r).User.ID); err != nil {
		return
	}

	if coinSym := r.URL.Query().Get("coin"); coinSym != "" {
		filtered := make([]store.MonitoredAddress, 0, len(rows))

		for _, a := range rows {
			if strings.EqualFold(a.Coin, coinSym) {
				filtered = append(filtered, a)
			}
		}

		rows = filtered
	}

	if rows == nil {
		rows = []store.MonitoredAddress{}
	}

	out = map[string]interface{}{"addresses": rows, "total": len(rows)}
}

// monitorAddressHandler puts an address under watch. A running monitor for the coin picks the
// address up immediately.
func (s *Service) monitorAddressHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	p := s.principal(r)

	var req struct {
		Coin      string `json:"coin"`
		Address   string `json:"address"`
		Label     string `json:"label"`
		CollectTo string `json:"collect_to"`
		SweepKey  string `json:"sweep_key"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: invalid JSON body", errBadRequest)

		return
	}

	var cn coin.Coin
	if cn, err = s.reg.Get(req.Coin); err != nil {
		return
	}

	if err = cn.ValidateAddress(req.Address); err != nil {
		return
	}

	if req.CollectTo != "" {
		if err = cn.ValidateAddress(req.CollectTo); err != nil {
			err = fmt.Errorf("collect_to: %w", err)

			return
		}
	}

	a := store.MonitoredAddress{
		UserID:    p.User.ID,
		Coin:      cn.Symbol,
		Address:   req.Address,
		Label:     req.Label,
		CollectTo: req.CollectTo,
		SweepKey:  req.SweepKey,
		AddedAt:   time.Now().UTC(),
		Active:    true,
	}

	if a.ID, err = s.users.AddAddress(r.Context(), p, a, remoteIP(r), r.UserAgent()); err != nil {
		return
	}

	s.engine.WatchAddress(a)

	out = map[string]interface{}{
		"id":      a.ID,
		"coin":    a.Coin,
		"address": a.Address,
		"message": "address monitoring started",
	}
}

// stopMonitoringHandler takes an address out of watch by its id. Rows of other users answer
// not found.
func (s *Service) stopMonitoringHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	p := s.principal(r)

	var id int64
	if id, err = strconv.ParseInt(mux.Vars(r)["id"], 10, 64); err != nil {
		err = fmt.Errorf("%w: invalid address id", errBadRequest)

		return
	}

	var a store.MonitoredAddress
	if a, err = s.db.AddressByID(r.Context(), id); err != nil {
		return
	}

	if a.UserID != p.User.ID {
		err = fmt.Errorf("%w: address %d", store.ErrNotFound, id)

		return
	}

	if err = s.users.RemoveAddress(r.Context(), p, a.Coin, a.Address, remoteIP(r), r.UserAgent()); err != nil {
		return
	}

	s.engine.UnwatchAddress(a.Coin, a.Address)

	out = map[string]string{"message": "address monitoring stopped"}
}

// balanceHandler replies the upstream balance of a monitored address of the caller.
func (s *Service) balanceHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	p := s.principal(r)
	v := mux.Vars(r)

	var cn coin.Coin
	if cn, err = s.reg.Get(v["coin"]); err != nil {
		return
	}

	address := v["address"]

	if !p.IsAdmin() {
		var rows []store.MonitoredAddress
		if rows, err = s.db.AddressesByUser(r.Context(), p.User.ID); err != nil {
			return
		}

		owned := false

		for _, a := range rows {
			if a.Coin == cn.Symbol && a.Address == address {
				owned = true

				break
			}
		}

		if !owned {
			err = fmt.Errorf("%w: address is not monitored by this user", store.ErrNotFound)

			return
		}
	}

	pl, ok := s.pools[cn.Symbol]
	if !ok {
		err = fmt.Errorf("%w: %s", coin.ErrUnknownCoin, cn.Symbol)

		return
	}

	var client *nownodes.Client
	if client, err = pl.Acquire(r.Context()); err != nil {
		return
	}

	info, gerr := client.GetAddress(r.Context(), address)
	pl.Release(client, gerr)

	if gerr != nil {
		err = gerr

		return
	}

	out = map[string]interface{}{
		"coin":        cn.Symbol,
		"address":     address,
		"balance":     info.Balance,
		"unconfirmed": info.UnconfirmedBalance,
		"formatted":   util.FormatAmount(info.Balance, cn.Decimals, cn.Symbol),
	}
}

// deriveHandler replies an HD wallet address for the wallet, change and id of the query.
func (s *Service) deriveHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	p := s.principal(r)

	if !p.Can(user.CapCreateAddresses) {
		err = fmt.Errorf("%w: %s", user.ErrForbidden, user.CapCreateAddresses)

		return
	}

	if s.hdw == nil {
		err = fmt.Errorf("%w: no wallet seed configured", errBadRequest)

		return
	}

	q := r.URL.Query()

	var wallet uint64
	if wallet, err = strconv.ParseUint(q.Get("wallet"), 0, 32); err != nil {
		err = fmt.Errorf("%w: wallet must be a 32-bit number", errBadRequest)

		return
	}

	var id uint64
	if id, err = strconv.ParseUint(q.Get("id"), 0, 32); err != nil {
		err = fmt.Errorf("%w: id must be a 32-bit number", errBadRequest)

		return
	}

	var change uint8 = hd.External

	switch q.Get("change") {
	case "", "0", "external":
	case "1", "change":
		change = hd.Change
	default:
		err = fmt.Errorf("%w: change must be 0/external or 1/change", errBadRequest)

		return
	}

	var addr []byte
	if addr, _, _, err = s.hdw.Address(uint32(wallet), change, uint32(id)); err != nil {
		return
	}

	out = map[string]interface{}{
		"wallet":  wallet,
		"change":  change,
		"id":      id,
		"address": "0x" + hex.EncodeToString(addr),
	}
}

// monitorsHandler replies the live stats of every running monitor.
func (s *Service) monitorsHandler(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()

	s.reply(w, r, map[string]interface{}{"monitors": st, "total": len(st)}, nil)
}

// startMonitorHandler starts the monitor of one coin on behalf of the caller.
func (s *Service) startMonitorHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	var cn coin.Coin
	if cn, err = s.reg.Get(mux.Vars(r)["coin"]); err != nil {
		return
	}

	if err = s.engine.StartCoin(r.Context(), cn.Symbol, s.principal(r).User.ID); err != nil {
		return
	}

	out = map[string]string{"coin": cn.Symbol, "message": "monitor started"}
}

// stopMonitorHandler stops the monitor of one coin.
func (s *Service) stopMonitorHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	var cn coin.Coin
	if cn, err = s.reg.Get(mux.Vars(r)["coin"]); err != nil {
		return
	}

	if err = s.engine.StopCoin(r.Context(), cn.Symbol); err != nil {
		return
	}

	out = map[string]string{"coin": cn.Symbol, "message": "monitor stopped"}
}

// monitorStatusHandler replies the live stats of one monitor, falling back to the last
// persisted state when it is not running.
func (s *Service) monitorStatusHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	var cn coin.Coin
	if cn, err = s.reg.Get(mux.Vars(r)["coin"]); err != nil {
		return
	}

	st, serr := s.engine.StatusCoin(cn.Symbol)
	if serr == nil {
		out = map[string]interface{}{"coin": cn.Symbol, "running": true, "stats": st}

		return
	}

	if !errors.Is(serr, monitor.ErrNotRunning) {
		err = serr

		return
	}

	var states []store.MonitorState
	if states, err = s.db.MonitorStates(r.Context()); err != nil {
		return
	}

	pl := map[string]interface{}{"coin": cn.Symbol, "running": false}

	for _, ms := range states {
		if ms.Coin == cn.Symbol {
			pl["last_state"] = ms

			break
		}
	}

	out = pl
}

// collectHandler sweeps the confirmed funds of an address to the master address.
func (s *Service) collectHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	p := s.principal(r)

	if !p.Can(user.CapCollectFunds) {
		err = fmt.Errorf("%w: %s", user.ErrForbidden, user.CapCollectFunds)

		return
	}

	var cn coin.Coin
	if cn, err = s.reg.Get(mux.Vars(r)["coin"]); err != nil {
		return
	}

	var req struct {
		Address       string `json:"address"`
		PrivateKey    string `json:"private_key"`
		MasterAddress string `json:"master_address"`
	}

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: invalid JSON body", errBadRequest)

		return
	}

	if req.Address == "" || req.PrivateKey == "" || req.MasterAddress == "" {
		err = fmt.Errorf("%w: address, private_key and master_address are required", errBadRequest)

		return
	}

	var res collector.Outcome
	if res, err = s.coll.Collect(r.Context(), collector.Request{
		UserID:        p.User.ID,
		Coin:          cn.Symbol,
		Address:       req.Address,
		MasterAddress: req.MasterAddress,
		PrivateKey:    req.PrivateKey,
	}); err != nil {
		return
	}

	out = res
}

// eligibilityHandler replies whether a sweep of the address would pay out, without touching
// any key material.
func (s *Service) eligibilityHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	if p := s.principal(r); !p.Can(user.CapCollectFunds) {
		err = fmt.Errorf("%w: %s", user.ErrForbidden, user.CapCollectFunds)

		return
	}

	var cn coin.Coin
	if cn, err = s.reg.Get(mux.Vars(r)["coin"]); err != nil {
		return
	}

	address := r.URL.Query().Get("address")
	if address == "" {
		err = fmt.Errorf("%w: address query parameter is required", errBadRequest)

		return
	}

	var el collector.Eligibility
	if el, err = s.coll.CheckEligibility(r.Context(), cn.Symbol, address); err != nil {
		return
	}

	out = el
}

// collectionsHandler replies the collection history of the caller, most recent first.
func (s *Service) collectionsHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	limit, offset := pageParams(r)

	var rows []store.Collection
	if rows, err = s.db.ListCollections(r.Context(), s.principal(r).User.ID, limit, offset); err != nil {
		return
	}

	if rows == nil {
		rows = []store.Collection{}
	}

	out = map[string]interface{}{"collections": rows, "total": len(rows), "limit": limit, "offset": offset}
}

// transactionsHandler replies the deposit history of the caller with optional coin, address
// and status filters.
func (s *Service) transactionsHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	p := s.principal(r)

	if !p.Can(user.CapViewTransactions) {
		err = fmt.Errorf("%w: %s", user.ErrForbidden, user.CapViewTransactions)

		return
	}

	limit, offset := pageParams(r)
	q := r.URL.Query()

	f := store.TxFilter{
		UserID:  p.User.ID,
		Address: q.Get("address"),
		Status:  q.Get("status"),
		Limit:   limit,
		Offset:  offset,
	}

	if coinSym := q.Get("coin"); coinSym != "" {
		var cn coin.Coin
		if cn, err = s.reg.Get(coinSym); err != nil {
			return
		}

		f.Coin = cn.Symbol
	}

	var txs []store.Transaction
	if txs, err = s.db.ListTransactions(r.Context(), f); err != nil {
		return
	}

	if txs == nil {
		txs = []store.Transaction{}
	}

	out = map[string]interface{}{"transactions": txs, "total": len(txs), "limit": limit, "offset": offset}
}

// txHandler replies one deposit of the caller by txid.
func (s *Service) txHandler(w http.ResponseWriter, r *http.Request) {
	var err error

	var out interface{}

	defer func() { s.reply(w, r, out, err) }()

	p := s.principal(r)

	if !p.Can(user.CapViewTransactions) {
		err = fmt.Errorf("%w: %s", user.ErrForbidden, user.CapViewTransactions)

		return
	}

	txid := mux.Vars(r)["txid"]

	var txs []store.Transaction
	if txs, err = s.db.ListTransactions(r.Context(), store.TxFilter{UserID: p.User.ID, Txid: txid, Limit: 1}); err != nil {
		return
	}

	if len(txs) == 0 {
		err = fmt.Errorf("%w: transaction %s", store.ErrNotFound, txid)

		return
	}

	out = txs[0]
}

// pageParams reads the limit and offset query parameters, clamping the limit.
func pageParams(r *http.Request) (limit, offset int) {
	limit = store.DefaultListLimit

	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}

	if n, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && n > 0 {
		offset = n
	}

	return limit, offset
}
