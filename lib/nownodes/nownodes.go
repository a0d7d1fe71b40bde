// Package nownodes implements the upstream client for one coin: the blockbook REST API for
// address, UTXO and transaction queries, the node JSON-RPC endpoint for raw transaction
// handling, and the blockbook WebSocket used for address subscriptions. All amounts leave this
// package in whole coin units; base unit strings never cross the boundary.
package nownodes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tarancss/chainwatch/lib/coin"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 10 // upstream requests per second per client
)

// RPCError is a JSON-RPC error reply from the node endpoint.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// AddressInfo is the decoded blockbook address reply.
type AddressInfo struct {
	Address            string
	Balance            decimal.Decimal
	UnconfirmedBalance decimal.Decimal
	TxCount            int
	Txids              []string
}

// UTXO is one unspent output of an address.
type UTXO struct {
	Txid          string
	Vout          int
	Value         decimal.Decimal
	Confirmations int
}

// Tx is the decoded blockbook transaction reply, reduced to the fields the module tracks.
type Tx struct {
	Txid          string
	BlockHeight   int64
	Confirmations int
	BlockTime     int64
	Value         decimal.Decimal
}

// TxInput references a UTXO spent by a raw transaction.
type TxInput struct {
	Txid string `json:"txid"`
	Vout int    `json:"vout"`
}

// BlockchainInfo is the getblockchaininfo reply used as upstream health probe.
type BlockchainInfo struct {
	Chain  string `json:"chain"`
	Blocks int64  `json:"blocks"`
}

// Client talks to the nownodes.io endpoints of a single coin.
type Client struct {
	coin    coin.Coin
	book    *resty.Client
	rpc     *resty.Client
	limiter *rate.Limiter
}

// New returns a client for the coin using the given nownodes API key.
func New(c coin.Coin, apiKey string) *Client {
	book := resty.New().
		SetBaseURL(c.BlockbookURL).
		SetHeader("api-key", apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(defaultTimeout)

	rpc := resty.New().
		SetBaseURL(c.RPCURL).
		SetHeader("api-key", apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(defaultTimeout)

	return &Client{
		coin:    c,
		book:    book,
		rpc:     rpc,
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateLimit),
	}
}

// Coin returns the coin this client serves.
func (c *Client) Coin() coin.Coin {
	return c.coin
}

// Close releases idle connections held by the underlying transports.
func (c *Client) Close() {
	c.book.GetClient().CloseIdleConnections()
	c.rpc.GetClient().CloseIdleConnections()
}

// blockbook wire types: balances and values arrive as base unit strings.
type bookAddress struct {
	Address            string   `json:"address"`
	Balance            string   `json:"balance"`
	UnconfirmedBalance string   `json:"unconfirmedBalance"`
	Txs                int      `json:"txs"`
	Txids              []string `json:"txids"`
}

type bookUTXO struct {
	Txid          string `json:"txid"`
	Vout          int    `json:"vout"`
	Value         string `json:"value"`
	Confirmations int    `json:"confirmations"`
}

type bookTx struct {
	Txid          string `json:"txid"`
	BlockHeight   int64  `json:"blockHeight"`
	Confirmations int    `json:"confirmations"`
	BlockTime     int64  `json:"blockTime"`
	Value         string `json:"value"`
}

type bookError struct {
	Error string `json:"error"`
}

// GetAddress fetches balance and transaction references of an address.
func (c *Client) GetAddress(ctx context.Context, addr string) (AddressInfo, error) {
	var raw bookAddress

	if err := c.bookGet(ctx, "/api/v2/address/"+addr, nil, &raw); err != nil {
		return AddressInfo{}, err
	}

	bal, err := c.coin.FromBaseUnits(orZero(raw.Balance))
	if err != nil {
		return AddressInfo{}, err
	}

	unconf, err := c.coin.FromBaseUnits(orZero(raw.UnconfirmedBalance))
	if err != nil {
		return AddressInfo{}, err
	}

	return AddressInfo{
		Address:            raw.Address,
		Balance:            bal,
		UnconfirmedBalance: unconf,
		TxCount:            raw.Txs,
		Txids:              raw.Txids,
	}, nil
}

// GetUTXOs fetches the unspent outputs of an address, confirmed and unconfirmed.
func (c *Client) GetUTXOs(ctx context.Context, addr string) ([]UTXO, error) {
	var raw []bookUTXO

	if err := c.bookGet(ctx, "/api/v2/utxo/"+addr, map[string]string{"confirmed": "false"}, &raw); err != nil {
		return nil, err
	}

	utxos := make([]UTXO, 0, len(raw))

	for _, u := range raw {
		v, err := c.coin.FromBaseUnits(orZero(u.Value))
		if err != nil {
			return nil, err
		}

		utxos = append(utxos, UTXO{Txid: u.Txid, Vout: u.Vout, Value: v, Confirmations: u.Confirmations})
	}

	return utxos, nil
}

// GetTransaction fetches one transaction by id.
func (c *Client) GetTransaction(ctx context.Context, txid string) (Tx, error) {
	var raw bookTx

	if err := c.bookGet(ctx, "/api/v2/tx/"+txid, nil, &raw); err != nil {
		return Tx{}, err
	}

	v, err := c.coin.FromBaseUnits(orZero(raw.Value))
	if err != nil {
		return Tx{}, err
	}

	return Tx{
		Txid:          raw.Txid,
		BlockHeight:   raw.BlockHeight,
		Confirmations: raw.Confirmations,
		BlockTime:     raw.BlockTime,
		Value:         v,
	}, nil
}

// bookGet performs one blockbook GET, decoding either the expected reply or the blockbook error
// envelope.
func (c *Client) bookGet(ctx context.Context, path string, query map[string]string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req := c.book.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}

	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("blockbook %s: %w", path, err)
	}

	if resp.IsError() {
		var be bookError
		if jerr := json.Unmarshal(resp.Body(), &be); jerr == nil && be.Error != "" {
			return fmt.Errorf("blockbook %s: %s", path, be.Error)
		}

		return fmt.Errorf("blockbook %s: status %d", path, resp.StatusCode())
	}

	if err = json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("blockbook %s: decoding reply: %w", path, err)
	}

	return nil
}

// CreateRawTransaction builds an unsigned raw transaction spending the inputs into the outputs.
// Output amounts are whole coin units rounded to the coin's decimals.
func (c *Client) CreateRawTransaction(ctx context.Context, inputs []TxInput, outputs map[string]decimal.Decimal) (string, error) {
	outs := make(map[string]json.Number, len(outputs))
	for addr, amt := range outputs {
		outs[addr] = json.Number(c.coin.Round(amt).String())
	}

	var raw string
	if err := c.rpcCall(ctx, "createrawtransaction", []interface{}{inputs, outs}, &raw); err != nil {
		return "", err
	}

	return raw, nil
}

// SignRawTransactionWithKey signs the raw transaction with the given private keys. An incomplete
// signature set is an error.
func (c *Client) SignRawTransactionWithKey(ctx context.Context, raw string, keys []string) (string, error) {
	var signed struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}

	if err := c.rpcCall(ctx, "signrawtransactionwithkey", []interface{}{raw, keys}, &signed); err != nil {
		return "", err
	}

	if !signed.Complete {
		return "", fmt.Errorf("transaction signing not complete")
	}

	return signed.Hex, nil
}

// SendRawTransaction broadcasts the signed transaction and returns its txid.
func (c *Client) SendRawTransaction(ctx context.Context, hex string) (string, error) {
	var txid string
	if err := c.rpcCall(ctx, "sendrawtransaction", []interface{}{hex}, &txid); err != nil {
		return "", err
	}

	if txid == "" {
		return "", fmt.Errorf("no txid in sendrawtransaction reply")
	}

	return txid, nil
}

// GetBlockchainInfo queries the node, used as the upstream health probe.
func (c *Client) GetBlockchainInfo(ctx context.Context) (BlockchainInfo, error) {
	var info BlockchainInfo
	if err := c.rpcCall(ctx, "getblockchaininfo", []interface{}{}, &info); err != nil {
		return BlockchainInfo{}, err
	}

	return info, nil
}

// Ping reports whether the upstream answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetBlockchainInfo(ctx)

	return err
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) rpcCall(ctx context.Context, method string, params interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      "chainwatch",
		"method":  method,
		"params":  params,
	}

	resp, err := c.rpc.R().SetContext(ctx).SetBody(body).Post("")
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}

	var env rpcEnvelope
	if err = json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("rpc %s: decoding reply: %w", method, err)
	}

	if env.Error != nil {
		return fmt.Errorf("rpc %s: %w", method, env.Error)
	}

	if resp.IsError() {
		return fmt.Errorf("rpc %s: status %d", method, resp.StatusCode())
	}

	if out != nil && len(env.Result) > 0 {
		if err = json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("rpc %s: decoding result: %w", method, err)
		}
	}

	return nil
}

// DialWS opens the blockbook WebSocket of the coin. The caller owns the connection and its read
// loop.
func (c *Client) DialWS(ctx context.Context) (*websocket.Conn, error) {
	hdr := http.Header{}
	hdr.Set("api-key", c.book.Header.Get("api-key"))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.coin.WSURL, hdr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.coin.WSURL, err)
	}

	return conn, nil
}

// WSMessage is the envelope of blockbook WebSocket traffic in both directions.
type WSMessage struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// TxNotification is the payload of an address subscription event. Amount arrives in whole coin
// units.
type TxNotification struct {
	Txid          string          `json:"txid"`
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	Timestamp     int64           `json:"timestamp"`
}

// SubscribeMessage builds the subscription request for one address.
func SubscribeMessage(addr string) WSMessage {
	params, _ := json.Marshal(map[string]string{"address": addr})

	return WSMessage{Method: "subscribe", Params: params}
}

// PongMessage builds the reply to a server ping, echoing its params.
func PongMessage(ping WSMessage) WSMessage {
	return WSMessage{Method: "pong", Params: ping.Params}
}

func orZero(v string) string {
	if v == "" {
		return "0"
	}

	return v
}
