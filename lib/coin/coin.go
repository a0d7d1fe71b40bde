// Package coin holds the typed, validated coin definitions the module operates on. A Registry is
// built once from the service configuration and handed to the components; lookups are
// case-insensitive on the coin symbol.
package coin

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tarancss/chainwatch/lib/config"
)

// Address types supported by ValidateAddress.
const (
	AddressTypeUTXO    = "utxo"
	AddressTypeAccount = "account"
)

// Address length bounds accepted before any checksum validation.
const (
	MinAddressLen = 26
	MaxAddressLen = 95
)

// Errors returned
var (
	ErrUnknownCoin = errors.New("coin is not configured")
	ErrBadAddress  = errors.New("invalid address")
)

// addrPrefixes lists the accepted leading characters of base58/bech32 addresses per symbol.
// Symbols not listed here are only checked structurally.
var addrPrefixes = map[string][]string{
	"BTC":  {"1", "3", "bc1"},
	"LTC":  {"L", "M", "3", "ltc1"},
	"DOGE": {"D", "A", "9"},
}

// Coin is a validated coin definition. Amounts are expressed in whole coin units.
type Coin struct {
	Symbol                string          `json:"symbol"`
	Name                  string          `json:"name"`
	Decimals              int             `json:"decimals"`
	BlockbookURL          string          `json:"blockbook_url"`
	RPCURL                string          `json:"rpc_url"`
	WSURL                 string          `json:"ws_url"`
	RequiredConfirmations int             `json:"required_confirmations"`
	MinCollectionAmount   decimal.Decimal `json:"min_collection_amount"`
	CollectionFee         decimal.Decimal `json:"collection_fee"`
	AddressType           string          `json:"address_type"`
}

// Registry resolves coin symbols to their definitions.
type Registry struct {
	coins map[string]Coin
}

// NewRegistry builds a Registry from an already validated configuration. The WebSocket URL is
// derived from the blockbook URL and the node RPC URL defaults to the nownodes.io convention
// https://{symbol}.nownodes.io when not configured.
func NewRegistry(coins map[string]config.Coin) (*Registry, error) {
	r := &Registry{coins: make(map[string]Coin, len(coins))}

	for sym, cc := range coins {
		symbol := strings.ToUpper(sym)
		if _, dup := r.coins[symbol]; dup {
			return nil, fmt.Errorf("coin %s configured twice", symbol)
		}

		addrType := cc.AddressType
		if addrType == "" {
			addrType = AddressTypeUTXO
		}

		rpcURL := cc.RPCURL
		if rpcURL == "" {
			rpcURL = fmt.Sprintf("https://%s.nownodes.io", strings.ToLower(symbol))
		}

		r.coins[symbol] = Coin{
			Symbol:                symbol,
			Name:                  cc.Name,
			Decimals:              cc.Decimals,
			BlockbookURL:          strings.TrimRight(cc.BlockbookURL, "/"),
			RPCURL:                rpcURL,
			WSURL:                 wsURL(cc.BlockbookURL),
			RequiredConfirmations: cc.RequiredConfirmations,
			MinCollectionAmount:   decimal.NewFromFloat(cc.MinCollectionAmount),
			CollectionFee:         decimal.NewFromFloat(cc.CollectionFee),
			AddressType:           addrType,
		}
	}

	return r, nil
}

// wsURL converts a blockbook http(s) URL into its ws(s) equivalent.
func wsURL(blockbook string) string {
	u := strings.TrimRight(blockbook, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}

	return u
}

// Get returns the coin for the given symbol, case-insensitive.
func (r *Registry) Get(symbol string) (Coin, error) {
	c, ok := r.coins[strings.ToUpper(symbol)]
	if !ok {
		return Coin{}, fmt.Errorf("%w: %s", ErrUnknownCoin, symbol)
	}

	return c, nil
}

// Has reports whether the symbol is configured.
func (r *Registry) Has(symbol string) bool {
	_, ok := r.coins[strings.ToUpper(symbol)]

	return ok
}

// Symbols returns the configured symbols in lexical order.
func (r *Registry) Symbols() []string {
	ss := make([]string, 0, len(r.coins))
	for sym := range r.coins {
		ss = append(ss, sym)
	}

	sort.Strings(ss)

	return ss
}

// All returns the configured coins keyed by symbol.
func (r *Registry) All() map[string]Coin {
	m := make(map[string]Coin, len(r.coins))
	for sym, c := range r.coins {
		m[sym] = c
	}

	return m
}

// ValidateAddress checks addr against the coin's address scheme: hex account addresses for
// account coins, base58check or bech32 with the coin's prefix table for utxo coins. It returns
// ErrBadAddress wrapped with the reason.
func (c Coin) ValidateAddress(addr string) error {
	if c.AddressType == AddressTypeAccount {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: %s is not a hex account address", ErrBadAddress, addr)
		}

		return nil
	}

	if len(addr) < MinAddressLen || len(addr) > MaxAddressLen {
		return fmt.Errorf("%w: length %d out of range", ErrBadAddress, len(addr))
	}

	if prefixes, ok := addrPrefixes[c.Symbol]; ok {
		var match bool

		for _, p := range prefixes {
			if strings.HasPrefix(addr, p) {
				match = true

				break
			}
		}

		if !match {
			return fmt.Errorf("%w: %s does not carry a %s prefix", ErrBadAddress, addr, c.Symbol)
		}
	}

	if isBech32(addr) {
		if _, _, err := bech32.Decode(addr); err != nil {
			return fmt.Errorf("%w: %v", ErrBadAddress, err)
		}

		return nil
	}

	if _, _, err := base58.CheckDecode(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrBadAddress, err)
	}

	return nil
}

// isBech32 reports whether addr looks like a bech32 string: a known human readable part followed
// by the separator. Mixed-case strings are never bech32.
func isBech32(addr string) bool {
	if strings.ToLower(addr) != addr {
		return false
	}

	for _, hrp := range []string{"bc1", "tb1", "ltc1", "tltc1"} {
		if strings.HasPrefix(addr, hrp) {
			return true
		}
	}

	return false
}

// FromBaseUnits converts an amount expressed in base units (satoshi-like string as blockbook
// reports them) into whole coin units.
func (c Coin) FromBaseUnits(v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad base unit amount %q: %w", v, err)
	}

	return d.Shift(int32(-c.Decimals)), nil
}

// ToBaseUnits converts whole coin units into base units, truncating below one base unit.
func (c Coin) ToBaseUnits(d decimal.Decimal) string {
	return d.Shift(int32(c.Decimals)).Truncate(0).String()
}

// Round rounds an amount to the coin's decimals, the precision used for sweep outputs.
func (c Coin) Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(int32(c.Decimals))
}
