// Package msg defines the interface for different message brokers.
//
package msg

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tarancss/chainwatch/lib/logger"
)

// ErrNoBroker is returned by consumers of the Nop broker: there is nothing to consume from.
var ErrNoBroker = errors.New("no message broker configured")

// Transaction event statuses as published to integrators.
const (
	TxSeen      = "tx_seen"
	TxConfirmed = "tx_confirmed"
)

// TxEvent is the message published while a monitored address receives and confirms a
// transaction.
type TxEvent struct {
	Coin          string          `json:"coin"`
	Txid          string          `json:"txid"`
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	Status        string          `json:"status"`
	UserID        int64           `json:"user_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// CollectionEvent is the message published when a funds collection settles, successfully or
// not.
type CollectionEvent struct {
	Coin          string          `json:"coin"`
	TriggerTxid   string          `json:"trigger_txid"`
	Txid          string          `json:"txid,omitempty"`
	Address       string          `json:"address"`
	MasterAddress string          `json:"master_address"`
	AmountSent    decimal.Decimal `json:"amount_sent"`
	Fee           decimal.Decimal `json:"fee"`
	Status        string          `json:"status"`
	UserID        int64           `json:"user_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Broker is the interface message broker backends implement.
type Broker interface {
	Setup() error
	Close() error

	// methods for the monitoring and collection services
	PublishTx(coin string, e TxEvent) error
	PublishCollection(coin string, e CollectionEvent) error

	// consumer side for integrators
	TxEvents(coin string, mut *sync.Mutex) (<-chan TxEvent, <-chan error, error)
}

// Nop is the broker used when broker.type is "none": published events are logged at debug
// level and dropped.
type Nop struct {
	log zerolog.Logger
}

// NewNop instantiates the no-op broker.
func NewNop() *Nop {
	return &Nop{log: logger.GetLogger().With().Str("component", "broker").Logger()}
}

func (n *Nop) Setup() error { return nil }

func (n *Nop) Close() error { return nil }

// PublishTx drops the event.
func (n *Nop) PublishTx(coin string, e TxEvent) error {
	n.log.Debug().Str("coin", coin).Str("txid", e.Txid).Str("status", e.Status).
		Msg("transaction event dropped, no broker configured")

	return nil
}

// PublishCollection drops the event.
func (n *Nop) PublishCollection(coin string, e CollectionEvent) error {
	n.log.Debug().Str("coin", coin).Str("trigger_txid", e.TriggerTxid).Str("status", e.Status).
		Msg("collection event dropped, no broker configured")

	return nil
}

// TxEvents fails: there is no stream to consume from.
func (n *Nop) TxEvents(coin string, mut *sync.Mutex) (<-chan TxEvent, <-chan error, error) {
	return nil, nil, ErrNoBroker
}
