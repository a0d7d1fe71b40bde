// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/tarancss/chainwatch/lib/logger"
	"github.com/tarancss/chainwatch/lib/msg"
)

// Exchange names: te carries transaction events, ce carries collection events.
const (
	txExchange   = "te"
	collExchange = "ce"
)

// Amqp implements a connection to a broker and a channel for reuse. The mutex guards the
// channel, publishers run concurrently per coin.
type Amqp struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	log  zerolog.Logger
}

// New instantiates a new amqp broker.
func New(uri string) (*Amqp, error) {
	r := Amqp{log: logger.GetLogger().With().Str("component", "broker").Logger()}

	var err error
	if r.conn, err = amqp.Dial(uri); err != nil {
		return nil, fmt.Errorf("could not connect to message broker: %w", err)
	}

	r.log.Info().Msg("connected to AMQP broker")

	return &r, nil
}

// Setup obtains a one-use channel and declares the message broker exchanges:
//
// - te ("transaction events"): the monitor publishes transaction events to this exchange
//
// - ce ("collection events"): the collector publishes collection results to this exchange
func (r *Amqp) Setup() error {
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if err = channel.ExchangeDeclare(txExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	return channel.ExchangeDeclare(collExchange, "topic", true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker.
func (r *Amqp) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Error().Err(err).Msg("error closing amqp channel")
		}

		r.ch = nil
	}

	return r.conn.Close()
}

// PublishTx publishes a transaction event to the "te" exchange under <coin>.tx.<txid>.
func (r *Amqp) PublishTx(coin string, e msg.TxEvent) error {
	err := r.publish(txExchange, coin+".tx."+e.Txid, amqp.Table{"x-event-name": coin + "." + e.Txid}, e)
	if err != nil {
		r.log.Error().Str("coin", coin).Err(err).Msg("could not publish transaction event")
	}

	return err
}

// PublishCollection publishes a collection event to the "ce" exchange under
// <coin>.collection.<trigger txid>.
func (r *Amqp) PublishCollection(coin string, e msg.CollectionEvent) error {
	err := r.publish(collExchange, coin+".collection."+e.TriggerTxid,
		amqp.Table{"x-event-name": coin + "." + e.TriggerTxid}, e)
	if err != nil {
		r.log.Error().Str("coin", coin).Err(err).Msg("could not publish collection event")
	}

	return err
}

func (r *Amqp) publish(exchange, key string, headers amqp.Table, doc interface{}) error {
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	return r.ch.Publish(exchange, key, false, false, amqp.Publishing{
		Headers:     headers,
		Body:        jsonDoc,
		ContentType: "application/json",
	})
}

// TxEvents consumes transaction events for a coin from the "te" exchange pushing them to the
// returned channel. The Mutex pointer is provided to ensure the consumed message has been
// fully dealt with by the caller, so the message is only acknowledged when the mutex is
// unlocked.
func (r *Amqp) TxEvents(coin string, mut *sync.Mutex) (<-chan msg.TxEvent, <-chan error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return nil, nil, err
		}
	}

	// declare a durable queue per coin and bind it to the exchange
	queue := txExchange + coin
	if _, err = r.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, nil, err
	}

	if err = r.ch.QueueBind(queue, coin+".*.*", txExchange, false, nil); err != nil {
		return nil, nil, err
	}

	msgs, err := r.ch.Consume(queue, "chainwatch-"+coin, false, false, false, false, nil)
	if err != nil {
		return nil, nil, err
	}

	eves := make(chan msg.TxEvent)
	errs := make(chan error)

	// start routine to consume messages from broker
	go func() {
		for m := range msgs {
			var e msg.TxEvent
			if err := json.Unmarshal(m.Body, &e); err != nil {
				errs <- err

				continue
			}

			eves <- e

			mut.Lock() // wait for the caller to finish processing the event
			m.Ack(false)
		}
	}()

	return eves, errs, nil
}
