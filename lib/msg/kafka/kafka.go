// Package kafka implements the message broker interface on Apache Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/tarancss/chainwatch/lib/logger"
	"github.com/tarancss/chainwatch/lib/msg"
)

// Topic names for the two event streams. All coins share a stream, messages are keyed
// <coin>.<txid>.
const (
	TxTopic   = "chainwatch.transactions"
	CollTopic = "chainwatch.collections"
)

// Kafka implements the broker interface with one writer per topic. The mutex guards the
// writers, publishers run concurrently per coin.
type Kafka struct {
	mu      sync.Mutex
	brokers []string
	tx      *kafka.Writer
	coll    *kafka.Writer
	readers []*kafka.Reader
	log     zerolog.Logger
}

// New instantiates a new kafka broker from a comma separated broker list.
func New(brokerList string) (*Kafka, error) {
	var brokers []string

	for _, b := range strings.Split(brokerList, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers in %q", brokerList)
	}

	return &Kafka{
		brokers: brokers,
		tx: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    TxTopic,
			Balancer: &kafka.LeastBytes{},
		},
		coll: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    CollTopic,
			Balancer: &kafka.LeastBytes{},
		},
		log: logger.GetLogger().With().Str("component", "broker").Logger(),
	}, nil
}

// Setup has nothing to declare: topics are auto created or managed out of band.
func (k *Kafka) Setup() error { return nil }

// Close terminates the writers and any readers handed out by TxEvents.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, r := range k.readers {
		if err := r.Close(); err != nil {
			k.log.Error().Err(err).Msg("error closing kafka reader")
		}
	}

	if err := k.tx.Close(); err != nil {
		return err
	}

	return k.coll.Close()
}

// PublishTx publishes a transaction event to the transactions topic.
func (k *Kafka) PublishTx(coin string, e msg.TxEvent) error {
	return k.write(k.tx, coin+"."+e.Txid, e)
}

// PublishCollection publishes a collection event to the collections topic.
func (k *Kafka) PublishCollection(coin string, e msg.CollectionEvent) error {
	return k.write(k.coll, coin+"."+e.TriggerTxid, e)
}

func (k *Kafka) write(w *kafka.Writer, key string, doc interface{}) error {
	value, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("could not marshal event: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err = w.WriteMessages(context.Background(), kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("could not write event to kafka: %w", err)
	}

	return nil
}

// TxEvents consumes transaction events for a coin, pushing them to the returned channel. The
// coin's consumer group reads the shared topic and skips other coins' messages. The Mutex
// pointer is provided to ensure the consumed message has been fully dealt with by the caller,
// so the offset is only committed when the mutex is unlocked.
func (k *Kafka) TxEvents(coin string, mut *sync.Mutex) (<-chan msg.TxEvent, <-chan error, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.brokers,
		GroupID: "chainwatch-" + coin,
		Topic:   TxTopic,
	})

	k.mu.Lock()
	k.readers = append(k.readers, r)
	k.mu.Unlock()

	eves := make(chan msg.TxEvent)
	errs := make(chan error)

	go func() {
		for {
			m, err := r.FetchMessage(context.Background())
			if err != nil {
				// reader closed
				return
			}

			if !strings.HasPrefix(string(m.Key), coin+".") {
				if err = r.CommitMessages(context.Background(), m); err != nil {
					errs <- err
				}

				continue
			}

			var e msg.TxEvent
			if err = json.Unmarshal(m.Value, &e); err != nil {
				errs <- err

				continue
			}

			eves <- e

			mut.Lock() // wait for the caller to finish processing the event
			if err = r.CommitMessages(context.Background(), m); err != nil {
				errs <- err
			}
		}
	}()

	return eves, errs, nil
}
