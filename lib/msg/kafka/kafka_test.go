package kafka

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/chainwatch/lib/msg"
)

// openTestBroker connects to the brokers named by CW_TEST_KAFKA_BROKERS, a comma separated
// list such as localhost:9092. Without it the test is skipped. The topics must exist or the
// cluster must auto create them.
func openTestBroker(t *testing.T) *Kafka {
	t.Helper()

	brokers := os.Getenv("CW_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("set CW_TEST_KAFKA_BROKERS to run Kafka broker tests")
	}

	k, err := New(brokers)
	if err != nil {
		t.Fatalf("could not build broker: %v", err)
	}

	t.Cleanup(func() { k.Close() })

	return k
}

func TestNewValidation(t *testing.T) {
	if _, err := New("  ,  "); err == nil {
		t.Error("empty broker list accepted")
	}

	k, err := New("localhost:9092, localhost:9093")
	if err != nil {
		t.Fatalf("could not build broker: %v", err)
	}

	if len(k.brokers) != 2 || k.brokers[1] != "localhost:9093" {
		t.Errorf("broker list not parsed: %v", k.brokers)
	}
}

func TestKafkaRoundTrip(t *testing.T) {
	k := openTestBroker(t)

	if err := k.Setup(); err != nil {
		t.Fatalf("could not set up broker: %v", err)
	}

	mut := new(sync.Mutex)
	mut.Lock()

	eves, errs, err := k.TxEvents("LTC", mut)
	if err != nil {
		t.Fatalf("could not start consumer: %v", err)
	}

	sent := msg.TxEvent{
		Coin:          "LTC",
		Txid:          "f4184fc5",
		Address:       "ltc1qwatch",
		Amount:        decimal.RequireFromString("0.25"),
		Confirmations: 1,
		Status:        msg.TxSeen,
		Timestamp:     time.Now().UTC(),
	}

	if err = k.PublishTx("LTC", sent); err != nil {
		t.Fatalf("could not publish: %v", err)
	}

	select {
	case got := <-eves:
		if got.Txid != sent.Txid || !got.Amount.Equal(sent.Amount) {
			t.Errorf("event mismatch: got %+v", got)
		}

		mut.Unlock()
	case err := <-errs:
		t.Fatalf("consumer error: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("no event within 30s")
	}
}
