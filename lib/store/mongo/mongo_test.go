package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/chainwatch/lib/store"
)

// openTestDB connects to the database named in CW_TEST_MONGO_URI, skipping the test when the
// variable is unset.
func openTestDB(t *testing.T) *Mongo {
	t.Helper()

	uri := os.Getenv("CW_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CW_TEST_MONGO_URI not set")
	}

	m, err := New(uri)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { m.Close() })

	return m
}

func TestMongoRoundTrip(t *testing.T) {
	m := openTestDB(t)
	ctx := context.Background()

	name := fmt.Sprintf("mongotest-%d", time.Now().UnixNano())

	uid, err := m.CreateUser(ctx, store.User{
		Username:   name,
		Email:      name + "@example.com",
		APIKeyHash: "hash-" + name,
		Role:       store.RoleUser,
		Status:     store.StatusActive,
		RateLimit:  100,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	t.Cleanup(func() { m.DeleteUser(ctx, uid) }) //nolint:errcheck // best effort cleanup

	u, err := m.UserByKeyHash(ctx, "hash-"+name)
	if err != nil || u.ID != uid {
		t.Fatalf("UserByKeyHash: %+v, %v", u, err)
	}

	q := store.Quotas{UserID: uid, MaxMonitoredAddresses: 5, MaxDailyAPICalls: 100,
		MaxConcurrentMonitors: 1, CanCreateAddresses: true, CanViewTransactions: true}

	if err = m.SetQuotas(ctx, q); err != nil {
		t.Fatalf("SetQuotas: %v", err)
	}

	if got, err := m.QuotasByUser(ctx, uid); err != nil || got != q {
		t.Errorf("QuotasByUser: %+v, %v", got, err)
	}

	day := time.Now().UTC().Format("2006-01-02")

	for want := 1; want <= 2; want++ {
		if n, err := m.CountAPICall(ctx, uid, day); err != nil || n != want {
			t.Errorf("CountAPICall = %d, %v, want %d", n, err, want)
		}
	}

	addr := "MAddr-" + name

	id, err := m.AddAddress(ctx, store.MonitoredAddress{UserID: uid, Coin: "LTC", Address: addr})
	if err != nil {
		t.Fatalf("AddAddress: %v", err)
	}

	if again, err := m.AddAddress(ctx, store.MonitoredAddress{UserID: uid, Coin: "LTC", Address: addr}); err != nil || again != id {
		t.Errorf("AddAddress upsert = %d, %v, want %d", again, err, id)
	}

	tx := store.Transaction{
		UserID: uid, Coin: "LTC", Txid: "tx-" + name, Address: addr,
		Amount: decimal.RequireFromString("2.5"), Confirmations: 2, Status: store.TxConfirming,
	}

	if err = m.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}

	// confirmations only grow
	tx.Confirmations = 1
	tx.Status = store.TxMempool

	if err = m.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("SaveTransaction stale: %v", err)
	}

	got, err := m.TransactionByTxid(ctx, uid, "LTC", "tx-"+name, addr)
	if err != nil || got.Confirmations != 2 || got.Status != store.TxConfirming {
		t.Errorf("TransactionByTxid: %+v, %v", got, err)
	}

	c := store.Collection{
		UserID: uid, Coin: "LTC", Address: addr, TriggerTxid: "tx-" + name,
		TotalAmount: decimal.RequireFromString("2.5"), AmountSent: decimal.RequireFromString("2.4"),
		Fee: decimal.RequireFromString("0.1"), MasterAddress: "MMaster",
	}

	cid, err := m.CreateCollection(ctx, c)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	if _, err = m.CreateCollection(ctx, c); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate collection: got %v, want ErrDuplicate", err)
	}

	// a failed marker is taken over so the deposit can be retried
	if err = m.FinishCollection(ctx, cid, "", store.CollectFailed); err != nil {
		t.Fatalf("FinishCollection: %v", err)
	}

	again, err := m.CreateCollection(ctx, c)
	if err != nil {
		t.Fatalf("takeover of failed marker: %v", err)
	}

	if again != cid {
		t.Errorf("takeover id: got %d, want %d", again, cid)
	}
}
