package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tarancss/chainwatch/lib/coin"
	"github.com/tarancss/chainwatch/lib/config"
	"github.com/tarancss/chainwatch/lib/nownodes"
)

// testUpstream answers the JSON-RPC ping used by slot reconnects and can be flipped down.
type testUpstream struct {
	srv  *httptest.Server
	down atomic.Bool
}

func newTestUpstream(t *testing.T) *testUpstream {
	t.Helper()

	u := &testUpstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u.down.Load() {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":{"chain":"main","blocks":100,"headers":100},"error":null,"id":"chainwatch"}`)
	}))

	t.Cleanup(u.srv.Close)

	return u
}

func testFactory(t *testing.T, url string) Factory {
	t.Helper()

	reg, err := coin.NewRegistry(map[string]config.Coin{
		"LTC": {
			Name:                  "Litecoin",
			Decimals:              8,
			BlockbookURL:          url,
			RPCURL:                url,
			RequiredConfirmations: 3,
			MinCollectionAmount:   0.001,
			CollectionFee:         0.0001,
			AddressType:           "utxo",
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	c, err := reg.Get("LTC")
	if err != nil {
		t.Fatalf("coin: %v", err)
	}

	return func() (*nownodes.Client, error) {
		return nownodes.New(c, "test-key"), nil
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func TestAcquireRelease(t *testing.T) {
	u := newTestUpstream(t)

	p, err := New(2, 3, testFactory(t, u.srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if s := p.Stats(); s.Size != 2 || s.Free != 2 || s.InUse != 0 {
		t.Errorf("fresh pool stats: %+v", s)
	}

	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	if s := p.Stats(); s.Free != 0 || s.InUse != 2 {
		t.Errorf("drained pool stats: %+v", s)
	}

	// no free slot, so a bounded wait must report exhaustion
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if _, err = p.Acquire(shortCtx); !errors.Is(err, ErrExhausted) {
		t.Errorf("acquire on drained pool: got %v, want ErrExhausted", err)
	}

	p.Release(c1, nil)

	c3, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}

	p.Release(c2, nil)
	p.Release(c3, nil)

	if s := p.Stats(); s.Free != 2 || s.InUse != 0 {
		t.Errorf("refilled pool stats: %+v", s)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	u := newTestUpstream(t)

	p, err := New(1, 3, testFactory(t, u.srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		w, err := p.Acquire(ctx)
		if err == nil {
			p.Release(w, nil)
		}

		got <- err
	}()

	waitFor(t, "waiter to block", func() bool { return p.Stats().Waiters == 1 })

	p.Release(c, nil)

	if err := <-got; err != nil {
		t.Errorf("blocked acquire: %v", err)
	}
}

func TestBrokenSlotReconnects(t *testing.T) {
	u := newTestUpstream(t)

	p, err := New(1, 3, testFactory(t, u.srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	p.backoff = 5 * time.Millisecond

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	p.Release(c, &net.OpError{Op: "dial", Err: errors.New("connection refused")})

	waitFor(t, "slot to reconnect", func() bool {
		s := p.Stats()

		return s.Free == 1 && s.Broken == 0
	})

	c, err = p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after reconnect: %v", err)
	}

	p.Release(c, nil)
}

func TestUpstreamDownAndRevive(t *testing.T) {
	u := newTestUpstream(t)

	p, err := New(1, 2, testFactory(t, u.srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	p.backoff = time.Millisecond

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	u.down.Store(true)
	p.Release(c, &net.OpError{Op: "read", Err: errors.New("connection reset")})

	waitFor(t, "pool to go down", p.Down)

	if s := p.Stats(); s.Dead != 1 {
		t.Errorf("dead pool stats: %+v", s)
	}

	if _, err = p.Acquire(context.Background()); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("acquire on dead pool: got %v, want ErrUpstreamUnavailable", err)
	}

	// upstream comes back, a revive puts the dead slot through the reconnect loop again
	u.down.Store(false)
	p.Revive()

	waitFor(t, "pool to revive", func() bool { return p.Stats().Free == 1 })

	if p.Down() {
		t.Error("revived pool still reports down")
	}

	c, err = p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after revive: %v", err)
	}

	p.Release(c, nil)
}

func TestAcquireAfterClose(t *testing.T) {
	u := newTestUpstream(t)

	p, err := New(1, 2, testFactory(t, u.srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Close()

	if _, err = p.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("acquire on closed pool: got %v, want ErrClosed", err)
	}
}

func TestNewFactoryError(t *testing.T) {
	boom := errors.New("no such host")

	if _, err := New(2, 2, func() (*nownodes.Client, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("New with failing factory: got %v, want factory error", err)
	}
}

func TestTransportError(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("get address: %w", context.DeadlineExceeded), false},
		{"rpc error", &nownodes.RPCError{Code: -26, Message: "dust"}, false},
		{"wrapped rpc error", fmt.Errorf("send: %w", &nownodes.RPCError{Code: -5, Message: "no such tx"}), false},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"wrapped net error", fmt.Errorf("fetch: %w", &net.OpError{Op: "read", Err: errors.New("reset")}), true},
		{"plain error", errors.New("boom"), false},
	} {
		if got := transportError(tt.err); got != tt.want {
			t.Errorf("%s: transportError = %v, want %v", tt.name, got, tt.want)
		}
	}
}
