// Package pool implements the bounded pool of upstream clients shared by the monitors, the
// collector and the REST handlers. Slots are acquired for one upstream operation and released
// with the operation's error so the pool can take transport-broken slots out of rotation and
// reconnect them with exponential backoff. When every slot has exhausted its reconnect budget
// the pool reports the upstream as unavailable until revived.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarancss/chainwatch/lib/logger"
	"github.com/tarancss/chainwatch/lib/nownodes"
)

const (
	backoffBase = time.Second
	backoffMax  = 30 * time.Second
	pingTimeout = 10 * time.Second
)

// Errors returned
var (
	ErrExhausted           = errors.New("connection pool exhausted")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrClosed              = errors.New("connection pool is closed")
)

// Factory builds one upstream client for a slot.
type Factory func() (*nownodes.Client, error)

// Stats is a snapshot of the pool state.
type Stats struct {
	Size    int `json:"size"`
	Free    int `json:"free"`
	InUse   int `json:"in_use"`
	Broken  int `json:"broken"`
	Dead    int `json:"dead"`
	Waiters int `json:"waiters"`
}

// Pool holds the upstream client slots of one coin.
type Pool struct {
	mu      sync.Mutex
	slots   chan *nownodes.Client
	size    int
	inUse   int
	broken  int
	dead    int
	waiters int

	maxReconnect int
	backoff      time.Duration
	factory      Factory

	downCh chan struct{} // closed when every slot is dead
	quit   chan struct{}
	closed bool
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// New creates a pool of size slots, building every client eagerly so a misconfigured upstream
// fails at startup.
func New(size, maxReconnect int, f Factory) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}

	p := &Pool{
		slots:        make(chan *nownodes.Client, size),
		size:         size,
		maxReconnect: maxReconnect,
		backoff:      backoffBase,
		factory:      f,
		downCh:       make(chan struct{}),
		quit:         make(chan struct{}),
		log:          logger.GetLogger().With().Str("component", "pool").Logger(),
	}

	for i := 0; i < size; i++ {
		c, err := f()
		if err != nil {
			return nil, fmt.Errorf("building pool slot %d: %w", i, err)
		}

		p.slots <- c
	}

	return p, nil
}

// Acquire returns a free client or blocks until one is released. The context deadline bounds the
// wait: expiry returns ErrExhausted. A pool whose every slot gave up reconnecting returns
// ErrUpstreamUnavailable immediately.
func (p *Pool) Acquire(ctx context.Context) (*nownodes.Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return nil, ErrClosed
	}

	if p.dead == p.size {
		p.mu.Unlock()

		return nil, ErrUpstreamUnavailable
	}
	down := p.downCh
	p.mu.Unlock()

	// fast path
	select {
	case c := <-p.slots:
		p.mu.Lock()
		p.inUse++
		p.mu.Unlock()

		return c, nil
	default:
	}

	p.mu.Lock()
	p.waiters++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.waiters--
		p.mu.Unlock()
	}()

	select {
	case c := <-p.slots:
		p.mu.Lock()
		p.inUse++
		p.mu.Unlock()

		return c, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrExhausted, ctx.Err())
	case <-down:
		return nil, ErrUpstreamUnavailable
	case <-p.quit:
		return nil, ErrClosed
	}
}

// Release returns the client to the pool. A transport-class operation error takes the slot out
// of rotation and starts its reconnect loop; upstream application errors (JSON-RPC errors,
// blockbook rejections) keep the slot healthy.
func (p *Pool) Release(c *nownodes.Client, opErr error) {
	p.mu.Lock()
	p.inUse--

	if p.closed {
		p.mu.Unlock()
		c.Close()

		return
	}

	if !transportError(opErr) {
		p.mu.Unlock()
		p.slots <- c

		return
	}

	p.broken++
	p.mu.Unlock()

	c.Close()
	p.log.Warn().Err(opErr).Msg("pool slot broken, reconnecting")

	p.wg.Add(1)

	go p.reconnect()
}

// reconnect rebuilds one slot with exponential backoff up to the reconnect budget. A slot that
// runs out of budget is marked dead; when the last slot dies the pool flips to unavailable.
func (p *Pool) reconnect() {
	defer p.wg.Done()

	backoff := p.backoff

	for attempt := 1; attempt <= p.maxReconnect; attempt++ {
		select {
		case <-p.quit:
			return
		case <-time.After(backoff):
		}

		c, err := p.redial()
		if err == nil {
			p.mu.Lock()
			p.broken--
			p.mu.Unlock()

			p.slots <- c
			p.log.Info().Int("attempt", attempt).Msg("pool slot reconnected")

			return
		}

		p.log.Warn().Err(err).Int("attempt", attempt).Msg("pool slot reconnect failed")

		if backoff *= 2; backoff > backoffMax {
			backoff = backoffMax
		}
	}

	p.mu.Lock()
	p.broken--
	p.dead++

	if p.dead == p.size {
		close(p.downCh)
		p.log.Error().Msg("all pool slots dead, upstream unavailable")
	}
	p.mu.Unlock()
}

func (p *Pool) redial() (*nownodes.Client, error) {
	c, err := p.factory()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err = c.Ping(ctx); err != nil {
		c.Close()

		return nil, err
	}

	return c, nil
}

// Revive puts dead slots back into the reconnect loop, used after a manual restart of a
// degraded coin.
func (p *Pool) Revive() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.dead == 0 {
		return
	}

	if p.dead == p.size {
		p.downCh = make(chan struct{})
	}

	for ; p.dead > 0; p.dead-- {
		p.broken++

		p.wg.Add(1)

		go p.reconnect()
	}
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Size:    p.size,
		Free:    len(p.slots),
		InUse:   p.inUse,
		Broken:  p.broken,
		Dead:    p.dead,
		Waiters: p.waiters,
	}
}

// Down reports whether every slot has given up reconnecting.
func (p *Pool) Down() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.dead == p.size
}

// Close stops the reconnect loops and closes every pooled client. Clients still in use are
// closed by their Release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return
	}

	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()

	for {
		select {
		case c := <-p.slots:
			c.Close()
		default:
			return
		}
	}
}

// transportError reports whether the operation error indicates a broken connection rather than
// an upstream application reply.
func transportError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var rpcErr *nownodes.RPCError
	if errors.As(err, &rpcErr) {
		return false
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
