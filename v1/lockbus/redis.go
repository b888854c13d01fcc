package lockbus

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const redisBusTimeout = 5 * time.Second

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus on Redis pub/sub so lock signals reach waiters in
// other processes. Each publish carries a unique payload; delivery dedups on
// it, which keeps resubscribes after a reconnect idempotent.
type RedisBus struct {
	mu     sync.Mutex
	client *redis.Client
	subs   map[string]*redisSubscription

	pending   map[string]struct{}
	seen      map[string]time.Time
	published atomic.Uint64
	delivered atomic.Uint64
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	b := &RedisBus{
		client:  client,
		subs:    make(map[string]*redisSubscription),
		pending: make(map[string]struct{}),
		seen:    make(map[string]time.Time),
		closeCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.cleanupSeen()
	return b
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := b.pending[key]; ok {
		b.mu.Unlock()
		return nil // deduplicate
	}
	b.pending[key] = struct{}{}
	client := b.client
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
	}()

	payload := uuid.NewString()
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	err := client.Publish(cctx, key, payload).Err()
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = b.reconnect()
		if j := rand.Int63n(int64(50 * time.Millisecond)); j > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(j)):
			}
		}
		b.mu.Lock()
		client = b.client
		b.mu.Unlock()
		cctx, cancel = context.WithTimeout(ctx, redisBusTimeout)
		err = client.Publish(cctx, key, payload).Err()
		cancel()
	}
	if err == nil {
		b.published.Add(1)
	}
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		ps := b.client.Subscribe(ctx, key)
		if _, err := ps.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, err
		}
		sub = &redisSubscription{pubsub: ps, chans: []chan struct{}{ch}}
		b.subs[key] = sub
		go b.dispatch(sub)
	} else {
		sub.chans = append(sub.chans, ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.subs[key]
	if sub == nil {
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		if sub.pubsub != nil {
			return sub.pubsub.Close()
		}
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close stops background goroutines and closes all subscriptions.
func (b *RedisBus) Close() error {
	close(b.closeCh)
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
	}
	b.subs = make(map[string]*redisSubscription)
	return nil
}

// dispatch fans a received signal out to local subscribers. Sends happen
// under the bus lock so they cannot race an Unsubscribe closing a channel;
// they are non-blocking, so the lock is held only briefly.
func (b *RedisBus) dispatch(sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		if b.checkSeen(msg.Payload) {
			continue
		}
		b.mu.Lock()
		for _, ch := range sub.chans {
			select {
			case ch <- struct{}{}:
				b.delivered.Add(1)
			default:
			}
		}
		b.mu.Unlock()
	}
}

func (b *RedisBus) checkSeen(payload string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[payload]; ok {
		return true
	}
	b.seen[payload] = time.Now()
	return false
}

func (b *RedisBus) cleanupSeen() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			now := time.Now()
			for k, t := range b.seen {
				if now.Sub(t) > time.Minute {
					delete(b.seen, k)
				}
			}
			b.mu.Unlock()
		case <-b.closeCh:
			return
		}
	}
}

// reconnect replaces the client and re-establishes every subscription. The
// payload dedup in dispatch keeps redelivered signals idempotent.
func (b *RedisBus) reconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		opts := b.client.Options()
		b.client = redis.NewClient(opts)
	}
	for key, sub := range b.subs {
		if sub.pubsub != nil {
			_ = sub.pubsub.Close()
		}
		ps := b.client.Subscribe(context.Background(), key)
		if _, err := ps.Receive(context.Background()); err != nil {
			_ = ps.Close()
			continue
		}
		sub.pubsub = ps
		go b.dispatch(sub)
	}
	return nil
}
