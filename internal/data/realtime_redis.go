package data

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
)

// ChangeChannel returns the Redis channel carrying changes of table
func ChangeChannel(table string) string {
	return "changes:" + table
}

// RedisRealtime carries row changes over Redis pub/sub.
// It is both a repo.RealtimeRepo and a repo.ChangePublisher.
type RedisRealtime struct {
	rdb *redis.Client

	mu     sync.Mutex
	subs   map[int]*redis.PubSub
	nextID int
	closed bool
	wg     sync.WaitGroup
}

// NewRedisRealtime connects to redisURL and verifies the connection
func NewRedisRealtime(ctx context.Context, redisURL string) (*RedisRealtime, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("[REDIS] Connected", "addr", opt.Addr)
	return &RedisRealtime{rdb: rdb, subs: make(map[int]*redis.PubSub)}, nil
}

// Subscribe listens on the table's change channel and filters rows client-side
func (r *RedisRealtime) Subscribe(ctx context.Context, filter domain.ChangeFilter, handler repo.ChangeHandler) (repo.Unsubscribe, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRealtimeClosed
	}
	r.mu.Unlock()

	channel := ChangeChannel(filter.Table)
	pubsub := r.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", channel, err)
	}

	unsub, err := r.track(pubsub, filter, handler)
	if err != nil {
		return nil, err
	}
	slog.Debug("[REDIS] Subscribed", "channel", channel, "topic", filter.Topic())
	return unsub, nil
}

// track registers a confirmed subscription and starts its listener.
// A subscription confirmed after Close is closed here instead.
func (r *RedisRealtime) track(pubsub *redis.PubSub, filter domain.ChangeFilter, handler repo.ChangeHandler) (repo.Unsubscribe, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		pubsub.Close()
		return nil, ErrRealtimeClosed
	}
	r.nextID++
	id := r.nextID
	r.subs[id] = pubsub
	r.wg.Add(1)
	r.mu.Unlock()

	go r.listen(pubsub, filter, handler)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			ps, ok := r.subs[id]
			delete(r.subs, id)
			r.mu.Unlock()
			if ok {
				ps.Close()
			}
		})
	}, nil
}

func (r *RedisRealtime) listen(pubsub *redis.PubSub, filter domain.ChangeFilter, handler repo.ChangeHandler) {
	defer r.wg.Done()

	for msg := range pubsub.Channel() {
		event, row, err := decodeChange([]byte(msg.Payload))
		if err != nil {
			slog.Error("[REDIS] Error unmarshaling change", "channel", msg.Channel, "error", err)
			continue
		}
		if filter.Matches(event.Table, row) {
			handler(event)
		}
	}
}

// PublishChange announces a row change on the table's channel
func (r *RedisRealtime) PublishChange(ctx context.Context, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if err := r.rdb.Publish(ctx, ChangeChannel(event.Table), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Close unsubscribes everything and closes the client
func (r *RedisRealtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[int]*redis.PubSub)
	r.mu.Unlock()

	for _, ps := range subs {
		ps.Close()
	}
	r.wg.Wait()
	return r.rdb.Close()
}

func decodeChange(payload []byte) (domain.ChangeEvent, map[string]any, error) {
	var event domain.ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, nil, err
	}
	var row map[string]any
	if err := json.Unmarshal(event.Record, &row); err != nil {
		return event, nil, fmt.Errorf("record: %w", err)
	}
	return event, row, nil
}
