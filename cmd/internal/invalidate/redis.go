package invalidate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"clubhouse/cmd/internal/club"

	"github.com/redis/go-redis/v9"
)

const (
	// CachePrefix namespaces cached read models in Redis.
	CachePrefix = "clubhouse:cache:"
	// Channel carries hints between service instances.
	Channel = "clubhouse:invalidate"
)

// CacheKey maps a hint key to its Redis cache key.
func CacheKey(key string) string { return CachePrefix + key }

// NewRedisClient dials Redis and pings it once.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

type envelope struct {
	Origin string     `json:"origin"`
	Hints  club.Hints `json:"hints"`
}

// RedisSink evicts cached keys and republishes hints on Channel so peer instances can
// push them to their own realtime clients.
type RedisSink struct {
	rdb    *redis.Client
	origin string
	log    *slog.Logger
}

// NewRedisSink returns a sink tagged with origin, the id of this instance.
func NewRedisSink(rdb *redis.Client, origin string, log *slog.Logger) (*RedisSink, error) {
	if rdb == nil || origin == "" {
		return nil, errors.New("invalidate: redis client and origin are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisSink{rdb: rdb, origin: origin, log: log}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, h club.Hints) error {
	payload, err := json.Marshal(envelope{Origin: s.origin, Hints: h})
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(h.Keys))
	for _, k := range h.Keys {
		keys = append(keys, CacheKey(k))
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(keys) > 0 {
			p.Del(ctx, keys...)
		}
		p.Publish(ctx, Channel, payload)
		return nil
	})
	return err
}

// Relay forwards hints published by other instances to fn until ctx is done.
func (s *RedisSink) Relay(ctx context.Context, fn func(context.Context, club.Hints)) error {
	sub := s.rdb.Subscribe(ctx, Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.log.Warn("invalidate.relay.decode_fail", "err", err)
				continue
			}
			if env.Origin == s.origin || env.Hints.Empty() {
				continue
			}
			fn(ctx, env.Hints)
		}
	}
}
