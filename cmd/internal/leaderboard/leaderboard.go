// Package leaderboard serves the clubs-by-likes ranking, cached in Redis under the
// "leaderboards" invalidation key.
package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"clubhouse/cmd/internal/club"
	"clubhouse/cmd/internal/invalidate"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
	defaultTTL   = 5 * time.Minute
)

// Reader is the store surface the leaderboard needs.
type Reader interface {
	TopClubsByLikes(ctx context.Context, limit int) ([]club.Club, error)
}

// Entry is one ranked club.
type Entry struct {
	Rank       int       `json:"rank"`
	ClubID     string    `json:"club_id"`
	Name       string    `json:"name"`
	Type       club.Type `json:"type"`
	TotalLikes int64     `json:"total_likes"`
}

type Service struct {
	store Reader
	rdb   *redis.Client
	ttl   time.Duration
	log   *slog.Logger
	group singleflight.Group
}

type Option func(*Service)

// WithRedis enables the cache. Without it every call reads the store.
func WithRedis(rdb *redis.Client) Option { return func(s *Service) { s.rdb = rdb } }

func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func New(store Reader, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("leaderboard: nil store")
	}
	s := &Service{store: store, ttl: defaultTTL, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// cacheKey is a hash with one field per limit, so a single DEL drops every page.
func cacheKey() string { return invalidate.CacheKey(club.KeyLeaderboards) }

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// Top returns the highest ranked clubs. Concurrent misses for the same limit share one store read.
func (s *Service) Top(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	field := strconv.Itoa(limit)

	if s.rdb != nil {
		raw, err := s.rdb.HGet(ctx, cacheKey(), field).Bytes()
		switch {
		case err == nil:
			var out []Entry
			if jerr := json.Unmarshal(raw, &out); jerr == nil {
				return out, nil
			}
			s.log.Warn("leaderboard.cache.decode_fail", "limit", limit)
		case !errors.Is(err, redis.Nil):
			s.log.Warn("leaderboard.cache.read_fail", "err", err)
		}
	}

	v, err, _ := s.group.Do(field, func() (any, error) {
		clubs, err := s.store.TopClubsByLikes(ctx, limit)
		if err != nil {
			return nil, err
		}
		out := make([]Entry, 0, len(clubs))
		for i, c := range clubs {
			out = append(out, Entry{Rank: i + 1, ClubID: c.ID, Name: c.Name, Type: c.Type, TotalLikes: c.TotalLikes})
		}
		s.fill(ctx, field, out)
		return out, nil
	})
	if err != nil {
		return nil, club.StoreFail("leaderboard.top", err)
	}
	return v.([]Entry), nil
}

func (s *Service) fill(ctx context.Context, field string, entries []Entry) {
	if s.rdb == nil {
		return
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, cacheKey(), field, b)
		p.Expire(ctx, cacheKey(), s.ttl)
		return nil
	})
	if err != nil {
		s.log.Warn("leaderboard.cache.write_fail", "err", err)
	}
}
