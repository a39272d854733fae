package leaderboard

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clubhouse/cmd/internal/club"
	"clubhouse/cmd/internal/invalidate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowReader struct {
	calls atomic.Int32
	clubs []club.Club
	gate  chan struct{}
}

func (r *slowReader) TopClubsByLikes(_ context.Context, limit int) ([]club.Club, error) {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	if limit < len(r.clubs) {
		return r.clubs[:limit], nil
	}
	return r.clubs, nil
}

func TestTopRanksFromStore(t *testing.T) {
	t.Parallel()

	r := &slowReader{clubs: []club.Club{
		{ID: "a", Name: "Alpha", TotalLikes: 9},
		{ID: "b", Name: "Beta", TotalLikes: 4},
	}}
	s, err := New(r)
	require.NoError(t, err)

	got, err := s.Top(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 1, got[0].Rank)
	require.Equal(t, "a", got[0].ClubID)
	require.Equal(t, int64(4), got[1].TotalLikes)
}

func TestTopCollapsesConcurrentMisses(t *testing.T) {
	t.Parallel()

	r := &slowReader{clubs: []club.Club{{ID: "a"}}, gate: make(chan struct{})}
	s, err := New(r)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Top(context.Background(), 5)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(r.gate)
	wg.Wait()

	require.Equal(t, int32(1), r.calls.Load())
}

func TestClampLimit(t *testing.T) {
	t.Parallel()
	require.Equal(t, DefaultLimit, clampLimit(-1))
	require.Equal(t, MaxLimit, clampLimit(10_000))
	require.Equal(t, 7, clampLimit(7))
}

func TestTopUsesRedisCache(t *testing.T) {
	addr := os.Getenv("CLUBHOUSE_REDIS_ADDR")
	if addr == "" {
		t.Skip("CLUBHOUSE_REDIS_ADDR not set; skipping redis integration test")
	}
	ctx := context.Background()
	rdb, err := invalidate.NewRedisClient(ctx, addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Del(ctx, cacheKey()).Err())

	r := &slowReader{clubs: []club.Club{{ID: "a", TotalLikes: 1}}}
	s, err := New(r, WithRedis(rdb), WithTTL(time.Minute))
	require.NoError(t, err)

	_, err = s.Top(ctx, 3)
	require.NoError(t, err)
	_, err = s.Top(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, int32(1), r.calls.Load())

	require.NoError(t, rdb.Del(ctx, invalidate.CacheKey(club.KeyLeaderboards)).Err())
	_, err = s.Top(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, int32(2), r.calls.Load())
}
