package club

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecomputeLikes_SumsMemberCars(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()
	e := newTestEngine(t, st)

	c := mustCreateClub(t, e, "u1", "Likes", TypeOpen)
	mustJoin(t, e, "u2", c.ID)
	mustJoin(t, e, "u3", c.ID)

	st.PutCar(Car{ID: "c1", OwnerID: "u1", TotalLikes: 1})
	st.PutCar(Car{ID: "c2", OwnerID: "u1", TotalLikes: 2})
	st.PutCar(Car{ID: "c3", OwnerID: "u2", TotalLikes: 5})
	st.PutCar(Car{ID: "c4", OwnerID: "outsider", TotalLikes: 100})

	total, err := e.RecomputeLikes(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(8), total)

	again, err := e.RecomputeLikes(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, total, again)

	got, err := st.GetClub(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(8), got.TotalLikes)
}

func TestRecomputeLikes_EmptyClubIsZero(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()
	e := newTestEngine(t, st)

	require.NoError(t, st.CreateClub(ctx, Club{ID: "empty", Name: "Empty", Type: TypeOpen, LeaderID: "ghost", TotalLikes: 42, Version: 1}))

	total, err := e.RecomputeLikes(ctx, "empty")
	require.NoError(t, err)
	require.Equal(t, int64(0), total)

	got, err := st.GetClub(ctx, "empty")
	require.NoError(t, err)
	require.Equal(t, int64(0), got.TotalLikes)
}

func TestRecomputeLikes_MissingClub(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, NewInMemoryStore())
	_, err := e.RecomputeLikes(context.Background(), "nope")
	require.ErrorIs(t, err, ErrClubNotFound)
}

func TestMembershipChangesRefreshLikes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()
	e := newTestEngine(t, st)

	st.PutCar(Car{ID: "a", OwnerID: "alice", TotalLikes: 3})
	st.PutCar(Car{ID: "b", OwnerID: "bob", TotalLikes: 5})

	c := mustCreateClub(t, e, "alice", "Live", TypeOpen)
	require.Equal(t, int64(3), c.TotalLikes)

	res, err := e.JoinClub(ctx, "bob", c.ID)
	require.NoError(t, err)
	require.NoError(t, res.LikesErr)
	require.Equal(t, int64(8), res.TotalLikes)

	res, err = e.LeaveClub(ctx, "bob", c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.TotalLikes)
}

func TestRecomputeAllLikes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()
	rec := &hintRecorder{}
	e := newTestEngine(t, st, WithNotifier(rec))

	c1 := mustCreateClub(t, e, "alice", "One", TypeOpen)
	c2 := mustCreateClub(t, e, "bob", "Two", TypeOpen)
	st.PutCar(Car{ID: "a", OwnerID: "alice", TotalLikes: 4})
	st.PutCar(Car{ID: "b", OwnerID: "bob", TotalLikes: 9})

	n, err := e.RecomputeAllLikes(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for id, want := range map[string]int64{c1.ID: 4, c2.ID: 9} {
		got, err := st.GetClub(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, got.TotalLikes)
	}
	require.Equal(t, []string{KeyClubs, KeyLeaderboards}, rec.last().Keys)
}
