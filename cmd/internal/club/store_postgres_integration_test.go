package club

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Integration tests run only when CLUBHOUSE_DATABASE_URL is set.

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("CLUBHOUSE_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CLUBHOUSE_DATABASE_URL not set; skipping Postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))
	return pool
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// mustCreateTestSchema applies the embedded migration into a throwaway schema.
func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "clubhouse_it_" + randomHex(6)
	ddl, err := Migrations.ReadFile("migrations/0001_init.up.sql")
	require.NoError(t, err)

	sql := strings.ReplaceAll(string(ddl), "clubhouse.", pgx.Identifier{schema}.Sanitize()+".")
	sql = strings.ReplaceAll(sql, "CREATE SCHEMA IF NOT EXISTS clubhouse;", "CREATE SCHEMA "+pgx.Identifier{schema}.Sanitize()+";")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err = pool.Exec(ctx, sql)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	return schema
}

func mustNewPostgresStore(t *testing.T) (*PostgresStore, *pgxpool.Pool) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)
	schema := mustCreateTestSchema(t, pool)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	require.NoError(t, err)
	return st, pool
}

func mustSeedUsers(t *testing.T, st *PostgresStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, st.UpsertUser(context.Background(), User{ID: id, Username: "user-" + id}))
	}
}

func TestPostgresStore_GovernanceLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, pool := mustNewPostgresStore(t)
	mustSeedUsers(t, st, "A", "B")
	_, err := pool.Exec(ctx, `INSERT INTO `+st.t.cars+` (id, owner_id, total_likes) VALUES ('car-a', 'A', 3), ('car-b', 'B', 5)`)
	require.NoError(t, err)

	e := newTestEngine(t, st)
	c := mustCreateClub(t, e, "A", "Auckland Drift Collective", TypeOpen)
	require.Equal(t, int64(3), c.TotalLikes)

	res, err := e.JoinClub(ctx, "B", c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(8), res.TotalLikes)

	_, err = e.ManageMember(ctx, "A", c.ID, "B", ActionPromote)
	require.NoError(t, err)
	_, err = e.TransferLeadership(ctx, "A", c.ID, "B")
	require.NoError(t, err)
	requireSingleLeader(t, st, c.ID)

	_, err = e.LeaveClub(ctx, "B", c.ID)
	require.ErrorIs(t, err, ErrLeaderMustTransfer)

	_, err = e.LeaveClub(ctx, "A", c.ID)
	require.NoError(t, err)
	res, err = e.LeaveClub(ctx, "B", c.ID)
	require.NoError(t, err)
	require.True(t, res.Deleted)

	_, err = st.GetClub(ctx, c.ID)
	require.ErrorIs(t, err, ErrRowNotFound)
}

func TestPostgresStore_OneLeaderIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, _ := mustNewPostgresStore(t)
	mustSeedUsers(t, st, "A", "B")

	now := time.Now().UTC()
	require.NoError(t, st.CreateClub(ctx, Club{ID: "c1", Name: "One", Type: TypeOpen, LeaderID: "A", Version: 1, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, st.AddMember(ctx, Membership{ClubID: "c1", UserID: "A", Role: RoleLeader, JoinedAt: now, UpdatedAt: now}))

	err := st.AddMember(ctx, Membership{ClubID: "c1", UserID: "B", Role: RoleLeader, JoinedAt: now, UpdatedAt: now})
	require.ErrorIs(t, err, ErrRowConflict)
	err = st.AddMember(ctx, Membership{ClubID: "c1", UserID: "A", Role: RoleMember, JoinedAt: now, UpdatedAt: now})
	require.ErrorIs(t, err, ErrRowConflict)
	err = st.AddMember(ctx, Membership{ClubID: "c1", UserID: "nobody", Role: RoleMember, JoinedAt: now, UpdatedAt: now})
	require.ErrorIs(t, err, ErrRowNotFound)
}

func TestPostgresStore_ConcurrentPromotionsOneWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, _ := mustNewPostgresStore(t)
	mustSeedUsers(t, st, "A", "B", "C")

	e := newTestEngine(t, st)
	c := mustCreateClub(t, e, "A", "Race", TypeOpen)
	mustJoin(t, e, "B", c.ID)
	mustJoin(t, e, "C", c.ID)
	_, err := e.ManageMember(ctx, "A", c.ID, "B", ActionPromote)
	require.NoError(t, err)
	_, err = e.ManageMember(ctx, "A", c.ID, "C", ActionPromote)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, target := range []string{"B", "C"} {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			_, errs[i] = e.TransferLeadership(ctx, "A", c.ID, target)
		}(i, target)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	require.Equal(t, 1, ok, "exactly one transfer must win: %v", errs)
	requireSingleLeader(t, st, c.ID)
}

func TestPostgresStore_JoinRacingSoloLeaderLeave(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, _ := mustNewPostgresStore(t)
	mustSeedUsers(t, st, "A", "B")
	e := newTestEngine(t, st)

	for round := 0; round < 20; round++ {
		c := mustCreateClub(t, e, "A", "Vanishing", TypeOpen)

		var (
			wg       sync.WaitGroup
			joinErr  error
			leaveRes Result
			leaveErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, joinErr = e.JoinClub(ctx, "B", c.ID)
		}()
		go func() {
			defer wg.Done()
			leaveRes, leaveErr = e.LeaveClub(ctx, "A", c.ID)
		}()
		wg.Wait()

		if joinErr == nil {
			require.Equal(t, RoleMember, roleOf(t, st, c.ID, "B"), "round %d: a reported join must survive", round)
			require.False(t, leaveRes.Deleted, "round %d", round)
			require.Error(t, leaveErr, "round %d", round)
			_, err := e.DeleteClub(ctx, "A", c.ID)
			require.NoError(t, err)
			continue
		}
		require.NoError(t, leaveErr, "round %d", round)
		require.True(t, leaveRes.Deleted, "round %d", round)
		require.Contains(t, []string{"stale_state", "club_not_found"}, CodeOf(joinErr), "round %d", round)
	}
}

func TestPostgresStore_MessagesAndInvitations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, _ := mustNewPostgresStore(t)
	mustSeedUsers(t, st, "A", "B")

	now := time.Now().UTC()
	require.NoError(t, st.CreateClub(ctx, Club{ID: "c1", Name: "One", Type: TypeInvite, LeaderID: "A", Version: 1, CreatedAt: now, UpdatedAt: now}))

	msg := Message{
		ID: "m1", SenderID: "A", ReceiverID: "B", Subject: "Join us", Body: "come along",
		Type: MessageInvitation, ClubID: strPtr("c1"), Metadata: []byte(`{"kind":"CLUB_INVITATION"}`), CreatedAt: now,
	}
	require.NoError(t, st.CreateMessage(ctx, msg))

	got, err := st.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "c1", *got.ClubID)
	require.JSONEq(t, `{"kind":"CLUB_INVITATION"}`, string(got.Metadata))

	pending, err := st.HasPendingInvitation(ctx, "c1", "B")
	require.NoError(t, err)
	require.True(t, pending)

	inbox, err := st.ListInbox(ctx, "B", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	require.NoError(t, st.DeleteMessage(ctx, "m1"))
	require.ErrorIs(t, st.DeleteMessage(ctx, "m1"), ErrRowNotFound)
}
