package club

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMembershipHints(t *testing.T) {
	t.Parallel()

	h := MembershipHints("club.manage", "c1", "u2", "u1", "u2", " ")
	require.Equal(t, "club.manage", h.Op)
	require.Equal(t, "c1", h.ClubID)
	require.Equal(t, []string{"club:c1", "clubs", "leaderboards", "user:u1", "user:u2"}, h.Keys)
}

func TestHintsMerge(t *testing.T) {
	t.Parallel()

	a := MembershipHints("club.admit", "c1", "u1")
	b := InboxHints("inbox.join_request.handle", "u1", "u9")
	got := a.Merge(b)

	require.Equal(t, "club.admit", got.Op)
	require.Equal(t, "c1", got.ClubID)
	require.Equal(t, []string{"club:c1", "clubs", "inbox:u1", "inbox:u9", "leaderboards", "user:u1"}, got.Keys)
	require.False(t, got.Empty())
	require.True(t, Hints{}.Empty())
}
