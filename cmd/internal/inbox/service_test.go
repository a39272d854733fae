package inbox

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"clubhouse/cmd/internal/club"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	st  *club.InMemoryStore
	e   *club.Engine
	svc *Service
}

func newFixture(t *testing.T, users ...string) fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := club.NewInMemoryStore()
	for _, u := range users {
		require.NoError(t, st.UpsertUser(context.Background(), club.User{ID: u, Username: u + "-name"}))
	}
	e, err := club.NewEngine(st, club.WithLogger(log))
	require.NoError(t, err)
	svc, err := NewService(e, WithLogger(log))
	require.NoError(t, err)
	return fixture{st: st, e: e, svc: svc}
}

func (f fixture) club(t *testing.T, leader string, typ club.Type) club.Club {
	t.Helper()
	c, _, err := f.e.CreateClub(context.Background(), leader, club.CreateInput{Name: "Night Owls", Type: typ})
	require.NoError(t, err)
	return c
}

func (f fixture) isMember(t *testing.T, clubID, userID string) bool {
	t.Helper()
	ok, err := f.e.IsMember(context.Background(), userID, clubID)
	require.NoError(t, err)
	return ok
}

func (f fixture) inbox(t *testing.T, userID string) []Entry {
	t.Helper()
	out, err := f.svc.Inbox(context.Background(), userID, 0)
	require.NoError(t, err)
	return out
}

func TestJoinRequestRequiresNonOpenClub(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "alice", "bob")
	c := f.club(t, "alice", club.TypeOpen)

	_, err := f.svc.SendJoinRequest(context.Background(), "bob", c.ID, "")
	require.ErrorIs(t, err, club.ErrClubIsOpen)
	require.Empty(t, f.inbox(t, "alice"))
}

func TestJoinRequestApproveIsOneShot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	c := f.club(t, "alice", club.TypeInvite)

	_, err := f.e.JoinClub(ctx, "bob", c.ID)
	require.ErrorIs(t, err, club.ErrClubNotOpen)

	msg, err := f.svc.SendJoinRequest(ctx, "bob", c.ID, "")
	require.NoError(t, err)
	require.Equal(t, "alice", msg.ReceiverID)
	require.Equal(t, club.MessageJoinRequest, msg.Type)

	entries := f.inbox(t, "alice")
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Record)
	require.Equal(t, "bob", entries[0].Record.JoinRequest.UserID)
	require.Equal(t, "bob-name", entries[0].Record.JoinRequest.Username)
	require.Equal(t, "bob-name would like to join Night Owls.", entries[0].Text)

	out, err := f.svc.HandleJoinRequest(ctx, "alice", msg.ID, DecisionApprove, c.ID, "bob")
	require.NoError(t, err)
	require.True(t, out.Joined)
	require.True(t, f.isMember(t, c.ID, "bob"))

	_, err = f.svc.HandleJoinRequest(ctx, "alice", msg.ID, DecisionApprove, c.ID, "bob")
	require.ErrorIs(t, err, club.ErrMessageNotFound)
	require.Empty(t, f.inbox(t, "alice"))

	bobInbox := f.inbox(t, "bob")
	require.Len(t, bobInbox, 1)
	require.Equal(t, "Welcome to Night Owls", bobInbox[0].Message.Subject)
	require.Nil(t, bobInbox[0].Record)
}

func TestJoinRequestConcurrentApprovalsAdmitOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	c := f.club(t, "alice", club.TypeClosed)

	msg, err := f.svc.SendJoinRequest(ctx, "bob", c.ID, "hi")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.HandleJoinRequest(ctx, "alice", msg.ID, DecisionApprove, c.ID, "bob"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	members, err := f.st.ListMembers(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestJoinRequestOnlyLeaderDecides(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "carol")
	c := f.club(t, "alice", club.TypeInvite)

	msg, err := f.svc.SendJoinRequest(ctx, "bob", c.ID, "")
	require.NoError(t, err)

	_, err = f.svc.HandleJoinRequest(ctx, "carol", msg.ID, DecisionApprove, c.ID, "bob")
	require.ErrorIs(t, err, club.ErrNotAuthorized)
	_, err = f.svc.HandleJoinRequest(ctx, "alice", msg.ID, DecisionApprove, c.ID, "carol")
	require.ErrorIs(t, err, club.ErrInvalidInput)

	require.False(t, f.isMember(t, c.ID, "bob"))
	require.Len(t, f.inbox(t, "alice"), 1)
}

func TestJoinRequestLeaderCheckedBeforeMembership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "carol")
	c := f.club(t, "alice", club.TypeInvite)

	msg, err := f.svc.SendJoinRequest(ctx, "bob", c.ID, "")
	require.NoError(t, err)
	_, err = f.e.Admit(ctx, c.ID, "bob", nil)
	require.NoError(t, err)

	_, err = f.svc.HandleJoinRequest(ctx, "carol", msg.ID, DecisionApprove, c.ID, "bob")
	require.ErrorIs(t, err, club.ErrNotAuthorized)

	_, err = f.svc.HandleJoinRequest(ctx, "alice", msg.ID, DecisionApprove, c.ID, "bob")
	require.ErrorIs(t, err, club.ErrAlreadyMember)
	require.Len(t, f.inbox(t, "alice"), 1)

	// The leader can still clear a request that no longer applies.
	out, err := f.svc.HandleJoinRequest(ctx, "alice", msg.ID, DecisionReject, c.ID, "bob")
	require.NoError(t, err)
	require.False(t, out.Joined)
	require.Empty(t, f.inbox(t, "alice"))
	require.True(t, f.isMember(t, c.ID, "bob"))
}

func TestJoinRequestReject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	c := f.club(t, "alice", club.TypeInvite)

	msg, err := f.svc.SendJoinRequest(ctx, "bob", c.ID, "")
	require.NoError(t, err)

	out, err := f.svc.HandleJoinRequest(ctx, "alice", msg.ID, DecisionReject, "", "")
	require.NoError(t, err)
	require.False(t, out.Joined)
	require.False(t, f.isMember(t, c.ID, "bob"))
	require.Empty(t, f.inbox(t, "alice"))

	bobInbox := f.inbox(t, "bob")
	require.Len(t, bobInbox, 1)
	require.Equal(t, "Join request declined", bobInbox[0].Message.Subject)
}

func TestJoinRequestFromLegacyMarker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	c := f.club(t, "alice", club.TypeInvite)

	body, err := ComposeBody("let me in", Record{Kind: KindJoinRequest, JoinRequest: &JoinRequest{
		ClubID: c.ID, ClubName: c.Name, UserID: "bob", Username: "bob", Status: StatusPending,
	}})
	require.NoError(t, err)
	require.NoError(t, f.st.CreateMessage(ctx, club.Message{
		ID: "legacy-1", SenderID: "bob", ReceiverID: "alice", Subject: "join",
		Body: body, Type: club.MessageJoinRequest, CreatedAt: time.Now().UTC(),
	}))

	entries := f.inbox(t, "alice")
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Record)
	require.Equal(t, "let me in", entries[0].Text)

	_, err = f.svc.HandleJoinRequest(ctx, "alice", "legacy-1", DecisionApprove, c.ID, "bob")
	require.NoError(t, err)
	require.True(t, f.isMember(t, c.ID, "bob"))
}

func TestInvitationRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "carol", "dave")
	c := f.club(t, "alice", club.TypeClosed)
	_, err := f.e.Admit(ctx, c.ID, "carol", nil)
	require.NoError(t, err)
	_, err = f.e.ManageMember(ctx, "alice", c.ID, "carol", club.ActionPromote)
	require.NoError(t, err)

	cases := []struct {
		name   string
		actor  string
		target string
		want   error
	}{
		{name: "co-leader cannot invite", actor: "carol", target: "bob", want: club.ErrNotAuthorized},
		{name: "outsider cannot invite", actor: "dave", target: "bob", want: club.ErrNotMember},
		{name: "unknown target", actor: "alice", target: "nobody", want: club.ErrUserNotFound},
		{name: "already a member", actor: "alice", target: "carol", want: club.ErrAlreadyMember},
		{name: "self", actor: "alice", target: "alice", want: club.ErrSelfManagement},
		{name: "anonymous", actor: "", target: "bob", want: club.ErrNotAuthenticated},
	}
	for _, tc := range cases {
		_, err := f.svc.SendInvitation(ctx, tc.actor, c.ID, tc.target, "")
		require.ErrorIs(t, err, tc.want, tc.name)
	}

	_, err = f.svc.SendInvitation(ctx, "alice", c.ID, "bob", "")
	require.NoError(t, err)
	_, err = f.svc.SendInvitation(ctx, "alice", c.ID, "bob", "again")
	require.ErrorIs(t, err, club.ErrAlreadyInvited)
}

func TestInvitationAcceptIsOneShot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	c := f.club(t, "alice", club.TypeInvite)

	msg, err := f.svc.SendInvitation(ctx, "alice", c.ID, "bob", "")
	require.NoError(t, err)

	_, err = f.svc.HandleInvitation(ctx, "alice", msg.ID, DecisionAccept, c.ID, "alice")
	require.ErrorIs(t, err, club.ErrNotAuthorized)

	out, err := f.svc.HandleInvitation(ctx, "bob", msg.ID, DecisionAccept, c.ID, "alice")
	require.NoError(t, err)
	require.True(t, out.Joined)
	require.True(t, f.isMember(t, c.ID, "bob"))

	_, err = f.svc.HandleInvitation(ctx, "bob", msg.ID, DecisionAccept, c.ID, "alice")
	require.ErrorIs(t, err, club.ErrMessageNotFound)

	aliceInbox := f.inbox(t, "alice")
	require.Len(t, aliceInbox, 1)
	require.Equal(t, "bob-name accepted your invitation to join Night Owls.", aliceInbox[0].Message.Body)

	// A fresh invitation is possible again once the old one is consumed; membership blocks it.
	_, err = f.svc.SendInvitation(ctx, "alice", c.ID, "bob", "")
	require.ErrorIs(t, err, club.ErrAlreadyMember)
}

func TestInvitationRejectIsSilent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	c := f.club(t, "alice", club.TypeInvite)

	msg, err := f.svc.SendInvitation(ctx, "alice", c.ID, "bob", "")
	require.NoError(t, err)

	_, err = f.svc.HandleInvitation(ctx, "bob", msg.ID, DecisionReject, "", "")
	require.NoError(t, err)
	require.False(t, f.isMember(t, c.ID, "bob"))
	require.Empty(t, f.inbox(t, "bob"))
	require.Empty(t, f.inbox(t, "alice"))

	_, err = f.svc.SendInvitation(ctx, "alice", c.ID, "bob", "")
	require.NoError(t, err)
}

func TestInvitationAcceptedAfterClubDeleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	c := f.club(t, "alice", club.TypeInvite)

	msg, err := f.svc.SendInvitation(ctx, "alice", c.ID, "bob", "")
	require.NoError(t, err)
	_, err = f.e.DeleteClub(ctx, "alice", c.ID)
	require.NoError(t, err)

	_, err = f.svc.HandleInvitation(ctx, "bob", msg.ID, DecisionAccept, c.ID, "alice")
	require.ErrorIs(t, err, club.ErrMessageNotFound)
}

func TestClubMail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "carol", "dave")
	c := f.club(t, "alice", club.TypeOpen)
	for _, u := range []string{"bob", "carol"} {
		_, err := f.e.JoinClub(ctx, u, c.ID)
		require.NoError(t, err)
	}
	_, err := f.e.ManageMember(ctx, "alice", c.ID, "carol", club.ActionPromote)
	require.NoError(t, err)

	_, err = f.svc.SendClubMail(ctx, "bob", c.ID, "hi", "meet at 8")
	require.ErrorIs(t, err, club.ErrNotAuthorized)
	_, err = f.svc.SendClubMail(ctx, "dave", c.ID, "hi", "meet at 8")
	require.ErrorIs(t, err, club.ErrNotMember)
	_, err = f.svc.SendClubMail(ctx, "alice", c.ID, "hi", "  ")
	require.ErrorIs(t, err, club.ErrInvalidInput)

	n, err := f.svc.SendClubMail(ctx, "carol", c.ID, "Meetup", "meet at 8")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, f.inbox(t, "carol"))
	for _, u := range []string{"alice", "bob"} {
		got := f.inbox(t, u)
		require.Len(t, got, 1)
		require.Equal(t, club.MessageClubAnnouncement, got[0].Message.Type)
	}
}

func TestDirectMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	_, err := f.svc.SendMessage(ctx, "alice", "nobody", "hi", "hello")
	require.ErrorIs(t, err, club.ErrUserNotFound)
	_, err = f.svc.SendMessage(ctx, "alice", "alice", "hi", "hello")
	require.ErrorIs(t, err, club.ErrInvalidInput)

	msg, err := f.svc.SendMessage(ctx, "alice", "bob", "hi", "hello")
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteMessage(ctx, "alice", msg.ID), club.ErrNotAuthorized)
	require.NoError(t, f.svc.DeleteMessage(ctx, "bob", msg.ID))
	require.ErrorIs(t, f.svc.DeleteMessage(ctx, "bob", msg.ID), club.ErrMessageNotFound)
}

func TestParseDecision(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Decision{"approve": DecisionApprove, " Accept ": DecisionAccept, "REJECT": DecisionReject} {
		got, err := ParseDecision(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseDecision("maybe")
	require.ErrorIs(t, err, club.ErrInvalidInput)
}
