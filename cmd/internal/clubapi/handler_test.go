package clubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clubhouse/cmd/internal/club"
	"clubhouse/cmd/internal/inbox"
	"clubhouse/cmd/internal/leaderboard"
	"clubhouse/cmd/security/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type apiFixture struct {
	st  *club.InMemoryStore
	srv *httptest.Server
}

func newAPI(t *testing.T, opts ...HandlerOption) apiFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := club.NewInMemoryStore()
	e, err := club.NewEngine(st, club.WithLogger(log))
	require.NoError(t, err)
	svc, err := inbox.NewService(e, inbox.WithLogger(log))
	require.NoError(t, err)
	board, err := leaderboard.New(st, leaderboard.WithLogger(log))
	require.NoError(t, err)
	v, err := token.NewVerifier(testSecret, token.DefaultAudience)
	require.NoError(t, err)

	opts = append([]HandlerOption{WithLogger(log), WithLeaderboard(board)}, opts...)
	h, err := NewHandler(e, svc, v, opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return apiFixture{st: st, srv: srv}
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, err := token.Issue(testSecret, userID, userID+"-name", token.DefaultAudience, time.Hour)
	require.NoError(t, err)
	return tok
}

// call sends body as JSON with userID's token and decodes the response into a generic map.
func (f apiFixture) call(t *testing.T, userID, method, path string, body any) (int, map[string]any, http.Header) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+bearer(t, userID))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out, resp.Header
}

func errCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error object in %v", body)
	return e["code"].(string)
}

func (f apiFixture) createClub(t *testing.T, leader string, typ club.Type) string {
	t.Helper()
	status, body, _ := f.call(t, leader, http.MethodPost, "/clubs", map[string]any{"name": "Torque Club", "type": typ})
	require.Equal(t, http.StatusCreated, status, body)
	return body["club"].(map[string]any)["id"].(string)
}

func TestRequiresBearerToken(t *testing.T) {
	t.Parallel()
	f := newAPI(t)

	status, body, _ := f.call(t, "", http.MethodGet, "/me/clubs", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "not_authenticated", errCode(t, body))
}

func TestFirstRequestRegistersUser(t *testing.T) {
	t.Parallel()
	f := newAPI(t)

	status, _, _ := f.call(t, "alice", http.MethodGet, "/me/clubs", nil)
	require.Equal(t, http.StatusOK, status)

	u, err := f.st.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice-name", u.Username)
}

func TestClubLifecycle(t *testing.T) {
	t.Parallel()
	f := newAPI(t)
	id := f.createClub(t, "alice", club.TypeOpen)

	status, body, _ := f.call(t, "bob", http.MethodPost, "/clubs/"+id+"/join", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "joined club", body["message"])

	status, body, _ = f.call(t, "bob", http.MethodGet, "/clubs/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["members"], 2)

	status, body, _ = f.call(t, "bob", http.MethodGet, "/me/clubs", nil)
	require.Equal(t, http.StatusOK, status)
	clubs := body["clubs"].([]any)
	require.Len(t, clubs, 1)
	assert.Equal(t, "member", clubs[0].(map[string]any)["role"])

	// The leader cannot abandon a populated club.
	status, body, _ = f.call(t, "alice", http.MethodPost, "/clubs/"+id+"/leave", nil)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "leader_must_transfer", errCode(t, body))

	status, body, _ = f.call(t, "alice", http.MethodPost, "/clubs/"+id+"/members/bob", map[string]string{"action": "promote"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "promote", body["action"])

	status, body, _ = f.call(t, "alice", http.MethodPost, "/clubs/"+id+"/transfer", map[string]string{"new_leader_id": "bob"})
	require.Equal(t, http.StatusOK, status, body)

	status, body, _ = f.call(t, "alice", http.MethodDelete, "/clubs/"+id, nil)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_authorized", errCode(t, body))

	status, body, _ = f.call(t, "bob", http.MethodDelete, "/clubs/"+id, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["deleted"])

	status, body, _ = f.call(t, "bob", http.MethodGet, "/clubs/"+id, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "club_not_found", errCode(t, body))
}

func TestRoleChangesReportStoredLikes(t *testing.T) {
	t.Parallel()
	f := newAPI(t)
	f.st.PutCar(club.Car{ID: "car-a", OwnerID: "alice", TotalLikes: 7})
	f.st.PutCar(club.Car{ID: "car-b", OwnerID: "bob", TotalLikes: 5})

	id := f.createClub(t, "alice", club.TypeOpen)
	status, body, _ := f.call(t, "bob", http.MethodPost, "/clubs/"+id+"/join", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 12, body["total_likes"])

	status, body, _ = f.call(t, "alice", http.MethodPost, "/clubs/"+id+"/members/bob", map[string]any{"action": "promote"})
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 12, body["total_likes"])

	status, body, _ = f.call(t, "alice", http.MethodPost, "/clubs/"+id+"/transfer", map[string]any{"new_leader_id": "bob"})
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 12, body["total_likes"])

	status, body, _ = f.call(t, "bob", http.MethodPost, "/clubs/"+id+"/members/alice", map[string]any{"action": "demote"})
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 12, body["total_likes"])

	status, body, _ = f.call(t, "bob", http.MethodGet, "/clubs/"+id, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 12, body["club"].(map[string]any)["total_likes"])
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()
	f := newAPI(t)
	id := f.createClub(t, "alice", club.TypeOpen)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown action", http.MethodPost, "/clubs/" + id + "/members/bob", map[string]string{"action": "banish"}, http.StatusBadRequest, "invalid_input"},
		{"unknown field", http.MethodPost, "/clubs", map[string]string{"name": "x", "colour": "red"}, http.StatusBadRequest, "invalid_json"},
		{"empty name", http.MethodPost, "/clubs", map[string]string{"name": " "}, http.StatusBadRequest, "invalid_input"},
		{"bad decision", http.MethodPost, "/inbox/m1/invitation", map[string]string{"action": "maybe"}, http.StatusBadRequest, "invalid_input"},
		{"bad limit", http.MethodGet, "/inbox?limit=-1", nil, http.StatusBadRequest, "invalid_input"},
		{"manage self", http.MethodPost, "/clubs/" + id + "/members/alice", map[string]string{"action": "kick"}, http.StatusForbidden, "self_management"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body, _ := f.call(t, "alice", tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, errCode(t, body))
		})
	}
}

func TestJoinRequestOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPI(t)
	id := f.createClub(t, "alice", club.TypeInvite)

	status, body, _ := f.call(t, "bob", http.MethodPost, "/clubs/"+id+"/join-requests", map[string]string{"message": "let me in"})
	require.Equal(t, http.StatusCreated, status, body)

	status, body, _ = f.call(t, "alice", http.MethodGet, "/inbox", nil)
	require.Equal(t, http.StatusOK, status)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	msg := msgs[0].(map[string]any)
	assert.Equal(t, "let me in", msg["body"])
	assert.NotNil(t, msg["record"])
	msgID := msg["id"].(string)

	decide := map[string]string{"action": "approve", "club_id": id, "user_id": "bob"}
	status, body, _ = f.call(t, "alice", http.MethodPost, "/inbox/"+msgID+"/join-request", decide)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["joined"])

	// Processed requests are gone.
	status, body, _ = f.call(t, "alice", http.MethodPost, "/inbox/"+msgID+"/join-request", decide)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "message_not_found", errCode(t, body))
}

func TestInvitationOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPI(t)
	id := f.createClub(t, "alice", club.TypeClosed)
	require.NoError(t, f.st.UpsertUser(context.Background(), club.User{ID: "carol", Username: "carol-name"}))

	status, body, _ := f.call(t, "alice", http.MethodPost, "/clubs/"+id+"/invitations", map[string]string{"target_user_id": "carol"})
	require.Equal(t, http.StatusCreated, status, body)
	msgID := body["message"].(map[string]any)["id"].(string)

	status, body, _ = f.call(t, "alice", http.MethodPost, "/clubs/"+id+"/invitations", map[string]string{"target_user_id": "carol"})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_invited", errCode(t, body))

	status, body, _ = f.call(t, "carol", http.MethodPost, "/inbox/"+msgID+"/invitation",
		map[string]string{"action": "accept", "club_id": id, "inviter_id": "alice"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["joined"])
	assert.Equal(t, "invitation accepted", body["message"])
}

func TestSendRoutesAreThrottled(t *testing.T) {
	t.Parallel()
	f := newAPI(t, WithSendRate(time.Hour, 1))
	require.NoError(t, f.st.UpsertUser(context.Background(), club.User{ID: "bob", Username: "bob-name"}))

	dm := map[string]string{"receiver_id": "bob", "subject": "hi", "body": "hello"}
	status, body, _ := f.call(t, "alice", http.MethodPost, "/inbox/messages", dm)
	require.Equal(t, http.StatusCreated, status, body)

	status, body, hdr := f.call(t, "alice", http.MethodPost, "/inbox/messages", dm)
	require.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", errCode(t, body))
	assert.NotEmpty(t, hdr.Get("Retry-After"))

	// Budgets are per principal.
	status, _, _ = f.call(t, "bob", http.MethodPost, "/inbox/messages", map[string]string{"receiver_id": "alice", "body": "yo"})
	assert.Equal(t, http.StatusCreated, status)
}

func TestLeaderboardRoute(t *testing.T) {
	t.Parallel()
	f := newAPI(t)
	f.createClub(t, "alice", club.TypeOpen)

	status, body, _ := f.call(t, "alice", http.MethodGet, "/leaderboards/clubs?limit=5", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["clubs"], 1)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
		msg    string
	}{
		{"unauthenticated", club.Fail("club.join", club.ErrNotAuthenticated), http.StatusUnauthorized, "not_authenticated", "not authenticated"},
		{"not member", club.Fail("club.leave", club.ErrNotMember), http.StatusForbidden, "not_a_member", "not a member of this club"},
		{"user missing", club.Fail("inbox.invite", club.ErrUserNotFound), http.StatusNotFound, "user_not_found", "user not found"},
		{"stale", club.Fail("club.transfer", club.ErrStaleState), http.StatusConflict, "stale_state", "club changed concurrently, retry"},
		{"bare invalid", club.ErrInvalidInput, http.StatusBadRequest, "invalid_input", "invalid input"},
		{"store", club.StoreFail("club.join", errors.New("pg: connection reset")), http.StatusInternalServerError, "store_failure", "internal error"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "server_error", "internal error"},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, "request_cancelled", "request cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, msg := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.msg, msg)
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, bearerToken(r), "header %q", tt.header)
	}
}
