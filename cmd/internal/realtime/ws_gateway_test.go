package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clubhouse/cmd/internal/club"
	"clubhouse/cmd/security/token"
	v1 "clubhouse/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

var wsTestSecret = []byte(strings.Repeat("s", token.MinSecretBytes))

type wsFixture struct {
	hub *Hub
	srv *httptest.Server
}

func startWSTestServer(t *testing.T, acl MembershipChecker, cfg GatewayConfig) wsFixture {
	t.Helper()
	verifier, err := token.NewVerifier(wsTestSecret, token.DefaultAudience)
	require.NoError(t, err)

	hub := NewHub(quietLogger())
	gw, err := NewWSGateway(quietLogger(), hub, verifier, acl, cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return wsFixture{hub: hub, srv: srv}
}

func testConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

func issue(t *testing.T, userID string) string {
	t.Helper()
	raw, err := token.Issue(wsTestSecret, userID, userID+"-name", token.DefaultAudience, time.Hour)
	require.NoError(t, err)
	return raw
}

func dialWS(t *testing.T, baseURL, bearer string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}
	return websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http"), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "c-" + typ, TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		require.NoError(t, err)
		var env v1.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func TestWSGatewayHelloSubscribeInvalidate(t *testing.T) {
	fx := startWSTestServer(t, fakeMembers{"alice/c1": true}, testConfig())

	conn, resp, err := dialWS(t, fx.srv.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	send(t, conn, v1.TypeSubscribe, v1.SubscribePayload{Topics: []string{v1.TopicClubs}})
	errEnv := readUntilType(t, conn, v1.TypeError, 3)
	var ep v1.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &ep))
	require.Equal(t, "not_authenticated", ep.Code)

	send(t, conn, v1.TypeHello, v1.HelloPayload{Token: issue(t, "alice")})
	ackEnv := readUntilType(t, conn, v1.TypeHelloAck, 3)
	var ack v1.HelloAckPayload
	require.NoError(t, json.Unmarshal(ackEnv.Payload, &ack))
	require.Equal(t, "alice", ack.UserID)
	require.NotEmpty(t, ack.SessionID)

	send(t, conn, v1.TypeSubscribe, v1.SubscribePayload{Topics: []string{
		club.ClubKey("c1"), club.ClubKey("c2"), club.InboxKey("alice"), club.InboxKey("bob"), v1.TopicClubs,
	}})
	subEnv := readUntilType(t, conn, v1.TypeSubscribeAck, 3)
	var sub v1.SubscribeAckPayload
	require.NoError(t, json.Unmarshal(subEnv.Payload, &sub))
	require.Equal(t, []string{club.ClubKey("c1"), v1.TopicClubs, club.InboxKey("alice")}, sub.Topics)
	require.Equal(t, []string{club.ClubKey("c2"), club.InboxKey("bob")}, sub.Denied)

	require.Equal(t, 1, fx.hub.Deliver(club.MembershipHints("club.leave", "c1", "bob")))
	invEnv := readUntilType(t, conn, v1.TypeInvalidate, 3)
	var inv v1.InvalidatePayload
	require.NoError(t, json.Unmarshal(invEnv.Payload, &inv))
	require.Equal(t, []string{club.ClubKey("c1"), v1.TopicClubs}, inv.Keys)
	require.Equal(t, "c1", inv.ClubID)
}

func TestWSGatewayBearerAtUpgrade(t *testing.T) {
	fx := startWSTestServer(t, nil, testConfig())

	_, resp, err := dialWS(t, fx.srv.URL, "not-a-valid-token")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	if resp.Body != nil {
		_ = resp.Body.Close()
	}

	conn, resp, err := dialWS(t, fx.srv.URL, issue(t, "bob"))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	send(t, conn, v1.TypeSubscribe, v1.SubscribePayload{Topics: []string{club.InboxKey("bob")}})
	subEnv := readUntilType(t, conn, v1.TypeSubscribeAck, 3)
	var sub v1.SubscribeAckPayload
	require.NoError(t, json.Unmarshal(subEnv.Payload, &sub))
	require.Equal(t, []string{club.InboxKey("bob")}, sub.Topics)

	// A hello for a different principal ends the session.
	send(t, conn, v1.TypeHello, v1.HelloPayload{Token: issue(t, "mallory")})
	var readErr error
	for i := 0; i < 3 && readErr == nil; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, readErr = conn.Read(ctx)
		cancel()
	}
	require.Error(t, readErr)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(readErr))
}

func TestWSGatewayOriginPolicy(t *testing.T) {
	cfg := DefaultGatewayConfig()
	fx := startWSTestServer(t, nil, cfg)

	_, resp, err := dialWS(t, fx.srv.URL, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func TestOriginHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, "localhost", originHostOnly("http://LOCALHOST:3000"))
	require.Equal(t, "example.com", originHostOnly("example.com:443"))
	require.Equal(t, []string{"127.0.0.1", "localhost"},
		deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost", "http://127.0.0.1:8080", "https://localhost"}))
	require.Equal(t, []string{"*"}, deriveOriginPatternsFromAllowedOrigins([]string{"http://a", "*"}))
}
