// Package main is a CI-friendly end-to-end smoke test for the clubhouse realtime stream.
//
// Against a running server it checks that:
//   - two principals can open sessions (hello/ack, subprotocol)
//   - topic ACLs grant club:<id> to members and deny other users' inboxes
//   - an HTTP join invalidates club:<id> for the leader and "clubs" for everyone
//   - a direct message invalidates the receiver's inbox
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"clubhouse/cmd/security/token"
	v1 "clubhouse/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name   string
	userID string
	bearer string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the server")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv(token.SecretEnvKey), "HS256 secret used to mint test tokens")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := wsURLFor(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	key, err := token.CheckSecret(*secret, token.MinSecretBytes)
	if err != nil {
		fatalf("invalid -secret: %v", err)
	}

	root := context.Background()
	run := time.Now().UnixNano()

	leader := mustConnect(root, key, "leader", fmt.Sprintf("smoke-leader-%d", run), wsURL, *origin, *timeout)
	defer closeWS(leader.conn)
	joiner := mustConnect(root, key, "joiner", fmt.Sprintf("smoke-joiner-%d", run), wsURL, *origin, *timeout)
	defer closeWS(joiner.conn)

	var created struct {
		Club struct {
			ID string `json:"id"`
		} `json:"club"`
	}
	mustCall(root, leader, *baseURL, http.MethodPost, "/api/v1/clubs",
		map[string]string{"name": fmt.Sprintf("Smoke Club %d", run%100000), "type": "open"}, http.StatusCreated, &created, *timeout)
	clubID := created.Club.ID
	if clubID == "" {
		fatalf("create club returned no id")
	}
	if *verbose {
		fmt.Printf("created club %s as %s\n", clubID, leader.userID)
	}

	clubTopic := "club:" + clubID
	mustSubscribe(root, leader, []string{clubTopic}, nil, *timeout)
	mustSubscribe(root, joiner,
		[]string{v1.TopicClubs, "inbox:" + joiner.userID, "inbox:" + leader.userID},
		[]string{"inbox:" + leader.userID}, *timeout)

	mustCall(root, joiner, *baseURL, http.MethodPost, "/api/v1/clubs/"+clubID+"/join", nil, http.StatusOK, nil, *timeout)
	mustInvalidate(root, leader, clubTopic, *timeout)
	mustInvalidate(root, joiner, v1.TopicClubs, *timeout)

	mustCall(root, leader, *baseURL, http.MethodPost, "/api/v1/inbox/messages",
		map[string]string{"receiver_id": joiner.userID, "subject": "smoke", "body": "welcome aboard"}, http.StatusCreated, nil, *timeout)
	mustInvalidate(root, joiner, "inbox:"+joiner.userID, *timeout)

	// Clean up so repeated runs do not accumulate clubs.
	mustCall(root, joiner, *baseURL, http.MethodPost, "/api/v1/clubs/"+clubID+"/leave", nil, http.StatusOK, nil, *timeout)
	mustCall(root, leader, *baseURL, http.MethodDelete, "/api/v1/clubs/"+clubID, nil, http.StatusOK, nil, *timeout)

	fmt.Printf("OK: club_id=%s leader=%s joiner=%s\n", clubID, leader.userID, joiner.userID)
}

func wsURLFor(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, secret []byte, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	bearer, err := token.Issue(secret, userID, name, token.DefaultAudience, 10*time.Minute)
	if err != nil {
		fatalf("issue token %s: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		bearer: bearer,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, c, v1.TypeHello, v1.HelloPayload{Token: bearer}, stepTimeout)
	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if p.UserID != userID || strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack mismatch (%s): user_id=%q session_id=%q", name, p.UserID, p.SessionID)
	}
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.errCh <- fmt.Errorf("bad json: %w", err)
				return
			}
			if err := env.Validate(); err != nil {
				c.errCh <- fmt.Errorf("bad envelope: %w", err)
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.errCh <- errors.New("inbox overflow: consumer too slow")
				return
			}
		}
	}()
}

func mustSubscribe(parent context.Context, c *smokeClient, topics, wantDenied []string, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeSubscribe, v1.SubscribePayload{Topics: topics}, stepTimeout)
	ack := c.mustReadUntilType(parent, v1.TypeSubscribeAck, stepTimeout)

	var p v1.SubscribeAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal subscribe.ack payload (%s): %v", c.name, err)
	}
	for _, d := range wantDenied {
		if !slices.Contains(p.Denied, d) {
			fatalf("topic %q should be denied (%s): denied=%v", d, c.name, p.Denied)
		}
	}
	if len(p.Topics)+len(p.Denied) != len(topics) {
		fatalf("subscribe.ack does not cover request (%s): granted=%v denied=%v", c.name, p.Topics, p.Denied)
	}
}

// mustInvalidate waits for an invalidate envelope carrying key.
func mustInvalidate(parent context.Context, c *smokeClient, key string, stepTimeout time.Duration) {
	deadline := time.Now().Add(stepTimeout)
	for {
		env := c.mustReadUntilType(parent, v1.TypeInvalidate, time.Until(deadline))
		var p v1.InvalidatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal invalidate payload (%s): %v", c.name, err)
		}
		if slices.Contains(p.Keys, key) {
			return
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			switch env.Type {
			case wantType:
				return env
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			case v1.TypeInvalidate:
				// Unrelated invalidations interleave freely.
			default:
				fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
			}
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustCall(parent context.Context, c *smokeClient, base, method, path string, body any, wantStatus int, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rdr *bytes.Reader
	if body != nil {
		rdr = bytes.NewReader(mustJSON(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(base, "/")+path, rdr)
	if err != nil {
		fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s (%s): %v", method, path, c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var e map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&e)
		fatalf("%s %s (%s): status=%d want=%d body=%v", method, path, c.name, resp.StatusCode, wantStatus, e)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatalf("decode %s %s: %v", method, path, err)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
