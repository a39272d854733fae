// Package v1 defines the Clubhouse realtime protocol v1 contract.
//
// The stream is invalidation only: the server never pushes read models, it tells
// subscribed clients which cached views to refetch.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket upgrade.
const Subprotocol = "clubhouse.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates the session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the principal (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeSubscribe requests topic subscriptions (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribeAck reports granted and denied topics (server -> client).
	TypeSubscribeAck = "subscribe.ack"
	// TypeUnsubscribe drops topic subscriptions (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeInvalidate lists stale cache keys (server -> subscribers).
	TypeInvalidate = "invalidate"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Public topics anyone may subscribe to.
const (
	TopicClubs        = "clubs"
	TopicLeaderboards = "leaderboards"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSubscribeAck,
		TypeUnsubscribe,
		TypeInvalidate,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries the bearer access token.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload echoes the authenticated principal.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SubscribePayload names topics such as "club:<id>", "user:<id>", "inbox:<id>", "clubs".
type SubscribePayload struct {
	Topics []string `json:"topics"`
}

// SubscribeAckPayload splits the request into granted and denied topics.
type SubscribeAckPayload struct {
	Topics []string `json:"topics"`
	Denied []string `json:"denied,omitempty"`
}

// InvalidatePayload lists the keys, out of the subscriber's topics, that went stale.
type InvalidatePayload struct {
	Op     string   `json:"op,omitempty"`
	ClubID string   `json:"club_id,omitempty"`
	Keys   []string `json:"keys"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
