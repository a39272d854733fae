package club

import (
	"context"
	"sort"
	"strings"
)

// Invalidation keys shared with cache and realtime consumers.
const (
	KeyClubs        = "clubs"
	KeyLeaderboards = "leaderboards"
)

// ClubKey names the cached view of one club.
func ClubKey(clubID string) string { return "club:" + clubID }

// UserKey names the cached views of one user (their clubs, their profile).
func UserKey(userID string) string { return "user:" + userID }

// InboxKey names one user's inbox.
func InboxKey(userID string) string { return "inbox:" + userID }

// Hints lists the cached views a successful mutation made stale.
type Hints struct {
	Op     string   `json:"op"`
	ClubID string   `json:"club_id,omitempty"`
	Keys   []string `json:"keys"`
}

// MembershipHints covers a club, the listing pages and every affected user.
func MembershipHints(op, clubID string, userIDs ...string) Hints {
	keys := []string{ClubKey(clubID), KeyClubs, KeyLeaderboards}
	for _, u := range userIDs {
		if strings.TrimSpace(u) != "" {
			keys = append(keys, UserKey(u))
		}
	}
	return Hints{Op: op, ClubID: clubID, Keys: dedupe(keys)}
}

// InboxHints covers the inboxes of the given users.
func InboxHints(op string, userIDs ...string) Hints {
	keys := make([]string, 0, len(userIDs))
	for _, u := range userIDs {
		if strings.TrimSpace(u) != "" {
			keys = append(keys, InboxKey(u))
		}
	}
	return Hints{Op: op, Keys: dedupe(keys)}
}

// Merge returns the union of h and other, keeping h's op and club.
func (h Hints) Merge(other Hints) Hints {
	if h.Op == "" {
		h.Op = other.Op
	}
	if h.ClubID == "" {
		h.ClubID = other.ClubID
	}
	h.Keys = dedupe(append(append([]string(nil), h.Keys...), other.Keys...))
	return h
}

// Empty reports whether there is nothing to invalidate.
func (h Hints) Empty() bool { return len(h.Keys) == 0 }

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Notifier receives hints after a mutation commits. Failures are logged by the caller, never rolled back.
type Notifier interface {
	Invalidate(ctx context.Context, h Hints) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, h Hints) error

func (f NotifierFunc) Invalidate(ctx context.Context, h Hints) error { return f(ctx, h) }

type nopNotifier struct{}

func (nopNotifier) Invalidate(context.Context, Hints) error { return nil }
