package realtime

import (
	"context"
	"errors"
	"strings"

	"clubhouse/cmd/internal/club"
	v1 "clubhouse/shared/contracts/realtime/v1"
)

// MembershipChecker defines the authorization boundary for club topics.
// club.Engine implements it.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, clubID string) (bool, error)
}

var (
	errTopicUnknown   = errors.New("unknown topic")
	errTopicForbidden = errors.New("topic not allowed")
)

var (
	clubPrefix  = club.ClubKey("")
	userPrefix  = club.UserKey("")
	inboxPrefix = club.InboxKey("")
)

// authorizeTopic decides whether userID may watch topic. Listing topics are open to any
// authenticated session, user and inbox topics only to their owner, club topics to members.
func authorizeTopic(ctx context.Context, acl MembershipChecker, userID, topic string) error {
	switch topic {
	case v1.TopicClubs, v1.TopicLeaderboards:
		return nil
	}

	if id, ok := strings.CutPrefix(topic, userPrefix); ok && id != "" {
		if id != userID {
			return errTopicForbidden
		}
		return nil
	}
	if id, ok := strings.CutPrefix(topic, inboxPrefix); ok && id != "" {
		if id != userID {
			return errTopicForbidden
		}
		return nil
	}
	if id, ok := strings.CutPrefix(topic, clubPrefix); ok && id != "" {
		if acl == nil {
			return errTopicForbidden
		}
		member, err := acl.IsMember(ctx, userID, id)
		if err != nil {
			return err
		}
		if !member {
			return errTopicForbidden
		}
		return nil
	}
	return errTopicUnknown
}
