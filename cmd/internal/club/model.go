package club

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is a member's position inside a club.
type Role string

const (
	RoleMember   Role = "member"
	RoleCoLeader Role = "co-leader"
	RoleLeader   Role = "leader"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleCoLeader, RoleLeader:
		return true
	}
	return false
}

// Type controls how users get into a club.
type Type string

const (
	TypeOpen   Type = "open"
	TypeInvite Type = "invite"
	TypeClosed Type = "closed"
)

// Valid reports whether t is a known club type.
func (t Type) Valid() bool {
	switch t {
	case TypeOpen, TypeInvite, TypeClosed:
		return true
	}
	return false
}

// Club is one club row. TotalLikes is derived from member cars and only written by the likes aggregator.
type Club struct {
	ID          string
	Name        string
	Description string
	Location    string
	Type        Type
	BannerURL   *string
	LeaderID    string
	TotalLikes  int64
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Membership links a user to a club with a role. (ClubID, UserID) is unique.
type Membership struct {
	ClubID    string
	UserID    string
	Role      Role
	JoinedAt  time.Time
	UpdatedAt time.Time
}

// User is the read model of an account owned by the auth provider.
type User struct {
	ID       string
	Username string
}

// DisplayName falls back to the id when no username is known.
func (u User) DisplayName() string {
	if s := strings.TrimSpace(u.Username); s != "" {
		return s
	}
	return u.ID
}

// Car only matters here through its owner's like count.
type Car struct {
	ID         string
	OwnerID    string
	TotalLikes int64
}

// MessageType classifies inbox messages.
type MessageType string

const (
	MessageGeneral          MessageType = "general"
	MessageJoinRequest      MessageType = "club_join_request"
	MessageInvitation       MessageType = "club_invitation"
	MessageClubAnnouncement MessageType = "club_announcement"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageGeneral, MessageJoinRequest, MessageInvitation, MessageClubAnnouncement:
		return true
	}
	return false
}

// Message is an inbox message. ClubID and Metadata are the structured side record for
// protocol messages; Body still carries the human text (and the legacy embedded marker).
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Subject    string
	Body       string
	Type       MessageType
	ClubID     *string
	Metadata   json.RawMessage
	CreatedAt  time.Time
}

// Details is the editable part of a club.
type Details struct {
	Name        string
	Description string
	Location    string
	Type        Type
	BannerURL   *string
}

func strPtr(s string) *string { return &s }

func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}
