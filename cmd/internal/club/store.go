package club

import (
	"context"
	"time"
)

const (
	DefaultInboxLimit = 50
	MaxInboxLimit     = 200
)

// InboxLimit clamps a requested inbox page size. Both stores apply it.
func InboxLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultInboxLimit
	case n > MaxInboxLimit:
		return MaxInboxLimit
	}
	return n
}

// Tx is the set of reads and writes available to governance code, inside or outside a transaction.
//
// Implementations return ErrRowNotFound for missing rows, ErrRowConflict for uniqueness
// violations and ErrVersion when a compare-and-swap on the club version fails.
type Tx interface {
	GetClub(ctx context.Context, id string) (Club, error)
	CreateClub(ctx context.Context, c Club) error
	UpdateClubDetails(ctx context.Context, id string, d Details, now time.Time) error
	// BumpClubVersion increments the club version iff it still equals expected.
	BumpClubVersion(ctx context.Context, id string, expected int64, now time.Time) (int64, error)
	SetClubLeader(ctx context.Context, id, leaderID string, now time.Time) error
	SetClubTotalLikes(ctx context.Context, id string, total int64) error
	DeleteClub(ctx context.Context, id string) error
	ListClubIDs(ctx context.Context) ([]string, error)
	TopClubsByLikes(ctx context.Context, limit int) ([]Club, error)

	GetMember(ctx context.Context, clubID, userID string) (Membership, error)
	AddMember(ctx context.Context, m Membership) error
	UpdateMemberRole(ctx context.Context, clubID, userID string, role Role, now time.Time) error
	RemoveMember(ctx context.Context, clubID, userID string) error
	ListMembers(ctx context.Context, clubID string) ([]Membership, error)
	ListMembershipsByUser(ctx context.Context, userID string) ([]Membership, error)
	DeleteMembersByClub(ctx context.Context, clubID string) error

	// CarLikesByUsers returns the summed car likes per owner. Owners without cars are absent.
	CarLikesByUsers(ctx context.Context, userIDs []string) (map[string]int64, error)

	GetUser(ctx context.Context, id string) (User, error)
	UpsertUser(ctx context.Context, u User) error

	CreateMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListInbox(ctx context.Context, receiverID string, limit int) ([]Message, error)
	DeleteMessagesByClub(ctx context.Context, clubID string) error
	// HasPendingInvitation matches on the structured club id, and falls back to a body
	// substring search for legacy rows written without one.
	HasPendingInvitation(ctx context.Context, clubID, receiverID string) (bool, error)
}

// Store is the persistence boundary. Its Tx methods run outside any transaction;
// WithTx runs fn atomically and rolls back when fn returns an error.
// Code inside fn must only use the Tx it is handed.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
