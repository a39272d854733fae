package club

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"clubhouse/cmd/internal/ids"
)

// Action is a leader-initiated change to another member.
type Action string

const (
	ActionPromote         Action = "promote"
	ActionDemote          Action = "demote"
	ActionKick            Action = "kick"
	ActionPromoteToLeader Action = "promote_to_leader"
)

// ParseAction validates a wire action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.TrimSpace(strings.ToLower(s))); a {
	case ActionPromote, ActionDemote, ActionKick, ActionPromoteToLeader:
		return a, nil
	}
	return "", ErrInvalidInput
}

const (
	maxNameLen        = 100
	maxDescriptionLen = 1000
	maxLocationLen    = 100
	maxBannerURLLen   = 2048
)

// CreateInput describes a new club.
type CreateInput struct {
	Name        string
	Description string
	Location    string
	Type        Type
	BannerURL   *string
}

// UpdateInput patches club details; nil fields are left alone and an empty BannerURL clears it.
type UpdateInput struct {
	Name        *string
	Description *string
	Location    *string
	Type        *Type
	BannerURL   *string
}

func validateDetails(d Details) (Details, bool) {
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	d.Location = strings.TrimSpace(d.Location)
	d.BannerURL = trimPtr(d.BannerURL)
	if d.Type == "" {
		d.Type = TypeOpen
	}
	switch {
	case d.Name == "", utf8.RuneCountInString(d.Name) > maxNameLen:
		return d, false
	case utf8.RuneCountInString(d.Description) > maxDescriptionLen:
		return d, false
	case utf8.RuneCountInString(d.Location) > maxLocationLen:
		return d, false
	case !d.Type.Valid():
		return d, false
	case d.BannerURL != nil && len(*d.BannerURL) > maxBannerURLLen:
		return d, false
	}
	return d, true
}

// CreateClub creates a club led by actorID, who becomes its only member.
func (e *Engine) CreateClub(ctx context.Context, actorID string, in CreateInput) (out Club, res Result, err error) {
	const op = "club.create"
	start := e.now()
	defer func() { e.observe(op, start, err, "club_id", out.ID, "actor_id", actorID) }()

	if err = e.begin(ctx, op, &actorID); err != nil {
		return Club{}, Result{}, err
	}
	d, ok := validateDetails(Details{
		Name: in.Name, Description: in.Description, Location: in.Location, Type: in.Type, BannerURL: in.BannerURL,
	})
	if !ok {
		return Club{}, Result{}, Fail(op, ErrInvalidInput)
	}

	now := e.now()
	id, err := ids.New(now)
	if err != nil {
		return Club{}, Result{}, StoreFail(op, err)
	}
	out = Club{
		ID:          id,
		Name:        d.Name,
		Description: d.Description,
		Location:    d.Location,
		Type:        d.Type,
		BannerURL:   d.BannerURL,
		LeaderID:    actorID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateClub(ctx, out); err != nil {
			if errors.Is(err, ErrRowNotFound) {
				return Fail(op, ErrUserNotFound)
			}
			return err
		}
		err := tx.AddMember(ctx, Membership{ClubID: id, UserID: actorID, Role: RoleLeader, JoinedAt: now, UpdatedAt: now})
		if errors.Is(err, ErrRowNotFound) {
			return Fail(op, ErrUserNotFound)
		}
		return err
	})
	if err = normalize(op, err); err != nil {
		return Club{}, Result{}, err
	}

	res = Result{Op: op, ClubID: id, Message: "club created"}
	e.settle(ctx, &res, actorID)
	out.TotalLikes = res.TotalLikes
	return out, res, nil
}

// UpdateClub edits club details. Leader only.
func (e *Engine) UpdateClub(ctx context.Context, actorID, clubID string, in UpdateInput) (out Club, res Result, err error) {
	const op = "club.update"
	start := e.now()
	defer func() { e.observe(op, start, err, "club_id", clubID, "actor_id", actorID) }()

	if err = e.begin(ctx, op, &actorID, &clubID); err != nil {
		return Club{}, Result{}, err
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		c, err := loadClub(ctx, tx, op, clubID)
		if err != nil {
			return err
		}
		if _, err := requireLeader(ctx, tx, op, c, actorID); err != nil {
			return err
		}

		d := Details{Name: c.Name, Description: c.Description, Location: c.Location, Type: c.Type, BannerURL: c.BannerURL}
		if in.Name != nil {
			d.Name = *in.Name
		}
		if in.Description != nil {
			d.Description = *in.Description
		}
		if in.Location != nil {
			d.Location = *in.Location
		}
		if in.Type != nil {
			if *in.Type == "" {
				return Fail(op, ErrInvalidInput)
			}
			d.Type = *in.Type
		}
		if in.BannerURL != nil {
			d.BannerURL = in.BannerURL
		}
		d, ok := validateDetails(d)
		if !ok {
			return Fail(op, ErrInvalidInput)
		}

		now := e.now()
		if err := claim(ctx, tx, op, c, now); err != nil {
			return err
		}
		if err := tx.UpdateClubDetails(ctx, clubID, d, now); err != nil {
			return err
		}
		out, err = tx.GetClub(ctx, clubID)
		return err
	})
	if err = normalize(op, err); err != nil {
		return Club{}, Result{}, err
	}

	res = Result{Op: op, ClubID: clubID, Message: "club updated", TotalLikes: out.TotalLikes}
	res.Hints = MembershipHints(op, clubID)
	e.Publish(ctx, res.Hints)
	return out, res, nil
}

// JoinClub adds actorID to an open club as a member.
func (e *Engine) JoinClub(ctx context.Context, actorID, clubID string) (res Result, err error) {
	const op = "club.join"
	start := e.now()
	defer func() { e.observe(op, start, err, "club_id", clubID, "actor_id", actorID) }()

	if err = e.begin(ctx, op, &actorID, &clubID); err != nil {
		return Result{}, err
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		c, err := loadClub(ctx, tx, op, clubID)
		if err != nil {
			return err
		}
		if c.Type != TypeOpen {
			return Fail(op, ErrClubNotOpen)
		}
		return addMember(ctx, tx, op, c, actorID, e.now())
	})
	if err = normalize(op, err); err != nil {
		return Result{}, err
	}

	res = Result{Op: op, ClubID: clubID, Message: "joined club"}
	e.settle(ctx, &res, actorID)
	return res, nil
}

// addMember claims the club version before inserting, so a join cannot commit into a club
// that a concurrent leave or delete is destroying.
func addMember(ctx context.Context, tx Tx, op string, c Club, userID string, now time.Time) error {
	if _, err := tx.GetMember(ctx, c.ID, userID); err == nil {
		return Fail(op, ErrAlreadyMember)
	} else if !errors.Is(err, ErrRowNotFound) {
		return StoreFail(op, err)
	}
	if err := claim(ctx, tx, op, c, now); err != nil {
		return err
	}
	err := tx.AddMember(ctx, Membership{ClubID: c.ID, UserID: userID, Role: RoleMember, JoinedAt: now, UpdatedAt: now})
	switch {
	case errors.Is(err, ErrRowConflict):
		return Fail(op, ErrAlreadyMember)
	case errors.Is(err, ErrRowNotFound):
		return Fail(op, ErrUserNotFound)
	}
	return err
}

// TxStep is extra work committed atomically with Admit.
type TxStep func(ctx context.Context, tx Tx) error

// Admit adds userID as a member regardless of club type. It is the approval path for join
// requests and invitations. guard, when set, runs before the membership checks; steps run in
// the same transaction after the insert.
func (e *Engine) Admit(ctx context.Context, clubID, userID string, guard TxStep, steps ...TxStep) (res Result, err error) {
	const op = "club.admit"
	start := e.now()
	defer func() { e.observe(op, start, err, "club_id", clubID, "user_id", userID) }()

	if err = e.begin(ctx, op, &userID, &clubID); err != nil {
		return Result{}, err
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		c, err := loadClub(ctx, tx, op, clubID)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(ctx, tx); err != nil {
				return err
			}
		}
		if err := addMember(ctx, tx, op, c, userID, e.now()); err != nil {
			return err
		}
		for _, step := range steps {
			if step == nil {
				continue
			}
			if err := step(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err = normalize(op, err); err != nil {
		return Result{}, err
	}

	res = Result{Op: op, ClubID: clubID, Message: "member admitted"}
	e.settle(ctx, &res, userID)
	return res, nil
}

// LeaveClub removes actorID from a club. A leader who is the only member destroys the club;
// a leader with other members must transfer leadership first.
func (e *Engine) LeaveClub(ctx context.Context, actorID, clubID string) (res Result, err error) {
	const op = "club.leave"
	start := e.now()
	defer func() {
		e.observe(op, start, err, "club_id", clubID, "actor_id", actorID, "deleted", res.Deleted)
	}()

	if err = e.begin(ctx, op, &actorID, &clubID); err != nil {
		return Result{}, err
	}

	deleted := false
	err = e.store.WithTx(ctx, func(tx Tx) error {
		c, err := loadClub(ctx, tx, op, clubID)
		if err != nil {
			return err
		}
		m, err := loadMember(ctx, tx, op, clubID, actorID, ErrNotMember)
		if err != nil {
			return err
		}
		if m.Role != RoleLeader {
			err := tx.RemoveMember(ctx, clubID, actorID)
			if errors.Is(err, ErrRowNotFound) {
				return Fail(op, ErrNotMember)
			}
			return err
		}

		members, err := tx.ListMembers(ctx, clubID)
		if err != nil {
			return err
		}
		if len(members) > 1 {
			return Fail(op, ErrLeaderMustTransfer)
		}
		if err := claim(ctx, tx, op, c, e.now()); err != nil {
			return err
		}
		deleted = true
		return destroyClub(ctx, tx, clubID)
	})
	if err = normalize(op, err); err != nil {
		return Result{}, err
	}

	res = Result{Op: op, ClubID: clubID, Deleted: deleted, Message: "left club"}
	if deleted {
		res.Message = "club deleted as you were the only member"
	}
	e.settle(ctx, &res, actorID)
	return res, nil
}

func destroyClub(ctx context.Context, tx Tx, clubID string) error {
	if err := tx.DeleteMessagesByClub(ctx, clubID); err != nil {
		return err
	}
	if err := tx.DeleteMembersByClub(ctx, clubID); err != nil {
		return err
	}
	return tx.DeleteClub(ctx, clubID)
}

// ManageMember applies a leader action to targetID.
func (e *Engine) ManageMember(ctx context.Context, actorID, clubID, targetID string, action Action) (res Result, err error) {
	if action == ActionPromoteToLeader {
		res, err = e.TransferLeadership(ctx, actorID, clubID, targetID)
		res.Action = action
		return res, err
	}

	const op = "club.manage"
	start := e.now()
	defer func() {
		e.observe(op, start, err, "club_id", clubID, "actor_id", actorID, "target_id", targetID, "action", string(action))
	}()

	var likes int64
	if err = e.begin(ctx, op, &actorID, &clubID, &targetID); err != nil {
		return Result{}, err
	}
	switch action {
	case ActionPromote, ActionDemote, ActionKick:
	default:
		return Result{}, Fail(op, ErrInvalidInput)
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		c, err := loadClub(ctx, tx, op, clubID)
		if err != nil {
			return err
		}
		if _, err := requireLeader(ctx, tx, op, c, actorID); err != nil {
			return err
		}
		if targetID == actorID {
			return Fail(op, ErrSelfManagement)
		}
		t, err := loadMember(ctx, tx, op, clubID, targetID, ErrTargetNotMember)
		if err != nil {
			return err
		}
		if t.Role == RoleLeader {
			return Fail(op, ErrTargetIsLeader)
		}
		likes = c.TotalLikes

		now := e.now()
		switch action {
		case ActionPromote:
			if t.Role != RoleMember {
				return Fail(op, ErrAlreadyHasRole)
			}
			if err := claim(ctx, tx, op, c, now); err != nil {
				return err
			}
			return tx.UpdateMemberRole(ctx, clubID, targetID, RoleCoLeader, now)
		case ActionDemote:
			if t.Role != RoleCoLeader {
				return Fail(op, ErrAlreadyHasRole)
			}
			if err := claim(ctx, tx, op, c, now); err != nil {
				return err
			}
			return tx.UpdateMemberRole(ctx, clubID, targetID, RoleMember, now)
		default:
			if err := claim(ctx, tx, op, c, now); err != nil {
				return err
			}
			return tx.RemoveMember(ctx, clubID, targetID)
		}
	})
	if err = normalize(op, err); err != nil {
		return Result{}, err
	}

	// Role changes leave the aggregate alone; a kick recomputes it in settle.
	res = Result{Op: op, ClubID: clubID, Action: action, TotalLikes: likes}
	switch action {
	case ActionPromote:
		res.Message = "member promoted to co-leader"
		res.Hints = MembershipHints(op, clubID, actorID, targetID)
		e.Publish(ctx, res.Hints)
	case ActionDemote:
		res.Message = "co-leader demoted to member"
		res.Hints = MembershipHints(op, clubID, actorID, targetID)
		e.Publish(ctx, res.Hints)
	default:
		res.Message = "member removed from club"
		e.settle(ctx, &res, actorID, targetID)
	}
	return res, nil
}

// TransferLeadership hands the club to a co-leader. The actor becomes a co-leader.
// All three writes commit together.
func (e *Engine) TransferLeadership(ctx context.Context, actorID, clubID, newLeaderID string) (res Result, err error) {
	const op = "club.transfer"
	start := e.now()
	defer func() {
		e.observe(op, start, err, "club_id", clubID, "actor_id", actorID, "new_leader_id", newLeaderID)
	}()

	if err = e.begin(ctx, op, &actorID, &clubID, &newLeaderID); err != nil {
		return Result{}, err
	}

	var likes int64
	err = e.store.WithTx(ctx, func(tx Tx) error {
		c, err := loadClub(ctx, tx, op, clubID)
		if err != nil {
			return err
		}
		if _, err := requireLeader(ctx, tx, op, c, actorID); err != nil {
			return err
		}
		if newLeaderID == actorID {
			return Fail(op, ErrSelfManagement)
		}
		t, err := loadMember(ctx, tx, op, clubID, newLeaderID, ErrTargetNotMember)
		if err != nil {
			return err
		}
		if t.Role != RoleCoLeader {
			return Fail(op, ErrTargetNotCoLeader)
		}
		likes = c.TotalLikes

		now := e.now()
		if err := claim(ctx, tx, op, c, now); err != nil {
			return err
		}
		// Demote first: the one-leader index is not deferrable.
		if err := tx.UpdateMemberRole(ctx, clubID, actorID, RoleCoLeader, now); err != nil {
			return err
		}
		if err := tx.UpdateMemberRole(ctx, clubID, newLeaderID, RoleLeader, now); err != nil {
			return err
		}
		return tx.SetClubLeader(ctx, clubID, newLeaderID, now)
	})
	if err = normalize(op, err); err != nil {
		return Result{}, err
	}

	res = Result{Op: op, ClubID: clubID, Message: "leadership transferred", TotalLikes: likes}
	res.Hints = MembershipHints(op, clubID, actorID, newLeaderID)
	e.Publish(ctx, res.Hints)
	return res, nil
}

// DeleteClub destroys a club with its memberships and club-scoped messages. Leader only.
func (e *Engine) DeleteClub(ctx context.Context, actorID, clubID string) (res Result, err error) {
	const op = "club.delete"
	start := e.now()
	defer func() { e.observe(op, start, err, "club_id", clubID, "actor_id", actorID) }()

	if err = e.begin(ctx, op, &actorID, &clubID); err != nil {
		return Result{}, err
	}

	var former []string
	err = e.store.WithTx(ctx, func(tx Tx) error {
		c, err := loadClub(ctx, tx, op, clubID)
		if err != nil {
			return err
		}
		if _, err := requireLeader(ctx, tx, op, c, actorID); err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, clubID)
		if err != nil {
			return err
		}
		for _, m := range members {
			former = append(former, m.UserID)
		}
		if err := claim(ctx, tx, op, c, e.now()); err != nil {
			return err
		}
		return destroyClub(ctx, tx, clubID)
	})
	if err = normalize(op, err); err != nil {
		return Result{}, err
	}

	res = Result{Op: op, ClubID: clubID, Deleted: true, Message: "club deleted"}
	e.settle(ctx, &res, former...)
	return res, nil
}

// ClubView is a club together with its members.
type ClubView struct {
	Club    Club
	Members []Membership
}

// GetClub reads a club and its members.
func (e *Engine) GetClub(ctx context.Context, clubID string) (ClubView, error) {
	const op = "club.get"
	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return ClubView{}, Fail(op, ErrInvalidInput)
	}
	c, err := loadClub(ctx, e.store, op, clubID)
	if err != nil {
		return ClubView{}, err
	}
	members, err := e.store.ListMembers(ctx, clubID)
	if err != nil {
		return ClubView{}, StoreFail(op, err)
	}
	return ClubView{Club: c, Members: members}, nil
}

// UserClub is one of a user's clubs with their role in it.
type UserClub struct {
	Club Club
	Role Role
}

// ListClubsForUser returns the clubs userID belongs to, oldest membership first.
func (e *Engine) ListClubsForUser(ctx context.Context, userID string) ([]UserClub, error) {
	const op = "club.list_for_user"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, Fail(op, ErrNotAuthenticated)
	}
	ms, err := e.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return nil, StoreFail(op, err)
	}
	out := make([]UserClub, 0, len(ms))
	for _, m := range ms {
		c, err := e.store.GetClub(ctx, m.ClubID)
		if errors.Is(err, ErrRowNotFound) {
			continue
		}
		if err != nil {
			return nil, StoreFail(op, err)
		}
		out = append(out, UserClub{Club: c, Role: m.Role})
	}
	return out, nil
}

// IsMember reports whether userID belongs to clubID.
func (e *Engine) IsMember(ctx context.Context, userID, clubID string) (bool, error) {
	_, err := e.store.GetMember(ctx, clubID, userID)
	if errors.Is(err, ErrRowNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
