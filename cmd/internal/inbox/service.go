package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"clubhouse/cmd/internal/club"
	"clubhouse/cmd/internal/ids"
)

const (
	maxSubjectLen = 200
	maxBodyLen    = 4000
)

// Decision is the answer to a join request or an invitation.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionAccept  Decision = "accept"
	DecisionReject  Decision = "reject"
)

// ParseDecision normalizes a wire decision. "accept" and "approve" are interchangeable.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionAccept, DecisionReject:
		return d, nil
	}
	return "", club.ErrInvalidInput
}

func (d Decision) positive() bool { return d == DecisionApprove || d == DecisionAccept }

// Service drives the inbox protocol on top of the club Engine and its Store.
type Service struct {
	engine *club.Engine
	store  club.Store
	log    *slog.Logger
}

// Option configures the Service.
type Option func(*Service) error

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewService constructs a Service.
func NewService(engine *club.Engine, opts ...Option) (*Service, error) {
	if engine == nil {
		return nil, club.ErrInvalidInput
	}
	s := &Service{engine: engine, store: engine.Store(), log: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Entry is an inbox message with its resolved protocol record.
type Entry struct {
	Message club.Message
	Text    string
	Record  *Record
}

// Outcome reports what handling a request or invitation did.
type Outcome struct {
	Decision Decision
	ClubID   string
	UserID   string
	Joined   bool
	Result   club.Result
}

func (s *Service) done(op string, err error, attrs ...any) {
	if err == nil {
		s.log.Info(op, attrs...)
		return
	}
	attrs = append(attrs, "code", club.CodeOf(err), "err", err)
	switch club.CategoryOf(err) {
	case club.CategoryStore, club.CategoryNone:
		s.log.Error(op+".fail", attrs...)
	default:
		s.log.Info(op+".reject", attrs...)
	}
}

// resolve prefers the structured record and falls back to the body marker.
func (s *Service) resolve(m club.Message) (Record, bool) {
	if len(m.Metadata) > 0 {
		r, err := ParseRecord(m.Metadata)
		if err == nil {
			return r, true
		}
		s.log.Warn("inbox.metadata.invalid", "message_id", m.ID, "err", err)
	}
	return DecodeMarker(m.Body)
}

func username(ctx context.Context, tx club.Tx, userID string) (string, error) {
	u, err := tx.GetUser(ctx, userID)
	if errors.Is(err, club.ErrRowNotFound) {
		return userID, nil
	}
	if err != nil {
		return "", err
	}
	return u.DisplayName(), nil
}

func getClub(ctx context.Context, tx club.Tx, op, clubID string) (club.Club, error) {
	c, err := tx.GetClub(ctx, clubID)
	if errors.Is(err, club.ErrRowNotFound) {
		return club.Club{}, club.Fail(op, club.ErrClubNotFound)
	}
	if err != nil {
		return club.Club{}, club.StoreFail(op, err)
	}
	return c, nil
}

func getMessage(ctx context.Context, tx club.Tx, op, id string) (club.Message, error) {
	m, err := tx.GetMessage(ctx, id)
	if errors.Is(err, club.ErrRowNotFound) {
		return club.Message{}, club.Fail(op, club.ErrMessageNotFound)
	}
	if err != nil {
		return club.Message{}, club.StoreFail(op, err)
	}
	return m, nil
}

// consume deletes a protocol message; a concurrent consumer makes it ErrMessageNotFound.
func consume(ctx context.Context, tx club.Tx, op, id string) error {
	err := tx.DeleteMessage(ctx, id)
	if errors.Is(err, club.ErrRowNotFound) {
		return club.Fail(op, club.ErrMessageNotFound)
	}
	if err != nil {
		return club.StoreFail(op, err)
	}
	return nil
}

func (s *Service) newMessage(from, to, subject, body string, typ club.MessageType, clubID string) (club.Message, error) {
	now := s.engine.Now()
	id, err := ids.New(now)
	if err != nil {
		return club.Message{}, err
	}
	m := club.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Subject:    subject,
		Body:       body,
		Type:       typ,
		CreatedAt:  now,
	}
	if clubID != "" {
		m.ClubID = &clubID
	}
	return m, nil
}

func (s *Service) protocolMessage(from, to, subject, text string, typ club.MessageType, rec Record) (club.Message, error) {
	body, err := ComposeBody(text, rec)
	if err != nil {
		return club.Message{}, err
	}
	meta, err := MarshalRecord(rec)
	if err != nil {
		return club.Message{}, err
	}
	m, err := s.newMessage(from, to, subject, body, typ, rec.ClubID())
	if err != nil {
		return club.Message{}, err
	}
	m.Metadata = json.RawMessage(meta)
	return m, nil
}

func cleanText(s string, max int) (string, bool) {
	s = strings.TrimSpace(s)
	return s, utf8.RuneCountInString(s) <= max
}

// SendJoinRequest asks the leader of a non-open club to let actorID in. Repeated requests are allowed.
func (s *Service) SendJoinRequest(ctx context.Context, actorID, clubID, note string) (msg club.Message, err error) {
	const op = "inbox.join_request.send"
	defer func() { s.done(op, err, "club_id", clubID, "actor_id", actorID, "message_id", msg.ID) }()

	actorID, clubID = strings.TrimSpace(actorID), strings.TrimSpace(clubID)
	if actorID == "" {
		return club.Message{}, club.Fail(op, club.ErrNotAuthenticated)
	}
	note, ok := cleanText(note, maxBodyLen)
	if clubID == "" || !ok {
		return club.Message{}, club.Fail(op, club.ErrInvalidInput)
	}

	var leaderID string
	err = s.store.WithTx(ctx, func(tx club.Tx) error {
		c, err := getClub(ctx, tx, op, clubID)
		if err != nil {
			return err
		}
		if c.Type == club.TypeOpen {
			return club.Fail(op, club.ErrClubIsOpen)
		}
		if _, err := tx.GetMember(ctx, clubID, actorID); err == nil {
			return club.Fail(op, club.ErrAlreadyMember)
		} else if !errors.Is(err, club.ErrRowNotFound) {
			return club.StoreFail(op, err)
		}

		name, err := username(ctx, tx, actorID)
		if err != nil {
			return club.StoreFail(op, err)
		}
		if note == "" {
			note = fmt.Sprintf("%s would like to join %s.", name, c.Name)
		}
		rec := Record{Kind: KindJoinRequest, JoinRequest: &JoinRequest{
			ClubID: c.ID, ClubName: c.Name, UserID: actorID, Username: name, Status: StatusPending,
		}}
		msg, err = s.protocolMessage(actorID, c.LeaderID, "Request to join "+c.Name, note, club.MessageJoinRequest, rec)
		if err != nil {
			return club.StoreFail(op, err)
		}
		leaderID = c.LeaderID
		return tx.CreateMessage(ctx, msg)
	})
	if err != nil {
		return club.Message{}, club.StoreFail(op, err)
	}

	s.engine.Publish(ctx, club.InboxHints(op, leaderID))
	return msg, nil
}

// HandleJoinRequest approves or rejects a join request. Only the club's current leader may
// act, and the request message is deleted either way.
func (s *Service) HandleJoinRequest(ctx context.Context, actorID, messageID string, decision Decision, clubID, userID string) (out Outcome, err error) {
	const op = "inbox.join_request.handle"
	defer func() {
		s.done(op, err, "message_id", messageID, "actor_id", actorID, "decision", string(decision), "club_id", out.ClubID, "user_id", out.UserID)
	}()

	actorID, messageID = strings.TrimSpace(actorID), strings.TrimSpace(messageID)
	clubID, userID = strings.TrimSpace(clubID), strings.TrimSpace(userID)
	if actorID == "" {
		return Outcome{}, club.Fail(op, club.ErrNotAuthenticated)
	}
	if messageID == "" {
		return Outcome{}, club.Fail(op, club.ErrInvalidInput)
	}
	switch decision {
	case DecisionApprove, DecisionAccept, DecisionReject:
	default:
		return Outcome{}, club.Fail(op, club.ErrInvalidInput)
	}

	msg, err := getMessage(ctx, s.store, op, messageID)
	if err != nil {
		return Outcome{}, err
	}
	rec, ok := s.resolve(msg)
	if msg.Type != club.MessageJoinRequest || !ok || rec.JoinRequest == nil {
		return Outcome{}, club.Fail(op, club.ErrInvalidInput)
	}
	req := rec.JoinRequest
	if (clubID != "" && clubID != req.ClubID) || (userID != "" && userID != req.UserID) {
		return Outcome{}, club.Fail(op, club.ErrInvalidInput)
	}
	out = Outcome{Decision: decision, ClubID: req.ClubID, UserID: req.UserID}

	// checkLeader runs inside the consuming transaction, ahead of any membership checks.
	var clubName string
	checkLeader := func(ctx context.Context, tx club.Tx) error {
		c, err := getClub(ctx, tx, op, req.ClubID)
		if err != nil {
			return err
		}
		if c.LeaderID != actorID {
			return club.Fail(op, club.ErrNotAuthorized)
		}
		clubName = c.Name
		return nil
	}
	reply := func(subject, body string) club.TxStep {
		return func(ctx context.Context, tx club.Tx) error {
			m, err := s.newMessage(actorID, req.UserID, subject, body, club.MessageGeneral, req.ClubID)
			if err != nil {
				return club.StoreFail(op, err)
			}
			return tx.CreateMessage(ctx, m)
		}
	}

	if decision.positive() {
		res, err := s.engine.Admit(ctx, req.ClubID, req.UserID, checkLeader,
			func(ctx context.Context, tx club.Tx) error { return consume(ctx, tx, op, msg.ID) },
			func(ctx context.Context, tx club.Tx) error {
				return reply("Welcome to "+clubName, "Your request to join "+clubName+" was approved. Welcome aboard!")(ctx, tx)
			},
		)
		if err != nil {
			return out, err
		}
		out.Joined = true
		out.Result = res
	} else {
		err := s.store.WithTx(ctx, func(tx club.Tx) error {
			if err := checkLeader(ctx, tx); err != nil {
				return err
			}
			if err := consume(ctx, tx, op, msg.ID); err != nil {
				return err
			}
			return reply("Join request declined", "Your request to join "+clubName+" was declined.")(ctx, tx)
		})
		if err != nil {
			return out, club.StoreFail(op, err)
		}
	}

	s.engine.Publish(ctx, club.InboxHints(op, actorID, req.UserID))
	return out, nil
}

// SendInvitation invites targetID into a club. Only the leader may invite, and a user has
// at most one pending invitation per club.
func (s *Service) SendInvitation(ctx context.Context, actorID, clubID, targetID, note string) (msg club.Message, err error) {
	const op = "inbox.invitation.send"
	defer func() {
		s.done(op, err, "club_id", clubID, "actor_id", actorID, "target_id", targetID, "message_id", msg.ID)
	}()

	actorID, clubID, targetID = strings.TrimSpace(actorID), strings.TrimSpace(clubID), strings.TrimSpace(targetID)
	if actorID == "" {
		return club.Message{}, club.Fail(op, club.ErrNotAuthenticated)
	}
	note, ok := cleanText(note, maxBodyLen)
	if clubID == "" || targetID == "" || !ok {
		return club.Message{}, club.Fail(op, club.ErrInvalidInput)
	}
	if targetID == actorID {
		return club.Message{}, club.Fail(op, club.ErrSelfManagement)
	}

	err = s.store.WithTx(ctx, func(tx club.Tx) error {
		c, err := getClub(ctx, tx, op, clubID)
		if err != nil {
			return err
		}
		m, err := tx.GetMember(ctx, clubID, actorID)
		if errors.Is(err, club.ErrRowNotFound) {
			return club.Fail(op, club.ErrNotMember)
		}
		if err != nil {
			return club.StoreFail(op, err)
		}
		if m.Role != club.RoleLeader || c.LeaderID != actorID {
			return club.Fail(op, club.ErrNotAuthorized)
		}

		if _, err := tx.GetUser(ctx, targetID); errors.Is(err, club.ErrRowNotFound) {
			return club.Fail(op, club.ErrUserNotFound)
		} else if err != nil {
			return club.StoreFail(op, err)
		}
		if _, err := tx.GetMember(ctx, clubID, targetID); err == nil {
			return club.Fail(op, club.ErrAlreadyMember)
		} else if !errors.Is(err, club.ErrRowNotFound) {
			return club.StoreFail(op, err)
		}
		pending, err := tx.HasPendingInvitation(ctx, clubID, targetID)
		if err != nil {
			return club.StoreFail(op, err)
		}
		if pending {
			return club.Fail(op, club.ErrAlreadyInvited)
		}

		inviter, err := username(ctx, tx, actorID)
		if err != nil {
			return club.StoreFail(op, err)
		}
		if note == "" {
			note = fmt.Sprintf("%s invited you to join %s.", inviter, c.Name)
		}
		rec := Record{Kind: KindInvitation, Invitation: &Invitation{
			ClubID: c.ID, ClubName: c.Name, InviterID: actorID, InviterUsername: inviter, TargetUserID: targetID, Status: StatusPending,
		}}
		msg, err = s.protocolMessage(actorID, targetID, "Invitation to join "+c.Name, note, club.MessageInvitation, rec)
		if err != nil {
			return club.StoreFail(op, err)
		}
		return tx.CreateMessage(ctx, msg)
	})
	if err != nil {
		return club.Message{}, club.StoreFail(op, err)
	}

	s.engine.Publish(ctx, club.InboxHints(op, targetID))
	return msg, nil
}

// HandleInvitation accepts or rejects an invitation addressed to actorID. Accepting joins the
// club and notifies the inviter; rejecting deletes the invitation silently.
func (s *Service) HandleInvitation(ctx context.Context, actorID, messageID string, decision Decision, clubID, inviterID string) (out Outcome, err error) {
	const op = "inbox.invitation.handle"
	defer func() {
		s.done(op, err, "message_id", messageID, "actor_id", actorID, "decision", string(decision), "club_id", out.ClubID)
	}()

	actorID, messageID = strings.TrimSpace(actorID), strings.TrimSpace(messageID)
	clubID, inviterID = strings.TrimSpace(clubID), strings.TrimSpace(inviterID)
	if actorID == "" {
		return Outcome{}, club.Fail(op, club.ErrNotAuthenticated)
	}
	if messageID == "" {
		return Outcome{}, club.Fail(op, club.ErrInvalidInput)
	}
	switch decision {
	case DecisionApprove, DecisionAccept, DecisionReject:
	default:
		return Outcome{}, club.Fail(op, club.ErrInvalidInput)
	}

	msg, err := getMessage(ctx, s.store, op, messageID)
	if err != nil {
		return Outcome{}, err
	}
	if msg.ReceiverID != actorID {
		return Outcome{}, club.Fail(op, club.ErrNotAuthorized)
	}
	rec, ok := s.resolve(msg)
	if msg.Type != club.MessageInvitation || !ok || rec.Invitation == nil {
		return Outcome{}, club.Fail(op, club.ErrInvalidInput)
	}
	inv := rec.Invitation
	if inv.TargetUserID != actorID ||
		(clubID != "" && clubID != inv.ClubID) ||
		(inviterID != "" && inviterID != inv.InviterID) {
		return Outcome{}, club.Fail(op, club.ErrInvalidInput)
	}
	out = Outcome{Decision: decision, ClubID: inv.ClubID, UserID: actorID}

	if !decision.positive() {
		if err := consume(ctx, s.store, op, msg.ID); err != nil {
			return out, err
		}
		s.engine.Publish(ctx, club.InboxHints(op, actorID))
		return out, nil
	}

	res, err := s.engine.Admit(ctx, inv.ClubID, actorID, nil,
		func(ctx context.Context, tx club.Tx) error { return consume(ctx, tx, op, msg.ID) },
		func(ctx context.Context, tx club.Tx) error {
			c, err := getClub(ctx, tx, op, inv.ClubID)
			if err != nil {
				return err
			}
			name, err := username(ctx, tx, actorID)
			if err != nil {
				return club.StoreFail(op, err)
			}
			m, err := s.newMessage(actorID, inv.InviterID, "Invitation accepted",
				fmt.Sprintf("%s accepted your invitation to join %s.", name, c.Name), club.MessageGeneral, c.ID)
			if err != nil {
				return club.StoreFail(op, err)
			}
			return tx.CreateMessage(ctx, m)
		},
	)
	if err != nil {
		return out, err
	}
	out.Joined = true
	out.Result = res

	s.engine.Publish(ctx, club.InboxHints(op, actorID, inv.InviterID))
	return out, nil
}

// SendClubMail sends one announcement to every member except the sender.
// Leaders and co-leaders may send; it returns the number of messages written.
func (s *Service) SendClubMail(ctx context.Context, actorID, clubID, subject, body string) (sent int, err error) {
	const op = "inbox.club_mail.send"
	defer func() { s.done(op, err, "club_id", clubID, "actor_id", actorID, "sent", sent) }()

	actorID, clubID = strings.TrimSpace(actorID), strings.TrimSpace(clubID)
	if actorID == "" {
		return 0, club.Fail(op, club.ErrNotAuthenticated)
	}
	subject, okSubject := cleanText(subject, maxSubjectLen)
	body, okBody := cleanText(body, maxBodyLen)
	if clubID == "" || subject == "" || body == "" || !okSubject || !okBody {
		return 0, club.Fail(op, club.ErrInvalidInput)
	}

	var recipients []string
	err = s.store.WithTx(ctx, func(tx club.Tx) error {
		if _, err := getClub(ctx, tx, op, clubID); err != nil {
			return err
		}
		m, err := tx.GetMember(ctx, clubID, actorID)
		if errors.Is(err, club.ErrRowNotFound) {
			return club.Fail(op, club.ErrNotMember)
		}
		if err != nil {
			return club.StoreFail(op, err)
		}
		if m.Role != club.RoleLeader && m.Role != club.RoleCoLeader {
			return club.Fail(op, club.ErrNotAuthorized)
		}

		members, err := tx.ListMembers(ctx, clubID)
		if err != nil {
			return club.StoreFail(op, err)
		}
		for _, mem := range members {
			if mem.UserID == actorID {
				continue
			}
			msg, err := s.newMessage(actorID, mem.UserID, subject, body, club.MessageClubAnnouncement, clubID)
			if err != nil {
				return club.StoreFail(op, err)
			}
			if err := tx.CreateMessage(ctx, msg); err != nil {
				return err
			}
			recipients = append(recipients, mem.UserID)
		}
		return nil
	})
	if err != nil {
		return 0, club.StoreFail(op, err)
	}

	s.engine.Publish(ctx, club.InboxHints(op, recipients...))
	return len(recipients), nil
}

// SendMessage sends a plain direct message.
func (s *Service) SendMessage(ctx context.Context, actorID, receiverID, subject, body string) (msg club.Message, err error) {
	const op = "inbox.message.send"
	defer func() { s.done(op, err, "actor_id", actorID, "receiver_id", receiverID, "message_id", msg.ID) }()

	actorID, receiverID = strings.TrimSpace(actorID), strings.TrimSpace(receiverID)
	if actorID == "" {
		return club.Message{}, club.Fail(op, club.ErrNotAuthenticated)
	}
	subject, okSubject := cleanText(subject, maxSubjectLen)
	body, okBody := cleanText(body, maxBodyLen)
	if receiverID == "" || receiverID == actorID || body == "" || !okSubject || !okBody {
		return club.Message{}, club.Fail(op, club.ErrInvalidInput)
	}

	if _, err := s.store.GetUser(ctx, receiverID); errors.Is(err, club.ErrRowNotFound) {
		return club.Message{}, club.Fail(op, club.ErrUserNotFound)
	} else if err != nil {
		return club.Message{}, club.StoreFail(op, err)
	}

	msg, err = s.newMessage(actorID, receiverID, subject, body, club.MessageGeneral, "")
	if err != nil {
		return club.Message{}, club.StoreFail(op, err)
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return club.Message{}, club.StoreFail(op, err)
	}

	s.engine.Publish(ctx, club.InboxHints(op, receiverID))
	return msg, nil
}

// Inbox lists actorID's messages, newest first, with protocol records resolved.
func (s *Service) Inbox(ctx context.Context, actorID string, limit int) ([]Entry, error) {
	const op = "inbox.list"
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, club.Fail(op, club.ErrNotAuthenticated)
	}
	msgs, err := s.store.ListInbox(ctx, actorID, limit)
	if err != nil {
		return nil, club.StoreFail(op, err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e := Entry{Message: m, Text: StripMarker(m.Body)}
		if rec, ok := s.resolve(m); ok {
			e.Record = &rec
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteMessage removes one of actorID's received messages.
func (s *Service) DeleteMessage(ctx context.Context, actorID, messageID string) (err error) {
	const op = "inbox.message.delete"
	defer func() { s.done(op, err, "actor_id", actorID, "message_id", messageID) }()

	actorID, messageID = strings.TrimSpace(actorID), strings.TrimSpace(messageID)
	if actorID == "" {
		return club.Fail(op, club.ErrNotAuthenticated)
	}
	if messageID == "" {
		return club.Fail(op, club.ErrInvalidInput)
	}

	err = s.store.WithTx(ctx, func(tx club.Tx) error {
		m, err := getMessage(ctx, tx, op, messageID)
		if err != nil {
			return err
		}
		if m.ReceiverID != actorID {
			return club.Fail(op, club.ErrNotAuthorized)
		}
		return consume(ctx, tx, op, messageID)
	})
	if err != nil {
		return club.StoreFail(op, err)
	}

	s.engine.Publish(ctx, club.InboxHints(op, actorID))
	return nil
}
