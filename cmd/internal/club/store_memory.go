package club

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is the dev-mode and test Store.
// Transactions serialize on one mutex and restore a snapshot when fn fails.
// Unlike Postgres it does not check that referenced users exist.
type InMemoryStore struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	clubs    map[string]Club
	members  map[string]map[string]Membership // club id -> user id
	users    map[string]User
	cars     map[string]Car
	messages map[string]Message
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{st: &memState{
		clubs:    make(map[string]Club),
		members:  make(map[string]map[string]Membership),
		users:    make(map[string]User),
		cars:     make(map[string]Car),
		messages: make(map[string]Message),
	}}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// WithTx runs fn with exclusive access and rolls every write back if fn fails.
func (s *InMemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.st.clone()
	if err := fn(memTx{st: s.st}); err != nil {
		s.st = snap
		return err
	}
	return nil
}

// PutCar seeds a car. Cars are owned by another part of the product; this exists for dev and tests.
func (s *InMemoryStore) PutCar(c Car) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.cars[c.ID] = c
}

func (st *memState) clone() *memState {
	out := &memState{
		clubs:    make(map[string]Club, len(st.clubs)),
		members:  make(map[string]map[string]Membership, len(st.members)),
		users:    make(map[string]User, len(st.users)),
		cars:     make(map[string]Car, len(st.cars)),
		messages: make(map[string]Message, len(st.messages)),
	}
	for k, v := range st.clubs {
		out.clubs[k] = v
	}
	for k, m := range st.members {
		cp := make(map[string]Membership, len(m))
		for u, v := range m {
			cp[u] = v
		}
		out.members[k] = cp
	}
	for k, v := range st.users {
		out.users[k] = v
	}
	for k, v := range st.cars {
		out.cars[k] = v
	}
	for k, v := range st.messages {
		out.messages[k] = v
	}
	return out
}

func locked[T any](s *InMemoryStore, fn func(t memTx) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(memTx{st: s.st})
}

func lockedErr(s *InMemoryStore, fn func(t memTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(memTx{st: s.st})
}

func (s *InMemoryStore) GetClub(ctx context.Context, id string) (Club, error) {
	return locked(s, func(t memTx) (Club, error) { return t.GetClub(ctx, id) })
}

func (s *InMemoryStore) CreateClub(ctx context.Context, c Club) error {
	return lockedErr(s, func(t memTx) error { return t.CreateClub(ctx, c) })
}

func (s *InMemoryStore) UpdateClubDetails(ctx context.Context, id string, d Details, now time.Time) error {
	return lockedErr(s, func(t memTx) error { return t.UpdateClubDetails(ctx, id, d, now) })
}

func (s *InMemoryStore) BumpClubVersion(ctx context.Context, id string, expected int64, now time.Time) (int64, error) {
	return locked(s, func(t memTx) (int64, error) { return t.BumpClubVersion(ctx, id, expected, now) })
}

func (s *InMemoryStore) SetClubLeader(ctx context.Context, id, leaderID string, now time.Time) error {
	return lockedErr(s, func(t memTx) error { return t.SetClubLeader(ctx, id, leaderID, now) })
}

func (s *InMemoryStore) SetClubTotalLikes(ctx context.Context, id string, total int64) error {
	return lockedErr(s, func(t memTx) error { return t.SetClubTotalLikes(ctx, id, total) })
}

func (s *InMemoryStore) DeleteClub(ctx context.Context, id string) error {
	return lockedErr(s, func(t memTx) error { return t.DeleteClub(ctx, id) })
}

func (s *InMemoryStore) ListClubIDs(ctx context.Context) ([]string, error) {
	return locked(s, func(t memTx) ([]string, error) { return t.ListClubIDs(ctx) })
}

func (s *InMemoryStore) TopClubsByLikes(ctx context.Context, limit int) ([]Club, error) {
	return locked(s, func(t memTx) ([]Club, error) { return t.TopClubsByLikes(ctx, limit) })
}

func (s *InMemoryStore) GetMember(ctx context.Context, clubID, userID string) (Membership, error) {
	return locked(s, func(t memTx) (Membership, error) { return t.GetMember(ctx, clubID, userID) })
}

func (s *InMemoryStore) AddMember(ctx context.Context, m Membership) error {
	return lockedErr(s, func(t memTx) error { return t.AddMember(ctx, m) })
}

func (s *InMemoryStore) UpdateMemberRole(ctx context.Context, clubID, userID string, role Role, now time.Time) error {
	return lockedErr(s, func(t memTx) error { return t.UpdateMemberRole(ctx, clubID, userID, role, now) })
}

func (s *InMemoryStore) RemoveMember(ctx context.Context, clubID, userID string) error {
	return lockedErr(s, func(t memTx) error { return t.RemoveMember(ctx, clubID, userID) })
}

func (s *InMemoryStore) ListMembers(ctx context.Context, clubID string) ([]Membership, error) {
	return locked(s, func(t memTx) ([]Membership, error) { return t.ListMembers(ctx, clubID) })
}

func (s *InMemoryStore) ListMembershipsByUser(ctx context.Context, userID string) ([]Membership, error) {
	return locked(s, func(t memTx) ([]Membership, error) { return t.ListMembershipsByUser(ctx, userID) })
}

func (s *InMemoryStore) DeleteMembersByClub(ctx context.Context, clubID string) error {
	return lockedErr(s, func(t memTx) error { return t.DeleteMembersByClub(ctx, clubID) })
}

func (s *InMemoryStore) CarLikesByUsers(ctx context.Context, userIDs []string) (map[string]int64, error) {
	return locked(s, func(t memTx) (map[string]int64, error) { return t.CarLikesByUsers(ctx, userIDs) })
}

func (s *InMemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	return locked(s, func(t memTx) (User, error) { return t.GetUser(ctx, id) })
}

func (s *InMemoryStore) UpsertUser(ctx context.Context, u User) error {
	return lockedErr(s, func(t memTx) error { return t.UpsertUser(ctx, u) })
}

func (s *InMemoryStore) CreateMessage(ctx context.Context, m Message) error {
	return lockedErr(s, func(t memTx) error { return t.CreateMessage(ctx, m) })
}

func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	return locked(s, func(t memTx) (Message, error) { return t.GetMessage(ctx, id) })
}

func (s *InMemoryStore) DeleteMessage(ctx context.Context, id string) error {
	return lockedErr(s, func(t memTx) error { return t.DeleteMessage(ctx, id) })
}

func (s *InMemoryStore) ListInbox(ctx context.Context, receiverID string, limit int) ([]Message, error) {
	return locked(s, func(t memTx) ([]Message, error) { return t.ListInbox(ctx, receiverID, limit) })
}

func (s *InMemoryStore) DeleteMessagesByClub(ctx context.Context, clubID string) error {
	return lockedErr(s, func(t memTx) error { return t.DeleteMessagesByClub(ctx, clubID) })
}

func (s *InMemoryStore) HasPendingInvitation(ctx context.Context, clubID, receiverID string) (bool, error) {
	return locked(s, func(t memTx) (bool, error) { return t.HasPendingInvitation(ctx, clubID, receiverID) })
}

// memTx operates on state the caller already holds the lock for.
type memTx struct {
	st *memState
}

func (t memTx) GetClub(ctx context.Context, id string) (Club, error) {
	if err := ctx.Err(); err != nil {
		return Club{}, err
	}
	c, ok := t.st.clubs[id]
	if !ok {
		return Club{}, ErrRowNotFound
	}
	return c, nil
}

func (t memTx) CreateClub(ctx context.Context, c Club) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.st.clubs[c.ID]; ok {
		return ErrRowConflict
	}
	t.st.clubs[c.ID] = c
	return nil
}

func (t memTx) UpdateClubDetails(ctx context.Context, id string, d Details, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := t.st.clubs[id]
	if !ok {
		return ErrRowNotFound
	}
	c.Name, c.Description, c.Location, c.Type, c.BannerURL = d.Name, d.Description, d.Location, d.Type, d.BannerURL
	c.UpdatedAt = now
	t.st.clubs[id] = c
	return nil
}

func (t memTx) BumpClubVersion(ctx context.Context, id string, expected int64, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c, ok := t.st.clubs[id]
	if !ok {
		return 0, ErrRowNotFound
	}
	if c.Version != expected {
		return 0, ErrVersion
	}
	c.Version++
	c.UpdatedAt = now
	t.st.clubs[id] = c
	return c.Version, nil
}

func (t memTx) SetClubLeader(ctx context.Context, id, leaderID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := t.st.clubs[id]
	if !ok {
		return ErrRowNotFound
	}
	c.LeaderID = leaderID
	c.UpdatedAt = now
	t.st.clubs[id] = c
	return nil
}

func (t memTx) SetClubTotalLikes(ctx context.Context, id string, total int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := t.st.clubs[id]
	if !ok {
		return ErrRowNotFound
	}
	c.TotalLikes = total
	t.st.clubs[id] = c
	return nil
}

func (t memTx) DeleteClub(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.st.clubs[id]; !ok {
		return ErrRowNotFound
	}
	delete(t.st.clubs, id)
	delete(t.st.members, id)
	for mid, m := range t.st.messages {
		if m.ClubID != nil && *m.ClubID == id {
			delete(t.st.messages, mid)
		}
	}
	return nil
}

func (t memTx) ListClubIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(t.st.clubs))
	for id := range t.st.clubs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (t memTx) TopClubsByLikes(ctx context.Context, limit int) ([]Club, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Club, 0, len(t.st.clubs))
	for _, c := range t.st.clubs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalLikes != out[j].TotalLikes {
			return out[i].TotalLikes > out[j].TotalLikes
		}
		return out[i].ID < out[j].ID
	})
	if limit <= 0 {
		limit = 10
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t memTx) GetMember(ctx context.Context, clubID, userID string) (Membership, error) {
	if err := ctx.Err(); err != nil {
		return Membership{}, err
	}
	m, ok := t.st.members[clubID][userID]
	if !ok {
		return Membership{}, ErrRowNotFound
	}
	return m, nil
}

func (t memTx) AddMember(ctx context.Context, m Membership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.st.clubs[m.ClubID]; !ok {
		return ErrRowNotFound
	}
	byUser := t.st.members[m.ClubID]
	if byUser == nil {
		byUser = make(map[string]Membership)
		t.st.members[m.ClubID] = byUser
	}
	if _, ok := byUser[m.UserID]; ok {
		return ErrRowConflict
	}
	if m.Role == RoleLeader && t.hasLeader(m.ClubID, "") {
		return ErrRowConflict
	}
	byUser[m.UserID] = m
	return nil
}

func (t memTx) UpdateMemberRole(ctx context.Context, clubID, userID string, role Role, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, ok := t.st.members[clubID][userID]
	if !ok {
		return ErrRowNotFound
	}
	if role == RoleLeader && t.hasLeader(clubID, userID) {
		return ErrRowConflict
	}
	m.Role = role
	m.UpdatedAt = now
	t.st.members[clubID][userID] = m
	return nil
}

// hasLeader mirrors the one-leader-per-club unique index.
func (t memTx) hasLeader(clubID, except string) bool {
	for u, m := range t.st.members[clubID] {
		if u != except && m.Role == RoleLeader {
			return true
		}
	}
	return false
}

func (t memTx) RemoveMember(ctx context.Context, clubID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.st.members[clubID][userID]; !ok {
		return ErrRowNotFound
	}
	delete(t.st.members[clubID], userID)
	return nil
}

func (t memTx) ListMembers(ctx context.Context, clubID string) ([]Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Membership, 0, len(t.st.members[clubID]))
	for _, m := range t.st.members[clubID] {
		out = append(out, m)
	}
	sortMemberships(out)
	return out, nil
}

func (t memTx) ListMembershipsByUser(ctx context.Context, userID string) ([]Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Membership
	for _, byUser := range t.st.members {
		if m, ok := byUser[userID]; ok {
			out = append(out, m)
		}
	}
	sortMemberships(out)
	return out, nil
}

func sortMemberships(ms []Membership) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].JoinedAt.Equal(ms[j].JoinedAt) {
			return ms[i].JoinedAt.Before(ms[j].JoinedAt)
		}
		if ms[i].ClubID != ms[j].ClubID {
			return ms[i].ClubID < ms[j].ClubID
		}
		return ms[i].UserID < ms[j].UserID
	})
}

func (t memTx) DeleteMembersByClub(ctx context.Context, clubID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delete(t.st.members, clubID)
	return nil
}

func (t memTx) CarLikesByUsers(ctx context.Context, userIDs []string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(userIDs))
	for _, u := range userIDs {
		want[u] = struct{}{}
	}
	out := make(map[string]int64)
	for _, c := range t.st.cars {
		if _, ok := want[c.OwnerID]; ok {
			out[c.OwnerID] += c.TotalLikes
		}
	}
	return out, nil
}

func (t memTx) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	u, ok := t.st.users[id]
	if !ok {
		return User{}, ErrRowNotFound
	}
	return u, nil
}

func (t memTx) UpsertUser(ctx context.Context, u User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.st.users[u.ID] = u
	return nil
}

func (t memTx) CreateMessage(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.st.messages[m.ID]; ok {
		return ErrRowConflict
	}
	if m.ClubID != nil {
		if _, ok := t.st.clubs[*m.ClubID]; !ok {
			return ErrRowNotFound
		}
	}
	t.st.messages[m.ID] = m
	return nil
}

func (t memTx) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	m, ok := t.st.messages[id]
	if !ok {
		return Message{}, ErrRowNotFound
	}
	return m, nil
}

func (t memTx) DeleteMessage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.st.messages[id]; !ok {
		return ErrRowNotFound
	}
	delete(t.st.messages, id)
	return nil
}

func (t memTx) ListInbox(ctx context.Context, receiverID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range t.st.messages {
		if m.ReceiverID == receiverID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit = InboxLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t memTx) DeleteMessagesByClub(ctx context.Context, clubID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, m := range t.st.messages {
		if m.ClubID != nil && *m.ClubID == clubID {
			delete(t.st.messages, id)
		}
	}
	return nil
}

func (t memTx) HasPendingInvitation(ctx context.Context, clubID, receiverID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, m := range t.st.messages {
		if m.ReceiverID != receiverID || m.Type != MessageInvitation {
			continue
		}
		if m.ClubID != nil {
			if *m.ClubID == clubID {
				return true, nil
			}
			continue
		}
		if strings.Contains(m.Body, clubID) {
			return true, nil
		}
	}
	return false, nil
}
