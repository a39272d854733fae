package club

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultSchema = "clubhouse"

// PostgresStore is the production Store.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pgQueries

	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "clubhouse").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("club: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("club: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: defaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("club: nil pool")
	}
	st.pgQueries = pgQueries{q: pool, t: newTables(st.schema)}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// WithTx runs fn in a READ COMMITTED transaction. Role changes rely on the version
// compare-and-swap rather than a stricter isolation level.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if s == nil || s.pool == nil {
		return errors.New("club: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(pgQueries{q: tx, t: s.t}); err != nil {
		return err
	}
	return mapPGErr(tx.Commit(ctx))
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type tables struct {
	clubs    string
	members  string
	users    string
	cars     string
	messages string
}

func newTables(schema string) tables {
	return tables{
		clubs:    pgIdent(schema, "clubs"),
		members:  pgIdent(schema, "club_members"),
		users:    pgIdent(schema, "users"),
		cars:     pgIdent(schema, "cars"),
		messages: pgIdent(schema, "messages"),
	}
}

// pgQueries implements Tx over either the pool or an open transaction.
type pgQueries struct {
	q querier
	t tables
}

const clubColumns = `id, name, description, location, club_type, banner_url, leader_id, total_likes, version, created_at, updated_at`

func scanClub(row pgx.Row) (Club, error) {
	var (
		c   Club
		typ string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Location, &typ, &c.BannerURL,
		&c.LeaderID, &c.TotalLikes, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	c.Type = Type(typ)
	return c, err
}

func (p pgQueries) GetClub(ctx context.Context, id string) (Club, error) {
	c, err := scanClub(p.q.QueryRow(ctx, `SELECT `+clubColumns+` FROM `+p.t.clubs+` WHERE id = $1`, id))
	if err != nil {
		return Club{}, mapPGErr(err)
	}
	return c, nil
}

func (p pgQueries) CreateClub(ctx context.Context, c Club) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO `+p.t.clubs+` (`+clubColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.Name, c.Description, c.Location, string(c.Type), c.BannerURL,
		c.LeaderID, c.TotalLikes, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	return mapPGErr(err)
}

func (p pgQueries) UpdateClubDetails(ctx context.Context, id string, d Details, now time.Time) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE `+p.t.clubs+`
		    SET name = $2, description = $3, location = $4, club_type = $5, banner_url = $6, updated_at = $7
		  WHERE id = $1`,
		id, d.Name, d.Description, d.Location, string(d.Type), d.BannerURL, now,
	)
	return expectOne(tag, err)
}

func (p pgQueries) BumpClubVersion(ctx context.Context, id string, expected int64, now time.Time) (int64, error) {
	var v int64
	err := p.q.QueryRow(ctx,
		`UPDATE `+p.t.clubs+`
		    SET version = version + 1, updated_at = $3
		  WHERE id = $1 AND version = $2
		RETURNING version`,
		id, expected, now,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the club is gone or someone else bumped it first; both mean our read is stale.
		return 0, ErrVersion
	}
	if err != nil {
		return 0, mapPGErr(err)
	}
	return v, nil
}

func (p pgQueries) SetClubLeader(ctx context.Context, id, leaderID string, now time.Time) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE `+p.t.clubs+` SET leader_id = $2, updated_at = $3 WHERE id = $1`,
		id, leaderID, now,
	)
	return expectOne(tag, err)
}

func (p pgQueries) SetClubTotalLikes(ctx context.Context, id string, total int64) error {
	tag, err := p.q.Exec(ctx, `UPDATE `+p.t.clubs+` SET total_likes = $2 WHERE id = $1`, id, total)
	return expectOne(tag, err)
}

func (p pgQueries) DeleteClub(ctx context.Context, id string) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM `+p.t.clubs+` WHERE id = $1`, id)
	return expectOne(tag, err)
}

func (p pgQueries) ListClubIDs(ctx context.Context) ([]string, error) {
	rows, err := p.q.Query(ctx, `SELECT id FROM `+p.t.clubs+` ORDER BY id`)
	if err != nil {
		return nil, mapPGErr(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, mapPGErr(err)
}

func (p pgQueries) TopClubsByLikes(ctx context.Context, limit int) ([]Club, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.q.Query(ctx,
		`SELECT `+clubColumns+` FROM `+p.t.clubs+` ORDER BY total_likes DESC, id ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, mapPGErr(err)
	}
	defer rows.Close()

	out := make([]Club, 0, limit)
	for rows.Next() {
		c, err := scanClub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapPGErr(rows.Err())
}

const memberColumns = `club_id, user_id, role, joined_at, updated_at`

func scanMember(row pgx.Row) (Membership, error) {
	var (
		m    Membership
		role string
	)
	err := row.Scan(&m.ClubID, &m.UserID, &role, &m.JoinedAt, &m.UpdatedAt)
	m.Role = Role(role)
	return m, err
}

func (p pgQueries) GetMember(ctx context.Context, clubID, userID string) (Membership, error) {
	m, err := scanMember(p.q.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM `+p.t.members+` WHERE club_id = $1 AND user_id = $2`,
		clubID, userID,
	))
	if err != nil {
		return Membership{}, mapPGErr(err)
	}
	return m, nil
}

func (p pgQueries) AddMember(ctx context.Context, m Membership) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO `+p.t.members+` (`+memberColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		m.ClubID, m.UserID, string(m.Role), m.JoinedAt, m.UpdatedAt,
	)
	return mapPGErr(err)
}

func (p pgQueries) UpdateMemberRole(ctx context.Context, clubID, userID string, role Role, now time.Time) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE `+p.t.members+` SET role = $3, updated_at = $4 WHERE club_id = $1 AND user_id = $2`,
		clubID, userID, string(role), now,
	)
	return expectOne(tag, err)
}

func (p pgQueries) RemoveMember(ctx context.Context, clubID, userID string) error {
	tag, err := p.q.Exec(ctx,
		`DELETE FROM `+p.t.members+` WHERE club_id = $1 AND user_id = $2`,
		clubID, userID,
	)
	return expectOne(tag, err)
}

func (p pgQueries) listMembers(ctx context.Context, where string, arg string) ([]Membership, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+memberColumns+` FROM `+p.t.members+` WHERE `+where+` = $1 ORDER BY joined_at ASC, club_id ASC, user_id ASC`,
		arg,
	)
	if err != nil {
		return nil, mapPGErr(err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, mapPGErr(rows.Err())
}

func (p pgQueries) ListMembers(ctx context.Context, clubID string) ([]Membership, error) {
	return p.listMembers(ctx, "club_id", clubID)
}

func (p pgQueries) ListMembershipsByUser(ctx context.Context, userID string) ([]Membership, error) {
	return p.listMembers(ctx, "user_id", userID)
}

func (p pgQueries) DeleteMembersByClub(ctx context.Context, clubID string) error {
	_, err := p.q.Exec(ctx, `DELETE FROM `+p.t.members+` WHERE club_id = $1`, clubID)
	return mapPGErr(err)
}

func (p pgQueries) CarLikesByUsers(ctx context.Context, userIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := p.q.Query(ctx,
		`SELECT owner_id, COALESCE(SUM(total_likes), 0)::bigint
		   FROM `+p.t.cars+`
		  WHERE owner_id = ANY($1)
		  GROUP BY owner_id`,
		userIDs,
	)
	if err != nil {
		return nil, mapPGErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			owner string
			sum   int64
		)
		if err := rows.Scan(&owner, &sum); err != nil {
			return nil, err
		}
		out[owner] = sum
	}
	return out, mapPGErr(rows.Err())
}

func (p pgQueries) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := p.q.QueryRow(ctx, `SELECT id, username FROM `+p.t.users+` WHERE id = $1`, id).Scan(&u.ID, &u.Username)
	if err != nil {
		return User{}, mapPGErr(err)
	}
	return u, nil
}

func (p pgQueries) UpsertUser(ctx context.Context, u User) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO `+p.t.users+` (id, username) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username`,
		u.ID, u.Username,
	)
	return mapPGErr(err)
}

const messageColumns = `id, sender_id, receiver_id, subject, body, message_type, club_id, metadata, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m    Message
		typ  string
		meta []byte
	)
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Subject, &m.Body, &typ, &m.ClubID, &meta, &m.CreatedAt)
	m.Type = MessageType(typ)
	if len(meta) > 0 {
		m.Metadata = meta
	}
	return m, err
}

func (p pgQueries) CreateMessage(ctx context.Context, m Message) error {
	var meta any
	if len(m.Metadata) > 0 {
		meta = string(m.Metadata)
	}
	_, err := p.q.Exec(ctx,
		`INSERT INTO `+p.t.messages+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.SenderID, m.ReceiverID, m.Subject, m.Body, string(m.Type), m.ClubID, meta, m.CreatedAt,
	)
	return mapPGErr(err)
}

func (p pgQueries) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(p.q.QueryRow(ctx, `SELECT `+messageColumns+` FROM `+p.t.messages+` WHERE id = $1`, id))
	if err != nil {
		return Message{}, mapPGErr(err)
	}
	return m, nil
}

func (p pgQueries) DeleteMessage(ctx context.Context, id string) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM `+p.t.messages+` WHERE id = $1`, id)
	return expectOne(tag, err)
}

func (p pgQueries) ListInbox(ctx context.Context, receiverID string, limit int) ([]Message, error) {
	limit = InboxLimit(limit)
	rows, err := p.q.Query(ctx,
		`SELECT `+messageColumns+` FROM `+p.t.messages+`
		  WHERE receiver_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		receiverID, limit,
	)
	if err != nil {
		return nil, mapPGErr(err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, mapPGErr(rows.Err())
}

func (p pgQueries) DeleteMessagesByClub(ctx context.Context, clubID string) error {
	_, err := p.q.Exec(ctx, `DELETE FROM `+p.t.messages+` WHERE club_id = $1`, clubID)
	return mapPGErr(err)
}

func (p pgQueries) HasPendingInvitation(ctx context.Context, clubID, receiverID string) (bool, error) {
	var exists bool
	err := p.q.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM `+p.t.messages+`
		      WHERE receiver_id = $1
		        AND message_type = 'club_invitation'
		        AND (club_id = $2 OR (club_id IS NULL AND strpos(body, $2) > 0))
		 )`,
		receiverID, clubID,
	).Scan(&exists)
	return exists, mapPGErr(err)
}

func expectOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapPGErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRowNotFound
	}
	return nil
}

// mapPGErr translates driver errors into the row level sentinels.
func mapPGErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRowNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", ErrRowConflict, pgErr.ConstraintName)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrRowNotFound, pgErr.ConstraintName)
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return fmt.Errorf("%w: %s", ErrVersion, pgErr.Code)
		}
	}
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
