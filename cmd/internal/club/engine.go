package club

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Observer records per-operation outcomes. observability.Metrics implements it.
type Observer interface {
	ObserveOp(op string, err error, took time.Duration)
	ObserveLikes(err error)
}

type nopObserver struct{}

func (nopObserver) ObserveOp(string, error, time.Duration) {}
func (nopObserver) ObserveLikes(error)                      {}

// Engine runs the governance state machine on top of a Store.
type Engine struct {
	store    Store
	log      *slog.Logger
	notifier Notifier
	observer Observer
	now      func() time.Time
}

// Option configures the Engine.
type Option func(*Engine) error

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) error {
		if log != nil {
			e.log = log
		}
		return nil
	}
}

// WithNotifier sets where invalidation hints are published after commit.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) error {
		if n != nil {
			e.notifier = n
		}
		return nil
	}
}

// WithObserver sets the metrics sink.
func WithObserver(o Observer) Option {
	return func(e *Engine) error {
		if o != nil {
			e.observer = o
		}
		return nil
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return ErrInvalidInput
		}
		e.now = now
		return nil
	}
}

// NewEngine constructs an Engine.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	e := &Engine{
		store:    store,
		log:      slog.Default(),
		notifier: nopNotifier{},
		observer: nopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Store exposes the underlying store to collaborators that share its transactions (the inbox).
func (e *Engine) Store() Store { return e.store }

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// Result describes a successful governance operation.
type Result struct {
	Op      string
	ClubID  string
	Action  Action
	Deleted bool
	Message string
	Hints   Hints

	// TotalLikes is the recomputed aggregate; LikesErr reports a failed recompute
	// that did not undo the membership change.
	TotalLikes int64
	LikesErr   error
}

// Publish sends hints to the notifier. Failures are logged and dropped.
func (e *Engine) Publish(ctx context.Context, h Hints) {
	if h.Empty() {
		return
	}
	if err := e.notifier.Invalidate(ctx, h); err != nil {
		e.log.Warn("club.invalidate.fail", "op", h.Op, "club_id", h.ClubID, "keys", h.Keys, "err", err)
	}
}

// observe closes out an operation: metrics plus one log line for rejections and failures.
func (e *Engine) observe(op string, start time.Time, err error, attrs ...any) {
	e.observer.ObserveOp(op, err, e.now().Sub(start))
	if err == nil {
		e.log.Info(op, attrs...)
		return
	}
	attrs = append(attrs, "code", CodeOf(err), "err", err)
	switch CategoryOf(err) {
	case CategoryStore, CategoryNone:
		e.log.Error(op+".fail", attrs...)
	default:
		e.log.Info(op+".reject", attrs...)
	}
}

// normalize turns whatever escaped a transaction into an OpError.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	if errors.Is(err, ErrVersion) {
		return &OpError{Op: op, Kind: ErrStaleState, Err: err}
	}
	return StoreFail(op, err)
}

func cleanIDs(ids ...*string) bool {
	ok := true
	for _, p := range ids {
		*p = strings.TrimSpace(*p)
		if *p == "" {
			ok = false
		}
	}
	return ok
}

// begin validates the common preconditions of every actor-driven operation.
func (e *Engine) begin(ctx context.Context, op string, actorID *string, ids ...*string) error {
	if e == nil || e.store == nil {
		return Fail(op, ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cleanIDs(actorID) {
		return Fail(op, ErrNotAuthenticated)
	}
	if !cleanIDs(ids...) {
		return Fail(op, ErrInvalidInput)
	}
	return nil
}

func loadClub(ctx context.Context, tx Tx, op, clubID string) (Club, error) {
	c, err := tx.GetClub(ctx, clubID)
	if errors.Is(err, ErrRowNotFound) {
		return Club{}, Fail(op, ErrClubNotFound)
	}
	if err != nil {
		return Club{}, StoreFail(op, err)
	}
	return c, nil
}

// loadMember returns the membership or fails with missing when there is none.
func loadMember(ctx context.Context, tx Tx, op, clubID, userID string, missing error) (Membership, error) {
	m, err := tx.GetMember(ctx, clubID, userID)
	if errors.Is(err, ErrRowNotFound) {
		return Membership{}, Fail(op, missing)
	}
	if err != nil {
		return Membership{}, StoreFail(op, err)
	}
	return m, nil
}

// requireLeader checks both the membership role and clubs.leader_id.
func requireLeader(ctx context.Context, tx Tx, op string, c Club, actorID string) (Membership, error) {
	m, err := loadMember(ctx, tx, op, c.ID, actorID, ErrNotMember)
	if err != nil {
		return Membership{}, err
	}
	if m.Role != RoleLeader || c.LeaderID != actorID {
		return Membership{}, Fail(op, ErrNotAuthorized)
	}
	return m, nil
}

// claim bumps the club version read in this transaction. Losing the race means ErrStaleState.
func claim(ctx context.Context, tx Tx, op string, c Club, now time.Time) error {
	_, err := tx.BumpClubVersion(ctx, c.ID, c.Version, now)
	if errors.Is(err, ErrVersion) || errors.Is(err, ErrRowNotFound) {
		return &OpError{Op: op, Kind: ErrStaleState, Err: err}
	}
	if err != nil {
		return StoreFail(op, err)
	}
	return nil
}

// settle runs the post-commit side effects of a membership change.
func (e *Engine) settle(ctx context.Context, res *Result, userIDs ...string) {
	if !res.Deleted {
		total, err := e.RecomputeLikes(ctx, res.ClubID)
		res.TotalLikes = total
		res.LikesErr = err
	}
	res.Hints = MembershipHints(res.Op, res.ClubID, userIDs...)
	e.Publish(ctx, res.Hints)
}
