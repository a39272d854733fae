package club

import (
	"context"
	"errors"
	"fmt"
)

// Category groups errors the way callers react to them.
type Category string

const (
	CategoryNone          Category = ""
	CategoryAuthorization Category = "authorization"
	CategoryPrecondition  Category = "precondition"
	CategoryStore         Category = "store"
)

// Authorization failures.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotMember        = errors.New("not a member of this club")
	ErrNotAuthorized    = errors.New("not authorized for this action")
	ErrSelfManagement   = errors.New("cannot manage yourself")
)

// Precondition failures.
var (
	ErrClubNotFound       = errors.New("club not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrTargetNotMember    = errors.New("target is not a member of this club")
	ErrAlreadyHasRole     = errors.New("target already has this role")
	ErrTargetIsLeader     = errors.New("target is the club leader")
	ErrTargetNotCoLeader  = errors.New("leadership can only go to a co-leader")
	ErrClubNotOpen        = errors.New("club is not open")
	ErrClubIsOpen         = errors.New("club is open, join directly")
	ErrAlreadyMember      = errors.New("already a member of this club")
	ErrAlreadyInvited     = errors.New("user already has a pending invitation")
	ErrLeaderMustTransfer = errors.New("leader must transfer leadership before leaving")
	ErrInvalidInput       = errors.New("invalid input")
	ErrStaleState         = errors.New("club changed concurrently, retry")
)

// ErrStore wraps every persistence failure the Engine lets through.
var ErrStore = errors.New("store failure")

// Row level errors returned by Store implementations.
var (
	ErrRowNotFound = errors.New("row not found")
	ErrRowConflict = errors.New("row conflict")
	ErrVersion     = errors.New("version mismatch")
)

var categories = map[error]Category{
	ErrNotAuthenticated:   CategoryAuthorization,
	ErrNotMember:          CategoryAuthorization,
	ErrNotAuthorized:      CategoryAuthorization,
	ErrSelfManagement:     CategoryAuthorization,
	ErrClubNotFound:       CategoryPrecondition,
	ErrUserNotFound:       CategoryPrecondition,
	ErrMessageNotFound:    CategoryPrecondition,
	ErrTargetNotMember:    CategoryPrecondition,
	ErrAlreadyHasRole:     CategoryPrecondition,
	ErrTargetIsLeader:     CategoryPrecondition,
	ErrTargetNotCoLeader:  CategoryPrecondition,
	ErrClubNotOpen:        CategoryPrecondition,
	ErrClubIsOpen:         CategoryPrecondition,
	ErrAlreadyMember:      CategoryPrecondition,
	ErrAlreadyInvited:     CategoryPrecondition,
	ErrLeaderMustTransfer: CategoryPrecondition,
	ErrInvalidInput:       CategoryPrecondition,
	ErrStaleState:         CategoryPrecondition,
	ErrStore:              CategoryStore,
}

var codes = map[error]string{
	ErrNotAuthenticated:   "not_authenticated",
	ErrNotMember:          "not_a_member",
	ErrNotAuthorized:      "not_authorized",
	ErrSelfManagement:     "self_management",
	ErrClubNotFound:       "club_not_found",
	ErrUserNotFound:       "user_not_found",
	ErrMessageNotFound:    "message_not_found",
	ErrTargetNotMember:    "target_not_member",
	ErrAlreadyHasRole:     "already_has_role",
	ErrTargetIsLeader:     "target_is_leader",
	ErrTargetNotCoLeader:  "target_not_co_leader",
	ErrClubNotOpen:        "club_not_open",
	ErrClubIsOpen:         "club_is_open",
	ErrAlreadyMember:      "already_member",
	ErrAlreadyInvited:     "already_invited",
	ErrLeaderMustTransfer: "leader_must_transfer",
	ErrInvalidInput:       "invalid_input",
	ErrStaleState:         "stale_state",
	ErrStore:              "store_failure",
}

// OpError is the error every Engine and inbox operation returns.
// Kind is one of the sentinels above; Err carries the underlying cause for store failures.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fail builds an OpError without a cause.
func Fail(op string, kind error) error {
	return &OpError{Op: op, Kind: kind}
}

// StoreFail wraps a persistence error as ErrStore. Context errors pass through untouched.
func StoreFail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Kind: ErrStore, Err: err}
}

// CategoryOf classifies err. Unknown errors report CategoryNone.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}
	var oe *OpError
	if errors.As(err, &oe) {
		if c, ok := categories[oe.Kind]; ok {
			return c
		}
	}
	for kind, c := range categories {
		if errors.Is(err, kind) {
			return c
		}
	}
	return CategoryNone
}

// CategoryOfCode maps a machine code back to its category, for consumers that only see logs.
func CategoryOfCode(code string) Category {
	for kind, c := range codes {
		if c == code {
			return categories[kind]
		}
	}
	return CategoryNone
}

// CodeOf returns the stable machine code for err, or "internal" when it is not a known kind.
func CodeOf(err error) string {
	var oe *OpError
	if errors.As(err, &oe) {
		if c, ok := codes[oe.Kind]; ok {
			return c
		}
	}
	for kind, c := range codes {
		if errors.Is(err, kind) {
			return c
		}
	}
	return "internal"
}
