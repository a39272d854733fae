package club

import (
	"context"
	"errors"
	"strings"
)

// RecomputeLikes rewrites a club's total_likes as the sum of its members' car likes.
// It is a full recompute, so running it twice yields the same value.
func (e *Engine) RecomputeLikes(ctx context.Context, clubID string) (total int64, err error) {
	const op = "club.likes.recompute"
	defer func() {
		e.observer.ObserveLikes(err)
		if err != nil {
			e.log.Warn(op+".fail", "club_id", clubID, "err", err)
		}
	}()

	clubID = strings.TrimSpace(clubID)
	if clubID == "" {
		return 0, Fail(op, ErrInvalidInput)
	}

	members, err := e.store.ListMembers(ctx, clubID)
	if err != nil {
		return 0, StoreFail(op, err)
	}

	if len(members) > 0 {
		userIDs := make([]string, 0, len(members))
		for _, m := range members {
			userIDs = append(userIDs, m.UserID)
		}
		likes, err := e.store.CarLikesByUsers(ctx, userIDs)
		if err != nil {
			return 0, StoreFail(op, err)
		}
		for _, u := range userIDs {
			total += likes[u]
		}
	}

	err = e.store.SetClubTotalLikes(ctx, clubID, total)
	if errors.Is(err, ErrRowNotFound) {
		return 0, Fail(op, ErrClubNotFound)
	}
	if err != nil {
		return 0, StoreFail(op, err)
	}
	return total, nil
}

// RecomputeAllLikes repairs every club's aggregate. It keeps going past failures and
// returns how many clubs were updated together with the joined errors.
func (e *Engine) RecomputeAllLikes(ctx context.Context) (int, error) {
	const op = "club.likes.recompute_all"

	clubIDs, err := e.store.ListClubIDs(ctx)
	if err != nil {
		return 0, StoreFail(op, err)
	}

	var (
		done int
		errs []error
	)
	for _, id := range clubIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := e.RecomputeLikes(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	e.log.Info(op, "clubs", len(clubIDs), "updated", done, "failed", len(errs))
	if done > 0 {
		e.Publish(ctx, Hints{Op: op, Keys: []string{KeyClubs, KeyLeaderboards}})
	}
	return done, errors.Join(errs...)
}
