package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/circulation/internal/repository"
)

// promote hands an AVAILABLE copy to the oldest reservation of its title and
// deletes that reservation. At most one reservation is served per call.
// It reports false and leaves c untouched when c is not AVAILABLE or nobody waits.
func (s *Service) promote(ctx context.Context, tx repository.Tx, c model.Copy, p model.Policy, today time.Time) (model.Copy, bool, error) {
	if c.Status != model.StatusAvailable {
		return c, false, nil
	}
	r, err := tx.OldestReservation(ctx, c.BookUid)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return c, false, nil
		}
		return c, false, err
	}

	c.Hold(model.StatusReserved, r.Username, today.Add(p.MaxReservationDuration))
	reservationUid := r.ReservationUid
	c.HoldReservationUid = &reservationUid
	if err = tx.UpdateCopy(ctx, c); err != nil {
		return c, false, err
	}
	if err = tx.DeleteReservation(ctx, r.ReservationUid); err != nil {
		return c, false, err
	}
	promotionsTotal.Inc()
	return c, true, nil
}

// Promote serves the head of the title queue with the first AVAILABLE copy, if both exist.
func (s *Service) Promote(ctx context.Context, bookUid string) (model.Copy, bool, error) {
	p, err := s.policy.Policy(ctx)
	if err != nil {
		return model.Copy{}, false, errors.Wrap(err, "policy")
	}
	today := s.today()

	var (
		res      model.Copy
		promoted bool
	)
	err = s.repo.WithinTitle(ctx, bookUid, func(ctx context.Context, tx repository.Tx) error {
		c, err := tx.FirstAvailableCopy(ctx, bookUid)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				res, promoted = model.Copy{}, false
				return nil
			}
			return err
		}
		res, promoted, err = s.promote(ctx, tx, c, p, today)
		return err
	})
	if err != nil {
		return model.Copy{}, false, err
	}
	if promoted {
		s.publish(ctx, []model.CopyEvent{s.event(res, model.StatusAvailable, model.CausePromotion)})
	}
	return res, promoted, nil
}
