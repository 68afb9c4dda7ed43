package service

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/circulation/internal/repository"
)

// Reserve queues the user for a title, or places a RESERVED hold on an
// AVAILABLE copy right away so no reservation ever waits next to a free copy.
//
// The per-user cap counts pending reservations plus RESERVED holds and is
// checked under the user lock, so concurrent requests on different titles
// cannot both slip under it.
func (s *Service) Reserve(ctx context.Context, req model.CreateReservationRequest) (model.ReserveResponse, error) {
	if req.UserName == "" {
		return model.ReserveResponse{}, errs.ErrUserName
	}
	p, err := s.policy.Policy(ctx)
	if err != nil {
		return model.ReserveResponse{}, errors.Wrap(err, "policy")
	}
	today := s.today()

	var (
		res    model.ReserveResponse
		events []model.CopyEvent
	)
	err = s.repo.WithinTitle(ctx, req.BookUid, func(ctx context.Context, tx repository.Tx) error {
		events = nil
		if err := tx.LockUser(ctx, req.UserName); err != nil {
			return err
		}
		claimed, err := tx.HasClaim(ctx, req.BookUid, req.UserName)
		if err != nil {
			return err
		}
		if claimed {
			return &errs.PolicyError{Err: errs.ErrAlreadyReserved, Policy: "maxClaimsPerTitle", Limit: 1}
		}
		count, err := tx.CountClaims(ctx, req.UserName)
		if err != nil {
			return err
		}
		if count >= p.MaxReservationsPerUser {
			return &errs.PolicyError{Err: errs.ErrLimitExceeded, Policy: "maxReservationsPerUser", Limit: p.MaxReservationsPerUser}
		}

		reservationUid := s.newUid()
		c, err := tx.FirstAvailableCopy(ctx, req.BookUid)
		switch {
		case err == nil:
			c.Hold(model.StatusReserved, req.UserName, today.Add(p.MaxReservationDuration))
			c.HoldReservationUid = &reservationUid
			if err = tx.UpdateCopy(ctx, c); err != nil {
				return err
			}
			events = []model.CopyEvent{s.event(c, model.StatusAvailable, model.CausePromotion)}
			res = model.ReserveResponse{
				ReservationUid: reservationUid,
				Status:         model.ReserveReserved,
				CopyUid:        c.CopyUid,
				TillDate:       c.DueDate,
			}
			return nil
		case !errors.Is(err, errs.ErrNotFound):
			return err
		}

		r, err := tx.CreateReservation(ctx, model.Reservation{
			ReservationUid: reservationUid,
			BookUid:        req.BookUid,
			Username:       req.UserName,
			RequestedAt:    s.now().UTC().Truncate(timePrecision),
		})
		if err != nil {
			return err
		}
		res = model.ReserveResponse{ReservationUid: r.ReservationUid, Status: model.ReservePending}
		return nil
	})
	if err != nil {
		return model.ReserveResponse{}, err
	}
	reservationsTotal.WithLabelValues(string(res.Status)).Inc()
	s.publish(ctx, events)
	return res, nil
}

// CancelReservation withdraws a pending reservation, or gives up the RESERVED
// hold it matured into; the freed copy then serves the next waiter.
func (s *Service) CancelReservation(ctx context.Context, reservationUid, requester string) error {
	bookUid, err := s.repo.ReservationTitle(ctx, reservationUid)
	if err != nil {
		return err
	}
	p, err := s.policy.Policy(ctx)
	if err != nil {
		return errors.Wrap(err, "policy")
	}
	today := s.today()

	var events []model.CopyEvent
	err = s.repo.WithinTitle(ctx, bookUid, func(ctx context.Context, tx repository.Tx) error {
		events = nil
		r, err := tx.GetReservation(ctx, reservationUid)
		switch {
		case err == nil:
			if r.Username != requester {
				return errs.ErrForbidden
			}
			return tx.DeleteReservation(ctx, reservationUid)
		case !errors.Is(err, errs.ErrNotFound):
			return err
		}

		c, err := tx.CopyByHold(ctx, bookUid, reservationUid)
		if err != nil {
			return err
		}
		if !c.HeldBy(requester) {
			return errs.ErrForbidden
		}
		c.Release(model.StatusAvailable)
		if err = tx.UpdateCopy(ctx, c); err != nil {
			return err
		}
		events = []model.CopyEvent{s.event(c, model.StatusReserved, model.CauseCancel)}

		promoted, ok, err := s.promote(ctx, tx, c, p, today)
		if err != nil {
			return err
		}
		if ok {
			events = append(events, s.event(promoted, model.StatusAvailable, model.CausePromotion))
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events)
	return nil
}
