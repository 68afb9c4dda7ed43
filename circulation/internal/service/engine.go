package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/circulation/internal/repository"
)

// applyFunc mutates c into the target status or rejects the move.
type applyFunc func(c *model.Copy, actor string, p model.Policy, today time.Time) error

// transitions is the complete copy state machine. A (from, to) pair that is
// not listed here is an invalid transition.
var transitions = map[model.Status]map[model.Status]applyFunc{
	model.StatusAvailable: {
		model.StatusLoaned:      lend,
		model.StatusMaintenance: toMaintenance,
	},
	model.StatusReserved: {
		model.StatusLoaned: claimHold,
	},
	model.StatusLoaned: {
		model.StatusAvailable:   toAvailable,
		model.StatusMaintenance: toMaintenance,
	},
	model.StatusMaintenance: {
		model.StatusAvailable: toAvailable,
	},
}

// Allowed reports whether the state machine has an edge from -> to.
func Allowed(from, to model.Status) bool {
	_, ok := transitions[from][to]
	return ok
}

func lend(c *model.Copy, actor string, p model.Policy, today time.Time) error {
	if actor == "" {
		return errs.NewTransitionError(c.Status, model.StatusLoaned, "acting user required")
	}
	c.Hold(model.StatusLoaned, actor, today.Add(p.MaxLoanDuration))
	c.RenewalCount = 0
	return nil
}

// claimHold lets the holder of a reserved copy pick it up. Nobody else can.
func claimHold(c *model.Copy, actor string, p model.Policy, today time.Time) error {
	if actor == "" || !c.HeldBy(actor) {
		return errs.ErrForbidden
	}
	c.Hold(model.StatusLoaned, actor, today.Add(p.MaxLoanDuration))
	c.RenewalCount = 0
	return nil
}

func toMaintenance(c *model.Copy, _ string, _ model.Policy, _ time.Time) error {
	c.Release(model.StatusMaintenance)
	return nil
}

func toAvailable(c *model.Copy, _ string, _ model.Policy, _ time.Time) error {
	c.Release(model.StatusAvailable)
	return nil
}

// Transition moves a copy to target. Becoming AVAILABLE hands the copy to the
// oldest waiting reservation of its title within the same unit.
func (s *Service) Transition(ctx context.Context, copyUid string, target model.Status, actor string) (model.Copy, error) {
	bookUid, err := s.repo.CopyTitle(ctx, copyUid)
	if err != nil {
		return model.Copy{}, err
	}
	p, err := s.policy.Policy(ctx)
	if err != nil {
		return model.Copy{}, errors.Wrap(err, "policy")
	}
	today := s.today()

	var (
		res    model.Copy
		from   model.Status
		events []model.CopyEvent
	)
	err = s.repo.WithinTitle(ctx, bookUid, func(ctx context.Context, tx repository.Tx) error {
		c, err := tx.GetCopy(ctx, copyUid)
		if err != nil {
			return err
		}
		from = c.Status
		apply, ok := transitions[c.Status][target]
		if !ok {
			return errs.NewTransitionError(c.Status, target, "")
		}
		if err = apply(&c, actor, p, today); err != nil {
			return err
		}
		if err = tx.UpdateCopy(ctx, c); err != nil {
			return err
		}
		events = []model.CopyEvent{s.event(c, from, model.CauseTransition)}

		promoted, ok, err := s.promote(ctx, tx, c, p, today)
		if err != nil {
			return err
		}
		if ok {
			events = append(events, s.event(promoted, model.StatusAvailable, model.CausePromotion))
		}
		res = promoted
		return nil
	})
	transitionsTotal.WithLabelValues(string(from), string(target), resultLabel(err)).Inc()
	if err != nil {
		s.log.Debug("transition rejected",
			zap.String("copy_uid", copyUid), zap.String("target", string(target)), zap.Error(err))
		return model.Copy{}, err
	}
	s.publish(ctx, events)
	return res, nil
}

// Renew extends a loan by the loan duration, at most MaxRenewals times.
func (s *Service) Renew(ctx context.Context, copyUid string) (model.RenewResponse, error) {
	bookUid, err := s.repo.CopyTitle(ctx, copyUid)
	if err != nil {
		return model.RenewResponse{}, err
	}
	p, err := s.policy.Policy(ctx)
	if err != nil {
		return model.RenewResponse{}, errors.Wrap(err, "policy")
	}

	var res model.Copy
	err = s.repo.WithinTitle(ctx, bookUid, func(ctx context.Context, tx repository.Tx) error {
		c, err := tx.GetCopy(ctx, copyUid)
		if err != nil {
			return err
		}
		if c.Status != model.StatusLoaned {
			return errs.ErrNotLoaned
		}
		if c.RenewalCount >= p.MaxRenewals {
			return &errs.PolicyError{Err: errs.ErrRenewalLimitExceeded, Policy: "maxRenewals", Limit: p.MaxRenewals}
		}
		due := c.DueDate.Add(p.MaxLoanDuration)
		c.DueDate = &due
		c.RenewalCount++
		if err = tx.UpdateCopy(ctx, c); err != nil {
			return err
		}
		res = c
		return nil
	})
	if err != nil {
		return model.RenewResponse{}, err
	}
	s.publish(ctx, []model.CopyEvent{s.event(res, model.StatusLoaned, model.CauseRenewal)})
	return model.RenewResponse{
		CopyUid:      res.CopyUid,
		DueDate:      *res.DueDate,
		RenewalCount: res.RenewalCount,
	}, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, errs.ErrForbidden):
		return "forbidden"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
