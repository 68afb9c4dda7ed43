package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/circulation/internal/repository"
)

// Sweep releases every RESERVED hold whose deadline passed before today and
// promotes the freed copy. A hold that fails is logged and skipped, the next
// run picks it up again. Running twice on the same day changes nothing.
func (s *Service) Sweep(ctx context.Context) (model.SweepReport, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	p, err := s.policy.Policy(ctx)
	if err != nil {
		return model.SweepReport{}, errors.Wrap(err, "policy")
	}
	today := s.today()
	holds, err := s.repo.ListExpiredHolds(ctx, today)
	if err != nil {
		return model.SweepReport{}, errors.Wrap(err, "list expired holds")
	}

	var released, promoted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepWorkers)
	for _, h := range holds {
		h := h
		g.Go(func() error {
			ok, next, err := s.expireHold(gctx, h, p, today)
			switch {
			case err != nil:
				failed.Add(1)
				sweepHoldsTotal.WithLabelValues("failed").Inc()
				s.log.Error("expire hold", zap.String("copy_uid", h.CopyUid), zap.Error(err))
			case ok:
				released.Add(1)
				sweepHoldsTotal.WithLabelValues("released").Inc()
				if next {
					promoted.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	report := model.SweepReport{
		Scanned:  len(holds),
		Released: int(released.Load()),
		Promoted: int(promoted.Load()),
		Failed:   int(failed.Load()),
	}
	s.log.Info("sweep done",
		zap.Int("scanned", report.Scanned),
		zap.Int("released", report.Released),
		zap.Int("promoted", report.Promoted),
		zap.Int("failed", report.Failed))
	return report, ctx.Err()
}

// expireHold re-checks the hold under the title lock, since it may have been
// claimed or cancelled after the scan.
func (s *Service) expireHold(ctx context.Context, hold model.Copy, p model.Policy, today time.Time) (released, promoted bool, err error) {
	var events []model.CopyEvent
	err = s.repo.WithinTitle(ctx, hold.BookUid, func(ctx context.Context, tx repository.Tx) error {
		released, promoted, events = false, false, nil
		c, err := tx.GetCopy(ctx, hold.CopyUid)
		if err != nil {
			return err
		}
		if c.Status != model.StatusReserved || c.DueDate == nil || !c.DueDate.Before(today) {
			return nil
		}
		c.Release(model.StatusAvailable)
		if err = tx.UpdateCopy(ctx, c); err != nil {
			return err
		}
		released = true
		events = []model.CopyEvent{s.event(c, model.StatusReserved, model.CauseExpiry)}

		next, ok, err := s.promote(ctx, tx, c, p, today)
		if err != nil {
			return err
		}
		if ok {
			promoted = true
			events = append(events, s.event(next, model.StatusAvailable, model.CausePromotion))
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}
	s.publish(ctx, events)
	return released, promoted, nil
}

// Sweeper runs Sweep once a day at a fixed UTC wall-clock time.
type Sweeper struct {
	svc *Service
	at  time.Duration
	log *zap.Logger
	now func() time.Time
}

// NewSweeper parses at as "15:04" UTC.
func NewSweeper(svc *Service, at string, log *zap.Logger) (*Sweeper, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return nil, errors.Wrapf(err, "sweeper time %q", at)
	}
	return &Sweeper{
		svc: svc,
		at:  time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute,
		log: log.Named("sweeper"),
		now: svc.now,
	}, nil
}

// Run blocks until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) error {
	for {
		now := sw.now()
		wait := nextRun(now, sw.at).Sub(now)
		sw.log.Info("next sweep scheduled", zap.Duration("in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := sw.svc.Sweep(ctx); err != nil && ctx.Err() == nil {
			sw.log.Error("sweep", zap.Error(err))
		}
	}
}

// nextRun is the first instant strictly after now that falls on offset past UTC midnight.
func nextRun(now time.Time, offset time.Duration) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	next := day.Add(offset)
	if !next.After(now) {
		next = day.AddDate(0, 0, 1).Add(offset)
	}
	return next
}
