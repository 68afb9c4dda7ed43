package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/circulation/internal/policy"
	"github.com/Astemirdum/library-circulation/circulation/internal/repository"
)

// timePrecision is the finest request time both stores keep.
const timePrecision = time.Microsecond

// Service is the copy lifecycle engine. Every mutation runs inside one
// repository title unit and publishes its events only after commit.
type Service struct {
	log          *zap.Logger
	repo         repository.Repository
	policy       policy.Store
	publisher    Publisher
	now          func() time.Time
	newUid       func() string
	sweepWorkers int
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithSweepWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepWorkers = n
		}
	}
}

func NewService(repo repository.Repository, policyStore policy.Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		log:          log.Named("engine"),
		repo:         repo,
		policy:       policyStore,
		publisher:    nopPublisher{},
		now:          time.Now,
		newUid:       func() string { return uuid.NewString() },
		sweepWorkers: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// today is the current UTC calendar day, the unit deadlines are kept in.
func (s *Service) today() time.Time {
	t := s.now().UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Service) GetCopy(ctx context.Context, copyUid string) (model.Copy, error) {
	return s.repo.GetCopy(ctx, copyUid)
}

func (s *Service) ListCopies(ctx context.Context, bookUid string) (model.ListCopies, error) {
	items, err := s.repo.ListCopies(ctx, bookUid)
	if err != nil {
		return model.ListCopies{}, err
	}
	return model.ListCopies{Items: items}, nil
}

func (s *Service) UserReservations(ctx context.Context, username string) (model.UserReservations, error) {
	return s.repo.UserReservations(ctx, username)
}

// AddCopy shelves a new copy of a title. A waiting reservation claims it at once.
func (s *Service) AddCopy(ctx context.Context, req model.AddCopyRequest) (model.Copy, error) {
	p, err := s.policy.Policy(ctx)
	if err != nil {
		return model.Copy{}, errors.Wrap(err, "policy")
	}
	today := s.today()

	var (
		res    model.Copy
		events []model.CopyEvent
	)
	err = s.repo.WithinTitle(ctx, req.BookUid, func(ctx context.Context, tx repository.Tx) error {
		c, err := tx.InsertCopy(ctx, model.Copy{
			CopyUid: s.newUid(),
			BookUid: req.BookUid,
			Edition: req.Edition,
			Status:  model.StatusAvailable,
		})
		if err != nil {
			return err
		}
		events = []model.CopyEvent{s.event(c, "", model.CauseAdded)}

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
	if err != nil {
		return model.Copy{}, err
	}
	s.publish(ctx, events)
	return res, nil
}

func (s *Service) event(c model.Copy, from model.Status, cause model.EventCause) model.CopyEvent {
	e := model.CopyEvent{
		CopyUid:    c.CopyUid,
		BookUid:    c.BookUid,
		From:       from,
		To:         c.Status,
		DueDate:    c.DueDate,
		Cause:      cause,
		OccurredAt: s.now().UTC(),
	}
	if c.Holder != nil {
		e.Holder = *c.Holder
	}
	return e
}

func (s *Service) publish(ctx context.Context, events []model.CopyEvent) {
	if len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.log.Warn("publish copy events", zap.Error(err), zap.Int("count", len(events)))
	}
}
