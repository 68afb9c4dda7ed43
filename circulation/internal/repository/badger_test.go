package repository

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

func newTestBadger(t *testing.T) *badgerRepo {
	t.Helper()
	repo, err := NewBadgerRepository("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func insertCopy(t *testing.T, repo *badgerRepo, c model.Copy) model.Copy {
	t.Helper()
	var res model.Copy
	err := repo.WithinTitle(context.Background(), c.BookUid, func(ctx context.Context, tx Tx) error {
		var err error
		res, err = tx.InsertCopy(ctx, c)
		return err
	})
	require.NoError(t, err)
	return res
}

func TestBadger_QueueOrder(t *testing.T) {
	t.Parallel()
	repo := newTestBadger(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	// same request time for b and c: insertion order breaks the tie
	reqs := []model.Reservation{
		{ReservationUid: "r-late", BookUid: "T", Username: "late", RequestedAt: base.Add(time.Hour)},
		{ReservationUid: "r-b", BookUid: "T", Username: "b", RequestedAt: base},
		{ReservationUid: "r-c", BookUid: "T", Username: "c", RequestedAt: base},
	}
	err := repo.WithinTitle(ctx, "T", func(ctx context.Context, tx Tx) error {
		for _, r := range reqs {
			if _, err := tx.CreateReservation(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var order []string
	for range reqs {
		err = repo.WithinTitle(ctx, "T", func(ctx context.Context, tx Tx) error {
			r, err := tx.OldestReservation(ctx, "T")
			if err != nil {
				return err
			}
			order = append(order, r.Username)
			return tx.DeleteReservation(ctx, r.ReservationUid)
		})
		require.NoError(t, err)
	}
	require.Equal(t, []string{"b", "c", "late"}, order)

	err = repo.WithinTitle(ctx, "T", func(ctx context.Context, tx Tx) error {
		_, err := tx.OldestReservation(ctx, "T")
		return err
	})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestBadger_DuplicateReservation(t *testing.T) {
	t.Parallel()
	repo := newTestBadger(t)
	ctx := context.Background()

	err := repo.WithinTitle(ctx, "T", func(ctx context.Context, tx Tx) error {
		if _, err := tx.CreateReservation(ctx, model.Reservation{ReservationUid: "r1", BookUid: "T", Username: "u", RequestedAt: time.Now()}); err != nil {
			return err
		}
		_, err := tx.CreateReservation(ctx, model.Reservation{ReservationUid: "r2", BookUid: "T", Username: "u", RequestedAt: time.Now()})
		return err
	})
	require.ErrorIs(t, err, errs.ErrAlreadyReserved)

	// the whole unit was discarded
	_, err = repo.ReservationTitle(ctx, "r1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestBadger_FailedUnitWritesNothing(t *testing.T) {
	t.Parallel()
	repo := newTestBadger(t)
	ctx := context.Background()
	c := insertCopy(t, repo, model.Copy{CopyUid: "c1", BookUid: "T", Status: model.StatusAvailable})

	boom := errors.New("boom")
	err := repo.WithinTitle(ctx, "T", func(ctx context.Context, tx Tx) error {
		c.Hold(model.StatusLoaned, "u", time.Now())
		if err := tx.UpdateCopy(ctx, c); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repo.GetCopy(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, model.StatusAvailable, got.Status)
	require.Nil(t, got.Holder)
}

func TestBadger_CopyLookups(t *testing.T) {
	t.Parallel()
	repo := newTestBadger(t)
	ctx := context.Background()
	due := time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC)

	first := insertCopy(t, repo, model.Copy{CopyUid: "c1", BookUid: "T", Status: model.StatusAvailable})
	insertCopy(t, repo, model.Copy{CopyUid: "c2", BookUid: "T", Status: model.StatusAvailable})
	insertCopy(t, repo, model.Copy{CopyUid: "c3", BookUid: "U", Status: model.StatusAvailable})

	err := repo.WithinTitle(ctx, "T", func(ctx context.Context, tx Tx) error {
		c, err := tx.FirstAvailableCopy(ctx, "T")
		if err != nil {
			return err
		}
		require.Equal(t, first.CopyUid, c.CopyUid)

		c.Hold(model.StatusReserved, "u", due)
		hold := "r1"
		c.HoldReservationUid = &hold
		c.BookUid = "elsewhere"
		return tx.UpdateCopy(ctx, c)
	})
	require.NoError(t, err)

	title, err := repo.ReservationTitle(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "T", title)

	got, err := repo.GetCopy(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "T", got.BookUid)
	require.Equal(t, first.ID, got.ID)

	list, err := repo.ListCopies(ctx, "T")
	require.NoError(t, err)
	require.Len(t, list, 2)

	expired, err := repo.ListExpiredHolds(ctx, due)
	require.NoError(t, err)
	require.Empty(t, expired)
	expired, err = repo.ListExpiredHolds(ctx, due.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	err = repo.WithinTitle(ctx, "T", func(ctx context.Context, tx Tx) error {
		c, err := tx.CopyByHold(ctx, "T", "r1")
		if err != nil {
			return err
		}
		require.Equal(t, "c1", c.CopyUid)
		ok, err := tx.HasClaim(ctx, "T", "u")
		require.True(t, ok)
		return err
	})
	require.NoError(t, err)

	_, err = repo.CopyTitle(ctx, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestBadger_UserReservations(t *testing.T) {
	t.Parallel()
	repo := newTestBadger(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	err := repo.WithinTitle(ctx, "T", func(ctx context.Context, tx Tx) error {
		for i, u := range []string{"a", "b", "c"} {
			_, err := tx.CreateReservation(ctx, model.Reservation{
				ReservationUid: "r-" + u,
				BookUid:        "T",
				Username:       u,
				RequestedAt:    base.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	res, err := repo.UserReservations(ctx, "c")
	require.NoError(t, err)
	require.Len(t, res.Pending, 1)
	require.Equal(t, 3, res.Pending[0].Position)
	require.Empty(t, res.Holds)

	err = repo.WithinTitle(ctx, "T", func(ctx context.Context, tx Tx) error {
		if err := tx.LockUser(ctx, "c"); err != nil {
			return err
		}
		n, err := tx.CountClaims(ctx, "c")
		require.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)
}
