package repository

import (
	"context"
	"time"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

// Repository is the copy registry and reservation queue store.
//
// All mutations go through WithinTitle: fn runs as one atomic unit while the
// title's exclusive lock is held, so two units for the same title never
// interleave. If fn returns an error nothing it wrote becomes visible.
type Repository interface {
	WithinTitle(ctx context.Context, bookUid string, fn func(ctx context.Context, tx Tx) error) error

	// CopyTitle and ReservationTitle resolve the lock key without locking.
	// The title of a copy never changes, a reservation keeps its title when
	// it matures into a hold.
	CopyTitle(ctx context.Context, copyUid string) (string, error)
	ReservationTitle(ctx context.Context, reservationUid string) (string, error)

	GetCopy(ctx context.Context, copyUid string) (model.Copy, error)
	ListCopies(ctx context.Context, bookUid string) ([]model.Copy, error)
	// ListExpiredHolds returns RESERVED copies whose due date is before the given day.
	ListExpiredHolds(ctx context.Context, before time.Time) ([]model.Copy, error)
	UserReservations(ctx context.Context, username string) (model.UserReservations, error)
}

// Tx is the view of the store inside one title unit.
type Tx interface {
	GetCopy(ctx context.Context, copyUid string) (model.Copy, error)
	InsertCopy(ctx context.Context, c model.Copy) (model.Copy, error)
	UpdateCopy(ctx context.Context, c model.Copy) error
	// FirstAvailableCopy returns the oldest AVAILABLE copy of the title or errs.ErrNotFound.
	FirstAvailableCopy(ctx context.Context, bookUid string) (model.Copy, error)
	// CopyByHold returns the RESERVED copy promoted from the reservation or errs.ErrNotFound.
	CopyByHold(ctx context.Context, bookUid, reservationUid string) (model.Copy, error)

	GetReservation(ctx context.Context, reservationUid string) (model.Reservation, error)
	// OldestReservation returns the head of the title queue or errs.ErrNotFound.
	OldestReservation(ctx context.Context, bookUid string) (model.Reservation, error)
	CreateReservation(ctx context.Context, r model.Reservation) (model.Reservation, error)
	DeleteReservation(ctx context.Context, reservationUid string) error

	// LockUser serializes reservation counting for the user until the unit ends.
	LockUser(ctx context.Context, username string) error
	// HasClaim reports a pending reservation or RESERVED hold of the user on the title.
	HasClaim(ctx context.Context, bookUid, username string) (bool, error)
	// CountClaims counts pending reservations plus RESERVED holds of the user.
	CountClaims(ctx context.Context, username string) (int, error)
}
