package handler

import (
	"context"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/circulation/internal/service"
)

//go:generate go run github.com/golang/mock/mockgen -source=service.go -destination=mocks/mock.go

type CirculationService interface {
	AddCopy(ctx context.Context, req model.AddCopyRequest) (model.Copy, error)
	GetCopy(ctx context.Context, copyUid string) (model.Copy, error)
	ListCopies(ctx context.Context, bookUid string) (model.ListCopies, error)
	Transition(ctx context.Context, copyUid string, target model.Status, actor string) (model.Copy, error)
	Renew(ctx context.Context, copyUid string) (model.RenewResponse, error)
	Reserve(ctx context.Context, req model.CreateReservationRequest) (model.ReserveResponse, error)
	CancelReservation(ctx context.Context, reservationUid, requester string) error
	UserReservations(ctx context.Context, username string) (model.UserReservations, error)
	Sweep(ctx context.Context) (model.SweepReport, error)
}

var _ CirculationService = (*service.Service)(nil)
