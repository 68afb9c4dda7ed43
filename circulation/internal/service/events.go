package service

import (
	"context"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

// Publisher delivers committed copy events. A failure never undoes the change.
type Publisher interface {
	Publish(ctx context.Context, events ...model.CopyEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, ...model.CopyEvent) error { return nil }
