// Package storage persists stream records, viewer accounts, and ban lists.
// Two drivers share the Repository contract: a JSON-file store for small
// deployments and tests, and a Postgres store for production.
package storage

import (
	"context"
	"errors"
	"fmt"

	"livesight/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// StorageError wraps driver failures with the operation that produced them.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Repository exposes the datastore operations required by the API handlers,
// the session gateway, and the stream sweeper.
type Repository interface {
	Ping(ctx context.Context) error

	UpsertStream(ctx context.Context, stream models.Stream) (models.Stream, error)
	GetStream(ctx context.Context, id uint64) (models.Stream, error)
	ListStreams(ctx context.Context) ([]models.Stream, error)
	// TouchStreamStatus writes the result of a provider lookup onto the
	// stream record and bumps its update time.
	TouchStreamStatus(ctx context.Context, id uint64, title, thumbnail string, live bool, viewers uint32) (models.Stream, error)
	SetStreamAFK(ctx context.Context, id uint64, delta int) error

	GetUser(ctx context.Context, id string) (models.User, error)
	UpsertUser(ctx context.Context, user models.User) (models.User, error)

	IsStreamBanned(ctx context.Context, channel, service string) (bool, error)
	AddBannedStream(ctx context.Context, ban models.BannedStream) error
	IsIPBanned(ctx context.Context, addr string) (bool, error)
	AddBannedIPRange(ctx context.Context, ban models.BannedIPRange) error

	Close(ctx context.Context) error
}
