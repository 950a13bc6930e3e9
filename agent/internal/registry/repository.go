// Package registry stores client credential metadata in a local sqlite
// database.
package registry

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Repository interface {
	// CreateCredential inserts c unless a row with the same name exists,
	// in which case the stored row is left untouched.
	CreateCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, name string) (Credential, error)
	SetRevoked(ctx context.Context, name string, revoked bool, at time.Time) error
	DeleteCredential(ctx context.Context, name string) (bool, error)
	Close() error
}
