package device

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a [Store] when no binding has the requested ID.
var ErrNotFound = errors.New("device: binding not found")

// Store persists bindings. Bindings are never deleted.
//
// Implementations must refuse to overwrite a revoked binding: Update returns
// an error wrapping [fault.ErrRevoked] when the stored row is already
// revoked, whatever the new value says.
type Store interface {
	// Insert adds a new binding. The ID must be unique.
	Insert(ctx context.Context, b Binding) error

	// Get returns the binding with the given ID or [ErrNotFound].
	Get(ctx context.Context, id string) (Binding, error)

	// FindActive returns the account's non-revoked binding for fingerprint,
	// or [ErrNotFound].
	FindActive(ctx context.Context, accountID, fingerprint string) (Binding, error)

	// Update replaces a stored binding.
	Update(ctx context.Context, b Binding) error

	// List returns all bindings of an account ordered by creation time.
	List(ctx context.Context, accountID string) ([]Binding, error)
}
