package ledger

import "context"

// Resolver maps external names of reference entities to their canonical
// upstream IDs. Unknown names fail with a *NotFoundError.
//
// Implementations live in package upstream.
type Resolver interface {
	ProjectID(ctx context.Context, name string) (string, error)
	ResourceID(ctx context.Context, name string) (string, error)
	UserID(ctx context.Context, name string) (string, error)
}
