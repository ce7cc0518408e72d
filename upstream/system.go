package upstream

import (
	"context"
	"errors"
	"fmt"
	"os/user"

	"github.com/warp/allocation-ledger/ledger"
)

// System resolves against the host's account database: users by login
// name (ID is the UID), projects by group name (ID is the GID). Resources
// are not system accounts and come from a configured table.
type System struct {
	resources map[string]string

	lookupUser  func(name string) (*user.User, error)
	lookupGroup func(name string) (*user.Group, error)
}

var _ ledger.Resolver = (*System)(nil)

// NewSystem returns a System resolver. A resource whose configured ID is
// empty resolves to its own name.
func NewSystem(resources map[string]string) *System {
	return &System{
		resources:   cloneFolded(resources),
		lookupUser:  user.Lookup,
		lookupGroup: user.LookupGroup,
	}
}

func (s *System) ProjectID(_ context.Context, name string) (string, error) {
	g, err := s.lookupGroup(name)
	if err != nil {
		var unknown user.UnknownGroupError
		if errors.As(err, &unknown) {
			return "", &ledger.NotFoundError{Kind: "project", Key: name}
		}
		return "", fmt.Errorf("upstream: lookup group %s: %w", name, err)
	}
	return g.Gid, nil
}

func (s *System) ResourceID(_ context.Context, name string) (string, error) {
	id, ok := s.resources[name]
	if !ok {
		return "", &ledger.NotFoundError{Kind: "resource", Key: name}
	}
	if id == "" {
		return name, nil
	}
	return id, nil
}

func (s *System) UserID(_ context.Context, name string) (string, error) {
	u, err := s.lookupUser(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return "", &ledger.NotFoundError{Kind: "user", Key: name}
		}
		return "", fmt.Errorf("upstream: lookup user %s: %w", name, err)
	}
	return u.Uid, nil
}
