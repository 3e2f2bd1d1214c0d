package master

import (
	"context"
	"errors"
	"fmt"

	"github.com/sauravfouzdar/minidfs/pkg/common"
	"github.com/sauravfouzdar/minidfs/pkg/metadata"
)

// maxRenameAttempts bounds how many suffixed names are tried for one upload
const maxRenameAttempts = 10

// Namespace is the flat file namespace backed by the placement store
type Namespace struct {
	store metadata.Store
}

// NewNamespace creates a new namespace
func NewNamespace(store metadata.Store) *Namespace {
	return &Namespace{store: store}
}

// Resolve returns name if it is free, otherwise name with a random suffix that is free.
// A free name can still be taken by a concurrent upload before its placement is inserted.
func (ns *Namespace) Resolve(ctx context.Context, name string) (string, error) {
	candidate := name
	for range maxRenameAttempts {
		taken, err := ns.Exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = common.WithRandomSuffix(name)
	}
	return "", fmt.Errorf("%w: no free name for %s after %d attempts", common.ErrFileExists, name, maxRenameAttempts)
}

// Exists reports whether a placement is recorded for name
func (ns *Namespace) Exists(ctx context.Context, name string) (bool, error) {
	_, err := ns.store.GetPlacement(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, common.ErrNotFound):
		return false, nil
	}
	return false, err
}
