package signal

import (
	"context"

	"github.com/google/uuid"

	"github.com/opina-lab/signal-engine/internal/kvstore"
)

// Identity is who a signal is attributed to.
type Identity struct {
	UserID              string
	AnonID              string
	Tier                string
	ProfileCompleteness int
}

// IdentityProvider resolves the current identity. Authentication and device
// identity generation live outside this package.
type IdentityProvider interface {
	Identity(ctx context.Context) (Identity, error)
}

// StaticIdentity always returns the same identity.
type StaticIdentity Identity

func (s StaticIdentity) Identity(context.Context) (Identity, error) {
	return Identity(s), nil
}

// AnonIDKey stores the device id generated for anonymous users.
const AnonIDKey = "opina_anon_id"

// DeviceIdentity attributes signals to a device id persisted in the kv store,
// plus an optional authenticated user.
type DeviceIdentity struct {
	KV     kvstore.Store
	UserID string
	Tier   string
}

func (d *DeviceIdentity) Identity(ctx context.Context) (Identity, error) {
	id, ok, err := d.KV.Get(ctx, AnonIDKey)
	if err != nil {
		return Identity{}, err
	}
	if !ok || id == "" {
		id = uuid.NewString()
		if err := d.KV.Set(ctx, AnonIDKey, id); err != nil {
			return Identity{}, err
		}
	}
	return Identity{UserID: d.UserID, AnonID: id, Tier: d.Tier}, nil
}
