package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/pigment-org/key-service/internal/credential"
)

// ErrUnauthenticated is returned when a presented key is unknown or has
// been deactivated.
var ErrUnauthenticated = errors.New("invalid or inactive api key")

// Authenticator resolves a presented key to its durable record. It is a
// pure point read: no counters are touched here.
type Authenticator struct {
	store credential.Store
}

func NewAuthenticator(store credential.Store) *Authenticator {
	return &Authenticator{store: store}
}

// Resolve returns the record for presentedKey. Unknown and inactive
// keys both collapse into ErrUnauthenticated so callers cannot tell
// which one it was.
func (a *Authenticator) Resolve(ctx context.Context, presentedKey string) (*credential.Record, error) {
	rec, err := a.store.GetByKey(ctx, presentedKey)
	if err != nil {
		if errors.Is(err, credential.ErrKeyNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	if !rec.Active {
		return nil, ErrUnauthenticated
	}
	return rec, nil
}
