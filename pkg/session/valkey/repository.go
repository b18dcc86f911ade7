package sessionvalkey

import (
	"context"
	"errors"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/session-relay/pkg/session"
)

type ObjectType string

const objectTypeSession ObjectType = "session"

// currentID is the id of the only entry the store holds.
const currentID = "current"

var (
	ErrGetSession    = errors.New("getting session from store")
	ErrStoreSession  = errors.New("setting session into storage")
	ErrDeleteSession = errors.New("deleting session from store")
)

// Repository is the valkey backed Token Store.
type Repository struct {
	store *store
}

var _ = session.Repository(&Repository{})

func NewRepository(valkeyClient valkey.Client, prefix string) *Repository {
	return &Repository{
		store: newStore(valkeyClient, prefix),
	}
}

func (r *Repository) Load(ctx context.Context) (session.Entry, error) {
	var entry session.Entry
	if err := r.store.Get(ctx, objectTypeSession, currentID, &entry); err != nil {
		return session.Entry{}, errors.Join(ErrGetSession, err)
	}

	return entry, nil
}

func (r *Repository) Store(ctx context.Context, entry session.Entry) error {
	if err := entry.Session.Validate(); err != nil {
		return errors.Join(ErrStoreSession, err)
	}

	if err := r.store.Set(ctx, objectTypeSession, currentID, entry); err != nil {
		return errors.Join(ErrStoreSession, err)
	}

	return nil
}

func (r *Repository) Delete(ctx context.Context) error {
	if err := r.store.Destroy(ctx, objectTypeSession, currentID); err != nil {
		return errors.Join(ErrDeleteSession, err)
	}

	return nil
}
