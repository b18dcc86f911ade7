// Package sessionmemory provides a process-wide Token Store kept in memory.
// It is used when no ValKey instance is configured; the session does not
// survive a restart.
package sessionmemory

import (
	"context"
	"errors"

	"github.com/patrickmn/go-cache"

	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

const entryKey = "session:current"

var ErrStoreSession = errors.New("setting session into memory")

type Repository struct {
	cache *cache.Cache
}

var _ = session.Repository(&Repository{})

func NewRepository() *Repository {
	return &Repository{
		cache: cache.New(cache.NoExpiration, 0),
	}
}

func (r *Repository) Load(_ context.Context) (session.Entry, error) {
	v, ok := r.cache.Get(entryKey)
	if !ok {
		return session.Entry{}, serviceerr.ErrNotFound
	}

	//nolint:forcetypeassert
	return v.(session.Entry), nil
}

func (r *Repository) Store(_ context.Context, entry session.Entry) error {
	if err := entry.Session.Validate(); err != nil {
		return errors.Join(ErrStoreSession, err)
	}

	r.cache.Set(entryKey, entry, cache.NoExpiration)
	return nil
}

func (r *Repository) Delete(_ context.Context) error {
	r.cache.Delete(entryKey)
	return nil
}
