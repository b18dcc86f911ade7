package sessionmock

import (
	"context"
	"sync"

	"github.com/openkcm/session-relay/internal/serviceerr"
	"github.com/openkcm/session-relay/pkg/session"
)

type RepositoryOption func(*Repository)

// Repository is an in-memory Token Store for tests. It records the number
// of writes so tests can assert on no-op writes.
type Repository struct {
	mu     sync.Mutex
	entry  *session.Entry
	writes int

	loadErr, storeErr, deleteErr error
}

func WithEntry(entry session.Entry) RepositoryOption {
	return func(r *Repository) { r.entry = &entry }
}
func WithSession(s session.Session) RepositoryOption {
	return func(r *Repository) { r.entry = &session.Entry{Session: s} }
}
func WithLoadError(err error) RepositoryOption {
	return func(r *Repository) { r.loadErr = err }
}
func WithStoreError(err error) RepositoryOption {
	return func(r *Repository) { r.storeErr = err }
}
func WithDeleteError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteErr = err }
}

var _ = session.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Repository) Load(_ context.Context) (session.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loadErr != nil {
		return session.Entry{}, r.loadErr
	}
	if r.entry == nil {
		return session.Entry{}, serviceerr.ErrNotFound
	}
	return *r.entry, nil
}

func (r *Repository) Store(_ context.Context, entry session.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.storeErr != nil {
		return r.storeErr
	}
	if err := entry.Session.Validate(); err != nil {
		return err
	}
	r.entry = &entry
	r.writes++
	return nil
}

func (r *Repository) Delete(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleteErr != nil {
		return r.deleteErr
	}
	r.entry = nil
	return nil
}

// TEntry returns the stored entry and whether one is present.
func (r *Repository) TEntry() (session.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entry == nil {
		return session.Entry{}, false
	}
	return *r.entry, true
}

// TWrites returns the number of successful Store calls.
func (r *Repository) TWrites() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}
