package session

import "context"

// Repository is the Token Store. It holds at most one entry; Store replaces
// token and user together and Load returns serviceerr.ErrNotFound when logged out.
type Repository interface {
	Load(ctx context.Context) (Entry, error)
	Store(ctx context.Context, entry Entry) error
	Delete(ctx context.Context) error
}
