package app

import (
	"context"
	"time"

	"parley/api/internal/auth"
	"parley/api/internal/inbox"
	"parley/api/internal/store"
)

// fakeStore overrides the handful of calls the session and readiness paths
// make. Anything else panics through the nil embedded DataStore.
type fakeStore struct {
	DataStore

	pingFn             func(context.Context) error
	ensureUserByNameFn func(context.Context, string) (store.User, error)
	getUserByIDFn      func(context.Context, string) (store.User, error)
	revokeFn           func(context.Context, string, time.Time) error
	isRevokedFn        func(context.Context, string) (bool, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	return store.User{ID: "usr_" + name, DisplayName: name}, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: userID}, nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	if f.revokeFn != nil {
		return f.revokeFn(ctx, jti, exp)
	}
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isRevokedFn != nil {
		return f.isRevokedFn(ctx, jti)
	}
	return false, nil
}

func newFakeService(fs *fakeStore) *Service {
	return New(fs, inbox.NewEngine(fs, nil, 4), auth.NewSigner([]byte("test-secret"), time.Hour), nil, nil)
}
