package identity

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

type fakeRepo struct {
	workersByCode map[string]WorkerCredentials
	workersByID   map[string]WorkerCredentials
	tokensByHash  map[string]RefreshToken

	createErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		workersByCode: map[string]WorkerCredentials{},
		workersByID:   map[string]WorkerCredentials{},
		tokensByHash:  map[string]RefreshToken{},
	}
}

func (f *fakeRepo) addWorker(t *testing.T, workerID, name, loginCode, pin string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt error: %v", err)
	}
	w := WorkerCredentials{WorkerID: workerID, FullName: name, LoginCode: loginCode, PinHash: string(hash)}
	f.workersByCode[loginCode] = w
	f.workersByID[workerID] = w
}

func (f *fakeRepo) EnsureSchema(_ context.Context) error { return nil }

func (f *fakeRepo) FindWorkerByLoginCode(_ context.Context, loginCode string) (WorkerCredentials, error) {
	w, ok := f.workersByCode[loginCode]
	if !ok {
		return WorkerCredentials{}, ErrNotFound
	}
	return w, nil
}

func (f *fakeRepo) FindWorkerByID(_ context.Context, workerID string) (WorkerCredentials, error) {
	w, ok := f.workersByID[workerID]
	if !ok {
		return WorkerCredentials{}, ErrNotFound
	}
	return w, nil
}

func (f *fakeRepo) CreateRefreshToken(_ context.Context, token RefreshToken) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.tokensByHash[token.TokenHash] = token
	return nil
}

func (f *fakeRepo) FindRefreshTokenByHash(_ context.Context, tokenHash string) (RefreshToken, error) {
	rt, ok := f.tokensByHash[tokenHash]
	if !ok || rt.RevokedAt != nil {
		return RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

func (f *fakeRepo) RevokeRefreshToken(_ context.Context, tokenID string) error {
	for hash, rt := range f.tokensByHash {
		if rt.TokenID == tokenID {
			now := rt.ExpiresAt
			rt.RevokedAt = &now
			f.tokensByHash[hash] = rt
		}
	}
	return nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, NewTokenManager("test-secret"))
}

func TestLogin_Success(t *testing.T) {
	repo := newFakeRepo()
	repo.addWorker(t, "w1", "Ana Vega", "20", "1234")
	svc := newTestService(repo)

	resp, err := svc.Login(context.Background(), "20", "1234")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if resp.WorkerID != "w1" || resp.LoginCode != "20" || resp.FullName != "Ana Vega" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("expected both tokens to be issued")
	}

	claims, err := svc.AuthToken.Parse(resp.AccessToken)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if claims.Subject != "w1" || claims.LoginCode != "20" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestLogin_WrongPin(t *testing.T) {
	repo := newFakeRepo()
	repo.addWorker(t, "w1", "Ana Vega", "20", "1234")
	svc := newTestService(repo)

	if _, err := svc.Login(context.Background(), "20", "9999"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLogin_UnknownCodeAndEmptyInputs(t *testing.T) {
	svc := newTestService(newFakeRepo())

	if _, err := svc.Login(context.Background(), "20", "1234"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown code, got %v", err)
	}
	if _, err := svc.Login(context.Background(), "", "1234"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for empty code, got %v", err)
	}
	if _, err := svc.Login(context.Background(), "20", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for empty pin, got %v", err)
	}
}

func TestRefresh_RotatesToken(t *testing.T) {
	repo := newFakeRepo()
	repo.addWorker(t, "w1", "Ana Vega", "20", "1234")
	svc := newTestService(repo)

	first, err := svc.Login(context.Background(), "20", "1234")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if second.WorkerID != "w1" {
		t.Fatalf("unexpected refresh response: %+v", second)
	}

	// The old refresh token is revoked on use.
	if _, err := svc.Refresh(context.Background(), first.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for reuse, got %v", err)
	}
}

func TestRefresh_MissingToken(t *testing.T) {
	svc := newTestService(newFakeRepo())
	if _, err := svc.Refresh(context.Background(), "  "); !errors.Is(err, ErrRefreshTokenMissing) {
		t.Fatalf("expected ErrRefreshTokenMissing, got %v", err)
	}
}

func TestLogout_RevokesAndIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	repo.addWorker(t, "w1", "Ana Vega", "20", "1234")
	svc := newTestService(repo)

	resp, err := svc.Login(context.Background(), "20", "1234")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if err := svc.Logout(context.Background(), resp.RefreshToken); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}
	// A second logout for the same token is a no-op, not an error.
	if err := svc.Logout(context.Background(), resp.RefreshToken); err != nil {
		t.Fatalf("repeat Logout returned error: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), resp.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected revoked token to be unusable, got %v", err)
	}
}
