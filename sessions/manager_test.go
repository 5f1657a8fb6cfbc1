package sessions_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/moodesky/atproto-auth/accounts"
	autherrors "github.com/moodesky/atproto-auth/internal/errors"
	"github.com/moodesky/atproto-auth/securestore/memstore"
	"github.com/moodesky/atproto-auth/sessions"
	"github.com/moodesky/atproto-auth/token"
	"github.com/moodesky/atproto-auth/token/tokentest"
	"github.com/moodesky/atproto-auth/transport/transportfakes"
)

const (
	aliceDID = "did:plc:alice0000000000000000000"
	bobDID   = "did:plc:bob00000000000000000000"
	carolDID = "did:plc:carol000000000000000000"
)

type testFixture struct {
	backing *memstore.Store
	store   *accounts.Store
	client  *transportfakes.FakeClient
	manager *sessions.Manager
}

func setupTestFixture(t *testing.T, options ...sessions.ManagerOption) *testFixture {
	t.Helper()

	backing := memstore.New()
	store, err := accounts.NewStore(backing)
	require.NoError(t, err)

	client := transportfakes.NewFakeClient()
	manager, err := sessions.NewManager(context.Background(), store, client, sessions.Config{
		RefreshMargin:     time.Minute,
		RefreshBackoff:    5 * time.Millisecond,
		MaxRefreshBackoff: 20 * time.Millisecond,
	}, options...)
	require.NoError(t, err)

	return &testFixture{backing: backing, store: store, client: client, manager: manager}
}

// seedAccount stores an account with a live token pair and registers it
// with both the fake service and the manager.
func (f *testFixture) seedAccount(t *testing.T, did, handle string, accessTTL time.Duration) *accounts.Account {
	t.Helper()

	now := time.Now()
	account := &accounts.Account{
		ID:         uuid.New().String(),
		DID:        did,
		Handle:     handle,
		ServiceURL: "https://bsky.social",
		Session: accounts.Session{
			AccessToken:  tokentest.Access(did, now, now.Add(accessTTL)),
			RefreshToken: tokentest.Refresh(did, now, now.Add(90*24*time.Hour)),
			IssuedAt:     now,
			ExpiresAt:    now.Add(accessTTL),
			Active:       true,
		},
	}
	stored, err := f.store.Add(context.Background(), account)
	require.NoError(t, err)

	f.client.SeedSession(did, account.Session.RefreshToken)
	f.manager.Track(stored)
	return stored
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	store, err := accounts.NewStore(memstore.New())
	require.NoError(t, err)

	_, err = sessions.NewManager(context.Background(), nil, transportfakes.NewFakeClient(), sessions.Config{})
	require.Error(t, err)

	_, err = sessions.NewManager(context.Background(), store, nil, sessions.Config{})
	require.Error(t, err)
}

func TestStateRebuiltOnStartup(t *testing.T) {
	ctx := context.Background()
	backing := memstore.New()
	store, err := accounts.NewStore(backing)
	require.NoError(t, err)

	now := time.Now()
	_, err = store.Add(ctx, &accounts.Account{
		ID:         uuid.New().String(),
		DID:        aliceDID,
		Handle:     "alice.bsky.social",
		ServiceURL: "https://bsky.social",
		Session: accounts.Session{
			AccessToken:  tokentest.Access(aliceDID, now, now.Add(time.Hour)),
			RefreshToken: tokentest.Refresh(aliceDID, now, now.Add(time.Hour)),
			Active:       true,
		},
	})
	require.NoError(t, err)

	manager, err := sessions.NewManager(ctx, store, transportfakes.NewFakeClient(), sessions.Config{})
	require.NoError(t, err)

	state := manager.GetSessionState(aliceDID)
	require.True(t, state.IsValid)
	require.Equal(t, sessions.PhaseValid, state.Phase)
	require.False(t, state.RefreshInProgress)
	require.Zero(t, state.ConsecutiveFailureCount)
}

func TestGetSessionStateUnknownSubject(t *testing.T) {
	fixture := setupTestFixture(t)

	state := fixture.manager.GetSessionState("did:plc:nobody")
	require.False(t, state.IsValid)
	require.Equal(t, sessions.PhaseUnvalidated, state.Phase)
}

func TestValidateAllSessions(t *testing.T) {
	fixture := setupTestFixture(t)

	// Seeded out of subject order on purpose.
	fixture.seedAccount(t, carolDID, "carol.bsky.social", time.Hour)
	fixture.seedAccount(t, aliceDID, "alice.bsky.social", time.Hour)
	fixture.seedAccount(t, bobDID, "bob.bsky.social", -time.Minute) // already expired

	results, err := fixture.manager.ValidateAllSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, aliceDID, results[0].DID)
	require.Equal(t, bobDID, results[1].DID)
	require.Equal(t, carolDID, results[2].DID)

	require.True(t, results[0].IsValid)
	require.False(t, results[1].IsValid)
	require.True(t, results[2].IsValid)

	// Local-only: no refresh traffic may result from a validation sweep.
	require.Zero(t, fixture.client.RefreshCalls(aliceDID))
	require.Zero(t, fixture.client.RefreshCalls(bobDID))
}

func TestProactiveRefreshRotatesExpiringSession(t *testing.T) {
	fixture := setupTestFixture(t)
	account := fixture.seedAccount(t, aliceDID, "alice.bsky.social", 30*time.Second)
	previousRefreshToken := account.Session.RefreshToken

	session, err := fixture.manager.ProactiveRefresh(context.Background(), aliceDID)
	require.NoError(t, err)

	require.Greater(t, token.RemainingSeconds(session.AccessToken), int64(30))
	require.NotEqual(t, previousRefreshToken, session.RefreshToken)

	// The rotation is persisted atomically.
	stored, err := fixture.store.Get(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, session.AccessToken, stored.Session.AccessToken)
	require.Equal(t, session.RefreshToken, stored.Session.RefreshToken)
	require.Equal(t, token.ExpirationOf(session.AccessToken).Unix(), stored.Session.ExpiresAt.Unix())

	state := fixture.manager.GetSessionState(aliceDID)
	require.True(t, state.IsValid)
	require.Equal(t, sessions.PhaseValid, state.Phase)
	require.Zero(t, state.ConsecutiveFailureCount)
	require.False(t, state.LastRefreshedAt.IsZero())

	// Rotation is exclusive: the spent token must never be accepted again.
	_, err = fixture.client.RefreshSession(context.Background(), previousRefreshToken, "https://bsky.social")
	require.Error(t, err)
}

func TestProactiveRefreshSingleFlight(t *testing.T) {
	fixture := setupTestFixture(t)
	fixture.seedAccount(t, aliceDID, "alice.bsky.social", time.Hour)
	fixture.client.SetRefreshDelay(50 * time.Millisecond)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]*accounts.Session, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fixture.manager.ProactiveRefresh(context.Background(), aliceDID)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, fixture.client.RefreshCalls(aliceDID))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].AccessToken, results[i].AccessToken)
		require.Equal(t, results[0].RefreshToken, results[i].RefreshToken)
	}
}

func TestProactiveRefreshIndependentAcrossSubjects(t *testing.T) {
	fixture := setupTestFixture(t)
	fixture.seedAccount(t, aliceDID, "alice.bsky.social", time.Hour)
	fixture.seedAccount(t, bobDID, "bob.bsky.social", time.Hour)
	fixture.client.SetRefreshDelay(20 * time.Millisecond)

	var wg sync.WaitGroup
	for _, did := range []string{aliceDID, bobDID} {
		wg.Add(1)
		go func(did string) {
			defer wg.Done()
			_, err := fixture.manager.ProactiveRefresh(context.Background(), did)
			require.NoError(t, err)
		}(did)
	}
	wg.Wait()

	require.Equal(t, 1, fixture.client.RefreshCalls(aliceDID))
	require.Equal(t, 1, fixture.client.RefreshCalls(bobDID))
}

func TestProactiveRefreshTransientFailureKeepsSession(t *testing.T) {
	fixture := setupTestFixture(t)
	account := fixture.seedAccount(t, aliceDID, "alice.bsky.social", time.Hour)
	fixture.client.SetNetworkDown(true)

	_, err := fixture.manager.ProactiveRefresh(context.Background(), aliceDID)
	require.ErrorIs(t, err, autherrors.ErrUnavailable)

	// The prior, still unexpired session survives untouched.
	stored, err := fixture.store.Get(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, account.Session.AccessToken, stored.Session.AccessToken)
	require.Equal(t, account.Session.RefreshToken, stored.Session.RefreshToken)

	state := fixture.manager.GetSessionState(aliceDID)
	require.True(t, state.IsValid)
	require.Equal(t, 1, state.ConsecutiveFailureCount)

	_, err = fixture.manager.ProactiveRefresh(context.Background(), aliceDID)
	require.ErrorIs(t, err, autherrors.ErrUnavailable)
	require.Equal(t, 2, fixture.manager.GetSessionState(aliceDID).ConsecutiveFailureCount)

	// Recovery resets the failure count.
	fixture.client.SetNetworkDown(false)
	_, err = fixture.manager.ProactiveRefresh(context.Background(), aliceDID)
	require.NoError(t, err)
	require.Zero(t, fixture.manager.GetSessionState(aliceDID).ConsecutiveFailureCount)
}

func TestProactiveRefreshRejectionIsTerminal(t *testing.T) {
	fixture := setupTestFixture(t)
	fixture.seedAccount(t, aliceDID, "alice.bsky.social", time.Hour)
	// The service has already rotated past the stored refresh token.
	fixture.client.SeedSession(aliceDID, "a-token-the-client-does-not-hold")

	_, err := fixture.manager.ProactiveRefresh(context.Background(), aliceDID)
	require.ErrorIs(t, err, autherrors.ErrUnauthorized)

	state := fixture.manager.GetSessionState(aliceDID)
	require.Equal(t, sessions.PhaseInvalid, state.Phase)
	require.False(t, state.IsValid)

	// Refresh cannot leave the terminal phase.
	_, err = fixture.manager.ProactiveRefresh(context.Background(), aliceDID)
	require.ErrorIs(t, err, autherrors.ErrUnauthorized)

	// A fresh login can.
	account, err := fixture.store.GetByDID(context.Background(), aliceDID)
	require.NoError(t, err)
	now := time.Now()
	account.Session = accounts.Session{
		AccessToken:  tokentest.Access(aliceDID, now, now.Add(time.Hour)),
		RefreshToken: tokentest.Refresh(aliceDID, now, now.Add(90*24*time.Hour)),
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
		Active:       true,
	}
	_, err = fixture.store.Update(context.Background(), account)
	require.NoError(t, err)
	fixture.client.SeedSession(aliceDID, account.Session.RefreshToken)
	fixture.manager.Track(account)

	_, err = fixture.manager.ProactiveRefresh(context.Background(), aliceDID)
	require.NoError(t, err)
}

func TestProactiveRefreshUnknownSubject(t *testing.T) {
	fixture := setupTestFixture(t)

	_, err := fixture.manager.ProactiveRefresh(context.Background(), "did:plc:nobody")
	require.ErrorIs(t, err, autherrors.ErrNotFound)
}

func TestRefreshCompletingAfterRemovalDoesNotResurrect(t *testing.T) {
	fixture := setupTestFixture(t)
	account := fixture.seedAccount(t, aliceDID, "alice.bsky.social", time.Hour)
	fixture.client.SetRefreshDelay(100 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := fixture.manager.ProactiveRefresh(context.Background(), aliceDID)
		errCh <- err
	}()

	// Remove the account while the rotation is in flight.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, fixture.store.Remove(context.Background(), account.ID))
	fixture.manager.Forget(aliceDID)

	require.ErrorIs(t, <-errCh, autherrors.ErrNotFound)

	// The completed rotation must not have written to the deleted slot.
	keys, err := fixture.backing.ListKeys(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, keys)

	state := fixture.manager.GetSessionState(aliceDID)
	require.False(t, state.IsValid)
	require.Equal(t, sessions.PhaseUnvalidated, state.Phase)
}

func TestForgetDropsState(t *testing.T) {
	fixture := setupTestFixture(t)
	fixture.seedAccount(t, aliceDID, "alice.bsky.social", time.Hour)

	require.True(t, fixture.manager.GetSessionState(aliceDID).IsValid)
	fixture.manager.Forget(aliceDID)
	require.False(t, fixture.manager.GetSessionState(aliceDID).IsValid)
}
