package sessions_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moodesky/atproto-auth/sessions"
)

func TestSchedulerRefreshesBeforeMargin(t *testing.T) {
	fixture := setupTestFixture(t)
	// Remaining lifetime (30s) is already inside the one-minute margin,
	// so the first cycle fires immediately.
	fixture.seedAccount(t, aliceDID, "alice.bsky.social", 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = fixture.manager.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return fixture.client.RefreshCalls(aliceDID) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestSchedulerLeavesHealthySessionsAlone(t *testing.T) {
	fixture := setupTestFixture(t)
	// Two hours of remaining lifetime is far outside the margin.
	fixture.seedAccount(t, aliceDID, "alice.bsky.social", 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fixture.manager.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, fixture.client.RefreshCalls(aliceDID))
}

func TestSchedulerSkipsCyclesUnderConstraints(t *testing.T) {
	var powerSave atomic.Bool
	powerSave.Store(true)

	fixture := setupTestFixture(t, sessions.WithConstraints(func() sessions.Constraints {
		return sessions.Constraints{PowerSave: powerSave.Load(), NetworkAvailable: true}
	}))
	fixture.seedAccount(t, aliceDID, "alice.bsky.social", 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fixture.manager.Run(ctx) }()

	// Constrained: cycles are skipped, credentials are not rotated.
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, fixture.client.RefreshCalls(aliceDID))

	// Constraint lifted: the next cycle refreshes.
	powerSave.Store(false)
	require.Eventually(t, func() bool {
		return fixture.client.RefreshCalls(aliceDID) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerSkipsCyclesWithoutNetwork(t *testing.T) {
	var networkUp atomic.Bool

	fixture := setupTestFixture(t, sessions.WithConstraints(func() sessions.Constraints {
		return sessions.Constraints{NetworkAvailable: networkUp.Load()}
	}))
	fixture.seedAccount(t, aliceDID, "alice.bsky.social", 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fixture.manager.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, fixture.client.RefreshCalls(aliceDID))
	// Skipping must not count as refresh failures.
	require.Zero(t, fixture.manager.GetSessionState(aliceDID).ConsecutiveFailureCount)

	networkUp.Store(true)
	require.Eventually(t, func() bool {
		return fixture.client.RefreshCalls(aliceDID) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerTracksAccountsAddedWhileRunning(t *testing.T) {
	fixture := setupTestFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fixture.manager.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	fixture.seedAccount(t, bobDID, "bob.bsky.social", 30*time.Second)

	require.Eventually(t, func() bool {
		return fixture.client.RefreshCalls(bobDID) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerStopsTaskOnForget(t *testing.T) {
	fixture := setupTestFixture(t)
	account := fixture.seedAccount(t, aliceDID, "alice.bsky.social", 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fixture.manager.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, fixture.store.Remove(context.Background(), account.ID))
	fixture.manager.Forget(aliceDID)

	// The cancelled task must not fire even once the token would have
	// crossed the margin.
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, fixture.client.RefreshCalls(aliceDID))
}
