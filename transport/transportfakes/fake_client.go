// Package transportfakes provides a scripted in-memory transport.Client.
// It enforces exclusive refresh-token rotation the way a real PDS does, so
// tests can observe single-use semantics and count network calls.
package transportfakes

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/moodesky/atproto-auth/internal/secure"
	"github.com/moodesky/atproto-auth/token/tokentest"
	"github.com/moodesky/atproto-auth/transport"
)

var _ transport.Client = (*FakeClient)(nil)

type identity struct {
	did    string
	handle string
	secret string
}

type FakeClient struct {
	lock sync.Mutex

	nowTime    func() time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration

	identities map[string]identity // identifier -> identity
	active     map[string]string   // did -> currently accepted refresh token
	profiles   map[string]transport.ProfileMetadata

	refreshCalls map[string]int
	refreshDelay time.Duration
	networkDown  bool
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		nowTime:      time.Now,
		accessTTL:    2 * time.Hour,
		refreshTTL:   90 * 24 * time.Hour,
		identities:   make(map[string]identity),
		active:       make(map[string]string),
		profiles:     make(map[string]transport.ProfileMetadata),
		refreshCalls: make(map[string]int),
	}
}

// SetNowTime overrides the clock used to mint token lifetimes.
func (c *FakeClient) SetNowTime(nowFunc func() time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.nowTime = nowFunc
}

// SetAccessTTL overrides the lifetime of minted access tokens.
func (c *FakeClient) SetAccessTTL(ttl time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.accessTTL = ttl
}

// AddIdentity registers an identifier/secret pair the fake will accept.
func (c *FakeClient) AddIdentity(identifier, secret, did, handle string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.identities[identifier] = identity{did: did, handle: handle, secret: secret}
}

// SetProfile scripts the profile returned for a subject.
func (c *FakeClient) SetProfile(did string, profile transport.ProfileMetadata) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.profiles[did] = profile
}

// SeedSession makes refreshToken the currently accepted token for did, as
// if a login had issued it.
func (c *FakeClient) SeedSession(did, refreshToken string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.active[did] = refreshToken
}

// SetNetworkDown makes every call fail with a transient error.
func (c *FakeClient) SetNetworkDown(down bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.networkDown = down
}

// SetRefreshDelay makes RefreshSession block, to widen concurrency windows.
func (c *FakeClient) SetRefreshDelay(delay time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.refreshDelay = delay
}

// RefreshCalls reports how many refresh calls reached the fake for did.
func (c *FakeClient) RefreshCalls(did string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.refreshCalls[did]
}

// ActiveRefreshToken returns the refresh token the fake currently accepts
// for did.
func (c *FakeClient) ActiveRefreshToken(did string) string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.active[did]
}

func (c *FakeClient) Login(_ context.Context, identifier, secret, _ string) (*transport.SessionTokens, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.networkDown {
		return nil, errors.New("dial tcp: connection refused")
	}

	id, ok := c.identities[identifier]
	if !ok || !secure.SecretsEqual(secret, id.secret) {
		return nil, errors.Wrap(transport.ErrCredentialRejected, "[FakeClient.Login]")
	}
	return c.mintLocked(id.did, id.handle), nil
}

func (c *FakeClient) RefreshSession(_ context.Context, refreshToken, _ string) (*transport.SessionTokens, error) {
	c.lock.Lock()
	delay := c.refreshDelay
	c.lock.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.networkDown {
		return nil, errors.New("dial tcp: connection refused")
	}

	for did, active := range c.active {
		if secure.SecretsEqual(refreshToken, active) {
			c.refreshCalls[did]++
			handle := c.handleLocked(did)
			return c.mintLocked(did, handle), nil
		}
	}
	// Unknown or already-rotated token. Rotation is exclusive.
	return nil, errors.Wrap(transport.ErrCredentialRejected, "[FakeClient.RefreshSession]")
}

func (c *FakeClient) GetProfile(_ context.Context, did, _ string) (*transport.ProfileMetadata, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.networkDown {
		return nil, errors.New("dial tcp: connection refused")
	}

	profile, ok := c.profiles[did]
	if !ok {
		return nil, errors.Errorf("[FakeClient.GetProfile] no profile for subject")
	}
	return &profile, nil
}

func (c *FakeClient) mintLocked(did, handle string) *transport.SessionTokens {
	now := c.nowTime()
	tokens := &transport.SessionTokens{
		AccessToken:  tokentest.Access(did, now, now.Add(c.accessTTL)),
		RefreshToken: tokentest.Refresh(did, now, now.Add(c.refreshTTL)),
		Handle:       handle,
		DID:          did,
	}
	c.active[did] = tokens.RefreshToken
	return tokens
}

func (c *FakeClient) handleLocked(did string) string {
	for _, id := range c.identities {
		if id.did == did {
			return id.handle
		}
	}
	if profile, ok := c.profiles[did]; ok {
		return profile.Handle
	}
	return ""
}
