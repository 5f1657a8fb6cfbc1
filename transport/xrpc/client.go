// Package xrpc implements transport.Client against the AT Protocol XRPC
// endpoints of a PDS.
package xrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/moodesky/atproto-auth/transport"
)

const (
	createSessionNSID  = "com.atproto.server.createSession"
	refreshSessionNSID = "com.atproto.server.refreshSession"
	getProfileNSID     = "app.bsky.actor.getProfile"

	defaultTimeout = 30 * time.Second
)

var _ transport.Client = (*Client)(nil)

type Client struct {
	httpClient *http.Client
}

// ClientOption modifies a Client instance.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client (primarily for testing).
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates an XRPC transport client.
func NewClient(options ...ClientOption) *Client {
	client := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range options {
		opt(client)
	}
	return client
}

type sessionResponse struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}

type profileResponse struct {
	Handle      string  `json:"handle"`
	DisplayName *string `json:"displayName,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
}

// errorResponse is the standard XRPC error body.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) Login(ctx context.Context, identifier, secret, serviceURL string) (*transport.SessionTokens, error) {
	body, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"password":   secret,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[xrpc.Login] encode request")
	}

	var session sessionResponse
	if err := c.call(ctx, http.MethodPost, serviceURL, createSessionNSID, "", body, &session); err != nil {
		return nil, err
	}
	return tokensFrom(session), nil
}

func (c *Client) RefreshSession(ctx context.Context, refreshToken, serviceURL string) (*transport.SessionTokens, error) {
	var session sessionResponse
	if err := c.call(ctx, http.MethodPost, serviceURL, refreshSessionNSID, refreshToken, nil, &session); err != nil {
		return nil, err
	}
	return tokensFrom(session), nil
}

func (c *Client) GetProfile(ctx context.Context, did, serviceURL string) (*transport.ProfileMetadata, error) {
	var profile profileResponse
	endpoint := getProfileNSID + "?actor=" + url.QueryEscape(did)
	if err := c.call(ctx, http.MethodGet, serviceURL, endpoint, "", nil, &profile); err != nil {
		return nil, err
	}
	return &transport.ProfileMetadata{
		Handle:      profile.Handle,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.Avatar,
	}, nil
}

func (c *Client) call(ctx context.Context, method, serviceURL, endpoint, bearer string, body []byte, out any) error {
	requestURL := strings.TrimSuffix(serviceURL, "/") + "/xrpc/" + endpoint

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return errors.Wrap(err, "[xrpc] build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "[xrpc] request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "[xrpc] decode response")
	}
	return nil
}

// rejectionCodes are the XRPC error codes that mean the credential itself
// was refused, as opposed to a transient service fault.
var rejectionCodes = map[string]bool{
	"AuthenticationRequired": true,
	"InvalidToken":           true,
	"ExpiredToken":           true,
	"AccountTakedown":        true,
}

func decodeError(resp *http.Response) error {
	var xrpcErr errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&xrpcErr)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.Wrapf(transport.ErrCredentialRejected, "[xrpc] %s", xrpcErr.Error)
	}
	if resp.StatusCode == http.StatusBadRequest && rejectionCodes[xrpcErr.Error] {
		return errors.Wrapf(transport.ErrCredentialRejected, "[xrpc] %s", xrpcErr.Error)
	}
	return errors.Errorf("[xrpc] status %d: %s", resp.StatusCode, xrpcErr.Error)
}

func tokensFrom(session sessionResponse) *transport.SessionTokens {
	return &transport.SessionTokens{
		AccessToken:  session.AccessJwt,
		RefreshToken: session.RefreshJwt,
		Handle:       session.Handle,
		DID:          session.DID,
	}
}
