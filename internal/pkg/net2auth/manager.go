package net2auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/jake-scott/net2-doors/internal/pkg/logging"
)

// Scope requested on every grant so that a refresh token is issued
const Scope = "offline_access"

// DefaultRefreshBuffer is how far ahead of expiry a token gets refreshed
const DefaultRefreshBuffer = time.Second * 300

var (
	ErrNotAuthenticated = errors.New("not authenticated with Net2 server")
	ErrAuthFailure      = errors.New("Net2 server rejected credentials")
	ErrAuthTransport    = errors.New("cannot reach Net2 token endpoint")

	errGrantStatus = errors.New("token endpoint did not answer 200")
)

// Credentials used for the password grant
type Credentials struct {
	Username string
	Password string
	ClientID string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Username [%s] Password [%s] ClientID [%s]", c.Username, hashOf(c.Password), c.ClientID)
}

// Manager owns the Net2 Session.  Grants are serialized by flowMu so that
// concurrent callers trigger at most one exchange; readers only ever take mu
// and see either the old or the new Session.
type Manager struct {
	tokenURL      string
	creds         Credentials
	refreshBuffer time.Duration
	httpClient    *http.Client
	now           func() time.Time

	flowMu  sync.Mutex
	mu      sync.RWMutex
	session Session
}

// NewManager returns a Manager for the token endpoint at tokenURL
func NewManager(tokenURL string, creds Credentials) *Manager {
	return &Manager{
		tokenURL:      tokenURL,
		creds:         creds,
		refreshBuffer: DefaultRefreshBuffer,
		httpClient:    http.DefaultClient,
		now:           time.Now,
	}
}

// WithHTTPClient sets the client used for token requests.  Call before use.
func (m *Manager) WithHTTPClient(c *http.Client) *Manager {
	m.httpClient = c
	return m
}

// WithRefreshBuffer overrides DefaultRefreshBuffer.  Call before use.
func (m *Manager) WithRefreshBuffer(d time.Duration) *Manager {
	m.refreshBuffer = d
	return m
}

// WithClock replaces the wall clock, for tests.  Call before use.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: m.creds.ClientID,
		Scopes:   []string{Scope},
		Endpoint: oauth2.Endpoint{
			TokenURL:  m.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	base := m.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	client := *m.httpClient
	client.Transport = grantTransport{base: base}

	return context.WithValue(ctx, oauth2.HTTPClient, &client)
}

// grantTransport puts Net2's wire rules on the oauth2 token exchange: every
// grant carries the offline_access scope, and only a 200 is a success
type grantTransport struct {
	base http.RoundTripper
}

func (t grantTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost && req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, "reading token request")
		}

		if form, err := url.ParseQuery(string(body)); err == nil && form.Get("scope") == "" {
			form.Set("scope", Scope)
			body = []byte(form.Encode())
		}

		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		resp.Body.Close()
		return nil, errors.Wrapf(errGrantStatus, "HTTP status %d", resp.StatusCode)
	}

	return resp, nil
}

// Authenticate runs the password grant and replaces the Session on success.
// On failure any previous Session is left as it was.
func (m *Manager) Authenticate(ctx context.Context) error {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	return m.authenticateLocked(ctx)
}

func (m *Manager) authenticateLocked(ctx context.Context) error {
	log := logging.Logger(ctx)
	log.Debugf("authenticating as %s", m.creds)

	tok, err := m.config().PasswordCredentialsToken(m.oauthContext(ctx), m.creds.Username, m.creds.Password)
	if err != nil {
		return classify(err, "password grant")
	}

	s := m.sessionFromToken(tok, "")
	m.store(s)

	log.Debugf("authenticated with Net2, token expires %s", s.Expiry.Format(time.RFC3339))
	return nil
}

func (m *Manager) refreshLocked(ctx context.Context, refreshToken string) error {
	ts := m.config().TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := ts.Token()
	if err != nil {
		return classify(err, "refresh grant")
	}

	s := m.sessionFromToken(tok, refreshToken)
	m.store(s)

	logging.Logger(ctx).Debugf("refreshed Net2 token, expires %s", s.Expiry.Format(time.RFC3339))
	return nil
}

// EnsureValid makes sure the current access token outlives the refresh
// buffer, refreshing it (or re-authenticating if there is no refresh token)
// when it does not.  A failed refresh keeps the stale token and only reports
// an error once that token has actually expired.
func (m *Manager) EnsureValid(ctx context.Context) error {
	s := m.Snapshot()
	if s.AccessToken == "" {
		return ErrNotAuthenticated
	}
	if !s.expiresWithin(m.now(), m.refreshBuffer) {
		return nil
	}

	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	// Another caller may have refreshed or cleared while we waited
	s = m.Snapshot()
	if s.AccessToken == "" {
		return ErrNotAuthenticated
	}
	if !s.expiresWithin(m.now(), m.refreshBuffer) {
		return nil
	}

	var err error
	if s.RefreshToken == "" {
		err = m.authenticateLocked(ctx)
	} else {
		logging.Logger(ctx).Debug("Net2 token expiring soon, refreshing")
		err = m.refreshLocked(ctx, s.RefreshToken)
	}

	if err != nil {
		if s.validAt(m.now()) {
			logging.Logger(ctx).WithError(err).Warn("token refresh failed, continuing with current token")
			return nil
		}
		return err
	}

	return nil
}

// IsValid reports whether a token is held and has not expired
func (m *Manager) IsValid() bool {
	return m.Snapshot().validAt(m.now())
}

// AccessToken returns a currently valid bearer token
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if err := m.EnsureValid(ctx); err != nil {
		return "", err
	}

	s := m.Snapshot()
	if !s.validAt(m.now()) {
		return "", ErrNotAuthenticated
	}

	return s.AccessToken, nil
}

// TokenSource adapts the Manager for use with oauth2.Transport
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSource{ctx: ctx, m: m}
}

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

func (ts tokenSource) Token() (*oauth2.Token, error) {
	tok, err := ts.m.AccessToken(ts.ctx)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: tok,
		TokenType:   "Bearer",
		Expiry:      ts.m.Snapshot().Expiry,
	}, nil
}

// Clear forgets the Session
func (m *Manager) Clear() {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	m.store(Session{})
}

// Snapshot returns a copy of the current Session
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.session
}

func (m *Manager) String() string {
	return fmt.Sprintf("TokenURL [%s] %s %s", m.tokenURL, m.creds, m.Snapshot())
}

func (m *Manager) store(s Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
}

func (m *Manager) sessionFromToken(tok *oauth2.Token, previousRefresh string) Session {
	s := Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	if s.RefreshToken == "" {
		s.RefreshToken = previousRefresh
	}

	if secs, ok := expiresIn(tok); ok {
		s.Expiry = m.now().Add(time.Duration(secs) * time.Second)
	}

	return s
}

// expiresIn digs the raw expires_in value out of the token response, so
// that expiry follows the Manager's clock rather than the library's
func expiresIn(tok *oauth2.Token) (int64, bool) {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}

	return 0, false
}

func classify(err error, flow string) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return errors.Wrapf(ErrAuthFailure, "%s: HTTP status %d: %s", flow, status, rerr.Body)
	}
	if errors.Is(err, errGrantStatus) {
		return errors.Wrapf(ErrAuthFailure, "%s: %v", flow, err)
	}

	return errors.Wrapf(ErrAuthTransport, "%s: %v", flow, err)
}
