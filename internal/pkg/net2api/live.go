package net2api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/jake-scott/net2-doors/internal/pkg/logging"
	"github.com/jake-scott/net2-doors/version"
)

const (
	DefaultPort   = 8443
	apiPathPrefix = "/api/v1"

	// responses bigger than this are cut short
	maxResponseBytes = 4 << 20
)

var (
	ErrUnexpectedStatus = errors.New("unexpected HTTP status from Net2")
	ErrCommandFailed    = errors.New("Net2 rejected door command")
)

// BaseURL returns the REST API root for a server.  host may instead be a
// complete URL, in which case it is used as-is.
func BaseURL(host string, port int) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/")
	}

	if port == 0 {
		port = DefaultPort
	}

	return fmt.Sprintf("https://%s:%d%s", host, port, apiPathPrefix)
}

// TokenURL is the OAuth token endpoint under baseURL
func TokenURL(baseURL string) string {
	return baseURL + "/authorization/tokens"
}

// ServerRoot strips the path from baseURL, leaving scheme, host and port
func ServerRoot(baseURL string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing Net2 base URL %s", baseURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("Net2 base URL %s has no scheme or host", baseURL)
	}

	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// TLSConfig returns the client TLS settings for Net2 connections.  Net2
// servers commonly present self-signed certificates.
func TLSConfig(verify bool) *tls.Config {
	return &tls.Config{InsecureSkipVerify: !verify} //nolint:gosec
}

// HTTPTransport returns a transport for talking to Net2
func HTTPTransport(verify bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = TLSConfig(verify)
	return t
}

type Live struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	ctx     context.Context
}

// NewLiveClient returns a client for the REST API at baseURL.  Every request
// carries a bearer token taken from ts.
func NewLiveClient(baseURL string, ts oauth2.TokenSource, base http.RoundTripper) *Live {
	return &Live{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: &oauth2.Transport{Source: ts, Base: base},
		},
		ctx: context.Background(),
	}
}

func (c *Live) WithTimeout(d time.Duration) Net2 {
	nc := *c
	nc.timeout = d
	return &nc
}

func (c *Live) WithContext(ctx context.Context) Net2 {
	nc := *c
	nc.ctx = ctx
	return &nc
}

func (c *Live) MakeContext() (context.Context, context.CancelFunc) {
	var ctx = c.ctx
	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	return ctx, cancel
}

func statusIn(code int, ok []int) bool {
	for _, c := range ok {
		if code == c {
			return true
		}
	}
	return false
}

// do runs one request and returns the body if the status is one of ok
func (c *Live) do(method, path string, in interface{}, ok ...int) ([]byte, error) {
	ctx, cancel := c.MakeContext()
	defer cancel()

	var body io.Reader
	var reqBytes []byte
	if in != nil {
		var err error
		switch v := in.(type) {
		case json.RawMessage:
			reqBytes = v
		default:
			if reqBytes, err = json.Marshal(in); err != nil {
				return nil, errors.Wrapf(err, "encoding %s %s request", method, path)
			}
		}
		body = bytes.NewReader(reqBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s %s request", method, path)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logging.Logger(c.ctx).Debugf("Net2 request %s %s %s", method, path, reqBytes)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "executing %s %s", method, path)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s %s response", method, path)
	}

	if !statusIn(resp.StatusCode, ok) {
		return respBytes, errors.Wrapf(ErrUnexpectedStatus, "%s %s: HTTP status %d: %s", method, path, resp.StatusCode, respBytes)
	}

	return respBytes, nil
}

func (c *Live) get(path string, out interface{}) error {
	b, err := c.do(http.MethodGet, path, nil, http.StatusOK)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(b, out); err != nil {
		return errors.Wrapf(err, "decoding GET %s response", path)
	}

	return nil
}

// DoorStatus returns the live status of every door
func (c *Live) DoorStatus() ([]DoorStatus, error) {
	var items []DoorStatus
	if err := c.get("/doors/status", &items); err != nil {
		return nil, errors.Wrap(err, "fetching door status")
	}

	return items, nil
}

func (c *Live) Doors() ([]Door, error) {
	var items []Door
	if err := c.get("/doors", &items); err != nil {
		return nil, errors.Wrap(err, "listing doors")
	}

	return items, nil
}

type doorCommand struct {
	DoorID int `json:"DoorId"`
}

func (c *Live) command(path string, in interface{}, ok ...int) error {
	if _, err := c.do(http.MethodPost, path, in, ok...); err != nil {
		if errors.Is(err, ErrUnexpectedStatus) {
			return errors.Wrapf(ErrCommandFailed, "%v", err)
		}
		return err
	}

	return nil
}

func (c *Live) HoldDoorOpen(doorID int) error {
	return c.command("/commands/door/holdopen", doorCommand{DoorID: doorID}, http.StatusOK)
}

func (c *Live) CloseDoor(doorID int) error {
	return c.command("/commands/door/close", doorCommand{DoorID: doorID}, http.StatusOK)
}

type relayFunction struct {
	RelayID       string `json:"RelayId"`
	RelayAction   string `json:"RelayAction"`
	RelayOpenTime int64  `json:"RelayOpenTime"`
}

type doorControlCommand struct {
	DoorID        int           `json:"DoorId"`
	RelayFunction relayFunction `json:"RelayFunction"`
	LedFlash      int           `json:"LedFlash"`
}

// NewDoorControlBody builds the timed-open payload for /commands/door/control.
// A zero duration opens for one second.
func NewDoorControlBody(ctl DoorControl) json.RawMessage {
	d := ctl.Duration
	if d <= 0 {
		d = time.Second
	}

	b, _ := json.Marshal(doorControlCommand{
		DoorID: ctl.DoorID,
		RelayFunction: relayFunction{
			RelayID:       "Relay1",
			RelayAction:   "TimedOpen",
			RelayOpenTime: d.Milliseconds(),
		},
		LedFlash: 3,
	})

	return b
}

func (c *Live) ControlDoor(ctl DoorControl) error {
	return c.ControlDoorRaw(NewDoorControlBody(ctl))
}

// ControlDoorRaw posts a caller-built body to /commands/door/control
func (c *Live) ControlDoorRaw(body json.RawMessage) error {
	if !json.Valid(body) {
		return errors.New("door control body is not valid JSON")
	}

	return c.command("/commands/door/control", body, http.StatusOK, http.StatusAccepted)
}

func (c *Live) Users() ([]User, error) {
	var items []User
	if err := c.get("/users", &items); err != nil {
		return nil, errors.Wrap(err, "listing users")
	}

	return items, nil
}

func (c *Live) AddUser(u User) (*User, error) {
	u.ID = 0
	b, err := c.do(http.MethodPost, "/users", u, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, errors.Wrapf(err, "adding user %s %s", u.FirstName, u.LastName)
	}

	created := u
	if err := json.Unmarshal(b, &created); err != nil {
		return nil, errors.Wrap(err, "decoding new user")
	}

	logging.Logger(c.ctx).Infof("added user %s %s (ID %d)", created.FirstName, created.LastName, created.ID)
	return &created, nil
}

func (c *Live) DeleteUser(userID int) error {
	if _, err := c.do(http.MethodDelete, "/users/"+strconv.Itoa(userID), nil, http.StatusOK, http.StatusNoContent); err != nil {
		return errors.Wrapf(err, "deleting user %d", userID)
	}

	return nil
}

func (c *Live) AddUserToken(userID int, token UserToken) error {
	path := "/users/" + strconv.Itoa(userID) + "/tokens"
	if _, err := c.do(http.MethodPost, path, token, http.StatusOK, http.StatusCreated); err != nil {
		return errors.Wrapf(err, "adding token to user %d", userID)
	}

	return nil
}

func (c *Live) AccessLevels() ([]AccessLevel, error) {
	var items []AccessLevel
	if err := c.get("/accesslevels", &items); err != nil {
		return nil, errors.Wrap(err, "listing access levels")
	}

	return items, nil
}

// ResolveAccessLevel maps an access level ID or (case-insensitive) name to
// an ID known to the server
func (c *Live) ResolveAccessLevel(nameOrID string) (int, error) {
	levels, err := c.AccessLevels()
	if err != nil {
		return 0, err
	}

	if id, err := strconv.Atoi(strings.TrimSpace(nameOrID)); err == nil {
		for _, l := range levels {
			if l.ID == id {
				return id, nil
			}
		}
	}

	wanted := strings.ToLower(strings.TrimSpace(nameOrID))
	for _, l := range levels {
		if strings.ToLower(strings.TrimSpace(l.Name)) == wanted {
			return l.ID, nil
		}
	}

	return 0, errors.Errorf("no access level matches %q", nameOrID)
}

type doorPermissionSet struct {
	AccessLevels          []int         `json:"accessLevels"`
	IndividualPermissions []interface{} `json:"individualPermissions"`
}

// AssignAccessLevels replaces a user's access levels
func (c *Live) AssignAccessLevels(userID int, levelIDs []int) error {
	set := doorPermissionSet{
		AccessLevels:          append([]int{}, levelIDs...),
		IndividualPermissions: []interface{}{},
	}

	path := "/users/" + strconv.Itoa(userID) + "/doorpermissionset"
	if _, err := c.do(http.MethodPut, path, set, http.StatusOK, http.StatusNoContent); err != nil {
		return errors.Wrapf(err, "assigning access levels to user %d", userID)
	}

	return nil
}
