package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/jake-scott/net2-doors/internal/pkg/logging"
)

const (
	recordSeparator = 0x1e

	modernInvocation = 1
	modernPing       = 6
	modernClose      = 7
)

var (
	modernHandshake = []byte("{\"protocol\":\"json\",\"version\":1}\x1e")
	modernPingFrame = []byte("{\"type\":6}\x1e")
)

// modern speaks the ASP.NET Core hub protocol
type modern struct {
	t *transport

	connectionID string
	accessToken  string
	redirectURL  string
}

func newModern(t *transport) dialect {
	return &modern{t: t}
}

func (d *modern) Name() string {
	return "modern"
}

type modernNegotiation struct {
	ConnectionID string `json:"connectionId"`
	AccessToken  string `json:"accessToken"`
	URL          string `json:"url"`
}

func (d *modern) negotiate(ctx context.Context, token string) error {
	u := d.t.endpoint.httpURL(d.t.endpoint.HubPath + "/negotiate?negotiateVersion=1")

	body, status, err := d.t.call(ctx, http.MethodPost, u, token)
	if err != nil {
		return errors.Wrap(err, "modern negotiate")
	}
	if status != http.StatusOK {
		return errors.Errorf("modern negotiate: HTTP status %d: %s", status, body)
	}

	var n modernNegotiation
	if err := json.Unmarshal(body, &n); err != nil {
		return errors.Wrap(err, "decoding modern negotiate response")
	}

	d.connectionID = n.ConnectionID
	d.accessToken = n.AccessToken
	d.redirectURL = n.URL

	return nil
}

// socketURL builds the upgrade URL.  The token travels in the query only;
// parameters are appended in a fixed order.
func (d *modern) socketURL(token string) (string, error) {
	scheme := d.t.endpoint.socketScheme()
	host := d.t.endpoint.Host
	path := d.t.endpoint.HubPath

	if d.redirectURL != "" {
		u, err := url.Parse(d.redirectURL)
		if err != nil {
			return "", errors.Wrapf(err, "parsing negotiated URL %s", d.redirectURL)
		}
		if u.Host != "" {
			scheme = socketScheme(u.Scheme)
			host = u.Host
		}
		path = u.EscapedPath()
	}

	if d.accessToken != "" {
		token = d.accessToken
	}

	var query string
	if d.connectionID != "" {
		query = "id=" + d.connectionID
	}
	if token != "" {
		if query != "" {
			query += "&"
		}
		query += "access_token=" + url.QueryEscape(token)
	}

	s := scheme + "://" + host + path
	if query != "" {
		s += "?" + query
	}

	return s, nil
}

func (d *modern) open(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := d.socketURL(token)
	if err != nil {
		return nil, err
	}

	conn, err := d.t.dial(ctx, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "modern")
	}

	if err := conn.WriteMessage(websocket.TextMessage, modernHandshake); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "sending modern handshake")
	}

	return conn, nil
}

func (d *modern) encode(method string, args ...interface{}) ([]byte, error) {
	m := struct {
		Type      int           `json:"type"`
		Target    string        `json:"target"`
		Arguments []interface{} `json:"arguments"`
	}{
		Type:      modernInvocation,
		Target:    method,
		Arguments: append([]interface{}{}, args...),
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s invocation", method)
	}

	return append(b, recordSeparator), nil
}

func (d *modern) keepAlive() []byte {
	return modernPingFrame
}

type modernFrame struct {
	Type      *int              `json:"type"`
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
	Error     string            `json:"error"`
}

func (d *modern) decode(msg []byte) []Event {
	var events []Event

	for _, part := range bytes.Split(msg, []byte{recordSeparator}) {
		part = bytes.TrimSpace(part)
		if len(part) == 0 {
			continue
		}

		var f modernFrame
		if err := json.Unmarshal(part, &f); err != nil {
			dropped(d.Name(), "malformed", err, part)
			continue
		}

		// The handshake reply has no type
		if f.Type == nil {
			if f.Error != "" {
				logging.Component("signalr").Warnf("hub rejected handshake: %s", f.Error)
			}
			continue
		}

		switch *f.Type {
		case modernInvocation:
			if f.Target == "" || len(f.Arguments) == 0 {
				dropped(d.Name(), "no-arguments", nil, part)
				continue
			}
			events = append(events, unwrapArgument(d.Name(), f.Target, f.Arguments[0])...)
		case modernPing:
			// keep-alive
		case modernClose:
			logging.Component("signalr").Infof("hub sent close frame: %s", part)
		default:
			dropped(d.Name(), "unknown-type", nil, part)
		}
	}

	return events
}
