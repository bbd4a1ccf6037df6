package signalr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/jake-scott/net2-doors/internal/pkg/logging"
)

const classicProtocol = "1.5"

// classic speaks the pre-Core ASP.NET SignalR protocol
type classic struct {
	t *transport

	connectionToken string
	seq             int64
}

func newClassic(t *transport) dialect {
	return &classic{t: t, seq: -1}
}

func (d *classic) Name() string {
	return "classic"
}

func (d *classic) connectionData() string {
	return url.QueryEscape(`[{"name":"` + d.t.endpoint.HubName() + `"}]`)
}

// transportQuery is shared by connect and start, built by hand so the
// parameter order is stable
func (d *classic) transportQuery() string {
	return "transport=webSockets&clientProtocol=" + classicProtocol +
		"&connectionToken=" + url.QueryEscape(d.connectionToken) +
		"&connectionData=" + d.connectionData()
}

type classicNegotiation struct {
	ConnectionToken string `json:"ConnectionToken"`
	ConnectionID    string `json:"ConnectionId"`
}

func (d *classic) negotiate(ctx context.Context, token string) error {
	u := d.t.endpoint.httpURL("/signalr/negotiate?clientProtocol=" + classicProtocol +
		"&connectionData=" + d.connectionData() + "&_=" + d.t.timestamp())

	body, status, err := d.t.call(ctx, http.MethodGet, u, token)
	if err != nil {
		return errors.Wrap(err, "classic negotiate")
	}
	if status != http.StatusOK {
		return errors.Errorf("classic negotiate: HTTP status %d: %s", status, body)
	}

	var n classicNegotiation
	if err := json.Unmarshal(body, &n); err != nil {
		return errors.Wrap(err, "decoding classic negotiate response")
	}
	if n.ConnectionToken == "" {
		return errors.New("classic negotiate: no connection token")
	}

	d.connectionToken = n.ConnectionToken
	logging.Component("signalr").Debugf("classic negotiate: connection ID %s", n.ConnectionID)

	return nil
}

func (d *classic) socketURL() string {
	return d.t.endpoint.socketScheme() + "://" + d.t.endpoint.Host + "/signalr/connect?" + d.transportQuery()
}

func (d *classic) open(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, err := d.t.dial(ctx, d.socketURL(), header)
	if err != nil {
		return nil, errors.Wrap(err, "classic")
	}

	d.start(ctx, token)
	return conn, nil
}

// start tells the server the socket is ready.  Some servers hold messages
// until it succeeds, others deliver regardless, so failure is only logged.
func (d *classic) start(ctx context.Context, token string) {
	u := d.t.endpoint.httpURL("/signalr/start?" + d.transportQuery() + "&_=" + d.t.timestamp())

	body, status, err := d.t.call(ctx, http.MethodGet, u, token)
	switch {
	case err != nil:
		logging.Component("signalr").WithError(err).Warn("classic start failed")
	case status != http.StatusOK:
		logging.Component("signalr").Warnf("classic start: HTTP status %d: %s", status, body)
	}
}

type classicInvocation struct {
	H string        `json:"H"`
	M string        `json:"M"`
	A []interface{} `json:"A"`
	I int64         `json:"I"`
}

func (d *classic) encode(method string, args ...interface{}) ([]byte, error) {
	inv := classicInvocation{
		H: d.t.endpoint.HubName(),
		M: method,
		A: append([]interface{}{}, args...),
		I: atomic.AddInt64(&d.seq, 1),
	}

	b, err := json.Marshal(inv)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s invocation", method)
	}

	return b, nil
}

// The classic server sends its own keep-alives; clients stay quiet
func (d *classic) keepAlive() []byte {
	return nil
}

type classicEnvelope struct {
	M []struct {
		M string            `json:"M"`
		A []json.RawMessage `json:"A"`
	} `json:"M"`
}

// decode handles one text message.  Keep-alives ({}), cursor-only messages
// and invocation results carry no M array and produce nothing.
func (d *classic) decode(msg []byte) []Event {
	var env classicEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		dropped(d.Name(), "malformed", err, msg)
		return nil
	}

	var events []Event
	for _, m := range env.M {
		if m.M == "" || len(m.A) == 0 {
			continue
		}
		events = append(events, unwrapArgument(d.Name(), m.M, m.A[0])...)
	}

	return events
}
