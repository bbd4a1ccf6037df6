package signalr

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/jake-scott/net2-doors/internal/pkg/logging"
	"github.com/jake-scott/net2-doors/internal/pkg/metrics"
)

type State int32

const (
	Disconnected State = iota
	Negotiating
	Connected
)

func (s State) String() string {
	switch s {
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

const (
	DefaultConnectTimeout = time.Second * 15

	// DefaultPingInterval matches the ASP.NET Core hub keep-alive; the
	// server drops clients silent for twice that long
	DefaultPingInterval = time.Second * 15

	writeWait    = time.Second * 10
	maxFrameSize = 1 << 20
)

var (
	ErrNegotiationFailed = errors.New("event hub rejected both protocol dialects")
	ErrNotConnected      = errors.New("event hub not connected")
)

// TokenProvider hands out a currently valid bearer token
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// Handler receives events one at a time, in arrival order
type Handler func(Event)

type Config struct {
	Endpoint       Endpoint
	Tokens         TokenProvider
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	Handler        Handler
}

// Client holds one hub connection at a time.  A closed or failed socket
// leaves the Client Disconnected; reconnecting is up to the caller.
type Client struct {
	transport      *transport
	tokens         TokenProvider
	connectTimeout time.Duration
	pingInterval   time.Duration
	handler        Handler
	dialects       []func(*transport) dialect

	connectMu sync.Mutex
	state     int32

	mu      sync.Mutex
	conn    *websocket.Conn
	dialect dialect

	writeMu sync.Mutex
}

func NewClient(cfg Config) *Client {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	ping := cfg.PingInterval
	if ping <= 0 {
		ping = DefaultPingInterval
	}

	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	httpTransport.TLSClientConfig = cfg.TLSConfig

	handler := cfg.Handler
	if handler == nil {
		handler = func(Event) {}
	}

	return &Client{
		transport: &transport{
			endpoint: cfg.Endpoint,
			http:     &http.Client{Transport: httpTransport, Timeout: timeout},
			dialer: &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: timeout,
				TLSClientConfig:  cfg.TLSConfig,
			},
			now: time.Now,
		},
		tokens:         cfg.Tokens,
		connectTimeout: timeout,
		pingInterval:   ping,
		handler:        handler,
		dialects:       []func(*transport) dialect{newModern, newClassic},
	}
}

func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Client) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
	metrics.Connected.Set(metrics.Bool(s == Connected))
}

// IsConnected is a snapshot; the socket may drop at any moment after
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Dialect names the dialect of the current connection, or "" when there is
// none
func (c *Client) Dialect() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dialect == nil || c.conn == nil {
		return ""
	}
	return c.dialect.Name()
}

// Connect negotiates with the hub, modern dialect first, and opens the
// socket.  It returns ErrNegotiationFailed when neither dialect can be
// brought up; the Client then stays Disconnected and Connect may be retried.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.IsConnected() {
		return nil
	}

	log := logging.Component("signalr")
	c.setState(Negotiating)

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		c.setState(Disconnected)
		return errors.Wrap(err, "fetching token for event hub")
	}

	for _, mk := range c.dialects {
		d := mk(c.transport)
		dlog := log.WithField("dialect", d.Name())

		if err := d.negotiate(ctx, token); err != nil {
			metrics.ConnectAttempts.WithLabelValues(d.Name(), "negotiate-failed").Inc()
			dlog.WithError(err).Debug("negotiation failed")
			continue
		}

		conn, err := d.open(ctx, token)
		if err != nil {
			metrics.ConnectAttempts.WithLabelValues(d.Name(), "open-failed").Inc()
			dlog.WithError(err).Warn("opening event hub socket failed")
			continue
		}

		conn.SetReadLimit(maxFrameSize)

		c.mu.Lock()
		c.conn = conn
		c.dialect = d
		c.setState(Connected)
		c.mu.Unlock()

		metrics.ConnectAttempts.WithLabelValues(d.Name(), "connected").Inc()
		dlog.Info("event hub connected")

		done := make(chan struct{})
		go c.readLoop(conn, d, done)
		if frame := d.keepAlive(); frame != nil {
			go c.pingLoop(conn, frame, done)
		}
		return nil
	}

	c.setState(Disconnected)
	return ErrNegotiationFailed
}

func (c *Client) readLoop(conn *websocket.Conn, d dialect, done chan struct{}) {
	defer close(done)
	log := logging.Component("signalr").WithField("dialect", d.Name())

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Infof("event hub closed: %v", err)
			} else {
				log.WithError(err).Warn("event hub socket error")
			}
			break
		}

		if msgType != websocket.TextMessage {
			continue
		}

		metrics.FramesReceived.WithLabelValues(d.Name()).Inc()
		log.Tracef("frame: %s", msg)

		for _, ev := range d.decode(msg) {
			c.dispatch(d.Name(), ev)
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.setState(Disconnected)
	}
	c.mu.Unlock()

	conn.Close()
}

// pingLoop sends the dialect's keep-alive frame until the read loop for
// conn exits.  A failed write is logged; the read loop then sees the dead
// socket and flips the Client to Disconnected.
func (c *Client) pingLoop(conn *websocket.Conn, frame []byte, done chan struct{}) {
	log := logging.Component("signalr")

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if err := c.writeFrame(conn, frame); err != nil {
			log.WithError(err).Warn("event hub keep-alive failed, connection will drop")
			return
		}
		log.Trace("sent keep-alive")
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// dispatch keeps a panicking handler from killing the read loop
func (c *Client) dispatch(dialectName string, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Component("signalr").Errorf("event handler panic on %s: %v", ev.Target, r)
		}
	}()

	metrics.EventsDispatched.WithLabelValues(dialectName).Inc()
	c.handler(ev)
}

func (c *Client) invoke(method string, args ...interface{}) error {
	c.mu.Lock()
	conn, d := c.conn, c.dialect
	c.mu.Unlock()

	if conn == nil || !c.IsConnected() {
		return ErrNotConnected
	}

	frame, err := d.encode(method, args...)
	if err != nil {
		return err
	}

	if err := c.writeFrame(conn, frame); err != nil {
		return errors.Wrapf(err, "invoking %s", method)
	}

	logging.Component("signalr").Debugf("sent %s invocation: %s", d.Name(), frame)
	return nil
}

// SubscribeToEvents asks for the live and door event feeds.  Nothing is
// acknowledged.
func (c *Client) SubscribeToEvents() error {
	for _, method := range []string{"subscribeToLiveEvents", "subscribeToDoorEvents"} {
		if err := c.invoke(method); err != nil {
			return err
		}
	}

	return nil
}

// SubscribeToDoorEvents adds the event and status feeds of a single door
func (c *Client) SubscribeToDoorEvents(doorID int) error {
	for _, method := range []string{"subscribeToDoorEvents", "subscribeToDoorStatusEvents"} {
		if err := c.invoke(method, doorID); err != nil {
			return err
		}
	}

	return nil
}

// Disconnect closes the socket, if any, with a normal closure.  Safe to call
// at any time, any number of times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.setState(Disconnected)
	c.mu.Unlock()

	if conn == nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Normal close")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		logging.Component("signalr").WithError(err).Debug("sending close frame")
	}
	conn.Close()
}
