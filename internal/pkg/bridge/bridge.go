// Package bridge runs the session with a Net2 server: it keeps the login
// fresh, holds the event hub connection, polls door status and routes
// everything to per-door interpreters.
package bridge

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jake-scott/net2-doors/internal/pkg/doorstate"
	"github.com/jake-scott/net2-doors/internal/pkg/logging"
	"github.com/jake-scott/net2-doors/internal/pkg/metrics"
	"github.com/jake-scott/net2-doors/internal/pkg/net2api"
	"github.com/jake-scott/net2-doors/internal/pkg/net2auth"
	"github.com/jake-scott/net2-doors/internal/pkg/signalr"
)

const (
	DefaultPollInterval      = time.Second * 30
	DefaultReconnectInterval = time.Second * 60
	DefaultAPITimeout        = time.Second * 15
)

var (
	ErrUnknownDoor    = errors.New("door not configured")
	ErrAlreadyStarted = errors.New("bridge already started")
)

// Session is the part of the session manager the bridge drives
type Session interface {
	Authenticate(ctx context.Context) error
	EnsureValid(ctx context.Context) error
	IsValid() bool
	Clear()
}

// Realtime is the event hub connection
type Realtime interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Dialect() string
	SubscribeToEvents() error
	SubscribeToDoorEvents(doorID int) error
	Disconnect()
}

// sessionSink is implemented by sinks that report bridge connectivity
type sessionSink interface {
	SessionChanged(online bool, reason string)
}

type Config struct {
	PollInterval      time.Duration
	ReconnectInterval time.Duration
	APITimeout        time.Duration
	OpenPolicy        doorstate.OpenPolicy
	AutoOffDelay      time.Duration
}

type DoorConfig struct {
	ID   int    `json:"id" yaml:"id" mapstructure:"id"`
	Name string `json:"name" yaml:"name" mapstructure:"name"`
}

type Deps struct {
	Session Session
	API     net2api.Net2
	Sink    doorstate.Sink

	// NewRealtime builds the hub client around the bridge's event handler
	NewRealtime func(signalr.Handler) Realtime
}

// Status describes the bridge as a whole
type Status struct {
	Online   bool      `json:"online"`
	Reason   string    `json:"reason,omitempty"`
	Realtime bool      `json:"realtime"`
	Dialect  string    `json:"dialect,omitempty"`
	LastPoll time.Time `json:"lastPoll,omitempty"`
	Doors    int       `json:"doors"`
}

type Bridge struct {
	cfg       Config
	session   Session
	api       net2api.Net2
	realtime  Realtime
	sink      doorstate.Sink
	reconnect *rate.Limiter
	log       *logrus.Entry

	mu       sync.RWMutex
	doors    map[int]*doorstate.Door
	online   bool
	reason   string
	lastPoll time.Time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.APITimeout <= 0 {
		c.APITimeout = DefaultAPITimeout
	}
	if c.AutoOffDelay <= 0 {
		c.AutoOffDelay = doorstate.DefaultAutoOffDelay
	}
	return c
}

func New(cfg Config, deps Deps) *Bridge {
	cfg = cfg.withDefaults()

	b := &Bridge{
		cfg:     cfg,
		session: deps.Session,
		api:     deps.API,
		sink:    deps.Sink,
		log:     logging.Component("bridge"),
		doors:   map[int]*doorstate.Door{},
		reason:  "not started",

		// One attempt straight away, then at most one per interval
		reconnect: rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
	}

	if deps.NewRealtime != nil {
		b.realtime = deps.NewRealtime(b.HandleEvent)
	}

	return b
}

// AddDoor attaches a door.  If the hub is already connected the door's own
// feeds are subscribed straight away.
func (b *Bridge) AddDoor(dc DoorConfig) *doorstate.Door {
	d := doorstate.New(doorstate.Config{
		ID:           dc.ID,
		Name:         dc.Name,
		Policy:       b.cfg.OpenPolicy,
		AutoOffDelay: b.cfg.AutoOffDelay,
		Sink:         b.sink,
	})

	b.mu.Lock()
	if old, ok := b.doors[dc.ID]; ok {
		old.Close()
	}
	b.doors[dc.ID] = d
	b.mu.Unlock()

	if b.realtime != nil && b.realtime.IsConnected() {
		if err := b.realtime.SubscribeToDoorEvents(dc.ID); err != nil {
			b.log.WithError(err).Warnf("subscribing to door %d", dc.ID)
		}
	}

	b.log.Infof("door %d (%s) attached", dc.ID, d.Name())
	return d
}

func (b *Bridge) RemoveDoor(id int) {
	b.mu.Lock()
	d, ok := b.doors[id]
	delete(b.doors, id)
	b.mu.Unlock()

	if ok {
		d.Close()
	}
}

func (b *Bridge) door(id int) (*doorstate.Door, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d, ok := b.doors[id]
	return d, ok
}

func (b *Bridge) doorList() []*doorstate.Door {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*doorstate.Door, 0, len(b.doors))
	for _, d := range b.doors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}

// Start logs in and begins polling.  A failed login leaves the bridge
// offline; the poll loop tries again each cycle.
func (b *Bridge) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)

	if err := b.session.Authenticate(ctx); err != nil {
		b.authFailed(err)
	} else {
		b.setOnline(true, "")
	}

	b.wg.Add(1)
	go b.run(ctx)

	return nil
}

func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		b.cycle(ctx)

		select {
		case <-ctx.Done():
			b.log.Info("poll-loop: shutting down")
			return
		case <-ticker.C:
		}
	}
}

// cycle is one poll period: session, hub connection, then door status
func (b *Bridge) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if err := b.ensureSession(ctx); err != nil {
		return
	}

	b.ensureRealtime(ctx)
	b.poll(ctx)
}

func (b *Bridge) ensureSession(ctx context.Context) error {
	err := b.session.EnsureValid(ctx)
	if errors.Is(err, net2auth.ErrNotAuthenticated) {
		err = b.session.Authenticate(ctx)
	}

	if err != nil {
		b.authFailed(err)
		return err
	}

	b.setOnline(true, "")
	return nil
}

func (b *Bridge) authFailed(err error) {
	metrics.AuthFailures.Inc()

	reason := "cannot reach Net2 server"
	switch {
	case errors.Is(err, net2auth.ErrAuthFailure):
		reason = "Net2 server rejected the credentials"
	case errors.Is(err, context.Canceled):
		reason = "stopped"
	}

	b.log.WithError(err).Warn("authentication failed")
	b.setOnline(false, reason)
}

func (b *Bridge) ensureRealtime(ctx context.Context) {
	if b.realtime == nil || b.realtime.IsConnected() {
		return
	}
	if !b.reconnect.Allow() {
		return
	}

	if err := b.realtime.Connect(ctx); err != nil {
		b.log.WithError(err).Warn("event hub unavailable, relying on polling")
		return
	}

	if err := b.realtime.SubscribeToEvents(); err != nil {
		b.log.WithError(err).Warn("subscribing to events")
		return
	}

	for _, d := range b.doorList() {
		if err := b.realtime.SubscribeToDoorEvents(d.ID()); err != nil {
			b.log.WithError(err).Warnf("subscribing to door %d", d.ID())
		}
	}
}

func (b *Bridge) poll(ctx context.Context) {
	items, err := b.api.WithContext(ctx).WithTimeout(b.cfg.APITimeout).DoorStatus()
	if err != nil {
		metrics.Polls.WithLabelValues("error").Inc()
		b.log.WithError(err).Warn("door status poll failed")
		return
	}
	metrics.Polls.WithLabelValues("ok").Inc()

	for _, d := range b.doorList() {
		if !d.Reconcile(items) {
			b.log.Debugf("door %d missing from status poll", d.ID())
		}
	}

	b.mu.Lock()
	b.lastPoll = time.Now()
	b.mu.Unlock()
}

func (b *Bridge) setOnline(online bool, reason string) {
	b.mu.Lock()
	changed := b.online != online || b.reason != reason
	b.online = online
	b.reason = reason
	b.mu.Unlock()

	metrics.Online.Set(metrics.Bool(online))

	if !changed {
		return
	}
	if s, ok := b.sink.(sessionSink); ok {
		s.SessionChanged(online, reason)
	}
}

type eventRoute struct {
	DoorID   json.RawMessage `json:"doorId"`
	DeviceID json.RawMessage `json:"deviceId"`
}

func routeID(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
	}

	return 0, false
}

// HandleEvent routes a hub event to its door by doorId, falling back to
// deviceId.  It runs on the hub's read loop and never blocks on the network.
func (b *Bridge) HandleEvent(ev signalr.Event) {
	var r eventRoute
	if err := json.Unmarshal(ev.Payload, &r); err != nil {
		b.log.WithError(err).Debugf("unroutable %s event", ev.Target)
		return
	}

	id, ok := routeID(r.DoorID)
	if !ok {
		id, ok = routeID(r.DeviceID)
	}
	if !ok {
		b.log.Debugf("%s event names no door: %s", ev.Target, ev.Payload)
		return
	}

	d, ok := b.door(id)
	if !ok {
		b.log.Debugf("%s event for unconfigured door %d", ev.Target, id)
		return
	}

	d.Apply(ev.Target, ev.Payload)
}

// Stop ends polling, cancels door timers, closes the hub connection and
// forgets the session.  Safe to call more than once.
func (b *Bridge) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.wg.Wait()

	for _, d := range b.doorList() {
		d.Close()
	}

	if b.realtime != nil {
		b.realtime.Disconnect()
	}
	b.session.Clear()

	if b.started {
		b.setOnline(false, "stopped")
	}
}

func (b *Bridge) Status() Status {
	b.mu.RLock()
	s := Status{
		Online:   b.online,
		Reason:   b.reason,
		LastPoll: b.lastPoll,
		Doors:    len(b.doors),
	}
	b.mu.RUnlock()

	if b.realtime != nil {
		s.Realtime = b.realtime.IsConnected()
		s.Dialect = b.realtime.Dialect()
	}

	return s
}

func (b *Bridge) Doors() []doorstate.Snapshot {
	doors := b.doorList()

	out := make([]doorstate.Snapshot, 0, len(doors))
	for _, d := range doors {
		out = append(out, d.Snapshot())
	}

	return out
}

func (b *Bridge) Door(id int) (doorstate.Snapshot, error) {
	d, ok := b.door(id)
	if !ok {
		return doorstate.Snapshot{}, ErrUnknownDoor
	}

	return d.Snapshot(), nil
}
