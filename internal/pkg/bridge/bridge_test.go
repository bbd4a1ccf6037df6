package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/jake-scott/net2-doors/internal/pkg/doorstate"
	"github.com/jake-scott/net2-doors/internal/pkg/net2api"
	"github.com/jake-scott/net2-doors/internal/pkg/net2auth"
	"github.com/jake-scott/net2-doors/internal/pkg/signalr"
)

type fakeSession struct {
	mu          sync.Mutex
	authErr     error
	valid       bool
	authCalls   int
	ensureCalls int
	clears      int
}

func (s *fakeSession) Authenticate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCalls++
	if s.authErr != nil {
		return s.authErr
	}
	s.valid = true
	return nil
}

func (s *fakeSession) EnsureValid(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureCalls++
	if !s.valid {
		return net2auth.ErrNotAuthenticated
	}
	return nil
}

func (s *fakeSession) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

func (s *fakeSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	s.valid = false
}

func (s *fakeSession) auths() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls
}

type fakeRealtime struct {
	mu          sync.Mutex
	handler     signalr.Handler
	connectErr  error
	connected   bool
	connects    int
	disconnects int
	calls       []string
}

func (r *fakeRealtime) Connect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connects++
	if r.connectErr != nil {
		return r.connectErr
	}
	r.connected = true
	return nil
}

func (r *fakeRealtime) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRealtime) Dialect() string {
	if r.IsConnected() {
		return "modern"
	}
	return ""
}

func (r *fakeRealtime) SubscribeToEvents() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "events")
	return nil
}

func (r *fakeRealtime) SubscribeToDoorEvents(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("door %d", id))
	return nil
}

func (r *fakeRealtime) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	r.connected = false
}

func (r *fakeRealtime) callList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

type recordingSink struct {
	mu       sync.Mutex
	updates  []string
	sessions []string
}

func (s *recordingSink) StatusChanged(id int, ch doorstate.Channel, st doorstate.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, fmt.Sprintf("%d %s %s", id, ch, st))
}

func (s *recordingSink) AttributeChanged(id int, attr doorstate.Attribute, v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, fmt.Sprintf("%d %s %s", id, attr, v))
}

func (s *recordingSink) EntryLogged(doorstate.EntryLog)      {}
func (s *recordingSink) AccessDenied(doorstate.AccessDenied) {}

func (s *recordingSink) SessionChanged(online bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, fmt.Sprintf("%v %s", online, reason))
}

func (s *recordingSink) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.updates
	s.updates = nil
	return out
}

// fakeNet2 serves door status and door commands
type fakeNet2 struct {
	mu            sync.Mutex
	status        string
	polls         int
	commandStatus int
	commands      []string
}

func (f *fakeNet2) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/api/v1/doors/status":
		f.polls++
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, f.status)
	case "/api/v1/commands/door/holdopen", "/api/v1/commands/door/close", "/api/v1/commands/door/control":
		body, _ := io.ReadAll(r.Body)
		f.commands = append(f.commands, r.URL.Path[len("/api/v1/commands/door/"):]+" "+string(body))
		if f.commandStatus != 0 {
			w.WriteHeader(f.commandStatus)
		}
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeNet2) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type fixture struct {
	bridge   *Bridge
	session  *fakeSession
	realtime *fakeRealtime
	sink     *recordingSink
	server   *fakeNet2
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		session:  &fakeSession{},
		realtime: &fakeRealtime{},
		sink:     &recordingSink{},
		server:   &fakeNet2{status: `[]`},
	}

	srv := httptest.NewServer(f.server)
	t.Cleanup(srv.Close)

	api := net2api.NewLiveClient(srv.URL+"/api/v1", oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}), nil)

	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = time.Hour
	}

	f.bridge = New(cfg, Deps{
		Session: f.session,
		API:     api,
		Sink:    f.sink,
		NewRealtime: func(h signalr.Handler) Realtime {
			f.realtime.handler = h
			return f.realtime
		},
	})
	t.Cleanup(f.bridge.Stop)

	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStartOfflineOnAuthFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.session.authErr = errors.Wrap(net2auth.ErrAuthFailure, "HTTP 400")

	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The first cycle tries once more, then waits for the next tick
	waitFor(t, "second login attempt", func() bool { return f.session.auths() >= 2 })

	s := f.bridge.Status()
	if s.Online || s.Reason != "Net2 server rejected the credentials" {
		t.Errorf("Status() = %+v", s)
	}
	if f.realtime.IsConnected() || f.server.pollCount() != 0 {
		t.Error("offline bridge connected or polled")
	}

	f.sink.mu.Lock()
	if len(f.sink.sessions) != 1 || f.sink.sessions[0] != "false Net2 server rejected the credentials" {
		t.Errorf("sessions = %v", f.sink.sessions)
	}
	f.sink.mu.Unlock()

	if err := f.bridge.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v", err)
	}
}

func TestStartConnectsAndPolls(t *testing.T) {
	f := newFixture(t, Config{})
	f.server.status = `[{"id":5,"status":{"doorRelayOpen":true}},{"id":6,"status":{"doorRelayOpen":false}}]`
	f.bridge.AddDoor(DoorConfig{ID: 5, Name: "Front"})
	f.bridge.AddDoor(DoorConfig{ID: 6})

	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "first poll", func() bool { return f.server.pollCount() == 1 })
	waitFor(t, "reconcile", func() bool { return !f.bridge.Status().LastPoll.IsZero() })

	if got, want := f.realtime.callList(), []string{"events", "door 5", "door 6"}; !equal(got, want) {
		t.Errorf("subscriptions = %v, want %v", got, want)
	}

	s := f.bridge.Status()
	if !s.Online || !s.Realtime || s.Dialect != "modern" || s.Doors != 2 || s.LastPoll.IsZero() {
		t.Errorf("Status() = %+v", s)
	}

	doors := f.bridge.Doors()
	if len(doors) != 2 || doors[0].ID != 5 || doors[0].Status != doorstate.On || doors[1].Status != doorstate.Off {
		t.Errorf("Doors() = %+v", doors)
	}
	if doors[1].Name != "Door 6" {
		t.Errorf("default name = %s", doors[1].Name)
	}
}

func TestCycleReauthenticates(t *testing.T) {
	f := newFixture(t, Config{})

	f.bridge.cycle(context.Background())
	if f.session.auths() != 1 || !f.bridge.Status().Online {
		t.Errorf("auths = %d, status = %+v", f.session.auths(), f.bridge.Status())
	}

	f.bridge.cycle(context.Background())
	if f.session.auths() != 1 {
		t.Errorf("valid session re-authenticated: auths = %d", f.session.auths())
	}
}

func TestReconnectIsRateLimited(t *testing.T) {
	f := newFixture(t, Config{})
	f.session.valid = true
	f.realtime.connectErr = errors.New("negotiation failed")

	for i := 0; i < 3; i++ {
		f.bridge.cycle(context.Background())
	}

	f.realtime.mu.Lock()
	connects := f.realtime.connects
	f.realtime.mu.Unlock()

	if connects != 1 {
		t.Errorf("connect attempts = %d, want 1", connects)
	}
	// Polling carries on without the hub
	if f.server.pollCount() != 3 {
		t.Errorf("polls = %d, want 3", f.server.pollCount())
	}
}

func TestHandleEventRouting(t *testing.T) {
	f := newFixture(t, Config{OpenPolicy: doorstate.PolicyHold})
	f.bridge.AddDoor(DoorConfig{ID: 5})
	f.bridge.AddDoor(DoorConfig{ID: 6})

	events := []signalr.Event{
		{Target: "liveEvents", Payload: json.RawMessage(`{"eventType":20,"deviceId":5}`)},
		{Target: "liveEvents", Payload: json.RawMessage(`{"eventType":20,"doorId":6,"deviceId":5}`)},
		{Target: "liveEvents", Payload: json.RawMessage(`{"eventType":47,"doorId":"5"}`)},
		{Target: "liveEvents", Payload: json.RawMessage(`{"eventType":47,"doorId":7}`)},
		{Target: "liveEvents", Payload: json.RawMessage(`{"eventType":47}`)},
		{Target: "liveEvents", Payload: json.RawMessage(`not json`)},
	}
	for _, ev := range events {
		f.realtime.handler(ev)
	}

	want := []string{
		"5 status ON", "5 action ON",
		"6 status ON", "6 action ON",
		"5 status OFF", "5 action OFF",
	}
	if got := f.sink.take(); !equal(got, want) {
		t.Errorf("updates = %v, want %v", got, want)
	}
}

func TestAddDoorWhileConnected(t *testing.T) {
	f := newFixture(t, Config{})
	f.session.valid = true
	f.bridge.cycle(context.Background())

	f.bridge.AddDoor(DoorConfig{ID: 9})
	if got, want := f.realtime.callList(), []string{"events", "door 9"}; !equal(got, want) {
		t.Errorf("subscriptions = %v, want %v", got, want)
	}

	f.bridge.RemoveDoor(9)
	if _, err := f.bridge.Door(9); !errors.Is(err, ErrUnknownDoor) {
		t.Errorf("Door() after RemoveDoor error = %v", err)
	}
}

func TestCommands(t *testing.T) {
	f := newFixture(t, Config{})
	f.session.valid = true
	f.bridge.AddDoor(DoorConfig{ID: 5})

	ctx := context.Background()

	if err := f.bridge.SetAction(ctx, 5, doorstate.On); err != nil {
		t.Fatalf("SetAction(ON) error = %v", err)
	}
	if d, _ := f.bridge.Door(5); d.Status != doorstate.On || d.Action != doorstate.On {
		t.Errorf("door after hold open = %+v", d)
	}

	if err := f.bridge.ControlTimed(ctx, 5, 7*time.Second); err != nil {
		t.Fatalf("ControlTimed() error = %v", err)
	}

	f.server.mu.Lock()
	f.server.commandStatus = http.StatusInternalServerError
	f.server.mu.Unlock()

	err := f.bridge.CloseDoor(ctx, 5)
	if !errors.Is(err, net2api.ErrCommandFailed) {
		t.Fatalf("CloseDoor() error = %v, want ErrCommandFailed", err)
	}
	if d, _ := f.bridge.Door(5); d.Status != doorstate.On {
		t.Error("failed command changed the door state")
	}

	if err := f.bridge.HoldOpen(ctx, 99); !errors.Is(err, ErrUnknownDoor) {
		t.Errorf("HoldOpen(99) error = %v, want ErrUnknownDoor", err)
	}

	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	want := []string{
		`holdopen {"DoorId":5}`,
		`control {"DoorId":5,"RelayFunction":{"RelayId":"Relay1","RelayAction":"TimedOpen","RelayOpenTime":7000},"LedFlash":3}`,
		`close {"DoorId":5}`,
	}
	if !equal(f.server.commands, want) {
		t.Errorf("commands = %v, want %v", f.server.commands, want)
	}
}

func TestCommandOffline(t *testing.T) {
	f := newFixture(t, Config{})
	f.session.authErr = errors.Wrap(net2auth.ErrAuthTransport, "dial tcp")
	f.bridge.AddDoor(DoorConfig{ID: 5})

	err := f.bridge.HoldOpen(context.Background(), 5)
	if !errors.Is(err, ErrOffline) {
		t.Errorf("HoldOpen() error = %v, want ErrOffline", err)
	}
	if s := f.bridge.Status(); s.Online || s.Reason != "cannot reach Net2 server" {
		t.Errorf("Status() = %+v", s)
	}
}

func TestStopCleansUp(t *testing.T) {
	f := newFixture(t, Config{AutoOffDelay: 20 * time.Millisecond})
	f.bridge.AddDoor(DoorConfig{ID: 5})

	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "connect", f.realtime.IsConnected)

	// Arm an auto-off, then stop before it fires
	f.realtime.handler(signalr.Event{Target: "liveEvents", Payload: json.RawMessage(`{"eventType":20,"doorId":5}`)})
	f.bridge.Stop()
	f.sink.take()

	time.Sleep(60 * time.Millisecond)
	if got := f.sink.take(); len(got) != 0 {
		t.Errorf("updates after Stop() = %v", got)
	}

	if f.realtime.IsConnected() || f.session.IsValid() {
		t.Error("Stop() left the hub connected or the session valid")
	}
	if s := f.bridge.Status(); s.Online || s.Reason != "stopped" {
		t.Errorf("Status() = %+v", s)
	}

	f.bridge.Stop()
}
