package sinks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/jake-scott/net2-doors/internal/pkg/doorstate"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s string
	switch v := payload.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	}
	p.msgs = append(p.msgs, published{topic, qos, retained, s})

	return doneToken{err: p.err}
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published{}, p.msgs...)
}

func TestMQTTTopics(t *testing.T) {
	pub := &fakePublisher{}
	m := &MQTT{client: pub, prefix: MQTTConfig{TopicPrefix: "/site/net2/"}.prefix(), qos: 1, log: NewLog().log}

	m.StatusChanged(5, doorstate.ChannelStatus, doorstate.On)
	m.StatusChanged(5, doorstate.ChannelAction, doorstate.Off)
	m.AttributeChanged(5, doorstate.LastAccessUser, "Smith John")
	m.EntryLogged(doorstate.EntryLog{FirstName: "John", LastName: "Smith", DoorName: "Front", Timestamp: "T", DoorID: 5})
	m.AccessDenied(doorstate.AccessDenied{TokenNumber: "99", DoorName: "Front", DoorID: 5})
	m.SessionChanged(false, "bad password")

	want := []published{
		{"site/net2/door/5/status", 1, true, "ON"},
		{"site/net2/door/5/action", 1, true, "OFF"},
		{"site/net2/door/5/lastAccessUser", 1, true, "Smith John"},
		{"site/net2/door/5/entry", 1, false, `{"firstName":"John","lastName":"Smith","doorName":"Front","timestamp":"T","doorId":5}`},
		{"site/net2/door/5/accessDenied", 1, false, `{"tokenNumber":"99","doorName":"Front","timestamp":"","doorId":5}`},
		{"site/net2/bridge/session", 1, true, "offline"},
		{"site/net2/bridge/reason", 1, true, "bad password"},
	}

	got := pub.all()
	if len(got) != len(want) {
		t.Fatalf("published %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestMQTTDefaultPrefix(t *testing.T) {
	if p := (MQTTConfig{}).prefix(); p != DefaultTopicPrefix {
		t.Errorf("prefix() = %s", p)
	}
}

func TestMQTTPublishErrorDoesNotBlock(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker gone")}
	m := &MQTT{client: pub, prefix: "net2", log: NewLog().log}

	done := make(chan struct{})
	go func() {
		m.StatusChanged(1, doorstate.ChannelStatus, doorstate.On)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StatusChanged() blocked on a failing broker")
	}
}

type hookServer struct {
	mu       sync.Mutex
	received []Notification
	headers  []http.Header
	status   int
}

func (h *hookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	var n Notification
	json.Unmarshal(body, &n)

	h.mu.Lock()
	h.received = append(h.received, n)
	h.headers = append(h.headers, r.Header.Clone())
	status := h.status
	h.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
	}
}

func TestWebhookDelivers(t *testing.T) {
	hook := &hookServer{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL, Concurrency: 2})

	w.StatusChanged(5, doorstate.ChannelStatus, doorstate.On)
	w.AttributeChanged(5, doorstate.LastAccessTime, "T1")
	w.EntryLogged(doorstate.EntryLog{LastName: "Smith", DoorID: 5})
	w.AccessDenied(doorstate.AccessDenied{TokenNumber: "7", DoorID: 5})
	w.SessionChanged(true, "")

	// Close drains the queue
	w.Close()

	hook.mu.Lock()
	defer hook.mu.Unlock()

	if len(hook.received) != 5 {
		t.Fatalf("received %d notifications, want 5", len(hook.received))
	}

	sort.Slice(hook.received, func(i, j int) bool { return hook.received[i].Seq < hook.received[j].Seq })

	kinds := []string{"status", "attribute", "entry", "accessDenied", "session"}
	for i, n := range hook.received {
		if n.Seq != uint64(i+1) || n.Kind != kinds[i] {
			t.Errorf("notification %d = seq %d kind %s", i, n.Seq, n.Kind)
		}
	}

	if n := hook.received[0]; n.DoorID != 5 || n.Channel != doorstate.ChannelStatus || n.Value != "ON" {
		t.Errorf("status notification = %+v", n)
	}
	if n := hook.received[2]; n.Entry == nil || n.Entry.LastName != "Smith" {
		t.Errorf("entry notification = %+v", n)
	}
	if n := hook.received[4]; n.Online == nil || !*n.Online {
		t.Errorf("session notification = %+v", n)
	}

	for _, h := range hook.headers {
		if h.Get("Content-Type") != "application/json" || h.Get("X-Request-ID") == "" {
			t.Errorf("headers = %v", h)
		}
	}
}

func TestWebhookFailureIsContained(t *testing.T) {
	hook := &hookServer{status: http.StatusInternalServerError}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL})
	w.StatusChanged(1, doorstate.ChannelStatus, doorstate.Off)
	w.Close()

	// Updates after Close are ignored rather than panicking
	w.StatusChanged(1, doorstate.ChannelStatus, doorstate.On)
	w.Close()

	hook.mu.Lock()
	defer hook.mu.Unlock()
	if len(hook.received) != 1 {
		t.Errorf("received %d notifications, want 1", len(hook.received))
	}
}

type countingSink struct {
	n        int
	sessions int
}

func (c *countingSink) StatusChanged(int, doorstate.Channel, doorstate.Status) { c.n++ }
func (c *countingSink) AttributeChanged(int, doorstate.Attribute, string)      { c.n++ }
func (c *countingSink) EntryLogged(doorstate.EntryLog)                         { c.n++ }
func (c *countingSink) AccessDenied(doorstate.AccessDenied)                    { c.n++ }
func (c *countingSink) SessionChanged(bool, string)                            { c.sessions++ }

// plainSink does not report sessions
type plainSink struct {
	n int
}

func (c *plainSink) StatusChanged(int, doorstate.Channel, doorstate.Status) { c.n++ }
func (c *plainSink) AttributeChanged(int, doorstate.Attribute, string)      { c.n++ }
func (c *plainSink) EntryLogged(doorstate.EntryLog)                         { c.n++ }
func (c *plainSink) AccessDenied(doorstate.AccessDenied)                    { c.n++ }

func TestMulti(t *testing.T) {
	a, b := &countingSink{}, &plainSink{}
	m := Multi{a, b, NewLog()}

	m.StatusChanged(1, doorstate.ChannelStatus, doorstate.On)
	m.AttributeChanged(1, doorstate.LastAccessUser, "x")
	m.EntryLogged(doorstate.EntryLog{})
	m.AccessDenied(doorstate.AccessDenied{})
	m.SessionChanged(false, "down")

	if a.n != 4 || b.n != 4 {
		t.Errorf("counts = %d, %d, want 4", a.n, b.n)
	}
	if a.sessions != 1 {
		t.Errorf("sessions = %d, want 1", a.sessions)
	}
}
