package doorstate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jake-scott/net2-doors/internal/pkg/logging"
	"github.com/jake-scott/net2-doors/internal/pkg/metrics"
	"github.com/jake-scott/net2-doors/internal/pkg/net2api"
)

type timer interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

type Config struct {
	ID           int
	Name         string
	Policy       OpenPolicy
	AutoOffDelay time.Duration
	Sink         Sink
}

// Door turns the events and snapshots of one Net2 door into status, action
// and attribute updates for a Sink.  Realtime events, REST reconciliation and
// the auto-off timer may all call in concurrently.
type Door struct {
	id      int
	name    string
	policy  OpenPolicy
	autoOff time.Duration
	sink    Sink
	after   afterFunc
	log     *logrus.Entry

	mu     sync.Mutex
	status Status
	action Status
	known  map[Channel]bool
	attrs  map[Attribute]string
	timer  timer
	gen    uint64
	closed bool
}

// Snapshot is a point-in-time copy of a door's signals
type Snapshot struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Status         Status `json:"status"`
	Action         Status `json:"action"`
	Known          bool   `json:"known"`
	LastAccessUser string `json:"lastAccessUser,omitempty"`
	LastAccessTime string `json:"lastAccessTime,omitempty"`
	AutoOffPending bool   `json:"autoOffPending"`
}

func New(cfg Config) *Door {
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("Door %d", cfg.ID)
	}

	delay := cfg.AutoOffDelay
	if delay <= 0 {
		delay = DefaultAutoOffDelay
	}

	sink := cfg.Sink
	if sink == nil {
		sink = nopSink{}
	}

	return &Door{
		id:      cfg.ID,
		name:    name,
		policy:  cfg.Policy,
		autoOff: delay,
		sink:    sink,
		after:   realAfterFunc,
		log:     logging.Component("doorstate").WithField("door", cfg.ID),
		known:   map[Channel]bool{},
		attrs:   map[Attribute]string{},
	}
}

func (d *Door) ID() int {
	return d.id
}

func (d *Door) Name() string {
	return d.name
}

func (d *Door) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Snapshot{
		ID:             d.id,
		Name:           d.name,
		Status:         d.status,
		Action:         d.action,
		Known:          d.known[ChannelStatus],
		LastAccessUser: d.attrs[LastAccessUser],
		LastAccessTime: d.attrs[LastAccessTime],
		AutoOffPending: d.timer != nil,
	}
}

// Apply interprets one realtime event.  Malformed documents are logged and
// leave the door untouched.
func (d *Door) Apply(target string, payload json.RawMessage) {
	ev, err := parseEvent(payload)
	if err != nil {
		d.log.WithError(err).Warnf("dropping malformed %s event", target)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if ev.user != nil {
		d.setAttr(LastAccessUser, *ev.user)
	}
	if ev.time != nil {
		d.setAttr(LastAccessTime, *ev.time)
	}

	// First signal wins: relay sub-document, event code, legacy text
	handled := false
	if ev.explicit != nil {
		d.cancelTimer()
		d.set(ChannelStatus, *ev.explicit)
		handled = true
	}
	if !handled && ev.code != nil {
		handled = d.applyCode(*ev.code)
	}
	if !handled && ev.legacy != nil {
		d.cancelTimer()
		d.set(ChannelStatus, *ev.legacy)
	}

	if ev.code != nil && *ev.code == CodeAccessDenied {
		rec := AccessDenied{
			TokenNumber: ev.token,
			DoorName:    d.name,
			Timestamp:   ev.timestamp,
			DoorID:      d.id,
		}
		d.log.Warnf("access denied: token %s at %s", rec.TokenNumber, rec.Timestamp)
		d.sink.AccessDenied(rec)
	}

	if isLiveFeed(target) && ev.user != nil && *ev.user != "" {
		first, last := splitUserName(*ev.user)
		rec := EntryLog{
			FirstName: first,
			LastName:  last,
			DoorName:  d.name,
			Timestamp: ev.timestamp,
			DoorID:    d.id,
		}
		d.log.Infof("entry: %s %s", first, last)
		d.sink.EntryLogged(rec)
	}
}

// applyCode reports whether the code carried a status meaning
func (d *Door) applyCode(code int64) bool {
	switch code {
	case CodeDoorClosed:
		d.cancelTimer()
		d.set(ChannelStatus, Off)
		d.set(ChannelAction, Off)
		return true

	case CodeRelayOpened, CodeDoorForced, CodeAccessGranted:
		d.set(ChannelStatus, On)
		d.set(ChannelAction, On)
		if d.policy == PolicyPulse {
			d.armTimer()
		} else {
			d.cancelTimer()
		}
		return true

	case CodeAccessDenied:
		return true
	}

	d.log.Debugf("ignoring event code %d", code)
	return false
}

// Reconcile applies a REST snapshot.  The entry for this door, if any,
// overwrites both signals and cancels any pending auto-off.
func (d *Door) Reconcile(snapshot []net2api.DoorStatus) bool {
	for _, item := range snapshot {
		if item.ID != d.id {
			continue
		}

		d.mu.Lock()
		defer d.mu.Unlock()

		if d.closed {
			return true
		}

		s := StatusOf(item.Status.RelayOpen())
		d.cancelTimer()
		d.set(ChannelAction, s)
		d.set(ChannelStatus, s)

		if item.LastAccessUser != "" {
			d.setAttr(LastAccessUser, item.LastAccessUser)
		}
		if item.LastAccessTime != "" {
			d.setAttr(LastAccessTime, item.LastAccessTime)
		}

		return true
	}

	return false
}

// CommandApplied records a door command the server accepted
func (d *Door) CommandApplied(s Status) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if s == Off {
		d.cancelTimer()
	}
	d.set(ChannelAction, s)
	d.set(ChannelStatus, s)
}

// Close stops any pending timer; later updates are ignored
func (d *Door) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelTimer()
	d.closed = true
}

func (d *Door) set(ch Channel, s Status) {
	cur := d.status
	if ch == ChannelAction {
		cur = d.action
	}
	if d.known[ch] && cur == s {
		return
	}

	if ch == ChannelAction {
		d.action = s
	} else {
		d.status = s
		metrics.DoorOpen.WithLabelValues(strconv.Itoa(d.id)).Set(metrics.Bool(s == On))
	}
	d.known[ch] = true

	d.log.Debugf("%s -> %s", ch, s)
	d.sink.StatusChanged(d.id, ch, s)
}

func (d *Door) setAttr(attr Attribute, value string) {
	if old, ok := d.attrs[attr]; ok && old == value {
		return
	}

	d.attrs[attr] = value
	d.sink.AttributeChanged(d.id, attr, value)
}

// armTimer replaces any pending auto-off; the generation check stops a timer
// that fired while we held the lock from acting
func (d *Door) armTimer() {
	d.cancelTimer()

	gen := d.gen
	d.timer = d.after(d.autoOff, func() { d.expire(gen) })
}

func (d *Door) cancelTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

func (d *Door) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || gen != d.gen {
		return
	}

	d.timer = nil
	d.gen++
	d.log.Debug("auto-off")
	d.set(ChannelStatus, Off)
}

type nopSink struct{}

func (nopSink) StatusChanged(int, Channel, Status)     {}
func (nopSink) AttributeChanged(int, Attribute, string) {}
func (nopSink) EntryLogged(EntryLog)                    {}
func (nopSink) AccessDenied(AccessDenied)               {}
