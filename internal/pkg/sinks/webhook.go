package sinks

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/korovkin/limiter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/net2-doors/internal/pkg/doorstate"
	"github.com/jake-scott/net2-doors/internal/pkg/logging"
	"github.com/jake-scott/net2-doors/internal/pkg/metrics"
	"github.com/jake-scott/net2-doors/version"
)

const (
	DefaultWebhookConcurrency = 4
	DefaultWebhookTimeout     = time.Second * 10

	webhookQueueSize = 256
)

type WebhookConfig struct {
	URL         string
	Concurrency int
	Timeout     time.Duration
}

// Notification is the body POSTed for every update.  Deliveries run in
// parallel, so receivers order them by Seq.
type Notification struct {
	Seq          uint64                  `json:"seq"`
	Kind         string                  `json:"kind"`
	DoorID       int                     `json:"doorId,omitempty"`
	Channel      doorstate.Channel       `json:"channel,omitempty"`
	Attribute    doorstate.Attribute     `json:"attribute,omitempty"`
	Value        string                  `json:"value,omitempty"`
	Entry        *doorstate.EntryLog     `json:"entry,omitempty"`
	AccessDenied *doorstate.AccessDenied `json:"accessDenied,omitempty"`
	Online       *bool                   `json:"online,omitempty"`
	Time         time.Time               `json:"time"`
}

// Webhook queues notifications and POSTs them from a bounded pool.  A full
// queue drops the notification rather than stall the caller.
type Webhook struct {
	url         string
	concurrency int
	client      *http.Client
	log         *logrus.Entry
	now         func() time.Time

	seq    uint64
	queue  chan Notification
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultWebhookConcurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}

	w := &Webhook{
		url:         cfg.URL,
		concurrency: concurrency,
		client:      &http.Client{Timeout: timeout},
		log:         logging.Component("sink-webhook"),
		now:         time.Now,
		queue:       make(chan Notification, webhookQueueSize),
		done:        make(chan struct{}),
	}

	go w.publishLoop()
	return w
}

func (w *Webhook) publishLoop() {
	defer close(w.done)

	limit := limiter.NewConcurrencyLimiter(w.concurrency)

	for n := range w.queue {
		n := n
		limit.ExecuteWithTicket(func(ticket int) {
			if err := w.deliver(n); err != nil {
				metrics.SinkErrors.WithLabelValues("webhook").Inc()
				w.log.WithError(err).Warnf("delivering %s notification %d", n.Kind, n.Seq)
				return
			}
			w.log.Debugf("publish-goroutine %d: delivered %s notification %d", ticket, n.Kind, n.Seq)
		})
	}

	w.log.Debug("publish-loop: draining")
	limit.Wait()
}

func (w *Webhook) deliver(n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "encoding notification")
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "posting to webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("webhook returned %d (%s): %s", resp.StatusCode, resp.Status, msg)
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}

func (w *Webhook) enqueue(n Notification) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return
	}

	n.Seq = atomic.AddUint64(&w.seq, 1)
	n.Time = w.now()

	select {
	case w.queue <- n:
	default:
		metrics.SinkErrors.WithLabelValues("webhook").Inc()
		w.log.Warnf("queue full, dropping %s notification for door %d", n.Kind, n.DoorID)
	}
}

func (w *Webhook) StatusChanged(doorID int, ch doorstate.Channel, s doorstate.Status) {
	w.enqueue(Notification{Kind: "status", DoorID: doorID, Channel: ch, Value: s.String()})
}

func (w *Webhook) AttributeChanged(doorID int, attr doorstate.Attribute, value string) {
	w.enqueue(Notification{Kind: "attribute", DoorID: doorID, Attribute: attr, Value: value})
}

func (w *Webhook) EntryLogged(e doorstate.EntryLog) {
	w.enqueue(Notification{Kind: "entry", DoorID: e.DoorID, Entry: &e})
}

func (w *Webhook) AccessDenied(a doorstate.AccessDenied) {
	w.enqueue(Notification{Kind: "accessDenied", DoorID: a.DoorID, AccessDenied: &a})
}

func (w *Webhook) SessionChanged(online bool, reason string) {
	w.enqueue(Notification{Kind: "session", Online: &online, Value: reason})
}

// Close stops accepting notifications and waits for queued ones to be sent
func (w *Webhook) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
}
