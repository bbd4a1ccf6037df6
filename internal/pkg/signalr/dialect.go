package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/jake-scott/net2-doors/internal/pkg/logging"
	"github.com/jake-scott/net2-doors/internal/pkg/metrics"
)

// Event is one decoded event document pushed by the hub
type Event struct {
	Target  string
	Payload json.RawMessage
}

// dialect is one wire flavour of the hub protocol.  A dialect value lives for
// a single connection attempt and carries whatever its negotiation returned.
type dialect interface {
	Name() string
	negotiate(ctx context.Context, token string) error
	open(ctx context.Context, token string) (*websocket.Conn, error)
	encode(method string, args ...interface{}) ([]byte, error)
	decode(msg []byte) []Event

	// keepAlive is the frame the client sends periodically, nil for none
	keepAlive() []byte
}

// transport is what the dialects share for HTTP and socket work
type transport struct {
	endpoint Endpoint
	http     *http.Client
	dialer   *websocket.Dialer
	now      func() time.Time
}

func (t *transport) timestamp() string {
	return strconv.FormatInt(t.now().UnixNano()/int64(time.Millisecond), 10)
}

func (t *transport) call(ctx context.Context, method, url, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "building %s %s", method, url)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "%s %s", method, req.URL.Path)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, errors.Wrapf(err, "reading %s response", req.URL.Path)
	}

	return b, resp.StatusCode, nil
}

func (t *transport) dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "opening socket: HTTP status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "opening socket")
	}

	return conn, nil
}

// unwrapArgument flattens a first argument that is either a single event
// document or an array of them
func unwrapArgument(dialectName, target string, arg json.RawMessage) []Event {
	arg = bytes.TrimSpace(arg)
	if len(arg) == 0 {
		return nil
	}

	switch arg[0] {
	case '{':
		return []Event{{Target: target, Payload: arg}}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(arg, &items); err != nil {
			dropped(dialectName, "malformed", err, arg)
			return nil
		}

		events := make([]Event, 0, len(items))
		for _, item := range items {
			item = bytes.TrimSpace(item)
			if len(item) == 0 || item[0] != '{' {
				dropped(dialectName, "not-object", nil, item)
				continue
			}
			events = append(events, Event{Target: target, Payload: item})
		}
		return events
	}

	dropped(dialectName, "not-object", nil, arg)
	return nil
}

func dropped(dialectName, reason string, err error, frame []byte) {
	metrics.FramesDropped.WithLabelValues(dialectName, reason).Inc()

	entry := logging.Component("signalr").WithField("dialect", dialectName)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debugf("dropping frame (%s): %s", reason, frame)
}
