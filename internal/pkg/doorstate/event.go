package doorstate

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/jake-scott/net2-doors/internal/pkg/net2api"
)

// eventDoc covers every field the interpreter looks at, across the live,
// door and door-status feeds
type eventDoc struct {
	EventType      json.RawMessage `json:"eventType"`
	EventTime      *string         `json:"eventTime"`
	UserName       *string         `json:"userName"`
	LastAccessUser *string         `json:"lastAccessUser"`
	LastAccessTime *string         `json:"lastAccessTime"`
	Status         json.RawMessage `json:"status"`
	Locked         *bool           `json:"locked"`
	State          *string         `json:"state"`
	TokenNumber    json.RawMessage `json:"tokenNumber"`
}

// event is a fully validated eventDoc.  Building it up front means a
// malformed document is rejected before any door state is touched.
type event struct {
	user      *string
	time      *string
	timestamp string

	explicit *Status // relay sub-document or locked flag
	code     *int64
	legacy   *Status
	token    string
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// integer accepts a JSON number or a string holding one
func integer(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, errors.Errorf("not an integer: %s", raw)
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Errorf("not an integer: %s", raw)
	}

	return n, nil
}

func legacyStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "opened", "unlocked":
		return On, true
	case "closed", "locked":
		return Off, true
	}
	return Off, false
}

func firstOf(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}

func parseEvent(payload json.RawMessage) (*event, error) {
	var doc eventDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, errors.Wrap(err, "decoding event document")
	}

	ev := &event{
		user:  firstOf(doc.UserName, doc.LastAccessUser),
		time:  firstOf(doc.EventTime, doc.LastAccessTime),
		token: "unknown",
	}
	if ev.time != nil {
		ev.timestamp = *ev.time
	}

	if !isNull(doc.EventType) {
		code, err := integer(doc.EventType)
		if err != nil {
			return nil, errors.Wrap(err, "eventType")
		}
		ev.code = &code
	}

	if !isNull(doc.TokenNumber) {
		if n, err := integer(doc.TokenNumber); err == nil {
			ev.token = strconv.FormatInt(n, 10)
		} else {
			return nil, errors.Wrap(err, "tokenNumber")
		}
	}

	if raw := bytes.TrimSpace(doc.Status); !isNull(raw) {
		switch raw[0] {
		case '{':
			var rs net2api.RelayStatus
			if err := json.Unmarshal(raw, &rs); err != nil {
				return nil, errors.Wrap(err, "status sub-document")
			}
			switch {
			case rs.DoorRelayOpen != nil:
				s := StatusOf(*rs.DoorRelayOpen)
				ev.explicit = &s
			case rs.DoorContactClosed != nil:
				s := StatusOf(!*rs.DoorContactClosed)
				ev.explicit = &s
			}
		case '"':
			var str string
			if err := json.Unmarshal(raw, &str); err != nil {
				return nil, errors.Wrap(err, "status")
			}
			if s, ok := legacyStatus(str); ok {
				ev.legacy = &s
			}
		default:
			return nil, errors.Errorf("status is neither an object nor a string: %s", raw)
		}
	}

	if ev.explicit == nil && doc.Locked != nil {
		s := StatusOf(!*doc.Locked)
		ev.explicit = &s
	}

	if ev.legacy == nil && doc.State != nil {
		if s, ok := legacyStatus(*doc.State); ok {
			ev.legacy = &s
		}
	}

	return ev, nil
}

func isLiveFeed(target string) bool {
	return strings.EqualFold(target, "liveEvents") || strings.EqualFold(target, "liveEvent")
}

// splitUserName follows Net2's "Surname Forenames" display order
func splitUserName(name string) (first, last string) {
	parts := strings.SplitN(name, " ", 2)
	last = parts[0]
	if len(parts) > 1 {
		first = parts[1]
	}
	return first, last
}
