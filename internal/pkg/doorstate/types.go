package doorstate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Status is the canonical two-valued door signal
type Status int

const (
	Off Status = iota
	On
)

func (s Status) String() string {
	if s == On {
		return "ON"
	}
	return "OFF"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}

	v, err := ParseStatus(str)
	if err != nil {
		return err
	}

	*s = v
	return nil
}

// ParseStatus accepts ON and OFF in any case
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(s) {
	case "ON":
		return On, nil
	case "OFF":
		return Off, nil
	}

	return Off, errors.Errorf("bad door status: [%s]", s)
}

// StatusOf maps an open flag onto a Status
func StatusOf(open bool) Status {
	if open {
		return On
	}
	return Off
}

// Channel names the two status signals each door publishes.  Status is the
// best knowledge of the relay; Action follows door commands and the coded
// open/close events only.
type Channel string

const (
	ChannelStatus Channel = "status"
	ChannelAction Channel = "action"
)

type Attribute string

const (
	LastAccessUser Attribute = "lastAccessUser"
	LastAccessTime Attribute = "lastAccessTime"
)

// EntryLog records a named user passing through a door
type EntryLog struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	DoorName  string `json:"doorName"`
	Timestamp string `json:"timestamp"`
	DoorID    int    `json:"doorId"`
}

// AccessDenied records a rejected token
type AccessDenied struct {
	TokenNumber string `json:"tokenNumber"`
	DoorName    string `json:"doorName"`
	Timestamp   string `json:"timestamp"`
	DoorID      int    `json:"doorId"`
}

// Sink receives door updates.  Methods are called with the door's lock held,
// so they must return promptly and must not call back into the Door.
type Sink interface {
	StatusChanged(doorID int, ch Channel, s Status)
	AttributeChanged(doorID int, attr Attribute, value string)
	EntryLogged(e EntryLog)
	AccessDenied(a AccessDenied)
}

// OpenPolicy decides what follows an opened, forced or access-granted code
type OpenPolicy int

const (
	// PolicyPulse reverts the status to OFF after the auto-off delay
	PolicyPulse OpenPolicy = iota
	// PolicyHold leaves the status ON until a closed code or a REST poll
	PolicyHold
)

const DefaultAutoOffDelay = time.Second * 5

func (p OpenPolicy) String() string {
	if p == PolicyHold {
		return "hold"
	}
	return "pulse"
}

func ParseOpenPolicy(s string) (OpenPolicy, error) {
	switch strings.ToLower(s) {
	case "pulse", "":
		return PolicyPulse, nil
	case "hold":
		return PolicyHold, nil
	}

	return PolicyPulse, errors.Errorf("bad door open policy: [%s]", s)
}

// Net2 live event codes
const (
	CodeAccessGranted = 20
	CodeAccessDenied  = 23
	CodeRelayOpened   = 28
	CodeDoorForced    = 46
	CodeDoorClosed    = 47
)
