package net2api

import (
	"context"
	"encoding/json"
	"time"
)

// RelayStatus is the status sub-document of a door status entry.  Net2
// omits fields it has no reading for.
type RelayStatus struct {
	DoorRelayOpen     *bool `json:"doorRelayOpen,omitempty"`
	DoorContactClosed *bool `json:"doorContactClosed,omitempty"`
	DoorAlarmed       *bool `json:"doorAlarmed,omitempty"`
	Online            *bool `json:"online,omitempty"`
}

// RelayOpen treats a missing reading as closed
func (s RelayStatus) RelayOpen() bool {
	return s.DoorRelayOpen != nil && *s.DoorRelayOpen
}

// DoorStatus is one entry of the /doors/status snapshot
type DoorStatus struct {
	ID             int         `json:"id"`
	Name           string      `json:"name,omitempty"`
	Status         RelayStatus `json:"status"`
	LastAccessUser string      `json:"lastAccessUser,omitempty"`
	LastAccessTime string      `json:"lastAccessTime,omitempty"`
}

type Door struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type User struct {
	ID         int    `json:"id,omitempty"`
	FirstName  string `json:"firstName"`
	MiddleName string `json:"middleName,omitempty"`
	LastName   string `json:"lastName"`
	Pin        string `json:"pin,omitempty"`
	Expiry     string `json:"expiryDate,omitempty"`
}

type AccessLevel struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// UserToken is a card or fob number issued to a user
type UserToken struct {
	TokenNumber string `json:"tokenNumber"`
	TokenType   int    `json:"tokenType"`
}

// DoorControl is a timed relay operation
type DoorControl struct {
	DoorID   int
	Duration time.Duration
}

type Net2 interface {
	WithTimeout(d time.Duration) Net2
	WithContext(ctx context.Context) Net2
	DoorStatus() ([]DoorStatus, error)
	Doors() ([]Door, error)
	HoldDoorOpen(doorID int) error
	CloseDoor(doorID int) error
	ControlDoor(ctl DoorControl) error
	ControlDoorRaw(body json.RawMessage) error
	Users() ([]User, error)
	AddUser(u User) (*User, error)
	DeleteUser(userID int) error
	AccessLevels() ([]AccessLevel, error)
	ResolveAccessLevel(nameOrID string) (int, error)
	AssignAccessLevels(userID int, levelIDs []int) error
	AddUserToken(userID int, token UserToken) error
}
