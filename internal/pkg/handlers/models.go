package handlers

import (
	"time"

	openapierrors "github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/go-openapi/validate"

	"github.com/jake-scott/net2-doors/internal/pkg/bridge"
	"github.com/jake-scott/net2-doors/internal/pkg/doorstate"
)

const (
	MinControlSeconds = 1
	MaxControlSeconds = 3600
)

var actionRequestStateEnum = []interface{}{"ON", "OFF"}

// ActionRequest sets a door's action signal
type ActionRequest struct {
	// Required: true
	// Enum: [ON OFF]
	State *string `json:"state"`
}

// Validate validates this action request
func (m *ActionRequest) Validate(formats strfmt.Registry) error {
	var res []error

	if err := m.validateState(formats); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return openapierrors.CompositeValidationError(res...)
	}
	return nil
}

func (m *ActionRequest) validateState(formats strfmt.Registry) error {
	if err := validate.Required("state", "body", m.State); err != nil {
		return err
	}

	if err := validate.EnumCase("state", "body", *m.State, actionRequestStateEnum, false); err != nil {
		return err
	}

	return nil
}

// Status is only meaningful after Validate
func (m *ActionRequest) Status() doorstate.Status {
	s, _ := doorstate.ParseStatus(swag.StringValue(m.State))
	return s
}

// ControlRequest opens a door relay for a number of seconds
type ControlRequest struct {
	// Required: true
	// Minimum: 1
	// Maximum: 3600
	Seconds *int64 `json:"seconds"`
}

// Validate validates this control request
func (m *ControlRequest) Validate(formats strfmt.Registry) error {
	var res []error

	if err := m.validateSeconds(formats); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return openapierrors.CompositeValidationError(res...)
	}
	return nil
}

func (m *ControlRequest) validateSeconds(formats strfmt.Registry) error {
	if err := validate.Required("seconds", "body", m.Seconds); err != nil {
		return err
	}

	if err := validate.MinimumInt("seconds", "body", *m.Seconds, MinControlSeconds, false); err != nil {
		return err
	}

	if err := validate.MaximumInt("seconds", "body", *m.Seconds, MaxControlSeconds, false); err != nil {
		return err
	}

	return nil
}

func (m *ControlRequest) Duration() time.Duration {
	return time.Duration(swag.Int64Value(m.Seconds)) * time.Second
}

// DoorView is a door as the HTTP API reports it
type DoorView struct {
	ID             int              `json:"id"`
	Name           string           `json:"name"`
	Status         doorstate.Status `json:"status"`
	Action         doorstate.Status `json:"action"`
	Known          bool             `json:"known"`
	AutoOffPending bool             `json:"autoOffPending"`
	LastAccessUser string           `json:"lastAccessUser,omitempty"`

	// LastAccessTime is the server's own rendering; LastAccessAt is the
	// same instant normalised to RFC3339 when it parses
	LastAccessTime string           `json:"lastAccessTime,omitempty"`
	LastAccessAt   *strfmt.DateTime `json:"lastAccessAt,omitempty"`
}

func newDoorView(s doorstate.Snapshot) DoorView {
	v := DoorView{
		ID:             s.ID,
		Name:           s.Name,
		Status:         s.Status,
		Action:         s.Action,
		Known:          s.Known,
		AutoOffPending: s.AutoOffPending,
		LastAccessUser: s.LastAccessUser,
		LastAccessTime: s.LastAccessTime,
	}

	if s.LastAccessTime != "" {
		if dt, err := strfmt.ParseDateTime(s.LastAccessTime); err == nil {
			v.LastAccessAt = &dt
		}
	}

	return v
}

// StatusView is the bridge summary
type StatusView struct {
	Online   bool             `json:"online"`
	Reason   string           `json:"reason,omitempty"`
	Realtime bool             `json:"realtime"`
	Dialect  string           `json:"dialect,omitempty"`
	LastPoll *strfmt.DateTime `json:"lastPoll,omitempty"`
	Doors    int              `json:"doors"`
}

func newStatusView(s bridge.Status) StatusView {
	v := StatusView{
		Online:   s.Online,
		Reason:   s.Reason,
		Realtime: s.Realtime,
		Dialect:  s.Dialect,
		Doors:    s.Doors,
	}

	if !s.LastPoll.IsZero() {
		dt := strfmt.DateTime(s.LastPoll)
		v.LastPoll = &dt
	}

	return v
}
