package bridge

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/net2-doors/internal/pkg/doorstate"
	"github.com/jake-scott/net2-doors/internal/pkg/logging"
	"github.com/jake-scott/net2-doors/internal/pkg/metrics"
	"github.com/jake-scott/net2-doors/internal/pkg/net2api"
)

// ErrOffline is returned for commands issued while no session can be had
var ErrOffline = errors.New("Net2 session offline")

// command runs fn against the API for a configured door and, only if the
// server accepted it, moves the door's signals to result
func (b *Bridge) command(ctx context.Context, name string, doorID int, result doorstate.Status,
	fn func(api net2api.Net2) error) error {

	ctx = logging.WithDoor(ctx, doorID)
	log := logging.Logger(ctx)

	d, ok := b.door(doorID)
	if !ok {
		return ErrUnknownDoor
	}

	if err := b.ensureSession(ctx); err != nil {
		metrics.DoorCommands.WithLabelValues(name, "offline").Inc()
		return errors.Wrapf(ErrOffline, "%v", err)
	}

	if err := fn(b.api.WithContext(ctx).WithTimeout(b.cfg.APITimeout)); err != nil {
		metrics.DoorCommands.WithLabelValues(name, "failed").Inc()
		log.WithError(err).Errorf("%s failed", name)
		return err
	}

	metrics.DoorCommands.WithLabelValues(name, "ok").Inc()
	log.Infof("%s accepted", name)

	d.CommandApplied(result)
	return nil
}

// HoldOpen keeps the door's relay open until CloseDoor
func (b *Bridge) HoldOpen(ctx context.Context, doorID int) error {
	return b.command(ctx, "holdopen", doorID, doorstate.On, func(api net2api.Net2) error {
		return api.HoldDoorOpen(doorID)
	})
}

func (b *Bridge) CloseDoor(ctx context.Context, doorID int) error {
	return b.command(ctx, "close", doorID, doorstate.Off, func(api net2api.Net2) error {
		return api.CloseDoor(doorID)
	})
}

// SetAction maps an ON/OFF request onto HoldOpen/CloseDoor
func (b *Bridge) SetAction(ctx context.Context, doorID int, s doorstate.Status) error {
	if s == doorstate.On {
		return b.HoldOpen(ctx, doorID)
	}
	return b.CloseDoor(ctx, doorID)
}

// ControlTimed opens the door relay for d
func (b *Bridge) ControlTimed(ctx context.Context, doorID int, d time.Duration) error {
	return b.command(ctx, "control", doorID, doorstate.On, func(api net2api.Net2) error {
		return api.ControlDoor(net2api.DoorControl{DoorID: doorID, Duration: d})
	})
}
