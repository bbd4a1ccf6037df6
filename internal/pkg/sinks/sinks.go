// Package sinks delivers door updates to the automation layer: the log, an
// MQTT broker and an HTTP webhook.
package sinks

import (
	"github.com/jake-scott/net2-doors/internal/pkg/doorstate"
)

// SessionSink is implemented by sinks that also report the bridge's own
// connectivity
type SessionSink interface {
	SessionChanged(online bool, reason string)
}

// Multi fans every update out to each of its sinks in order
type Multi []doorstate.Sink

func (m Multi) StatusChanged(doorID int, ch doorstate.Channel, s doorstate.Status) {
	for _, sink := range m {
		sink.StatusChanged(doorID, ch, s)
	}
}

func (m Multi) AttributeChanged(doorID int, attr doorstate.Attribute, value string) {
	for _, sink := range m {
		sink.AttributeChanged(doorID, attr, value)
	}
}

func (m Multi) EntryLogged(e doorstate.EntryLog) {
	for _, sink := range m {
		sink.EntryLogged(e)
	}
}

func (m Multi) AccessDenied(a doorstate.AccessDenied) {
	for _, sink := range m {
		sink.AccessDenied(a)
	}
}

func (m Multi) SessionChanged(online bool, reason string) {
	for _, sink := range m {
		if s, ok := sink.(SessionSink); ok {
			s.SessionChanged(online, reason)
		}
	}
}
