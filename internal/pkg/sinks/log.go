package sinks

import (
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/net2-doors/internal/pkg/doorstate"
	"github.com/jake-scott/net2-doors/internal/pkg/logging"
)

// Log writes every update to the process log
type Log struct {
	log *logrus.Entry
}

func NewLog() *Log {
	return &Log{log: logging.Component("sink-log")}
}

func (l *Log) StatusChanged(doorID int, ch doorstate.Channel, s doorstate.Status) {
	l.log.WithField("door", doorID).Infof("%s: %s", ch, s)
}

func (l *Log) AttributeChanged(doorID int, attr doorstate.Attribute, value string) {
	l.log.WithField("door", doorID).Infof("%s: %s", attr, value)
}

func (l *Log) EntryLogged(e doorstate.EntryLog) {
	l.log.WithFields(logrus.Fields{
		"door":      e.DoorID,
		"doorName":  e.DoorName,
		"timestamp": e.Timestamp,
	}).Infof("entry: %s %s", e.FirstName, e.LastName)
}

func (l *Log) AccessDenied(a doorstate.AccessDenied) {
	l.log.WithFields(logrus.Fields{
		"door":      a.DoorID,
		"doorName":  a.DoorName,
		"timestamp": a.Timestamp,
	}).Warnf("access denied: token %s", a.TokenNumber)
}

func (l *Log) SessionChanged(online bool, reason string) {
	if online {
		l.log.Info("session online")
		return
	}
	l.log.Warnf("session offline: %s", reason)
}
