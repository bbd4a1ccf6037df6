package sinks

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/net2-doors/internal/pkg/doorstate"
	"github.com/jake-scott/net2-doors/internal/pkg/logging"
	"github.com/jake-scott/net2-doors/internal/pkg/metrics"
)

const (
	mqttConnectTimeout = time.Second * 10
	mqttPublishTimeout = time.Second * 5
	mqttKeepAlive      = time.Second * 60
	mqttQuiesce        = 1000 // milliseconds

	DefaultTopicPrefix = "net2"
)

type MQTTConfig struct {
	Broker      string // tcp://host:1883, ssl://host:8883, ws://...
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	TLSConfig   *tls.Config
}

// publisher is the part of the paho client the sink needs
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTT publishes door signals as retained topics under
// <prefix>/door/<id>/ and event records as plain messages beside them.
// Publishing never waits for the broker.
type MQTT struct {
	client publisher
	conn   pahomqtt.Client
	prefix string
	qos    byte
	log    *logrus.Entry
}

func (c MQTTConfig) prefix() string {
	p := strings.Trim(c.TopicPrefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

func (c MQTTConfig) clientOptions(sessionTopic string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.Broker)

	clientID := c.ClientID
	if clientID == "" {
		clientID = "net2-doors-" + logging.InstanceID()[:8]
	}
	opts.SetClientID(clientID)

	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}
	if c.TLSConfig != nil {
		opts.SetTLSConfig(c.TLSConfig)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)

	// The broker marks us offline if we vanish
	opts.SetWill(sessionTopic, "offline", c.QoS, true)

	return opts
}

// NewMQTT connects to the broker.  The paho client keeps reconnecting in the
// background after the first connection succeeds.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	m := &MQTT{
		prefix: cfg.prefix(),
		qos:    cfg.QoS,
		log:    logging.Component("sink-mqtt"),
	}

	opts := cfg.clientOptions(m.bridgeTopic("status"))
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		m.log.Infof("connected to %s", cfg.Broker)
		m.publish(m.bridgeTopic("status"), true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		m.log.WithError(err).Warn("broker connection lost")
	})

	conn := pahomqtt.NewClient(opts)
	m.conn = conn
	m.client = conn

	token := conn.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, errors.Errorf("connecting to MQTT broker %s: timeout after %s", cfg.Broker, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connecting to MQTT broker %s", cfg.Broker)
	}

	return m, nil
}

func (m *MQTT) doorTopic(doorID int, leaf string) string {
	return fmt.Sprintf("%s/door/%d/%s", m.prefix, doorID, leaf)
}

func (m *MQTT) bridgeTopic(leaf string) string {
	return m.prefix + "/bridge/" + leaf
}

func (m *MQTT) publish(topic string, retained bool, payload interface{}) {
	token := m.client.Publish(topic, m.qos, retained, payload)

	go func() {
		if !token.WaitTimeout(mqttPublishTimeout) {
			metrics.SinkErrors.WithLabelValues("mqtt").Inc()
			m.log.Warnf("publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			metrics.SinkErrors.WithLabelValues("mqtt").Inc()
			m.log.WithError(err).Warnf("publish to %s", topic)
		}
	}()
}

func (m *MQTT) publishJSON(topic string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		m.log.WithError(err).Errorf("encoding payload for %s", topic)
		return
	}
	m.publish(topic, false, b)
}

func (m *MQTT) StatusChanged(doorID int, ch doorstate.Channel, s doorstate.Status) {
	m.publish(m.doorTopic(doorID, string(ch)), true, s.String())
}

func (m *MQTT) AttributeChanged(doorID int, attr doorstate.Attribute, value string) {
	m.publish(m.doorTopic(doorID, string(attr)), true, value)
}

func (m *MQTT) EntryLogged(e doorstate.EntryLog) {
	m.publishJSON(m.doorTopic(e.DoorID, "entry"), e)
}

func (m *MQTT) AccessDenied(a doorstate.AccessDenied) {
	m.publishJSON(m.doorTopic(a.DoorID, "accessDenied"), a)
}

func (m *MQTT) SessionChanged(online bool, reason string) {
	status := "online"
	if !online {
		status = "offline"
	}
	m.publish(m.bridgeTopic("session"), true, status)
	m.publish(m.bridgeTopic("reason"), true, reason)
}

// Close publishes a graceful offline status and disconnects
func (m *MQTT) Close() {
	if m.conn == nil {
		return
	}

	if m.conn.IsConnected() {
		token := m.client.Publish(m.bridgeTopic("status"), m.qos, true, "offline")
		token.WaitTimeout(mqttPublishTimeout)
	}

	m.conn.Disconnect(mqttQuiesce)
}
