// Package mqttexec ships robot commands to a robot-side bridge over MQTT and
// waits for each command's acknowledgement.
package mqttexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/labflow/internal/robot"
)

const (
	// DefaultTopicPrefix roots the command and ack topics.
	DefaultTopicPrefix = "labflow/robot"
	// DefaultTimeout bounds the wait for a command acknowledgement.
	DefaultTimeout = 30 * time.Second
	// DefaultQoS is at-least-once delivery.
	DefaultQoS byte = 1
)

// ErrNoAck is returned when the robot does not acknowledge in time.
var ErrNoAck = errors.New("mqttexec: no acknowledgement")

// Settings configure the broker connection.
type Settings struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Timeout     time.Duration
	QoS         byte
}

func (s Settings) normalized() Settings {
	s.Broker = strings.TrimSpace(s.Broker)
	s.TopicPrefix = strings.TrimRight(strings.TrimSpace(s.TopicPrefix), "/")
	if s.TopicPrefix == "" {
		s.TopicPrefix = DefaultTopicPrefix
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.QoS > 2 {
		s.QoS = DefaultQoS
	}
	if strings.TrimSpace(s.ClientID) == "" {
		s.ClientID = "labflow-" + uuid.NewString()[:8]
	}
	return s
}

// CommandTopic is where commands are published.
func (s Settings) CommandTopic() string { return s.TopicPrefix + "/commands" }

// AckTopic is where the robot answers.
func (s Settings) AckTopic() string { return s.TopicPrefix + "/acks" }

// Envelope is the wire form of a command.
type Envelope struct {
	ID      string        `json:"id"`
	SentAt  time.Time     `json:"sent_at"`
	Command robot.Command `json:"command"`
}

// Ack is the robot's reply to an Envelope.
type Ack struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Executor implements robot.Executor over MQTT.
type Executor struct {
	client   mqtt.Client
	settings Settings
	logger   *zap.Logger
	owned    bool

	mu      sync.Mutex
	pending map[string]chan Ack
}

// Option customizes the executor.
type Option func(*Executor)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Dial connects to the broker described by settings.
func Dial(settings Settings, opts ...Option) (*Executor, error) {
	settings = settings.normalized()
	if settings.Broker == "" {
		return nil, fmt.Errorf("mqttexec: broker is required")
	}
	clientOpts := mqtt.NewClientOptions().
		AddBroker(settings.Broker).
		SetClientID(settings.ClientID).
		SetConnectTimeout(settings.Timeout).
		SetAutoReconnect(true)
	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(settings.Timeout) {
		return nil, fmt.Errorf("mqttexec: connect %s: timed out", settings.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttexec: connect %s: %w", settings.Broker, err)
	}
	exec, err := New(client, settings, opts...)
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}
	exec.owned = true
	return exec, nil
}

// New wraps an already connected client and subscribes to acknowledgements.
func New(client mqtt.Client, settings Settings, opts ...Option) (*Executor, error) {
	if client == nil {
		return nil, fmt.Errorf("mqttexec: client is required")
	}
	e := &Executor{
		client:   client,
		settings: settings.normalized(),
		logger:   zap.NewNop(),
		pending:  map[string]chan Ack{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	token := client.Subscribe(e.settings.AckTopic(), e.settings.QoS, e.handleAck)
	if !token.WaitTimeout(e.settings.Timeout) {
		return nil, fmt.Errorf("mqttexec: subscribe %s: timed out", e.settings.AckTopic())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttexec: subscribe %s: %w", e.settings.AckTopic(), err)
	}
	return e, nil
}

// Execute publishes cmd and blocks until it is acknowledged.
func (e *Executor) Execute(ctx context.Context, cmd robot.Command) error {
	env := Envelope{ID: uuid.NewString(), SentAt: time.Now().UTC(), Command: cmd}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("mqttexec: encode %s: %w", cmd.Kind, err)
	}
	reply := make(chan Ack, 1)
	e.mu.Lock()
	e.pending[env.ID] = reply
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, env.ID)
		e.mu.Unlock()
	}()

	token := e.client.Publish(e.settings.CommandTopic(), e.settings.QoS, false, payload)
	if !token.WaitTimeout(e.settings.Timeout) {
		return fmt.Errorf("mqttexec: publish %s: timed out", cmd.Kind)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttexec: publish %s: %w", cmd.Kind, err)
	}

	timer := time.NewTimer(e.settings.Timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w for %s after %s", ErrNoAck, cmd.Kind, e.settings.Timeout)
	case ack := <-reply:
		if !ack.OK {
			if ack.Error == "" {
				ack.Error = "rejected"
			}
			return fmt.Errorf("mqttexec: %s: %s", cmd.Kind, ack.Error)
		}
		return nil
	}
}

func (e *Executor) handleAck(_ mqtt.Client, msg mqtt.Message) {
	var ack Ack
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		e.logger.Warn("discarding malformed ack", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	e.mu.Lock()
	reply, ok := e.pending[ack.ID]
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("ack for unknown command", zap.String("id", ack.ID))
		return
	}
	select {
	case reply <- ack:
	default:
	}
}

// Close unsubscribes and, for executors created by Dial, disconnects.
func (e *Executor) Close() error {
	token := e.client.Unsubscribe(e.settings.AckTopic())
	token.WaitTimeout(e.settings.Timeout)
	if e.owned {
		e.client.Disconnect(250)
	}
	return token.Error()
}
