package bridge

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kingrea/labflow/internal/config"
)

const (
	// DefaultHost keeps the acknowledge endpoint on this machine.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the bridge port when the project config names none.
	DefaultPort = 8765
	// DefaultMaxBodyBytes caps an acknowledge request body.
	DefaultMaxBodyBytes int64 = 64 << 10

	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 15 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Settings is the bind address and request limits of the operator bridge.
// A zero Port binds an ephemeral port.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	AllowRemote  bool
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SettingsFromConfig derives the server settings from the project config.
// LABFLOW_BRIDGE_* overrides are already folded in by config.NewConfig.
// The server runs whenever the bridge operator is selected; bridge.enabled
// also opens it next to the console or tui operator.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{Host: DefaultHost, Port: DefaultPort}
	if cfg != nil {
		b := cfg.Project.Bridge
		s.Enabled = cfg.Project.Operator.Mode == config.OperatorBridge || b.On()
		s.AllowRemote = b.AllowRemote
		if b.Host != "" {
			s.Host = b.Host
		}
		if b.Port != 0 {
			s.Port = b.Port
		}
	}
	s.normalize()
	return s
}

// Validate rejects a bind address that would let another machine resume
// the robot unless AllowRemote is set.
func (s Settings) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("bridge: port %d out of range", s.Port)
	}
	if !s.AllowRemote && !config.IsLoopback(s.Host) {
		return fmt.Errorf("bridge: host %q is not loopback; set bridge.allow_remote to expose prompts", s.Host)
	}
	return nil
}

func (s *Settings) normalize() {
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = defaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = defaultIdleTimeout
	}
}

// Address returns the bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the base URL operators open.
func (s Settings) URL() string {
	return "http://" + s.Address()
}
