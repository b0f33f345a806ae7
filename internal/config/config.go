// internal/config/config.go
//
// This package handles configuration and the .labflow directory structure.
// Every bench project gets a .labflow/ folder holding its config, logs,
// local protocols and archived run reports.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/labflow/internal/geometry"
)

const (
	// LabflowDir is the name of the directory we create in each project
	LabflowDir = ".labflow"

	defaultMQTTTimeout = 30 * time.Second
)

const defaultProjectConfigYAML = `# labflow project configuration
version: 1

# Where commands go. sim runs everything in-process; mqtt talks to the
# robot-side bridge.
robot:
  driver: sim
  # mqtt:
  #   broker: tcp://robot.local:1883
  #   topic_prefix: labflow/robot
  #   timeout: 30s

# Who acknowledges pause prompts: console, tui or bridge.
operator:
  mode: console

# Run journal: memory, sqlite or postgres.
journal:
  driver: sqlite
  sqlite_path: journal.db
  # postgres_dsn: postgres://localhost/labflow?sslmode=disable

# Finished run reports: none, fs or s3.
archive:
  driver: fs
  root: archive
  # s3:
  #   bucket: lab-runs
  #   region: eu-west-1

bridge:
  enabled: false
  host: 127.0.0.1
  port: 8765

# Well margins in mm. Zero keeps the built-in default.
geometry:
  bottom: 0
  top_clearance: 0
  wall: 0
`

// Robot drivers.
const (
	DriverSim  = "sim"
	DriverMQTT = "mqtt"
)

// Operator modes.
const (
	OperatorConsole = "console"
	OperatorTUI     = "tui"
	OperatorBridge  = "bridge"
)

// MQTTConfig addresses the robot-side bridge.
type MQTTConfig struct {
	Broker      string        `yaml:"broker,omitempty"`
	ClientID    string        `yaml:"client_id,omitempty"`
	TopicPrefix string        `yaml:"topic_prefix,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// RobotConfig selects the command executor.
type RobotConfig struct {
	Driver string     `yaml:"driver"`
	MQTT   MQTTConfig `yaml:"mqtt,omitempty"`
}

// OperatorConfig selects how pauses are acknowledged.
type OperatorConfig struct {
	Mode string `yaml:"mode"`
}

// JournalConfig selects the run journal store.
type JournalConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// S3Config addresses the report bucket.
type S3Config struct {
	Bucket    string `yaml:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`
}

// ArchiveConfig selects where finished reports are kept.
type ArchiveConfig struct {
	Driver string   `yaml:"driver"`
	Root   string   `yaml:"root,omitempty"`
	S3     S3Config `yaml:"s3,omitempty"`
}

// BridgeConfig captures the operator bridge preferences.
type BridgeConfig struct {
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Host        string `yaml:"host,omitempty"`
	Port        int    `yaml:"port,omitempty"`
	AllowRemote bool   `yaml:"allow_remote,omitempty"`
}

// On reports whether the bridge was switched on explicitly.
func (b BridgeConfig) On() bool {
	return b.Enabled != nil && *b.Enabled
}

// IsLoopback reports whether host only accepts connections from this
// machine. An empty host means the default loopback bind.
func IsLoopback(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ProjectConfig models .labflow/config.yaml.
type ProjectConfig struct {
	Version  int              `yaml:"version"`
	Robot    RobotConfig      `yaml:"robot"`
	Operator OperatorConfig   `yaml:"operator"`
	Journal  JournalConfig    `yaml:"journal"`
	Archive  ArchiveConfig    `yaml:"archive"`
	Bridge   BridgeConfig     `yaml:"bridge"`
	Geometry geometry.Margins `yaml:"geometry"`
}

// Config holds the runtime configuration for labflow.
type Config struct {
	// ProjectDir is the directory labflow was started from
	ProjectDir string

	// LabflowProjectDir is ProjectDir/.labflow
	LabflowProjectDir string

	Project ProjectConfig
}

// InitLabflowDir creates the .labflow directory structure in the given
// project directory.
//
// Structure created:
// .labflow/
// ├── config.yaml
// ├── logs/
// │   └── runs/     <- One operator logbook per run
// ├── protocols/    <- Local protocol definitions (override built-ins by id)
// └── archive/      <- Finished run reports (fs archive driver)
func InitLabflowDir(projectDir string) error {
	labflowDir := filepath.Join(projectDir, LabflowDir)

	dirs := []string{
		filepath.Join(labflowDir, "logs"),
		filepath.Join(labflowDir, "logs", "runs"),
		filepath.Join(labflowDir, "protocols"),
		filepath.Join(labflowDir, "archive"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return ensureProjectConfig(filepath.Join(labflowDir, "config.yaml"))
}

// NewConfig creates a Config populated from .labflow/config.yaml (when
// present) and LABFLOW_* environment overrides.
func NewConfig(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", projectDir, err)
	}
	cfg := &Config{
		ProjectDir:        abs,
		LabflowProjectDir: filepath.Join(abs, LabflowDir),
		Project:           defaultProjectConfig(),
	}

	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.LabflowProjectDir, "logs")
}

// LogFile returns the structured application log path.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogsDir(), "labflow.log")
}

// RunLogPath returns the operator logbook for one run.
func (c *Config) RunLogPath(runID string) string {
	return filepath.Join(c.LogsDir(), "runs", runID+".log")
}

// ProtocolsDir returns the directory scanned for local protocol files
func (c *Config) ProtocolsDir() string {
	return filepath.Join(c.LabflowProjectDir, "protocols")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.LabflowProjectDir, "config.yaml")
}

// Margins returns the configured well margins merged over the defaults.
func (c *Config) Margins() geometry.Margins {
	return c.Project.Geometry.Merge(geometry.DefaultMargins)
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.Project.applyDefaults()
			c.Project.normalize(c.LabflowProjectDir)
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.LabflowProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

// applyEnvOverrides lets LABFLOW_* variables win over the file.
func (c *Config) applyEnvOverrides() error {
	pc := &c.Project
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("LABFLOW_ROBOT_DRIVER", &pc.Robot.Driver)
	str("LABFLOW_MQTT_BROKER", &pc.Robot.MQTT.Broker)
	str("LABFLOW_MQTT_CLIENT_ID", &pc.Robot.MQTT.ClientID)
	str("LABFLOW_MQTT_TOPIC_PREFIX", &pc.Robot.MQTT.TopicPrefix)
	str("LABFLOW_OPERATOR", &pc.Operator.Mode)
	str("LABFLOW_JOURNAL_DRIVER", &pc.Journal.Driver)
	str("LABFLOW_SQLITE_PATH", &pc.Journal.SQLitePath)
	str("LABFLOW_POSTGRES_DSN", &pc.Journal.PostgresDSN)
	str("LABFLOW_ARCHIVE_DRIVER", &pc.Archive.Driver)
	str("LABFLOW_ARCHIVE_ROOT", &pc.Archive.Root)
	str("LABFLOW_S3_BUCKET", &pc.Archive.S3.Bucket)
	str("LABFLOW_S3_REGION", &pc.Archive.S3.Region)
	str("LABFLOW_S3_ENDPOINT", &pc.Archive.S3.Endpoint)
	str("LABFLOW_S3_PREFIX", &pc.Archive.S3.Prefix)
	if v := strings.TrimSpace(os.Getenv("LABFLOW_MQTT_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: LABFLOW_MQTT_TIMEOUT: %w", err)
		}
		pc.Robot.MQTT.Timeout = d
	}
	str("LABFLOW_BRIDGE_HOST", &pc.Bridge.Host)
	if v := strings.TrimSpace(os.Getenv("LABFLOW_BRIDGE_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: LABFLOW_BRIDGE_PORT: %w", err)
		}
		pc.Bridge.Port = port
	}
	if v := strings.TrimSpace(os.Getenv("LABFLOW_BRIDGE_ALLOW_REMOTE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: LABFLOW_BRIDGE_ALLOW_REMOTE: %w", err)
		}
		pc.Bridge.AllowRemote = b
	}
	if v := strings.TrimSpace(os.Getenv("LABFLOW_BRIDGE_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: LABFLOW_BRIDGE_ENABLED: %w", err)
		}
		pc.Bridge.Enabled = &b
	}
	if v := strings.TrimSpace(os.Getenv("LABFLOW_S3_PATH_STYLE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: LABFLOW_S3_PATH_STYLE: %w", err)
		}
		pc.Archive.S3.PathStyle = b
	}
	pc.normalize(c.LabflowProjectDir)
	if err := pc.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:  1,
		Robot:    RobotConfig{Driver: DriverSim},
		Operator: OperatorConfig{Mode: OperatorConsole},
		Journal:  JournalConfig{Driver: "sqlite", SQLitePath: "journal.db"},
		Archive:  ArchiveConfig{Driver: "fs", Root: "archive"},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Robot.MQTT.Timeout == 0 {
		pc.Robot.MQTT.Timeout = defaultMQTTTimeout
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Robot.Driver = normalizeName(pc.Robot.Driver)
	if pc.Robot.Driver == "" {
		pc.Robot.Driver = DriverSim
	}
	pc.Robot.MQTT.Broker = strings.TrimSpace(pc.Robot.MQTT.Broker)
	pc.Operator.Mode = normalizeName(pc.Operator.Mode)
	if pc.Operator.Mode == "" {
		pc.Operator.Mode = OperatorConsole
	}
	pc.Journal.Driver = normalizeName(pc.Journal.Driver)
	if pc.Journal.Driver == "" {
		pc.Journal.Driver = "sqlite"
	}
	if pc.Journal.SQLitePath == "" {
		pc.Journal.SQLitePath = "journal.db"
	}
	pc.Journal.SQLitePath = resolvePath(base, pc.Journal.SQLitePath)
	pc.Archive.Driver = normalizeName(pc.Archive.Driver)
	if pc.Archive.Driver == "" {
		pc.Archive.Driver = "none"
	}
	pc.Archive.Root = resolvePath(base, pc.Archive.Root)
	pc.Bridge.Host = strings.TrimSpace(pc.Bridge.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch pc.Robot.Driver {
	case DriverSim:
	case DriverMQTT:
		if pc.Robot.MQTT.Broker == "" {
			return fmt.Errorf("robot.mqtt.broker is required for the mqtt driver")
		}
	default:
		return fmt.Errorf("robot.driver must be 'sim' or 'mqtt'")
	}
	if pc.Robot.MQTT.Timeout < 0 {
		return fmt.Errorf("robot.mqtt.timeout must not be negative")
	}
	switch pc.Operator.Mode {
	case OperatorConsole, OperatorTUI, OperatorBridge:
	default:
		return fmt.Errorf("operator.mode must be 'console', 'tui' or 'bridge'")
	}
	switch pc.Journal.Driver {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(pc.Journal.PostgresDSN) == "" {
			return fmt.Errorf("journal.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("journal.driver must be 'memory', 'sqlite' or 'postgres'")
	}
	switch pc.Archive.Driver {
	case "none", "memory":
	case "fs":
		if pc.Archive.Root == "" {
			return fmt.Errorf("archive.root is required for the fs driver")
		}
	case "s3":
		if strings.TrimSpace(pc.Archive.S3.Bucket) == "" {
			return fmt.Errorf("archive.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("archive.driver must be 'none', 'fs' or 's3'")
	}
	if pc.Bridge.Port < 0 || pc.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be within 0..65535")
	}
	if !pc.Bridge.AllowRemote && !IsLoopback(pc.Bridge.Host) {
		return fmt.Errorf("bridge.host %q is not loopback; set bridge.allow_remote to expose operator prompts", pc.Bridge.Host)
	}
	g := pc.Geometry
	if g.Bottom < 0 || g.TopClearance < 0 || g.Wall < 0 {
		return fmt.Errorf("geometry margins must not be negative")
	}
	if pc.Operator.Mode == OperatorBridge && pc.Bridge.Enabled != nil && !*pc.Bridge.Enabled {
		return fmt.Errorf("operator.mode 'bridge' needs the bridge enabled")
	}
	return nil
}

func normalizeName(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}

// Save writes the current project config back to .labflow/config.yaml.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize(c.LabflowProjectDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.LabflowProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure labflow dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
