package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/udisondev/raceserver/internal/security"
)

// RaceServer holds all configuration for the racing game server.
type RaceServer struct {
	LogLevel string `yaml:"log_level"`

	// Network. TCP (TLS control channel) and UDP (datagrams) bind the same
	// port by convention.
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// Certificate provisioning
	Hostname            string `yaml:"hostname"`
	PublicIP            string `yaml:"public_ip"`
	CertificatePath     string `yaml:"certificate_path"`
	CertificatePassword string `yaml:"certificate_password"`

	// Rooms
	MaxPlayersPerRoom int `yaml:"max_players_per_room"`

	// Session reaping
	HeartbeatSeconds   int `yaml:"heartbeat_seconds"`
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// Anti-abuse
	RateLimit RateLimitConfig        `yaml:"rate_limit"`
	Physics   security.PhysicsConfig `yaml:"physics"`

	// Event sink: "null", "slog", or "database". The database sink needs
	// the database section below.
	EventSink string         `yaml:"event_sink"`
	Database  DatabaseConfig `yaml:"database"`
}

// RateLimitConfig holds the sliding-window limits.
type RateLimitConfig struct {
	ControlPerSecond  int `yaml:"control_per_second"`
	DatagramPerSecond int `yaml:"datagram_per_second"`
	Burst             int `yaml:"burst"`
}

// DatabaseConfig holds PostgreSQL connection parameters for the database
// event sink.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// DefaultRaceServer returns RaceServer config with production defaults.
func DefaultRaceServer() RaceServer {
	return RaceServer{
		LogLevel:            "info",
		BindAddress:         "0.0.0.0",
		Port:                443,
		Hostname:            "localhost",
		CertificatePath:     "server.pfx",
		CertificatePassword: "",
		MaxPlayersPerRoom:   20,
		HeartbeatSeconds:    30,
		IdleTimeoutSeconds:  60,
		RateLimit: RateLimitConfig{
			ControlPerSecond:  security.DefaultControlLimit,
			DatagramPerSecond: security.DefaultDatagramLimit,
			Burst:             security.DefaultBurst,
		},
		Physics:   security.DefaultPhysicsConfig(),
		EventSink: "slog",
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "raceserver",
			Password: "raceserver",
			DBName:   "raceserver",
			SSLMode:  "disable",
		},
	}
}

// LoadRaceServer loads race server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadRaceServer(path string) (RaceServer, error) {
	cfg := DefaultRaceServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
