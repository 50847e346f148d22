package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRaceServer_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadRaceServer(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, 443, cfg.Port)
	assert.Equal(t, "server.pfx", cfg.CertificatePath)
	assert.Equal(t, 20, cfg.MaxPlayersPerRoom)
	assert.Equal(t, 10, cfg.RateLimit.ControlPerSecond)
	assert.Equal(t, 120, cfg.RateLimit.DatagramPerSecond)
	assert.Equal(t, 200.0, cfg.Physics.MaxSpeed)
	assert.Equal(t, "slog", cfg.EventSink)
}

func TestLoadRaceServer_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raceserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bind_address: 127.0.0.1
port: 8443
hostname: race.example.com
max_players_per_room: 8
rate_limit:
  datagram_per_second: 60
physics:
  max_speed: 150
event_sink: database
database:
  host: db.internal
  dbname: races
`), 0o644))

	cfg, err := LoadRaceServer(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.BindAddress)
	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, "race.example.com", cfg.Hostname)
	assert.Equal(t, 8, cfg.MaxPlayersPerRoom)
	assert.Equal(t, 60, cfg.RateLimit.DatagramPerSecond)
	assert.Equal(t, 150.0, cfg.Physics.MaxSpeed)
	assert.Equal(t, "database", cfg.EventSink)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30, cfg.HeartbeatSeconds)
}

func TestLoadRaceServer_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not a port"), 0o644))

	_, err := LoadRaceServer(path)
	assert.Error(t, err)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	dsn := DatabaseConfig{
		Host: "127.0.0.1", Port: 5432,
		User: "u", Password: "p", DBName: "races", SSLMode: "disable",
	}.DSN()
	assert.Equal(t, "postgres://u:p@127.0.0.1:5432/races?sslmode=disable", dsn)
}
