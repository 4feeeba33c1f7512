package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSyncdConfig(t *testing.T) {
	tests := []struct {
		name        string
		configFile  string
		expectError bool
		validate    func(*testing.T, *SyncdConfig)
	}{
		{
			name: "valid config file",
			configFile: `
debug: true
sentry_dsn: "https://sentry.example.com"
memory_store: true
database:
  host: localhost
  port: 5433
  user: testuser
  password: testpass
  dbname: testdb
  sslmode: require
indexer:
  websocket_url: "wss://indexer.example.com/graphql"
  connect_timeout: "5s"
  ping_interval: "20s"
  auth_token: "secret"
sync:
  addresses:
    - "0xaaa"
    - "0xbbb"
  initial_backoff: "500ms"
  max_backoff: "8s"
  backoff_multiplier: 3.0
  max_attempts: 10
  cursor_save_interval: "2s"
  inactivity_timeout: "1s"
  finality_threshold: 32
  history_depth: 64
  event_cache_capacity: 5000
  worker_pool_size: 4
nats:
  url: "nats://localhost:4222"
  max_reconnects: 5
  reconnect_wait: "5s"
  connection_name: "test-connection"
server:
  host: "127.0.0.1"
  port: 9090
  read_timeout: 30
`,
			expectError: false,
			validate: func(t *testing.T, cfg *SyncdConfig) {
				assert.True(t, cfg.Debug)
				assert.Equal(t, "https://sentry.example.com", cfg.SentryDSN)
				assert.True(t, cfg.MemoryStore)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5433, cfg.Database.Port)
				assert.Equal(t, "require", cfg.Database.SSLMode)
				assert.Equal(t, "wss://indexer.example.com/graphql", cfg.Indexer.WebSocketURL)
				assert.Equal(t, 5*time.Second, cfg.Indexer.ConnectTimeout)
				assert.Equal(t, 20*time.Second, cfg.Indexer.PingInterval)
				assert.Equal(t, "secret", cfg.Indexer.AuthToken)
				assert.Equal(t, []string{"0xaaa", "0xbbb"}, cfg.Sync.Addresses)
				assert.Equal(t, 500*time.Millisecond, cfg.Sync.InitialBackoff)
				assert.Equal(t, 8*time.Second, cfg.Sync.MaxBackoff)
				assert.Equal(t, 3.0, cfg.Sync.BackoffMultiplier)
				assert.Equal(t, uint64(10), cfg.Sync.MaxAttempts)
				assert.Equal(t, 2*time.Second, cfg.Sync.CursorSaveInterval)
				assert.Equal(t, time.Second, cfg.Sync.InactivityTimeout)
				assert.Equal(t, uint64(32), cfg.Sync.FinalityThreshold)
				assert.Equal(t, 64, cfg.Sync.HistoryDepth)
				assert.Equal(t, 5000, cfg.Sync.EventCacheCapacity)
				assert.Equal(t, 4, cfg.Sync.WorkerPoolSize)
				assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
				assert.Equal(t, 5, cfg.NATS.MaxReconnects)
				assert.Equal(t, "test-connection", cfg.NATS.ConnectionName)
				assert.Equal(t, "127.0.0.1", cfg.Server.Host)
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, 30, cfg.Server.ReadTimeout)
			},
		},
		{
			name: "config with defaults",
			configFile: `
database:
  host: localhost
  user: testuser
  password: testpass
  dbname: testdb
indexer:
  websocket_url: "wss://indexer.example.com/graphql"
sync:
  addresses:
    - "0xaaa"
`,
			expectError: false,
			validate: func(t *testing.T, cfg *SyncdConfig) {
				// Check defaults
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "disable", cfg.Database.SSLMode)
				assert.Equal(t, 10*time.Second, cfg.Indexer.ConnectTimeout)
				assert.Equal(t, 25*time.Second, cfg.Indexer.PingInterval)
				assert.Equal(t, time.Second, cfg.Sync.InitialBackoff)
				assert.Equal(t, 16*time.Second, cfg.Sync.MaxBackoff)
				assert.Equal(t, 2.0, cfg.Sync.BackoffMultiplier)
				assert.Equal(t, uint64(5), cfg.Sync.MaxAttempts)
				assert.Equal(t, 5*time.Second, cfg.Sync.CursorSaveInterval)
				assert.Equal(t, 3*time.Second, cfg.Sync.InactivityTimeout)
				assert.Equal(t, uint64(64), cfg.Sync.FinalityThreshold)
				assert.Equal(t, 128, cfg.Sync.HistoryDepth)
				assert.Equal(t, 10000, cfg.Sync.EventCacheCapacity)
				assert.Equal(t, 8, cfg.Sync.WorkerPoolSize)
				assert.Equal(t, 10, cfg.NATS.MaxReconnects)
				assert.Equal(t, "2s", cfg.NATS.ReconnectWait.String())
				assert.Equal(t, "wallet-syncd", cfg.NATS.ConnectionName)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 15, cfg.Server.ReadTimeout)
				assert.Equal(t, 15, cfg.Server.WriteTimeout)
				assert.Equal(t, 60, cfg.Server.IdleTimeout)
				assert.False(t, cfg.MemoryStore)
			},
		},
		{
			name:        "missing config file",
			configFile:  "",
			expectError: false,
			validate:    nil,
		},
		{
			name: "invalid yaml",
			configFile: `
				server:
				  port: invalid
			`,
			expectError: true, // Invalid port should cause unmarshal error
			validate:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			var configFile string

			if tt.configFile != "" {
				configFile = filepath.Join(tmpDir, "config.yaml")
				err := os.WriteFile(configFile, []byte(tt.configFile), 0600)
				require.NoError(t, err)
			} else {
				configFile = filepath.Join(tmpDir, "nonexistent.yaml")
			}

			cfg, err := LoadSyncdConfig(configFile, "")

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, cfg)
			} else {
				if tt.validate != nil {
					require.NoError(t, err)
					require.NotNil(t, cfg)
					tt.validate(t, cfg)
				}
			}
		})
	}
}

func TestDatabaseConfigDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "wallet",
		Password: "hunter2",
		DBName:   "wallet_sync",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5432 user=wallet password=hunter2 dbname=wallet_sync sslmode=require",
		cfg.DSN())
}
