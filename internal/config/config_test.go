package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, cfg)
			}
		})
	}
}

func TestLoad_ValuesAndDefaults(t *testing.T) {
	t.Setenv("GEOPREP_TEST_DATA_DIR", "/var/lib/geoprep")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "/var/lib/geoprep/geoprep.db", cfg.Database.Path)
	assert.Equal(t, 2, cfg.Jobs.Concurrency)
	assert.Equal(t, time.Minute, cfg.Jobs.JobTimeout)
	assert.Equal(t, time.Hour, cfg.Jobs.Retention)
	assert.Equal(t, 5, cfg.Overpass.RequestsPerMinute)
	assert.Equal(t, []string{"http://localhost:9999/hooks"}, cfg.Webhooks.URLs)
	assert.Equal(t, "topic", cfg.RabbitMQ.Exchange.Type)
	assert.Equal(t, 5672, cfg.RabbitMQ.Port)
	assert.Equal(t, 0.5, cfg.Tracing.SampleRatio)
	assert.Equal(t, 60*time.Second, cfg.EventBus.DedupTTL)

	require.NoError(t, cfg.Validate())
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 60, cfg.RateLimit.Capacity)
	assert.Equal(t, time.Minute, cfg.RateLimit.Period)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 2.0, cfg.Retry.BackoffFactor)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = -1 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "unsupported driver",
			mutate:    func(c *Config) { c.Database.Driver = "mysql" },
			wantErr:   true,
			errString: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.Database = "geoprep"
			},
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name: "postgres without database name",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.Host = "localhost"
			},
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "negative concurrency",
			mutate:    func(c *Config) { c.Jobs.Concurrency = -2 },
			wantErr:   true,
			errString: "jobs concurrency must be greater than 0",
		},
		{
			name:      "backoff below one",
			mutate:    func(c *Config) { c.Retry.BackoffFactor = 0.5 },
			wantErr:   true,
			errString: "retry backoff_factor must be at least 1",
		},
		{
			name:      "relative overpass endpoint",
			mutate:    func(c *Config) { c.Overpass.Endpoint = "/api/interpreter" },
			wantErr:   true,
			errString: "invalid overpass endpoint",
		},
		{
			name:      "bad webhook url",
			mutate:    func(c *Config) { c.Webhooks.URLs = []string{"not a url"} },
			wantErr:   true,
			errString: "invalid webhook url",
		},
		{
			name: "rabbitmq enabled without host",
			mutate: func(c *Config) {
				c.RabbitMQ.Enabled = true
				c.RabbitMQ.Host = ""
			},
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name: "rabbitmq disabled ignores host",
			mutate: func(c *Config) {
				c.RabbitMQ.Host = ""
			},
		},
		{
			name:      "unknown exporter",
			mutate:    func(c *Config) { c.Tracing.Exporter = "jaeger" },
			wantErr:   true,
			errString: "unsupported tracing exporter",
		},
		{
			name: "multiple errors are joined",
			mutate: func(c *Config) {
				c.Server.Port = 0
				c.Audit.DataDir = ""
			},
			wantErr:   true,
			errString: "audit data_dir is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
}
