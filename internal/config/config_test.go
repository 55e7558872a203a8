package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("TASKFLOW_TEST_DB_PASSWORD", "s3cret")

	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
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
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, "taskflow-worker", cfg.App.Name)
			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, "localhost", cfg.Database.Host)
			assert.Equal(t, "s3cret", cfg.Database.Password)
			assert.Equal(t, 30*time.Minute, cfg.Database.ConnMaxLifetime)
			assert.Equal(t, "taskflow.jobs", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, "taskflow.jobs.work", cfg.RabbitMQ.Queue.Name)
			assert.Equal(t, BackendRabbitMQ, cfg.Queue.Backend)
			assert.Equal(t, 5, cfg.Queue.MaxAttempts)
			assert.Equal(t, 30*time.Second, cfg.Worker.JobTimeout)
			assert.True(t, cfg.Worker.RecordRuns)
			assert.True(t, cfg.Scanner.Enabled)

			// defaults
			assert.Equal(t, time.Hour, cfg.Scanner.Interval)
			assert.Equal(t, defaultNotifyConcurrency, cfg.Worker.NotifyConcurrency)
			assert.Equal(t, "taskflow.jobs.dlx", cfg.RabbitMQ.DeadLetter.Exchange)
			assert.Equal(t, "taskflow.jobs.work.dead", cfg.RabbitMQ.DeadLetter.Queue)
			assert.Equal(t, defaultRedisKeyPrefix, cfg.Redis.KeyPrefix)

			assert.NoError(t, cfg.ValidateAPIConfig())
			assert.NoError(t, cfg.ValidateWorkerConfig())
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		errString string
	}{
		{name: "invalid server port", filePath: "testdata/invalid_port.yaml", errString: "invalid server port: 70000"},
		{name: "missing database host", filePath: "testdata/missing_database.yaml", errString: "database host is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)
			require.NoError(t, err)

			err = cfg.ValidateAPIConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "taskflow",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "taskflow.jobs"},
			Queue:    QueueConfig{Name: "taskflow.jobs.work"},
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Worker: WorkerConfig{
			Concurrency:     2,
			JobTimeout:      time.Minute,
			ShutdownTimeout: time.Minute,
		},
		Logging: LoggingConfig{Format: "json"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid rabbitmq backend", mutate: func(c *Config) {}},
		{
			name: "valid redis backend without rabbitmq",
			mutate: func(c *Config) {
				c.Queue.Backend = BackendRedis
				c.RabbitMQ = RabbitMQConfig{}
			},
		},
		{
			name:      "missing database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = 0 },
			errString: "invalid database port",
		},
		{
			name:      "unsupported log format",
			mutate:    func(c *Config) { c.Logging.Format = "xml" },
			errString: "unsupported logging format",
		},
		{
			name:      "unsupported backend",
			mutate:    func(c *Config) { c.Queue.Backend = "kafka" },
			errString: "unsupported queue backend",
		},
		{
			name:      "max attempts below one",
			mutate:    func(c *Config) { c.Queue.MaxAttempts = -1 },
			errString: "max_attempts must be at least 1",
		},
		{
			name:      "missing rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:      "invalid rabbitmq port",
			mutate:    func(c *Config) { c.RabbitMQ.Port = 65536 },
			errString: "invalid rabbitmq port",
		},
		{
			name:      "missing rabbitmq exchange",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "missing rabbitmq queue",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			errString: "rabbitmq queue name is required",
		},
		{
			name: "redis backend without addr",
			mutate: func(c *Config) {
				c.Queue.Backend = BackendRedis
				c.Redis.Addr = ""
			},
			errString: "redis addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:      "server port zero",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "missing shutdown timeout",
			mutate:    func(c *Config) { c.Server.ShutdownTimeout = 0 },
			errString: "server shutdown_timeout",
		},
		{
			name:      "shared section checked too",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:   "server section not required",
			mutate: func(c *Config) { c.Server = ServerConfig{} },
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "worker concurrency",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			errString: "worker job_timeout",
		},
		{
			name:      "negative notify concurrency",
			mutate:    func(c *Config) { c.Worker.NotifyConcurrency = -1 },
			errString: "worker notify_concurrency",
		},
		{
			name:      "zero shutdown timeout",
			mutate:    func(c *Config) { c.Worker.ShutdownTimeout = 0 },
			errString: "worker shutdown_timeout",
		},
		{
			name: "enabled scanner with negative interval",
			mutate: func(c *Config) {
				c.Scanner.Enabled = true
				c.Scanner.Interval = -time.Second
			},
			errString: "scanner interval",
		},
		{
			name:   "disabled scanner ignores interval",
			mutate: func(c *Config) { c.Scanner.Interval = -time.Second },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_Converters(t *testing.T) {
	cfg := validConfig()
	cfg.Database.User = "taskflow"
	cfg.RabbitMQ.Consumer.PrefetchCount = 8
	cfg.Redis.DB = 2

	pg := cfg.Database.PostgreSQL()
	assert.Equal(t, "localhost", pg.Host)
	assert.Equal(t, "taskflow", pg.User)

	rmq := cfg.RabbitMQ.Client()
	assert.Equal(t, "taskflow.jobs", rmq.ExchangeName)
	assert.Equal(t, "direct", rmq.ExchangeType)
	assert.Equal(t, "taskflow.jobs.dlx", rmq.DeadLetterExchange)
	assert.Equal(t, "taskflow.jobs.work.dead", rmq.DeadLetterQueue)
	assert.Equal(t, 8, rmq.PrefetchCount)

	rds := cfg.Redis.Client()
	assert.Equal(t, "localhost:6379", rds.Addr)
	assert.Equal(t, 2, rds.DB)

	lg := cfg.Logging.Logger()
	assert.Equal(t, "json", lg.Format)
	assert.Equal(t, time.RFC3339, lg.TimeFormat)
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
}
