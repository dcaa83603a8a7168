package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete billcore configuration surface: the billing
// engine's tunables plus the ambient app/database/redis/monitoring
// sections every service built on this stack carries.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Softswitch SoftswitchConfig `mapstructure:"softswitch"`
	Billing    BillingConfig    `mapstructure:"billing"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type AppConfig struct {
	Name         string `mapstructure:"name"`
	Version      string `mapstructure:"version"`
	Environment  string `mapstructure:"environment"`
	Debug        bool   `mapstructure:"debug"`
	EventLogPath string `mapstructure:"event_log_path"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	Charset         string        `mapstructure:"charset"`
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SoftswitchConfig configures the AGI/AMI-shaped reference event adapter
// (internal/softswitch), adapted from the teacher's AGI/AMI sections.
type SoftswitchConfig struct {
	AGIListenAddress string        `mapstructure:"agi_listen_address"`
	AGIPort          int           `mapstructure:"agi_port"`
	AGIReadTimeout   time.Duration `mapstructure:"agi_read_timeout"`
	AMIHost          string        `mapstructure:"ami_host"`
	AMIPort          int           `mapstructure:"ami_port"`
	AMIReconnectWait time.Duration `mapstructure:"ami_reconnect_wait"`
	AMIActionTimeout time.Duration `mapstructure:"ami_action_timeout"`
}

// BillingConfig is the billing engine's tunable options.
type BillingConfig struct {
	InitialReservationMinutes  int           `mapstructure:"initial_reservation_minutes"`
	MinimumReservationMinutes  int           `mapstructure:"minimum_reservation_minutes"`
	ReservationSafetyFactor    float64       `mapstructure:"reservation_safety_factor"`
	ReservationGraceSeconds    int           `mapstructure:"reservation_grace_seconds"`
	ExtensionMinutes           int           `mapstructure:"extension_minutes"`
	RealtimeTickSeconds        int           `mapstructure:"realtime_tick_seconds"`
	LowWaterSeconds            int           `mapstructure:"low_water_seconds"`
	HangupWaterSeconds         int           `mapstructure:"hangup_water_seconds"`
	ExpirySweepIntervalSeconds int           `mapstructure:"expiry_sweep_interval_seconds"`
	ExpirySweepBatch           int           `mapstructure:"expiry_sweep_batch"`
	StoreCallTimeoutSeconds    int           `mapstructure:"store_call_timeout_seconds"`
	OptimisticRetryMax         int           `mapstructure:"optimistic_retry_max"`
	DispatcherQueueCount       int           `mapstructure:"dispatcher_queue_count"`
	DispatcherQueueDepth       int           `mapstructure:"dispatcher_queue_depth"`
	CDRInsertRetryMax          int           `mapstructure:"cdr_insert_retry_max"`
	CDRInsertRetryBackoff      time.Duration `mapstructure:"cdr_insert_retry_backoff"`
	OutOfOrderBufferSeconds    int           `mapstructure:"out_of_order_buffer_seconds"`
}

type MonitoringConfig struct {
	MetricsEnabled   bool   `mapstructure:"metrics_enabled"`
	MetricsPort      int    `mapstructure:"metrics_port"`
	HealthPort       int    `mapstructure:"health_port"`
	LoggingLevel     string `mapstructure:"logging_level"`
	LoggingFormat    string `mapstructure:"logging_format"`
	LoggingOutput    string `mapstructure:"logging_output"`
	LoggingFilePath  string `mapstructure:"logging_file_path"`
}

func Load(configFile string) (*Config, error) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/billcore")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("BILLCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "billcore")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.event_log_path", "/var/lib/billcore/events.log")

	viper.SetDefault("database.driver", "mysql")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.username", "billcore")
	viper.SetDefault("database.password", "billcore")
	viper.SetDefault("database.database", "billcore")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.retry_attempts", 3)
	viper.SetDefault("database.retry_delay", "1s")
	viper.SetDefault("database.charset", "utf8mb4")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")

	viper.SetDefault("softswitch.agi_listen_address", "0.0.0.0")
	viper.SetDefault("softswitch.agi_port", 4573)
	viper.SetDefault("softswitch.agi_read_timeout", "30s")
	viper.SetDefault("softswitch.ami_host", "localhost")
	viper.SetDefault("softswitch.ami_port", 5038)
	viper.SetDefault("softswitch.ami_reconnect_wait", "5s")
	viper.SetDefault("softswitch.ami_action_timeout", "10s")

	// Billing defaults — table, verbatim.
	viper.SetDefault("billing.initial_reservation_minutes", 5)
	viper.SetDefault("billing.minimum_reservation_minutes", 1)
	viper.SetDefault("billing.reservation_safety_factor", 1.08)
	viper.SetDefault("billing.reservation_grace_seconds", 10)
	viper.SetDefault("billing.extension_minutes", 2)
	viper.SetDefault("billing.realtime_tick_seconds", 1)
	viper.SetDefault("billing.low_water_seconds", 30)
	viper.SetDefault("billing.hangup_water_seconds", 5)
	viper.SetDefault("billing.expiry_sweep_interval_seconds", 60)
	viper.SetDefault("billing.expiry_sweep_batch", 10000)
	viper.SetDefault("billing.store_call_timeout_seconds", 5)
	viper.SetDefault("billing.optimistic_retry_max", 3)
	// Ambient additions needed to realize the hashed-worker-queue
	// dispatcher and the CDR dead-letter path.
	viper.SetDefault("billing.dispatcher_queue_count", 32)
	viper.SetDefault("billing.dispatcher_queue_depth", 256)
	viper.SetDefault("billing.cdr_insert_retry_max", 5)
	viper.SetDefault("billing.cdr_insert_retry_backoff", "500ms")
	viper.SetDefault("billing.out_of_order_buffer_seconds", 2)

	viper.SetDefault("monitoring.metrics_enabled", true)
	viper.SetDefault("monitoring.metrics_port", 9090)
	viper.SetDefault("monitoring.health_port", 8080)
	viper.SetDefault("monitoring.logging_level", "info")
	viper.SetDefault("monitoring.logging_format", "json")
	viper.SetDefault("monitoring.logging_output", "stdout")
}

func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Billing.InitialReservationMinutes <= 0 {
		return fmt.Errorf("billing.initial_reservation_minutes must be positive")
	}
	if c.Billing.MinimumReservationMinutes <= 0 || c.Billing.MinimumReservationMinutes > c.Billing.InitialReservationMinutes {
		return fmt.Errorf("billing.minimum_reservation_minutes must be positive and <= initial_reservation_minutes")
	}
	if c.Billing.ReservationSafetyFactor < 1.0 {
		return fmt.Errorf("billing.reservation_safety_factor must be >= 1.0")
	}
	if c.Billing.ExtensionMinutes <= 0 {
		return fmt.Errorf("billing.extension_minutes must be positive")
	}
	if c.Billing.RealtimeTickSeconds <= 0 {
		return fmt.Errorf("billing.realtime_tick_seconds must be positive")
	}
	if c.Billing.HangupWaterSeconds < 0 || c.Billing.LowWaterSeconds <= c.Billing.HangupWaterSeconds {
		return fmt.Errorf("billing.low_water_seconds must exceed hangup_water_seconds")
	}
	if c.Billing.ExpirySweepBatch <= 0 {
		return fmt.Errorf("billing.expiry_sweep_batch must be positive")
	}
	if c.Billing.OptimisticRetryMax < 0 {
		return fmt.Errorf("billing.optimistic_retry_max must be >= 0")
	}
	if c.Billing.DispatcherQueueCount <= 0 {
		return fmt.Errorf("billing.dispatcher_queue_count must be positive")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true&interpolateParams=true&charset=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.Charset)
}

func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}
