// Package config loads and validates application configuration from YAML files
// with .env and environment-variable overrides. It provides typed structs for
// every subsystem (Server, Auth, Sources, Report, Cache, Kafka, Usage, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported CDR database drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Sources   []SourceConfig  `yaml:"sources"`
	Report    ReportConfig    `yaml:"report"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Usage     UsageConfig     `yaml:"usage"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// AuthConfig holds the shared secret embedded in every API path.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// SourceConfig describes one CDR database.
type SourceConfig struct {
	Name            string            `yaml:"name"`
	Driver          string            `yaml:"driver"`
	Host            string            `yaml:"host"`
	Port            int               `yaml:"port"`
	User            string            `yaml:"user"`
	Password        string            `yaml:"password"`
	Database        string            `yaml:"database"`
	Params          map[string]string `yaml:"params"`
	CDRTable        string            `yaml:"cdrTable"`
	UsersTable      string            `yaml:"usersTable"`
	QueryTimeout    time.Duration     `yaml:"queryTimeout"`
	MaxOpenConns    int               `yaml:"maxOpenConns"`
	MaxIdleConns    int               `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration     `yaml:"connMaxLifetime"`
}

// DSN returns a driver-specific data source name.
func (s SourceConfig) DSN() string {
	switch s.Driver {
	case DriverPostgres:
		sslMode := s.Params["sslmode"]
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.Host, s.Port, s.User, s.Password, s.Database, sslMode,
		)
	case DriverSQLite:
		return s.Database
	default:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", s.User, s.Password, s.Host, s.Port, s.Database)
		params := []string{"charset=utf8mb4"}
		for k, v := range s.Params {
			if k == "charset" {
				params[0] = "charset=" + v
				continue
			}
			params = append(params, k+"="+v)
		}
		return dsn + "?" + strings.Join(params, "&")
	}
}

// ReportConfig controls report computation.
type ReportConfig struct {
	// Parallelism bounds concurrent source queries per request; 0 means one
	// worker per source.
	Parallelism           int           `yaml:"parallelism"`
	InternationalPrefixes []string      `yaml:"internationalPrefixes"`
	Location              string        `yaml:"location"`
	CircuitFailures       int           `yaml:"circuitFailures"`
	CircuitResetTimeout   time.Duration `yaml:"circuitResetTimeout"`
	ConnectAttempts       int           `yaml:"connectAttempts"`
}

// CacheConfig controls the optional Redis result cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// KafkaConfig holds Kafka broker and topic settings for usage events.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	UsageTopic    string        `yaml:"usageTopic"`
	BufferSize    int           `yaml:"bufferSize"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// UsageConfig configures the usage aggregation service.
type UsageConfig struct {
	Port             int            `yaml:"port"`
	SnapshotInterval time.Duration  `yaml:"snapshotInterval"`
	Postgres         PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RateLimitConfig controls per-client request limits. A zero limit disables
// rate limiting.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requestsPerWindow"`
	Window            time.Duration `yaml:"window"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), loads a .env file (if
// present) and applies environment-variable overrides. It returns a Config
// populated with sensible defaults for any missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	loadDotEnv()
	applyEnvOverrides(cfg)
	applySourceDefaults(cfg)
	return cfg, nil
}

// loadDotEnv loads .env from the working directory. Variables already set in
// the environment win.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            5000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			RequestTimeout:  45 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Report: ReportConfig{
			InternationalPrefixes: []string{"+", "00"},
			Location:              "Local",
			CircuitFailures:       5,
			CircuitResetTimeout:   30 * time.Second,
			ConnectAttempts:       3,
		},
		Cache: CacheConfig{
			Enabled: false,
			TTL:     10 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "cdrstat-usage",
			UsageTopic:    "cdrstat.usage",
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: time.Second,
		},
		Usage: UsageConfig{
			Port:             5001,
			SnapshotInterval: time.Minute,
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "cdrstat",
				User:            "cdrstat",
				Password:        "localdev",
				SSLMode:         "disable",
				MaxOpenConns:    5,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 120,
			Window:            time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads API_TOKEN, DB_* and CS_* environment variables and
// overrides the corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("DB_SOURCES"); v != "" {
		cfg.Sources = cfg.Sources[:0]
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			cfg.Sources = append(cfg.Sources, sourceFromEnv(name, "DB_"+envKey(name)+"_"))
		}
	} else if os.Getenv("DB_HOST") != "" || os.Getenv("DB_NAME") != "" {
		cfg.Sources = []SourceConfig{sourceFromEnv("default", "DB_")}
	}
	if v := os.Getenv("CS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("CS_USAGE_POSTGRES_HOST"); v != "" {
		cfg.Usage.Postgres.Host = v
	}
	if v := os.Getenv("CS_USAGE_POSTGRES_PASSWORD"); v != "" {
		cfg.Usage.Postgres.Password = v
	}
}

// sourceFromEnv builds a SourceConfig from variables sharing prefix, e.g.
// DB_HOST or DB_PBX1_HOST.
func sourceFromEnv(name, prefix string) SourceConfig {
	src := SourceConfig{
		Name:     name,
		Driver:   os.Getenv(prefix + "DRIVER"),
		Host:     os.Getenv(prefix + "HOST"),
		User:     os.Getenv(prefix + "USER"),
		Password: os.Getenv(prefix + "PASSWORD"),
		Database: os.Getenv(prefix + "NAME"),
	}
	if v := os.Getenv(prefix + "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			src.Port = port
		}
	}
	return src
}

func envKey(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// applySourceDefaults fills unset per-source fields.
func applySourceDefaults(cfg *Config) {
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.Driver == "" {
			s.Driver = DriverMySQL
		}
		if s.Port == 0 {
			switch s.Driver {
			case DriverMySQL:
				s.Port = 3306
			case DriverPostgres:
				s.Port = 5432
			}
		}
		if s.CDRTable == "" {
			s.CDRTable = "cdr"
		}
		if s.UsersTable == "" {
			s.UsersTable = "users"
		}
		if s.QueryTimeout <= 0 {
			s.QueryTimeout = 30 * time.Second
		}
		if s.MaxOpenConns <= 0 {
			s.MaxOpenConns = 5
		}
		if s.MaxIdleConns <= 0 {
			s.MaxIdleConns = 2
		}
		if s.ConnMaxLifetime <= 0 {
			s.ConnMaxLifetime = time.Hour
		}
	}
}

// Validate reports configuration that cannot serve requests.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.Token == "" {
		errs = append(errs, errors.New("auth token is required (auth.token or API_TOKEN)"))
	}
	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("at least one CDR source is required"))
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("source %d: name is required", i))
			continue
		}
		if _, dup := seen[s.Name]; dup {
			errs = append(errs, fmt.Errorf("source %q: duplicate name", s.Name))
		}
		seen[s.Name] = struct{}{}
		switch s.Driver {
		case DriverMySQL, DriverPostgres, DriverSQLite:
		default:
			errs = append(errs, fmt.Errorf("source %q: unsupported driver %q (use mysql, postgres or sqlite)", s.Name, s.Driver))
		}
	}
	if _, err := c.Report.TimeLocation(); err != nil {
		errs = append(errs, err)
	}
	if err := c.checkTimeoutBudget(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// checkTimeoutBudget rejects a request timeout that the slowest source
// could use up on its own. With bounded parallelism the sources run in
// waves, so the worst case is one query timeout per wave.
func (c *Config) checkTimeoutBudget() error {
	if c.Server.RequestTimeout <= 0 || len(c.Sources) == 0 {
		return nil
	}
	var slowest time.Duration
	for _, s := range c.Sources {
		slowest = max(slowest, s.QueryTimeout)
	}
	waves := 1
	if p := c.Report.Parallelism; p > 0 {
		waves = (len(c.Sources) + p - 1) / p
	}
	if worst := slowest * time.Duration(waves); c.Server.RequestTimeout <= worst {
		return fmt.Errorf("server.requestTimeout %v must exceed the query timeout %v times %d source wave(s) (%v)",
			c.Server.RequestTimeout, slowest, waves, worst)
	}
	return nil
}

// TimeLocation resolves the configured report time zone. "Local" or empty
// selects the server's local zone.
func (r ReportConfig) TimeLocation() (*time.Location, error) {
	if r.Location == "" || r.Location == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(r.Location)
	if err != nil {
		return nil, fmt.Errorf("loading report location %q: %w", r.Location, err)
	}
	return loc, nil
}
