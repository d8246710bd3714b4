// Package config resolves Chimera's runtime configuration from environment
// variables and an optional YAML settings file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the resolved process configuration shared by all commands.
	Config struct {
		// DatabaseURL is the Postgres DSN. Empty disables persistence.
		DatabaseURL string
		// RedisURL is the Redis connection string. Required.
		RedisURL string
		// ProxyURL is the outbound proxy endpoint, credentials included.
		ProxyURL string
		// WorkerID identifies this worker process in logs and audit rows.
		WorkerID string
		// MissionQueue is the Redis list missions are consumed from.
		MissionQueue string
		// BrainURL is the base URL of the vision service.
		BrainURL string
		// DBPoolMax bounds the Postgres connection pool.
		DBPoolMax int
		// DBConnectTimeout bounds initial database connection attempts.
		DBConnectTimeout time.Duration
		// SmokeResultsTimeout bounds the smoke test's wait for a result.
		SmokeResultsTimeout time.Duration
		// UAVersion is the Chrome version advertised in the user agent and
		// Client Hints. UAPlatform selects the device profile family.
		UAVersion  string
		UAPlatform string
	}

	// Settings holds the tunables loaded from the optional YAML file:
	// provider magazine, station costs and behavior envelope.
	Settings struct {
		Magazine   []string           `yaml:"magazine"`
		Budget     float64            `yaml:"budget"`
		WarmupURLs []string           `yaml:"warmup_urls"`
		Costs      map[string]float64 `yaml:"station_costs"`
	}
)

const (
	defaultMissionQueue = "chimera:missions"
	defaultBrainURL     = "http://localhost:8420"
	defaultPoolMax      = 10
)

// FromEnv resolves the process configuration. DATABASE_URL falls back to the
// component-wise PG* variables; a missing database is a soft degradation
// handled by the caller, not an error here.
func FromEnv() (Config, error) {
	cfg := Config{
		DatabaseURL:         databaseURL(),
		RedisURL:            envDefault("REDIS_URL", "redis://localhost:6379/0"),
		ProxyURL:            os.Getenv("PROXY_URL"),
		WorkerID:            envDefault("CHIMERA_WORKER_ID", "worker-0"),
		MissionQueue:        envDefault("CHIMERA_MISSION_QUEUE", defaultMissionQueue),
		BrainURL:            envDefault("CHIMERA_BRAIN_HTTP_URL", defaultBrainURL),
		DBPoolMax:           envInt("DB_POOL_MAX", defaultPoolMax),
		DBConnectTimeout:    time.Duration(envInt("DB_CONNECT_TIMEOUT", 5)) * time.Second,
		SmokeResultsTimeout: time.Duration(envInt("SMOKE_RESULTS_TIMEOUT", 180)) * time.Second,
		UAVersion:           envDefault("CHROME_UA_VERSION", "142.0.0.0"),
		UAPlatform:          envDefault("CHROME_UA_PLATFORM", "linux"),
	}
	if _, err := redis.ParseURL(cfg.RedisURL); err != nil {
		return Config{}, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return cfg, nil
}

// Redis builds a Redis client from the resolved URL.
func (c Config) Redis() (*redis.Client, error) {
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// LoadSettings reads the YAML settings file. A missing file yields zero-value
// Settings so callers can fall back to their own defaults.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// databaseURL returns DATABASE_URL, or assembles a DSN from the PG*
// components when at least PGHOST and PGDATABASE are set.
func databaseURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	host := os.Getenv("PGHOST")
	db := os.Getenv("PGDATABASE")
	if host == "" || db == "" {
		return ""
	}
	user := envDefault("PGUSER", "postgres")
	port := envDefault("PGPORT", "5432")
	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + db,
	}
	if pw := os.Getenv("PGPASSWORD"); pw != "" {
		u.User = url.UserPassword(user, pw)
	} else {
		u.User = url.User(user)
	}
	q := u.Query()
	q.Set("sslmode", envDefault("PGSSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
