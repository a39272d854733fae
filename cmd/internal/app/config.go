package app

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every setting: HTTPAddr is read from CLUBHOUSE_HTTP_ADDR.
const EnvPrefix = "clubhouse"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `split_words:"true" default:"0.0.0.0:8080"`
	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"json"`

	ReadHeaderTimeout time.Duration `split_words:"true" default:"5s"`
	ReadTimeout       time.Duration `split_words:"true" default:"15s"`
	WriteTimeout      time.Duration `split_words:"true" default:"15s"`
	IdleTimeout       time.Duration `split_words:"true" default:"60s"`
	MaxHeaderBytes    int           `split_words:"true" default:"1048576"`

	// Empty DatabaseURL runs on the in-memory store.
	DatabaseURL    string `split_words:"true"`
	DBMaxConns     int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns     int32  `envconfig:"DB_MIN_CONNS" default:"0"`
	MigrateOnStart bool   `split_words:"true" default:"false"`

	DBMaxConnLifetime  time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	DBMaxConnIdleTime  time.Duration `envconfig:"DB_MAX_CONN_IDLE_TIME" default:"5m"`
	DBConnectTimeout   time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"5s"`
	DBStatementTimeout time.Duration `envconfig:"DB_STATEMENT_TIMEOUT" default:"10s"`
	ReadinessTimeout   time.Duration `split_words:"true" default:"2s"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `split_words:"true" default:"false"`

	JWTSecret        string `envconfig:"JWT_SECRET"`
	JWTAudience      string `envconfig:"JWT_AUDIENCE" default:"authenticated"`
	RequireJWTSecret bool   `envconfig:"REQUIRE_JWT_SECRET" default:"true"`

	CORSAllowedOrigins   []string `envconfig:"CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool     `envconfig:"CORS_ALLOW_CREDENTIALS" default:"false"`
	CORSMaxAgeSeconds    int      `envconfig:"CORS_MAX_AGE_SECONDS" default:"600"`

	WSOriginRequired bool     `envconfig:"WS_ORIGIN_REQUIRED" default:"true"`
	WSAllowedOrigins []string `envconfig:"WS_ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	WSDevInsecure    bool     `envconfig:"WS_DEV_INSECURE" default:"false"`

	RedisAddr     string `split_words:"true"`
	RedisPassword string `split_words:"true"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	KafkaBrokers []string `split_words:"true"`
	KafkaTopic   string   `split_words:"true" default:"clubhouse.invalidations"`

	SendRateEvery  time.Duration `split_words:"true" default:"2s"`
	SendRateBurst  int           `split_words:"true" default:"10"`
	LeaderboardTTL time.Duration `split_words:"true" default:"5m"`
}

// LoadConfig reads an optional .env file (or envFile when set) and then the environment.
func LoadConfig(envFile string) (Config, error) {
	if err := loadEnvironment(envFile); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadEnvironment(filename string) error {
	if filename != "" {
		return godotenv.Overload(filename)
	}
	err := godotenv.Load()
	// a missing .env is fine
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisAddr = strings.TrimSpace(c.RedisAddr)
	c.CORSAllowedOrigins = trimList(c.CORSAllowedOrigins)
	c.WSAllowedOrigins = trimList(c.WSAllowedOrigins)
	c.KafkaBrokers = trimList(c.KafkaBrokers)
	if c.DBMinConns < 0 {
		c.DBMinConns = 0
	}
}

func trimList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
