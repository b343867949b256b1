package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        Server
	Postgres      Postgres
	Redis         Redis
	S3            S3
	Twilio        Twilio
	Admin         Admin
	Logger        Logger
	Notifications Notifications
	RateLimit     RateLimit
}

type Server struct {
	Port        string
	Environment string
}

type Postgres struct {
	// Driver is "postgres" in production; "sqlite3" is supported for
	// local development and tests.
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Redis struct {
	Enabled  bool
	Addr     string
	Password string
}

type S3 struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type Twilio struct {
	Enabled    bool
	AccountSID string
	AuthToken  string
	FromNumber string
}

type Admin struct {
	// Bcrypt hash of the admin API token; empty disables admin routes.
	TokenHash string
}

type Logger struct {
	Development bool
	Level       string
}

type Notifications struct {
	// TTLDays is how long a re-encryption notification stays pullable
	// before reads report it as expired.
	TTLDays int
	// ScanBatchSize bounds each ledger page read during a rotation scan.
	ScanBatchSize int
}

type RateLimit struct {
	UploadLimit  int
	UploadWindow time.Duration
}

func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("KEYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No file is fine; env vars and defaults carry it.
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}

	if c.Postgres.Driver == "postgres" && c.Postgres.DSN == "" {
		return nil, errors.New("postgres.dsn is required for the postgres driver")
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.environment", "development")
	v.SetDefault("postgres.driver", "postgres")
	v.SetDefault("postgres.maxopenconns", 25)
	v.SetDefault("postgres.maxidleconns", 5)
	v.SetDefault("postgres.connmaxlifetime", 5*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("logger.level", "info")
	v.SetDefault("notifications.ttldays", 30)
	v.SetDefault("notifications.scanbatchsize", 500)
	v.SetDefault("ratelimit.uploadlimit", 10)
	v.SetDefault("ratelimit.uploadwindow", time.Minute)
}
