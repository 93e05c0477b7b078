package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/endorse-tools/endorse/internal/models"
)

const (
	MethodLogin  = "login"
	MethodServer = "server"

	// RelayAuto asks the run to pick a relay by itself.
	RelayAuto = "auto"

	envPrefix = "ENDORSE"
)

// Categories is the fixed set of quota keys read from config.
var Categories = []models.Category{
	models.CategoryFriendly,
	models.CategoryTeaching,
	models.CategoryLeader,
}

// Config holds runtime configuration for the run, worker and account commands.
type Config struct {
	DatabaseDSN   string
	Cooldown      time.Duration
	Quota         models.Quota
	ChunkSize     int
	BetweenChunks time.Duration
	Method        string
	Target        string
	ServerID      string
	Account       AccountConfig
	Worker        WorkerConfig
	Policy        PolicyConfig
	Redis         RedisConfig
	Platform      PlatformConfig
	StatusAddr    string
	Report        ReportConfig
	Log           LogConfig
	ShutdownGrace time.Duration
}

// AccountConfig is the target account used by login mode.
type AccountConfig struct {
	Username     string
	Password     string
	SharedSecret string
}

type WorkerConfig struct {
	Binary        string
	Concurrency   int
	LoginTimeout  time.Duration
	ActionTimeout time.Duration
	InProcess     bool
}

type PolicyConfig struct {
	SuccessCode        int
	CooldownOnRejected bool
}

// RedisConfig enables the target lease and relay throttle when Addr is set.
type RedisConfig struct {
	Addr              string
	Password          string
	DB                int
	LeaseTTL          time.Duration
	RelayCapacity     int
	RelayRefillPerSec float64
}

type PlatformConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type ReportConfig struct {
	Dir         string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

type LogConfig struct {
	Level  string
	Format string
}

// Defaults registers sane defaults for local use on v.
func Defaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "./data/accounts.sqlite")
	v.SetDefault("cooldown", 8*time.Hour)
	for _, c := range Categories {
		v.SetDefault("quota."+string(c), 0)
	}
	v.SetDefault("chunk_size", 10)
	v.SetDefault("between_chunks", 30*time.Second)
	v.SetDefault("method", MethodServer)
	v.SetDefault("server_id", RelayAuto)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.login_timeout", time.Minute)
	v.SetDefault("worker.action_timeout", 30*time.Second)
	v.SetDefault("worker.in_process", false)
	v.SetDefault("policy.success_code", 1)
	v.SetDefault("policy.cooldown_on_rejected", true)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lease_ttl", 10*time.Minute)
	v.SetDefault("redis.relay_capacity", 1)
	v.SetDefault("redis.relay_refill_per_sec", 0.05)
	v.SetDefault("platform.base_url", "http://localhost:8700")
	v.SetDefault("platform.timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("shutdown_grace", 15*time.Second)
}

// Load reads configuration from file (optional), a .env file in the working
// directory (optional) and ENDORSE_* environment variables.
func Load(v *viper.Viper, file string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	Defaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("endorse")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return FromViper(v), nil
}

// FromViper maps an already populated viper instance onto Config.
func FromViper(v *viper.Viper) Config {
	quota := models.Quota{}
	for _, c := range Categories {
		if n := v.GetInt("quota." + string(c)); n > 0 {
			quota[c] = n
		}
	}
	return Config{
		DatabaseDSN:   v.GetString("database.dsn"),
		Cooldown:      v.GetDuration("cooldown"),
		Quota:         quota,
		ChunkSize:     v.GetInt("chunk_size"),
		BetweenChunks: v.GetDuration("between_chunks"),
		Method:        strings.ToLower(strings.TrimSpace(v.GetString("method"))),
		Target:        strings.TrimSpace(v.GetString("target")),
		ServerID:      strings.TrimSpace(v.GetString("server_id")),
		Account: AccountConfig{
			Username:     v.GetString("account.username"),
			Password:     v.GetString("account.password"),
			SharedSecret: v.GetString("account.shared_secret"),
		},
		Worker: WorkerConfig{
			Binary:        v.GetString("worker.binary"),
			Concurrency:   v.GetInt("worker.concurrency"),
			LoginTimeout:  v.GetDuration("worker.login_timeout"),
			ActionTimeout: v.GetDuration("worker.action_timeout"),
			InProcess:     v.GetBool("worker.in_process"),
		},
		Policy: PolicyConfig{
			SuccessCode:        v.GetInt("policy.success_code"),
			CooldownOnRejected: v.GetBool("policy.cooldown_on_rejected"),
		},
		Redis: RedisConfig{
			Addr:              v.GetString("redis.addr"),
			Password:          v.GetString("redis.password"),
			DB:                v.GetInt("redis.db"),
			LeaseTTL:          v.GetDuration("redis.lease_ttl"),
			RelayCapacity:     v.GetInt("redis.relay_capacity"),
			RelayRefillPerSec: v.GetFloat64("redis.relay_refill_per_sec"),
		},
		Platform: PlatformConfig{
			BaseURL: v.GetString("platform.base_url"),
			APIKey:  v.GetString("platform.api_key"),
			Timeout: v.GetDuration("platform.timeout"),
		},
		StatusAddr: v.GetString("status.addr"),
		Report: ReportConfig{
			Dir:         v.GetString("report.dir"),
			S3Bucket:    v.GetString("report.s3_bucket"),
			S3Region:    v.GetString("report.s3_region"),
			S3Endpoint:  v.GetString("report.s3_endpoint"),
			S3PathStyle: v.GetBool("report.s3_path_style"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		ShutdownGrace: v.GetDuration("shutdown_grace"),
	}
}

// Validate rejects configurations a run cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Quota.Size() == 0 {
		errs = append(errs, errors.New("at least one quota.<category> must be positive"))
	}
	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunk_size must be at least 1, got %d", c.ChunkSize))
	}
	if c.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown must not be negative"))
	}
	if c.BetweenChunks < 0 {
		errs = append(errs, errors.New("between_chunks must not be negative"))
	}
	switch c.Method {
	case MethodLogin:
		if c.Account.Username == "" || c.Account.Password == "" {
			errs = append(errs, errors.New("login method requires account.username and account.password"))
		}
	case MethodServer:
		if c.Target == "" {
			errs = append(errs, errors.New("server method requires target"))
		}
		if c.ServerID == "" {
			errs = append(errs, errors.New("server method requires server_id"))
		}
	default:
		errs = append(errs, fmt.Errorf("method must be %q or %q, got %q", MethodLogin, MethodServer, c.Method))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if c.Redis.Addr != "" && c.Redis.RelayCapacity < 1 {
		errs = append(errs, errors.New("redis.relay_capacity must be at least 1"))
	}
	return errors.Join(errs...)
}

// AutoRelay reports whether the relay should be picked automatically.
func (c Config) AutoRelay() bool {
	return strings.EqualFold(c.ServerID, RelayAuto)
}
