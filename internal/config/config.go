package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Auth      AuthConfig
	Vault     VaultConfig
	Usage     UsageConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout    time.Duration `mapstructure:"idleTimeout"`
	ShutdownPeriod time.Duration `mapstructure:"shutdownPeriod"`
	AllowOrigins   []string      `mapstructure:"allowOrigins"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	ApplySchema     bool          `mapstructure:"applySchema"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"poolSize"`
	DialTimeout  time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	Issuer    string `mapstructure:"issuer"`
}

type VaultConfig struct {
	GracePeriod time.Duration `mapstructure:"gracePeriod"`
	// Pepper keys the secret hash. Changing it invalidates every issued key.
	Pepper           string `mapstructure:"pepper"`
	DefaultPerHour   int64  `mapstructure:"defaultPerHour"`
	DefaultPerDay    int64  `mapstructure:"defaultPerDay"`
	DefaultPerMonth  int64  `mapstructure:"defaultPerMonth"`
	MaxUsageStatDays int    `mapstructure:"maxUsageStatDays"`
}

type UsageConfig struct {
	IdempotencyWindow time.Duration `mapstructure:"idempotencyWindow"`
}

type RateLimitConfig struct {
	Store            string        `mapstructure:"store"`
	CounterRetention time.Duration `mapstructure:"counterRetention"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type WorkerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Concurrency   int    `mapstructure:"concurrency"`
	SweepSchedule string `mapstructure:"sweepSchedule"`
	PurgeSchedule string `mapstructure:"purgeSchedule"`
}

func LoadConfig(configPath string) (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading it, relying on environment variables and config file")
	}

	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			log.Printf("Warning: could not read config file: %s. Error: %v\n", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.readTimeout", 5*time.Second)
	v.SetDefault("server.writeTimeout", 10*time.Second)
	v.SetDefault("server.idleTimeout", 120*time.Second)
	v.SetDefault("server.shutdownPeriod", 15*time.Second)
	v.SetDefault("server.allowOrigins", []string{"http://localhost:3000"})

	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 25)
	v.SetDefault("database.connMaxLifetime", 5*time.Minute)
	v.SetDefault("database.applySchema", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dialTimeout", 5*time.Second)
	v.SetDefault("redis.readTimeout", 500*time.Millisecond)
	v.SetDefault("redis.writeTimeout", 500*time.Millisecond)

	v.SetDefault("log.level", "info")

	v.SetDefault("auth.issuer", "keytier")

	v.SetDefault("vault.gracePeriod", 24*time.Hour)
	v.SetDefault("vault.defaultPerHour", 1000)
	v.SetDefault("vault.defaultPerDay", 10000)
	v.SetDefault("vault.defaultPerMonth", 100000)
	v.SetDefault("vault.maxUsageStatDays", 90)

	v.SetDefault("usage.idempotencyWindow", 24*time.Hour)

	v.SetDefault("ratelimit.store", "redis")
	v.SetDefault("ratelimit.counterRetention", time.Hour)

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.sweepSchedule", "@every 1m")
	v.SetDefault("worker.purgeSchedule", "@every 1h")
}
