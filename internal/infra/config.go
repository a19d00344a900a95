package infra

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации bankd.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Keys     KeysConfig     `mapstructure:"keys"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Gate     GateConfig     `mapstructure:"gate"`
	Escrow   EscrowConfig   `mapstructure:"escrow"`
	Issuer   IssuerConfig   `mapstructure:"issuer"`
	Proposer ProposerConfig `mapstructure:"proposer"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCConfig — порт health-сервиса. 0 отключает gRPC.
type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — in-memory хранилища.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и общее состояние). Пустой Addr — без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig — публикация журнала решений. Пустой список брокеров отключает sink.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// AuthConfig содержит путь к RSA публичному ключу для проверки JWT.
type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"`
	PublicKey     []byte
}

// KeysConfig — мастер-сид для вывода ключей ролей (issuer, gate, escrow).
type KeysConfig struct {
	MasterSeedHex  string `mapstructure:"master_seed"`
	TrustStorePath string `mapstructure:"trust_store_path"`
	MasterSeed     []byte
}

type LedgerConfig struct {
	Asset          string `mapstructure:"asset"`
	Decimals       int32  `mapstructure:"decimals"`
	HoldingAccount string `mapstructure:"holding_account"`
}

// GateConfig — параметры Commitment Gate.
type GateConfig struct {
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	RetryAttempts  uint          `mapstructure:"retry_attempts"`
	MaxBudgetDepth int           `mapstructure:"max_budget_depth"`
	ClockSkew      time.Duration `mapstructure:"clock_skew"`
}

type EscrowConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// IssuerConfig. Нулевые лимиты означают «без ограничения».
type IssuerConfig struct {
	ID            string `mapstructure:"id"`
	ReserveCap    uint64 `mapstructure:"reserve_cap"`
	MaxSingleMint uint64 `mapstructure:"max_single_mint"`
	MaxSingleBurn uint64 `mapstructure:"max_single_burn"`
}

// ProposerConfig — внешний сервис reasoning. Пустой Endpoint — детерминированный proposer.
type ProposerConfig struct {
	Endpoint               string        `mapstructure:"endpoint"`
	RatePerSec             float64       `mapstructure:"rate_per_sec"`
	Burst                  int           `mapstructure:"burst"`
	Attempts               uint          `mapstructure:"attempts"`
	CallTimeout            time.Duration `mapstructure:"call_timeout"`
	MaxConsecutiveFailures uint32        `mapstructure:"max_consecutive_failures"`
	OpenTimeout            time.Duration `mapstructure:"open_timeout"`
}

type JournalConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom("")
}

// LoadConfigFrom читает конкретный файл; пустой путь: поиск config.yaml в . и ./configs.
func LoadConfigFrom(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает файл: GATE_LOCK_TIMEOUT=1s перекроет gate.lock_timeout
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи: сначала ENV, потом файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	if env := os.Getenv("KEYS_MASTER_SEED"); env != "" {
		cfg.Keys.MasterSeedHex = env
	}
	if cfg.Keys.MasterSeedHex != "" {
		seed, err := hex.DecodeString(strings.TrimSpace(cfg.Keys.MasterSeedHex))
		if err != nil {
			return nil, fmt.Errorf("keys.master_seed is not valid hex: %w", err)
		}
		cfg.Keys.MasterSeed = seed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отсекает конфигурации, с которыми ядро не может работать корректно.
func (c *Config) Validate() error {
	switch {
	case c.Ledger.Asset == "":
		return errors.New("config: ledger.asset is required")
	case c.Ledger.HoldingAccount == "":
		return errors.New("config: ledger.holding_account is required")
	case c.Gate.MaxBudgetDepth <= 0:
		return errors.New("config: gate.max_budget_depth must be positive")
	case c.Gate.LockTimeout <= 0:
		return errors.New("config: gate.lock_timeout must be positive")
	case c.Escrow.SweepInterval <= 0:
		return errors.New("config: escrow.sweep_interval must be positive")
	case c.Journal.BufferSize <= 0 || c.Journal.BatchSize <= 0:
		return errors.New("config: journal buffer and batch sizes must be positive")
	case len(c.Keys.MasterSeed) > 0 && len(c.Keys.MasterSeed) < 32:
		return errors.New("config: keys.master_seed must be at least 32 bytes")
	case c.Auth.Enabled && len(c.Auth.PublicKey) == 0:
		return errors.New("config: auth is enabled but no public key is configured")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("grpc.port", 9090)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.connect_attempts", 5)
	v.SetDefault("database.migrate", true)

	v.SetDefault("kafka.topic", "agentbank.journal")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", time.Second)

	v.SetDefault("auth.issuer", "agentbank")

	v.SetDefault("ledger.asset", "IUSD")
	v.SetDefault("ledger.decimals", 2)
	v.SetDefault("ledger.holding_account", "escrow-holding")

	v.SetDefault("gate.lock_timeout", 2*time.Second)
	v.SetDefault("gate.retry_attempts", 3)
	v.SetDefault("gate.max_budget_depth", 8)
	v.SetDefault("gate.clock_skew", time.Duration(0))

	v.SetDefault("escrow.sweep_interval", 30*time.Second)
	v.SetDefault("escrow.default_timeout", 24*time.Hour)

	v.SetDefault("issuer.id", "issuer")

	v.SetDefault("proposer.rate_per_sec", 5.0)
	v.SetDefault("proposer.burst", 10)
	v.SetDefault("proposer.attempts", 3)
	v.SetDefault("proposer.call_timeout", 10*time.Second)
	v.SetDefault("proposer.max_consecutive_failures", 5)
	v.SetDefault("proposer.open_timeout", 30*time.Second)

	v.SetDefault("journal.buffer_size", 1000)
	v.SetDefault("journal.batch_size", 100)
	v.SetDefault("journal.flush_interval", time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource: ключ либо напрямую в ENV (PEM), либо файл по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
