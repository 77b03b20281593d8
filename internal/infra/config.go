package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации супервизора.
// Все таймауты, окна и лимиты настраиваемы: фиксированных констант в коде нет.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Tools      []ToolConfig     `mapstructure:"tools"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и счетчики).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT операторов.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// SupervisorConfig — тайминги конечного автомата.
type SupervisorConfig struct {
	ApprovalTimeout      time.Duration `mapstructure:"approval_timeout"`       // PendingUserApproval
	InternalCheckTimeout time.Duration `mapstructure:"internal_check_timeout"` // PendingInternalCheck
	SessionTTL           time.Duration `mapstructure:"session_ttl"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"` // чистка истекших сессий
}

// LimitConfig — фиксированное окно и потолок одного класса scope'ов.
type LimitConfig struct {
	Window time.Duration `mapstructure:"window"`
	Max    int64         `mapstructure:"max"`
}

// BudgetConfig — квоты: глобальная, по инструменту, по сессии.
type BudgetConfig struct {
	Global     LimitConfig `mapstructure:"global"`
	PerTool    LimitConfig `mapstructure:"per_tool"`
	PerSession LimitConfig `mapstructure:"per_session"`
}

// BrokerConfig — срок жизни грантов, секрет-хранилище и внешний обмен токенов.
type BrokerConfig struct {
	GrantTTL     time.Duration `mapstructure:"grant_ttl"`
	SingleUseTTL time.Duration `mapstructure:"single_use_ttl"`

	SecretBaseURL string `mapstructure:"secret_base_url"` // например file:///etc/aisup/secrets
	SecretKey     string `mapstructure:"secret_key"`      // например blowfish://default

	ExchangeURL string `mapstructure:"exchange_url"`

	// Настройки Circuit Breaker и лимитера для внешнего обмена токенов
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
}

// LedgerConfig — ретраи синхронного Append и буфер асинхронного Recorder.
type LedgerConfig struct {
	Attempts      uint          `mapstructure:"attempts"`
	Delay         time.Duration `mapstructure:"delay"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// ToolConfig — декларация инструмента: реентерабельность и потолок scopes
// по уровням доверия (basic/elevated/owner).
type ToolConfig struct {
	ID        string              `mapstructure:"id"`
	Reentrant bool                `mapstructure:"reentrant"`
	MaxScopes map[string][]string `mapstructure:"max_scopes"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENV перекрывает файл: SUPERVISOR_APPROVAL_TIMEOUT=90s перекроет
	// supervisor.approval_timeout
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Ключи из файла ИЛИ напрямую из ENV (для Docker/K8s)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("supervisor.approval_timeout", 5*time.Minute)
	v.SetDefault("supervisor.internal_check_timeout", 10*time.Second)
	v.SetDefault("supervisor.session_ttl", 12*time.Hour)
	v.SetDefault("supervisor.sweep_interval", time.Minute)

	v.SetDefault("budget.global.window", time.Minute)
	v.SetDefault("budget.global.max", 600)
	v.SetDefault("budget.per_tool.window", time.Minute)
	v.SetDefault("budget.per_tool.max", 120)
	v.SetDefault("budget.per_session.window", time.Minute)
	v.SetDefault("budget.per_session.max", 60)

	v.SetDefault("broker.grant_ttl", 5*time.Minute)
	v.SetDefault("broker.single_use_ttl", time.Minute)
	v.SetDefault("broker.secret_key", "blowfish://default")
	v.SetDefault("broker.cb_max_requests", 3)
	v.SetDefault("broker.cb_interval", 5*time.Second)
	v.SetDefault("broker.cb_timeout", 30*time.Second)
	v.SetDefault("broker.rate_per_second", 50)
	v.SetDefault("broker.rate_burst", 10)
	v.SetDefault("broker.call_timeout", 10*time.Second)

	v.SetDefault("ledger.attempts", 3)
	v.SetDefault("ledger.delay", 100*time.Millisecond)
	v.SetDefault("ledger.buffer_size", 10000)
	v.SetDefault("ledger.batch_size", 100)
	v.SetDefault("ledger.flush_interval", 500*time.Millisecond)
}

// loadKeyResource — ключ либо напрямую из ENV, либо файлом по пути из конфига
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
