package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/xela07ax/hashed-guard/internal/domain"
)

// Config - корневая структура конфигурации агента. Строится один раз на старте
// и передается в конструкторы компонентов по указателю.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Identity IdentityConfig `mapstructure:"identity"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Tools    []ToolConfig   `mapstructure:"tools"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// AgentConfig - как агент представляется control plane.
type AgentConfig struct {
	Name        string `mapstructure:"name"`
	Type        string `mapstructure:"type"`
	Description string `mapstructure:"description"`
}

// BackendConfig - удаленный control plane. Пустой URL означает автономный режим.
type BackendConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	VerifySSL  bool          `mapstructure:"verify_ssl"`
	RateLimit  float64       `mapstructure:"rate_limit"` // запросов в секунду

	// Настройки Circuit Breaker для вызовов control plane
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// Enabled - настроен ли control plane.
func (b BackendConfig) Enabled() bool {
	return b.URL != ""
}

// IdentityConfig - где лежит зашифрованный ключ агента.
type IdentityConfig struct {
	Path            string `mapstructure:"path"`
	Password        string `mapstructure:"password"`
	CreateIfMissing bool   `mapstructure:"create_if_missing"`
}

// LedgerConfig - локальный WAL и доставка аудита.
type LedgerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	WALPath       string        `mapstructure:"wal_path"`
	Endpoint      string        `mapstructure:"endpoint"`
	QueueSize     int           `mapstructure:"queue_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxWALRows    int           `mapstructure:"max_wal_rows"`
	MaxWALAge     time.Duration `mapstructure:"max_wal_age"`
	// PostgresURL переключает доставку батчей с HTTP на прямую запись в audit_logs.
	PostgresURL string `mapstructure:"postgres_url"`
}

// SyncConfig - фоновая синхронизация политик.
type SyncConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	PolicyFile      string        `mapstructure:"policy_file"`
	WatchPolicyFile bool          `mapstructure:"watch_policy_file"`
	PushOnFirstRun  bool          `mapstructure:"push_on_first_run"`
	// PostgresURL - читать политики напрямую из таблицы policies вместо HTTP.
	PostgresURL string `mapstructure:"postgres_url"`
}

// GuardConfig - поведение guard по умолчанию.
type GuardConfig struct {
	FailClosed  bool `mapstructure:"fail_closed"`
	ResultLimit int  `mapstructure:"result_limit"`
	KillSwitch  bool `mapstructure:"kill_switch"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub сигналы control plane).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig описывает HTTP-шлюз инструментов.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr - адрес для net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig - RS256 публичный ключ для проверки токенов шлюза. Пусто - auth выключен.
type AuthConfig struct {
	PublicKeyPath string        `mapstructure:"public_key_path"`
	Issuer        string        `mapstructure:"issuer"`
	Leeway        time.Duration `mapstructure:"leeway"`
	PublicKey     []byte
}

// ToolConfig - инструмент, проксируемый шлюзом на upstream.
type ToolConfig struct {
	Name        string        `mapstructure:"name"`
	URL         string        `mapstructure:"url"`
	AmountParam string        `mapstructure:"amount_param"`
	NoAmount    bool          `mapstructure:"no_amount"`
	FailClosed  *bool         `mapstructure:"fail_closed"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// credentialsFile - формат ~/.hashed/credentials.json.
type credentialsFile struct {
	APIKey     string `json:"api_key"`
	BackendURL string `json:"backend_url"`
}

// LoadConfig собирает конфигурацию. Приоритет: ENV > .env > config.yaml > ~/.hashed/credentials.json > дефолты.
// path может быть пустым - тогда файл ищется в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	// .env не перекрывает уже выставленное окружение
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

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

	// 2. ENV: HASHED_BACKEND_URL перекроет backend.url
	v.SetEnvPrefix("HASHED")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindLegacyEnv(v)

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Credentials из домашней директории - самый слабый источник
	if cfg.Backend.APIKey == "" || cfg.Backend.URL == "" {
		if creds, err := loadCredentials(credentialsPath()); err == nil {
			if cfg.Backend.APIKey == "" {
				cfg.Backend.APIKey = creds.APIKey
			}
			if cfg.Backend.URL == "" {
				cfg.Backend.URL = creds.BackendURL
			}
		}
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "HASHED_AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет инварианты, без которых агент не может стартовать.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return &domain.ConfigError{Field: "agent.name", Reason: "must not be empty"}
	}
	if c.Backend.URL != "" {
		u, err := url.Parse(c.Backend.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &domain.ConfigError{Field: "backend.url", Reason: fmt.Sprintf("invalid url %q", c.Backend.URL)}
		}
	}
	if c.Backend.Timeout <= 0 {
		return &domain.ConfigError{Field: "backend.timeout", Reason: "must be positive"}
	}
	if c.Backend.MaxRetries < 0 {
		return &domain.ConfigError{Field: "backend.max_retries", Reason: "must not be negative"}
	}
	if c.Ledger.QueueSize <= 0 || c.Ledger.BatchSize <= 0 {
		return &domain.ConfigError{Field: "ledger", Reason: "queue_size and batch_size must be positive"}
	}
	if c.Ledger.FlushInterval <= 0 {
		return &domain.ConfigError{Field: "ledger.flush_interval", Reason: "must be positive"}
	}
	if c.Sync.Interval < MinSyncInterval {
		return &domain.ConfigError{Field: "sync.interval", Reason: fmt.Sprintf("must be at least %s", MinSyncInterval)}
	}
	for i, t := range c.Tools {
		if t.Name == "" || t.URL == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("tools[%d]", i), Reason: "name and url are required"}
		}
	}
	return nil
}

// MinSyncInterval - нижняя граница интервала синхронизации, чтобы не DDoS-ить control plane.
const MinSyncInterval = time.Minute

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.name", "hashed-agent")
	v.SetDefault("agent.type", "general")
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.max_retries", 3)
	v.SetDefault("backend.verify_ssl", true)
	v.SetDefault("backend.rate_limit", 50.0)
	v.SetDefault("backend.cb_max_requests", 3)
	v.SetDefault("backend.cb_interval", 30*time.Second)
	v.SetDefault("backend.cb_timeout", 30*time.Second)
	v.SetDefault("identity.path", "./secrets/agent_key.pem")
	v.SetDefault("identity.password", "")
	v.SetDefault("identity.create_if_missing", true)
	v.SetDefault("ledger.enabled", true)
	v.SetDefault("ledger.wal_path", ".hashed_wal.db")
	v.SetDefault("ledger.endpoint", "/v1/logs/batch")
	v.SetDefault("ledger.queue_size", 1000)
	v.SetDefault("ledger.batch_size", 10)
	v.SetDefault("ledger.flush_interval", 5*time.Second)
	v.SetDefault("ledger.max_wal_rows", 100000)
	v.SetDefault("ledger.max_wal_age", 7*24*time.Hour)
	v.SetDefault("ledger.postgres_url", "")
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.policy_file", ".hashed_policies.json")
	v.SetDefault("sync.watch_policy_file", false)
	v.SetDefault("sync.push_on_first_run", true)
	v.SetDefault("sync.postgres_url", "")
	v.SetDefault("guard.fail_closed", false)
	v.SetDefault("guard.result_limit", 200)
	v.SetDefault("guard.kill_switch", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.leeway", "30s")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// bindLegacyEnv - короткие имена переменных без префикса (API_KEY, BACKEND_URL).
// Префиксные HASHED_* имеют приоритет, т.к. идут первыми в BindEnv.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("backend.api_key", "HASHED_BACKEND_API_KEY", "HASHED_API_KEY", "API_KEY")
	_ = v.BindEnv("backend.url", "HASHED_BACKEND_URL", "BACKEND_URL")
	_ = v.BindEnv("identity.password", "HASHED_IDENTITY_PASSWORD", "HASHED_KEY_PASSWORD")
}

func credentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hashed", "credentials.json")
}

func loadCredentials(path string) (*credentialsFile, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &creds, nil
}

// loadKeyResource: PEM прямо в ENV (Docker/K8s) либо файл по пути из конфига.
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
