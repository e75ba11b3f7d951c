package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Session  SessionConfig  `mapstructure:"session"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
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

// Addr собирает адрес для http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type GRPCConfig struct {
	Port int `mapstructure:"port"` // 0 — gRPC health сервер не поднимается
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает локальное хранилище аудита.
// driver: postgres (основной режим) или sqlite (одиночный узел, стенды).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	Path     string `mapstructure:"path"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (политики и lockout операторов).
// Пустой Addr отключает control plane целиком.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу IdP для проверки JWT.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
	// AdminGroup открывает /admin (lockout операторов, overrides политик).
	AdminGroup string `mapstructure:"admin_group"`
}

// VaultConfig описывает хранилище секретов (Infisical-совместимое API).
type VaultConfig struct {
	URL              string        `mapstructure:"url"`
	Token            string        `mapstructure:"token"`
	Environment      string        `mapstructure:"environment"`
	PathTemplate     string        `mapstructure:"path_template"`
	CustomAssetsPath string        `mapstructure:"custom_assets_path"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RateLimit        float64       `mapstructure:"rate_limit"`

	// Настройки Circuit Breaker для хранилища секретов
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// AuditConfig — локальный журнал всегда включен, зеркалирование наверх — по флагу.
type AuditConfig struct {
	Forward ForwardConfig `mapstructure:"forward"`
}

type ForwardConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	Token     string        `mapstructure:"token"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// BrowserConfig — общий процесс браузера, который мультиплексируют все сессии.
type BrowserConfig struct {
	RemoteURL        string        `mapstructure:"remote_url"` // ws://... если браузер вынесен в отдельный контейнер
	Headless         bool          `mapstructure:"headless"`
	UserAgent        string        `mapstructure:"user_agent"`
	Width            int           `mapstructure:"width"`
	Height           int           `mapstructure:"height"`
	RecordDir        string        `mapstructure:"record_dir"`
	RecordInterval   time.Duration `mapstructure:"record_interval"`
	RecordRecipients []string      `mapstructure:"record_recipients"` // age1... ключи; пусто — кадры не шифруются
}

// SessionConfig — бюджеты времени оркестратора.
type SessionConfig struct {
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	MaxTimeout        time.Duration `mapstructure:"max_timeout"`
	CredentialTimeout time.Duration `mapstructure:"credential_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SelectorTimeout   time.Duration `mapstructure:"selector_timeout"`
	ShutdownBudget    time.Duration `mapstructure:"shutdown_budget"`
	TerminalRetention time.Duration `mapstructure:"terminal_retention"`
	KioskMode         bool          `mapstructure:"kiosk_mode"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path"`
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

// LoadConfigFrom читает конкретный файл; пустой путь — поиск config.yaml в . и ./configs.
func LoadConfigFrom(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// SESSION_DEFAULT_TIMEOUT=10m перекроет session.default_timeout
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

	// Сначала проверяем, не лежит ли сам PEM-ключ в ENV (для Docker/K8s)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ловит конфигурации, с которыми шлюз гарантированно не сможет работать.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("config: database.path is required for sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	if c.Audit.Forward.Enabled && c.Audit.Forward.URL == "" {
		return errors.New("config: audit.forward.url is required when forwarding is enabled")
	}
	if c.Session.DefaultTimeout <= 0 || c.Session.MaxTimeout < c.Session.DefaultTimeout {
		return errors.New("config: session.max_timeout must be >= session.default_timeout > 0")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second) // старт сессии включает навигацию и логин
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("grpc.port", 50052)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/audit.db")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("auth.admin_group", "security-admins")

	v.SetDefault("vault.url", "http://infisical:8080")
	v.SetDefault("vault.environment", "production")
	v.SetDefault("vault.path_template", "/banking/%s/master-credentials")
	v.SetDefault("vault.custom_assets_path", "/banking/custom-assets")
	v.SetDefault("vault.timeout", 10*time.Second)
	v.SetDefault("vault.rate_limit", 20.0)
	v.SetDefault("vault.cb_max_requests", 3)
	v.SetDefault("vault.cb_interval", 5*time.Second)
	v.SetDefault("vault.cb_timeout", 30*time.Second)

	v.SetDefault("audit.forward.enabled", false)
	v.SetDefault("audit.forward.queue_size", 1000)
	v.SetDefault("audit.forward.timeout", 5*time.Second)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	v.SetDefault("browser.width", 1920)
	v.SetDefault("browser.height", 1080)
	v.SetDefault("browser.record_dir", "./data/recordings")
	v.SetDefault("browser.record_interval", 2*time.Second)

	v.SetDefault("session.default_timeout", 30*time.Minute)
	v.SetDefault("session.max_timeout", 8*time.Hour)
	v.SetDefault("session.credential_timeout", 10*time.Second)
	v.SetDefault("session.navigation_timeout", 30*time.Second)
	v.SetDefault("session.selector_timeout", 10*time.Second)
	v.SetDefault("session.shutdown_budget", 5*time.Second)
	v.SetDefault("session.terminal_retention", 10*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — ключ либо прилетел напрямую в ENV, либо лежит файлом по пути из конфига
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
