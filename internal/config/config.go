// Пакет config — загрузка и валидация конфигурации Delta Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды хранилища координации.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd"
)

// Публикаторы событий статуса.
const (
	PublisherNone  = "none"
	PublisherLog   = "log"
	PublisherKafka = "kafka"
)

// Config содержит все параметры конфигурации Delta Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration

	// --- Хранилище координации ---

	// Имя окружения — первый сегмент путей в хранилище
	EnvName string
	// Бэкенд хранилища (memory, postgres, etcd)
	StoreBackend string
	// Таймаут одного обращения к хранилищу
	StoreOpTimeout time.Duration

	// --- PostgreSQL (StoreBackend = postgres) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- etcd (StoreBackend = etcd) ---

	// Адреса etcd
	EtcdEndpoints []string
	// Таймаут установки соединения
	EtcdDialTimeout time.Duration
	// Префикс ключей в etcd
	EtcdPrefix string
	// Запуск встроенного однонодового etcd
	EtcdEmbedded bool
	// Каталог данных встроенного etcd
	EtcdDataDir string
	// Адреса клиентов и участников встроенного etcd
	EtcdClientURL string
	EtcdPeerURL   string
	// Предел сравнений и операций одной Txn; совпадает с --max-txn-ops сервера
	EtcdMaxTxnOps int

	// --- Кэш ok-дельт ---

	CacheMaxSize int
	CacheTTL     time.Duration

	// --- Reconciliation ---

	// Интервал сверки незавершённых операций записи (0 — только при старте)
	ReconcileInterval time.Duration

	// --- События статуса ---

	// Публикатор (none, log, kafka)
	EventsPublisher string
	KafkaBrokers    []string
	KafkaTopic      string

	// --- JWT (аутентификация отключена, если JWKSURL пуст) ---

	JWKSURL             string
	JWKSCACert          string
	JWKSRefreshInterval time.Duration
	JWKSClientTimeout   time.Duration
	JWTIssuer           string
	JWTLeeway           time.Duration
	AdminGroups         []string
	ReadonlyGroups      []string

	// --- Dephealth ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
	DephealthIsEntry       bool
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("DM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("DM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("DM_PORT: порт %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("DM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DM_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	if cfg.HTTPReadTimeout, err = getEnvDuration("DM_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("DM_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("DM_HTTP_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("DM_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("DM_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("DM_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("DM_SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("DM_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Хранилище координации ---

	cfg.EnvName = getEnvDefault("DM_ENV_NAME", "dev")
	if strings.ContainsAny(cfg.EnvName, "/ ") {
		return nil, fmt.Errorf("DM_ENV_NAME: недопустимое имя окружения %q", cfg.EnvName)
	}

	cfg.StoreBackend = getEnvDefault("DM_STORE_BACKEND", BackendMemory)
	switch cfg.StoreBackend {
	case BackendMemory, BackendPostgres, BackendEtcd:
	default:
		return nil, fmt.Errorf("DM_STORE_BACKEND: недопустимый бэкенд %q, допустимые: memory, postgres, etcd", cfg.StoreBackend)
	}

	if cfg.StoreOpTimeout, err = getEnvDuration("DM_STORE_OP_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("DM_STORE_OP_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	cfg.DBHost = getEnvDefault("DM_DB_HOST", "localhost")
	if cfg.DBPort, err = getEnvInt("DM_DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("DM_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("DM_DB_NAME", "delta")
	cfg.DBUser = getEnvDefault("DM_DB_USER", "delta")
	cfg.DBSSLMode = getEnvDefault("DM_DB_SSL_MODE", "disable")
	if cfg.StoreBackend == BackendPostgres {
		if cfg.DBPassword, err = getEnvRequired("DM_DB_PASSWORD"); err != nil {
			return nil, err
		}
	}

	// --- etcd ---

	cfg.EtcdEndpoints = getEnvList("DM_ETCD_ENDPOINTS", []string{"localhost:2379"})
	if cfg.EtcdDialTimeout, err = getEnvDuration("DM_ETCD_DIAL_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("DM_ETCD_DIAL_TIMEOUT: %w", err)
	}
	cfg.EtcdPrefix = getEnvDefault("DM_ETCD_PREFIX", "/delta-module")
	if cfg.EtcdEmbedded, err = getEnvBool("DM_ETCD_EMBEDDED", false); err != nil {
		return nil, fmt.Errorf("DM_ETCD_EMBEDDED: %w", err)
	}
	cfg.EtcdDataDir = getEnvDefault("DM_ETCD_DATA_DIR", "./etcd-data")
	cfg.EtcdClientURL = getEnvDefault("DM_ETCD_CLIENT_URL", "http://127.0.0.1:2379")
	cfg.EtcdPeerURL = getEnvDefault("DM_ETCD_PEER_URL", "http://127.0.0.1:2380")
	if cfg.EtcdMaxTxnOps, err = getEnvInt("DM_ETCD_MAX_TXN_OPS", 128); err != nil {
		return nil, fmt.Errorf("DM_ETCD_MAX_TXN_OPS: %w", err)
	}
	if cfg.EtcdMaxTxnOps < 1 {
		return nil, fmt.Errorf("DM_ETCD_MAX_TXN_OPS: значение должно быть > 0")
	}
	if cfg.EtcdEmbedded {
		for key, v := range map[string]string{"DM_ETCD_CLIENT_URL": cfg.EtcdClientURL, "DM_ETCD_PEER_URL": cfg.EtcdPeerURL} {
			if _, err := url.ParseRequestURI(v); err != nil {
				return nil, fmt.Errorf("%s: некорректный URL %q", key, v)
			}
		}
	}

	// --- Кэш ---

	if cfg.CacheMaxSize, err = getEnvInt("DM_CACHE_MAX_SIZE", 1000); err != nil {
		return nil, fmt.Errorf("DM_CACHE_MAX_SIZE: %w", err)
	}
	if cfg.CacheMaxSize < 1 {
		return nil, fmt.Errorf("DM_CACHE_MAX_SIZE: значение должно быть > 0")
	}
	if cfg.CacheTTL, err = getEnvDuration("DM_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("DM_CACHE_TTL: %w", err)
	}

	// --- Reconciliation ---

	if cfg.ReconcileInterval, err = getEnvDuration("DM_RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, fmt.Errorf("DM_RECONCILE_INTERVAL: %w", err)
	}

	// --- События ---

	cfg.EventsPublisher = getEnvDefault("DM_EVENTS_PUBLISHER", PublisherLog)
	switch cfg.EventsPublisher {
	case PublisherNone, PublisherLog:
	case PublisherKafka:
		cfg.KafkaBrokers = getEnvList("DM_KAFKA_BROKERS", nil)
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("DM_KAFKA_BROKERS: обязательная переменная окружения не задана")
		}
	default:
		return nil, fmt.Errorf("DM_EVENTS_PUBLISHER: недопустимое значение %q, допустимые: none, log, kafka", cfg.EventsPublisher)
	}
	cfg.KafkaTopic = getEnvDefault("DM_KAFKA_TOPIC", "delta.status")

	// --- JWT ---

	cfg.JWKSURL = getEnvDefault("DM_JWT_JWKS_URL", "")
	if cfg.JWKSURL != "" {
		if _, err := url.ParseRequestURI(cfg.JWKSURL); err != nil {
			return nil, fmt.Errorf("DM_JWT_JWKS_URL: некорректный URL %q", cfg.JWKSURL)
		}
	}
	cfg.JWKSCACert = getEnvDefault("DM_JWKS_CA_CERT", "")
	if cfg.JWKSRefreshInterval, err = getEnvDuration("DM_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("DM_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWKSClientTimeout, err = getEnvDuration("DM_JWKS_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("DM_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWTIssuer = getEnvDefault("DM_JWT_ISSUER", "")
	if cfg.JWTLeeway, err = getEnvDuration("DM_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("DM_JWT_LEEWAY: %w", err)
	}
	cfg.AdminGroups = getEnvList("DM_ADMIN_GROUPS", []string{"artstore-admins"})
	cfg.ReadonlyGroups = getEnvList("DM_READONLY_GROUPS", []string{"artstore-viewers"})

	// --- Dephealth ---

	cfg.DephealthGroup = getEnvDefault("DM_DEPHEALTH_GROUP", "delta")
	if cfg.DephealthCheckInterval, err = getEnvDuration("DM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("DM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	if cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false); err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает DSN для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.PathEscape(c.DBUser), url.PathEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		url.PathEscape(c.DBUser), url.PathEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// AuthEnabled возвращает true, если настроена JWT-аутентификация.
func (c *Config) AuthEnabled() bool {
	return c.JWKSURL != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d < 0 {
		return 0, fmt.Errorf("длительность не может быть отрицательной: %q", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// getEnvList возвращает список значений, разделённых запятыми.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var items []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
