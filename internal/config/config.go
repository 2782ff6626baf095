// Пакет config — загрузка и валидация конфигурации Patient Media
// из переменных окружения (префикс PM_).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды хранения записей.
const (
	DBBackendPostgres = "postgres"
	DBBackendMemory   = "memory"
)

// Бэкенды объектного хранилища.
const (
	BlobBackendS3     = "s3"
	BlobBackendMemory = "memory"
)

// Config содержит все параметры конфигурации Patient Media.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (по умолчанию 8040)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- Бэкенды ---

	// Хранилище записей и ledger: postgres | memory
	DBBackend string
	// Объектное хранилище blob'ов: s3 | memory
	BlobBackend string

	// --- PostgreSQL (обязательно при DBBackend=postgres) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	// Пул подключений: максимум соединений и время жизни соединения
	DBMaxConns        int
	DBMaxConnLifetime time.Duration

	// --- S3 / MinIO (обязательно при BlobBackend=s3) ---

	// Endpoint S3-совместимого хранилища (пусто — AWS по региону)
	S3Endpoint string
	S3Region   string
	S3Bucket   string
	// Статические ключи доступа (пусто — стандартная цепочка AWS credentials)
	S3AccessKey string
	S3SecretKey string
	// Path-style адресация (нужна для MinIO)
	S3UsePathStyle bool

	// --- Лимиты ---

	Limits model.Limits

	// --- Поведение ---

	// Повторная проверка дубликата внутри транзакции вставки
	StrictDedup bool
	// Размер LRU-кэша подписанных URL (0 — кэш отключён)
	URLCacheSize int

	// --- Авторизация ---

	// URL JWKS endpoint (пусто — JWT-проверка отключена)
	JWTJWKSURL string
	// Ожидаемый issuer JWT (пусто — не проверяется)
	JWTIssuer string
	// Роли JWT, дающие административный доступ
	AdminRoles []string
	// Идентификатор администратора для dev-режима без JWT (пусто — отключено)
	DevBypassAdminID string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- Фоновые процессы ---

	// Интервал повторной очистки blob'ов удалённых записей
	PurgeInterval time.Duration
	// Размер пачки записей за один проход очистки
	PurgeBatchSize int
	// Группа в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Лейбл isentry=yes для всех зависимостей
	DephealthIsEntry bool

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}

	loaders := []func(*Config) error{
		loadServer,
		loadBackends,
		loadLimits,
		loadAuth,
		loadBackground,
	}
	for _, load := range loaders {
		if err := load(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadServer — порт, логирование, таймауты HTTP.
func loadServer(cfg *Config) error {
	var err error

	// PM_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("PM_PORT", 8040)
	if err != nil {
		return fmt.Errorf("PM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("PM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// PM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PM_LOG_LEVEL", "info"))
	if err != nil {
		return fmt.Errorf("PM_LOG_LEVEL: %w", err)
	}

	// PM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("PM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("PM_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("PM_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return fmt.Errorf("PM_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("PM_HTTP_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return fmt.Errorf("PM_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("PM_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return fmt.Errorf("PM_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// PM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	if cfg.ShutdownTimeout, err = getEnvDuration("PM_SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return fmt.Errorf("PM_SHUTDOWN_TIMEOUT: %w", err)
	}
	return nil
}

// loadBackends — выбор бэкендов, параметры PostgreSQL и S3.
func loadBackends(cfg *Config) error {
	var err error

	// PM_DB_BACKEND — postgres | memory (по умолчанию postgres)
	cfg.DBBackend = getEnvDefault("PM_DB_BACKEND", DBBackendPostgres)
	if cfg.DBBackend != DBBackendPostgres && cfg.DBBackend != DBBackendMemory {
		return fmt.Errorf("PM_DB_BACKEND: недопустимое значение %q, допустимые: postgres, memory", cfg.DBBackend)
	}

	// PM_BLOB_BACKEND — s3 | memory (по умолчанию s3)
	cfg.BlobBackend = getEnvDefault("PM_BLOB_BACKEND", BlobBackendS3)
	if cfg.BlobBackend != BlobBackendS3 && cfg.BlobBackend != BlobBackendMemory {
		return fmt.Errorf("PM_BLOB_BACKEND: недопустимое значение %q, допустимые: s3, memory", cfg.BlobBackend)
	}

	if cfg.DBBackend == DBBackendPostgres {
		if cfg.DBHost, err = getEnvRequired("PM_DB_HOST"); err != nil {
			return err
		}
		if cfg.DBPort, err = getEnvInt("PM_DB_PORT", 5432); err != nil {
			return fmt.Errorf("PM_DB_PORT: %w", err)
		}
		if cfg.DBName, err = getEnvRequired("PM_DB_NAME"); err != nil {
			return err
		}
		if cfg.DBUser, err = getEnvRequired("PM_DB_USER"); err != nil {
			return err
		}
		if cfg.DBPassword, err = getEnvRequired("PM_DB_PASSWORD"); err != nil {
			return err
		}
		cfg.DBSSLMode = getEnvDefault("PM_DB_SSL_MODE", "disable")
		validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
		if !validSSLModes[cfg.DBSSLMode] {
			return fmt.Errorf("PM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
		}
		if cfg.DBMaxConns, err = getEnvInt("PM_DB_MAX_CONNS", 10); err != nil {
			return fmt.Errorf("PM_DB_MAX_CONNS: %w", err)
		}
		if cfg.DBMaxConns < 1 {
			return fmt.Errorf("PM_DB_MAX_CONNS: должно быть >= 1, получено %d", cfg.DBMaxConns)
		}
		if cfg.DBMaxConnLifetime, err = getEnvDuration("PM_DB_MAX_CONN_LIFETIME", 30*time.Minute); err != nil {
			return fmt.Errorf("PM_DB_MAX_CONN_LIFETIME: %w", err)
		}
	}

	if cfg.BlobBackend == BlobBackendS3 {
		if cfg.S3Bucket, err = getEnvRequired("PM_S3_BUCKET"); err != nil {
			return err
		}
		cfg.S3Endpoint = getEnvDefault("PM_S3_ENDPOINT", "")
		cfg.S3Region = getEnvDefault("PM_S3_REGION", "us-east-1")
		cfg.S3AccessKey = getEnvDefault("PM_S3_ACCESS_KEY", "")
		cfg.S3SecretKey = getEnvDefault("PM_S3_SECRET_KEY", "")
		if (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
			return fmt.Errorf("PM_S3_ACCESS_KEY и PM_S3_SECRET_KEY задаются только вместе")
		}
		if cfg.S3UsePathStyle, err = getEnvBool("PM_S3_USE_PATH_STYLE", true); err != nil {
			return fmt.Errorf("PM_S3_USE_PATH_STYLE: %w", err)
		}
	}
	return nil
}

// loadLimits — глобальные лимиты хранилища.
func loadLimits(cfg *Config) error {
	var err error
	l := model.DefaultLimits()

	if l.MaxFileBytes, err = getEnvInt64("PM_MAX_FILE_BYTES", l.MaxFileBytes); err != nil {
		return fmt.Errorf("PM_MAX_FILE_BYTES: %w", err)
	}
	if l.MaxCount, err = getEnvInt("PM_MAX_FILES_PER_PATIENT", l.MaxCount); err != nil {
		return fmt.Errorf("PM_MAX_FILES_PER_PATIENT: %w", err)
	}
	if l.MaxTotalBytes, err = getEnvInt64("PM_MAX_BYTES_PER_PATIENT", l.MaxTotalBytes); err != nil {
		return fmt.Errorf("PM_MAX_BYTES_PER_PATIENT: %w", err)
	}
	if l.SignedURLTTL, err = getEnvDuration("PM_SIGNED_URL_TTL", l.SignedURLTTL); err != nil {
		return fmt.Errorf("PM_SIGNED_URL_TTL: %w", err)
	}
	if l.ThumbWidth, err = getEnvInt("PM_THUMB_WIDTH", l.ThumbWidth); err != nil {
		return fmt.Errorf("PM_THUMB_WIDTH: %w", err)
	}
	if l.ThumbHeight, err = getEnvInt("PM_THUMB_HEIGHT", l.ThumbHeight); err != nil {
		return fmt.Errorf("PM_THUMB_HEIGHT: %w", err)
	}
	if l.TxtPreviewLimit, err = getEnvInt64("PM_TXT_PREVIEW_LIMIT", l.TxtPreviewLimit); err != nil {
		return fmt.Errorf("PM_TXT_PREVIEW_LIMIT: %w", err)
	}
	if l.ListLimit, err = getEnvInt("PM_LIST_LIMIT", l.ListLimit); err != nil {
		return fmt.Errorf("PM_LIST_LIMIT: %w", err)
	}

	switch {
	case l.MaxFileBytes <= 0:
		return fmt.Errorf("PM_MAX_FILE_BYTES: значение должно быть > 0")
	case l.MaxCount <= 0:
		return fmt.Errorf("PM_MAX_FILES_PER_PATIENT: значение должно быть > 0")
	case l.MaxTotalBytes < l.MaxFileBytes:
		return fmt.Errorf("PM_MAX_BYTES_PER_PATIENT: значение должно быть >= PM_MAX_FILE_BYTES")
	case l.SignedURLTTL <= 0:
		return fmt.Errorf("PM_SIGNED_URL_TTL: значение должно быть > 0")
	case l.ThumbWidth <= 0 || l.ThumbHeight <= 0:
		return fmt.Errorf("PM_THUMB_WIDTH, PM_THUMB_HEIGHT: значения должны быть > 0")
	case l.TxtPreviewLimit <= 0:
		return fmt.Errorf("PM_TXT_PREVIEW_LIMIT: значение должно быть > 0")
	case l.ListLimit <= 0:
		return fmt.Errorf("PM_LIST_LIMIT: значение должно быть > 0")
	}
	cfg.Limits = l

	if cfg.StrictDedup, err = getEnvBool("PM_STRICT_DEDUP", false); err != nil {
		return fmt.Errorf("PM_STRICT_DEDUP: %w", err)
	}
	if cfg.URLCacheSize, err = getEnvInt("PM_URL_CACHE_SIZE", 1024); err != nil {
		return fmt.Errorf("PM_URL_CACHE_SIZE: %w", err)
	}
	if cfg.URLCacheSize < 0 {
		return fmt.Errorf("PM_URL_CACHE_SIZE: значение должно быть >= 0")
	}
	return nil
}

// loadAuth — JWT и dev-bypass.
func loadAuth(cfg *Config) error {
	cfg.JWTJWKSURL = getEnvDefault("PM_JWT_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("PM_JWT_ISSUER", "")
	cfg.AdminRoles = parseCSV(getEnvDefault("PM_ADMIN_ROLES", "admin"))
	cfg.DevBypassAdminID = strings.TrimSpace(getEnvDefault("PM_DEV_BYPASS_ADMIN_ID", ""))

	if cfg.JWTJWKSURL != "" && len(cfg.AdminRoles) == 0 {
		return fmt.Errorf("PM_ADMIN_ROLES: требуется хотя бы одна роль при заданном PM_JWT_JWKS_URL")
	}

	var err error
	if cfg.JWKSClientTimeout, err = getEnvDuration("PM_JWKS_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return fmt.Errorf("PM_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.JWKSRefreshInterval, err = getEnvDuration("PM_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return fmt.Errorf("PM_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWTLeeway, err = getEnvDuration("PM_JWT_LEEWAY", 5*time.Second); err != nil {
		return fmt.Errorf("PM_JWT_LEEWAY: %w", err)
	}
	return nil
}

// loadBackground — очистка blob'ов и topologymetrics.
func loadBackground(cfg *Config) error {
	var err error

	// PM_PURGE_INTERVAL — интервал повторной очистки blob'ов (по умолчанию 10m)
	if cfg.PurgeInterval, err = getEnvDuration("PM_PURGE_INTERVAL", 10*time.Minute); err != nil {
		return fmt.Errorf("PM_PURGE_INTERVAL: %w", err)
	}
	if cfg.PurgeBatchSize, err = getEnvInt("PM_PURGE_BATCH_SIZE", 100); err != nil {
		return fmt.Errorf("PM_PURGE_BATCH_SIZE: %w", err)
	}
	if cfg.PurgeBatchSize < 1 || cfg.PurgeBatchSize > 10000 {
		return fmt.Errorf("PM_PURGE_BATCH_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.PurgeBatchSize)
	}

	cfg.DephealthGroup = getEnvDefault("PM_DEPHEALTH_GROUP", "patient-media")
	if cfg.DephealthCheckInterval, err = getEnvDuration("PM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return fmt.Errorf("PM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	if cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false); err != nil {
		return fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения (для golang-migrate и лейблов dephealth).
func (c *Config) DatabaseURL(scheme string) string {
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s?sslmode=%s",
		scheme, c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
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

// getEnvInt64 — как getEnvInt, для размеров в байтах.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
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

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
