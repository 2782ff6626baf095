package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"PM_DB_HOST":     "localhost",
		"PM_DB_NAME":     "patient_media",
		"PM_DB_USER":     "pm",
		"PM_DB_PASSWORD": "secret",
		"PM_S3_BUCKET":   "patient-media",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8040 {
		t.Errorf("Port = %d, ожидается 8040", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.DBBackend != DBBackendPostgres || cfg.BlobBackend != BlobBackendS3 {
		t.Errorf("бэкенды = %s/%s, ожидаются postgres/s3", cfg.DBBackend, cfg.BlobBackend)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, ожидается 5432", cfg.DBPort)
	}
	if cfg.DBMaxConns != 10 || cfg.DBMaxConnLifetime != 30*time.Minute {
		t.Errorf("пул: max_conns=%d lifetime=%v", cfg.DBMaxConns, cfg.DBMaxConnLifetime)
	}
	if cfg.S3Region != "us-east-1" || !cfg.S3UsePathStyle {
		t.Errorf("S3Region = %q, S3UsePathStyle = %v", cfg.S3Region, cfg.S3UsePathStyle)
	}
	if cfg.Limits != model.DefaultLimits() {
		t.Errorf("Limits = %+v, ожидаются значения по умолчанию", cfg.Limits)
	}
	if cfg.StrictDedup {
		t.Error("StrictDedup по умолчанию должен быть false")
	}
	if len(cfg.AdminRoles) != 1 || cfg.AdminRoles[0] != "admin" {
		t.Errorf("AdminRoles = %v, ожидается [admin]", cfg.AdminRoles)
	}
	if cfg.JWKSClientTimeout != 10*time.Second || cfg.JWKSRefreshInterval != 15*time.Minute || cfg.JWTLeeway != 5*time.Second {
		t.Errorf("JWKS: timeout=%v refresh=%v leeway=%v", cfg.JWKSClientTimeout, cfg.JWKSRefreshInterval, cfg.JWTLeeway)
	}
	if cfg.PurgeInterval != 10*time.Minute {
		t.Errorf("PurgeInterval = %v, ожидается 10m", cfg.PurgeInterval)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 5s", cfg.ShutdownTimeout)
	}
}

func TestLoad_MemoryBackends(t *testing.T) {
	// Без PostgreSQL и S3 переменных — достаточно выбрать memory-бэкенды.
	setEnvs(t, map[string]string{
		"PM_DB_BACKEND":   "memory",
		"PM_BLOB_BACKEND": "memory",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.DBHost != "" || cfg.S3Bucket != "" {
		t.Error("параметры PostgreSQL/S3 не должны читаться для memory-бэкендов")
	}
}

func TestLoad_LimitsOverride(t *testing.T) {
	envs := minimalEnvs()
	envs["PM_MAX_FILE_BYTES"] = "1048576"
	envs["PM_MAX_FILES_PER_PATIENT"] = "5"
	envs["PM_SIGNED_URL_TTL"] = "2m"
	envs["PM_STRICT_DEDUP"] = "true"
	envs["PM_ADMIN_ROLES"] = "admin, doctor-admin ,"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.Limits.MaxFileBytes != 1048576 || cfg.Limits.MaxCount != 5 || cfg.Limits.SignedURLTTL != 2*time.Minute {
		t.Errorf("Limits = %+v", cfg.Limits)
	}
	if !cfg.StrictDedup {
		t.Error("StrictDedup должен быть true")
	}
	if len(cfg.AdminRoles) != 2 || cfg.AdminRoles[1] != "doctor-admin" {
		t.Errorf("AdminRoles = %v", cfg.AdminRoles)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		envs    map[string]string
		wantErr string
	}{
		{"нет PM_DB_HOST", map[string]string{"PM_DB_HOST": ""}, "PM_DB_HOST"},
		{"нет PM_S3_BUCKET", map[string]string{"PM_S3_BUCKET": ""}, "PM_S3_BUCKET"},
		{"неверный бэкенд", map[string]string{"PM_DB_BACKEND": "mongo"}, "PM_DB_BACKEND"},
		{"неверный порт", map[string]string{"PM_PORT": "abc"}, "PM_PORT"},
		{"неверный уровень логов", map[string]string{"PM_LOG_LEVEL": "verbose"}, "PM_LOG_LEVEL"},
		{"неверный формат логов", map[string]string{"PM_LOG_FORMAT": "xml"}, "PM_LOG_FORMAT"},
		{"неверный SSL mode", map[string]string{"PM_DB_SSL_MODE": "maybe"}, "PM_DB_SSL_MODE"},
		{"пустой пул", map[string]string{"PM_DB_MAX_CONNS": "0"}, "PM_DB_MAX_CONNS"},
		{"ключ S3 без секрета", map[string]string{"PM_S3_ACCESS_KEY": "ak"}, "PM_S3_SECRET_KEY"},
		{"нулевой лимит файла", map[string]string{"PM_MAX_FILE_BYTES": "0"}, "PM_MAX_FILE_BYTES"},
		{"квота меньше файла", map[string]string{"PM_MAX_BYTES_PER_PATIENT": "1024"}, "PM_MAX_BYTES_PER_PATIENT"},
		{"отрицательный кэш", map[string]string{"PM_URL_CACHE_SIZE": "-1"}, "PM_URL_CACHE_SIZE"},
		{"неверная длительность", map[string]string{"PM_PURGE_INTERVAL": "10 минут"}, "PM_PURGE_INTERVAL"},
		{"размер пачки вне диапазона", map[string]string{"PM_PURGE_BATCH_SIZE": "0"}, "PM_PURGE_BATCH_SIZE"},
		{"неверный leeway", map[string]string{"PM_JWT_LEEWAY": "пять"}, "PM_JWT_LEEWAY"},
		{"JWKS без ролей", map[string]string{"PM_JWT_JWKS_URL": "https://idp/jwks", "PM_ADMIN_ROLES": " , "}, "PM_ADMIN_ROLES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := minimalEnvs()
			for k, v := range tt.envs {
				envs[k] = v
			}
			setEnvs(t, envs)

			_, err := Load()
			if err == nil {
				t.Fatal("ожидалась ошибка")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ошибка = %q, ожидалось упоминание %s", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: 5433, DBName: "pm", DBUser: "u", DBPassword: "p", DBSSLMode: "disable"}
	if got := cfg.DatabaseURL("pgx5"); got != "pgx5://u:p@db:5433/pm?sslmode=disable" {
		t.Errorf("DatabaseURL = %q", got)
	}
}

func TestParseCSV(t *testing.T) {
	got := parseCSV(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("parseCSV = %v, ожидалось [a b]", got)
	}
	if parseCSV("") != nil {
		t.Error("parseCSV(\"\") должен вернуть nil")
	}
}
