package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
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
	if cfg.StoreBackend != BackendMemory {
		t.Errorf("StoreBackend = %q, ожидается memory", cfg.StoreBackend)
	}
	if cfg.EnvName != "dev" {
		t.Errorf("EnvName = %q, ожидается dev", cfg.EnvName)
	}
	if cfg.StoreOpTimeout != 5*time.Second {
		t.Errorf("StoreOpTimeout = %v, ожидается 5s", cfg.StoreOpTimeout)
	}
	if cfg.EventsPublisher != PublisherLog {
		t.Errorf("EventsPublisher = %q, ожидается log", cfg.EventsPublisher)
	}
	if cfg.ReconcileInterval != time.Minute {
		t.Errorf("ReconcileInterval = %v, ожидается 1m", cfg.ReconcileInterval)
	}
	if cfg.AuthEnabled() {
		t.Error("AuthEnabled() = true без DM_JWT_JWKS_URL")
	}
	if len(cfg.EtcdEndpoints) != 1 || cfg.EtcdEndpoints[0] != "localhost:2379" {
		t.Errorf("EtcdEndpoints = %v", cfg.EtcdEndpoints)
	}
	if cfg.EtcdMaxTxnOps != 128 {
		t.Errorf("EtcdMaxTxnOps = %d, ожидается 128", cfg.EtcdMaxTxnOps)
	}
}

func TestLoad_Postgres(t *testing.T) {
	setEnvs(t, map[string]string{
		"DM_STORE_BACKEND": "postgres",
		"DM_DB_HOST":       "pg.local",
		"DM_DB_PORT":       "6432",
		"DM_DB_PASSWORD":   "p@ss",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.DBPort != 6432 {
		t.Errorf("DBPort = %d, ожидается 6432", cfg.DBPort)
	}
	if !strings.HasPrefix(cfg.MigrateURL(), "pgx5://delta:") {
		t.Errorf("MigrateURL = %q, ожидается схема pgx5", cfg.MigrateURL())
	}
	if !strings.Contains(cfg.DatabaseDSN(), "@pg.local:6432/delta") {
		t.Errorf("DatabaseDSN = %q", cfg.DatabaseDSN())
	}
}

func TestLoad_PostgresRequiresPassword(t *testing.T) {
	setEnvs(t, map[string]string{"DM_STORE_BACKEND": "postgres"})

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DM_DB_PASSWORD") {
		t.Fatalf("ожидалась ошибка DM_DB_PASSWORD, получено %v", err)
	}
}

func TestLoad_KafkaRequiresBrokers(t *testing.T) {
	setEnvs(t, map[string]string{"DM_EVENTS_PUBLISHER": "kafka"})

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка без DM_KAFKA_BROKERS")
	}

	t.Setenv("DM_KAFKA_BROKERS", "k1:9092, k2:9092")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"порт не число", "DM_PORT", "abc"},
		{"порт вне диапазона", "DM_PORT", "70000"},
		{"уровень логирования", "DM_LOG_LEVEL", "trace"},
		{"формат логов", "DM_LOG_FORMAT", "xml"},
		{"бэкенд", "DM_STORE_BACKEND", "zookeeper"},
		{"таймаут", "DM_STORE_OP_TIMEOUT", "5"},
		{"отрицательный интервал", "DM_RECONCILE_INTERVAL", "-1m"},
		{"имя окружения", "DM_ENV_NAME", "a/b"},
		{"публикатор", "DM_EVENTS_PUBLISHER", "nats"},
		{"embedded", "DM_ETCD_EMBEDDED", "maybe"},
		{"предел txn etcd", "DM_ETCD_MAX_TXN_OPS", "0"},
		{"размер кэша", "DM_CACHE_MAX_SIZE", "0"},
		{"jwks url", "DM_JWT_JWKS_URL", "not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("%s=%q: ожидалась ошибка", tt.key, tt.val)
			}
		})
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("DM_TEST_LIST", " a, ,b ,c")
	got := getEnvList("DM_TEST_LIST", nil)
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("getEnvList = %v, ожидается [a b c]", got)
	}
	if def := getEnvList("DM_TEST_LIST_MISSING", []string{"x"}); len(def) != 1 || def[0] != "x" {
		t.Errorf("значение по умолчанию = %v", def)
	}
}
