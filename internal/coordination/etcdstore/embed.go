package etcdstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/types"
	"go.etcd.io/etcd/server/v3/embed"
)

// EmbeddedConfig — параметры встроенного однонодового etcd.
type EmbeddedConfig struct {
	// Name — имя участника кластера.
	Name string
	// Dir — каталог данных.
	Dir string
	// ClientURL — адрес для клиентов (например, http://127.0.0.1:2379).
	ClientURL string
	// PeerURL — адрес для участников кластера (например, http://127.0.0.1:2380).
	PeerURL string
	// StartTimeout — ожидание готовности сервера.
	StartTimeout time.Duration
	// MaxTxnOps — --max-txn-ops сервера, 0 — значение etcd по умолчанию.
	MaxTxnOps int
}

// Embedded — запущенный встроенный etcd.
type Embedded struct {
	etcd   *embed.Etcd
	logger *slog.Logger
}

// StartEmbedded запускает встроенный etcd и ожидает его готовности.
func StartEmbedded(ctx context.Context, ec EmbeddedConfig, logger *slog.Logger) (*Embedded, error) {
	cfg := embed.NewConfig()
	if ec.Name != "" {
		cfg.Name = ec.Name
	}
	cfg.Dir = ec.Dir
	cfg.LCUrls = types.MustNewURLs([]string{ec.ClientURL})
	cfg.ACUrls = cfg.LCUrls
	cfg.LPUrls = types.MustNewURLs([]string{ec.PeerURL})
	cfg.APUrls = cfg.LPUrls
	cfg.InitialCluster = cfg.Name + "=" + ec.PeerURL
	cfg.ClusterState = embed.ClusterStateFlagNew
	cfg.LogLevel = "error"
	if ec.MaxTxnOps > 0 {
		cfg.MaxTxnOps = uint(ec.MaxTxnOps)
	}

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		return nil, fmt.Errorf("запуск встроенного etcd: %w", err)
	}

	timeout := ec.StartTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(timeout):
		e.Server.Stop()
		e.Close()
		return nil, fmt.Errorf("встроенный etcd не стал готов за %s", timeout)
	case <-ctx.Done():
		e.Close()
		return nil, ctx.Err()
	}

	logger.Info("Встроенный etcd запущен",
		slog.String("client_url", ec.ClientURL),
		slog.String("dir", ec.Dir),
	)
	return &Embedded{etcd: e, logger: logger}, nil
}

// Endpoints возвращает адреса клиентов встроенного etcd.
func (e *Embedded) Endpoints() []string {
	urls := make([]string, 0, len(e.etcd.Clients))
	for _, l := range e.etcd.Clients {
		urls = append(urls, l.Addr().String())
	}
	return urls
}

// Close останавливает встроенный etcd.
func (e *Embedded) Close() {
	e.etcd.Close()
	e.logger.Info("Встроенный etcd остановлен")
}
