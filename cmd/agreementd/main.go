// Command agreementd runs the replication agreement engine: it loads
// configuration, connects to Postgres and Redis, wires the collab.Directory
// and Lifecycle Controller, and serves the admin HTTP API until signaled to
// shut down.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/openreplicator/agreement-engine/internal/agreement"
	"github.com/openreplicator/agreement-engine/internal/agreement/lifecycle"
	"github.com/openreplicator/agreement-engine/internal/collab"
	"github.com/openreplicator/agreement-engine/internal/collab/directorypg"
	"github.com/openreplicator/agreement-engine/internal/collab/noopprotocol"
	"github.com/openreplicator/agreement-engine/internal/config"
	"github.com/openreplicator/agreement-engine/internal/database"
	"github.com/openreplicator/agreement-engine/internal/database/postgres"
	"github.com/openreplicator/agreement-engine/internal/dnindex"
	"github.com/openreplicator/agreement-engine/internal/httpapi"
	"github.com/openreplicator/agreement-engine/internal/k8sdefaults"
	"github.com/openreplicator/agreement-engine/internal/notify"
	"github.com/openreplicator/agreement-engine/pkg/logger"
	"github.com/openreplicator/agreement-engine/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("agreementd: failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgConfig := &postgres.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Database,
		User:            cfg.Database.Username,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxConnections),
		MinConns:        int32(cfg.Database.MinConnections),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	}
	pool := postgres.NewPostgresPool(pgConfig, log)
	if err := pool.Connect(ctx); err != nil {
		log.Error("agreementd: postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(ctx, pool, log); err != nil {
		log.Error("agreementd: schema migration failed", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		MinRetryBackoff: cfg.Redis.MinRetryBackoff,
		MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
	})
	defer redisClient.Close()

	publisher := notify.NewPublisher(redisClient, log)

	// Built from configuration but passed to nothing below: DN matching in
	// internal/agreement canonicalizes without this cache.
	dnIndex := dnindex.New(cfg.DNIndex.Capacity)
	_ = dnIndex

	if cfg.K8s.Enabled {
		watcher, err := k8sdefaults.New(k8sdefaults.Config{
			Namespace: cfg.K8s.Namespace,
			Name:      cfg.K8s.Name,
			Key:       cfg.K8s.Key,
			Timeout:   cfg.K8s.Timeout,
			Logger:    log,
		})
		if err != nil {
			log.Warn("agreementd: k8s defaults watcher disabled", "error", err)
		} else {
			if err := watcher.Run(ctx); err != nil {
				log.Warn("agreementd: k8s defaults watcher failed to start", "error", err)
			}
			defer watcher.Close()
		}
	}

	directory := directorypg.New(pool.Pool())
	registry := agreement.NewRegistry()
	controller := lifecycle.New(registry, directory, log, func(ag *agreement.Agreement) collab.Protocol {
		return noopprotocol.New(ag, log)
	}).WithDistributedCoordination(redisClient, publisher)

	reg := metrics.DefaultRegistry()

	apiServer := httpapi.New(httpapi.Config{
		Addr:                    serverAddr(cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:             cfg.Server.ReadTimeout,
		WriteTimeout:            cfg.Server.WriteTimeout,
		IdleTimeout:             cfg.Server.IdleTimeout,
		GracefulShutdownTimeout: cfg.Server.GracefulShutdownTimeout,
	}, registry, controller, reg, log,
		httpapi.PingFunc(pool.Health),
		httpapi.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
	)

	go subscribeAndFanOut(ctx, redisClient, registry, controller, publisher, log)

	log.Info("agreementd: starting admin API", "addr", serverAddr(cfg.Server.Host, cfg.Server.Port))
	if err := apiServer.Run(ctx); err != nil {
		log.Error("agreementd: admin API exited with error", "error", err)
		os.Exit(1)
	}
}

// subscribeAndFanOut relays pub/sub change notifications published by peer
// agreementd processes into this process's in-memory registry, so an
// agreement started on one node observes writes replicated through another.
func subscribeAndFanOut(ctx context.Context, client *redis.Client, registry *agreement.Registry, controller *lifecycle.Controller, publisher *notify.Publisher, log *slog.Logger) {
	sub := notify.NewSubscriber(ctx, client)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			controller.NotifyAll(collab.Change{DN: ev.TargetDN, Op: collab.OpModify})
		}
	}
}

func serverAddr(host string, port int) string {
	if port <= 0 {
		return host
	}
	return host + ":" + formatPort(port)
}

func formatPort(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
