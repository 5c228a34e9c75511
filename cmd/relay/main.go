package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/messenger-relay-go/application"
	"github.com/lk2023060901/messenger-relay-go/internal/auth"
	"github.com/lk2023060901/messenger-relay-go/internal/coreapi"
	"github.com/lk2023060901/messenger-relay-go/internal/ingest"
	"github.com/lk2023060901/messenger-relay-go/internal/server"
	"github.com/lk2023060901/messenger-relay-go/internal/session"
	"github.com/lk2023060901/messenger-relay-go/pkg/log"
	"github.com/lk2023060901/messenger-relay-go/pkg/metrics"
	"github.com/lk2023060901/messenger-relay-go/pkg/util/conc"
)

const (
	// presencePoolSize 为后台任务（在线状态上报、顶号关连接）的并发上限。
	presencePoolSize = 64

	shutdownTimeout = 10 * time.Second
)

func main() {
	app := application.New()
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(app); err != nil {
		log.Error("relay exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(app *application.Application) error {
	cfg := app.Config()
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt-secret must not be empty")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty")
	}

	metrics.Register(prometheus.DefaultRegisterer)

	client, err := coreapi.NewClient(cfg.CoreAPI)
	if err != nil {
		return err
	}

	pool, err := conc.NewPool(presencePoolSize, conc.WithConcealPanic(true))
	if err != nil {
		return err
	}
	defer pool.Release()

	registry := session.NewRegistry(client, client, pool)
	wsSrv := server.NewServer(cfg.Server, registry, auth.NewTokenVerifier(cfg.Auth.JWTSecret))

	chatConsumer := ingest.NewChatEventConsumer(cfg.Kafka, ingest.NewChatReader(cfg.Kafka), registry)
	notifConsumer := ingest.NewNotificationConsumer(cfg.Kafka, ingest.NewNotificationReader(cfg.Kafka), registry)
	chatConsumer.SetLogger(app.Logger("ingest"))
	notifConsumer.SetLogger(app.Logger("ingest"))

	bootCtx, bootSpan := log.NewIntentContext("messenger-relay", "boot")
	log.Ctx(bootCtx).Info("components wired",
		zap.String("ws", cfg.Server.ListenAddr),
		zap.Strings("brokers", cfg.Kafka.Brokers))
	bootSpan.End()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	ctx = log.WithModule(ctx, "ingest")

	g.Go(wsSrv.Start)
	g.Go(func() error { return chatConsumer.Run(ctx) })
	g.Go(func() error { return notifConsumer.Run(ctx) })

	var metricsSrv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		g.Go(func() error {
			log.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.ListenAddr))
			if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	// 收到退出信号或任一组件出错后统一拆除。
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if metricsSrv != nil {
			metricsSrv.Shutdown(shutdownCtx)
		}
		return wsSrv.Shutdown(shutdownCtx)
	})

	log.Info("relay started")
	err = g.Wait()
	log.Sync()
	return err
}
