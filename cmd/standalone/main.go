// Producer・Dispatcher・配信Sagaを1つのプロセスで実行するエントリポイント。
// インメモリバスを使うため、RabbitMQなしで送信と再送の流れを確認できる。
// 起動時にデモ用の送信要求を発行し、Saga管理APIとProducer APIを提供する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/pushsaga/internal/app"
	"github.com/nao1215/pushsaga/internal/config"
	"github.com/nao1215/pushsaga/internal/producer"
	"github.com/nao1215/pushsaga/pkg/bus"
	"github.com/nao1215/pushsaga/pkg/logx"
	"golang.org/x/sync/errgroup"
)

// producerPortEnv はProducer APIのポートを指定する環境変数。
const producerPortEnv = "PRODUCER_PORT"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logx.New(logx.Config{}).Error("設定の読み込みに失敗しました", logx.Err(err))
		os.Exit(1)
	}
	log := app.NewLogger(cfg, "standalone")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("standaloneが異常終了しました", logx.Err(err))
		os.Exit(1)
	}
	log.Info("standaloneを停止しました")
}

func run(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	b := bus.NewMemory(
		bus.WithConcurrency(cfg.ConsumerConcurrency),
		bus.WithMaxDeliveries(cfg.MaxDeliveries),
		bus.WithLogger(log),
	)
	defer func() { _ = b.Close() }()

	store, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	c := app.NewConsumer(cfg, b, store, app.NewSender(cfg, log), b, log)
	if err := c.Subscribe(ctx); err != nil {
		return err
	}

	p := producer.New(b, producer.Options{
		RequestExchange: cfg.RequestExchange,
		OutcomeExchange: cfg.OutcomeExchange,
		Logger:          log,
	})

	port := os.Getenv(producerPortEnv)
	if port == "" {
		port = "8086"
	}
	api := producer.NewServer(producer.ServerConfig{
		Port:           port,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
	}, p, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(gctx, true)
	})
	g.Go(func() error {
		return api.Run(gctx)
	})
	g.Go(func() error {
		return producer.NewWorker(p, producer.WorkerConfig{}).Run(gctx)
	})
	return g.Wait()
}
