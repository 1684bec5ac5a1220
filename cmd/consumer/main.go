// 配信Sagaとプッシュ通知Dispatcherを実行するconsumerプロセスのエントリポイント。
// RabbitMQの送信要求exchangeと送信結果exchangeを購読し、
// 送信と再送を調整する。Saga管理APIも同じプロセスで提供する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/pushsaga/internal/app"
	"github.com/nao1215/pushsaga/internal/config"
	"github.com/nao1215/pushsaga/pkg/bus/rabbitmq"
	"github.com/nao1215/pushsaga/pkg/logx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logx.New(logx.Config{}).Error("設定の読み込みに失敗しました", logx.Err(err))
		os.Exit(1)
	}
	log := app.NewLogger(cfg, "consumer")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("consumerが異常終了しました", logx.Err(err))
		os.Exit(1)
	}
	log.Info("consumerを停止しました")
}

func run(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	b, err := rabbitmq.Dial(ctx, rabbitmq.Config{
		URL:           cfg.AMQPURL,
		Concurrency:   cfg.ConsumerConcurrency,
		MaxDeliveries: cfg.MaxDeliveries,
	}, log)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	store, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// デッドレターはRabbitMQの管理画面で参照する
	c := app.NewConsumer(cfg, b, store, app.NewSender(cfg, log), nil, log)
	if err := c.Subscribe(ctx); err != nil {
		return err
	}
	return c.Run(ctx, true)
}
