// プッシュ通知の送信要求を発行するProducerのエントリポイント。
// デモ用の送信要求の一括発行（run）、送信要求を受け付けるHTTP API（serve）、
// API呼び出し用のトークン発行（token）をサブコマンドとして提供する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/pushsaga/internal/app"
	"github.com/nao1215/pushsaga/internal/config"
	"github.com/nao1215/pushsaga/internal/producer"
	"github.com/nao1215/pushsaga/pkg/bus/rabbitmq"
	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/nao1215/pushsaga/pkg/middleware"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "producer:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "producer",
		Usage: "プッシュ通知の送信要求を発行する",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "デモ用の送信要求をまとめて発行する",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Value: producer.DefaultCount, Usage: "発行する送信要求の数"},
					&cli.Float64Flag{Name: "rate", Usage: "1秒あたりの発行数の上限（0は無制限）"},
					&cli.StringFlag{Name: "title", Value: producer.DefaultTitle, Usage: "通知のタイトル"},
					&cli.StringFlag{Name: "body", Value: producer.DefaultBody, Usage: "通知本文"},
					&cli.StringSliceFlag{Name: "device", Value: cli.NewStringSlice(producer.DefaultDevices...), Usage: "配信先デバイスID"},
				},
				Action: runWorker,
			},
			{
				Name:   "serve",
				Usage:  "送信要求を受け付けるHTTP APIを起動する",
				Action: serve,
			},
			{
				Name:  "token",
				Usage: "HTTP API呼び出し用のJWTを発行する",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "client-id", Value: "producer-cli", Usage: "クライアントID"},
					&cli.StringSliceFlag{
						Name:  "scope",
						Value: cli.NewStringSlice(middleware.ScopeNotificationsWrite, middleware.ScopeSagasRead),
						Usage: "付与するスコープ",
					},
					&cli.DurationFlag{Name: "ttl", Value: middleware.DefaultTokenTTL, Usage: "有効期間"},
				},
				Action: issueToken,
			},
		},
	}
}

// withProducer はRabbitMQに接続したProducerでfnを実行する。
func withProducer(c *cli.Context, fn func(cfg *config.Config, p *producer.Producer, log logx.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := app.NewLogger(cfg, "producer")

	b, err := rabbitmq.Dial(c.Context, rabbitmq.Config{URL: cfg.AMQPURL}, log)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	p := producer.New(b, producer.Options{
		RequestExchange: cfg.RequestExchange,
		OutcomeExchange: cfg.OutcomeExchange,
		Logger:          log,
	})
	return fn(cfg, p, log)
}

func runWorker(c *cli.Context) error {
	return withProducer(c, func(_ *config.Config, p *producer.Producer, _ logx.Logger) error {
		w := producer.NewWorker(p, producer.WorkerConfig{
			Count:   c.Int("count"),
			Rate:    c.Float64("rate"),
			Title:   c.String("title"),
			Body:    c.String("body"),
			Devices: c.StringSlice("device"),
		})
		return w.Run(c.Context)
	})
}

func serve(c *cli.Context) error {
	return withProducer(c, func(cfg *config.Config, p *producer.Producer, log logx.Logger) error {
		s := producer.NewServer(producer.ServerConfig{
			Port:           cfg.Port,
			JWTSecret:      cfg.JWTSecret,
			AllowedOrigins: cfg.AllowedOrigins,
		}, p, log)
		return s.Run(c.Context)
	})
}

func issueToken(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	token, err := middleware.GenerateJWT(cfg.JWTSecret, c.String("client-id"), c.Duration("ttl"), c.StringSlice("scope")...)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}
