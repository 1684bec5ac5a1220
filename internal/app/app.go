package app

import (
	"context"
	"os"
	"strings"

	"github.com/nao1215/pushsaga/internal/config"
	"github.com/nao1215/pushsaga/internal/notification"
	"github.com/nao1215/pushsaga/internal/saga"
	"github.com/nao1215/pushsaga/pkg/bus"
	"github.com/nao1215/pushsaga/pkg/httpclient"
	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// NewLogger は設定からロガーを生成する。
func NewLogger(cfg *config.Config, service string) logx.Logger {
	return logx.New(logx.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stderr,
	}).With(logx.String("service", service))
}

// OpenStore は設定に応じたSaga状態の保存先を開く。
func OpenStore(ctx context.Context, cfg *config.Config, log logx.Logger) (saga.Store, error) {
	switch strings.ToLower(cfg.SagaStore) {
	case "sqlite":
		st, err := saga.OpenSQLiteStore(ctx, cfg.SagaDBPath, log)
		if err != nil {
			return nil, err
		}
		log.Info("SQLiteストアを開きました", logx.String("path", cfg.SagaDBPath))
		return st, nil
	case "memory", "":
		return saga.NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("不明なsagaストアです: %q", cfg.SagaStore)
	}
}

// NewSender は設定に応じた通知の送信先を生成する。
// PushGatewayURLが設定されていればゲートウェイへ送信し、そうでなければ送信をシミュレートする。
func NewSender(cfg *config.Config, log logx.Logger) notification.Sender {
	if cfg.PushGatewayURL != "" {
		opts := []httpclient.Option{httpclient.WithTimeout(cfg.SendTimeout)}
		if cfg.PushGatewayToken != "" {
			opts = append(opts, httpclient.WithBearerToken(cfg.PushGatewayToken))
		}
		log.Info("プッシュゲートウェイへ送信します", logx.String("url", cfg.PushGatewayURL))
		return notification.NewGatewaySender(httpclient.New(cfg.PushGatewayURL, opts...))
	}
	return notification.NewSimulatedSender(log,
		notification.WithFailureRate(cfg.SimulatedFailureRate),
		notification.WithFailFirst(cfg.SimulatedFailFirst))
}

// Consumer はDispatcherとSagaを同じバスに購読させ、Saga管理APIを提供する。
type Consumer struct {
	cfg          *config.Config
	bus          bus.Bus
	dispatcher   *notification.Dispatcher
	orchestrator *saga.Orchestrator
	server       *saga.Server
	log          logx.Logger
}

// NewConsumer は新しいConsumerを生成する。
// deadLettersがnilの場合、管理APIはデッドレターの参照を提供しない。
func NewConsumer(cfg *config.Config, b bus.Bus, store saga.Store, sender notification.Sender, deadLetters bus.DeadLetterLister, log logx.Logger) *Consumer {
	d := notification.NewDispatcher(sender, b, notification.Options{
		OutcomeExchange: cfg.OutcomeExchange,
		SendTimeout:     cfg.SendTimeout,
		Rate:            cfg.DispatchRate,
		Burst:           cfg.ConsumerConcurrency,
		Logger:          log,
	})
	o := saga.NewOrchestrator(store, b, saga.Options{
		Policy:            saga.Policy{MaxAttempts: cfg.MaxAttempts},
		CommandExchange:   cfg.RequestExchange,
		FinalizedExchange: cfg.FinalizedExchange,
		AttemptTimeout:    cfg.AttemptTimeout,
		Retention:         cfg.Retention,
		Logger:            log,
	})
	srv := saga.NewServer(saga.ServerConfig{
		Port:           cfg.Port,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
	}, store, deadLetters, log)

	return &Consumer{
		cfg:          cfg,
		bus:          b,
		dispatcher:   d,
		orchestrator: o,
		server:       srv,
		log:          log,
	}
}

// Orchestrator はSagaのオーケストレータを返す。
func (c *Consumer) Orchestrator() *saga.Orchestrator {
	return c.orchestrator
}

// Subscribe はDispatcherとSagaのqueueを購読する。
// Dispatcherは送信要求のexchangeだけを、Sagaは送信要求と送信結果の両方を購読する。
func (c *Consumer) Subscribe(ctx context.Context) error {
	if err := c.bus.Subscribe(ctx, c.cfg.DispatcherQueue, []string{c.cfg.RequestExchange}, c.dispatcher.Handle); err != nil {
		return errors.Wrap(err, "dispatcherの購読に失敗")
	}
	if err := c.bus.Subscribe(ctx, c.cfg.SagaQueue, []string{c.cfg.RequestExchange, c.cfg.OutcomeExchange}, c.orchestrator.Handle); err != nil {
		return errors.Wrap(err, "sagaの購読に失敗")
	}
	c.log.Info("購読を開始しました",
		logx.String("dispatcher_queue", c.cfg.DispatcherQueue),
		logx.String("saga_queue", c.cfg.SagaQueue))
	return nil
}

// Run はctxがキャンセルされるまでSagaの定期処理と管理APIを実行する。
// Subscribeの後に呼ぶ。serveがfalseの場合は管理APIを起動しない。
func (c *Consumer) Run(ctx context.Context, serve bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.orchestrator.Run(gctx)
	})
	if serve {
		g.Go(func() error {
			return c.server.Run(gctx)
		})
	}
	return g.Wait()
}
