package producer

import (
	"context"

	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// デモ用の送信要求の既定値。
const (
	DefaultCount = 5
	DefaultTitle = "Event Reminder"
	DefaultBody  = "Your scheduled event is in 30 minutes."
)

// DefaultDevices はデモ用の配信先デバイス。
var DefaultDevices = []string{"device1", "device2", "device3"}

// WorkerConfig はWorkerの設定。
type WorkerConfig struct {
	// Count は発行する送信要求の数。
	Count int
	// Rate は1秒あたりの発行数の上限。0以下の場合は制限しない。
	Rate float64
	// Title は通知のタイトル。
	Title string
	// Body は通知本文。
	Body string
	// Devices は配信先デバイスID。
	Devices []string
}

// Worker はデモ用の送信要求をまとめて発行する。
type Worker struct {
	producer *Producer
	cfg      WorkerConfig
	limiter  *rate.Limiter
	log      logx.Logger
}

// NewWorker は新しいWorkerを生成する。未設定の項目には既定値を使う。
func NewWorker(p *Producer, cfg WorkerConfig) *Worker {
	if cfg.Count <= 0 {
		cfg.Count = DefaultCount
	}
	if cfg.Title == "" {
		cfg.Title = DefaultTitle
	}
	if cfg.Body == "" {
		cfg.Body = DefaultBody
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = DefaultDevices
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &Worker{
		producer: p,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		log:      p.log.With(logx.String("component", "worker")),
	}
}

// Run はCount件の送信要求を発行する。
// 発行に失敗した時点で残りの発行を中止してエラーを返す。
func (w *Worker) Run(ctx context.Context) error {
	for i := 0; i < w.cfg.Count; i++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "送信要求の発行を中断")
		}
		id, err := w.producer.Request(ctx, w.cfg.Title, w.cfg.Body, w.cfg.Devices)
		if err != nil {
			return errors.Wrapf(err, "%d件目の送信要求", i+1)
		}
		w.log.Info("通知を発行しました", logx.String("correlation_id", id.String()), logx.Int("seq", i+1))
	}
	return nil
}
