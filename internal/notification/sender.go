package notification

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/nao1215/pushsaga/pkg/event"
	"github.com/nao1215/pushsaga/pkg/httpclient"
	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/pkg/errors"
)

// Sender はプッシュ通知を配信先デバイスへ送信する。
// 1台でも送信できなかった場合はエラーを返す。
type Sender interface {
	Send(ctx context.Context, n event.SendPushNotificationData) error
}

// SenderFunc は関数をSenderとして扱うためのアダプタ。
type SenderFunc func(ctx context.Context, n event.SendPushNotificationData) error

// Send はf(ctx, n)を呼び出す。
func (f SenderFunc) Send(ctx context.Context, n event.SendPushNotificationData) error {
	return f(ctx, n)
}

// SimulatedSender は実際には送信せず、ログを出力するだけのSender。
// 失敗確率と「最初のN回の試行を失敗させる」設定で再送の動作を確認できる。
type SimulatedSender struct {
	log         logx.Logger
	failureRate float64
	failFirst   int
	latency     time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// SimulatedOption はSimulatedSenderの設定を変更する。
type SimulatedOption func(*SimulatedSender)

// WithFailureRate は送信が失敗する確率（0〜1）を設定する。
func WithFailureRate(p float64) SimulatedOption {
	return func(s *SimulatedSender) {
		s.failureRate = min(max(p, 0), 1)
	}
}

// WithFailFirst は試行番号が1以上n以下の送信コマンドを必ず失敗させる。
// nが0以下の場合は何もしない。試行番号のない要求は失敗させない。
func WithFailFirst(n int) SimulatedOption {
	return func(s *SimulatedSender) {
		s.failFirst = n
	}
}

// WithLatency は1台あたりの送信にかかる時間を設定する。
func WithLatency(d time.Duration) SimulatedOption {
	return func(s *SimulatedSender) {
		s.latency = d
	}
}

// WithSeed は失敗判定に使う乱数の種を設定する。
func WithSeed(seed int64) SimulatedOption {
	return func(s *SimulatedSender) {
		s.rnd = rand.New(rand.NewSource(seed))
	}
}

// NewSimulatedSender は新しいSimulatedSenderを生成する。
func NewSimulatedSender(log logx.Logger, opts ...SimulatedOption) *SimulatedSender {
	s := &SimulatedSender{
		log: log,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send はデバイスごとに送信ログを出力する。
func (s *SimulatedSender) Send(ctx context.Context, n event.SendPushNotificationData) error {
	if s.failFirst > 0 && n.Attempt > 0 && n.Attempt <= s.failFirst {
		return errors.Errorf("試行%dは失敗するよう設定されています", n.Attempt)
	}

	for _, device := range n.RecipientDeviceIDs {
		if s.latency > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrapf(ctx.Err(), "デバイス %s への送信が中断されました", device)
			case <-time.After(s.latency):
			}
		}
		if s.fail() {
			return errors.Errorf("デバイス %s への送信に失敗しました", device)
		}
		s.log.Info("通知を送信しました",
			logx.String("correlation_id", n.CorrelationID.String()),
			logx.String("device_id", device),
			logx.String("title", n.Title),
			logx.String("body", n.Body))
	}
	return nil
}

func (s *SimulatedSender) fail() bool {
	if s.failureRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64() < s.failureRate
}

// GatewaySender はHTTPのプッシュゲートウェイへ通知を送信するSender。
type GatewaySender struct {
	client *httpclient.Client
	path   string
}

// DefaultGatewayPath はプッシュゲートウェイの送信エンドポイント。
const DefaultGatewayPath = "/v1/push"

// gatewayRequest はプッシュゲートウェイへのリクエストボディ。
type gatewayRequest struct {
	// ID は冪等キー。相関IDと試行番号から作る。
	ID string `json:"id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知本文。
	Body string `json:"body"`
	// DeviceIDs は配信先デバイスID。
	DeviceIDs []string `json:"device_ids"`
}

// gatewayResponse はプッシュゲートウェイのレスポンス。
type gatewayResponse struct {
	// Failed は送信できなかったデバイスID。
	Failed []string `json:"failed"`
}

// NewGatewaySender は新しいGatewaySenderを生成する。
func NewGatewaySender(client *httpclient.Client) *GatewaySender {
	return &GatewaySender{client: client, path: DefaultGatewayPath}
}

// Send はすべての配信先デバイスを1回のリクエストでゲートウェイへ送信する。
// ゲートウェイが一部のデバイスの失敗を報告した場合もエラーを返す。
func (g *GatewaySender) Send(ctx context.Context, n event.SendPushNotificationData) error {
	ctx = httpclient.WithCorrelationID(ctx, n.CorrelationID.String())
	req := gatewayRequest{
		ID:        idempotencyKey(n),
		Title:     n.Title,
		Body:      n.Body,
		DeviceIDs: n.RecipientDeviceIDs,
	}

	var res gatewayResponse
	if err := g.client.PostJSON(ctx, g.path, req, &res); err != nil {
		return errors.Wrap(err, "プッシュゲートウェイへの送信に失敗")
	}
	if len(res.Failed) > 0 {
		return errors.Errorf("%d台のデバイスへの送信に失敗しました: %v", len(res.Failed), res.Failed)
	}
	return nil
}

func idempotencyKey(n event.SendPushNotificationData) string {
	return n.CorrelationID.String() + "-" + strconv.Itoa(n.Attempt)
}
