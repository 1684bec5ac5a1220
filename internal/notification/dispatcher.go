package notification

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/pushsaga/pkg/bus"
	"github.com/nao1215/pushsaga/pkg/event"
	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// DefaultSendTimeout は1回の送信処理の既定のタイムアウト。
const DefaultSendTimeout = 10 * time.Second

// Outcome は1回の送信処理の結果。
type Outcome struct {
	// CorrelationID は送信要求の相関ID。
	CorrelationID uuid.UUID
	// Attempt は送信コマンドの試行番号。
	Attempt int
	// Sent は送信に成功したかを表す。
	Sent bool
	// Reason は失敗理由。成功時は空。
	Reason string
}

// Event は結果をバスに発行するメッセージに変換する。
func (o Outcome) Event() (*event.Event, error) {
	if o.Sent {
		return event.New(o.CorrelationID, event.TypePushNotificationSent, event.PushNotificationSentData{
			CorrelationID: o.CorrelationID,
			Attempt:       o.Attempt,
		})
	}
	return event.New(o.CorrelationID, event.TypePushNotificationFailed, event.PushNotificationFailedData{
		CorrelationID: o.CorrelationID,
		Reason:        o.Reason,
		Attempt:       o.Attempt,
	})
}

// Options はDispatcherの設定。
type Options struct {
	// OutcomeExchange は送信結果を発行するexchange。
	OutcomeExchange string
	// SendTimeout は1回の送信処理のタイムアウト。0以下の場合はDefaultSendTimeout。
	SendTimeout time.Duration
	// Rate は1秒あたりの送信処理数の上限。0以下の場合は制限しない。
	Rate float64
	// Burst はRateを超えて一度に実行できる送信処理数。
	Burst int
	// Logger はロガー。
	Logger logx.Logger
}

// Dispatcher は送信コマンドを受け取り、通知を送信して結果を発行する。
type Dispatcher struct {
	// sender は通知の送信先。
	sender Sender
	// pub は送信結果の発行先。
	pub bus.Publisher
	// limiter は送信処理の流量制限。nilの場合は制限しない。
	limiter *rate.Limiter
	// opts は設定。
	opts Options
	// log はロガー。
	log logx.Logger
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(sender Sender, pub bus.Publisher, opts Options) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		sender: sender,
		pub:    pub,
		opts:   opts,
		log:    log.With(logx.String("component", "dispatcher")),
	}
	if opts.Rate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.Rate), max(opts.Burst, 1))
	}
	return d
}

// Dispatch はすべての配信先デバイスへ通知を送信し、結果を返す。
// 送信中のエラーやパニックはすべて失敗結果に変換する。
func (d *Dispatcher) Dispatch(ctx context.Context, req event.SendPushNotificationData) (out Outcome) {
	out = Outcome{CorrelationID: req.CorrelationID, Attempt: req.Attempt}

	if len(req.RecipientDeviceIDs) == 0 {
		out.Reason = "配信先デバイスが指定されていません"
		return out
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			out.Reason = errors.Wrap(err, "送信待ちの間に中断されました").Error()
			return out
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	if err := d.send(sendCtx, req); err != nil {
		out.Reason = err.Error()
		return out
	}
	out.Sent = true
	return out
}

// send はSenderを呼び出し、パニックをエラーに変換する。
func (d *Dispatcher) send(ctx context.Context, req event.SendPushNotificationData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("送信処理でパニックが発生しました",
				logx.String("correlation_id", req.CorrelationID.String()),
				logx.String("panic", fmt.Sprint(r)),
				logx.Stack(string(debug.Stack())))
			err = errors.Errorf("送信処理でパニックが発生しました: %v", r)
		}
	}()

	if err := d.sender.Send(ctx, req); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(err, "送信が%sでタイムアウトしました", d.opts.SendTimeout)
		}
		return err
	}
	return nil
}

// Handle はバスのハンドラ。送信コマンドを処理し、結果を1件発行する。
// Producerからの送信要求（試行番号0）は送信せずに確定する。最初の送信コマンドはSagaが発行する。
// 結果の発行に失敗した場合はエラーを返し、バスに再配信させる。
func (d *Dispatcher) Handle(ctx context.Context, e *event.Event) error {
	if e.Type != event.TypeSendPushNotification {
		return nil
	}
	req, err := event.DecodeData[event.SendPushNotificationData](e)
	if err != nil {
		return bus.DeadLetter(err)
	}
	if !req.IsCommand() {
		d.log.Debug("Sagaの送信コマンドではないため送信しません",
			logx.String("correlation_id", req.CorrelationID.String()))
		return nil
	}
	if req.CorrelationID == uuid.Nil {
		return bus.DeadLetter(errors.New("相関IDが指定されていない送信コマンドです"))
	}

	log := d.log.With(
		logx.String("correlation_id", req.CorrelationID.String()),
		logx.Int("attempt", req.Attempt),
		logx.Int("delivery", bus.DeliveryFromContext(ctx)))
	log.Info("通知を送信します", logx.Strings("recipient_device_ids", req.RecipientDeviceIDs))

	out := d.Dispatch(ctx, *req)
	if out.Sent {
		log.Info("通知の送信に成功しました")
	} else {
		log.Warn("通知の送信に失敗しました", logx.String("reason", out.Reason))
	}

	oe, err := out.Event()
	if err != nil {
		return bus.DeadLetter(err)
	}
	if err := d.pub.Publish(ctx, d.opts.OutcomeExchange, oe); err != nil {
		return errors.Wrap(err, "送信結果の発行に失敗")
	}
	return nil
}
