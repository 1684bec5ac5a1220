package producer

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/nao1215/pushsaga/pkg/bus"
	"github.com/nao1215/pushsaga/pkg/event"
	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/pkg/errors"
)

// ErrInvalidRequest は送信要求の内容が不正な場合のエラー。
var ErrInvalidRequest = errors.New("送信要求が不正です")

// Options はProducerの設定。
type Options struct {
	// RequestExchange は送信要求を発行するexchange。
	RequestExchange string
	// OutcomeExchange は発行に失敗したことを知らせるメッセージの発行先。空の場合は知らせない。
	OutcomeExchange string
	// Logger はロガー。
	Logger logx.Logger
}

// Producer は送信要求を発行する。
type Producer struct {
	pub  bus.Publisher
	opts Options
	log  logx.Logger
}

// New は新しいProducerを生成する。
func New(pub bus.Publisher, opts Options) *Producer {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Producer{
		pub:  pub,
		opts: opts,
		log:  log.With(logx.String("component", "producer")),
	}
}

// Request は新しい相関IDを採番して送信要求を発行し、その相関IDを返す。
// 発行に失敗した場合は失敗メッセージの発行を試みたうえでエラーを返す。
func (p *Producer) Request(ctx context.Context, title, body string, devices []string) (uuid.UUID, error) {
	if err := validate(title, devices); err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	data := event.SendPushNotificationData{
		CorrelationID:      id,
		Title:              title,
		Body:               body,
		RecipientDeviceIDs: append([]string(nil), devices...),
	}
	e, err := event.New(id, event.TypeSendPushNotification, data)
	if err != nil {
		return uuid.Nil, err
	}

	if err := p.pub.Publish(ctx, p.opts.RequestExchange, e); err != nil {
		p.log.Error("送信要求の発行に失敗しました", logx.String("correlation_id", id.String()), logx.Err(err))
		p.publishFailure(ctx, id, err)
		return id, errors.Wrap(err, "送信要求の発行に失敗")
	}

	p.log.Info("送信要求を発行しました",
		logx.String("correlation_id", id.String()),
		logx.Int("recipients", len(devices)))
	return id, nil
}

// publishFailure は送信要求を発行できなかったことを送信結果のexchangeへ知らせる。
// 対応するSagaは存在しないため、Saga側ではデッドレターとして記録される。
func (p *Producer) publishFailure(ctx context.Context, id uuid.UUID, cause error) {
	if p.opts.OutcomeExchange == "" {
		return
	}
	e, err := event.New(id, event.TypePushNotificationFailed, event.PushNotificationFailedData{
		CorrelationID: id,
		Reason:        cause.Error(),
	})
	if err != nil {
		return
	}
	if err := p.pub.Publish(ctx, p.opts.OutcomeExchange, e); err != nil {
		p.log.Warn("失敗メッセージの発行にも失敗しました", logx.String("correlation_id", id.String()), logx.Err(err))
	}
}

func validate(title string, devices []string) error {
	if strings.TrimSpace(title) == "" {
		return errors.Wrap(ErrInvalidRequest, "タイトルが空です")
	}
	if len(devices) == 0 {
		return errors.Wrap(ErrInvalidRequest, "配信先デバイスが指定されていません")
	}
	for _, d := range devices {
		if strings.TrimSpace(d) == "" {
			return errors.Wrap(ErrInvalidRequest, "空のデバイスIDが含まれています")
		}
	}
	return nil
}
