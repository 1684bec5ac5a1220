package bus

import (
	"context"
	"time"

	"github.com/nao1215/pushsaga/pkg/event"
	"github.com/pkg/errors"
)

// ErrClosed はクローズ済みのバスを操作したことを表す。
var ErrClosed = errors.New("バスは既にクローズされています")

// UnroutableQueue はバインド先のないexchangeへ発行されたメッセージの退避先。
const UnroutableQueue = "unroutable"

// Handler はqueueから受信したメッセージを処理する関数。
// nilを返すとメッセージは確定（ack）され、エラーを返すと再配信の対象になる。
type Handler func(ctx context.Context, e *event.Event) error

// Publisher はexchangeへメッセージを発行する。
type Publisher interface {
	Publish(ctx context.Context, exchange string, e *event.Event) error
}

// Subscriber はqueueをexchangeにバインドしてメッセージを購読する。
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, exchanges []string, h Handler) error
}

// Bus はメッセージバスの実装が満たすインターフェース。
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// DeadLetterRecord はデッドレターキューに退避されたメッセージ。
type DeadLetterRecord struct {
	// Queue は退避先のデッドレターキュー名。
	Queue string `json:"queue"`
	// Source は退避元のqueue名（unroutableの場合はexchange名）。
	Source string `json:"source"`
	// Event は退避されたメッセージ。
	Event *event.Event `json:"event"`
	// Reason は退避理由。
	Reason string `json:"reason"`
	// Deliveries は退避までの配信回数。
	Deliveries int `json:"deliveries"`
	// At は退避した日時。
	At time.Time `json:"at"`
}

// DeadLetterLister はデッドレターキューの内容を参照できるバスが実装する。
type DeadLetterLister interface {
	// DeadLetters は指定queueのデッドレターを返す。空文字の場合はすべて返す。
	DeadLetters(queue string) []DeadLetterRecord
}

// DeadLetterQueue はqueueに対応するデッドレターキュー名を返す。
func DeadLetterQueue(queue string) string {
	return queue + "-error"
}

// deadLetterError は再配信せずに即座にデッドレターへ退避すべきエラー。
type deadLetterError struct {
	err error
}

func (e *deadLetterError) Error() string { return e.err.Error() }
func (e *deadLetterError) Unwrap() error { return e.err }
func (e *deadLetterError) Cause() error  { return e.err }

// DeadLetter はerrを再配信不能なエラーとして包む。
// ハンドラがこのエラーを返すと、メッセージは再配信されずデッドレターキューへ退避される。
func DeadLetter(err error) error {
	if err == nil {
		return nil
	}
	return &deadLetterError{err: err}
}

// IsDeadLetter はerrがDeadLetterで包まれているかを返す。
func IsDeadLetter(err error) bool {
	var dl *deadLetterError
	return errors.As(err, &dl)
}

type deliveryKey struct{}

// WithDelivery はコンテキストに配信回数（1始まり）を設定する。
func WithDelivery(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, deliveryKey{}, n)
}

// DeliveryFromContext はコンテキストから配信回数を取得する。未設定の場合は1を返す。
func DeliveryFromContext(ctx context.Context) int {
	if n, ok := ctx.Value(deliveryKey{}).(int); ok && n > 0 {
		return n
	}
	return 1
}
