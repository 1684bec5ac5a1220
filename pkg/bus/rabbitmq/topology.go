package rabbitmq

import (
	"time"

	"github.com/nao1215/pushsaga/pkg/bus"
	"github.com/nao1215/pushsaga/pkg/event"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// headerDeliveryCount はこれまでの配信回数を保持するヘッダー。
	headerDeliveryCount = "x-delivery-count"
	// headerLastError は直前の処理失敗理由を保持するヘッダー。
	headerLastError = "x-last-error"
	// headerCorrelationID は相関IDを保持するヘッダー。
	headerCorrelationID = "x-correlation-id"

	contentTypeJSON = "application/json"
)

// exchangeArgs はfanout exchangeの宣言引数を返す。
// バインド先のないメッセージはunroutable exchangeへ回される。
func exchangeArgs() amqp.Table {
	return amqp.Table{"alternate-exchange": bus.UnroutableQueue}
}

// queueArgs はqueueの宣言引数を返す。
func queueArgs(queue string) amqp.Table {
	return amqp.Table{"x-dead-letter-exchange": bus.DeadLetterQueue(queue)}
}

// deliveryCount はヘッダーから配信回数を読み取る。未設定の場合は0を返す。
func deliveryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[headerDeliveryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

// toPublishing はエンベロープをAMQPのメッセージに変換する。
func toPublishing(e *event.Event, body []byte, headers amqp.Table) amqp.Publishing {
	h := amqp.Table{headerCorrelationID: e.CorrelationID}
	for k, v := range headers {
		h[k] = v
	}
	ts := e.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return amqp.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		MessageId:     e.ID,
		CorrelationId: e.CorrelationID,
		Type:          string(e.Type),
		Timestamp:     ts,
		Headers:       h,
		Body:          body,
	}
}

// redeliveryHeaders は再発行時に付与するヘッダーを返す。
func redeliveryHeaders(orig amqp.Table, count int, reason string) amqp.Table {
	h := amqp.Table{}
	for k, v := range orig {
		h[k] = v
	}
	h[headerDeliveryCount] = int32(count)
	h[headerLastError] = truncate(reason, 512)
	return h
}

// truncate はsを先頭からn文字に切り詰める。
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ackAction はメッセージ処理後にブローカーへ返す応答。
type ackAction int

const (
	// actionAck は処理済みとしてackする。
	actionAck ackAction = iota
	// actionRedeliver は配信回数を増やしてqueueへ再発行する。
	actionRedeliver
	// actionDeadLetter はrequeueせずにnackし、デッドレターキューへ回す。
	actionDeadLetter
)

func (a ackAction) String() string {
	switch a {
	case actionAck:
		return "ack"
	case actionRedeliver:
		return "redeliver"
	case actionDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// decideAck はハンドラの結果とこれまでの配信回数（今回を含む）から応答を決める。
func decideAck(herr error, count, maxDeliveries int) ackAction {
	switch {
	case herr == nil:
		return actionAck
	case bus.IsDeadLetter(herr), count >= maxDeliveries:
		return actionDeadLetter
	default:
		return actionRedeliver
	}
}
