package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type はメッセージの種類を表す。
type Type string

const (
	// TypeSendPushNotification はプッシュ通知の送信要求を表す。
	// Producerからの初回要求とSagaからの送信コマンドの両方がこの種類で流れる。
	TypeSendPushNotification Type = "SendPushNotification"
	// TypePushNotificationSent はプッシュ通知の送信に成功したことを表す。
	TypePushNotificationSent Type = "PushNotificationSent"
	// TypePushNotificationFailed はプッシュ通知の送信に失敗したことを表す。
	TypePushNotificationFailed Type = "PushNotificationFailed"
	// TypePushNotificationFinalized は配信Sagaが終端状態に到達したことを表す。
	TypePushNotificationFinalized Type = "PushNotificationFinalized"
)

// Event はバス上を流れるメッセージのエンベロープ。
// Dataにはメッセージ種類ごとの構造体がJSON形式で格納される。
type Event struct {
	// ID はメッセージの一意識別子（UUID）。
	ID string `json:"id"`
	// CorrelationID は配信Sagaを特定する相関ID。
	CorrelationID string `json:"correlation_id"`
	// Type はメッセージの種類。
	Type Type `json:"type"`
	// Data はメッセージ固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はメッセージが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// SendPushNotificationData はSendPushNotificationメッセージのデータ。
type SendPushNotificationData struct {
	// CorrelationID はProducerが採番した相関ID。以後変更されない。
	CorrelationID uuid.UUID `json:"correlation_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知本文。
	Body string `json:"body"`
	// RecipientDeviceIDs は配信先デバイスIDの一覧（順序を保持する）。
	RecipientDeviceIDs []string `json:"recipient_device_ids"`
	// Attempt は送信試行番号。0はProducerからの要求、1以上はSagaが発行した送信コマンド。
	Attempt int `json:"attempt,omitempty"`
}

// IsCommand はSagaが発行した送信コマンドであるかを返す。
func (d SendPushNotificationData) IsCommand() bool {
	return d.Attempt > 0
}

// PushNotificationSentData はPushNotificationSentメッセージのデータ。
type PushNotificationSentData struct {
	// CorrelationID は送信要求の相関ID。
	CorrelationID uuid.UUID `json:"correlation_id"`
	// Attempt は成功した送信試行番号。0は不明を表す。
	Attempt int `json:"attempt,omitempty"`
}

// PushNotificationFailedData はPushNotificationFailedメッセージのデータ。
type PushNotificationFailedData struct {
	// CorrelationID は送信要求の相関ID。
	CorrelationID uuid.UUID `json:"correlation_id"`
	// Reason は失敗理由。Producer側で合成された失敗では空のことがある。
	Reason string `json:"reason,omitempty"`
	// Attempt は失敗した送信試行番号。0は不明を表す。
	Attempt int `json:"attempt,omitempty"`
}

// PushNotificationFinalizedData はPushNotificationFinalizedメッセージのデータ。
type PushNotificationFinalizedData struct {
	// CorrelationID は配信Sagaの相関ID。
	CorrelationID uuid.UUID `json:"correlation_id"`
	// Phase は到達した終端フェーズ（Completed または Failed）。
	Phase string `json:"phase"`
	// RetryCount は観測した失敗の回数。
	RetryCount int `json:"retry_count"`
	// Attempts は発行した送信コマンドの数。
	Attempts int `json:"attempts"`
	// Reason は最後に観測した失敗理由。
	Reason string `json:"reason,omitempty"`
}
