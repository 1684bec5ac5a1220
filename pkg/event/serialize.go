package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// New は新しいメッセージを生成する。
// dataにはメッセージ固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(correlationID uuid.UUID, eventType Type, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "メッセージデータのシリアライズに失敗")
	}

	return &Event{
		ID:            uuid.New().String(),
		CorrelationID: correlationID.String(),
		Type:          eventType,
		Data:          jsonData,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// DecodeData はメッセージのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, errors.Wrap(err, "メッセージデータのデシリアライズに失敗")
	}
	return &data, nil
}

// Marshal はエンベロープ全体をトランスポート用のバイト列に変換する。
func Marshal(e *Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "エンベロープのシリアライズに失敗")
	}
	return b, nil
}

// Unmarshal はトランスポートから受け取ったバイト列をエンベロープに復元する。
// 種類が空のメッセージは不正として扱う。
func Unmarshal(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrap(err, "エンベロープのデシリアライズに失敗")
	}
	if e.Type == "" {
		return nil, errors.New("メッセージ種類が空です")
	}
	return &e, nil
}

// ParseCorrelationID はエンベロープの相関IDをUUIDとして解釈する。
func ParseCorrelationID(e *Event) (uuid.UUID, error) {
	id, err := uuid.Parse(e.CorrelationID)
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "相関IDが不正です: %q", e.CorrelationID)
	}
	return id, nil
}
