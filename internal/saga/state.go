package saga

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase はSagaの進行段階。
type Phase string

const (
	// PhaseNotStarted はSagaが作成される前の暗黙の段階。
	PhaseNotStarted Phase = "NotStarted"
	// PhaseSending は送信結果を待っている段階。
	PhaseSending Phase = "Sending"
	// PhaseCompleted は送信に成功した終端段階。
	PhaseCompleted Phase = "Completed"
	// PhaseFailed は再送上限に達した終端段階。
	PhaseFailed Phase = "Failed"
)

// IsTerminal は終端段階であるかを返す。
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ParsePhase は文字列をPhaseに変換する。大文字小文字は区別しない。
func ParsePhase(s string) (Phase, bool) {
	for _, p := range []Phase{PhaseNotStarted, PhaseSending, PhaseCompleted, PhaseFailed} {
		if strings.EqualFold(string(p), s) {
			return p, true
		}
	}
	return "", false
}

// State は1つの配信Sagaの状態。
type State struct {
	// CorrelationID はSagaを識別する相関ID。作成後に変更されない。
	CorrelationID uuid.UUID `json:"correlation_id"`
	// Phase は現在の進行段階。
	Phase Phase `json:"phase"`
	// Title は通知のタイトル。送信要求からコピーされる。
	Title string `json:"title"`
	// Body は通知本文。送信要求からコピーされる。
	Body string `json:"body"`
	// RecipientDeviceIDs は配信先デバイスIDの一覧。送信要求からコピーされる。
	RecipientDeviceIDs []string `json:"recipient_device_ids"`
	// RetryCount はSending中に観測した送信失敗の回数。
	RetryCount int `json:"retry_count"`
	// Attempts は発行した送信コマンドの数。最新の試行番号と等しい。
	Attempts int `json:"attempts"`
	// LastFailureReason は最後に観測した失敗理由。
	LastFailureReason string `json:"last_failure_reason,omitempty"`
	// Version は楽観的排他制御に使うバージョン。ストアが採番する。
	Version int64 `json:"version"`
	// CreatedAt はSagaの作成日時。
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt は最終更新日時。
	UpdatedAt time.Time `json:"updated_at"`
}

// clone はスライスを共有しないコピーを返す。
func (s State) clone() State {
	if s.RecipientDeviceIDs != nil {
		s.RecipientDeviceIDs = append([]string(nil), s.RecipientDeviceIDs...)
	}
	return s
}
