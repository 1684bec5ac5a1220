package saga

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/pushsaga/pkg/event"
)

// DefaultMaxAttempts は初回を含む送信試行の総数の既定値。
const DefaultMaxAttempts = 3

// ReasonTimedOut は送信結果が届かなかった試行に付与する失敗理由。
const ReasonTimedOut = "dispatch timed out"

// Policy は再送方針。
type Policy struct {
	// MaxAttempts は初回を含む送信試行の総数。1未満の場合はDefaultMaxAttemptsを使う。
	MaxAttempts int
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// InputKind はSagaに入力されるイベントの種類。
type InputKind int

const (
	// InputRequested は送信要求（または自身が発行した送信コマンドの受信）。
	InputRequested InputKind = iota + 1
	// InputSent は送信成功の通知。
	InputSent
	// InputFailed は送信失敗の通知。
	InputFailed
)

func (k InputKind) String() string {
	switch k {
	case InputRequested:
		return "Requested"
	case InputSent:
		return "Sent"
	case InputFailed:
		return "Failed"
	default:
		return fmt.Sprintf("InputKind(%d)", int(k))
	}
}

// Input は遷移関数への入力。
type Input struct {
	// Kind はイベントの種類。
	Kind InputKind
	// CorrelationID は対象Sagaの相関ID。
	CorrelationID uuid.UUID
	// Title は通知のタイトル（Requestedのみ）。
	Title string
	// Body は通知本文（Requestedのみ）。
	Body string
	// RecipientDeviceIDs は配信先デバイスID（Requestedのみ）。
	RecipientDeviceIDs []string
	// Attempt はイベントが対象とする試行番号。0は不明またはProducerからの要求。
	Attempt int
	// Reason は失敗理由（Failedのみ）。
	Reason string
	// At はイベントを処理する時刻。
	At time.Time
}

// Verdict は遷移の結果。
type Verdict int

const (
	// VerdictDiscard は状態を変更せずにイベントを破棄する。
	VerdictDiscard Verdict = iota
	// VerdictCreate はSagaを作成し、最初の送信コマンドを発行する。
	VerdictCreate
	// VerdictDispatch は失敗を記録し、再送コマンドを発行する。
	VerdictDispatch
	// VerdictComplete はSagaをCompletedにする。
	VerdictComplete
	// VerdictFail はSagaをFailedにする。
	VerdictFail
	// VerdictDeadLetter はプロトコル違反としてイベントをデッドレターへ退避する。
	VerdictDeadLetter
)

func (v Verdict) String() string {
	switch v {
	case VerdictDiscard:
		return "discard"
	case VerdictCreate:
		return "create"
	case VerdictDispatch:
		return "dispatch"
	case VerdictComplete:
		return "complete"
	case VerdictFail:
		return "fail"
	case VerdictDeadLetter:
		return "dead-letter"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Mutates は状態の保存が必要な結果であるかを返す。
func (v Verdict) Mutates() bool {
	switch v {
	case VerdictCreate, VerdictDispatch, VerdictComplete, VerdictFail:
		return true
	default:
		return false
	}
}

// Decision は遷移関数の出力。
type Decision struct {
	// Verdict は遷移の結果。
	Verdict Verdict
	// State は遷移後の状態。DiscardとDeadLetterでは入力の状態がそのまま入る。
	State State
	// Commands は発行する送信コマンド。
	Commands []event.SendPushNotificationData
	// Finalized は終端状態に到達した場合の終端通知。
	Finalized *event.PushNotificationFinalizedData
	// Reason は破棄またはデッドレターの理由。
	Reason string
}

// Transition は現在の状態と入力から次の状態と発行すべきコマンドを決定する。
// existsはstateが保存済みのSagaであるかを表す。副作用を持たない。
func Transition(state State, exists bool, in Input, policy Policy) Decision {
	if !exists {
		return transitionAbsent(in)
	}
	state = state.clone()

	if in.CorrelationID != state.CorrelationID {
		return Decision{Verdict: VerdictDeadLetter, State: state, Reason: "相関IDがSagaと一致しません"}
	}
	if state.Phase.IsTerminal() {
		return Decision{
			Verdict: VerdictDiscard,
			State:   state,
			Reason:  fmt.Sprintf("Sagaは終端状態(%s)です", state.Phase),
		}
	}
	if state.Phase != PhaseSending {
		return Decision{Verdict: VerdictDeadLetter, State: state, Reason: fmt.Sprintf("不明な段階です: %q", state.Phase)}
	}

	switch in.Kind {
	case InputRequested:
		// 重複した要求、または自身が発行した送信コマンドの受信
		return Decision{Verdict: VerdictDiscard, State: state, Reason: "Sagaは既に存在します"}

	case InputSent:
		state.Phase = PhaseCompleted
		state.UpdatedAt = in.At
		return Decision{
			Verdict:   VerdictComplete,
			State:     state,
			Finalized: finalized(state),
		}

	case InputFailed:
		if in.Attempt > 0 && in.Attempt < state.Attempts {
			return Decision{
				Verdict: VerdictDiscard,
				State:   state,
				Reason:  fmt.Sprintf("古い試行(%d/%d)の失敗です", in.Attempt, state.Attempts),
			}
		}
		state.RetryCount++
		state.LastFailureReason = in.Reason
		state.UpdatedAt = in.At
		if state.RetryCount < policy.maxAttempts() {
			state.Attempts++
			return Decision{
				Verdict:  VerdictDispatch,
				State:    state,
				Commands: []event.SendPushNotificationData{command(state)},
			}
		}
		state.Phase = PhaseFailed
		return Decision{
			Verdict:   VerdictFail,
			State:     state,
			Finalized: finalized(state),
		}

	default:
		return Decision{Verdict: VerdictDeadLetter, State: state, Reason: fmt.Sprintf("不明な入力です: %s", in.Kind)}
	}
}

func transitionAbsent(in Input) Decision {
	switch in.Kind {
	case InputRequested:
		if in.Attempt > 0 {
			// 保持期間を過ぎて削除されたSagaの送信コマンド。Sagaを再作成しない
			return Decision{Verdict: VerdictDiscard, Reason: "対応するSagaのない送信コマンドです"}
		}
		if in.CorrelationID == uuid.Nil {
			return Decision{Verdict: VerdictDeadLetter, Reason: "相関IDが指定されていません"}
		}
		if len(in.RecipientDeviceIDs) == 0 {
			return Decision{Verdict: VerdictDeadLetter, Reason: "配信先デバイスが指定されていません"}
		}
		state := State{
			CorrelationID:      in.CorrelationID,
			Phase:              PhaseSending,
			Title:              in.Title,
			Body:               in.Body,
			RecipientDeviceIDs: append([]string(nil), in.RecipientDeviceIDs...),
			RetryCount:         0,
			Attempts:           1,
			CreatedAt:          in.At,
			UpdatedAt:          in.At,
		}
		return Decision{
			Verdict:  VerdictCreate,
			State:    state,
			Commands: []event.SendPushNotificationData{command(state)},
		}
	case InputSent, InputFailed:
		return Decision{
			Verdict: VerdictDeadLetter,
			Reason:  fmt.Sprintf("%sに対応するSagaが存在しません", in.Kind),
		}
	default:
		return Decision{Verdict: VerdictDeadLetter, Reason: fmt.Sprintf("不明な入力です: %s", in.Kind)}
	}
}

// command は現在の試行番号で送信コマンドを組み立てる。
func command(s State) event.SendPushNotificationData {
	return event.SendPushNotificationData{
		CorrelationID:      s.CorrelationID,
		Title:              s.Title,
		Body:               s.Body,
		RecipientDeviceIDs: append([]string(nil), s.RecipientDeviceIDs...),
		Attempt:            s.Attempts,
	}
}

func finalized(s State) *event.PushNotificationFinalizedData {
	return &event.PushNotificationFinalizedData{
		CorrelationID: s.CorrelationID,
		Phase:         string(s.Phase),
		RetryCount:    s.RetryCount,
		Attempts:      s.Attempts,
		Reason:        s.LastFailureReason,
	}
}
