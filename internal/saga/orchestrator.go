package saga

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/pushsaga/pkg/bus"
	"github.com/nao1215/pushsaga/pkg/event"
	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/pkg/errors"
)

const (
	// maxCASRetries は比較交換が競合した場合の再試行回数。
	maxCASRetries = 8
	// timeoutRetryDelay は試行タイムアウトの処理に失敗した場合の再試行間隔。
	timeoutRetryDelay = time.Second
	// minSweepInterval は終端Sagaの削除間隔の下限。
	minSweepInterval = time.Second
)

// Options はOrchestratorの設定。
type Options struct {
	// Policy は再送方針。
	Policy Policy
	// CommandExchange は送信コマンドを発行するexchange。
	CommandExchange string
	// FinalizedExchange は終端通知を発行するexchange。空の場合は発行しない。
	FinalizedExchange string
	// AttemptTimeout は送信結果を待つ時間。0以下の場合はタイムアウトしない。
	AttemptTimeout time.Duration
	// Retention は終端Sagaを保持する時間。0以下の場合は削除しない。
	Retention time.Duration
	// Logger はロガー。
	Logger logx.Logger
	// Now は現在時刻を返す関数。nilの場合はtime.Now。
	Now func() time.Time
}

// Orchestrator はバスから受け取ったイベントをSagaの遷移に変換し、
// 遷移結果の保存とコマンドの発行を行う。
// 同じ相関IDのイベントは直列に、異なる相関IDのイベントは並行に処理する。
type Orchestrator struct {
	// store はSaga状態の保存先。
	store Store
	// pub は送信コマンドと終端通知の発行先。
	pub bus.Publisher
	// opts は設定。
	opts Options
	// locks は相関IDごとの排他ロック。
	locks *keyLock
	// log はロガー。
	log logx.Logger

	mu sync.Mutex
	// timers は送信中のSagaに対する試行タイムアウト。
	timers map[uuid.UUID]*attemptTimer
	// baseCtx はタイマーから起動される処理のコンテキスト。Runで差し替えられる。
	baseCtx context.Context
	// stopped はRunの終了後にタイマーを張らないためのフラグ。
	stopped bool
}

type attemptTimer struct {
	attempt int
	timer   *time.Timer
}

// NewOrchestrator は新しいOrchestratorを生成する。
func NewOrchestrator(store Store, pub bus.Publisher, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		store:   store,
		pub:     pub,
		opts:    opts,
		locks:   newKeyLock(),
		log:     log.With(logx.String("component", "saga")),
		timers:  map[uuid.UUID]*attemptTimer{},
		baseCtx: context.Background(),
	}
}

// Handle はバスのハンドラ。送信要求・送信成功・送信失敗をSagaに入力する。
// 保存に失敗した場合はエラーを返し、バスに再配信させる。
// 対応するSagaのない送信結果はデッドレターとして返す。
func (o *Orchestrator) Handle(ctx context.Context, e *event.Event) error {
	in, err := o.decode(e)
	if err != nil {
		o.log.Warn("不正なメッセージを受信しました",
			logx.String("type", string(e.Type)),
			logx.String("event_id", e.ID),
			logx.Err(err))
		return bus.DeadLetter(err)
	}
	if in == nil {
		return nil
	}
	return o.Apply(ctx, *in)
}

// decode はメッセージをSagaへの入力に変換する。
// Sagaが扱わない種類のメッセージではnilを返す。
func (o *Orchestrator) decode(e *event.Event) (*Input, error) {
	in := &Input{At: o.opts.Now().UTC()}

	switch e.Type {
	case event.TypeSendPushNotification:
		data, err := event.DecodeData[event.SendPushNotificationData](e)
		if err != nil {
			return nil, err
		}
		in.Kind = InputRequested
		in.CorrelationID = data.CorrelationID
		in.Title = data.Title
		in.Body = data.Body
		in.RecipientDeviceIDs = data.RecipientDeviceIDs
		in.Attempt = data.Attempt

	case event.TypePushNotificationSent:
		data, err := event.DecodeData[event.PushNotificationSentData](e)
		if err != nil {
			return nil, err
		}
		in.Kind = InputSent
		in.CorrelationID = data.CorrelationID
		in.Attempt = data.Attempt

	case event.TypePushNotificationFailed:
		data, err := event.DecodeData[event.PushNotificationFailedData](e)
		if err != nil {
			return nil, err
		}
		in.Kind = InputFailed
		in.CorrelationID = data.CorrelationID
		in.Attempt = data.Attempt
		in.Reason = data.Reason

	case event.TypePushNotificationFinalized:
		return nil, nil

	default:
		return nil, errors.Errorf("未知のメッセージ種類です: %q", e.Type)
	}

	if in.CorrelationID == uuid.Nil {
		// データに相関IDがない場合はエンベロープの値を使う
		id, err := event.ParseCorrelationID(e)
		if err != nil {
			return nil, err
		}
		in.CorrelationID = id
	}
	return in, nil
}

// Apply は入力を1件Sagaに適用する。
func (o *Orchestrator) Apply(ctx context.Context, in Input) error {
	if in.At.IsZero() {
		in.At = o.opts.Now().UTC()
	}
	log := o.log.With(
		logx.String("correlation_id", in.CorrelationID.String()),
		logx.String("input", in.Kind.String()),
		logx.Int("attempt", in.Attempt))

	unlock := o.locks.Lock(in.CorrelationID)
	defer unlock()

	for i := 0; i < maxCASRetries; i++ {
		cur, err := o.store.Get(ctx, in.CorrelationID)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists = false
		} else if err != nil {
			return errors.Wrap(err, "saga状態の読み込みに失敗")
		}

		d := Transition(cur, exists, in, o.opts.Policy)
		switch d.Verdict {
		case VerdictDiscard:
			log.Debug("イベントを破棄しました", logx.String("reason", d.Reason))
			return nil
		case VerdictDeadLetter:
			log.Warn("対応するSagaがないためデッドレターへ退避します", logx.String("reason", d.Reason))
			return bus.DeadLetter(errors.New(d.Reason))
		}

		var saved State
		if exists {
			saved, err = o.store.CompareAndSwap(ctx, d.State)
		} else {
			saved, err = o.store.Create(ctx, d.State)
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists) {
			log.Debug("saga状態の保存が競合したため再評価します", logx.Int("try", i+1))
			continue
		}
		if err != nil {
			return errors.Wrap(err, "saga状態の保存に失敗")
		}

		log.Info("sagaを遷移しました",
			logx.String("verdict", d.Verdict.String()),
			logx.String("phase", string(saved.Phase)),
			logx.Int("retry_count", saved.RetryCount),
			logx.Int("attempts", saved.Attempts))
		o.execute(ctx, saved, d, log)
		return nil
	}
	return errors.Errorf("saga状態の保存が%d回競合しました: %s", maxCASRetries, in.CorrelationID)
}

// execute は保存済みの遷移結果に従ってタイマーの操作とメッセージの発行を行う。
// 発行の失敗は試行タイムアウトで回復するため、エラーとして返さない。
func (o *Orchestrator) execute(ctx context.Context, s State, d Decision, log logx.Logger) {
	if s.Phase.IsTerminal() {
		o.cancelTimer(s.CorrelationID)
	}
	for _, cmd := range d.Commands {
		o.armTimer(s.CorrelationID, cmd.Attempt)
		if err := o.publish(ctx, o.opts.CommandExchange, event.TypeSendPushNotification, s.CorrelationID, cmd); err != nil {
			log.Error("送信コマンドの発行に失敗しました。試行タイムアウトで再送します",
				logx.Int("command_attempt", cmd.Attempt),
				logx.Err(err))
		}
	}
	if d.Finalized != nil && o.opts.FinalizedExchange != "" {
		if err := o.publish(ctx, o.opts.FinalizedExchange, event.TypePushNotificationFinalized, s.CorrelationID, d.Finalized); err != nil {
			log.Error("終端通知の発行に失敗しました", logx.Err(err))
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, exchange string, t event.Type, id uuid.UUID, data any) error {
	e, err := event.New(id, t, data)
	if err != nil {
		return err
	}
	return o.pub.Publish(ctx, exchange, e)
}

// armTimer は試行のタイムアウトを設定する。既存のタイマーは置き換える。
func (o *Orchestrator) armTimer(id uuid.UUID, attempt int) {
	o.armTimerAfter(id, attempt, o.opts.AttemptTimeout)
}

func (o *Orchestrator) armTimerAfter(id uuid.UUID, attempt int, after time.Duration) {
	if o.opts.AttemptTimeout <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	if t, ok := o.timers[id]; ok {
		t.timer.Stop()
	}
	at := &attemptTimer{attempt: attempt}
	at.timer = time.AfterFunc(after, func() { o.onTimeout(id, at) })
	o.timers[id] = at
}

func (o *Orchestrator) cancelTimer(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[id]; ok {
		t.timer.Stop()
		delete(o.timers, id)
	}
}

// onTimeout は送信結果が届かなかった試行を失敗として入力する。
func (o *Orchestrator) onTimeout(id uuid.UUID, at *attemptTimer) {
	o.mu.Lock()
	if o.timers[id] != at {
		// 既に別の試行のタイマーに置き換えられている
		o.mu.Unlock()
		return
	}
	delete(o.timers, id)
	ctx := o.baseCtx
	o.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	o.log.Warn("送信結果が届かないため試行を失敗として扱います",
		logx.String("correlation_id", id.String()),
		logx.Int("attempt", at.attempt),
		logx.Duration("timeout", o.opts.AttemptTimeout))

	err := o.Apply(ctx, Input{
		Kind:          InputFailed,
		CorrelationID: id,
		Attempt:       at.attempt,
		Reason:        ReasonTimedOut,
	})
	if err != nil && !bus.IsDeadLetter(err) {
		o.log.Error("試行タイムアウトの処理に失敗しました。再試行します",
			logx.String("correlation_id", id.String()),
			logx.Err(err))
		o.armTimerAfter(id, at.attempt, timeoutRetryDelay)
	}
}

// PendingTimers は設定中の試行タイムアウトの数を返す。
func (o *Orchestrator) PendingTimers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.timers)
}

// Resume は送信中のSagaすべてに試行タイムアウトを設定し直す。
// 永続ストアを使ってプロセスを再起動した場合に、結果の届かない試行を回復する。
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	states, err := o.store.List(ctx, PhaseSending)
	if err != nil {
		return 0, errors.Wrap(err, "送信中sagaの取得に失敗")
	}
	for _, s := range states {
		o.armTimer(s.CorrelationID, s.Attempts)
	}
	if len(states) > 0 {
		o.log.Info("送信中のsagaを再開しました", logx.Int("count", len(states)))
	}
	return len(states), nil
}

// Sweep は保持期間を過ぎた終端Sagaを削除する。
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	if o.opts.Retention <= 0 {
		return 0, nil
	}
	before := o.opts.Now().UTC().Add(-o.opts.Retention)
	n, err := o.store.PruneTerminal(ctx, before)
	if err != nil {
		return 0, errors.Wrap(err, "終端sagaの削除に失敗")
	}
	if n > 0 {
		o.log.Info("保持期間を過ぎた終端sagaを削除しました", logx.Int("count", n))
	}
	return n, nil
}

// Run は送信中のSagaを再開し、ctxがキャンセルされるまで終端Sagaの削除を定期的に行う。
// 終了時にすべての試行タイムアウトを停止する。
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.baseCtx = ctx
	o.stopped = false
	o.mu.Unlock()
	defer o.stop()

	if _, err := o.Resume(ctx); err != nil {
		return err
	}

	if o.opts.Retention <= 0 {
		<-ctx.Done()
		return nil
	}

	interval := o.opts.Retention / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.Sweep(ctx); err != nil {
				o.log.Error("終端sagaの削除に失敗しました", logx.Err(err))
			}
		}
	}
}

func (o *Orchestrator) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	for id, t := range o.timers {
		t.timer.Stop()
		delete(o.timers, id)
	}
}
