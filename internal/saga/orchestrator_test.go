package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/pushsaga/pkg/bus"
	"github.com/nao1215/pushsaga/pkg/event"
	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/pkg/errors"
)

const (
	testRequestExchange   = "test-send-push-notifications"
	testOutcomeExchange   = "test-push-notification-outcomes"
	testFinalizedExchange = "test-push-notification-finalized"
	testSagaQueue         = "test-saga"
)

// recordingPublisher は発行されたメッセージを記録するPublisher。
type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]*event.Event
	err    error
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: map[string][]*event.Event{}}
}

func (p *recordingPublisher) Publish(_ context.Context, exchange string, e *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events[exchange] = append(p.events[exchange], e)
	return nil
}

func (p *recordingPublisher) published(exchange string) []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*event.Event(nil), p.events[exchange]...)
}

func (p *recordingPublisher) commands(t *testing.T) []event.SendPushNotificationData {
	t.Helper()

	var out []event.SendPushNotificationData
	for _, e := range p.published(testRequestExchange) {
		d, err := event.DecodeData[event.SendPushNotificationData](e)
		if err != nil {
			t.Fatalf("送信コマンドのデコードに失敗: %v", err)
		}
		out = append(out, *d)
	}
	return out
}

// failingStore はGetが常に失敗するStore。
type failingStore struct {
	*MemoryStore
}

func (failingStore) Get(context.Context, uuid.UUID) (State, error) {
	return State{}, errors.New("database is locked")
}

func newTestOrchestrator(store Store, pub bus.Publisher, mutate ...func(*Options)) *Orchestrator {
	opts := Options{
		Policy:            Policy{MaxAttempts: 3},
		CommandExchange:   testRequestExchange,
		FinalizedExchange: testFinalizedExchange,
		Logger:            logx.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	return NewOrchestrator(store, pub, opts)
}

func mustEvent(t *testing.T, id uuid.UUID, typ event.Type, data any) *event.Event {
	t.Helper()

	e, err := event.New(id, typ, data)
	if err != nil {
		t.Fatalf("event.New()でエラーが発生: %v", err)
	}
	return e
}

func requestEvent(t *testing.T, id uuid.UUID) *event.Event {
	t.Helper()
	return mustEvent(t, id, event.TypeSendPushNotification, event.SendPushNotificationData{
		CorrelationID:      id,
		Title:              "Event Reminder",
		Body:               "Your scheduled event is in 30 minutes.",
		RecipientDeviceIDs: []string{"device1", "device2"},
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%v以内に条件が満たされなかった", timeout)
}

// TestOrchestratorHandle はメッセージの処理結果を検証する。
func TestOrchestratorHandle(t *testing.T) {
	t.Parallel()

	t.Run("送信要求でSagaを作成し試行1の送信コマンドを発行すること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		pub := newRecordingPublisher()
		o := newTestOrchestrator(store, pub)
		id := uuid.New()

		if err := o.Handle(context.Background(), requestEvent(t, id)); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}

		st, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get()でエラーが発生: %v", err)
		}
		if st.Phase != PhaseSending || st.Attempts != 1 {
			t.Errorf("状態 = %+v", st)
		}
		cmds := pub.commands(t)
		if len(cmds) != 1 || cmds[0].Attempt != 1 || cmds[0].CorrelationID != id {
			t.Errorf("送信コマンド = %+v", cmds)
		}
	})

	t.Run("自身の送信コマンドを受信しても再発行しないこと", func(t *testing.T) {
		t.Parallel()

		pub := newRecordingPublisher()
		o := newTestOrchestrator(NewMemoryStore(), pub)
		id := uuid.New()

		if err := o.Handle(context.Background(), requestEvent(t, id)); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}
		echo := pub.published(testRequestExchange)[0]
		if err := o.Handle(context.Background(), echo); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}
		if n := len(pub.commands(t)); n != 1 {
			t.Errorf("送信コマンド数 = %d, want 1", n)
		}
	})

	t.Run("成功で終端通知を発行しCompletedになること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		pub := newRecordingPublisher()
		o := newTestOrchestrator(store, pub)
		id := uuid.New()
		ctx := context.Background()

		if err := o.Handle(ctx, requestEvent(t, id)); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}
		if err := o.Handle(ctx, mustEvent(t, id, event.TypePushNotificationSent, event.PushNotificationSentData{CorrelationID: id, Attempt: 1})); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}

		st, _ := store.Get(ctx, id)
		if st.Phase != PhaseCompleted {
			t.Errorf("Phase = %s, want %s", st.Phase, PhaseCompleted)
		}
		fin := pub.published(testFinalizedExchange)
		if len(fin) != 1 {
			t.Fatalf("終端通知数 = %d, want 1", len(fin))
		}
		data, err := event.DecodeData[event.PushNotificationFinalizedData](fin[0])
		if err != nil {
			t.Fatalf("終端通知のデコードに失敗: %v", err)
		}
		if data.Phase != string(PhaseCompleted) || data.CorrelationID != id {
			t.Errorf("終端通知 = %+v", data)
		}

		// 重複した成功では何も発行しない
		if err := o.Handle(ctx, mustEvent(t, id, event.TypePushNotificationSent, event.PushNotificationSentData{CorrelationID: id})); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}
		if n := len(pub.published(testFinalizedExchange)); n != 1 {
			t.Errorf("終端通知数 = %d, want 1", n)
		}
	})

	t.Run("対応するSagaのない送信結果はデッドレターになること", func(t *testing.T) {
		t.Parallel()

		o := newTestOrchestrator(NewMemoryStore(), newRecordingPublisher())
		id := uuid.New()
		err := o.Handle(context.Background(), mustEvent(t, id, event.TypePushNotificationFailed, event.PushNotificationFailedData{CorrelationID: id, Reason: "x"}))
		if !bus.IsDeadLetter(err) {
			t.Errorf("Handle() error = %v, want dead letter", err)
		}
	})

	t.Run("デコードできないメッセージはデッドレターになること", func(t *testing.T) {
		t.Parallel()

		o := newTestOrchestrator(NewMemoryStore(), newRecordingPublisher())
		e := &event.Event{ID: "x", CorrelationID: "not-a-uuid", Type: event.TypePushNotificationSent, Data: []byte(`{}`)}
		if err := o.Handle(context.Background(), e); !bus.IsDeadLetter(err) {
			t.Errorf("Handle() error = %v, want dead letter", err)
		}

		unknown := &event.Event{ID: "y", Type: "Unknown", Data: []byte(`{}`)}
		if err := o.Handle(context.Background(), unknown); !bus.IsDeadLetter(err) {
			t.Errorf("Handle() error = %v, want dead letter", err)
		}
	})

	t.Run("データに相関IDがない場合はエンベロープの相関IDを使うこと", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		o := newTestOrchestrator(store, newRecordingPublisher())
		id := uuid.New()
		ctx := context.Background()
		if err := o.Handle(ctx, requestEvent(t, id)); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}
		if err := o.Handle(ctx, mustEvent(t, id, event.TypePushNotificationSent, map[string]any{})); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}
		st, _ := store.Get(ctx, id)
		if st.Phase != PhaseCompleted {
			t.Errorf("Phase = %s, want %s", st.Phase, PhaseCompleted)
		}
	})

	t.Run("終端通知は無視されること", func(t *testing.T) {
		t.Parallel()

		o := newTestOrchestrator(NewMemoryStore(), newRecordingPublisher())
		id := uuid.New()
		e := mustEvent(t, id, event.TypePushNotificationFinalized, event.PushNotificationFinalizedData{CorrelationID: id})
		if err := o.Handle(context.Background(), e); err != nil {
			t.Errorf("Handle() error = %v, want nil", err)
		}
	})

	t.Run("ストアの失敗は再配信のためにエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		o := newTestOrchestrator(failingStore{NewMemoryStore()}, newRecordingPublisher())
		err := o.Handle(context.Background(), requestEvent(t, uuid.New()))
		if err == nil {
			t.Fatal("Handle()がエラーを返さない")
		}
		if bus.IsDeadLetter(err) {
			t.Error("ストアの失敗がデッドレターになった")
		}
	})

	t.Run("発行に失敗しても状態は保存されること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		pub := newRecordingPublisher()
		pub.err = errors.New("connection refused")
		o := newTestOrchestrator(store, pub)
		id := uuid.New()

		if err := o.Handle(context.Background(), requestEvent(t, id)); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}
		if _, err := store.Get(context.Background(), id); err != nil {
			t.Errorf("状態が保存されていない: %v", err)
		}
	})
}

// TestOrchestratorConcurrentOutcomes は同じ相関IDへの並行な入力が直列化されることを検証する。
func TestOrchestratorConcurrentOutcomes(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	pub := newRecordingPublisher()
	o := newTestOrchestrator(store, pub, func(opts *Options) { opts.Policy.MaxAttempts = 5 })
	id := uuid.New()
	ctx := context.Background()

	if err := o.Handle(ctx, requestEvent(t, id)); err != nil {
		t.Fatalf("Handle()でエラーが発生: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.Apply(ctx, failed(id, 0, "boom"))
		}()
	}
	wg.Wait()

	st, _ := store.Get(ctx, id)
	if st.Phase != PhaseFailed {
		t.Errorf("Phase = %s, want %s", st.Phase, PhaseFailed)
	}
	if st.RetryCount != 5 {
		t.Errorf("RetryCount = %d, want 5", st.RetryCount)
	}
	if n := len(pub.commands(t)); n != 5 {
		t.Errorf("送信コマンド数 = %d, want 5", n)
	}
	if n := len(pub.published(testFinalizedExchange)); n != 1 {
		t.Errorf("終端通知数 = %d, want 1", n)
	}
	if o.locks.size() != 0 {
		t.Errorf("ロックが解放されていない: %d", o.locks.size())
	}
}

// TestOrchestratorWithMemoryBus はインメモリバス上でDispatcherの代役と組み合わせた流れを検証する。
func TestOrchestratorWithMemoryBus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		failures     int
		wantPhase    Phase
		wantCommands int
		wantRetry    int
	}{
		{name: "初回で成功するとコマンド1回でCompletedになる", failures: 0, wantPhase: PhaseCompleted, wantCommands: 1, wantRetry: 0},
		{name: "2回失敗して3回目で成功する", failures: 2, wantPhase: PhaseCompleted, wantCommands: 3, wantRetry: 2},
		{name: "失敗し続けるとコマンド3回でFailedになる", failures: 10, wantPhase: PhaseFailed, wantCommands: 3, wantRetry: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			b := bus.NewMemory(bus.WithRedeliveryDelay(0))
			t.Cleanup(func() { _ = b.Close() })
			store := NewMemoryStore()
			o := newTestOrchestrator(store, b)

			var (
				mu       sync.Mutex
				commands int
			)
			dispatcher := func(ctx context.Context, e *event.Event) error {
				d, err := event.DecodeData[event.SendPushNotificationData](e)
				if err != nil || !d.IsCommand() {
					return err
				}
				mu.Lock()
				commands++
				n := commands
				mu.Unlock()

				if n <= tt.failures {
					return b.Publish(ctx, testOutcomeExchange, mustEvent(t, d.CorrelationID, event.TypePushNotificationFailed,
						event.PushNotificationFailedData{CorrelationID: d.CorrelationID, Attempt: d.Attempt, Reason: "gateway error"}))
				}
				return b.Publish(ctx, testOutcomeExchange, mustEvent(t, d.CorrelationID, event.TypePushNotificationSent,
					event.PushNotificationSentData{CorrelationID: d.CorrelationID, Attempt: d.Attempt}))
			}

			var finalized []*event.Event
			var fmu sync.Mutex
			subs := []struct {
				queue     string
				exchanges []string
				h         bus.Handler
			}{
				{queue: "test-dispatcher", exchanges: []string{testRequestExchange}, h: dispatcher},
				{queue: testSagaQueue, exchanges: []string{testRequestExchange, testOutcomeExchange}, h: o.Handle},
				{queue: "test-finalized", exchanges: []string{testFinalizedExchange}, h: func(_ context.Context, e *event.Event) error {
					fmu.Lock()
					finalized = append(finalized, e)
					fmu.Unlock()
					return nil
				}},
			}
			for _, s := range subs {
				if err := b.Subscribe(ctx, s.queue, s.exchanges, s.h); err != nil {
					t.Fatalf("Subscribe()でエラーが発生: %v", err)
				}
			}

			id := uuid.New()
			if err := b.Publish(ctx, testRequestExchange, requestEvent(t, id)); err != nil {
				t.Fatalf("Publish()でエラーが発生: %v", err)
			}
			if err := b.WaitIdle(ctx); err != nil {
				t.Fatalf("WaitIdle()でエラーが発生: %v", err)
			}

			st, err := store.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get()でエラーが発生: %v", err)
			}
			if st.Phase != tt.wantPhase {
				t.Errorf("Phase = %s, want %s", st.Phase, tt.wantPhase)
			}
			if st.RetryCount != tt.wantRetry {
				t.Errorf("RetryCount = %d, want %d", st.RetryCount, tt.wantRetry)
			}
			mu.Lock()
			if commands != tt.wantCommands {
				t.Errorf("送信コマンド数 = %d, want %d", commands, tt.wantCommands)
			}
			mu.Unlock()
			fmu.Lock()
			if len(finalized) != 1 {
				t.Errorf("終端通知数 = %d, want 1", len(finalized))
			}
			fmu.Unlock()
			if dl := b.DeadLetters(""); len(dl) != 0 {
				t.Errorf("デッドレター = %+v, want none", dl)
			}
		})
	}

	t.Run("対応するSagaのない送信結果はsaga queueのデッドレターに入ること", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		b := bus.NewMemory(bus.WithRedeliveryDelay(0))
		t.Cleanup(func() { _ = b.Close() })
		o := newTestOrchestrator(NewMemoryStore(), b)
		if err := b.Subscribe(ctx, testSagaQueue, []string{testOutcomeExchange}, o.Handle); err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}

		id := uuid.New()
		if err := b.Publish(ctx, testOutcomeExchange, mustEvent(t, id, event.TypePushNotificationSent, event.PushNotificationSentData{CorrelationID: id})); err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}
		if err := b.WaitIdle(ctx); err != nil {
			t.Fatalf("WaitIdle()でエラーが発生: %v", err)
		}

		dl := b.DeadLetters(bus.DeadLetterQueue(testSagaQueue))
		if len(dl) != 1 {
			t.Fatalf("デッドレター数 = %d, want 1", len(dl))
		}
		if dl[0].Deliveries != 1 {
			t.Errorf("Deliveries = %d, want 1", dl[0].Deliveries)
		}
	})
}

// TestOrchestratorAttemptTimeout は送信結果が届かない試行のタイムアウトを検証する。
func TestOrchestratorAttemptTimeout(t *testing.T) {
	t.Parallel()

	t.Run("結果が届かない試行は失敗として再送されFailedに至ること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		pub := newRecordingPublisher()
		o := newTestOrchestrator(store, pub, func(opts *Options) { opts.AttemptTimeout = 20 * time.Millisecond })
		id := uuid.New()

		if err := o.Handle(context.Background(), requestEvent(t, id)); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}

		waitFor(t, 3*time.Second, func() bool {
			st, err := store.Get(context.Background(), id)
			return err == nil && st.Phase == PhaseFailed
		})

		st, _ := store.Get(context.Background(), id)
		if st.LastFailureReason != ReasonTimedOut {
			t.Errorf("LastFailureReason = %q, want %q", st.LastFailureReason, ReasonTimedOut)
		}
		if st.RetryCount != 3 {
			t.Errorf("RetryCount = %d, want 3", st.RetryCount)
		}
		if n := len(pub.commands(t)); n != 3 {
			t.Errorf("送信コマンド数 = %d, want 3", n)
		}
		if n := o.PendingTimers(); n != 0 {
			t.Errorf("PendingTimers() = %d, want 0", n)
		}
	})

	t.Run("成功するとタイマーが解除されること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		o := newTestOrchestrator(store, newRecordingPublisher(), func(opts *Options) { opts.AttemptTimeout = time.Hour })
		id := uuid.New()
		ctx := context.Background()

		if err := o.Handle(ctx, requestEvent(t, id)); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}
		if n := o.PendingTimers(); n != 1 {
			t.Fatalf("PendingTimers() = %d, want 1", n)
		}
		if err := o.Apply(ctx, sent(id, 1)); err != nil {
			t.Fatalf("Apply()でエラーが発生: %v", err)
		}
		if n := o.PendingTimers(); n != 0 {
			t.Errorf("PendingTimers() = %d, want 0", n)
		}
	})

	t.Run("タイムアウト後に届いた古い試行の失敗は数えないこと", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		pub := newRecordingPublisher()
		o := newTestOrchestrator(store, pub, func(opts *Options) { opts.AttemptTimeout = time.Hour })
		id := uuid.New()
		ctx := context.Background()

		if err := o.Handle(ctx, requestEvent(t, id)); err != nil {
			t.Fatalf("Handle()でエラーが発生: %v", err)
		}
		// タイムアウトによる失敗を直接入力する
		if err := o.Apply(ctx, Input{Kind: InputFailed, CorrelationID: id, Attempt: 1, Reason: ReasonTimedOut}); err != nil {
			t.Fatalf("Apply()でエラーが発生: %v", err)
		}
		if err := o.Apply(ctx, failed(id, 1, "late")); err != nil {
			t.Fatalf("Apply()でエラーが発生: %v", err)
		}

		st, _ := store.Get(ctx, id)
		if st.RetryCount != 1 || st.Attempts != 2 {
			t.Errorf("RetryCount = %d, Attempts = %d, want 1, 2", st.RetryCount, st.Attempts)
		}
	})
}

// TestOrchestratorRun は再開処理と保持期間の削除を検証する。
func TestOrchestratorRun(t *testing.T) {
	t.Parallel()

	t.Run("送信中のSagaにタイマーを張り直して再送すること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		id := uuid.New()
		if _, err := store.Create(context.Background(), newState(id, PhaseSending, testNow)); err != nil {
			t.Fatalf("Create()でエラーが発生: %v", err)
		}

		pub := newRecordingPublisher()
		o := newTestOrchestrator(store, pub, func(opts *Options) { opts.AttemptTimeout = 20 * time.Millisecond })

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- o.Run(ctx) }()

		waitFor(t, 3*time.Second, func() bool { return len(pub.commands(t)) > 0 })
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}

		cmd := pub.commands(t)[0]
		if cmd.CorrelationID != id || cmd.Attempt != 2 {
			t.Errorf("送信コマンド = %+v, want attempt 2", cmd)
		}
		if n := o.PendingTimers(); n != 0 {
			t.Errorf("Run終了後のPendingTimers() = %d, want 0", n)
		}
	})

	t.Run("保持期間を過ぎた終端Sagaを削除すること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		ctx := context.Background()
		oldID, newID := uuid.New(), uuid.New()
		if _, err := store.Create(ctx, newState(oldID, PhaseCompleted, testNow.Add(-2*time.Hour))); err != nil {
			t.Fatalf("Create()でエラーが発生: %v", err)
		}
		if _, err := store.Create(ctx, newState(newID, PhaseFailed, testNow)); err != nil {
			t.Fatalf("Create()でエラーが発生: %v", err)
		}

		o := newTestOrchestrator(store, newRecordingPublisher(), func(opts *Options) {
			opts.Retention = time.Hour
			opts.Now = func() time.Time { return testNow }
		})
		n, err := o.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep()でエラーが発生: %v", err)
		}
		if n != 1 {
			t.Errorf("削除数 = %d, want 1", n)
		}
		if _, err := store.Get(ctx, newID); err != nil {
			t.Errorf("保持期間内のSagaが削除された: %v", err)
		}
	})

	t.Run("保持期間が0の場合は削除しないこと", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		if _, err := store.Create(context.Background(), newState(uuid.New(), PhaseCompleted, testNow.Add(-time.Hour))); err != nil {
			t.Fatalf("Create()でエラーが発生: %v", err)
		}
		o := newTestOrchestrator(store, newRecordingPublisher())
		if n, err := o.Sweep(context.Background()); err != nil || n != 0 {
			t.Errorf("Sweep() = %d, %v, want 0, nil", n, err)
		}
	})
}
