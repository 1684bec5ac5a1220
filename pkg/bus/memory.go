package bus

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nao1215/pushsaga/pkg/event"
	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/pkg/errors"
)

// errSubscriptionEnded は購読の終了により配信できなかったメッセージの退避理由。
var errSubscriptionEnded = errors.New("queueの購読が終了しました")

const (
	defaultConcurrency     = 4
	defaultMaxDeliveries   = 5
	defaultRedeliveryDelay = 50 * time.Millisecond
)

// MemoryOption はMemoryバスの設定を変更する。
type MemoryOption func(*Memory)

// WithConcurrency はqueueごとの同時処理数を設定する。
func WithConcurrency(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithMaxDeliveries はデッドレターへ退避するまでの最大配信回数を設定する。
func WithMaxDeliveries(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxDeliveries = n
		}
	}
}

// WithRedeliveryDelay は再配信までの待ち時間を設定する。
func WithRedeliveryDelay(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d >= 0 {
			m.redeliveryDelay = d
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(log logx.Logger) MemoryOption {
	return func(m *Memory) {
		m.log = log
	}
}

// Memory はプロセス内で完結するfanoutメッセージバス。
// queueは上限のないFIFOで、発行がハンドラの処理待ちでブロックすることはない。
type Memory struct {
	mu       sync.RWMutex
	bindings map[string][]*memQueue
	queues   map[string]*memQueue
	closed   bool

	dmu  sync.Mutex
	dead map[string][]DeadLetterRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// pending は未処理・処理中・再配信待ちのメッセージ数。
	pending atomic.Int64

	log             logx.Logger
	concurrency     int
	maxDeliveries   int
	redeliveryDelay time.Duration
}

type memDelivery struct {
	ev       *event.Event
	delivery int
}

type memQueue struct {
	name    string
	handler Handler

	mu     sync.Mutex
	items  []memDelivery
	signal chan struct{}
	// detached は購読が終了し、exchangeから切り離されたことを表す。
	detached bool
	// workers はこのqueueのワーカー。
	workers sync.WaitGroup
}

// NewMemory は新しいインメモリバスを生成する。
func NewMemory(opts ...MemoryOption) *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		bindings:        map[string][]*memQueue{},
		queues:          map[string]*memQueue{},
		dead:            map[string][]DeadLetterRecord{},
		ctx:             ctx,
		cancel:          cancel,
		log:             logx.Nop(),
		concurrency:     defaultConcurrency,
		maxDeliveries:   defaultMaxDeliveries,
		redeliveryDelay: defaultRedeliveryDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish はexchangeにバインドされたすべてのqueueへメッセージを複製する。
func (m *Memory) Publish(ctx context.Context, exchange string, e *event.Event) error {
	if e == nil {
		return errors.New("発行するメッセージがnilです")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	queues := append([]*memQueue(nil), m.bindings[exchange]...)
	m.mu.RUnlock()

	if len(queues) == 0 {
		m.deadLetter(UnroutableQueue, exchange, e, "バインドされたqueueが存在しません", 0)
		return nil
	}
	for _, q := range queues {
		m.enqueue(q, memDelivery{ev: e, delivery: 1})
	}
	return nil
}

// Subscribe はqueueを作成してexchangeにバインドし、ワーカーを起動する。
// 1つのqueueに登録できるハンドラは1つだけ。ctxがキャンセルされるとワーカーは停止する。
func (m *Memory) Subscribe(ctx context.Context, queue string, exchanges []string, h Handler) error {
	if h == nil {
		return errors.New("ハンドラがnilです")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.queues[queue]; ok {
		m.mu.Unlock()
		return errors.Errorf("queue %q は既に購読されています", queue)
	}
	q := &memQueue{name: queue, handler: h, signal: make(chan struct{}, 1)}
	m.queues[queue] = q
	for _, ex := range exchanges {
		m.bindings[ex] = append(m.bindings[ex], q)
	}
	m.mu.Unlock()

	wctx, cancel := context.WithCancel(m.ctx)
	for i := 0; i < m.concurrency; i++ {
		m.wg.Add(1)
		q.workers.Add(1)
		go m.worker(wctx, q)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
		case <-wctx.Done():
		}
		cancel()
		q.workers.Wait()
		m.detach(q)
	}()
	m.log.Debug("queueの購読を開始しました", logx.String("queue", queue), logx.Strings("exchanges", exchanges))
	return nil
}

// Close はワーカーを停止し、以後の発行と購読を拒否する。
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

// DeadLetters は指定queueのデッドレターを返す。空文字の場合はすべて返す。
func (m *Memory) DeadLetters(queue string) []DeadLetterRecord {
	m.dmu.Lock()
	defer m.dmu.Unlock()

	if queue != "" {
		return append([]DeadLetterRecord(nil), m.dead[queue]...)
	}
	var all []DeadLetterRecord
	for _, recs := range m.dead {
		all = append(all, recs...)
	}
	return all
}

// WaitIdle はすべてのqueueが空になり、処理中のメッセージがなくなるまで待つ。
func (m *Memory) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// detach はqueueをexchangeから切り離し、未処理のメッセージをデッドレターへ退避する。
// 以後そのexchangeへの発行は他のqueueにだけ配信され、どこにも届かなければunroutableになる。
func (m *Memory) detach(q *memQueue) {
	m.mu.Lock()
	if m.queues[q.name] == q {
		delete(m.queues, q.name)
	}
	for ex, qs := range m.bindings {
		kept := qs[:0]
		for _, bq := range qs {
			if bq != q {
				kept = append(kept, bq)
			}
		}
		if len(kept) == 0 {
			delete(m.bindings, ex)
		} else {
			m.bindings[ex] = kept
		}
	}
	m.mu.Unlock()

	q.mu.Lock()
	q.detached = true
	left := q.items
	q.items = nil
	q.mu.Unlock()

	for _, d := range left {
		m.deadLetter(DeadLetterQueue(q.name), q.name, d.ev, errSubscriptionEnded.Error(), d.delivery-1)
		m.pending.Add(-1)
	}
	m.log.Debug("queueの購読を終了しました", logx.String("queue", q.name), logx.Int("dead_lettered", len(left)))
}

func (m *Memory) enqueue(q *memQueue, d memDelivery) {
	q.mu.Lock()
	if q.detached {
		q.mu.Unlock()
		m.deadLetter(DeadLetterQueue(q.name), q.name, d.ev, errSubscriptionEnded.Error(), d.delivery-1)
		return
	}
	m.pending.Add(1)
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop() (memDelivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return memDelivery{}, false
	}
	d := q.items[0]
	q.items[0] = memDelivery{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// 他のワーカーにも残りがあることを知らせる
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return d, true
}

func (m *Memory) worker(ctx context.Context, q *memQueue) {
	defer m.wg.Done()
	defer q.workers.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		d, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.signal:
				continue
			}
		}
		m.process(ctx, q, d)
	}
}

func (m *Memory) process(ctx context.Context, q *memQueue, d memDelivery) {
	defer m.pending.Add(-1)

	err := invoke(WithDelivery(ctx, d.delivery), q.handler, d.ev)
	if err == nil {
		return
	}

	if IsDeadLetter(err) || d.delivery >= m.maxDeliveries || ctx.Err() != nil {
		m.deadLetter(DeadLetterQueue(q.name), q.name, d.ev, err.Error(), d.delivery)
		return
	}

	m.log.Warn("メッセージの処理に失敗したため再配信します",
		logx.String("queue", q.name),
		logx.String("type", string(d.ev.Type)),
		logx.String("correlation_id", d.ev.CorrelationID),
		logx.Int("delivery", d.delivery),
		logx.Err(err))

	next := memDelivery{ev: d.ev, delivery: d.delivery + 1}
	if m.redeliveryDelay <= 0 {
		m.enqueue(q, next)
		return
	}
	m.pending.Add(1)
	time.AfterFunc(m.redeliveryDelay, func() {
		defer m.pending.Add(-1)
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()
		if !closed {
			m.enqueue(q, next)
		}
	})
}

// invoke はハンドラを呼び出し、パニックをエラーに変換する。
func invoke(ctx context.Context, h Handler, e *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("ハンドラでパニックが発生: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, e)
}

func (m *Memory) deadLetter(queue, source string, e *event.Event, reason string, deliveries int) {
	rec := DeadLetterRecord{
		Queue:      queue,
		Source:     source,
		Event:      e,
		Reason:     reason,
		Deliveries: deliveries,
		At:         time.Now().UTC(),
	}
	m.dmu.Lock()
	m.dead[queue] = append(m.dead[queue], rec)
	m.dmu.Unlock()

	m.log.Warn("メッセージをデッドレターへ退避しました",
		logx.String("dead_letter_queue", queue),
		logx.String("source", source),
		logx.String("type", string(e.Type)),
		logx.String("correlation_id", e.CorrelationID),
		logx.String("reason", reason))
}
