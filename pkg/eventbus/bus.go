// Package eventbus 提供多订阅者事件总线
// 每个订阅者持有有界待发区，慢订阅者的中间事件按 key 合并，终态事件永不丢弃
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event 总线上传递的事件
type Event struct {
	// Topic 事件主题，如 transfer / sync_task / service
	Topic string `json:"topic"`
	// Key 合并键，同一 key 的非终态事件允许被后续事件覆盖
	Key string `json:"key"`
	// Terminal 终态标记，终态事件保证送达
	Terminal bool `json:"terminal"`
	// Payload 事件负载，为发布时刻的完整记录快照
	Payload any `json:"payload"`
	// At 发布时间
	At time.Time `json:"at"`
}

// pending 单订阅者的待发事件区
type pending struct {
	mu    sync.Mutex
	queue []Event
	// index 指向 queue 中可合并（非终态）事件的位置
	index  map[string]int
	notify chan struct{}
	closed bool
}

// Subscriber 订阅句柄
type Subscriber struct {
	bus *Bus
	p   *pending
	out chan Event
}

// C 返回事件接收通道，总线关闭或退订后通道关闭
func (s *Subscriber) C() <-chan Event {
	return s.out
}

// Close 退订
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s)
}

// Bus 多生产者多消费者事件总线
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	logger *zap.Logger
	closed bool
}

// New 创建事件总线
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe 注册一个订阅者并启动其投递协程
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		bus: b,
		p: &pending{
			index:  make(map[string]int),
			notify: make(chan struct{}, 1),
		},
		out: make(chan Event, 16),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

func (b *Bus) unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if ok {
		s.p.close()
	}
}

// Publish 向所有订阅者投递事件
// 投递不阻塞发布方；同一 key 的未消费非终态事件被新事件原位覆盖
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.p.push(ev)
	}
}

// Close 关闭总线，给订阅者 deadline 时长消费剩余事件后关闭其通道
func (b *Bus) Close(deadline time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, s := range subs {
			s.p.waitDrained(deadline)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
	}
	for _, s := range subs {
		s.p.close()
	}
}

func (p *pending) push(ev Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	key := ev.Topic + "/" + ev.Key
	if !ev.Terminal {
		if i, ok := p.index[key]; ok {
			p.queue[i] = ev
			p.mu.Unlock()
			return
		}
		p.index[key] = len(p.queue)
	} else {
		// 终态事件独立排队，同 key 的合并槽失效
		delete(p.index, key)
	}
	p.queue = append(p.queue, ev)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pending) pop() (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Event{}, false
	}
	ev := p.queue[0]
	p.queue = p.queue[1:]
	for k, i := range p.index {
		if i == 0 {
			delete(p.index, k)
		} else {
			p.index[k] = i - 1
		}
	}
	return ev, true
}

func (p *pending) waitDrained(deadline time.Duration) {
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		p.mu.Lock()
		n := len(p.queue)
		p.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (p *pending) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// pump 将待发区事件依序送入订阅者通道
func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		ev, ok := s.p.pop()
		if ok {
			s.out <- ev
			continue
		}
		s.p.mu.Lock()
		closed := s.p.closed
		s.p.mu.Unlock()
		if closed {
			// 关闭前清空剩余事件
			for {
				ev, ok := s.p.pop()
				if !ok {
					return
				}
				select {
				case s.out <- ev:
				default:
					return
				}
			}
		}
		<-s.p.notify
	}
}
