package session

import (
	"context"
	"sync"
	"time"

	"cdpwebreq/internal/logger"
	"cdpwebreq/pkg/model"
)

// 事件入口缓冲，满时拦截器丢弃事件
const eventBuffer = 1024

// Recorder 事件持久化
type Recorder interface {
	Record(ctx context.Context, evt model.Event) error
}

// Browser 会话背后的浏览器连接
type Browser interface {
	Close() error
}

// Session 一次浏览器连接的业务会话，负责把拦截事件分发给订阅者
type Session struct {
	ID        model.SessionID
	Config    model.SessionConfig
	CreatedAt time.Time
	Browser   Browser

	events   chan model.Event
	recorder Recorder
	log      logger.Logger

	mu     sync.Mutex
	subs   map[int]chan model.Event
	nextID int
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New 创建会话并启动事件分发
func New(id model.SessionID, cfg model.SessionConfig, rec Recorder, l logger.Logger) *Session {
	if l == nil {
		l = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		Config:    cfg,
		CreatedAt: time.Now(),
		events:    make(chan model.Event, eventBuffer),
		recorder:  rec,
		log:       l.With("sessionID", string(id)),
		subs:      make(map[int]chan model.Event),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.pump(ctx)
	return s
}

// Events 拦截器写入事件的通道
func (s *Session) Events() chan<- model.Event { return s.events }

// Subscribe 订阅事件；订阅者消费过慢时事件被丢弃
func (s *Session) Subscribe(buf int) (<-chan model.Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan model.Event, buf)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.mu.Unlock()
		})
	}
}

func (s *Session) pump(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.events:
			s.publish(ctx, evt)
		}
	}
}

func (s *Session) publish(ctx context.Context, evt model.Event) {
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, evt); err != nil {
			s.log.Err(err, "写入事件失败", "type", evt.Type)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close 关闭浏览器连接，停止分发并关闭所有订阅
func (s *Session) Close() error {
	var err error
	if s.Browser != nil {
		err = s.Browser.Close()
	}
	s.cancel()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	return err
}
