// Package intercept 为每个被拦截的请求运行一台状态机，依次完成类型判定、帧解析与三个阶段的规则评估。
package intercept

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cdpwebreq/internal/logger"
	"cdpwebreq/internal/metrics"
	"cdpwebreq/internal/restype"
	"cdpwebreq/internal/tabs"
	"cdpwebreq/pkg/model"
	"cdpwebreq/pkg/traffic"
)

// 进程内请求序号，跨标签页严格递增
var requestSeq atomic.Uint64

func nextRequestID() model.RequestID { return model.RequestID(requestSeq.Add(1)) }

// Evaluator 规则评估
type Evaluator interface {
	Evaluate(ctx context.Context, d *model.Details) model.BlockingResponse
}

// TabLookup 由请求头解码标签页
type TabLookup interface {
	Codec() *tabs.Codec
	Get(id model.TabID) (*tabs.Tab, bool)
}

// Exchange 请求阶段的传输层操作，每个请求至多调用其中一个
type Exchange interface {
	Forward(ctx context.Context, headers traffic.Header) error
	Redirect(ctx context.Context, location string) error
	Fulfill(ctx context.Context, fake model.FakeResponse) error
	Cancel(ctx context.Context) error
}

// ResponseExchange 响应头到达后的传输层操作
type ResponseExchange interface {
	Continue(ctx context.Context, headers traffic.Header) error
	Redirect(ctx context.Context, location string) error
	Cancel(ctx context.Context) error
}

// Offer 传输层交给拦截器的请求
type Offer struct {
	Target    model.TargetID
	URL       string
	Method    string
	Headers   traffic.Header
	ParentURL string
	TypeHint  *model.ResourceType
	// Passed 由重新发出转换后请求的传输层置位。CDP 的 continueRequest 不会再次暂停同一请求，
	// 重定向后的新请求需要重新走规则，因此 CDP 适配器从不置位。
	Passed    bool
	Exchange  Exchange
}

// Config 拦截器依赖
type Config struct {
	Session         model.SessionID
	Tabs            TabLookup
	Rules           Evaluator
	DOM             restype.DOMQuerier
	Auth            *AuthCache
	Events          chan<- model.Event
	Metrics         *metrics.Metrics
	Logger          logger.Logger
	Schemes         []string
	DOMQueryTimeout time.Duration
	AllowExtended   bool
}

// Interceptor 请求拦截器，持有进程内的在途请求表
type Interceptor struct {
	cfg     Config
	log     logger.Logger
	schemes map[string]bool

	mu       sync.Mutex
	inflight map[model.RequestID]*Flight
}

// New 创建拦截器
func New(cfg Config) *Interceptor {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthCache()
	}
	if len(cfg.Schemes) == 0 {
		cfg.Schemes = []string{"http", "https"}
	}
	schemes := make(map[string]bool, len(cfg.Schemes))
	for _, s := range cfg.Schemes {
		schemes[strings.ToLower(s)] = true
	}
	return &Interceptor{
		cfg:      cfg,
		log:      l,
		schemes:  schemes,
		inflight: make(map[model.RequestID]*Flight),
	}
}

// Auth 认证信任缓存
func (ic *Interceptor) Auth() *AuthCache { return ic.cfg.Auth }

// Eligible 协议可拦截且尚未经过拦截器
func (ic *Interceptor) Eligible(o Offer) bool {
	if o.Passed {
		return false
	}
	u, err := url.Parse(o.URL)
	if err != nil {
		return false
	}
	return ic.schemes[strings.ToLower(u.Scheme)]
}

// Start 接管一个请求。返回 nil 表示不拦截（协议不符、已经过拦截器或无标签页），调用方应原样放行。
func (ic *Interceptor) Start(ctx context.Context, o Offer) *Flight {
	if !ic.Eligible(o) {
		return nil
	}
	if o.Headers == nil {
		o.Headers = traffic.Header{}
	}
	tabID, ok := ic.cfg.Tabs.Codec().Decode(o.Headers)
	if !ok {
		ic.emit(model.Event{Type: model.EventBypassed, Target: o.Target, URL: o.URL, Method: o.Method})
		ic.cfg.Metrics.ObserveOutcome(model.EventBypassed)
		return nil
	}
	tab, _ := ic.cfg.Tabs.Get(tabID)

	f := newFlight(ctx, ic, o, tabID, tab)
	ic.mu.Lock()
	ic.inflight[f.id] = f
	ic.mu.Unlock()
	ic.cfg.Metrics.AddInFlight(1)
	go f.run()
	return f
}

// Lookup 按请求标识查找在途请求
func (ic *Interceptor) Lookup(id model.RequestID) (*Flight, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	f, ok := ic.inflight[id]
	return f, ok
}

// InFlight 在途请求数
func (ic *Interceptor) InFlight() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return len(ic.inflight)
}

// AbortAll 终止全部在途请求并等待其结束
func (ic *Interceptor) AbortAll() {
	ic.mu.Lock()
	fs := make([]*Flight, 0, len(ic.inflight))
	for _, f := range ic.inflight {
		fs = append(fs, f)
	}
	ic.mu.Unlock()
	for _, f := range fs {
		f.Abort()
		<-f.Done()
	}
}

func (ic *Interceptor) release(f *Flight) {
	ic.mu.Lock()
	delete(ic.inflight, f.id)
	ic.mu.Unlock()
	ic.cfg.Metrics.AddInFlight(-1)
}

// emit 非阻塞发送事件，通道满时丢弃
func (ic *Interceptor) emit(evt model.Event) {
	if ic.cfg.Events == nil {
		return
	}
	evt.Session = ic.cfg.Session
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case ic.cfg.Events <- evt:
	default:
	}
}
