package intercept

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cdpwebreq/internal/logger"
	"cdpwebreq/internal/restype"
	"cdpwebreq/internal/tabs"
	"cdpwebreq/pkg/model"
	"cdpwebreq/pkg/traffic"
)

// State 请求状态
type State int32

const (
	StateIdle State = iota
	StateStarted
	StateClassifyingType
	StateResolvingFrame
	StateEvaluatingRules
	StateForwarding
	StateBlocked
	StateRedirected
	StateFaked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateClassifyingType:
		return "classifying_type"
	case StateResolvingFrame:
		return "resolving_frame"
	case StateEvaluatingRules:
		return "evaluating_rules"
	case StateForwarding:
		return "forwarding"
	case StateBlocked:
		return "blocked"
	case StateRedirected:
		return "redirected"
	case StateFaked:
		return "faked"
	case StateTerminated:
		return "terminated"
	default:
		return "idle"
	}
}

var errUnknownTab = errors.New("request carries an unknown tab id")

// 发送前移除的条件请求头，保证拦截器看到完整响应
var conditionalHeaders = []string{"If-Modified-Since", "If-None-Match"}

// 不向 beforeSendHeaders 监听器暴露的头部
var hiddenHeaders = []string{
	"Authorization", "Cache-Control", "Connection", "Content-Length", "Host",
	"If-Modified-Since", "If-None-Match", "If-Range", "Partial-Data", "Pragma",
	"Proxy-Authorization", "Proxy-Connection", "Transfer-Encoding",
}

type msgKind int

const (
	msgTypeResolved msgKind = iota
	msgVerdict
	msgResponse
	msgFinished
	msgFailed
	msgAborted
)

type message struct {
	kind      msgKind
	typ       model.ResourceType
	tentative bool
	stage     model.Stage
	verdict   model.BlockingResponse
	status    int
	headers   traffic.Header
	rx        ResponseExchange
	err       error
}

// Flight 单个请求的状态机；请求上下文只由其自身的 goroutine 读写，
// 外部事件与异步计算结果都以消息形式投递到邮箱。
type Flight struct {
	id    model.RequestID
	ic    *Interceptor
	offer Offer
	tabID model.TabID
	tab   *tabs.Tab
	log   logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mailbox chan message
	done    chan struct{}
	state   atomic.Int32

	mu       sync.Mutex
	outcome  string
	snapshot model.Details

	d        model.Details
	outgoing traffic.Header
	modified bool
}

func newFlight(parent context.Context, ic *Interceptor, o Offer, tabID model.TabID, tab *tabs.Tab) *Flight {
	ctx, cancel := context.WithCancel(parent)
	id := nextRequestID()
	f := &Flight{
		id:      id,
		ic:      ic,
		offer:   o,
		tabID:   tabID,
		tab:     tab,
		log:     ic.log.With("requestId", uint64(id), "tabId", uint64(tabID)),
		ctx:     ctx,
		cancel:  cancel,
		mailbox: make(chan message, 8),
		done:    make(chan struct{}),
	}
	f.d = model.Details{
		RequestID:     id,
		TabID:         tabID,
		FrameID:       model.MainFrameID,
		ParentFrameID: model.NoParentFrameID,
		URL:           o.URL,
		Method:        o.Method,
		XHRAsync:      true,
		TimeStamp:     time.Now().UnixMilli(),
	}
	f.outgoing = o.Headers.Clone()
	f.state.Store(int32(StateStarted))
	return f
}

// ID 请求标识
func (f *Flight) ID() model.RequestID { return f.id }

// State 当前状态
func (f *Flight) State() State { return State(f.state.Load()) }

// Done 终止时关闭
func (f *Flight) Done() <-chan struct{} { return f.done }

// Outcome 终止结果，未终止时为空
func (f *Flight) Outcome() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome
}

// Details 最近一次评估时的请求上下文快照
func (f *Flight) Details() model.Details {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

// HeadersReceived 响应头到达；返回 false 表示请求已终止，调用方需自行放行响应
func (f *Flight) HeadersReceived(status int, headers traffic.Header, rx ResponseExchange) bool {
	return f.post(message{kind: msgResponse, status: status, headers: headers, rx: rx})
}

// Finish 请求正常完成
func (f *Flight) Finish() { f.post(message{kind: msgFinished}) }

// Fail 传输层失败
func (f *Flight) Fail(err error) { f.post(message{kind: msgFailed, err: err}) }

// Abort 取消请求
func (f *Flight) Abort() { f.post(message{kind: msgAborted}) }

// post 投递消息；终止后的消息被丢弃
func (f *Flight) post(m message) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.mailbox <- m:
		return true
	case <-f.done:
		return false
	}
}

func (f *Flight) setState(s State) { f.state.Store(int32(s)) }

func (f *Flight) publish() {
	f.mu.Lock()
	f.snapshot = f.d
	f.snapshot.RequestHeaders = f.d.RequestHeaders.Clone()
	f.snapshot.ResponseHeaders = f.d.ResponseHeaders.Clone()
	f.mu.Unlock()
}

func (f *Flight) run() {
	defer f.ic.release(f)

	if f.tab == nil {
		f.log.Warn("未知标签页，取消请求", "url", f.d.URL)
		if err := f.offer.Exchange.Cancel(f.ctx); err != nil {
			f.log.Err(err, "取消请求失败")
		}
		f.terminate(model.EventCancelled, "", errUnknownTab)
		return
	}

	f.setState(StateClassifyingType)
	if !f.classify() {
		return
	}
	f.setState(StateResolvingFrame)
	f.resolveFrame()

	if !f.requestStages() {
		return
	}
	f.awaitResponse()
}

// classify 廉价信号优先，无法判断时在工作 goroutine 上查询 DOM 并等待结果
func (f *Flight) classify() bool {
	if h := f.offer.TypeHint; h != nil && *h != model.ResourceOther {
		f.applyType(*h, false)
		return true
	}
	if t, ok := restype.Detect(f.d.URL, f.offer.Headers, f.tab.MainURL(), f.ic.cfg.AllowExtended); ok {
		f.applyType(t, false)
		return true
	}
	if f.offer.TypeHint != nil {
		f.applyType(model.ResourceOther, false)
		return true
	}

	go func() {
		ctx := f.ctx
		if to := f.ic.cfg.DOMQueryTimeout; to > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(f.ctx, to)
			defer cancel()
		}
		t, tentative := restype.QueryDOM(ctx, f.ic.cfg.DOM, f.tabID, f.d.URL)
		f.post(message{kind: msgTypeResolved, typ: t, tentative: tentative})
	}()

	for {
		m := <-f.mailbox
		switch m.kind {
		case msgTypeResolved:
			f.applyType(m.typ, m.tentative)
			return true
		default:
			if f.handleTerminal(m) {
				return false
			}
		}
	}
}

func (f *Flight) applyType(t model.ResourceType, tentative bool) {
	if t == model.ResourceXHRSync {
		f.d.XHRAsync = false
		if !f.ic.cfg.AllowExtended {
			t = model.ResourceXHR
		}
	}
	f.d.ResourceType = t
	f.d.Tentative = tentative
}

func (f *Flight) resolveFrame() {
	if f.d.ResourceType == model.ResourceMainFrame {
		f.tab.BeginNavigation(f.d.URL)
	}
	fr := f.tab.ResolveFrame(f.d.URL, f.offer.ParentURL, f.d.ResourceType)
	f.d.FrameID = fr.ID
	f.d.ParentFrameID = fr.ParentID
}

// requestStages 依次评估 beforeRequest 与 beforeSendHeaders，放行时返回 true
func (f *Flight) requestStages() bool {
	res, ok := f.evaluate(model.StageBeforeRequest, f.offer.Headers.Clone(), nil)
	if !ok {
		return false
	}
	switch res.Verdict() {
	case model.VerdictCancel:
		f.block(f.offer.Exchange.Cancel)
		return false
	case model.VerdictRedirect:
		f.redirect(res.RedirectURL, f.offer.Exchange.Redirect)
		return false
	case model.VerdictFake:
		f.fake(*res.Fake)
		return false
	case model.VerdictHeaders:
		if res.RequestHeaders != nil {
			f.rewriteOutgoing(res.RequestHeaders)
		}
	}

	res, ok = f.evaluate(model.StageBeforeSendHeaders, f.outgoing.Without(hiddenHeaders...), nil)
	if !ok {
		return false
	}
	switch {
	case res.Cancel:
		f.block(f.offer.Exchange.Cancel)
		return false
	case res.RedirectURL != "":
		f.redirect(res.RedirectURL, f.offer.Exchange.Redirect)
		return false
	case res.RequestHeaders != nil:
		f.rewriteOutgoing(restoreHidden(res.RequestHeaders, f.outgoing))
	}

	f.setState(StateForwarding)
	if err := f.offer.Exchange.Forward(f.ctx, transformForSending(f.outgoing)); err != nil {
		f.terminate(model.EventFailed, "", err)
		return false
	}
	if f.modified {
		f.ic.emit(f.event(model.EventModified, model.StageBeforeSendHeaders, nil))
	}
	return true
}

func (f *Flight) rewriteOutgoing(h traffic.Header) {
	f.outgoing = h.Clone()
	f.modified = true
}

// awaitResponse 转发后等待响应头或终止事件
func (f *Flight) awaitResponse() {
	for {
		m := <-f.mailbox
		if m.kind != msgResponse {
			if f.handleTerminal(m) {
				return
			}
			continue
		}
		if m.rx == nil {
			continue
		}
		f.d.StatusCode = m.status
		res, ok := f.evaluate(model.StageHeadersReceived, f.outgoing.Without(hiddenHeaders...), m.headers.Clone())
		if !ok {
			return
		}
		switch {
		case res.Cancel:
			f.block(m.rx.Cancel)
			return
		case res.RedirectURL != "":
			f.redirect(res.RedirectURL, m.rx.Redirect)
			return
		}
		var headers traffic.Header
		if res.ResponseHeaders != nil {
			headers = res.ResponseHeaders.Clone()
			f.modified = true
		}
		f.setState(StateForwarding)
		if err := m.rx.Continue(f.ctx, headers); err != nil {
			f.terminate(model.EventFailed, model.StageHeadersReceived, err)
			return
		}
		if headers != nil {
			f.ic.emit(f.event(model.EventModified, model.StageHeadersReceived, nil))
		}
	}
}

// evaluate 在工作 goroutine 上评估规则，结果经邮箱交回；期间收到终止事件则返回 false
func (f *Flight) evaluate(stage model.Stage, reqHeaders, respHeaders traffic.Header) (model.BlockingResponse, bool) {
	f.setState(StateEvaluatingRules)
	f.d.Stage = stage
	f.d.RequestHeaders = reqHeaders
	f.d.ResponseHeaders = respHeaders
	f.publish()

	if f.ic.cfg.Rules == nil {
		return model.BlockingResponse{}, true
	}
	d := f.d
	d.RequestHeaders = reqHeaders.Clone()
	d.ResponseHeaders = respHeaders.Clone()
	go func() {
		res := f.ic.cfg.Rules.Evaluate(f.ctx, &d)
		f.post(message{kind: msgVerdict, stage: stage, verdict: res})
	}()

	for {
		m := <-f.mailbox
		switch {
		case m.kind == msgVerdict && m.stage == stage:
			f.ic.cfg.Metrics.ObserveVerdict(string(stage), m.verdict.Verdict().String())
			return m.verdict, true
		case m.kind == msgResponse:
			f.log.Warn("规则评估期间收到响应头，原样放行", "stage", string(stage))
			f.releaseResponse(m)
		default:
			if f.handleTerminal(m) {
				return model.BlockingResponse{}, false
			}
		}
	}
}

// handleTerminal 处理完成、失败与取消消息；返回 true 表示已终止
func (f *Flight) handleTerminal(m message) bool {
	switch m.kind {
	case msgFinished:
		f.terminate(model.EventPassed, "", nil)
	case msgFailed:
		f.terminate(model.EventFailed, "", m.err)
	case msgAborted:
		f.terminate(model.EventCancelled, "", nil)
	default:
		return false
	}
	return true
}

func (f *Flight) block(cancel func(context.Context) error) {
	f.setState(StateBlocked)
	if err := cancel(f.ctx); err != nil {
		f.log.Err(err, "阻止请求失败", "url", f.d.URL)
	}
	f.log.Info("请求被阻止", "stage", string(f.d.Stage), "url", f.d.URL)
	f.terminate(model.EventBlocked, f.d.Stage, nil)
}

// redirect 由拦截器发起替代请求，原请求不再进入网络
func (f *Flight) redirect(location string, send func(context.Context, string) error) {
	f.setState(StateRedirected)
	if err := send(f.ctx, location); err != nil {
		f.terminate(model.EventFailed, f.d.Stage, err)
		return
	}
	f.log.Info("请求被重定向", "stage", string(f.d.Stage), "url", f.d.URL, "location", location)
	f.terminate(model.EventRedirected, f.d.Stage, nil)
}

func (f *Flight) fake(resp model.FakeResponse) {
	f.setState(StateFaked)
	if err := f.offer.Exchange.Fulfill(f.ctx, resp); err != nil {
		f.terminate(model.EventFailed, f.d.Stage, err)
		return
	}
	f.terminate(model.EventFaked, f.d.Stage, nil)
}

// terminate 只生效一次
func (f *Flight) terminate(outcome string, stage model.Stage, err error) {
	select {
	case <-f.done:
		return
	default:
	}
	f.setState(StateTerminated)
	f.mu.Lock()
	f.outcome = outcome
	f.mu.Unlock()
	f.ic.emit(f.event(outcome, stage, err))
	f.ic.cfg.Metrics.ObserveOutcome(outcome)
	if err != nil {
		f.log.Debug("请求终止", "outcome", outcome, "error", err.Error())
	} else {
		f.log.Debug("请求终止", "outcome", outcome)
	}
	close(f.done)
	f.drain()
	f.cancel()
}

// drain 放行终止时仍在邮箱中的响应
func (f *Flight) drain() {
	for {
		select {
		case m := <-f.mailbox:
			f.releaseResponse(m)
		default:
			return
		}
	}
}

func (f *Flight) releaseResponse(m message) {
	if m.kind != msgResponse || m.rx == nil {
		return
	}
	if err := m.rx.Continue(f.ctx, nil); err != nil {
		f.log.Err(err, "放行响应失败", "url", f.d.URL)
	}
}

func (f *Flight) event(typ string, stage model.Stage, err error) model.Event {
	evt := model.Event{
		Type:         typ,
		Target:       f.offer.Target,
		Tab:          f.tabID,
		Request:      f.id,
		URL:          f.d.URL,
		Method:       f.d.Method,
		Stage:        stage,
		ResourceType: f.d.ResourceType.String(),
		StatusCode:   f.d.StatusCode,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	return evt
}

// restoreHidden 监听器看不到隐藏头部，替换时保留原值
func restoreHidden(h, prev traffic.Header) traffic.Header {
	out := h.Clone()
	for _, k := range hiddenHeaders {
		if v, ok := prev[strings.ToLower(k)]; ok {
			out.Set(k, v)
		}
	}
	return out
}

// transformForSending 去掉条件请求头与 Accept 中的合成标记
func transformForSending(h traffic.Header) traffic.Header {
	out := h.Without(conditionalHeaders...)
	if accept, ok := out["accept"]; ok {
		if stripped := restype.StripMarkers(accept); stripped != "" {
			out["accept"] = stripped
		} else {
			delete(out, "accept")
		}
	}
	return out
}
