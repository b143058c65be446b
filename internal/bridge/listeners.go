package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cdpwebreq/internal/logger"
	"cdpwebreq/internal/rules"
	"cdpwebreq/pkg/model"

	"github.com/tidwall/gjson"
)

// 监听器命令名
const (
	CmdListenerAdd    = "listenerStorage.add"
	CmdListenerRemove = "listenerStorage.remove"
)

// EventNavigationCommitted 导航提交事件
const EventNavigationCommitted = "webNavigation.onCommitted"

var (
	ErrUnknownEvent      = errors.New("unknown listener event")
	ErrDuplicateListener = errors.New("duplicate listener callback id")
)

// RuleRegistry 监听器转换出的规则注册目标
type RuleRegistry interface {
	Register(r *rules.Rule) (model.RuleID, error)
	Unregister(id model.RuleID) bool
}

// Listener 一次 addListener 注册
type Listener struct {
	CallbackID      string
	Event           string
	Stage           model.Stage
	Blocking        bool
	RequestHeaders  bool
	ResponseHeaders bool
	URLs            []string
	Types           []string
	TabID           model.TabID
	Owner           string
	RuleID          model.RuleID

	invoker Invoker
	filters []*rules.URLFilter
}

// ListenerStorage 保存监听器注册，webRequest 监听器同时作为规则注册到引擎
type ListenerStorage struct {
	mu        sync.Mutex
	listeners map[string]*Listener
	engine    RuleRegistry
	disp      *Dispatcher
	log       logger.Logger
}

// NewListenerStorage 创建监听器存储并注册其命令
func NewListenerStorage(engine RuleRegistry, d *Dispatcher, l logger.Logger) (*ListenerStorage, error) {
	if l == nil {
		l = logger.NewNop()
	}
	s := &ListenerStorage{
		listeners: make(map[string]*Listener),
		engine:    engine,
		disp:      d,
		log:       l,
	}
	if err := d.Register(CmdListenerAdd, Sig(String, Any, String), s.handleAdd); err != nil {
		return nil, err
	}
	if err := d.Register(CmdListenerRemove, Sig(String), s.handleRemove); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ListenerStorage) handleAdd(ctx context.Context, args Args) (any, error) {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return nil, ErrNoCaller
	}
	l, err := parseListener(args.String(0), args.At(1), args.String(2))
	if err != nil {
		return nil, err
	}
	l.Owner = caller.Owner
	l.invoker = caller.Invoker
	if err := s.Add(l); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *ListenerStorage) handleRemove(_ context.Context, args Args) (any, error) {
	return s.Remove(args.String(0)), nil
}

// parseListener 解析 {filter:{urls,types,tabId,url}, extraInfo:[...]}
func parseListener(event string, params gjson.Result, callbackID string) (*Listener, error) {
	if callbackID == "" {
		return nil, fmt.Errorf("%w: empty callback id", ErrParametersDidNotMatch)
	}
	l := &Listener{CallbackID: callbackID, Event: event}
	filter := params.Get("filter")

	if event == EventNavigationCommitted {
		for _, f := range filter.Get("url").Array() {
			uf, err := rules.CompileURLFilter(f)
			if err != nil {
				return nil, err
			}
			l.filters = append(l.filters, uf)
		}
		return l, nil
	}

	stage, ok := model.StageForEvent(event)
	if !ok {
		return nil, fmt.Errorf("%w: %s, want one of %s", ErrUnknownEvent, event, eventList())
	}
	l.Stage = stage
	for _, u := range filter.Get("urls").Array() {
		l.URLs = append(l.URLs, u.String())
	}
	for _, t := range filter.Get("types").Array() {
		if _, ok := model.ParseResourceType(t.String()); !ok {
			return nil, fmt.Errorf("%w: unknown resource type %q", rules.ErrInvalidCondition, t.String())
		}
		l.Types = append(l.Types, t.String())
	}
	if tab := filter.Get("tabId"); tab.Exists() && tab.Int() > 0 {
		l.TabID = model.TabID(tab.Uint())
	}
	for _, e := range params.Get("extraInfo").Array() {
		switch e.String() {
		case "blocking":
			l.Blocking = true
		case "requestHeaders":
			l.RequestHeaders = true
		case "responseHeaders":
			l.ResponseHeaders = true
		}
	}
	return l, nil
}

// condition 将监听过滤器转换为规则条件树
func (l *Listener) condition() (rules.Condition, error) {
	parts := []rules.Condition{rules.StageIs(l.Stage)}
	if len(l.URLs) > 0 {
		var globs []rules.Condition
		for _, u := range l.URLs {
			g, err := rules.NewURLGlob(u)
			if err != nil {
				return nil, err
			}
			globs = append(globs, g)
		}
		parts = append(parts, rules.Any(globs...))
	}
	if len(l.Types) > 0 {
		dp, err := rules.NewDetailPath("type", l.Types...)
		if err != nil {
			return nil, err
		}
		parts = append(parts, dp)
	}
	if l.TabID != 0 {
		dp, err := rules.NewDetailPath("tabId", fmt.Sprint(uint64(l.TabID)))
		if err != nil {
			return nil, err
		}
		parts = append(parts, dp)
	}
	return rules.All(parts...), nil
}

// Add 注册监听器；webRequest 监听器同时注册一条规则
func (s *ListenerStorage) Add(l *Listener) error {
	if l.invoker == nil {
		return ErrNoCaller
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.listeners[l.CallbackID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateListener, l.CallbackID)
	}
	if l.Event != EventNavigationCommitted {
		cond, err := l.condition()
		if err != nil {
			return err
		}
		id, err := s.engine.Register(&rules.Rule{
			ID:        model.RuleID("listener-" + l.CallbackID),
			Owner:     l.Owner,
			Kind:      rules.KindListener,
			Stages:    []model.Stage{l.Stage},
			Condition: cond,
			Actions:   []rules.Action{&listenerAction{disp: s.disp, l: l}},
		})
		if err != nil {
			return err
		}
		l.RuleID = id
	}
	s.listeners[l.CallbackID] = l
	s.log.Debug("添加监听器", "event", l.Event, "callback", l.CallbackID, "owner", l.Owner, "blocking", l.Blocking)
	return nil
}

// Remove 移除监听器及其规则
func (s *ListenerStorage) Remove(callbackID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[callbackID]
	if !ok {
		return false
	}
	s.removeLocked(l)
	return true
}

// RemoveOwner 移除某个上下文的全部监听器
func (s *ListenerStorage) RemoveOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.listeners {
		if l.Owner == owner {
			s.removeLocked(l)
			n++
		}
	}
	return n
}

func (s *ListenerStorage) removeLocked(l *Listener) {
	delete(s.listeners, l.CallbackID)
	if l.RuleID != "" {
		s.engine.Unregister(l.RuleID)
	}
	s.log.Debug("移除监听器", "event", l.Event, "callback", l.CallbackID)
}

// Has 回调是否仍在注册中
func (s *ListenerStorage) Has(callbackID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[callbackID]
	return ok
}

// Listeners 返回某事件的监听器，按回调标识排序
func (s *ListenerStorage) Listeners(event string) []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Listener
	for _, l := range s.listeners {
		if event == "" || l.Event == event {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallbackID < out[j].CallbackID })
	return out
}

// Broadcast 将非 webRequest 事件投递给过滤条件匹配的全部监听器
func (s *ListenerStorage) Broadcast(ctx context.Context, event string, tab model.TabID, url string, payload json.RawMessage) ([]Result, error) {
	d := &model.Details{URL: url, TabID: tab}
	s.mu.Lock()
	var cbs []Callback
	for _, l := range s.listeners {
		if l.Event == event && l.matchesNavigation(d) {
			cbs = append(cbs, Callback{ID: l.CallbackID, Invoker: l.invoker})
		}
	}
	s.mu.Unlock()
	sort.Slice(cbs, func(i, j int) bool { return cbs[i].ID < cbs[j].ID })
	return s.disp.CallAll(ctx, cbs, payload)
}

// 无过滤条件时全部匹配；多个过滤条件取或
func (l *Listener) matchesNavigation(d *model.Details) bool {
	if len(l.filters) == 0 {
		return true
	}
	for _, f := range l.filters {
		if f.Match(d) {
			return true
		}
	}
	return false
}

// listenerAction 将规则命中转交给外部回调
type listenerAction struct {
	disp *Dispatcher
	l    *Listener
}

func (a *listenerAction) Apply(ctx context.Context, d *model.Details) (model.BlockingResponse, error) {
	payload, err := d.ListenerJSON(model.ListenerOptions{
		RequestHeaders:  a.l.RequestHeaders,
		ResponseHeaders: a.l.ResponseHeaders,
	})
	if err != nil {
		return model.BlockingResponse{}, err
	}
	cb := Callback{ID: a.l.CallbackID, Invoker: a.l.invoker}
	if !a.l.Blocking {
		a.disp.Notify(cb, payload)
		return model.BlockingResponse{}, nil
	}
	raw, err := a.disp.Call(ctx, cb, payload)
	if err != nil {
		return model.BlockingResponse{}, err
	}
	res, err := model.ParseBlockingResponse(raw)
	if err != nil {
		return model.BlockingResponse{}, err
	}
	return restrictToStage(d.Stage, res), nil
}

// restrictToStage 只保留当前阶段可生效的字段
func restrictToStage(stage model.Stage, res model.BlockingResponse) model.BlockingResponse {
	out := model.BlockingResponse{Cancel: res.Cancel}
	switch stage {
	case model.StageBeforeRequest:
		out.RedirectURL = res.RedirectURL
		out.Fake = res.Fake
	case model.StageBeforeSendHeaders:
		out.RequestHeaders = res.RequestHeaders
	case model.StageHeadersReceived:
		out.ResponseHeaders = res.ResponseHeaders
		out.RedirectURL = res.RedirectURL
	}
	return out
}

func eventList() string {
	names := []string{EventNavigationCommitted}
	for _, s := range model.Stages {
		names = append(names, s.EventName())
	}
	return strings.Join(names, ", ")
}
