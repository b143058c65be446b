// Package cdp 把 Chrome DevTools 协议的 Fetch/Network/Page 事件接入请求拦截器。
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cdpwebreq/internal/bridge"
	"cdpwebreq/internal/intercept"
	"cdpwebreq/internal/logger"
	"cdpwebreq/internal/metrics"
	"cdpwebreq/internal/tabs"
	"cdpwebreq/pkg/model"

	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/runtime"
)

var (
	ErrNoTarget        = errors.New("no matching page target")
	ErrAlreadyAttached = errors.New("target already attached")
	ErrNotAttached     = errors.New("target not attached")
	ErrNoRenderer      = errors.New("no attached target for tab")
)

// Broadcaster 向导航监听器广播事件
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, tab model.TabID, url string, payload json.RawMessage) ([]bridge.Result, error)
}

// Config 管理器依赖
type Config struct {
	DevToolsURL     string
	Session         model.SessionID
	Tabs            *tabs.Registry
	Rules           intercept.Evaluator
	Listeners       Broadcaster
	Events          chan<- model.Event
	Metrics         *metrics.Metrics
	Logger          logger.Logger
	Schemes         []string
	DOMQueryTimeout time.Duration
	AllowExtended   bool
	// CommandTimeout 单条 CDP 命令的超时，默认 3s
	CommandTimeout time.Duration
}

// Manager 管理一个浏览器上附加的全部页面目标
type Manager struct {
	cfg     Config
	log     logger.Logger
	ic      *intercept.Interceptor
	enabled atomic.Bool

	targetsMu sync.Mutex
	targets   map[model.TargetID]*targetSession
}

// New 创建管理器，拦截器以管理器作为 DOM 查询端
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	m := &Manager{
		cfg:     cfg,
		log:     cfg.Logger.With("session", string(cfg.Session)),
		targets: make(map[model.TargetID]*targetSession),
	}
	m.ic = intercept.New(intercept.Config{
		Session:         cfg.Session,
		Tabs:            cfg.Tabs,
		Rules:           cfg.Rules,
		DOM:             m,
		Events:          cfg.Events,
		Metrics:         cfg.Metrics,
		Logger:          cfg.Logger,
		Schemes:         cfg.Schemes,
		DOMQueryTimeout: cfg.DOMQueryTimeout,
		AllowExtended:   cfg.AllowExtended,
	})
	m.enabled.Store(true)
	return m
}

// Interceptor 管理器使用的拦截器
func (m *Manager) Interceptor() *intercept.Interceptor { return m.ic }

func (m *Manager) isEnabled() bool { return m.enabled.Load() }

// ListTargets 列出浏览器中的页面目标
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	list, err := devtool.New(m.cfg.DevToolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]model.TargetInfo, 0, len(list))
	for _, t := range list {
		if t.Type != devtool.Page {
			continue
		}
		info := model.TargetInfo{ID: model.TargetID(t.ID), Type: string(t.Type), URL: t.URL, Title: t.Title}
		if ts, ok := m.targets[info.ID]; ok {
			info.Attached = true
			info.Tab = ts.tab.ID
		}
		out = append(out, info)
	}
	return out, nil
}

// Attach 附加页面目标；target 为空时选择第一个页面
func (m *Manager) Attach(ctx context.Context, target model.TargetID) (model.TargetInfo, error) {
	list, err := devtool.New(m.cfg.DevToolsURL).List(ctx)
	if err != nil {
		return model.TargetInfo{}, fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range list {
		if t.Type != devtool.Page {
			continue
		}
		if target == "" || model.TargetID(t.ID) == target {
			sel = t
			break
		}
	}
	if sel == nil {
		return model.TargetInfo{}, fmt.Errorf("%w: %q", ErrNoTarget, target)
	}
	id := model.TargetID(sel.ID)

	m.targetsMu.Lock()
	if _, ok := m.targets[id]; ok {
		m.targetsMu.Unlock()
		return model.TargetInfo{}, fmt.Errorf("%w: %s", ErrAlreadyAttached, id)
	}
	m.targetsMu.Unlock()

	ts, err := m.openTargetSession(ctx, id, sel.WebSocketDebuggerURL)
	if err != nil {
		return model.TargetInfo{}, err
	}

	m.targetsMu.Lock()
	if _, ok := m.targets[id]; ok {
		m.targetsMu.Unlock()
		m.closeTargetSession(ts)
		return model.TargetInfo{}, fmt.Errorf("%w: %s", ErrAlreadyAttached, id)
	}
	m.targets[id] = ts
	m.targetsMu.Unlock()

	ts.start()
	go m.watch(ts)
	m.log.Info("已附加目标", "target", string(id), "tabId", uint64(ts.tab.ID), "url", sel.URL)
	return model.TargetInfo{ID: id, Type: string(sel.Type), URL: sel.URL, Title: sel.Title, Attached: true, Tab: ts.tab.ID}, nil
}

// Detach 分离目标并终止其在途请求
func (m *Manager) Detach(target model.TargetID) error {
	m.targetsMu.Lock()
	ts, ok := m.targets[target]
	if ok {
		delete(m.targets, target)
	}
	m.targetsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, target)
	}
	m.closeTargetSession(ts)
	<-ts.done
	m.log.Info("已分离目标", "target", string(target))
	return nil
}

// Attached 已附加的目标
func (m *Manager) Attached() []model.TargetID {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	ids := make([]model.TargetID, 0, len(m.targets))
	for id := range m.targets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close 分离全部目标
func (m *Manager) Close() error {
	m.enabled.Store(false)
	var errs []error
	for _, id := range m.Attached() {
		if err := m.Detach(id); err != nil && !errors.Is(err, ErrNotAttached) {
			errs = append(errs, err)
		}
	}
	m.ic.AbortAll()
	return errors.Join(errs...)
}

// FlushCache 清空浏览器内存缓存，使规则变更对已缓存资源生效
func (m *Manager) FlushCache(ctx context.Context) error {
	m.targetsMu.Lock()
	sessions := make([]*targetSession, 0, len(m.targets))
	for _, ts := range m.targets {
		sessions = append(sessions, ts)
	}
	m.targetsMu.Unlock()

	var errs []error
	for _, ts := range sessions {
		if err := ts.client.Network.ClearBrowserCache(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear cache %s: %w", ts.id, err))
		}
	}
	return errors.Join(errs...)
}

// QueryNode 在标签页的渲染上下文中执行查询脚本
func (m *Manager) QueryNode(ctx context.Context, tab model.TabID, expression string) (string, error) {
	ts := m.sessionForTab(tab)
	if ts == nil {
		return "", fmt.Errorf("%w: %d", ErrNoRenderer, tab)
	}
	reply, err := ts.client.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(expression).SetReturnByValue(true))
	if err != nil {
		return "", err
	}
	if reply.ExceptionDetails != nil {
		return "", fmt.Errorf("evaluate: %s", reply.ExceptionDetails.Text)
	}
	var name string
	if len(reply.Result.Value) > 0 {
		if err := json.Unmarshal(reply.Result.Value, &name); err != nil {
			return "", fmt.Errorf("decode evaluate result: %w", err)
		}
	}
	return name, nil
}

func (m *Manager) sessionForTab(tab model.TabID) *targetSession {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	for _, ts := range m.targets {
		if ts.tab.ID == tab {
			return ts
		}
	}
	return nil
}

// handleTargetStreamClosed 处理单个目标的事件流终止
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	if !m.isEnabled() {
		m.log.Info("拦截已停止，结束目标事件消费", "target", string(ts.id))
		return
	}
	m.log.Warn("事件流被中断，自动移除目标", "target", string(ts.id), "error", err)

	m.targetsMu.Lock()
	cur, ok := m.targets[ts.id]
	if ok && cur == ts {
		delete(m.targets, ts.id)
	}
	m.targetsMu.Unlock()
	m.closeTargetSession(ts)
}

func (m *Manager) commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, m.cfg.CommandTimeout)
}
