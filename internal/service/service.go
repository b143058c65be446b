// Package service 组装拦截器、桥接调度器、规则引擎与脚本上下文，对外提供 api.Service。
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cdpwebreq/internal/bridge"
	"cdpwebreq/internal/cdp"
	"cdpwebreq/internal/config"
	"cdpwebreq/internal/logger"
	"cdpwebreq/internal/metrics"
	"cdpwebreq/internal/rules"
	"cdpwebreq/internal/script"
	"cdpwebreq/internal/session"
	"cdpwebreq/internal/storage"
	"cdpwebreq/internal/tabs"
	"cdpwebreq/pkg/model"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrScriptLoaded    = errors.New("script owner already loaded")
	ErrScriptNotFound  = errors.New("script owner not loaded")
	ErrClosed          = errors.New("service closed")
)

// 浏览器侧操作的超时
const browserTimeout = 10 * time.Second

// Options 服务依赖；Store 为 nil 时不持久化事件
type Options struct {
	Config  *config.Config
	Logger  logger.Logger
	Metrics *metrics.Metrics
	Store   *storage.Store
}

// Service api.Service 的实现
type Service struct {
	cfg     *config.Config
	log     logger.Logger
	metrics *metrics.Metrics
	store   *storage.Store

	tabs      *tabs.Registry
	engine    *rules.Engine
	disp      *bridge.Dispatcher
	listeners *bridge.ListenerStorage
	sessions  *session.Manager

	mu       sync.Mutex
	browsers map[model.SessionID]*cdp.Manager
	scripts  map[string]*script.Runtime
	closed   bool
}

// New 创建服务
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		log:      l,
		metrics:  opts.Metrics,
		store:    opts.Store,
		tabs:     tabs.NewRegistry(tabs.NewCodec(cfg.Browser.MajorVersion, cfg.Browser.AppVersion), l),
		engine:   rules.New(l),
		sessions: session.NewManager(l),
		browsers: make(map[model.SessionID]*cdp.Manager),
		scripts:  make(map[string]*script.Runtime),
	}
	s.disp = bridge.New(bridge.Config{Metrics: opts.Metrics, Logger: l})
	ls, err := bridge.NewListenerStorage(s.engine, s.disp, l)
	if err != nil {
		return nil, err
	}
	s.listeners = ls
	if err := bridge.RegisterDeclarative(s.disp, s.engine, s, l); err != nil {
		return nil, err
	}
	return s, nil
}

// StartSession 建立浏览器会话
func (s *Service) StartSession(cfg model.SessionConfig) (model.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if cfg.DevToolsURL == "" {
		cfg.DevToolsURL = s.cfg.Browser.DevToolsURL
	}
	id := model.SessionID(uuid.NewString())

	var rec session.Recorder
	if s.store != nil {
		rec = s.store
	}
	sess := session.New(id, cfg, rec, s.log)
	mgr := cdp.New(cdp.Config{
		DevToolsURL:     cfg.DevToolsURL,
		Session:         id,
		Tabs:            s.tabs,
		Rules:           s.engine,
		Listeners:       s.listeners,
		Events:          sess.Events(),
		Metrics:         s.metrics,
		Logger:          s.log,
		Schemes:         s.cfg.Intercept.Schemes,
		DOMQueryTimeout: s.cfg.DOMQueryTimeout(),
		AllowExtended:   s.cfg.Intercept.AllowExtendedTypes,
	})
	sess.Browser = mgr
	if err := s.sessions.Add(sess); err != nil {
		_ = sess.Close()
		return "", err
	}
	s.browsers[id] = mgr
	return id, nil
}

// StopSession 关闭会话及其全部目标
func (s *Service) StopSession(id model.SessionID) error {
	sess, ok := s.sessions.Delete(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.mu.Lock()
	delete(s.browsers, id)
	s.mu.Unlock()
	return sess.Close()
}

func (s *Service) browser(id model.SessionID) (*cdp.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mgr, ok := s.browsers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return mgr, nil
}

// AttachTarget 附加页面目标；target 为空时选择第一个页面
func (s *Service) AttachTarget(id model.SessionID, target model.TargetID) (model.TargetInfo, error) {
	mgr, err := s.browser(id)
	if err != nil {
		return model.TargetInfo{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), browserTimeout)
	defer cancel()
	return mgr.Attach(ctx, target)
}

// DetachTarget 分离目标
func (s *Service) DetachTarget(id model.SessionID, target model.TargetID) error {
	mgr, err := s.browser(id)
	if err != nil {
		return err
	}
	return mgr.Detach(target)
}

// ListTargets 列出页面目标
func (s *Service) ListTargets(id model.SessionID) ([]model.TargetInfo, error) {
	mgr, err := s.browser(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), browserTimeout)
	defer cancel()
	return mgr.ListTargets(ctx)
}

// LoadRules 编译并注册一组声明式规则；任一条失败则整体回滚
func (s *Service) LoadRules(owner string, raw []byte) ([]model.RuleID, error) {
	compiled, err := rules.Compile(raw, owner)
	if err != nil {
		return nil, err
	}
	ids := make([]model.RuleID, 0, len(compiled))
	for _, r := range compiled {
		id, err := s.engine.Register(r)
		if err != nil {
			for _, done := range ids {
				s.engine.Unregister(done)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	s.log.Info("规则已加载", "owner", owner, "count", len(ids))
	return ids, nil
}

// LoadScript 在新的脚本上下文中执行扩展脚本，owner 同时作为其规则与监听器的归属
func (s *Service) LoadScript(owner, name, src string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.scripts[owner]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrScriptLoaded, owner)
	}
	rt, err := script.New(script.Config{
		Owner:      owner,
		Dispatcher: s.disp,
		Listeners:  s.listeners,
		Rules:      s.engine,
		Logger:     s.log,
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.scripts[owner] = rt
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), browserTimeout)
	defer cancel()
	if err := rt.Run(ctx, name, src); err != nil {
		_ = s.UnloadScript(owner)
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

// UnloadScript 销毁脚本上下文，移除其监听器与规则
func (s *Service) UnloadScript(owner string) error {
	s.mu.Lock()
	rt, ok := s.scripts[owner]
	delete(s.scripts, owner)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrScriptNotFound, owner)
	}
	return rt.Close()
}

// Scripts 已加载的脚本归属
func (s *Service) Scripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.scripts))
	for owner := range s.scripts {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}

// Dispatch 处理一条桥接命令信封，调用方没有脚本上下文
func (s *Service) Dispatch(ctx context.Context, envelope []byte) []byte {
	return s.disp.HandleEnvelope(ctx, envelope)
}

// SubscribeEvents 订阅会话事件
func (s *Service) SubscribeEvents(id model.SessionID) (<-chan model.Event, func(), error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	ch, cancel := sess.Subscribe(256)
	return ch, cancel, nil
}

// RecentEvents 查询已持久化的事件
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.Recent(ctx, limit)
}

// RuleStats 规则统计
func (s *Service) RuleStats() model.EngineStats { return s.engine.Stats() }

// FlushCache 清空所有会话的浏览器缓存
func (s *Service) FlushCache(ctx context.Context) error {
	s.mu.Lock()
	mgrs := make([]*cdp.Manager, 0, len(s.browsers))
	for _, m := range s.browsers {
		mgrs = append(mgrs, m)
	}
	s.mu.Unlock()
	var errs []error
	for _, m := range mgrs {
		if err := m.FlushCache(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 关闭全部会话与脚本上下文
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	owners := make([]string, 0, len(s.scripts))
	for owner := range s.scripts {
		owners = append(owners, owner)
	}
	s.mu.Unlock()

	var errs []error
	for _, sess := range s.sessions.List() {
		if err := s.StopSession(sess.ID); err != nil {
			errs = append(errs, err)
		}
	}
	for _, owner := range owners {
		if err := s.UnloadScript(owner); err != nil && !errors.Is(err, ErrScriptNotFound) {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
