// Package script 在 goja 虚拟机中运行扩展脚本，脚本通过 chrome.* 接口注册监听器与声明式规则。
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cdpwebreq/internal/bridge"
	"cdpwebreq/internal/logger"

	"github.com/dop251/goja"
)

var ErrClosed = errors.New("script runtime closed")

// OwnerCleaner 上下文销毁时清理其监听器
type OwnerCleaner interface {
	RemoveOwner(owner string) int
}

// RuleCleaner 上下文销毁时清理其规则
type RuleCleaner interface {
	RemoveByOwner(owner string) int
}

// Config 运行时依赖
type Config struct {
	Owner      string
	Dispatcher *bridge.Dispatcher
	Listeners  OwnerCleaner
	Rules      RuleCleaner
	Timeout    time.Duration // 单个任务的执行上限，0 表示不限
	Logger     logger.Logger
}

type job struct {
	run    func()
	cancel func(error)
}

// Runtime 单个脚本上下文。虚拟机只在循环 goroutine 上访问，其余调用均以任务形式排队。
type Runtime struct {
	owner   string
	vm      *goja.Runtime
	disp    *bridge.Dispatcher
	cfg     Config
	log     logger.Logger
	invoke  goja.Callable
	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	pending []job
	closed  bool
	wake    chan struct{}

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New 创建运行时并启动任务循环
func New(cfg Config) (*Runtime, error) {
	if cfg.Owner == "" || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("script runtime: owner and dispatcher required")
	}
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	r := &Runtime{
		owner:   cfg.Owner,
		vm:      goja.New(),
		disp:    cfg.Dispatcher,
		cfg:     cfg,
		log:     l.With("script", cfg.Owner),
		baseCtx: ctx,
		stop:    stop,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := r.setupGlobals(); err != nil {
		stop()
		return nil, err
	}
	go r.loop()
	return r, nil
}

// Owner 运行时的所有者标识
func (r *Runtime) Owner() string { return r.owner }

func (r *Runtime) setupGlobals() error {
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := r.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}
	console := r.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(level, r.consoleFunc(level)); err != nil {
			return err
		}
	}
	if err := r.vm.Set("console", console); err != nil {
		return err
	}
	if err := r.vm.Set("__owner", r.owner); err != nil {
		return err
	}
	if err := r.vm.Set("__native", r.native); err != nil {
		return err
	}
	if _, err := r.vm.RunScript("shim.js", shimSource); err != nil {
		return fmt.Errorf("install shim: %w", err)
	}
	fn, ok := goja.AssertFunction(r.vm.Get("__invoke"))
	if !ok {
		return fmt.Errorf("install shim: __invoke missing")
	}
	r.invoke = fn
	return nil
}

func (r *Runtime) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		msg := strings.Join(parts, " ")
		switch level {
		case "warn":
			r.log.Warn("脚本输出", "msg", msg)
		case "error":
			r.log.Error("脚本输出", "msg", msg)
		default:
			r.log.Info("脚本输出", "msg", msg)
		}
		return goja.Undefined()
	}
}

// native 脚本命令入口：接收并返回 {"name","args"} / {"result"|"error"} 信封
func (r *Runtime) native(call goja.FunctionCall) goja.Value {
	ctx := bridge.WithCaller(r.baseCtx, bridge.Caller{Owner: r.owner, Invoker: r})
	out := r.disp.HandleEnvelope(ctx, []byte(call.Argument(0).String()))
	return r.vm.ToValue(string(out))
}

func (r *Runtime) enqueue(j job) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.pending = append(r.pending, j)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *Runtime) next() (job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return job{}, false
	}
	j := r.pending[0]
	r.pending = r.pending[1:]
	return j, true
}

func (r *Runtime) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			return
		case <-r.wake:
		}
		for {
			select {
			case <-r.quit:
				return
			default:
			}
			j, ok := r.next()
			if !ok {
				break
			}
			j.run()
		}
	}
}

// guard 在任务执行期间施加超时中断
func (r *Runtime) guard() func() {
	if r.cfg.Timeout <= 0 {
		return func() {}
	}
	t := time.AfterFunc(r.cfg.Timeout, func() { r.vm.Interrupt("script timeout exceeded") })
	return func() {
		t.Stop()
		r.vm.ClearInterrupt()
	}
}

// Run 在循环中执行脚本源码并等待完成
func (r *Runtime) Run(ctx context.Context, name, src string) error {
	errc := make(chan error, 1)
	ok := r.enqueue(job{
		run: func() {
			release := r.guard()
			defer release()
			_, err := r.vm.RunScript(name, src)
			errc <- err
		},
		cancel: func(err error) { errc <- err },
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-errc:
		if err != nil {
			r.log.Err(err, "脚本执行失败", "name", name)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke 实现 bridge.Invoker：排队执行回调，replyID 非空时交回结果
func (r *Runtime) Invoke(callbackID, replyID string, payload json.RawMessage) {
	ok := r.enqueue(job{
		run:    func() { r.runCallback(callbackID, replyID, payload) },
		cancel: func(err error) { r.reply(replyID, nil, err) },
	})
	if !ok {
		r.reply(replyID, nil, bridge.ErrContextTornDown)
	}
}

func (r *Runtime) runCallback(callbackID, replyID string, payload json.RawMessage) {
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}
	release := r.guard()
	v, err := r.invoke(goja.Undefined(), r.vm.ToValue(callbackID), r.vm.ToValue(string(payload)))
	release()
	if err != nil {
		r.log.Warn("脚本回调失败", "callback", callbackID, "error", err.Error())
		r.reply(replyID, nil, err)
		return
	}
	r.reply(replyID, json.RawMessage(v.String()), nil)
}

func (r *Runtime) reply(replyID string, res json.RawMessage, err error) {
	if replyID == "" {
		return
	}
	if rerr := r.disp.Reply(replyID, res, err); rerr != nil {
		r.log.Debug("回调应答被丢弃", "replyId", replyID)
	}
}

// Close 停止循环，以 ErrContextTornDown 结束排队与未应答的调用，并清理该上下文注册的监听器与规则
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		queued := r.pending
		r.pending = nil
		r.mu.Unlock()

		r.vm.Interrupt(bridge.ErrContextTornDown.Error())
		r.stop()
		close(r.quit)
		<-r.done

		for _, j := range queued {
			j.cancel(bridge.ErrContextTornDown)
		}
		discarded := r.disp.Discard(r, bridge.ErrContextTornDown)
		var listeners, rules int
		if r.cfg.Listeners != nil {
			listeners = r.cfg.Listeners.RemoveOwner(r.owner)
		}
		if r.cfg.Rules != nil {
			rules = r.cfg.Rules.RemoveByOwner(r.owner)
		}
		r.log.Info("脚本上下文已销毁", "discarded", discarded, "listeners", listeners, "rules", rules)
	})
	return nil
}
