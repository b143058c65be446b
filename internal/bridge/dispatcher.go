// Package bridge 在原生层与脚本上下文之间分发命令、回调与监听器事件。
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cdpwebreq/internal/logger"
	"cdpwebreq/internal/metrics"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	ErrCommandNotFound        = errors.New("command not found")
	ErrParametersDidNotMatch  = errors.New("command parameters did not match")
	ErrAmbiguousOverload      = errors.New("ambiguous command overload")
	ErrCallbackNotFound       = errors.New("callback not found")
	ErrContextTornDown        = errors.New("context torn down")
	ErrCompletionNotFulfilled = errors.New("completion not fulfilled")
	ErrNoCaller               = errors.New("command requires a calling context")
)

// HandlerFunc 命令处理函数；返回值会被序列化为 JSON
type HandlerFunc func(ctx context.Context, args Args) (any, error)

type handler struct {
	sig Signature
	fn  HandlerFunc
}

// Dispatcher 命令分发器，同名命令可按参数列表重载
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]handler
	pending  *pendingStore
	metrics  *metrics.Metrics
	log      logger.Logger
}

// Config 分发器依赖
type Config struct {
	Metrics *metrics.Metrics
	Logger  logger.Logger
}

// New 创建分发器
func New(cfg Config) *Dispatcher {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[string][]handler),
		pending:  newPendingStore(),
		metrics:  cfg.Metrics,
		log:      l,
	}
}

// Register 注册命令处理函数；与已有重载无法区分时拒绝
func (d *Dispatcher) Register(name string, sig Signature, fn HandlerFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("register %q: name and handler required", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range d.handlers[name] {
		if h.sig.ambiguous(sig) {
			return fmt.Errorf("%w: %s%s conflicts with %s%s", ErrAmbiguousOverload, name, sig, name, h.sig)
		}
	}
	d.handlers[name] = append(d.handlers[name], handler{sig: sig, fn: fn})
	d.log.Debug("注册桥接命令", "command", name, "signature", sig.String())
	return nil
}

// MustRegister 同 Register，失败时 panic，用于内置命令
func (d *Dispatcher) MustRegister(name string, sig Signature, fn HandlerFunc) {
	if err := d.Register(name, sig, fn); err != nil {
		panic(err)
	}
}

// Commands 返回已注册的命令名
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

// Dispatch 按名称与参数选择处理函数并执行；args 为 JSON 数组
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	d.mu.RLock()
	hs := d.handlers[name]
	d.mu.RUnlock()
	if len(hs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}

	var items []gjson.Result
	if len(args) > 0 {
		if !gjson.ValidBytes(args) {
			return nil, fmt.Errorf("%w: %s: invalid json", ErrParametersDidNotMatch, name)
		}
		root := gjson.ParseBytes(args)
		if !root.IsArray() {
			return nil, fmt.Errorf("%w: %s: arguments must be an array", ErrParametersDidNotMatch, name)
		}
		items = root.Array()
	}
	for _, h := range hs {
		if h.sig.match(items) {
			return d.invoke(ctx, name, h, Args{items: items})
		}
	}
	return nil, fmt.Errorf("%w: %s with %d argument(s)", ErrParametersDidNotMatch, name, len(items))
}

func (d *Dispatcher) invoke(ctx context.Context, name string, h handler, args Args) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s panicked: %v", name, r)
			d.log.Error("桥接命令异常", "command", name, "panic", fmt.Sprint(r))
		}
	}()
	return h.fn(ctx, args)
}

// ErrorCode 返回错误在信封中的错误码
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrCommandNotFound):
		return "CommandNotFound"
	case errors.Is(err, ErrParametersDidNotMatch):
		return "CommandParametersDidNotMatch"
	case errors.Is(err, ErrCallbackNotFound):
		return "CallbackNotFound"
	case errors.Is(err, ErrContextTornDown):
		return "ContextTornDown"
	default:
		return "CommandFailed"
	}
}

// HandleEnvelope 处理 {"name":..., "args":[...]} 信封，返回 {"result":...} 或 {"error":{...}}
func (d *Dispatcher) HandleEnvelope(ctx context.Context, raw []byte) []byte {
	if !gjson.ValidBytes(raw) {
		return errorEnvelope(fmt.Errorf("%w: invalid envelope", ErrParametersDidNotMatch))
	}
	env := gjson.ParseBytes(raw)
	name := env.Get("name").String()
	var args json.RawMessage
	if a := env.Get("args"); a.Exists() {
		args = json.RawMessage(a.Raw)
	}
	res, err := d.Dispatch(ctx, name, args)
	if err != nil {
		d.log.Warn("桥接命令失败", "command", name, "error", err.Error())
		return errorEnvelope(err)
	}
	var out []byte
	if raw, ok := res.(json.RawMessage); ok && len(raw) > 0 {
		out, err = sjson.SetRawBytes([]byte(`{}`), "result", raw)
	} else {
		out, err = sjson.SetBytes([]byte(`{}`), "result", res)
	}
	if err != nil {
		return errorEnvelope(err)
	}
	return out
}

func errorEnvelope(err error) []byte {
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "error.code", ErrorCode(err))
	out, _ = sjson.SetBytes(out, "error.message", err.Error())
	return out
}
