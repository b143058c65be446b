package bridge

import "context"

type callerKey struct{}

// Caller 发起命令的脚本上下文
type Caller struct {
	Owner   string
	Invoker Invoker
}

// WithCaller 将调用方写入 ctx
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom 读取调用方
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok && c.Invoker != nil
}
