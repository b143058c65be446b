package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Invoker 外部脚本/工作者上下文。Invoke 不得阻塞；
// replyID 非空时实现方必须通过 Dispatcher.Reply 恰好应答一次。
type Invoker interface {
	Invoke(callbackID, replyID string, payload json.RawMessage)
}

// Callback 某个上下文中注册的回调
type Callback struct {
	ID      string
	Invoker Invoker
}

// Result 单个回调的结果
type Result struct {
	Callback string
	Value    json.RawMessage
	Err      error
}

// AggregateError 所有回调均失败时返回，逐一保留失败原因
type AggregateError struct {
	Errs []error
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("all %d callback(s) failed: %v", len(e.Errs), errors.Join(e.Errs...))
}

func (e *AggregateError) Unwrap() []error { return e.Errs }

type continuation struct {
	owner   Invoker
	deliver func(json.RawMessage, error)
}

// pendingStore 以随机标识保存等待应答的续延，取出即删除
type pendingStore struct {
	mu sync.Mutex
	m  map[string]continuation
}

func newPendingStore() *pendingStore {
	return &pendingStore{m: make(map[string]continuation)}
}

func (p *pendingStore) put(c continuation) string {
	id := uuid.NewString()
	p.mu.Lock()
	p.m[id] = c
	p.mu.Unlock()
	return id
}

func (p *pendingStore) take(id string) (continuation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	return c, ok
}

func (p *pendingStore) takeOwned(owner Invoker) []continuation {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []continuation
	for id, c := range p.m {
		if c.owner == owner {
			out = append(out, c)
			delete(p.m, id)
		}
	}
	return out
}

func (p *pendingStore) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// aggregate 收集一次一对多调用的结果，全部到齐时关闭 done
type aggregate struct {
	mu        sync.Mutex
	results   []Result
	remaining int
	done      chan struct{}
}

func newAggregate(cbs []Callback) *aggregate {
	a := &aggregate{
		results:   make([]Result, len(cbs)),
		remaining: len(cbs),
		done:      make(chan struct{}),
	}
	for i, cb := range cbs {
		a.results[i] = Result{Callback: cb.ID, Err: ErrCompletionNotFulfilled}
	}
	return a
}

func (a *aggregate) set(i int, v json.RawMessage, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[i].Value = v
	a.results[i].Err = err
	a.remaining--
	if a.remaining == 0 {
		close(a.done)
	}
}

func (a *aggregate) outcome() ([]Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]Result(nil), a.results...)
	var errs []error
	for _, r := range out {
		if r.Err == nil {
			return out, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.Callback, r.Err))
	}
	return out, &AggregateError{Errs: errs}
}

// CallAll 向多个回调发出同一载荷并等待全部结果。
// 至少一个成功即整体成功；否则返回 *AggregateError。ctx 结束时丢弃未应答的续延。
func (d *Dispatcher) CallAll(ctx context.Context, cbs []Callback, payload json.RawMessage) ([]Result, error) {
	if len(cbs) == 0 {
		return nil, nil
	}
	agg := newAggregate(cbs)
	ids := make([]string, len(cbs))
	for i, cb := range cbs {
		i := i
		ids[i] = d.pending.put(continuation{
			owner:   cb.Invoker,
			deliver: func(v json.RawMessage, err error) { agg.set(i, v, err) },
		})
	}
	d.metrics.AddPending(float64(len(cbs)))
	for i, cb := range cbs {
		cb.Invoker.Invoke(cb.ID, ids[i], payload)
	}

	select {
	case <-agg.done:
	case <-ctx.Done():
		for _, id := range ids {
			if c, ok := d.pending.take(id); ok {
				d.metrics.AddPending(-1)
				c.deliver(nil, ctx.Err())
			}
		}
		<-agg.done
	}

	results, err := agg.outcome()
	for _, r := range results {
		if r.Err != nil {
			d.metrics.ObserveListenerCall("error")
		} else {
			d.metrics.ObserveListenerCall("ok")
		}
	}
	return results, err
}

// Call 调用单个回调并返回其结果
func (d *Dispatcher) Call(ctx context.Context, cb Callback, payload json.RawMessage) (json.RawMessage, error) {
	results, err := d.CallAll(ctx, []Callback{cb}, payload)
	if err != nil {
		return nil, results[0].Err
	}
	return results[0].Value, nil
}

// Notify 发出不需要应答的回调
func (d *Dispatcher) Notify(cb Callback, payload json.RawMessage) {
	cb.Invoker.Invoke(cb.ID, "", payload)
	d.metrics.ObserveListenerCall("notify")
}

// Reply 上下文交回某次回调的结果；未知标识返回 ErrCallbackNotFound
func (d *Dispatcher) Reply(replyID string, result json.RawMessage, err error) error {
	c, ok := d.pending.take(replyID)
	if !ok {
		d.log.Warn("回调续延不存在", "replyId", replyID)
		return fmt.Errorf("%w: %s", ErrCallbackNotFound, replyID)
	}
	d.metrics.AddPending(-1)
	c.deliver(result, err)
	return nil
}

// Discard 上下文销毁时以 cause 结束其全部未应答的续延
func (d *Dispatcher) Discard(owner Invoker, cause error) int {
	if cause == nil {
		cause = ErrContextTornDown
	}
	cs := d.pending.takeOwned(owner)
	for _, c := range cs {
		c.deliver(nil, cause)
	}
	if len(cs) > 0 {
		d.metrics.AddPending(-float64(len(cs)))
		d.log.Info("丢弃上下文的未决回调", "count", len(cs))
	}
	return len(cs)
}

// PendingCount 未应答的续延数量
func (d *Dispatcher) PendingCount() int { return d.pending.len() }
