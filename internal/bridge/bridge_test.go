package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cdpwebreq/internal/metrics"
	"cdpwebreq/internal/rules"
	"cdpwebreq/pkg/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted 按回调标识返回预设结果的 Invoker
type scripted struct {
	d       *Dispatcher
	mu      sync.Mutex
	answers map[string]func(payload json.RawMessage) (json.RawMessage, error)
	calls   []string
	silent  bool
	wg      sync.WaitGroup
}

func newScripted(d *Dispatcher) *scripted {
	return &scripted{d: d, answers: map[string]func(json.RawMessage) (json.RawMessage, error){}}
}

func (s *scripted) Invoke(callbackID, replyID string, payload json.RawMessage) {
	s.mu.Lock()
	s.calls = append(s.calls, callbackID)
	fn := s.answers[callbackID]
	silent := s.silent
	s.mu.Unlock()
	if replyID == "" || silent {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var (
			res json.RawMessage
			err error
		)
		if fn != nil {
			res, err = fn(payload)
		}
		_ = s.d.Reply(replyID, res, err)
	}()
}

func (s *scripted) answer(id string, fn func(json.RawMessage) (json.RawMessage, error)) {
	s.mu.Lock()
	s.answers[id] = fn
	s.mu.Unlock()
}

func (s *scripted) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func fixed(v string) func(json.RawMessage) (json.RawMessage, error) {
	return func(json.RawMessage) (json.RawMessage, error) { return json.RawMessage(v), nil }
}

func failing(msg string) func(json.RawMessage) (json.RawMessage, error) {
	return func(json.RawMessage) (json.RawMessage, error) { return nil, errors.New(msg) }
}

func TestDispatchOverloads(t *testing.T) {
	d := New(Config{})
	require.NoError(t, d.Register("echo", Sig(String), func(_ context.Context, a Args) (any, error) {
		return "s:" + a.String(0), nil
	}))
	require.NoError(t, d.Register("echo", Sig(Uint, Bool), func(_ context.Context, a Args) (any, error) {
		return a.Uint(0), nil
	}))

	res, err := d.Dispatch(context.Background(), "echo", json.RawMessage(`["x"]`))
	require.NoError(t, err)
	assert.Equal(t, "s:x", res)

	res, err = d.Dispatch(context.Background(), "echo", json.RawMessage(`[7, true]`))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), res)

	_, err = d.Dispatch(context.Background(), "echo", json.RawMessage(`[1.5, true]`))
	assert.ErrorIs(t, err, ErrParametersDidNotMatch)

	_, err = d.Dispatch(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestRegisterRejectsAmbiguousOverload(t *testing.T) {
	d := New(Config{})
	noop := func(context.Context, Args) (any, error) { return nil, nil }
	require.NoError(t, d.Register("cmd", Sig(String, Number), noop))

	err := d.Register("cmd", Sig(String, Uint), noop)
	assert.ErrorIs(t, err, ErrAmbiguousOverload)

	err = d.Register("cmd", Sig(Any, Bool), noop)
	assert.NoError(t, err)

	err = d.Register("cmd", Sig(Optional(String), Bool), noop)
	assert.ErrorIs(t, err, ErrAmbiguousOverload)
}

func TestOptionalAndArrayParams(t *testing.T) {
	p := Optional(ArrayOf(String))
	assert.True(t, p.accepts(gjson.Parse(`null`)))
	assert.True(t, p.accepts(gjson.Parse(`["a","b"]`)))
	assert.False(t, p.accepts(gjson.Parse(`["a",1]`)))
	assert.False(t, String.accepts(gjson.Parse(`null`)))
	assert.True(t, Uint.accepts(gjson.Parse(`3`)))
	assert.False(t, Uint.accepts(gjson.Parse(`-3`)))
}

func TestHandleEnvelope(t *testing.T) {
	d := New(Config{})
	d.MustRegister("sum", Sig(Number, Number), func(_ context.Context, a Args) (any, error) {
		return a.At(0).Float() + a.At(1).Float(), nil
	})
	d.MustRegister("boom", Sig(), func(context.Context, Args) (any, error) { panic("bad") })

	out := d.HandleEnvelope(context.Background(), []byte(`{"name":"sum","args":[1,2]}`))
	assert.Equal(t, 3.0, gjson.GetBytes(out, "result").Float())

	out = d.HandleEnvelope(context.Background(), []byte(`{"name":"nope","args":[]}`))
	assert.Equal(t, "CommandNotFound", gjson.GetBytes(out, "error.code").String())

	out = d.HandleEnvelope(context.Background(), []byte(`{"name":"sum","args":["a"]}`))
	assert.Equal(t, "CommandParametersDidNotMatch", gjson.GetBytes(out, "error.code").String())

	out = d.HandleEnvelope(context.Background(), []byte(`{"name":"boom"}`))
	assert.Equal(t, "CommandFailed", gjson.GetBytes(out, "error.code").String())
}

func TestCallAllSucceedsWhenAnySucceeds(t *testing.T) {
	m := metrics.New()
	d := New(Config{Metrics: m})
	inv := newScripted(d)
	inv.answer("a", failing("a broke"))
	inv.answer("b", fixed(`{"cancel":true}`))

	results, err := d.CallAll(context.Background(), []Callback{{ID: "a", Invoker: inv}, {ID: "b", Invoker: inv}}, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.EqualError(t, results[0].Err, "a broke")
	assert.JSONEq(t, `{"cancel":true}`, string(results[1].Value))
	assert.Equal(t, 0, d.PendingCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Pending))
	inv.wg.Wait()
}

func TestCallAllAggregatesFailures(t *testing.T) {
	d := New(Config{})
	inv := newScripted(d)
	inv.answer("a", failing("first"))
	inv.answer("b", failing("second"))

	_, err := d.CallAll(context.Background(), []Callback{{ID: "a", Invoker: inv}, {ID: "b", Invoker: inv}}, nil)
	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Errs, 2)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "second")
	inv.wg.Wait()
}

func TestReplyUnknownCallback(t *testing.T) {
	d := New(Config{})
	err := d.Reply("nope", nil, nil)
	assert.ErrorIs(t, err, ErrCallbackNotFound)
}

func TestDiscardOnTeardown(t *testing.T) {
	d := New(Config{})
	inv := newScripted(d)
	inv.silent = true

	errc := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), Callback{ID: "x", Invoker: inv}, nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, d.Discard(inv, nil))
	assert.ErrorIs(t, <-errc, ErrContextTornDown)
	assert.Equal(t, 0, d.PendingCount())
}

func TestCallCancelledContextDropsContinuation(t *testing.T) {
	d := New(Config{})
	inv := newScripted(d)
	inv.silent = true

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.Call(ctx, Callback{ID: "x", Invoker: inv}, nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, d.PendingCount())
}

func newStack(t *testing.T) (*Dispatcher, *rules.Engine, *ListenerStorage) {
	t.Helper()
	d := New(Config{})
	e := rules.New(nil)
	s, err := NewListenerStorage(e, d, nil)
	require.NoError(t, err)
	require.NoError(t, RegisterDeclarative(d, e, nil, nil))
	return d, e, s
}

func TestListenerBecomesRule(t *testing.T) {
	d, e, s := newStack(t)
	inv := newScripted(d)
	inv.answer("cb1", fixed(`{"cancel":true}`))
	ctx := WithCaller(context.Background(), Caller{Owner: "ext", Invoker: inv})

	params := `{"filter":{"urls":["*://*.doubleclick.net/*"],"types":["image"]},"extraInfo":["blocking"]}`
	_, err := d.Dispatch(ctx, CmdListenerAdd, json.RawMessage(`["webRequest.onBeforeRequest",`+params+`,"cb1"]`))
	require.NoError(t, err)
	assert.True(t, s.Has("cb1"))

	hit := &model.Details{Stage: model.StageBeforeRequest, URL: "https://ad.doubleclick.net/x.gif", ResourceType: model.ResourceImage}
	assert.True(t, e.Evaluate(context.Background(), hit).Cancel)

	miss := &model.Details{Stage: model.StageBeforeRequest, URL: "https://ad.doubleclick.net/x.js", ResourceType: model.ResourceScript}
	assert.False(t, e.Evaluate(context.Background(), miss).Cancel)

	_, err = d.Dispatch(ctx, CmdListenerRemove, json.RawMessage(`["cb1"]`))
	require.NoError(t, err)
	assert.False(t, s.Has("cb1"))
	assert.True(t, e.Evaluate(context.Background(), hit).IsZero())
	inv.wg.Wait()
}

func TestListenerRequiresCaller(t *testing.T) {
	d, _, _ := newStack(t)
	_, err := d.Dispatch(context.Background(), CmdListenerAdd, json.RawMessage(`["webRequest.onBeforeRequest",{},"cb"]`))
	assert.ErrorIs(t, err, ErrNoCaller)
}

func TestListenerRejectsUnknownEventAndGlob(t *testing.T) {
	d, _, _ := newStack(t)
	inv := newScripted(d)
	ctx := WithCaller(context.Background(), Caller{Owner: "ext", Invoker: inv})

	_, err := d.Dispatch(ctx, CmdListenerAdd, json.RawMessage(`["webRequest.onFoo",{},"cb"]`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = d.Dispatch(ctx, CmdListenerAdd, json.RawMessage(`["webRequest.onBeforeRequest",{"filter":{"urls":["bad glob"]}},"cb"]`))
	assert.ErrorIs(t, err, rules.ErrInvalidGlob)
}

func TestNonBlockingListenerIsNotified(t *testing.T) {
	d, e, _ := newStack(t)
	inv := newScripted(d)
	ctx := WithCaller(context.Background(), Caller{Owner: "ext", Invoker: inv})
	_, err := d.Dispatch(ctx, CmdListenerAdd, json.RawMessage(`["webRequest.onBeforeSendHeaders",{},"cb"]`))
	require.NoError(t, err)

	res := e.Evaluate(context.Background(), &model.Details{Stage: model.StageBeforeSendHeaders, URL: "https://a.test/"})
	assert.True(t, res.IsZero())
	assert.Equal(t, 1, inv.callCount())
	assert.Equal(t, 0, d.PendingCount())
}

func TestBlockingResultRestrictedToStage(t *testing.T) {
	d, e, _ := newStack(t)
	inv := newScripted(d)
	inv.answer("cb", fixed(`{"redirectUrl":"https://b.test/","requestHeaders":[{"name":"X-A","value":"1"}]}`))
	ctx := WithCaller(context.Background(), Caller{Owner: "ext", Invoker: inv})
	_, err := d.Dispatch(ctx, CmdListenerAdd, json.RawMessage(`["webRequest.onBeforeSendHeaders",{"extraInfo":["blocking","requestHeaders"]},"cb"]`))
	require.NoError(t, err)

	res := e.Evaluate(context.Background(), &model.Details{Stage: model.StageBeforeSendHeaders, URL: "https://a.test/"})
	assert.Empty(t, res.RedirectURL)
	assert.Equal(t, "1", res.RequestHeaders.Get("x-a"))
	inv.wg.Wait()
}

func TestFailingListenerIsIsolated(t *testing.T) {
	d, e, _ := newStack(t)
	inv := newScripted(d)
	inv.answer("bad", failing("listener threw"))
	inv.answer("good", fixed(`{"cancel":true}`))
	ctx := WithCaller(context.Background(), Caller{Owner: "ext", Invoker: inv})
	for _, id := range []string{"bad", "good"} {
		_, err := d.Dispatch(ctx, CmdListenerAdd, json.RawMessage(`["webRequest.onBeforeRequest",{"extraInfo":["blocking"]},"`+id+`"]`))
		require.NoError(t, err)
	}
	res := e.Evaluate(context.Background(), &model.Details{Stage: model.StageBeforeRequest, URL: "https://a.test/"})
	assert.True(t, res.Cancel)
	inv.wg.Wait()
}

func TestBroadcastNavigationFilters(t *testing.T) {
	d, _, s := newStack(t)
	inv := newScripted(d)
	inv.answer("nav-all", fixed(`1`))
	inv.answer("nav-example", fixed(`2`))
	ctx := WithCaller(context.Background(), Caller{Owner: "ext", Invoker: inv})
	_, err := d.Dispatch(ctx, CmdListenerAdd, json.RawMessage(`["webNavigation.onCommitted",{},"nav-all"]`))
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, CmdListenerAdd, json.RawMessage(`["webNavigation.onCommitted",{"filter":{"url":[{"hostSuffix":"example.com"}]}},"nav-example"]`))
	require.NoError(t, err)

	results, err := s.Broadcast(context.Background(), EventNavigationCommitted, 1, "https://www.example.com/", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = s.Broadcast(context.Background(), EventNavigationCommitted, 1, "https://other.test/", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "nav-all", results[0].Callback)
	inv.wg.Wait()
}

func TestRemoveOwnerPurgesRules(t *testing.T) {
	d, e, s := newStack(t)
	inv := newScripted(d)
	ctx := WithCaller(context.Background(), Caller{Owner: "ext", Invoker: inv})
	_, err := d.Dispatch(ctx, CmdListenerAdd, json.RawMessage(`["webRequest.onBeforeRequest",{},"cb"]`))
	require.NoError(t, err)
	require.Len(t, e.RuleIDs("ext"), 1)

	assert.Equal(t, 1, s.RemoveOwner("ext"))
	assert.Empty(t, e.RuleIDs("ext"))
}

func TestDeclarativeAddAndRemoveRules(t *testing.T) {
	d, e, _ := newStack(t)
	inv := newScripted(d)
	ctx := WithCaller(context.Background(), Caller{Owner: "ext", Invoker: inv})

	rule := `{"id":"block-ads","conditions":[{"instanceType":"declarativeWebRequest.RequestMatcher","url":{"hostSuffix":"ads.test"}}],"actions":[{"instanceType":"declarativeWebRequest.CancelRequest"}]}`
	res, err := d.Dispatch(ctx, CmdAddRules, json.RawMessage(`["declarativeWebRequest.onRequest",[`+rule+`]]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"block-ads"}, res)

	blocked := e.Evaluate(context.Background(), &model.Details{Stage: model.StageBeforeRequest, URL: "https://x.ads.test/a"})
	assert.True(t, blocked.Cancel)

	n, err := d.Dispatch(ctx, CmdRemoveRules, json.RawMessage(`["declarativeWebRequest.onRequest",["block-ads"]]`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, e.RuleIDs("ext"))

	_, err = d.Dispatch(ctx, CmdAddRules, json.RawMessage(`["declarativeWebRequest.onRequest",[`+rule+`]]`))
	require.NoError(t, err)
	n, err = d.Dispatch(ctx, CmdRemoveRules, json.RawMessage(`["declarativeWebRequest.onRequest"]`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemoveRulesKeepsListenerRules(t *testing.T) {
	d, e, s := newStack(t)
	inv := newScripted(d)
	inv.answer("cb", fixed(`{"cancel":true}`))
	ctx := WithCaller(context.Background(), Caller{Owner: "ext", Invoker: inv})

	_, err := d.Dispatch(ctx, CmdListenerAdd, json.RawMessage(`["webRequest.onBeforeRequest",{"filter":{"urls":["<all_urls>"]},"extraInfo":["blocking"]},"cb"]`))
	require.NoError(t, err)
	rule := `{"id":"strip","conditions":[{"instanceType":"declarativeWebRequest.RequestMatcher","url":{"hostSuffix":"other.test"}}],"actions":[{"instanceType":"declarativeWebRequest.CancelRequest"}]}`
	_, err = d.Dispatch(ctx, CmdAddRules, json.RawMessage(`["declarativeWebRequest.onRequest",[`+rule+`]]`))
	require.NoError(t, err)
	require.Len(t, e.RuleIDs("ext"), 2)

	// 监听器的规则标识不能经由 removeRules 删除
	n, err := d.Dispatch(ctx, CmdRemoveRules, json.RawMessage(`["declarativeWebRequest.onRequest",["listener-cb"]]`))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = d.Dispatch(ctx, CmdRemoveRules, json.RawMessage(`["declarativeWebRequest.onRequest"]`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []model.RuleID{"listener-cb"}, e.RuleIDs("ext"))

	assert.True(t, s.Has("cb"))
	res := e.Evaluate(context.Background(), &model.Details{Stage: model.StageBeforeRequest, URL: "https://site.test/a.js"})
	assert.True(t, res.Cancel)
	inv.wg.Wait()
}

func TestDeclarativeRejectsMalformedRule(t *testing.T) {
	d, e, _ := newStack(t)
	inv := newScripted(d)
	ctx := WithCaller(context.Background(), Caller{Owner: "ext", Invoker: inv})
	bad := `{"conditions":[{"instanceType":"declarativeWebRequest.RequestMatcher"}],"actions":[{"instanceType":"declarativeWebRequest.RedirectRequest"}]}`
	_, err := d.Dispatch(ctx, CmdAddRules, json.RawMessage(`["declarativeWebRequest.onRequest",[`+bad+`]]`))
	assert.ErrorIs(t, err, rules.ErrInvalidAction)
	assert.Empty(t, e.RuleIDs(""))
}

type flushRecorder struct{ n int }

func (f *flushRecorder) FlushCache(context.Context) error {
	f.n++
	return nil
}

func TestHandlerBehaviorChangedFlushes(t *testing.T) {
	d := New(Config{})
	f := &flushRecorder{}
	require.NoError(t, RegisterDeclarative(d, rules.New(nil), f, nil))
	_, err := d.Dispatch(context.Background(), CmdHandlerBehaviorChanged, json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Equal(t, 1, f.n)
}
