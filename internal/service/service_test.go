package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cdpwebreq/internal/config"
	"cdpwebreq/internal/rules"
	"cdpwebreq/internal/storage"
	"cdpwebreq/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const blockAds = `[
  {"id": "block-ads",
   "conditions": [{"instanceType": "declarativeWebRequest.RequestMatcher", "url": {"hostSuffix": "ads.test"}}],
   "actions": [{"instanceType": "declarativeWebRequest.CancelRequest"}]}
]`

func newService(t *testing.T, store *storage.Store) *Service {
	t.Helper()
	s, err := New(Options{Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadRules(t *testing.T) {
	s := newService(t, nil)

	ids, err := s.LoadRules("static", []byte(blockAds))
	require.NoError(t, err)
	assert.Equal(t, []model.RuleID{"block-ads"}, ids)
	assert.Equal(t, 1, s.RuleStats().Rules)

	res := s.engine.Evaluate(context.Background(), &model.Details{Stage: model.StageBeforeRequest, URL: "https://cdn.ads.test/x.js"})
	assert.True(t, res.Cancel)

	// 同批次中任一条失败则已注册的规则回滚
	_, err = s.LoadRules("static", []byte(`[
	  {"id": "fresh", "actions": [{"instanceType": "declarativeWebRequest.CancelRequest"}]},
	  {"id": "block-ads", "actions": [{"instanceType": "declarativeWebRequest.CancelRequest"}]}
	]`))
	require.ErrorIs(t, err, rules.ErrDuplicateRule)
	assert.Equal(t, 1, s.RuleStats().Rules)

	_, err = s.LoadRules("static", []byte(`{`))
	assert.Error(t, err)
}

func TestScriptLifecycle(t *testing.T) {
	s := newService(t, nil)
	src := `
		chrome.webRequest.onBeforeRequest.addListener(function () {
			return { cancel: true };
		}, { urls: ['*://*.tracker.test/*'] }, ['blocking']);
	`
	require.NoError(t, s.LoadScript("ext-1", "ext.js", src))
	assert.ErrorIs(t, s.LoadScript("ext-1", "ext.js", src), ErrScriptLoaded)
	assert.Equal(t, []string{"ext-1"}, s.Scripts())
	assert.Len(t, s.listeners.Listeners("webRequest.onBeforeRequest"), 1)
	assert.Equal(t, 1, s.RuleStats().Rules)

	require.NoError(t, s.UnloadScript("ext-1"))
	assert.Empty(t, s.listeners.Listeners(""))
	assert.Equal(t, 0, s.RuleStats().Rules)
	assert.ErrorIs(t, s.UnloadScript("ext-1"), ErrScriptNotFound)

	err := s.LoadScript("ext-2", "broken.js", `throw new Error("nope")`)
	require.Error(t, err)
	assert.Empty(t, s.Scripts())
}

func TestDispatchWithoutCaller(t *testing.T) {
	s := newService(t, nil)
	ctx := context.Background()

	out := s.Dispatch(ctx, []byte(`{"name":"webRequest.handlerBehaviorChanged","args":[]}`))
	assert.False(t, gjson.GetBytes(out, "error").Exists(), string(out))

	out = s.Dispatch(ctx, []byte(`{"name":"declarativeWebRequest.addRules","args":["onRequest",[]]}`))
	assert.True(t, gjson.GetBytes(out, "error").Exists())

	out = s.Dispatch(ctx, []byte(`{"name":"nope","args":[]}`))
	assert.Equal(t, "CommandNotFound", gjson.GetBytes(out, "error.code").String())
}

func TestSessionLifecycle(t *testing.T) {
	st, err := storage.Open(config.SqliteConfig{Dsn: filepath.Join(t.TempDir(), "events.db"), Prefix: "svc_"}, nil)
	require.NoError(t, err)
	s := newService(t, st)

	id, err := s.StartSession(model.SessionConfig{})
	require.NoError(t, err)
	sess, ok := s.sessions.Get(id)
	require.True(t, ok)
	assert.Equal(t, config.NewConfig().Browser.DevToolsURL, sess.Config.DevToolsURL)

	events, unsubscribe, err := s.SubscribeEvents(id)
	require.NoError(t, err)
	defer unsubscribe()

	sess.Events() <- model.Event{Type: model.EventBlocked, Session: id, URL: "https://ads.test/"}
	select {
	case evt := <-events:
		assert.Equal(t, "https://ads.test/", evt.URL)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	require.Eventually(t, func() bool {
		got, err := s.RecentEvents(context.Background(), 10)
		return err == nil && len(got) == 1
	}, time.Second, 5*time.Millisecond)

	assert.NoError(t, s.FlushCache(context.Background()))
	require.NoError(t, s.StopSession(id))
	assert.ErrorIs(t, s.StopSession(id), ErrSessionNotFound)
	_, err = s.ListTargets(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, _, err = s.SubscribeEvents(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClosedServiceRejectsWork(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)
	_, err = s.StartSession(model.SessionConfig{DevToolsURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.StartSession(model.SessionConfig{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.LoadScript("x", "x.js", ""), ErrClosed)
	assert.Zero(t, s.sessions.Len())
}
