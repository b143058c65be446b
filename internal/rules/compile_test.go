package rules

import (
	"context"
	"testing"

	"cdpwebreq/pkg/model"
	"cdpwebreq/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileDeclarativeRules(t *testing.T) {
	raw := []byte(`[
	  {
	    "id": "block-ads",
	    "conditions": [
	      {"instanceType": "declarativeWebRequest.RequestMatcher",
	       "url": {"hostSuffix": "ads.test"}, "resourceType": ["image", "script"]}
	    ],
	    "actions": [{"instanceType": "declarativeWebRequest.CancelRequest"}]
	  },
	  {
	    "id": "strip-cookies",
	    "conditions": [
	      {"instanceType": "declarativeWebRequest.RequestMatcher", "stages": ["onBeforeSendHeaders"]}
	    ],
	    "actions": [{"instanceType": "declarativeWebRequest.RemoveRequestHeader", "name": "Cookie"}]
	  }
	]`)
	rs, err := Compile(raw, "ext-1")
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, model.RuleID("block-ads"), rs[0].ID)
	assert.Equal(t, "ext-1", rs[0].Owner)
	assert.Empty(t, rs[0].Stages)
	assert.Equal(t, []model.Stage{model.StageBeforeSendHeaders}, rs[1].Stages)

	e := New(nil)
	for _, r := range rs {
		_, err := e.Register(r)
		require.NoError(t, err)
	}
	ctx := context.Background()

	res := e.Evaluate(ctx, details(model.StageBeforeRequest, "http://cdn.ads.test/a.png", model.ResourceImage))
	assert.True(t, res.Cancel)

	res = e.Evaluate(ctx, details(model.StageBeforeRequest, "http://cdn.ads.test/a.css", model.ResourceStylesheet))
	assert.True(t, res.IsZero())

	d := details(model.StageBeforeSendHeaders, "http://a.test/", model.ResourceOther)
	d.RequestHeaders = traffic.Header{"cookie": "a=1", "accept": "*/*"}
	res = e.Evaluate(ctx, d)
	assert.Equal(t, traffic.Header{"accept": "*/*"}, res.RequestHeaders)
}

func TestCompileConditionTree(t *testing.T) {
	raw := []byte(`{
	  "stages": ["beforeRequest"],
	  "when": {"all": [
	    {"url": {"mode": "prefix", "pattern": "http://a.test/api"}},
	    {"none": [{"detail": {"path": "method", "value": "OPTIONS"}}]}
	  ]},
	  "actions": [{"instanceType": "declarativeWebRequest.RedirectRequest", "redirectUrl": "http://b.test/api"}]
	}`)
	rs, err := Compile(raw, "")
	require.NoError(t, err)
	require.Len(t, rs, 1)

	r := rs[0]
	d := details(model.StageBeforeRequest, "http://a.test/api/v1", model.ResourceXHR)
	assert.True(t, r.Condition.Match(d))
	d.Method = "options"
	assert.False(t, r.Condition.Match(d))
}

func TestCompileRedirectToEmptyAndTransparent(t *testing.T) {
	rs, err := Compile([]byte(`[
	  {"actions": [{"instanceType": "declarativeWebRequest.RedirectToEmptyDocument"}]},
	  {"actions": [{"instanceType": "declarativeWebRequest.RedirectToTransparentImage"}]},
	  {"actions": [{"instanceType": "webreq.Respond", "body": "{\"ok\":true}"}]}
	]`), "")
	require.NoError(t, err)
	ctx := context.Background()
	d := details(model.StageBeforeRequest, "http://a.test/", model.ResourceOther)

	res, err := rs[0].Actions[0].Apply(ctx, d)
	require.NoError(t, err)
	require.NotNil(t, res.Fake)
	assert.Equal(t, "text/plain", res.Fake.MIMEType)
	assert.Equal(t, []byte(" "), res.Fake.Body)

	res, err = rs[1].Actions[0].Apply(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "image/gif", res.Fake.MIMEType)

	res, err = rs[2].Actions[0].Apply(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Fake.StatusCode)
	assert.Equal(t, "application/json", res.Fake.MIMEType)
}

func TestCompileRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{`,
		"no actions":       `{"id":"x"}`,
		"unknown action":   `{"actions":[{"instanceType":"nope"}]}`,
		"redirect no url":  `{"actions":[{"instanceType":"declarativeWebRequest.RedirectRequest"}]}`,
		"bad glob":         `{"when":{"urlGlob":""},"actions":[{"instanceType":"declarativeWebRequest.CancelRequest"}]}`,
		"bad regex":        `{"when":{"url":{"mode":"regex","pattern":"("}},"actions":[{"instanceType":"declarativeWebRequest.CancelRequest"}]}`,
		"bad stage":        `{"stages":["later"],"actions":[{"instanceType":"declarativeWebRequest.CancelRequest"}]}`,
		"two keys in node": `{"when":{"stage":"beforeRequest","urlGlob":"*"},"actions":[{"instanceType":"declarativeWebRequest.CancelRequest"}]}`,
		"bad matcher":      `{"conditions":[{"instanceType":"x"}],"actions":[{"instanceType":"declarativeWebRequest.CancelRequest"}]}`,
		"bad type":         `{"conditions":[{"instanceType":"declarativeWebRequest.RequestMatcher","resourceType":["font"]}],"actions":[{"instanceType":"declarativeWebRequest.CancelRequest"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compile([]byte(raw), "")
			assert.Error(t, err)
		})
	}
}
