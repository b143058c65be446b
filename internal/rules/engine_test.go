package rules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"cdpwebreq/pkg/model"
	"cdpwebreq/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func details(stage model.Stage, url string, typ model.ResourceType) *model.Details {
	return &model.Details{Stage: stage, URL: url, Method: "GET", ResourceType: typ, TabID: 1}
}

func mustGlob(t *testing.T, p string) *URLGlob {
	t.Helper()
	g, err := NewURLGlob(p)
	require.NoError(t, err)
	return g
}

func TestEvaluateNoRulesIsNeutral(t *testing.T) {
	e := New(nil)
	res := e.Evaluate(context.Background(), details(model.StageBeforeRequest, "http://a.test/", model.ResourceOther))
	assert.True(t, res.IsZero())
	assert.False(t, e.HasRules(model.StageBeforeRequest))
}

func TestEvaluateCancelScenario(t *testing.T) {
	e := New(nil)
	dp, err := NewDetailPath("type", "image")
	require.NoError(t, err)
	_, err = e.Register(&Rule{
		Stages:    []model.Stage{model.StageBeforeRequest},
		Condition: All(StageIs(model.StageBeforeRequest), mustGlob(t, "*.doubleclick.net/*"), dp),
		Actions:   []Action{Cancel{}},
	})
	require.NoError(t, err)

	res := e.Evaluate(context.Background(), details(model.StageBeforeRequest, "http://ad.doubleclick.net/x.gif", model.ResourceImage))
	assert.Equal(t, model.VerdictCancel, res.Verdict())

	res = e.Evaluate(context.Background(), details(model.StageBeforeRequest, "http://ad.doubleclick.net/x.js", model.ResourceScript))
	assert.True(t, res.IsZero())

	res = e.Evaluate(context.Background(), details(model.StageHeadersReceived, "http://ad.doubleclick.net/x.gif", model.ResourceImage))
	assert.True(t, res.IsZero())
}

func TestEvaluateCancelShortCircuits(t *testing.T) {
	e := New(nil)
	var later atomic.Int32
	_, err := e.Register(&Rule{Actions: []Action{Cancel{}}})
	require.NoError(t, err)
	_, err = e.Register(&Rule{Actions: []Action{ActionFunc(func(context.Context, *model.Details) (model.BlockingResponse, error) {
		later.Add(1)
		return model.BlockingResponse{RedirectURL: "http://x.test/"}, nil
	})}})
	require.NoError(t, err)

	res := e.Evaluate(context.Background(), details(model.StageBeforeRequest, "http://a.test/", model.ResourceOther))
	assert.Equal(t, model.BlockingResponse{Cancel: true}, res)
	assert.Zero(t, later.Load())
}

func TestEvaluateLastWriterWins(t *testing.T) {
	e := New(nil)
	_, err := e.Register(&Rule{Actions: []Action{Redirect{URL: "http://first.test/"}}})
	require.NoError(t, err)
	_, err = e.Register(&Rule{Actions: []Action{Redirect{URL: "http://second.test/"}}})
	require.NoError(t, err)

	res := e.Evaluate(context.Background(), details(model.StageBeforeRequest, "http://a.test/", model.ResourceOther))
	assert.Equal(t, "http://second.test/", res.RedirectURL)
}

func TestEvaluateHeaderEditsCompose(t *testing.T) {
	e := New(nil)
	_, err := e.Register(&Rule{
		Stages: []model.Stage{model.StageBeforeSendHeaders},
		Actions: []Action{
			HeaderEdit{Name: "X-One", Value: "1"},
			HeaderEdit{Name: "Referer", Remove: true},
		},
	})
	require.NoError(t, err)

	d := details(model.StageBeforeSendHeaders, "http://a.test/", model.ResourceOther)
	d.RequestHeaders = traffic.Header{"referer": "http://r.test/", "accept": "*/*"}
	res := e.Evaluate(context.Background(), d)
	assert.Equal(t, traffic.Header{"x-one": "1", "accept": "*/*"}, res.RequestHeaders)
	assert.Equal(t, "http://r.test/", d.RequestHeaders.Get("referer"), "caller details must not be mutated")
}

func TestEvaluateFailingActionIsIsolated(t *testing.T) {
	e := New(nil)
	_, err := e.Register(&Rule{Actions: []Action{
		ActionFunc(func(context.Context, *model.Details) (model.BlockingResponse, error) {
			return model.BlockingResponse{}, errors.New("listener gone")
		}),
		Redirect{URL: "http://b.test/"},
	}})
	require.NoError(t, err)
	res := e.Evaluate(context.Background(), details(model.StageBeforeRequest, "http://a.test/", model.ResourceOther))
	assert.Equal(t, "http://b.test/", res.RedirectURL)
}

func TestRegisterValidation(t *testing.T) {
	e := New(nil)
	_, err := e.Register(&Rule{})
	assert.ErrorIs(t, err, ErrEmptyRule)

	_, err = e.Register(&Rule{Stages: []model.Stage{"bogus"}, Actions: []Action{Cancel{}}})
	assert.ErrorIs(t, err, ErrInvalidStage)

	_, err = e.Register(&Rule{Actions: []Action{Redirect{}}})
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = e.Register(&Rule{ID: "dup", Actions: []Action{Cancel{}}})
	require.NoError(t, err)
	_, err = e.Register(&Rule{ID: "dup", Actions: []Action{Cancel{}}})
	assert.ErrorIs(t, err, ErrDuplicateRule)

	_, err = NewURLGlob("")
	assert.ErrorIs(t, err, ErrInvalidGlob)
	_, err = NewURLGlob("ht tp://x/*")
	assert.ErrorIs(t, err, ErrInvalidGlob)
	_, err = NewURLGlob("HT$P://x/*")
	assert.ErrorIs(t, err, ErrInvalidGlob)
}

func TestUnregisterAndRemoveByOwner(t *testing.T) {
	e := New(nil)
	id, err := e.Register(&Rule{Owner: "cb-1", Stages: []model.Stage{model.StageBeforeRequest}, Actions: []Action{Cancel{}}})
	require.NoError(t, err)
	_, err = e.Register(&Rule{Owner: "cb-2", Actions: []Action{Cancel{}}})
	require.NoError(t, err)
	_, err = e.Register(&Rule{Owner: "cb-2", Actions: []Action{Cancel{}}})
	require.NoError(t, err)

	assert.True(t, e.Unregister(id))
	assert.False(t, e.Unregister(id))
	assert.Equal(t, 2, e.RemoveByOwner("cb-2"))
	assert.False(t, e.HasRules(model.StageBeforeRequest))
	assert.Zero(t, e.Stats().Rules)
}

func TestRemoveOwnedByKind(t *testing.T) {
	e := New(nil)
	_, err := e.Register(&Rule{ID: "dwr", Owner: "ext", Actions: []Action{Cancel{}}})
	require.NoError(t, err)
	_, err = e.Register(&Rule{ID: "listener-cb", Owner: "ext", Kind: KindListener, Actions: []Action{Cancel{}}})
	require.NoError(t, err)

	assert.Equal(t, []model.RuleID{"dwr"}, e.OwnedIDs("ext", KindDeclarative))
	assert.Equal(t, 1, e.RemoveOwned("ext", KindDeclarative))
	assert.Zero(t, e.RemoveOwned("ext", KindDeclarative))
	assert.Equal(t, []model.RuleID{"listener-cb"}, e.RuleIDs("ext"))
	assert.Equal(t, 1, e.RemoveByOwner("ext"))
}

func TestURLGlobVariants(t *testing.T) {
	cases := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"<all_urls>", "ftp://anything", true},
		{"*://*.example.com/*", "https://example.com/a", true},
		{"*://*.example.com/*", "https://cdn.example.com/a", true},
		{"*://*.example.com/*", "https://example.org/a", false},
		{"https://a.test/*", "http://a.test/x", false},
		{"*.doubleclick.net/*", "http://ad.doubleclick.net/x", true},
		{"*://a.test/ad?id=*", "https://a.test/ad?id=7", true},
		{"*://a.test/ad?id=*", "https://a.test/adXid=7", false},
	}
	for _, c := range cases {
		g := mustGlob(t, c.pattern)
		assert.Equal(t, c.want, g.Match(&model.Details{URL: c.url}), "%s ~ %s", c.pattern, c.url)
	}
}

func TestURLFilterHostSuffix(t *testing.T) {
	f := &URLFilter{HostSuffix: "ads.test", Schemes: []string{"https"}}
	require.NoError(t, f.Compile())
	assert.True(t, f.Match(&model.Details{URL: "https://x.ads.test/p"}))
	assert.True(t, f.Match(&model.Details{URL: "https://ads.test/p"}))
	assert.False(t, f.Match(&model.Details{URL: "https://badads.test/p"}))
	assert.False(t, f.Match(&model.Details{URL: "http://x.ads.test/p"}))
}

func TestStatsCounting(t *testing.T) {
	e := New(nil)
	id, err := e.Register(&Rule{Condition: mustGlob(t, "*block*"), Actions: []Action{Cancel{}}})
	require.NoError(t, err)
	ctx := context.Background()
	e.Evaluate(ctx, details(model.StageBeforeRequest, "http://a.test/block", model.ResourceOther))
	e.Evaluate(ctx, details(model.StageBeforeRequest, "http://a.test/ok", model.ResourceOther))

	st := e.Stats()
	assert.EqualValues(t, 2, st.Total)
	assert.EqualValues(t, 1, st.Matched)
	assert.EqualValues(t, 1, st.ByRule[id])
	assert.Equal(t, 1, st.ByStage[model.StageHeadersReceived])
}
