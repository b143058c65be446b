package cdp

import (
	"context"
	"testing"
	"time"

	"cdpwebreq/internal/intercept"
	"cdpwebreq/internal/tabs"
	"cdpwebreq/pkg/model"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestManager() *Manager {
	return New(Config{Session: "s1", Tabs: tabs.NewRegistry(tabs.NewCodec("17", "1.0"), nil)})
}

func TestManagerWithoutTargets(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.QueryNode(ctx, 1, "1")
	assert.ErrorIs(t, err, ErrNoRenderer)
	assert.ErrorIs(t, m.Detach("nope"), ErrNotAttached)
	assert.NoError(t, m.FlushCache(ctx))
	assert.Empty(t, m.Attached())
	assert.NoError(t, m.Close())
	assert.NotNil(t, m.Interceptor().Auth())
}

func TestTrustFromSecurity(t *testing.T) {
	tr, ok := trustFromSecurity(security.StateSecure)
	assert.True(t, ok)
	assert.Equal(t, intercept.TrustTrusted, tr)

	tr, ok = trustFromSecurity(security.StateInsecure)
	assert.True(t, ok)
	assert.Equal(t, intercept.TrustUntrusted, tr)

	_, ok = trustFromSecurity(security.StateNeutral)
	assert.False(t, ok)
}

func TestNavigationPayload(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	raw, err := navigationPayload(4, tabs.Frame{ID: 2, ParentID: model.MainFrameID, URL: "https://a.test/f"}, at)
	require.NoError(t, err)
	r := gjson.ParseBytes(raw)
	assert.EqualValues(t, 4, r.Get("tabId").Int())
	assert.EqualValues(t, 2, r.Get("frameId").Int())
	assert.EqualValues(t, 0, r.Get("parentFrameId").Int())
	assert.Equal(t, "https://a.test/f", r.Get("url").String())
	assert.EqualValues(t, at.UnixMilli(), r.Get("timeStamp").Int())
}

func TestFlightKeyPrefersNetworkID(t *testing.T) {
	nid := network.RequestID("net-1")
	assert.Equal(t, nid, flightKey(&fetch.RequestPausedReply{RequestID: "interception-1", NetworkID: &nid}))
	assert.Equal(t, network.RequestID("interception-2"), flightKey(&fetch.RequestPausedReply{RequestID: "interception-2"}))
}

func TestFrameParentResolution(t *testing.T) {
	ts := &targetSession{frames: make(map[page.FrameID]frameInfo)}
	assert.Empty(t, ts.recordFrame(page.Frame{ID: "main", URL: "https://site.test/"}))
	assert.True(t, ts.isMainFrame("main"))

	parent := page.FrameID("main")
	assert.Equal(t, "https://site.test/", ts.recordFrame(page.Frame{ID: "child", ParentID: &parent, URL: "https://ads.test/frame"}))

	// 子资源归属其所在文档
	assert.Equal(t, "https://ads.test/frame", ts.parentURL("child", network.ResourceTypeScript))
	// 文档请求归属父帧
	assert.Equal(t, "https://site.test/", ts.parentURL("child", network.ResourceTypeDocument))
	assert.Empty(t, ts.parentURL("main", network.ResourceTypeDocument))
	// 尚未导航过的帧挂到主帧下
	assert.Equal(t, "https://site.test/", ts.parentURL("fresh", network.ResourceTypeDocument))
	assert.Empty(t, ts.parentURL("fresh", network.ResourceTypeImage))
}
