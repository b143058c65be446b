package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"cdpwebreq/internal/bridge"
	"cdpwebreq/internal/intercept"
	"cdpwebreq/internal/tabs"
	"cdpwebreq/pkg/model"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/security"
	"github.com/tidwall/sjson"
)

// consumeResponses 记录文档响应的安全状态，供认证质询判定
func (m *Manager) consumeResponses(ts *targetSession, rr network.ResponseReceivedClient) error {
	defer rr.Close()
	for {
		ev, err := rr.Recv()
		if err != nil {
			return fmt.Errorf("recv responseReceived: %w", err)
		}
		if ev.Type != network.ResourceTypeDocument {
			continue
		}
		trust, ok := trustFromSecurity(ev.Response.SecurityState)
		if !ok {
			continue
		}
		if u, err := url.Parse(ev.Response.URL); err == nil && u.Hostname() != "" {
			m.ic.Auth().Record(u.Hostname(), trust)
		}
	}
}

// trustFromSecurity 只有明确的安全或不安全状态会被记录
func trustFromSecurity(s security.State) (intercept.Trust, bool) {
	switch s {
	case security.StateSecure:
		return intercept.TrustTrusted, true
	case security.StateInsecure, security.State("insecure-broken"):
		return intercept.TrustUntrusted, true
	default:
		return intercept.TrustUnknown, false
	}
}

// consumeNavigated 帧提交后修正帧表并广播 webNavigation.onCommitted
func (m *Manager) consumeNavigated(ts *targetSession, fn page.FrameNavigatedClient) error {
	defer fn.Close()
	for {
		ev, err := fn.Recv()
		if err != nil {
			return fmt.Errorf("recv frameNavigated: %w", err)
		}
		parentURL := ts.recordFrame(ev.Frame)
		isMain := ev.Frame.ParentID == nil
		fr := ts.tab.CommitFrame(ev.Frame.URL, parentURL, isMain)
		m.log.Debug("帧已提交", "target", string(ts.id), "frameId", int64(fr.ID), "url", ev.Frame.URL, "main", isMain)

		if m.cfg.Listeners == nil {
			continue
		}
		payload, err := navigationPayload(ts.tab.ID, fr, time.Now())
		if err != nil {
			m.log.Err(err, "构建导航事件失败", "url", ev.Frame.URL)
			continue
		}
		go m.broadcastCommitted(ts.ctx, ts.tab.ID, fr.URL, payload)
	}
}

func (m *Manager) broadcastCommitted(ctx context.Context, tab model.TabID, url string, payload json.RawMessage) {
	results, err := m.cfg.Listeners.Broadcast(ctx, bridge.EventNavigationCommitted, tab, url, payload)
	if err != nil {
		m.log.Warn("导航监听器全部失败", "tabId", uint64(tab), "url", url, "error", err.Error())
		return
	}
	m.log.Debug("导航事件已广播", "tabId", uint64(tab), "listeners", len(results))
}

// consumeSameDocument 文档内导航为主帧登记新 URL
func (m *Manager) consumeSameDocument(ts *targetSession, nw page.NavigatedWithinDocumentClient) error {
	defer nw.Close()
	for {
		ev, err := nw.Recv()
		if err != nil {
			return fmt.Errorf("recv navigatedWithinDocument: %w", err)
		}
		ts.mu.Lock()
		main := ev.FrameID == ts.mainFrame
		if fi, ok := ts.frames[ev.FrameID]; ok {
			fi.url = ev.URL
			ts.frames[ev.FrameID] = fi
		}
		ts.mu.Unlock()
		if main {
			ts.tab.AssignAlias(ev.URL)
		}
	}
}

// navigationPayload onCommitted 监听器收到的参数
func navigationPayload(tab model.TabID, fr tabs.Frame, at time.Time) (json.RawMessage, error) {
	out := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			out, err = sjson.SetBytes(out, path, v)
		}
	}
	set("tabId", uint64(tab))
	set("url", fr.URL)
	set("frameId", int64(fr.ID))
	set("parentFrameId", int64(fr.ParentID))
	set("timeStamp", at.UnixMilli())
	return out, err
}
