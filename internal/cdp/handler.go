package cdp

import (
	"context"
	"errors"
	"fmt"

	adapter "cdpwebreq/internal/adapter/cdp"
	"cdpwebreq/internal/intercept"
	"cdpwebreq/pkg/model"
	"cdpwebreq/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
)

// consumePaused 持续接收 Fetch 暂停事件并按阶段分发
func (m *Manager) consumePaused(ts *targetSession, rp fetch.RequestPausedClient) error {
	defer rp.Close()
	m.log.Info("开始消费拦截事件流", "target", string(ts.id))
	for {
		ev, err := rp.Recv()
		if err != nil {
			return fmt.Errorf("recv requestPaused: %w", err)
		}
		if ev.ResponseStatusCode != nil || ev.ResponseErrorReason != network.ErrorReasonNotSet {
			m.handleResponse(ts, ev)
			continue
		}
		m.handleRequest(ts, ev)
	}
}

// handleRequest 请求阶段：交给拦截器，未被接管的请求原样放行
func (m *Manager) handleRequest(ts *targetSession, ev *fetch.RequestPausedReply) {
	key := flightKey(ev)
	// 服务端重定向沿用同一网络标识，旧请求到此结束
	if prev := ts.takeFlight(key); prev != nil {
		prev.Finish()
	}

	offer := intercept.Offer{
		Target:    ts.id,
		URL:       ev.Request.URL,
		Method:    ev.Request.Method,
		Headers:   adapter.HeadersFromRequest(ev.Request.Headers),
		ParentURL: ts.parentURL(ev.FrameID, ev.ResourceType),
		TypeHint:  adapter.TypeHint(ev.ResourceType, ts.isMainFrame(ev.FrameID)),
		Exchange:  &requestExchange{ts: ts, id: ev.RequestID},
	}
	f := m.ic.Start(ts.ctx, offer)
	if f == nil {
		go m.continueRequest(ts, ev.RequestID)
		return
	}
	ts.putFlight(key, f)
	go func() {
		<-f.Done()
		ts.dropFlight(key, f)
	}()
}

// handleResponse 响应阶段：交回所属请求的状态机
func (m *Manager) handleResponse(ts *targetSession, ev *fetch.RequestPausedReply) {
	rx := &responseExchange{ts: ts, id: ev.RequestID}
	f := ts.flight(flightKey(ev))

	if reason := ev.ResponseErrorReason; reason != network.ErrorReasonNotSet {
		if f != nil {
			f.Fail(errors.New(string(reason)))
		}
		go func() {
			ctx, cancel := m.commandContext(ts.ctx)
			defer cancel()
			if err := ts.client.Fetch.FailRequest(ctx, fetch.NewFailRequestArgs(ev.RequestID, reason)); err != nil {
				m.log.Err(err, "回传网络错误失败", "target", string(ts.id), "url", ev.Request.URL)
			}
		}()
		return
	}

	headers := adapter.HeadersFromEntries(ev.ResponseHeaders)
	if f == nil || !f.HeadersReceived(*ev.ResponseStatusCode, headers, rx) {
		go func() {
			ctx, cancel := m.commandContext(ts.ctx)
			defer cancel()
			if err := rx.Continue(ctx, nil); err != nil {
				m.log.Err(err, "放行响应失败", "target", string(ts.id), "url", ev.Request.URL)
			}
		}()
	}
}

func (m *Manager) continueRequest(ts *targetSession, id fetch.RequestID) {
	ctx, cancel := m.commandContext(ts.ctx)
	defer cancel()
	if err := ts.client.Fetch.ContinueRequest(ctx, fetch.NewContinueRequestArgs(id)); err != nil {
		m.log.Err(err, "放行请求失败", "target", string(ts.id), "requestID", string(id))
	}
}

// consumeAuth 认证质询：已知不受信任的站点直接取消
func (m *Manager) consumeAuth(ts *targetSession, ar fetch.AuthRequiredClient) error {
	defer ar.Close()
	for {
		ev, err := ar.Recv()
		if err != nil {
			return fmt.Errorf("recv authRequired: %w", err)
		}
		response := "Default"
		if m.ic.Auth().ResolveChallenge(ev.AuthChallenge.Origin) == intercept.AuthCancel {
			response = "CancelAuth"
		}
		m.log.Debug("处理认证质询", "origin", ev.AuthChallenge.Origin, "response", response)
		go func(id fetch.RequestID) {
			ctx, cancel := m.commandContext(ts.ctx)
			defer cancel()
			args := fetch.NewContinueWithAuthArgs(id, fetch.AuthChallengeResponse{Response: response})
			if err := ts.client.Fetch.ContinueWithAuth(ctx, args); err != nil {
				m.log.Err(err, "应答认证质询失败", "target", string(ts.id))
			}
		}(ev.RequestID)
	}
}

func (m *Manager) consumeFinished(ts *targetSession, lf network.LoadingFinishedClient) error {
	defer lf.Close()
	for {
		ev, err := lf.Recv()
		if err != nil {
			return fmt.Errorf("recv loadingFinished: %w", err)
		}
		if f := ts.takeFlight(ev.RequestID); f != nil {
			f.Finish()
		}
	}
}

func (m *Manager) consumeFailed(ts *targetSession, lf network.LoadingFailedClient) error {
	defer lf.Close()
	for {
		ev, err := lf.Recv()
		if err != nil {
			return fmt.Errorf("recv loadingFailed: %w", err)
		}
		f := ts.takeFlight(ev.RequestID)
		if f == nil {
			continue
		}
		if ev.Canceled != nil && *ev.Canceled {
			f.Abort()
			continue
		}
		f.Fail(errors.New(ev.ErrorText))
	}
}

// requestExchange 请求阶段的 Fetch 操作
type requestExchange struct {
	ts *targetSession
	id fetch.RequestID
}

func (x *requestExchange) Forward(ctx context.Context, headers traffic.Header) error {
	args := fetch.NewContinueRequestArgs(x.id).SetHeaders(adapter.ToHeaderEntries(headers))
	return x.ts.client.Fetch.ContinueRequest(ctx, args)
}

func (x *requestExchange) Redirect(ctx context.Context, location string) error {
	return x.ts.client.Fetch.FulfillRequest(ctx, adapter.RedirectArgs(x.id, location))
}

func (x *requestExchange) Fulfill(ctx context.Context, fake model.FakeResponse) error {
	return x.ts.client.Fetch.FulfillRequest(ctx, adapter.FakeResponseArgs(x.id, fake))
}

func (x *requestExchange) Cancel(ctx context.Context) error {
	return x.ts.client.Fetch.FailRequest(ctx, fetch.NewFailRequestArgs(x.id, network.ErrorReasonBlockedByClient))
}

// responseExchange 响应阶段的 Fetch 操作
type responseExchange struct {
	ts *targetSession
	id fetch.RequestID
}

// Continue headers 为 nil 时保持原响应头
func (x *responseExchange) Continue(ctx context.Context, headers traffic.Header) error {
	args := fetch.NewContinueResponseArgs(x.id)
	if headers != nil {
		args.SetResponseHeaders(adapter.ToHeaderEntries(headers))
	}
	return x.ts.client.Fetch.ContinueResponse(ctx, args)
}

func (x *responseExchange) Redirect(ctx context.Context, location string) error {
	return x.ts.client.Fetch.FulfillRequest(ctx, adapter.RedirectArgs(x.id, location))
}

func (x *responseExchange) Cancel(ctx context.Context) error {
	return x.ts.client.Fetch.FailRequest(ctx, fetch.NewFailRequestArgs(x.id, network.ErrorReasonBlockedByClient))
}
