package cdp

import (
	"context"
	"fmt"
	"sync"

	"cdpwebreq/internal/intercept"
	"cdpwebreq/internal/tabs"
	"cdpwebreq/pkg/model"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/rpcc"
	"golang.org/x/sync/errgroup"
)

// frameInfo 渲染层帧标识对应的文档
type frameInfo struct {
	url    string
	parent page.FrameID
}

// targetSession 单个页面目标的连接与状态
type targetSession struct {
	id     model.TargetID
	tab    *tabs.Tab
	conn   *rpcc.Conn
	client *cdp.Client
	life   context.Context // 主动关闭时取消
	ctx    context.Context // 任一事件流结束时也会取消
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
	once   sync.Once

	streams []func() error

	mu        sync.Mutex
	mainFrame page.FrameID
	flights   map[network.RequestID]*intercept.Flight
	frames    map[page.FrameID]frameInfo
}

// openTargetSession 连接目标、订阅事件流并启用各协议域；事件消费由 start 启动
func (m *Manager) openTargetSession(ctx context.Context, id model.TargetID, wsURL string) (*targetSession, error) {
	conn, err := rpcc.DialContext(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", id, err)
	}
	client := cdp.NewClient(conn)

	ver, err := client.Browser.GetVersion(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("browser version: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(sctx)
	ts := &targetSession{
		id:      id,
		tab:     m.cfg.Tabs.Open(ver.UserAgent),
		conn:    conn,
		client:  client,
		life:    sctx,
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
		done:    make(chan struct{}),
		flights: make(map[network.RequestID]*intercept.Flight),
		frames:  make(map[page.FrameID]frameInfo),
	}

	if err := m.subscribe(ts); err != nil {
		m.closeTargetSession(ts)
		close(ts.done)
		return nil, err
	}
	if err := m.enable(ctx, ts); err != nil {
		m.closeTargetSession(ts)
		close(ts.done)
		return nil, err
	}
	return ts, nil
}

// subscribe 先订阅后启用，避免遗漏启用瞬间暂停的请求
func (m *Manager) subscribe(ts *targetSession) error {
	ctx := ts.ctx
	paused, err := ts.client.Fetch.RequestPaused(ctx)
	if err != nil {
		return fmt.Errorf("subscribe requestPaused: %w", err)
	}
	auth, err := ts.client.Fetch.AuthRequired(ctx)
	if err != nil {
		return fmt.Errorf("subscribe authRequired: %w", err)
	}
	finished, err := ts.client.Network.LoadingFinished(ctx)
	if err != nil {
		return fmt.Errorf("subscribe loadingFinished: %w", err)
	}
	failed, err := ts.client.Network.LoadingFailed(ctx)
	if err != nil {
		return fmt.Errorf("subscribe loadingFailed: %w", err)
	}
	received, err := ts.client.Network.ResponseReceived(ctx)
	if err != nil {
		return fmt.Errorf("subscribe responseReceived: %w", err)
	}
	navigated, err := ts.client.Page.FrameNavigated(ctx)
	if err != nil {
		return fmt.Errorf("subscribe frameNavigated: %w", err)
	}
	sameDoc, err := ts.client.Page.NavigatedWithinDocument(ctx)
	if err != nil {
		return fmt.Errorf("subscribe navigatedWithinDocument: %w", err)
	}

	ts.streams = []func() error{
		func() error { return m.consumePaused(ts, paused) },
		func() error { return m.consumeAuth(ts, auth) },
		func() error { return m.consumeFinished(ts, finished) },
		func() error { return m.consumeFailed(ts, failed) },
		func() error { return m.consumeResponses(ts, received) },
		func() error { return m.consumeNavigated(ts, navigated) },
		func() error { return m.consumeSameDocument(ts, sameDoc) },
	}
	return nil
}

func (m *Manager) enable(ctx context.Context, ts *targetSession) error {
	if err := ts.client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("enable page: %w", err)
	}
	if err := ts.client.Network.Enable(ctx, network.NewEnableArgs()); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	if err := ts.client.Network.SetUserAgentOverride(ctx, network.NewSetUserAgentOverrideArgs(ts.tab.UserAgent)); err != nil {
		return fmt.Errorf("override user agent: %w", err)
	}

	tree, err := ts.client.Page.GetFrameTree(ctx)
	if err != nil {
		return fmt.Errorf("frame tree: %w", err)
	}
	root := tree.FrameTree.Frame
	ts.mu.Lock()
	ts.mainFrame = root.ID
	ts.frames[root.ID] = frameInfo{url: root.URL}
	ts.mu.Unlock()
	if root.URL != "" {
		ts.tab.CommitFrame(root.URL, "", true)
	}

	all := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &all, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &all, RequestStage: fetch.RequestStageResponse},
	}
	if err := ts.client.Fetch.Enable(ctx, fetch.NewEnableArgs().SetPatterns(patterns).SetHandleAuthRequests(true)); err != nil {
		return fmt.Errorf("enable fetch: %w", err)
	}
	return nil
}

// start 启动事件消费；任一事件流结束即移除目标
func (ts *targetSession) start() {
	for _, fn := range ts.streams {
		ts.group.Go(fn)
	}
	ts.streams = nil
}

// watch 等待事件流全部结束后清理
func (m *Manager) watch(ts *targetSession) {
	err := ts.group.Wait()
	if ts.life.Err() == nil {
		m.handleTargetStreamClosed(ts, err)
	}
	m.closeTargetSession(ts)
	m.abortFlights(ts)
	close(ts.done)
}

// closeTargetSession 断开连接，只执行一次
func (m *Manager) closeTargetSession(ts *targetSession) {
	ts.once.Do(func() {
		ts.cancel()
		if err := ts.conn.Close(); err != nil {
			m.log.Debug("关闭目标连接", "target", string(ts.id), "error", err.Error())
		}
		m.cfg.Tabs.Close(ts.tab.ID)
	})
}

func (m *Manager) abortFlights(ts *targetSession) {
	ts.mu.Lock()
	fs := make([]*intercept.Flight, 0, len(ts.flights))
	for _, f := range ts.flights {
		fs = append(fs, f)
	}
	ts.flights = make(map[network.RequestID]*intercept.Flight)
	ts.mu.Unlock()
	for _, f := range fs {
		f.Abort()
		<-f.Done()
	}
}

func (ts *targetSession) putFlight(key network.RequestID, f *intercept.Flight) {
	ts.mu.Lock()
	ts.flights[key] = f
	ts.mu.Unlock()
}

func (ts *targetSession) flight(key network.RequestID) *intercept.Flight {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.flights[key]
}

// takeFlight 取出并移除
func (ts *targetSession) takeFlight(key network.RequestID) *intercept.Flight {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	f := ts.flights[key]
	delete(ts.flights, key)
	return f
}

// dropFlight 仅当映射仍指向 f 时移除
func (ts *targetSession) dropFlight(key network.RequestID, f *intercept.Flight) {
	ts.mu.Lock()
	if ts.flights[key] == f {
		delete(ts.flights, key)
	}
	ts.mu.Unlock()
}

func (ts *targetSession) isMainFrame(id page.FrameID) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return id != "" && id == ts.mainFrame
}

// parentURL 请求所在文档的 URL；文档请求取其父帧的文档，尚未导航过的新帧挂到主帧下
func (ts *targetSession) parentURL(id page.FrameID, rt network.ResourceType) string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	fi, ok := ts.frames[id]
	if !ok {
		if rt == network.ResourceTypeDocument && id != ts.mainFrame {
			return ts.frames[ts.mainFrame].url
		}
		return ""
	}
	if rt != network.ResourceTypeDocument {
		return fi.url
	}
	if fi.parent == "" {
		return ""
	}
	return ts.frames[fi.parent].url
}

func (ts *targetSession) recordFrame(f page.Frame) (parentURL string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	fi := frameInfo{url: f.URL}
	if f.ParentID != nil {
		fi.parent = *f.ParentID
		parentURL = ts.frames[fi.parent].url
	} else {
		ts.mainFrame = f.ID
	}
	ts.frames[f.ID] = fi
	return parentURL
}

// flightKey 取网络层请求标识，缺失时退回 Fetch 标识
func flightKey(ev *fetch.RequestPausedReply) network.RequestID {
	if ev.NetworkID != nil {
		return *ev.NetworkID
	}
	return network.RequestID(ev.RequestID)
}
