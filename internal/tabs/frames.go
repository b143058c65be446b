package tabs

import (
	"sort"
	"strings"
	"sync"

	"cdpwebreq/pkg/model"
)

// Frame 帧信息；Provisional 表示尚未被渲染层的帧事件确认
type Frame struct {
	ID          model.FrameID `json:"frameId"`
	ParentID    model.FrameID `json:"parentFrameId"`
	URL         string        `json:"url"`
	Provisional bool          `json:"provisional"`
}

// Tab 标签页，帧表由自身的锁保护
type Tab struct {
	ID        model.TabID
	UserAgent string

	mu        sync.Mutex
	frames    map[model.FrameID]*Frame
	byURL     map[string]model.FrameID
	nextFrame model.FrameID
	mainURL   string
}

func newTab(id model.TabID, ua string) *Tab {
	return &Tab{
		ID:        id,
		UserAgent: ua,
		frames: map[model.FrameID]*Frame{
			model.MainFrameID: {ID: model.MainFrameID, ParentID: model.NoParentFrameID, Provisional: true},
		},
		byURL:     make(map[string]model.FrameID),
		nextFrame: model.MainFrameID + 1,
	}
}

// MainURL 当前主文档 URL
func (t *Tab) MainURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mainURL
}

// BeginNavigation 主帧开始加载新文档
func (t *Tab) BeginNavigation(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mainURL = url
	t.byURL[frameKey(url)] = model.MainFrameID
}

// ResolveFrame 为一次请求确定 (帧, 父帧)。
// 已知 URL 直接复用；父 URL 已知时子帧请求建立暂定帧，其余请求归属父帧；
// 都未知时主帧请求映射为根帧，子帧请求挂到根帧下，其余请求把父 URL 记为根帧别名。
func (t *Tab) ResolveFrame(url, parentURL string, typ model.ResourceType) Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byURL[frameKey(url)]; ok {
		return *t.frames[id]
	}
	if parentURL != "" {
		if pid, ok := t.byURL[frameKey(parentURL)]; ok {
			if typ == model.ResourceSubFrame {
				return *t.addFrame(url, pid, true)
			}
			return *t.frames[pid]
		}
	}
	switch typ {
	case model.ResourceMainFrame:
		root := t.frames[model.MainFrameID]
		if root.URL == "" {
			root.URL = url
		}
		t.byURL[frameKey(url)] = model.MainFrameID
		return *root
	case model.ResourceSubFrame:
		return *t.addFrame(url, model.MainFrameID, true)
	default:
		if parentURL != "" {
			t.byURL[frameKey(parentURL)] = model.MainFrameID
		}
		return *t.frames[model.MainFrameID]
	}
}

// CommitFrame 以渲染层的帧事件为准修正帧表，返回确认后的帧
func (t *Tab) CommitFrame(url, parentURL string, isMain bool) Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	if isMain {
		for id, f := range t.frames {
			if id != model.MainFrameID && !f.Provisional {
				delete(t.frames, id)
			}
		}
		root := t.frames[model.MainFrameID]
		root.URL = url
		root.Provisional = false
		t.mainURL = url
		for k, id := range t.byURL {
			if _, ok := t.frames[id]; !ok || id == model.MainFrameID {
				delete(t.byURL, k)
			}
		}
		t.byURL[frameKey(url)] = model.MainFrameID
		t.reparentOrphans()
		return *root
	}

	parent := model.MainFrameID
	if parentURL != "" {
		if pid, ok := t.byURL[frameKey(parentURL)]; ok {
			parent = pid
		}
	}
	if id, ok := t.byURL[frameKey(url)]; ok && id != model.MainFrameID {
		f := t.frames[id]
		f.Provisional = false
		if f.ID != parent {
			f.ParentID = parent
		}
		return *f
	}
	return *t.addFrame(url, parent, false)
}

// AssignAlias 文档内导航（history API）后把新 URL 映射到当前主帧
func (t *Tab) AssignAlias(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byURL[frameKey(url)] = model.MainFrameID
	t.mainURL = url
}

// Frames 返回帧表快照
func (t *Tab) Frames() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Frame, 0, len(t.frames))
	for _, f := range t.frames {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tab) addFrame(url string, parent model.FrameID, provisional bool) *Frame {
	if _, ok := t.frames[parent]; !ok {
		parent = model.MainFrameID
	}
	f := &Frame{ID: t.nextFrame, ParentID: parent, URL: url, Provisional: provisional}
	t.nextFrame++
	t.frames[f.ID] = f
	t.byURL[frameKey(url)] = f.ID
	return f
}

func (t *Tab) reparentOrphans() {
	for id, f := range t.frames {
		if id == model.MainFrameID {
			continue
		}
		if _, ok := t.frames[f.ParentID]; !ok {
			f.ParentID = model.MainFrameID
		}
	}
}

func frameKey(url string) string {
	if i := strings.IndexByte(url, '#'); i >= 0 {
		return url[:i]
	}
	return url
}
