// Package tabs 维护标签页注册表以及每个标签页内 URL 到帧的对应关系。
package tabs

import (
	"sort"
	"sync"

	"cdpwebreq/internal/logger"
	"cdpwebreq/pkg/model"
)

// Registry 标签页注册表
type Registry struct {
	mu    sync.RWMutex
	tabs  map[model.TabID]*Tab
	next  model.TabID
	codec *Codec
	log   logger.Logger
}

// NewRegistry 创建注册表
func NewRegistry(codec *Codec, l logger.Logger) *Registry {
	if l == nil {
		l = logger.NewNop()
	}
	return &Registry{
		tabs:  make(map[model.TabID]*Tab),
		codec: codec,
		log:   l,
	}
}

// Codec 返回注册表使用的令牌编解码器
func (r *Registry) Codec() *Codec { return r.codec }

// Open 分配新标签页并固定其 User-Agent 令牌
func (r *Registry) Open(baseUA string) *Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	t := newTab(r.next, r.codec.UserAgent(baseUA, r.next))
	r.tabs[t.ID] = t
	r.log.Info("打开标签页", "tabId", uint64(t.ID))
	return t
}

// Get 获取标签页
func (r *Registry) Get(id model.TabID) (*Tab, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tabs[id]
	return t, ok
}

// Close 移除标签页
func (r *Registry) Close(id model.TabID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[id]; !ok {
		return
	}
	delete(r.tabs, id)
	r.log.Info("关闭标签页", "tabId", uint64(id))
}

// List 按标识升序返回全部标签页
func (r *Registry) List() []*Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tab, 0, len(r.tabs))
	for _, t := range r.tabs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
