package traffic

import (
	"sort"
	"strings"
)

// Header 封装通用的头部操作，键统一为小写
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Has 判断是否存在指定 Header
func (h Header) Has(key string) bool {
	if h == nil {
		return false
	}
	_, ok := h[strings.ToLower(key)]
	return ok
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 深拷贝 Header，nil 保持为 nil
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Without 返回去除指定键后的副本
func (h Header) Without(keys ...string) Header {
	out := h.Clone()
	if out == nil {
		out = make(Header)
	}
	for _, k := range keys {
		out.Del(k)
	}
	return out
}

// Entry 一条名值对形式的头部
type Entry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Entries 按名称排序输出名值对列表
func (h Header) Entries() []Entry {
	out := make([]Entry, 0, len(h))
	for k, v := range h {
		out = append(out, Entry{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FromEntries 由名值对列表构建 Header，同名后者覆盖前者
func FromEntries(entries []Entry) Header {
	h := make(Header, len(entries))
	for _, e := range entries {
		h.Set(e.Name, e.Value)
	}
	return h
}

// FromMap 由任意大小写的 map 构建 Header
func FromMap(m map[string]string) Header {
	h := make(Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
