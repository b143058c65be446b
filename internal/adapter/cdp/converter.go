package cdp

import (
	"sort"
	"strconv"
	"strings"

	"cdpwebreq/pkg/model"
	"cdpwebreq/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/tidwall/gjson"
)

// HeadersFromRequest 将 CDP 请求头对象转换为中立 Header
func HeadersFromRequest(raw network.Headers) traffic.Header {
	h := traffic.Header{}
	if len(raw) == 0 {
		return h
	}
	gjson.ParseBytes(raw).ForEach(func(k, v gjson.Result) bool {
		h.Set(k.String(), v.String())
		return true
	})
	return h
}

// Set-Cookie 不能以逗号合并，多个值以换行分隔
const setCookie = "set-cookie"

// HeadersFromEntries 将 CDP Header 条目转换为中立 Header，同名条目合并
func HeadersFromEntries(entries []fetch.HeaderEntry) traffic.Header {
	h := traffic.Header{}
	for _, e := range entries {
		if prev := h.Get(e.Name); prev != "" {
			sep := ", "
			if strings.EqualFold(e.Name, setCookie) {
				sep = "\n"
			}
			h.Set(e.Name, prev+sep+e.Value)
			continue
		}
		h.Set(e.Name, e.Value)
	}
	return h
}

// ToHeaderEntries 将中立 Header 转换为按名称排序的 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		if k == setCookie {
			for _, c := range strings.Split(v, "\n") {
				entries = append(entries, fetch.HeaderEntry{Name: k, Value: c})
			}
			continue
		}
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// FakeResponseArgs 合成响应的应答参数
func FakeResponseArgs(id fetch.RequestID, fake model.FakeResponse) *fetch.FulfillRequestArgs {
	h := fake.Headers.Clone()
	if h == nil {
		h = traffic.Header{}
	}
	if fake.MIMEType != "" && !h.Has("Content-Type") {
		h.Set("Content-Type", fake.MIMEType)
	}
	h.Set("Content-Length", strconv.Itoa(len(fake.Body)))
	code := fake.StatusCode
	if code == 0 {
		code = 200
	}
	return &fetch.FulfillRequestArgs{
		RequestID:       id,
		ResponseCode:    code,
		ResponseHeaders: ToHeaderEntries(h),
		Body:            fake.Body,
	}
}

// RedirectArgs 以 302 应答，由浏览器发起唯一一次替换请求
func RedirectArgs(id fetch.RequestID, location string) *fetch.FulfillRequestArgs {
	return &fetch.FulfillRequestArgs{
		RequestID:    id,
		ResponseCode: 302,
		ResponseHeaders: []fetch.HeaderEntry{
			{Name: "Location", Value: location},
			{Name: "Content-Length", Value: "0"},
		},
	}
}

// TypeHint 由 CDP 资源类型给出类型提示；无法对应的类型返回 nil，交由分类器判定
func TypeHint(rt network.ResourceType, mainFrame bool) *model.ResourceType {
	var t model.ResourceType
	switch rt {
	case network.ResourceTypeDocument:
		t = model.ResourceSubFrame
		if mainFrame {
			t = model.ResourceMainFrame
		}
	case network.ResourceTypeStylesheet:
		t = model.ResourceStylesheet
	case network.ResourceTypeScript:
		t = model.ResourceScript
	case network.ResourceTypeImage:
		t = model.ResourceImage
	case network.ResourceTypeXHR, network.ResourceTypeFetch, network.ResourceTypeEventSource:
		t = model.ResourceXHR
	case network.ResourceTypeFont, network.ResourceTypeWebSocket, network.ResourceTypeManifest,
		network.ResourceTypePing, network.ResourceTypeCSPViolationReport:
		t = model.ResourceOther
	default:
		return nil
	}
	return &t
}
