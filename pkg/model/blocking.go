package model

import (
	"encoding/json"
	"fmt"

	"cdpwebreq/pkg/traffic"

	"github.com/tidwall/gjson"
)

// FakeResponse 合成响应
type FakeResponse struct {
	StatusCode int            `json:"statusCode"`
	MIMEType   string         `json:"mimeType"`
	Headers    traffic.Header `json:"headers,omitempty"`
	Body       []byte         `json:"body"`
}

// BlockingResponse 规则评估的合并结果；零值表示放行
type BlockingResponse struct {
	Cancel          bool
	RedirectURL     string
	RequestHeaders  traffic.Header // 非 nil 时整体替换请求头
	ResponseHeaders traffic.Header // 非 nil 时整体替换响应头
	Fake            *FakeResponse
}

// Verdict 终结性处理方式
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictHeaders
	VerdictFake
	VerdictRedirect
	VerdictCancel
)

func (v Verdict) String() string {
	switch v {
	case VerdictCancel:
		return "cancel"
	case VerdictRedirect:
		return "redirect"
	case VerdictFake:
		return "fake"
	case VerdictHeaders:
		return "headers"
	default:
		return "allow"
	}
}

// Verdict 按优先级 cancel > redirect > fake > 头部改写 > 放行 给出处理方式
func (b BlockingResponse) Verdict() Verdict {
	switch {
	case b.Cancel:
		return VerdictCancel
	case b.RedirectURL != "":
		return VerdictRedirect
	case b.Fake != nil:
		return VerdictFake
	case b.RequestHeaders != nil || b.ResponseHeaders != nil:
		return VerdictHeaders
	default:
		return VerdictAllow
	}
}

// IsZero 是否为中性结果
func (b BlockingResponse) IsZero() bool { return b.Verdict() == VerdictAllow }

// Merge 合并另一条结果：cancel 具有粘性，其余字段后写者胜
func (b *BlockingResponse) Merge(src BlockingResponse) {
	if src.Cancel {
		b.Cancel = true
	}
	if src.RedirectURL != "" {
		b.RedirectURL = src.RedirectURL
	}
	if src.RequestHeaders != nil {
		b.RequestHeaders = src.RequestHeaders.Clone()
	}
	if src.ResponseHeaders != nil {
		b.ResponseHeaders = src.ResponseHeaders.Clone()
	}
	if src.Fake != nil {
		b.Fake = src.Fake
	}
}

type blockingWire struct {
	Cancel          bool           `json:"cancel,omitempty"`
	RedirectURL     string         `json:"redirectUrl,omitempty"`
	RequestHeaders  traffic.Header `json:"requestHeaders,omitempty"`
	ResponseHeaders traffic.Header `json:"responseHeaders,omitempty"`
}

// MarshalJSON 输出线上格式
func (b BlockingResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(blockingWire{
		Cancel:          b.Cancel,
		RedirectURL:     b.RedirectURL,
		RequestHeaders:  b.RequestHeaders,
		ResponseHeaders: b.ResponseHeaders,
	})
}

// ParseBlockingResponse 解析监听回调返回的结果；空值或 null 视为放行
func ParseBlockingResponse(raw []byte) (BlockingResponse, error) {
	var out BlockingResponse
	if len(raw) == 0 {
		return out, nil
	}
	if !gjson.ValidBytes(raw) {
		return out, fmt.Errorf("blocking response: invalid json")
	}
	res := gjson.ParseBytes(raw)
	switch {
	case res.Type == gjson.Null:
		return out, nil
	case !res.IsObject():
		return out, fmt.Errorf("blocking response: expected object, got %s", res.Type)
	}
	if c := res.Get("cancel"); c.Exists() {
		if c.Type != gjson.True && c.Type != gjson.False {
			return out, fmt.Errorf("blocking response: cancel must be boolean")
		}
		out.Cancel = c.Bool()
	}
	if r := res.Get("redirectUrl"); r.Exists() && r.Type != gjson.Null {
		if r.Type != gjson.String {
			return out, fmt.Errorf("blocking response: redirectUrl must be string")
		}
		out.RedirectURL = r.String()
	}
	var err error
	if out.RequestHeaders, err = parseHeaders(res.Get("requestHeaders")); err != nil {
		return out, fmt.Errorf("blocking response: requestHeaders: %w", err)
	}
	if out.ResponseHeaders, err = parseHeaders(res.Get("responseHeaders")); err != nil {
		return out, fmt.Errorf("blocking response: responseHeaders: %w", err)
	}
	return out, nil
}

// parseHeaders 同时接受 {name: value} 和 [{name, value}] 两种形式
func parseHeaders(r gjson.Result) (traffic.Header, error) {
	if !r.Exists() || r.Type == gjson.Null {
		return nil, nil
	}
	h := make(traffic.Header)
	switch {
	case r.IsArray():
		for _, e := range r.Array() {
			name := e.Get("name")
			if name.Type != gjson.String || name.String() == "" {
				return nil, fmt.Errorf("header entry without name")
			}
			h.Set(name.String(), e.Get("value").String())
		}
	case r.IsObject():
		var bad error
		r.ForEach(func(k, v gjson.Result) bool {
			if v.Type != gjson.String {
				bad = fmt.Errorf("header %q must be string", k.String())
				return false
			}
			h.Set(k.String(), v.String())
			return true
		})
		if bad != nil {
			return nil, bad
		}
	default:
		return nil, fmt.Errorf("expected object or array")
	}
	return h, nil
}
