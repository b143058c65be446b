package model

import (
	"strconv"

	"cdpwebreq/pkg/traffic"

	"github.com/tidwall/sjson"
)

// Details 规则评估与监听回调看到的请求上下文快照
type Details struct {
	RequestID     RequestID
	TabID         TabID
	FrameID       FrameID
	ParentFrameID FrameID
	Stage         Stage
	URL           string
	Method        string
	ResourceType  ResourceType
	Tentative     bool
	XHRAsync      bool
	StatusCode    int
	TimeStamp     int64 // 毫秒

	RequestHeaders  traffic.Header
	ResponseHeaders traffic.Header
}

// Field 读取规则可引用的字段
func (d *Details) Field(path string) (string, bool) {
	switch path {
	case "stage":
		return string(d.Stage), true
	case "type":
		return d.ResourceType.String(), true
	case "method":
		return d.Method, true
	case "url":
		return d.URL, true
	case "tabId":
		return strconv.FormatUint(uint64(d.TabID), 10), true
	case "frameId":
		return strconv.FormatInt(int64(d.FrameID), 10), true
	case "parentFrameId":
		return strconv.FormatInt(int64(d.ParentFrameID), 10), true
	case "requestId":
		return strconv.FormatUint(uint64(d.RequestID), 10), true
	default:
		return "", false
	}
}

// ListenerOptions 控制监听载荷中附带的头部
type ListenerOptions struct {
	RequestHeaders  bool
	ResponseHeaders bool
}

// ListenerJSON 渲染交给监听回调的 JSON 载荷
func (d *Details) ListenerJSON(opts ListenerOptions) ([]byte, error) {
	out := []byte(`{}`)
	set := func(path string, v any) error {
		var err error
		out, err = sjson.SetBytes(out, path, v)
		return err
	}
	fields := []struct {
		path string
		v    any
	}{
		{"stage", string(d.Stage)},
		{"requestId", strconv.FormatUint(uint64(d.RequestID), 10)},
		{"url", d.URL},
		{"method", d.Method},
		{"frameId", int64(d.FrameID)},
		{"parentFrameId", int64(d.ParentFrameID)},
		{"tabId", uint64(d.TabID)},
		{"type", d.ResourceType.String()},
		{"timeStamp", d.TimeStamp},
	}
	for _, f := range fields {
		if err := set(f.path, f.v); err != nil {
			return nil, err
		}
	}
	if d.Tentative {
		if err := set("typeTentative", true); err != nil {
			return nil, err
		}
	}
	if d.Stage == StageHeadersReceived && d.StatusCode > 0 {
		if err := set("statusCode", d.StatusCode); err != nil {
			return nil, err
		}
	}
	if opts.RequestHeaders && d.RequestHeaders != nil {
		if err := set("requestHeaders", d.RequestHeaders.Entries()); err != nil {
			return nil, err
		}
	}
	if opts.ResponseHeaders && d.ResponseHeaders != nil {
		if err := set("responseHeaders", d.ResponseHeaders.Entries()); err != nil {
			return nil, err
		}
	}
	return out, nil
}
