// Package restype 根据 URL、请求头和主文档推断请求的资源类型。
package restype

import (
	"net/url"
	"strings"

	"cdpwebreq/pkg/model"
	"cdpwebreq/pkg/traffic"
)

// MarkerPrefix Accept 头中合成标记的公共前缀
const MarkerPrefix = "webreq-"

// 由注入脚本写入 Accept 的同步/异步数据请求标记
const (
	MarkerXHRAsync = MarkerPrefix + "xhr-async"
	MarkerXHRSync  = MarkerPrefix + "xhr-sync"
)

type matcher struct {
	typ      model.ResourceType
	mimes    []string
	suffixes []string
}

// matchers 顺序即优先级
var matchers = []matcher{
	{model.ResourceSubFrame, []string{"text/html", "application/xhtml"}, []string{".htm", ".html", ".jsp", ".php"}},
	{model.ResourceStylesheet, []string{"text/css"}, []string{".css"}},
	{model.ResourceScript, []string{"text/javascript", "application/javascript", "application/json"}, []string{".js"}},
	{model.ResourceXHR, []string{"application/x-www-form-urlencoded", "application/xml"}, []string{".xml"}},
	{model.ResourceImage, []string{"image/"}, []string{".jpg", ".jpe", ".jpeg", ".png", ".gif", ".tif", ".tiff", ".bmp", ".xbm"}},
	{model.ResourceObject, []string{"application/x-shockwave-flash", "application/zip", "application/octet-stream"},
		[]string{".swf", ".zip", ".gz", ".tgz", ".bz2", ".4z", ".rar", ".exe", ".pkg", ".apk", ".ipa", ".ps", ".eps"}},
	{model.ResourceAudio, []string{"audio/"}, []string{".wav", ".mp3", ".mid", ".midi", ".aiff", ".aac"}},
	{model.ResourceVideo, []string{"video/"}, []string{".mpe", ".mpg", ".mpeg", ".avi", ".mp4", ".m4v", ".mov"}},
}

// Detect 仅凭廉价信号推断类型，无法判断时 ok 为 false
func Detect(rawURL string, headers traffic.Header, mainDocumentURL string, allowExtended bool) (model.ResourceType, bool) {
	if mainDocumentURL != "" && stripFragment(rawURL) == stripFragment(mainDocumentURL) {
		return model.ResourceMainFrame, true
	}

	accept := headers.Get("Accept")
	tokens := acceptTokens(accept)

	// 合成标记即便未开启扩展类型也会返回同步标记，便于调用方记录 XHRAsync=false
	for _, tok := range tokens {
		switch tok {
		case MarkerXHRAsync:
			return model.ResourceXHR, true
		case MarkerXHRSync:
			return model.ResourceXHRSync, true
		}
	}

	clamp := func(t model.ResourceType) (model.ResourceType, bool) {
		if t.IsExtended() && !allowExtended {
			return model.ResourceOther, true
		}
		return t, true
	}

	// 扩展名优先：点击链接时 Accept 总是 text/html，与实际内容无关
	path := strings.ToLower(urlPath(rawURL))
	for _, m := range matchers {
		for _, sfx := range m.suffixes {
			if strings.HasSuffix(path, sfx) {
				return clamp(m.typ)
			}
		}
	}

	for _, m := range matchers {
		for _, tok := range tokens {
			for _, mime := range m.mimes {
				if strings.HasPrefix(tok, mime) {
					return clamp(m.typ)
				}
			}
		}
	}
	return model.ResourceOther, false
}

// Classify 同 Detect，未命中时返回 other（非暂定）
func Classify(rawURL string, headers traffic.Header, mainDocumentURL string, allowExtended bool) (model.ResourceType, bool) {
	t, _ := Detect(rawURL, headers, mainDocumentURL, allowExtended)
	return t, false
}

// StripMarkers 从 Accept 中移除合成标记，其余内容保持原样
func StripMarkers(accept string) string {
	if !strings.Contains(accept, MarkerPrefix) {
		return accept
	}
	parts := strings.Split(accept, ",")
	kept := parts[:0]
	for _, p := range parts {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(p)), MarkerPrefix) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.TrimSpace(strings.Join(kept, ","))
}

// acceptTokens 拆分 Accept，去掉参数并转为小写
func acceptTokens(accept string) []string {
	if accept == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(accept, ",") {
		if i := strings.IndexByte(p, ';'); i >= 0 {
			p = p[:i]
		}
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	return u.Path
}

func stripFragment(s string) string {
	if i := strings.IndexByte(s, '#'); i >= 0 {
		return s[:i]
	}
	return s
}

// StripQuery 去掉查询串和片段
func StripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}
