package tabs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"cdpwebreq/pkg/model"
	"cdpwebreq/pkg/traffic"
)

var tokenRe = regexp.MustCompile(`Version/[0-9]+\.([0-9.]+?)\.([0-9]+)(\s|$)`)

// Codec 将标签页标识编码进 User-Agent 的 Version 段并从请求头中解码
type Codec struct {
	major      string
	appVersion string
}

// NewCodec 创建编解码器；major 为纯数字，appVersion 为点分数字
func NewCodec(major, appVersion string) *Codec {
	return &Codec{major: major, appVersion: appVersion}
}

// Encode 生成标签页令牌
func (c *Codec) Encode(tab model.TabID) string {
	return fmt.Sprintf("Version/%s.%s.%d", c.major, c.appVersion, uint64(tab))
}

// UserAgent 在基础 UA 上附加令牌；已有 Version 段时整体替换
func (c *Codec) UserAgent(base string, tab model.TabID) string {
	token := c.Encode(tab)
	if loc := tokenRe.FindStringSubmatchIndex(base); loc != nil {
		// 保留匹配尾部的空白
		end := loc[1]
		if loc[6] >= 0 && loc[7] > loc[6] {
			end = loc[6]
		}
		return base[:loc[0]] + token + base[end:]
	}
	base = strings.TrimSpace(base)
	if base == "" {
		return token
	}
	return base + " " + token
}

// Decode 从请求头的 User-Agent 中还原标签页标识
func (c *Codec) Decode(h traffic.Header) (model.TabID, bool) {
	return DecodeUserAgent(h.Get("User-Agent"))
}

// DecodeUserAgent 从 UA 字符串中还原标签页标识
func DecodeUserAgent(ua string) (model.TabID, bool) {
	m := tokenRe.FindStringSubmatch(ua)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return model.TabID(id), true
}
