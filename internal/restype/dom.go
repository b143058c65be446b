package restype

import (
	"context"
	"encoding/json"
	"fmt"

	"cdpwebreq/pkg/model"
)

// DOMQuerier 在渲染上下文中执行节点查询脚本，返回脚本结果字符串
type DOMQuerier interface {
	QueryNode(ctx context.Context, tab model.TabID, expression string) (string, error)
}

var nodeTypes = map[string]model.ResourceType{
	"img":    model.ResourceImage,
	"script": model.ResourceScript,
	"iframe": model.ResourceSubFrame,
}

// NodeQueryExpression 生成查找 src 指向该 URL 的 img/script/iframe 节点的脚本：
// 先精确匹配，再按去掉查询串后的前缀匹配，返回节点名或空串
func NodeQueryExpression(rawURL string) string {
	exact, _ := json.Marshal(rawURL)
	prefix, _ := json.Marshal(StripQuery(rawURL))
	return fmt.Sprintf(`(function(u, p) {
  var tags = ["img", "script", "iframe"];
  var esc = function(s) { return s.replace(/\\/g, "\\\\").replace(/"/g, "\\\""); };
  for (var i = 0; i < tags.length; i++) {
    if (document.querySelector(tags[i] + '[src="' + esc(u) + '"]')) return tags[i];
  }
  for (var j = 0; j < tags.length; j++) {
    if (document.querySelector(tags[j] + '[src^="' + esc(p) + '"]')) return tags[j];
  }
  return "";
})(%s, %s)`, exact, prefix)
}

// QueryDOM 兜底查询：没有渲染上下文、查询失败或无结果时返回 other 且标记为暂定
func QueryDOM(ctx context.Context, q DOMQuerier, tab model.TabID, rawURL string) (model.ResourceType, bool) {
	if q == nil {
		return model.ResourceOther, true
	}
	name, err := q.QueryNode(ctx, tab, NodeQueryExpression(rawURL))
	if err != nil {
		return model.ResourceOther, true
	}
	if t, ok := nodeTypes[name]; ok {
		return t, false
	}
	return model.ResourceOther, true
}
