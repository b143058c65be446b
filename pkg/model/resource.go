package model

// ResourceType 请求资源类型
type ResourceType int

const (
	ResourceOther ResourceType = iota
	ResourceMainFrame
	ResourceSubFrame
	ResourceStylesheet
	ResourceScript
	ResourceImage
	ResourceObject
	ResourceXHR
)

// 扩展类型，仅在调用方显式开启时返回
const (
	ResourceExtended ResourceType = 100 + iota
	ResourceXHRSync
	ResourceAudio
	ResourceVideo
)

var resourceNames = map[ResourceType]string{
	ResourceOther:      "other",
	ResourceMainFrame:  "main_frame",
	ResourceSubFrame:   "sub_frame",
	ResourceStylesheet: "stylesheet",
	ResourceScript:     "script",
	ResourceImage:      "image",
	ResourceObject:     "object",
	ResourceXHR:        "xmlhttprequest",
}

// String 返回对外暴露的类型名，扩展类型一律为 other
func (t ResourceType) String() string {
	if s, ok := resourceNames[t]; ok {
		return s
	}
	return "other"
}

// IsExtended 是否为扩展类型
func (t ResourceType) IsExtended() bool { return t >= ResourceExtended }

// Base 将扩展类型折算为基础类型
func (t ResourceType) Base() ResourceType {
	switch {
	case t == ResourceXHRSync:
		return ResourceXHR
	case t.IsExtended():
		return ResourceOther
	default:
		return t
	}
}

// ParseResourceType 由对外类型名解析
func ParseResourceType(s string) (ResourceType, bool) {
	for t, name := range resourceNames {
		if name == s {
			return t, true
		}
	}
	return ResourceOther, false
}
