package model

import "time"

type SessionID string
type TargetID string
type RuleID string

// TabID 标签页唯一标识，0 保留为“未知”
type TabID uint64

// FrameID 标签页内的帧标识
type FrameID int64

const (
	// MainFrameID 根帧固定标识
	MainFrameID FrameID = 0
	// NoParentFrameID 根帧的父帧标识
	NoParentFrameID FrameID = -1
)

// RequestID 进程生命周期内唯一的请求标识
type RequestID uint64

// Stage 请求生命周期阶段
type Stage string

const (
	StageBeforeRequest     Stage = "beforeRequest"
	StageBeforeSendHeaders Stage = "beforeSendHeaders"
	StageHeadersReceived   Stage = "headersReceived"
)

// Stages 按生命周期顺序列出全部阶段
var Stages = []Stage{StageBeforeRequest, StageBeforeSendHeaders, StageHeadersReceived}

// EventName 返回阶段对应的监听事件名
func (s Stage) EventName() string {
	switch s {
	case StageBeforeRequest:
		return "webRequest.onBeforeRequest"
	case StageBeforeSendHeaders:
		return "webRequest.onBeforeSendHeaders"
	case StageHeadersReceived:
		return "webRequest.onHeadersReceived"
	default:
		return ""
	}
}

// StageForEvent 由监听事件名解析阶段
func StageForEvent(event string) (Stage, bool) {
	for _, s := range Stages {
		if s.EventName() == event {
			return s, true
		}
	}
	return "", false
}

type SessionConfig struct {
	DevToolsURL string `json:"devToolsURL"`
}

type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	Rules   int              `json:"rules"`
	ByStage map[Stage]int    `json:"byStage"`
	ByRule  map[RuleID]int64 `json:"byRule"`
}

// 事件类型
const (
	EventBlocked    = "blocked"
	EventRedirected = "redirected"
	EventFaked      = "faked"
	EventModified   = "modified"
	EventPassed     = "passed"
	EventBypassed   = "bypassed"
	EventFailed     = "failed"
	EventCancelled  = "cancelled"
)

// Event 拦截器对外发出的事件
type Event struct {
	Type         string    `json:"type"`
	Session      SessionID `json:"session,omitempty"`
	Target       TargetID  `json:"target,omitempty"`
	Tab          TabID     `json:"tabId"`
	Request      RequestID `json:"requestId"`
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	Stage        Stage     `json:"stage,omitempty"`
	ResourceType string    `json:"resourceType,omitempty"`
	StatusCode   int       `json:"statusCode,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type TargetInfo struct {
	ID       TargetID `json:"id"`
	Type     string   `json:"type"`
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Attached bool     `json:"attached"`
	Tab      TabID    `json:"tabId,omitempty"`
}
